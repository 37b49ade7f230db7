package transfer

import (
	"sync"
	"time"
)

// closeLinger bounds how long a closed queue waits on a consumer for each
// remaining event before the pump gives up.
var closeLinger = 5 * time.Second

// EventQueue turns pushed events into an ordered Events() stream. Pushes
// never block; the queue is unbounded so transport callbacks can hand off
// events without waiting on the consumer. Once EventClose is pushed the
// delivery goroutine exits after the backlog is read, or after closeLinger
// passes without the consumer taking the next event.
type EventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
	closing chan struct{}
	linger  time.Duration
	events  chan Event
}

// NewEventQueue starts a queue and its delivery goroutine.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		closing: make(chan struct{}),
		linger:  closeLinger,
		events:  make(chan Event),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *EventQueue) pump() {
	defer close(q.events)
	for {
		q.mu.Lock()
		for len(q.queue) == 0 {
			q.cond.Wait()
		}
		ev := q.queue[0]
		q.queue[0] = Event{}
		q.queue = q.queue[1:]
		q.mu.Unlock()

		if !q.deliver(ev) || ev.Kind == EventClose {
			q.mu.Lock()
			q.queue = nil
			q.mu.Unlock()
			return
		}
	}
}

func (q *EventQueue) deliver(ev Event) bool {
	select {
	case q.events <- ev:
		return true
	case <-q.closing:
	}
	t := time.NewTimer(q.linger)
	defer t.Stop()
	select {
	case q.events <- ev:
		return true
	case <-t.C:
		return false
	}
}

// Push appends ev. After an EventClose has been pushed, further events are
// dropped and Push returns false.
func (q *EventQueue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if ev.Kind == EventClose {
		q.closed = true
		close(q.closing)
	}
	q.queue = append(q.queue, ev)
	q.cond.Signal()
	return true
}

// Closed reports whether EventClose has been pushed.
func (q *EventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Events returns the delivery stream. It is closed after EventClose, or
// early when the consumer stopped reading a closed queue.
func (q *EventQueue) Events() <-chan Event {
	return q.events
}
