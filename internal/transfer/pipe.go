package transfer

import (
	"sync"
)

// PipeChannel is one end of an in-memory Channel pair.
type PipeChannel struct {
	q       *EventQueue
	peer    *PipeChannel
	onClose func()
}

var _ Channel = (*PipeChannel)(nil)

// NewPipe returns two connected channel ends. Both start open and deliver an
// EventOpen first.
func NewPipe() (*PipeChannel, *PipeChannel) {
	a := &PipeChannel{q: NewEventQueue()}
	b := &PipeChannel{q: NewEventQueue()}
	a.peer, b.peer = b, a
	var once sync.Once
	shared := func() {
		once.Do(func() {
			a.q.Push(Event{Kind: EventClose})
			b.q.Push(Event{Kind: EventClose})
		})
	}
	a.onClose, b.onClose = shared, shared
	a.q.Push(Event{Kind: EventOpen})
	b.q.Push(Event{Kind: EventOpen})
	return a, b
}

// Events returns the inbound event stream.
func (p *PipeChannel) Events() <-chan Event {
	return p.q.Events()
}

// Send copies msg into the peer's inbound queue.
func (p *PipeChannel) Send(msg []byte) error {
	if !p.IsOpen() {
		return ErrChannelClosed
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	if !p.peer.q.Push(Event{Kind: EventMessage, Data: buf}) {
		return ErrChannelClosed
	}
	return nil
}

// IsOpen reports whether the pipe is still connected.
func (p *PipeChannel) IsOpen() bool {
	return !p.q.Closed()
}

// Close closes both ends.
func (p *PipeChannel) Close() error {
	p.onClose()
	return nil
}

// Fail closes both ends after delivering err to each of them.
func (p *PipeChannel) Fail(err error) {
	p.peer.q.Push(Event{Kind: EventError, Err: err})
	p.q.Push(Event{Kind: EventError, Err: err})
	p.onClose()
}
