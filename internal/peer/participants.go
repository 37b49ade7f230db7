package peer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/sharelink/internal/progress"
)

// ParticipantState is the per-participant sub-state of a Sharer.
type ParticipantState int

const (
	// AwaitingOpen means the channel handshake is in progress.
	AwaitingOpen ParticipantState = iota
	SentMetadata
	Streaming
	Complete
	Closed
)

func (s ParticipantState) String() string {
	switch s {
	case AwaitingOpen:
		return "awaiting-open"
	case SentMetadata:
		return "sent-metadata"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParticipantInfo is a point-in-time view of one participant.
type ParticipantInfo struct {
	ID       string
	State    ParticipantState
	Progress progress.Stats
	JoinedAt time.Time
	Err      error
}

type participant struct {
	id       string
	state    ParticipantState
	meter    *progress.Meter
	joinedAt time.Time
	err      error
	attached bool
}

// participantTable tracks participants announced by signaling or attached
// with a channel. Entries persist after close so a summary can be printed.
type participantTable struct {
	mu      sync.RWMutex
	entries map[string]*participant
	now     func() time.Time
}

func newParticipantTable(now func() time.Time) *participantTable {
	if now == nil {
		now = time.Now
	}
	return &participantTable{
		entries: make(map[string]*participant),
		now:     now,
	}
}

// join records a participant in AwaitingOpen, keeping an existing entry.
func (t *participantTable) join(id string) *participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.entries[id]; ok {
		return p
	}
	p := &participant{
		id:       id,
		state:    AwaitingOpen,
		meter:    progress.NewMeterWithNow(t.now),
		joinedAt: t.now(),
	}
	t.entries[id] = p
	return p
}

// attach claims the entry for a channel. A participant id can be attached once.
func (t *participantTable) attach(id string) (*participant, error) {
	p := t.join(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.attached {
		return nil, fmt.Errorf("participant %s already attached", id)
	}
	p.attached = true
	return p, nil
}

func (t *participantTable) setState(p *participant, state ParticipantState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Complete is final; a later close only releases resources.
	if p.state == Complete {
		return
	}
	p.state = state
	if err != nil && p.err == nil {
		p.err = err
	}
}

func (t *participantTable) state(p *participant) ParticipantState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return p.state
}

// leave handles a peer-left notification for a participant that never
// attached a channel.
func (t *participantTable) leave(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	if !ok || p.attached {
		return
	}
	delete(t.entries, id)
}

// snapshot returns all participants sorted by join time, then id.
func (t *participantTable) snapshot() []ParticipantInfo {
	t.mu.RLock()
	out := make([]ParticipantInfo, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, ParticipantInfo{
			ID:       p.id,
			State:    p.state,
			Progress: p.meter.Snapshot(),
			JoinedAt: p.joinedAt,
			Err:      p.err,
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// sample closes the progress window of every participant.
func (t *participantTable) sample() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.entries {
		p.meter.Sample()
	}
}

// summary returns a one-line count of participants per state.
func (t *participantTable) summary() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var active, done, closed int
	for _, p := range t.entries {
		switch p.state {
		case Complete:
			done++
		case Closed:
			closed++
		default:
			active++
		}
	}
	return fmt.Sprintf("participants: %d active, %d complete, %d closed", active, done, closed)
}
