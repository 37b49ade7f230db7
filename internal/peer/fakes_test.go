package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/sharelink/internal/session"
	"github.com/sheerbytes/sharelink/internal/transfer"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

type fakeRegistrar struct {
	mu         sync.Mutex
	collisions int
	calls      int
	err        error
	owners     []string
}

func (f *fakeRegistrar) CreateSession(ctx context.Context, ownerAddress string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.owners = append(f.owners, ownerAddress)
	if f.err != nil {
		return "", f.err
	}
	if f.calls <= f.collisions {
		return "", session.ErrIdentifierCollision
	}
	return "ab12cd", nil
}

type fakeResolver struct {
	owner string
	err   error
	ended chan struct{}
}

func (f *fakeResolver) ResolveSession(ctx context.Context, id string) (Resolution, error) {
	if f.err != nil {
		return Resolution{}, f.err
	}
	if f.ended == nil {
		f.ended = make(chan struct{})
	}
	return Resolution{ID: id, OwnerAddress: f.owner, Ended: f.ended}, nil
}

// sharerConnector attaches the far end of a pipe to a Sharer.
type sharerConnector struct {
	sharer *Sharer
	mu     sync.Mutex
	n      int
}

func (c *sharerConnector) Connect(ctx context.Context, ownerAddress string) (transfer.Channel, error) {
	c.mu.Lock()
	c.n++
	id := "receiver-" + string(rune('0'+c.n))
	c.mu.Unlock()
	local, remote := transfer.NewPipe()
	if err := c.sharer.Attach(remote, id); err != nil {
		return nil, err
	}
	return local, nil
}

// pipeConnector hands out one end of a pipe and keeps the other for the test.
type pipeConnector struct {
	remote chan *transfer.PipeChannel
}

func newPipeConnector() *pipeConnector {
	return &pipeConnector{remote: make(chan *transfer.PipeChannel, 1)}
}

func (c *pipeConnector) Connect(ctx context.Context, ownerAddress string) (transfer.Channel, error) {
	local, remote := transfer.NewPipe()
	c.remote <- remote
	return local, nil
}

// silentChannel never opens.
type silentChannel struct {
	events chan transfer.Event
	once   sync.Once
}

func (s *silentChannel) Events() <-chan transfer.Event { return s.events }
func (s *silentChannel) Send([]byte) error { return transfer.ErrChannelClosed }
func (s *silentChannel) IsOpen() bool { return false }
func (s *silentChannel) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type silentConnector struct{}

func (silentConnector) Connect(ctx context.Context, ownerAddress string) (transfer.Channel, error) {
	return &silentChannel{events: make(chan transfer.Event)}, nil
}

// nextFrame returns the next decoded message frame from ch, skipping
// non-message events.
func nextFrame(t *testing.T, ch transfer.Channel) (protocol.Frame, bool) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok || ev.Kind == transfer.EventClose {
				return protocol.Frame{}, false
			}
			if ev.Kind != transfer.EventMessage {
				continue
			}
			f, err := protocol.DecodeFrame(ev.Data)
			require.NoError(t, err)
			return f, true
		case <-timeout:
			t.Fatal("timed out waiting for frame")
		}
	}
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
