package peers

import (
	"sync"
	"time"

	"github.com/sheerbytes/sharelink/pkg/protocol"
)

// Peer represents a connected signaling client.
type Peer struct {
	PeerID string // channel address announced by the client
	ConnID string // unique per WebSocket connection
}

// peerConnection holds a peer and its send channel.
type peerConnection struct {
	peer  Peer
	send  chan protocol.Envelope
	close func()
}

// Hub routes envelopes to connected peers in a thread-safe manner.
// Each connection gets a buffered queue drained by its own writer goroutine.
// Duplicate peer_ids use last-write-wins: the most recent connection receives
// envelopes addressed to that peer_id.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*peerConnection // connID -> peerConnection
	byPeerID map[string]string          // peerID -> connID
}

// NewHub creates a new peer hub.
func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]*peerConnection),
		byPeerID: make(map[string]string),
	}
}

// Add registers a connection and returns a remove function.
// send delivers one envelope; closeFn (optional) force-closes the connection.
func (h *Hub) Add(p Peer, send func(env protocol.Envelope) error, closeFn func()) (remove func()) {
	ch := make(chan protocol.Envelope, 256)
	pc := &peerConnection{peer: p, send: ch, close: closeFn}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				// Keep draining so senders never block on a dead connection.
				for range ch {
				}
				return
			}
		}
	}()

	h.mu.Lock()
	h.conns[p.ConnID] = pc
	if p.PeerID != "" {
		h.byPeerID[p.PeerID] = p.ConnID
	}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.conns[p.ConnID] == pc {
				delete(h.conns, p.ConnID)
			}
			if h.byPeerID[p.PeerID] == p.ConnID {
				delete(h.byPeerID, p.PeerID)
			}
			h.mu.Unlock()

			// Close channel to stop writer goroutine (outside lock to avoid deadlock)
			close(ch)

			select {
			case <-done:
			case <-time.After(1 * time.Second):
			}
		})
	}
}

// SendTo queues an envelope for a connection.
// Returns true if the connection exists, even when its queue is full.
func (h *Hub) SendTo(connID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pc, ok := h.conns[connID]
	if !ok {
		return false
	}
	select {
	case pc.send <- env:
	default:
	}
	return true
}

// SendToPeer queues an envelope for the connection currently announcing peerID.
func (h *Hub) SendToPeer(peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	connID, ok := h.byPeerID[peerID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.SendTo(connID, env)
}

// Broadcast queues an envelope for each listed connection.
// Uses non-blocking sends via buffered channels to avoid blocking on slow peers.
func (h *Hub) Broadcast(connIDs []string, env protocol.Envelope) {
	for _, connID := range connIDs {
		h.SendTo(connID, env)
	}
}

// PeerID returns the address a connection announced.
func (h *Hub) PeerID(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pc, ok := h.conns[connID]
	if !ok {
		return "", false
	}
	return pc.peer.PeerID, true
}

// Count returns the number of connected peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll force-closes every connection that registered a close function.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	closers := make([]func(), 0, len(h.conns))
	for _, pc := range h.conns {
		if pc.close != nil {
			closers = append(closers, pc.close)
		}
	}
	h.mu.RUnlock()

	for _, fn := range closers {
		fn()
	}
}
