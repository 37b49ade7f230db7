package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDLength is the length of generated share identifiers.
const IDLength = 6

// maxCreateAttempts bounds identifier regeneration when a generated id is live.
const maxCreateAttempts = 8

var (
	// ErrIdentifierCollision is returned when no free identifier could be generated.
	ErrIdentifierCollision = errors.New("identifier collision")
	// ErrSessionNotFound is returned when no live session matches an identifier.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionFull is returned when a session has no room for another participant.
	ErrSessionFull = errors.New("session full")
	// ErrMissingOwnerAddress is returned when a session is created without an owner address.
	ErrMissingOwnerAddress = errors.New("missing owner address")
	// ErrConnInUse is returned when a connection already owns or participates in a session.
	ErrConnInUse = errors.New("connection already bound to a session")
	// ErrLimitReached is returned when the registry already holds MaxSessions shares.
	ErrLimitReached = errors.New("session limit reached")
	// ErrClosed is returned after the registry has been closed.
	ErrClosed = errors.New("registry closed")
)

// Policy controls session capacity and lifetime.
type Policy struct {
	// MaxParticipants bounds participants per session. Zero means unbounded.
	MaxParticipants int
	// TTL is the maximum session lifetime. Zero disables expiry.
	TTL time.Duration
	// MaxSessions bounds live sessions in the registry. Zero means unbounded.
	MaxSessions int
}

// ShareSession is a snapshot of a live share.
type ShareSession struct {
	ID           string
	OwnerAddress string
	OwnerConn    string
	Participants []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Teardown describes the effect of a disconnect on the registry.
type Teardown struct {
	ID string
	// WasOwner is true when the session itself was deleted.
	WasOwner bool
	// Participants lists connections that must be told the share ended.
	Participants []string
	// OwnerConn is the owner to notify when a participant left.
	OwnerConn string
}

type record struct {
	id           string
	ownerAddress string
	ownerConn    string
	participants map[string]struct{}
	createdAt    time.Time
	expiresAt    time.Time
}

func (r *record) snapshot() ShareSession {
	return ShareSession{
		ID:           r.id,
		OwnerAddress: r.ownerAddress,
		OwnerConn:    r.ownerConn,
		Participants: sortedKeys(r.participants),
		CreatedAt:    r.createdAt,
		ExpiresAt:    r.expiresAt,
	}
}

// Registry is a thread-safe in-memory map of share sessions.
// Ownership and participation are mutually exclusive per connection.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*record // keyed by identifier
	owners       map[string]string  // owner conn -> identifier
	participants map[string]string  // participant conn -> identifier
	policy       Policy
	newID        func() string
	now          func() time.Time
	closed       bool
}

// Option customizes a Registry.
type Option func(*Registry)

// WithIDGenerator overrides identifier generation (for tests).
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry with the given policy.
func NewRegistry(policy Policy, opts ...Option) *Registry {
	r := &Registry{
		sessions:     make(map[string]*record),
		owners:       make(map[string]string),
		participants: make(map[string]string),
		policy:       policy,
		newID:        generateID,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session owned by ownerConn and returns it.
// Identifiers are regenerated while they collide with a live session.
func (r *Registry) Create(ownerAddress, ownerConn string) (ShareSession, error) {
	if ownerAddress == "" {
		return ShareSession{}, ErrMissingOwnerAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ShareSession{}, ErrClosed
	}
	if r.boundLocked(ownerConn) {
		return ShareSession{}, ErrConnInUse
	}
	if r.policy.MaxSessions > 0 && len(r.sessions) >= r.policy.MaxSessions {
		return ShareSession{}, ErrLimitReached
	}

	id := ""
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		candidate := r.newID()
		if _, live := r.sessions[candidate]; !live && candidate != "" {
			id = candidate
			break
		}
	}
	if id == "" {
		return ShareSession{}, ErrIdentifierCollision
	}

	now := r.now()
	rec := &record{
		id:           id,
		ownerAddress: ownerAddress,
		ownerConn:    ownerConn,
		participants: make(map[string]struct{}),
		createdAt:    now,
	}
	if r.policy.TTL > 0 {
		rec.expiresAt = now.Add(r.policy.TTL)
	}
	r.sessions[id] = rec
	r.owners[ownerConn] = id
	return rec.snapshot(), nil
}

// Resolve looks up a session and records conn as a participant.
// Resolving the same session twice from one connection is idempotent.
func (r *Registry) Resolve(id, conn string) (ShareSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return ShareSession{}, ErrSessionNotFound
	}
	if joined, ok := r.participants[conn]; ok {
		if joined == id {
			return rec.snapshot(), nil
		}
		return ShareSession{}, ErrConnInUse
	}
	if _, ok := r.owners[conn]; ok {
		return ShareSession{}, ErrConnInUse
	}
	if max := r.policy.MaxParticipants; max > 0 && len(rec.participants) >= max {
		return ShareSession{}, ErrSessionFull
	}

	rec.participants[conn] = struct{}{}
	r.participants[conn] = id
	return rec.snapshot(), nil
}

// Teardown removes whatever conn was bound to. It reports false when conn
// neither owned nor participated in a session.
func (r *Registry) Teardown(conn string) (Teardown, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.owners[conn]; ok {
		return r.deleteLocked(id), true
	}
	if id, ok := r.participants[conn]; ok {
		delete(r.participants, conn)
		rec := r.sessions[id]
		if rec == nil {
			return Teardown{ID: id}, true
		}
		delete(rec.participants, conn)
		return Teardown{ID: id, OwnerConn: rec.ownerConn}, true
	}
	return Teardown{}, false
}

// Delete removes a session regardless of who owns it.
func (r *Registry) Delete(id string) (Teardown, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return Teardown{}, false
	}
	return r.deleteLocked(id), true
}

// Get returns a snapshot of a live session without joining it.
func (r *Registry) Get(id string) (ShareSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ShareSession{}, false
	}
	return rec.snapshot(), true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CleanupExpired removes all sessions past their expiry.
func (r *Registry) CleanupExpired(now time.Time) []Teardown {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Teardown
	for id, rec := range r.sessions {
		if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
			removed = append(removed, r.deleteLocked(id))
		}
	}
	return removed
}

// Close deletes every session and rejects further creates.
func (r *Registry) Close() []Teardown {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	removed := make([]Teardown, 0, len(r.sessions))
	for id := range r.sessions {
		removed = append(removed, r.deleteLocked(id))
	}
	return removed
}

func (r *Registry) deleteLocked(id string) Teardown {
	rec := r.sessions[id]
	delete(r.sessions, id)
	delete(r.owners, rec.ownerConn)
	for conn := range rec.participants {
		delete(r.participants, conn)
	}
	return Teardown{
		ID:           id,
		WasOwner:     true,
		Participants: sortedKeys(rec.participants),
		OwnerConn:    rec.ownerConn,
	}
}

func (r *Registry) boundLocked(conn string) bool {
	_, owner := r.owners[conn]
	_, participant := r.participants[conn]
	return owner || participant
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// generateID returns the first IDLength characters of a random UUID.
func generateID() string {
	return uuid.NewString()[:IDLength]
}
