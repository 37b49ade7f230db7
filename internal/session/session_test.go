package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegistry_CreateUnique(t *testing.T) {
	reg := NewRegistry(Policy{})
	ids := make(map[string]bool)

	for i := 0; i < 200; i++ {
		sess, err := reg.Create("owner-addr", fmt.Sprintf("conn-%d", i))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if len(sess.ID) != IDLength {
			t.Errorf("ID length = %d, want %d", len(sess.ID), IDLength)
		}
		if ids[sess.ID] {
			t.Fatalf("duplicate identifier %s", sess.ID)
		}
		ids[sess.ID] = true
	}
	if reg.Count() != 200 {
		t.Errorf("Count() = %d, want 200", reg.Count())
	}
}

func TestRegistry_CreateRetriesOnCollision(t *testing.T) {
	ids := []string{"ab12cd", "ab12cd", "ef34gh"}
	next := 0
	reg := NewRegistry(Policy{}, WithIDGenerator(func() string {
		id := ids[next]
		next++
		return id
	}))

	first, err := reg.Create("a", "conn-a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := reg.Create("b", "conn-b")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if first.ID != "ab12cd" || second.ID != "ef34gh" {
		t.Errorf("ids = %s, %s; want ab12cd, ef34gh", first.ID, second.ID)
	}
}

func TestRegistry_CreateCollisionExhausted(t *testing.T) {
	reg := NewRegistry(Policy{}, WithIDGenerator(func() string { return "same00" }))
	if _, err := reg.Create("a", "conn-a"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err := reg.Create("b", "conn-b")
	if !errors.Is(err, ErrIdentifierCollision) {
		t.Fatalf("Create() error = %v, want ErrIdentifierCollision", err)
	}
}

func TestRegistry_ConcurrentCreateSameIdentifier(t *testing.T) {
	reg := NewRegistry(Policy{}, WithIDGenerator(func() string { return "same00" }))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := reg.Create("addr", fmt.Sprintf("conn-%d", i)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("%d concurrent creates succeeded with the same identifier, want 1", succeeded)
	}
}

func TestRegistry_MaxSessions(t *testing.T) {
	reg := NewRegistry(Policy{MaxSessions: 2})
	if _, err := reg.Create("addr", "conn-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Create("addr", "conn-2"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Create("addr", "conn-3"); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("Create() over limit error = %v, want ErrLimitReached", err)
	}

	reg.Teardown("conn-1")
	if _, err := reg.Create("addr", "conn-3"); err != nil {
		t.Fatalf("Create() after teardown error = %v", err)
	}
}

func TestRegistry_ConcurrentCreateRespectsMaxSessions(t *testing.T) {
	const limit = 5
	reg := NewRegistry(Policy{MaxSessions: limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, limited := 0, 0
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := reg.Create("addr", fmt.Sprintf("conn-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrLimitReached):
				limited++
			default:
				t.Errorf("Create() error = %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if succeeded != limit || limited != 64-limit {
		t.Fatalf("succeeded=%d limited=%d, want %d and %d", succeeded, limited, limit, 64-limit)
	}
	if reg.Count() != limit {
		t.Fatalf("Count() = %d, want %d", reg.Count(), limit)
	}
}

func TestRegistry_CreateValidation(t *testing.T) {
	reg := NewRegistry(Policy{})
	if _, err := reg.Create("", "conn"); !errors.Is(err, ErrMissingOwnerAddress) {
		t.Errorf("Create(empty) error = %v, want ErrMissingOwnerAddress", err)
	}
	if _, err := reg.Create("addr", "conn"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Create("addr", "conn"); !errors.Is(err, ErrConnInUse) {
		t.Errorf("second Create() error = %v, want ErrConnInUse", err)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry(Policy{})
	sess, err := reg.Create("owner-addr", "owner")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := reg.Resolve(sess.ID, "recv-1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.OwnerAddress != "owner-addr" {
		t.Errorf("OwnerAddress = %s, want owner-addr", got.OwnerAddress)
	}
	if len(got.Participants) != 1 || got.Participants[0] != "recv-1" {
		t.Errorf("Participants = %v, want [recv-1]", got.Participants)
	}

	if _, err := reg.Resolve(sess.ID, "recv-1"); err != nil {
		t.Errorf("repeated Resolve() error = %v", err)
	}
	if _, err := reg.Resolve("zzzzzz", "recv-2"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resolve(unknown) error = %v, want ErrSessionNotFound", err)
	}
	if _, err := reg.Resolve(sess.ID, "owner"); !errors.Is(err, ErrConnInUse) {
		t.Errorf("Resolve(owner) error = %v, want ErrConnInUse", err)
	}
}

func TestRegistry_IdentifierIsCaseSensitive(t *testing.T) {
	reg := NewRegistry(Policy{}, WithIDGenerator(func() string { return "ab12cd" }))
	if _, err := reg.Create("addr", "owner"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Resolve("AB12CD", "recv"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resolve(upper) error = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_SingleReceiverPolicy(t *testing.T) {
	reg := NewRegistry(Policy{MaxParticipants: 1})
	sess, err := reg.Create("addr", "owner")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Resolve(sess.ID, "recv-1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, conn := range []string{"recv-2", "recv-3"} {
		wg.Add(1)
		go func(conn string) {
			defer wg.Done()
			_, err := reg.Resolve(sess.ID, conn)
			errs <- err
		}(conn)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrSessionFull) {
			t.Errorf("Resolve() error = %v, want ErrSessionFull", err)
		}
	}

	// The slot frees up when the participant leaves.
	if _, ok := reg.Teardown("recv-1"); !ok {
		t.Fatal("Teardown(recv-1) reported unbound connection")
	}
	if _, err := reg.Resolve(sess.ID, "recv-2"); err != nil {
		t.Errorf("Resolve() after leave error = %v", err)
	}
}

func TestRegistry_OwnerTeardown(t *testing.T) {
	reg := NewRegistry(Policy{})
	sess, _ := reg.Create("addr", "owner")
	reg.Resolve(sess.ID, "recv-b")
	reg.Resolve(sess.ID, "recv-a")

	td, ok := reg.Teardown("owner")
	if !ok {
		t.Fatal("Teardown(owner) reported unbound connection")
	}
	if !td.WasOwner || td.ID != sess.ID {
		t.Errorf("Teardown = %+v", td)
	}
	if len(td.Participants) != 2 || td.Participants[0] != "recv-a" || td.Participants[1] != "recv-b" {
		t.Errorf("Participants = %v, want [recv-a recv-b]", td.Participants)
	}

	if _, err := reg.Resolve(sess.ID, "recv-c"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resolve() after owner teardown error = %v, want ErrSessionNotFound", err)
	}
	// Participants were unbound by the cascade.
	if _, ok := reg.Teardown("recv-a"); ok {
		t.Error("participant still bound after owner teardown")
	}
	if _, ok := reg.Teardown("owner"); ok {
		t.Error("second owner teardown should be a no-op")
	}
}

func TestRegistry_ParticipantTeardown(t *testing.T) {
	reg := NewRegistry(Policy{})
	sess, _ := reg.Create("addr", "owner")
	reg.Resolve(sess.ID, "recv")

	td, ok := reg.Teardown("recv")
	if !ok {
		t.Fatal("Teardown(recv) reported unbound connection")
	}
	if td.WasOwner {
		t.Error("participant teardown must not delete the session")
	}
	if td.OwnerConn != "owner" {
		t.Errorf("OwnerConn = %s, want owner", td.OwnerConn)
	}
	got, ok := reg.Get(sess.ID)
	if !ok {
		t.Fatal("session should survive participant teardown")
	}
	if len(got.Participants) != 0 {
		t.Errorf("Participants = %v, want none", got.Participants)
	}
}

func TestRegistry_CleanupExpired(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(Policy{TTL: time.Minute}, WithClock(func() time.Time { return now }))
	sess, _ := reg.Create("addr", "owner")
	reg.Resolve(sess.ID, "recv")

	if removed := reg.CleanupExpired(now.Add(30 * time.Second)); len(removed) != 0 {
		t.Fatalf("removed %d sessions before expiry", len(removed))
	}
	removed := reg.CleanupExpired(now.Add(2 * time.Minute))
	if len(removed) != 1 || removed[0].ID != sess.ID {
		t.Fatalf("removed = %+v", removed)
	}
	if len(removed[0].Participants) != 1 {
		t.Errorf("expired teardown should list participants, got %v", removed[0].Participants)
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}

func TestRegistry_Close(t *testing.T) {
	reg := NewRegistry(Policy{})
	reg.Create("addr", "owner-1")
	reg.Create("addr", "owner-2")

	if removed := reg.Close(); len(removed) != 2 {
		t.Fatalf("Close() removed %d sessions, want 2", len(removed))
	}
	if _, err := reg.Create("addr", "owner-3"); !errors.Is(err, ErrClosed) {
		t.Errorf("Create() after Close error = %v, want ErrClosed", err)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(Policy{})
	var wg sync.WaitGroup

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				owner := fmt.Sprintf("owner-%d-%d", g, i)
				sess, err := reg.Create("addr", owner)
				if err != nil {
					t.Errorf("Create() error = %v", err)
					return
				}
				recv := fmt.Sprintf("recv-%d-%d", g, i)
				reg.Resolve(sess.ID, recv)
				reg.Teardown(recv)
				reg.Teardown(owner)
			}
		}(g)
	}
	wg.Wait()

	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}
