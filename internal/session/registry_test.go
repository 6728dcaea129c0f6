package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runbox-dev/runbox/internal/sandbox/mock"
)

func TestRegistryPerConnectionCap(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 2, 100)
	em := newTestEmitter()

	for i := 0; i < 2; i++ {
		if _, err := r.Create(context.Background(), CreateArgs{ConnID: "conn-1", Language: "python"}, em); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	_, err := r.Create(context.Background(), CreateArgs{ConnID: "conn-1", Language: "python"}, em)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("third create = %v, want ErrLimitExceeded", err)
	}

	// The cap is per connection, not global.
	if _, err := r.Create(context.Background(), CreateArgs{ConnID: "conn-2", Language: "python"}, em); err != nil {
		t.Fatalf("create on other connection failed: %v", err)
	}
}

func TestRegistryGlobalCap(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 100, 2)
	em := newTestEmitter()

	r.Create(context.Background(), CreateArgs{ConnID: "conn-1", Language: "python"}, em)
	r.Create(context.Background(), CreateArgs{ConnID: "conn-2", Language: "python"}, em)

	_, err := r.Create(context.Background(), CreateArgs{ConnID: "conn-3", Language: "python"}, em)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("create over global cap = %v, want ErrLimitExceeded", err)
	}
}

func TestRegistryOwned(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()

	s, err := r.Create(context.Background(), CreateArgs{ConnID: "conn-1", Language: "python"}, em)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if got := r.Owned(s.ID, "conn-1"); got != s {
		t.Error("owner lookup failed")
	}
	if got := r.Owned(s.ID, "conn-2"); got != nil {
		t.Error("foreign connection can see the session")
	}
	if got := r.Owned("nope", "conn-1"); got != nil {
		t.Error("unknown id resolved")
	}
}

func TestRegistrySessionIDs(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 100, 100)
	em := newTestEmitter()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		s, err := r.Create(context.Background(), CreateArgs{ConnID: "conn-1", Language: "python"}, em)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if len(s.ID) != 32 {
			t.Fatalf("session id %q has %d chars, want 32 hex chars", s.ID, len(s.ID))
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session id %q", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestRegistryRemoveByConnection(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()

	s1 := startSession(t, adapter, r, em, "conn-1")
	s2 := startSession(t, adapter, r, em, "conn-1")
	other := startSession(t, adapter, r, em, "conn-2")

	r.RemoveByConnection("conn-1", "connection closed")
	waitDone(t, s1)
	waitDone(t, s2)

	if r.CountByConnection("conn-1") != 0 {
		t.Errorf("conn-1 still owns %d sessions", r.CountByConnection("conn-1"))
	}
	if other.State() == StateTerminated {
		t.Error("unrelated connection's session was stopped")
	}
	other.Stop("cleanup")
	waitDone(t, other)
}

func TestRegistryRemoveAll(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 10, 20)
	em := newTestEmitter()

	sessions := make([]*Session, 0, 4)
	for i := 0; i < 4; i++ {
		sessions = append(sessions, startSession(t, adapter, r, em, "conn-1"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.RemoveAll(ctx, "server shutting down")

	for _, s := range sessions {
		waitDone(t, s)
	}
	if r.Len() != 0 {
		t.Errorf("registry still holds %d sessions", r.Len())
	}
	if r.Total() != 4 {
		t.Errorf("lifetime total = %d, want 4", r.Total())
	}
}
