package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testAPIKey = "rgk_test_valid_key_1234567890abcdef"

func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

type mockStore struct {
	mu        sync.Mutex
	rows      []clientRow
	err       error
	prefix    string
	callCount atomic.Int32
}

func (m *mockStore) LookupByPrefix(_ context.Context, prefix string) ([]clientRow, error) {
	m.callCount.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefix = prefix
	if m.err != nil {
		return nil, m.err
	}
	return append([]clientRow(nil), m.rows...), nil
}

func (m *mockStore) setRows(rows ...clientRow) {
	m.mu.Lock()
	m.rows = rows
	m.mu.Unlock()
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	store := &mockStore{rows: []clientRow{{ClientID: "console-1", APIKeyHash: testHash(t), Role: "operator"}}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, false, zap.NewNop())

	c, err := a.Authenticate(authedCtx("Bearer " + testAPIKey))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if c.ClientID != "console-1" || c.Role != RoleOperator {
		t.Fatalf("got %+v", c)
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	store := &mockStore{rows: []clientRow{{ClientID: "agent-1", APIKeyHash: testHash(t), Role: "agent"}}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, false, zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := a.Authenticate(authedCtx("Bearer " + testAPIKey)); err != nil {
			t.Fatal(err)
		}
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_WrongKey(t *testing.T) {
	store := &mockStore{rows: []clientRow{{ClientID: "agent-1", APIKeyHash: testHash(t), Role: "agent"}}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, true, zap.NewNop())

	_, err := a.Authenticate(authedCtx("Bearer rgk_test_wrong"))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated even with fail-open", err)
	}
}

func TestPostgresAuth_RevokedKey(t *testing.T) {
	store := &mockStore{rows: []clientRow{{ClientID: "agent-1", APIKeyHash: testHash(t), Role: "agent", Revoked: true}}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, false, zap.NewNop())

	if _, err := a.Authenticate(authedCtx("Bearer " + testAPIKey)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
}

func TestPostgresAuth_UnknownPrefix(t *testing.T) {
	store := &mockStore{}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, true, zap.NewNop())

	if _, err := a.Authenticate(authedCtx("Bearer " + testAPIKey)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
}

func TestPostgresAuth_DBError(t *testing.T) {
	dbErr := errors.New("connection refused")

	t.Run("fail closed", func(t *testing.T) {
		a := NewPostgresAuthenticatorWithStore(&mockStore{err: dbErr}, time.Minute, false, zap.NewNop())
		if _, err := a.Authenticate(authedCtx("Bearer " + testAPIKey)); !errors.Is(err, dbErr) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("fail open grants agent only", func(t *testing.T) {
		a := NewPostgresAuthenticatorWithStore(&mockStore{err: dbErr}, time.Minute, true, zap.NewNop())
		c, err := a.Authenticate(authedCtx("Bearer " + testAPIKey))
		if err != nil {
			t.Fatal(err)
		}
		if c.Role != RoleAgent || c.Allows(RoleOperator) {
			t.Fatalf("got %+v", c)
		}
	})
}

func TestPostgresAuth_StaleRefreshEvictsRevoked(t *testing.T) {
	store := &mockStore{rows: []clientRow{{ClientID: "agent-1", APIKeyHash: testHash(t), Role: "agent"}}}
	// TTL 50ms: the entry is stale after the sleep but well inside the
	// stale bound, so only the refresh can evict it.
	a := NewPostgresAuthenticatorWithStore(store, 50*time.Millisecond, false, zap.NewNop())

	if _, err := a.Authenticate(authedCtx("Bearer " + testAPIKey)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	store.setRows(clientRow{ClientID: "agent-1", APIKeyHash: testHash(t), Role: "agent", Revoked: true})
	// Stale hit: still served, refresh runs in the background.
	if _, err := a.Authenticate(authedCtx("Bearer " + testAPIKey)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !a.cache.Get(testAPIKey).Hit {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("revoked key was not evicted")
}

func TestPostgresAuth_SharedPrefix(t *testing.T) {
	other, err := bcrypt.GenerateFromPassword([]byte("rgk_test_valid_other_key"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	store := &mockStore{rows: []clientRow{
		{ClientID: "agent-2", APIKeyHash: string(other), Role: "agent"},
		{ClientID: "console-1", APIKeyHash: testHash(t), Role: "operator"},
	}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, false, zap.NewNop())

	c, err := a.Authenticate(authedCtx("Bearer " + testAPIKey))
	if err != nil {
		t.Fatal(err)
	}
	if c.ClientID != "console-1" {
		t.Fatalf("matched %s, want console-1", c.ClientID)
	}
	if store.prefix != testAPIKey[:lookupPrefixLen] {
		t.Fatalf("looked up prefix %q", store.prefix)
	}
}

func TestPostgresAuth_MissingKeyPrefix(t *testing.T) {
	store := &mockStore{rows: []clientRow{{ClientID: "agent-1", APIKeyHash: testHash(t), Role: "agent"}}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, false, zap.NewNop())

	if _, err := a.Authenticate(authedCtx("Bearer sk_not_a_gate_key_at_all")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
	if store.callCount.Load() != 0 {
		t.Fatal("keys without the rgk_ prefix should not reach the database")
	}
}
