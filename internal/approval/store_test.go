package approval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/triage-ai/palisade/services/request_gate/internal/kv"
	"github.com/triage-ai/palisade/services/request_gate/internal/matcher"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewStore(kv.NewMemory(), logger)
}

// failingKV fails every operation.
type failingKV struct{}

var errBackend = errors.New("backend down")

func (failingKV) GetBool(context.Context, string) (bool, bool, error)     { return false, false, errBackend }
func (failingKV) SetBool(context.Context, string, bool) error             { return errBackend }
func (failingKV) GetString(context.Context, string) (string, bool, error) { return "", false, errBackend }
func (failingKV) SetString(context.Context, string, string) error         { return errBackend }
func (failingKV) GetInt(context.Context, string) (int, bool, error)       { return 0, false, errBackend }
func (failingKV) SetInt(context.Context, string, int) error               { return errBackend }

func TestStore_Defaults(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Settings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, DefaultSettings()) {
		t.Fatalf("Settings = %+v, want defaults", got)
	}
}

func TestStore_AddTargetIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	added, err := s.AddTarget(ctx, "x.com")
	if err != nil || !added {
		t.Fatalf("first AddTarget = %v, %v", added, err)
	}
	added, err = s.AddTarget(ctx, "  x.com ")
	if err != nil || added {
		t.Fatalf("second AddTarget = %v, %v; want false", added, err)
	}

	targets, _ := s.ListTargets(ctx)
	if !reflect.DeepEqual(targets, []string{"x.com"}) {
		t.Fatalf("ListTargets = %v", targets)
	}
}

func TestStore_AddTargetRejectsBlank(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	calls := 0
	s.Subscribe(func([]string) { calls++ })

	for _, e := range []string{"", "   ", "\t"} {
		added, err := s.AddTarget(ctx, e)
		if err != nil || added {
			t.Fatalf("AddTarget(%q) = %v, %v", e, added, err)
		}
	}
	if calls != 0 {
		t.Fatalf("listener fired %d times for no-op adds", calls)
	}
}

func TestStore_AddTargetThenMatchCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.AddTarget(ctx, "Example.COM"); err != nil {
		t.Fatal(err)
	}
	targets, _ := s.ListTargets(ctx)
	if targets[0] != "Example.COM" {
		t.Fatalf("stored entry was mutated: %q", targets[0])
	}
	for _, host := range []string{"example.com", "EXAMPLE.COM"} {
		if !matcher.IsAutoApproved(host, 8443, targets) {
			t.Fatalf("expected %s to be approved", host)
		}
	}
}

func TestStore_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, e := range []string{"a.com", "b.com:80", "*.c.com"} {
		if _, err := s.AddTarget(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.RemoveTarget(ctx, " b.com:80 ")
	if err != nil || !removed {
		t.Fatalf("RemoveTarget = %v, %v", removed, err)
	}
	removed, _ = s.RemoveTarget(ctx, "missing.com")
	if removed {
		t.Fatal("expected RemoveTarget of missing entry to report false")
	}

	targets, _ := s.ListTargets(ctx)
	if !reflect.DeepEqual(targets, []string{"a.com", "*.c.com"}) {
		t.Fatalf("ListTargets = %v", targets)
	}

	if err := s.ClearTargets(ctx); err != nil {
		t.Fatal(err)
	}
	targets, _ = s.ListTargets(ctx)
	if len(targets) != 0 {
		t.Fatalf("expected empty list, got %v", targets)
	}
}

func TestStore_ListenerIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var secondCalls int
	var lastSeen []string
	s.Subscribe(func([]string) { panic("listener exploded") })
	s.Subscribe(func(targets []string) {
		secondCalls++
		lastSeen = targets
	})

	if _, err := s.AddTarget(ctx, "a.com"); err != nil {
		t.Fatal(err)
	}
	if secondCalls != 1 {
		t.Fatalf("second listener called %d times, want 1", secondCalls)
	}
	if !reflect.DeepEqual(lastSeen, []string{"a.com"}) {
		t.Fatalf("listener saw %v", lastSeen)
	}

	// The mutation stands despite the panicking listener.
	targets, _ := s.ListTargets(ctx)
	if !reflect.DeepEqual(targets, []string{"a.com"}) {
		t.Fatalf("ListTargets = %v", targets)
	}

	if _, err := s.RemoveTarget(ctx, "a.com"); err != nil {
		t.Fatal(err)
	}
	if secondCalls != 2 {
		t.Fatalf("second listener called %d times after remove, want 2", secondCalls)
	}
}

func TestStore_ListenerFiresOncePerMutation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	calls := 0
	unsubscribe := s.Subscribe(func([]string) { calls++ })

	_, _ = s.AddTarget(ctx, "a.com")
	_, _ = s.AddTarget(ctx, "a.com") // duplicate, no mutation
	_, _ = s.RemoveTarget(ctx, "b.com")
	_ = s.ClearTargets(ctx)
	_ = s.ClearTargets(ctx) // already empty
	if calls != 2 {
		t.Fatalf("listener called %d times, want 2", calls)
	}

	unsubscribe()
	unsubscribe()
	_, _ = s.AddTarget(ctx, "c.com")
	if calls != 2 {
		t.Fatalf("listener called after unsubscribe")
	}
}

func TestStore_ListenerMayReadStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var seen []string
	s.Subscribe(func([]string) {
		seen, _ = s.ListTargets(ctx)
	})
	if _, err := s.AddTarget(ctx, "a.com"); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(seen, []string{"a.com"}) {
		t.Fatalf("listener read %v", seen)
	}
}

func TestStore_ConcurrentAddsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AddTarget(ctx, fmt.Sprintf("host%d.example.com", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	targets, _ := s.ListTargets(ctx)
	if len(targets) != n {
		t.Fatalf("expected %d targets, got %d", n, len(targets))
	}
}

func TestStore_HistoryMasterSwitchResetsFlags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SetAlwaysAllow(ctx, CategoryHTTPHistory, true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAlwaysAllow(ctx, CategoryWebSocketHistory, true); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.AlwaysAllow(ctx, CategoryHTTPHistory); !ok {
		t.Fatal("expected http history flag set")
	}

	if err := s.SetRequireHistoryAccessApproval(ctx, false); err != nil {
		t.Fatal(err)
	}
	got, err := s.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequireHistoryAccessApproval || got.AlwaysAllowHTTPHistory || got.AlwaysAllowWebSocketHistory {
		t.Fatalf("expected switch and flags off, got %+v", got)
	}
}

func TestStore_ApplyPartialUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	off, on := false, true

	got, err := s.Apply(ctx, SettingsUpdate{
		RequireHTTPRequestApproval: &off,
		ConfigEditingTooling:       &on,
		AlwaysAllowHTTPHistory:     &on,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.RequireHTTPRequestApproval || !got.ConfigEditingTooling || !got.AlwaysAllowHTTPHistory {
		t.Fatalf("unexpected settings %+v", got)
	}
	if !got.RequireHistoryAccessApproval {
		t.Fatal("untouched field changed")
	}

	// Turning the history switch off wins over flags set in the same update.
	got, err = s.Apply(ctx, SettingsUpdate{
		RequireHistoryAccessApproval: &off,
		AlwaysAllowWebSocketHistory:  &on,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.AlwaysAllowWebSocketHistory || got.AlwaysAllowHTTPHistory {
		t.Fatalf("flags survived master switch off: %+v", got)
	}
}

func TestStore_UnknownCategory(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetAlwaysAllow(context.Background(), Category("ftp_history"), true); err == nil {
		t.Fatal("expected error for unknown category")
	}
	if _, err := ParseCategory("ftp_history"); err == nil {
		t.Fatal("expected ParseCategory error")
	}
}

func TestStore_BackendFailureIsFailClosed(t *testing.T) {
	ctx := context.Background()
	s := NewStore(failingKV{}, zap.NewNop())

	got, err := s.Settings(ctx)
	if err == nil {
		t.Fatal("expected read error")
	}
	if !got.RequireHTTPRequestApproval || !got.RequireHistoryAccessApproval {
		t.Fatalf("expected approval required on read failure, got %+v", got)
	}
	if got.AlwaysAllowHTTPHistory || got.AlwaysAllowWebSocketHistory || len(got.AutoApproveTargets) != 0 {
		t.Fatalf("expected nothing pre-approved on read failure, got %+v", got)
	}

	if _, err := s.AddTarget(ctx, "a.com"); !errors.Is(err, errBackend) {
		t.Fatalf("AddTarget error = %v, want backend error", err)
	}
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.db")

	backend, err := kv.OpenSQL(ctx, kv.DialectSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	first := NewStore(backend, zap.NewNop())
	if _, err := first.AddTarget(ctx, "*.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := first.SetRequireHTTPRequestApproval(ctx, false); err != nil {
		t.Fatal(err)
	}
	_ = backend.Close()

	reopened, err := kv.OpenSQL(ctx, kv.DialectSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := NewStore(reopened, zap.NewNop()).Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequireHTTPRequestApproval {
		t.Fatal("switch not persisted")
	}
	if !reflect.DeepEqual(got.AutoApproveTargets, []string{"*.example.com"}) {
		t.Fatalf("targets = %v", got.AutoApproveTargets)
	}
}
