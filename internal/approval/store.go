package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/triage-ai/palisade/services/request_gate/internal/kv"
	"github.com/triage-ai/palisade/services/request_gate/internal/matcher"
	"go.uber.org/zap"
)

// Listener is notified after every successful change to the allow-list.
// It receives a copy of the new list.
type Listener func(targets []string)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store is the single owner of approval settings. Every mutation writes
// through to the kv backend before returning and reads always go to the
// backend, so there is no stale cache to observe.
type Store struct {
	kv     kv.Store
	logger *zap.Logger

	// mu serializes read-modify-write cycles so concurrent "always allow"
	// decisions cannot lose each other's entries.
	mu sync.Mutex

	lmu       sync.Mutex
	listeners []listenerEntry
	nextID    uint64
}

// NewStore creates a Store persisting through backend.
func NewStore(backend kv.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: backend, logger: logger}
}

// AddTarget appends a trimmed entry to the allow-list. Returns false without
// writing when the entry is blank or already present.
func (s *Store) AddTarget(ctx context.Context, entry string) (bool, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false, nil
	}

	s.mu.Lock()
	targets, err := s.readTargets(ctx)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("AddTarget: %w", err)
	}
	if slices.Contains(targets, entry) {
		s.mu.Unlock()
		return false, nil
	}
	targets = append(targets, entry)
	if err := s.writeTargets(ctx, targets); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("AddTarget: %w", err)
	}
	s.mu.Unlock()

	s.notify(targets)
	return true, nil
}

// RemoveTarget removes the first entry equal to the trimmed argument.
func (s *Store) RemoveTarget(ctx context.Context, entry string) (bool, error) {
	entry = strings.TrimSpace(entry)

	s.mu.Lock()
	targets, err := s.readTargets(ctx)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("RemoveTarget: %w", err)
	}
	i := slices.Index(targets, entry)
	if i < 0 {
		s.mu.Unlock()
		return false, nil
	}
	targets = slices.Delete(targets, i, i+1)
	if err := s.writeTargets(ctx, targets); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("RemoveTarget: %w", err)
	}
	s.mu.Unlock()

	s.notify(targets)
	return true, nil
}

// ClearTargets empties the allow-list. Listeners only fire if it was non-empty.
func (s *Store) ClearTargets(ctx context.Context) error {
	s.mu.Lock()
	targets, err := s.readTargets(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ClearTargets: %w", err)
	}
	if len(targets) == 0 {
		s.mu.Unlock()
		return nil
	}
	if err := s.writeTargets(ctx, nil); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ClearTargets: %w", err)
	}
	s.mu.Unlock()

	s.notify(nil)
	return nil
}

// ListTargets returns the allow-list in insertion order.
func (s *Store) ListTargets(ctx context.Context) ([]string, error) {
	targets, err := s.readTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListTargets: %w", err)
	}
	return targets, nil
}

func (s *Store) readTargets(ctx context.Context) ([]string, error) {
	raw, ok, err := s.kv.GetString(ctx, KeyAutoApproveTargets)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return matcher.ParseList(raw), nil
}

func (s *Store) writeTargets(ctx context.Context, targets []string) error {
	return s.kv.SetString(ctx, KeyAutoApproveTargets, matcher.JoinList(targets))
}

// AlwaysAllow reports the always-allow flag for a history category.
func (s *Store) AlwaysAllow(ctx context.Context, c Category) (bool, error) {
	key := c.key()
	if key == "" {
		return false, fmt.Errorf("AlwaysAllow: unknown category %q", c)
	}
	return s.readBool(ctx, key, false)
}

// SetAlwaysAllow sets the always-allow flag for a history category.
func (s *Store) SetAlwaysAllow(ctx context.Context, c Category, allow bool) error {
	key := c.key()
	if key == "" {
		return fmt.Errorf("SetAlwaysAllow: unknown category %q", c)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.SetBool(ctx, key, allow); err != nil {
		return fmt.Errorf("SetAlwaysAllow: %w", err)
	}
	return nil
}

// RequireHTTPRequestApproval reports the outbound-request master switch.
func (s *Store) RequireHTTPRequestApproval(ctx context.Context) (bool, error) {
	return s.readBool(ctx, KeyRequireHTTPRequestApproval, true)
}

// SetRequireHTTPRequestApproval sets the outbound-request master switch.
func (s *Store) SetRequireHTTPRequestApproval(ctx context.Context, require bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.SetBool(ctx, KeyRequireHTTPRequestApproval, require); err != nil {
		return fmt.Errorf("SetRequireHTTPRequestApproval: %w", err)
	}
	return nil
}

// RequireHistoryAccessApproval reports the history master switch.
func (s *Store) RequireHistoryAccessApproval(ctx context.Context) (bool, error) {
	return s.readBool(ctx, KeyRequireHistoryAccessApproval, true)
}

// SetRequireHistoryAccessApproval sets the history master switch. Turning it
// off also resets both category flags.
func (s *Store) SetRequireHistoryAccessApproval(ctx context.Context, require bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.SetBool(ctx, KeyRequireHistoryAccessApproval, require); err != nil {
		return fmt.Errorf("SetRequireHistoryAccessApproval: %w", err)
	}
	if require {
		return nil
	}
	for _, key := range []string{KeyAlwaysAllowHTTPHistory, KeyAlwaysAllowWebSocketHistory} {
		if err := s.kv.SetBool(ctx, key, false); err != nil {
			return fmt.Errorf("SetRequireHistoryAccessApproval: %w", err)
		}
	}
	return nil
}

// ConfigEditingTooling reports whether config import tools are enabled.
func (s *Store) ConfigEditingTooling(ctx context.Context) (bool, error) {
	return s.readBool(ctx, KeyConfigEditingTooling, false)
}

// SetConfigEditingTooling enables or disables config import tools.
func (s *Store) SetConfigEditingTooling(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.SetBool(ctx, KeyConfigEditingTooling, enabled); err != nil {
		return fmt.Errorf("SetConfigEditingTooling: %w", err)
	}
	return nil
}

// Settings returns a snapshot. Keys that fail to read fall back to their
// fail-closed defaults; the returned error joins every read failure.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	def := DefaultSettings()
	var errs []error

	read := func(key string, fallback bool) bool {
		v, err := s.readBool(ctx, key, fallback)
		if err != nil {
			errs = append(errs, err)
			return fallback
		}
		return v
	}

	out := Settings{
		RequireHTTPRequestApproval:   read(KeyRequireHTTPRequestApproval, def.RequireHTTPRequestApproval),
		RequireHistoryAccessApproval: read(KeyRequireHistoryAccessApproval, def.RequireHistoryAccessApproval),
		AlwaysAllowHTTPHistory:       read(KeyAlwaysAllowHTTPHistory, def.AlwaysAllowHTTPHistory),
		AlwaysAllowWebSocketHistory:  read(KeyAlwaysAllowWebSocketHistory, def.AlwaysAllowWebSocketHistory),
		ConfigEditingTooling:         read(KeyConfigEditingTooling, def.ConfigEditingTooling),
	}

	targets, err := s.readTargets(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	out.AutoApproveTargets = targets

	if err := errors.Join(errs...); err != nil {
		return out, fmt.Errorf("Settings: %w", err)
	}
	return out, nil
}

// Apply writes every non-nil field of u and returns the resulting snapshot.
// The history master switch is applied last so that turning it off always
// leaves both category flags reset.
func (s *Store) Apply(ctx context.Context, u SettingsUpdate) (Settings, error) {
	if u.RequireHTTPRequestApproval != nil {
		if err := s.SetRequireHTTPRequestApproval(ctx, *u.RequireHTTPRequestApproval); err != nil {
			return Settings{}, err
		}
	}
	if u.AlwaysAllowHTTPHistory != nil {
		if err := s.SetAlwaysAllow(ctx, CategoryHTTPHistory, *u.AlwaysAllowHTTPHistory); err != nil {
			return Settings{}, err
		}
	}
	if u.AlwaysAllowWebSocketHistory != nil {
		if err := s.SetAlwaysAllow(ctx, CategoryWebSocketHistory, *u.AlwaysAllowWebSocketHistory); err != nil {
			return Settings{}, err
		}
	}
	if u.ConfigEditingTooling != nil {
		if err := s.SetConfigEditingTooling(ctx, *u.ConfigEditingTooling); err != nil {
			return Settings{}, err
		}
	}
	if u.RequireHistoryAccessApproval != nil {
		if err := s.SetRequireHistoryAccessApproval(ctx, *u.RequireHistoryAccessApproval); err != nil {
			return Settings{}, err
		}
	}
	return s.Settings(ctx)
}

func (s *Store) readBool(ctx context.Context, key string, fallback bool) (bool, error) {
	v, ok, err := s.kv.GetBool(ctx, key)
	if err != nil {
		return fallback, err
	}
	if !ok {
		return fallback, nil
	}
	return v, nil
}

// Subscribe registers a listener for allow-list changes and returns a
// function that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.lmu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			defer s.lmu.Unlock()
			s.listeners = slices.DeleteFunc(s.listeners, func(l listenerEntry) bool { return l.id == id })
		})
	}
}

// notify runs every listener synchronously, outside the settings lock.
// A panicking listener is logged and skipped.
func (s *Store) notify(targets []string) {
	s.lmu.Lock()
	listeners := slices.Clone(s.listeners)
	s.lmu.Unlock()

	for _, l := range listeners {
		s.invoke(l, targets)
	}
}

func (s *Store) invoke(l listenerEntry, targets []string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("targets change listener failed",
				zap.Uint64("listener_id", l.id),
				zap.Any("panic", r),
			)
		}
	}()
	l.fn(slices.Clone(targets))
}
