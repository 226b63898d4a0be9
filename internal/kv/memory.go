package kv

import (
	"context"
	"sync"
)

// Memory is a process-local Store. Used in tests and when no database is
// configured; settings do not survive a restart.
type Memory struct {
	typed
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{values: make(map[string]string)}
	m.typed = typed{raw: m}
	return m
}

func (m *Memory) getRaw(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) setRaw(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
