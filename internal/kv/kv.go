// Package kv is the durable key/value storage that approval settings are
// persisted through. Values are keyed by setting name and stored as text.
package kv

import (
	"context"
	"fmt"
	"strconv"
)

// Store reads and writes typed settings. Reads report ok=false when the key
// has never been written.
type Store interface {
	GetBool(ctx context.Context, key string) (value bool, ok bool, err error)
	SetBool(ctx context.Context, key string, value bool) error
	GetString(ctx context.Context, key string) (value string, ok bool, err error)
	SetString(ctx context.Context, key string, value string) error
	GetInt(ctx context.Context, key string) (value int, ok bool, err error)
	SetInt(ctx context.Context, key string, value int) error
}

// rawStore is the text-level contract each backend implements.
type rawStore interface {
	getRaw(ctx context.Context, key string) (string, bool, error)
	setRaw(ctx context.Context, key, value string) error
}

// typed layers the Store encoding on top of a rawStore.
type typed struct {
	raw rawStore
}

func (t typed) GetBool(ctx context.Context, key string) (bool, bool, error) {
	s, ok, err := t.raw.getRaw(ctx, key)
	if err != nil || !ok {
		return false, false, err
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, false, fmt.Errorf("GetBool %s: %w", key, err)
	}
	return v, true, nil
}

func (t typed) SetBool(ctx context.Context, key string, value bool) error {
	return t.raw.setRaw(ctx, key, strconv.FormatBool(value))
}

func (t typed) GetString(ctx context.Context, key string) (string, bool, error) {
	return t.raw.getRaw(ctx, key)
}

func (t typed) SetString(ctx context.Context, key string, value string) error {
	return t.raw.setRaw(ctx, key, value)
}

func (t typed) GetInt(ctx context.Context, key string) (int, bool, error) {
	s, ok, err := t.raw.getRaw(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("GetInt %s: %w", key, err)
	}
	return v, true, nil
}

func (t typed) SetInt(ctx context.Context, key string, value int) error {
	return t.raw.setRaw(ctx, key, strconv.Itoa(value))
}
