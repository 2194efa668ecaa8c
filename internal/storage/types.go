package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrReadOnly = errors.New("storage opened read-only")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map
//   - "file": snapshot + journal files derived from Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// ReadOnly opens an existing store for inspection next to a running
	// engine: no files are created, written or compacted.
	ReadOnly bool
}

// Store is the durable key/value collaborator.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Op is one write in a batch. A nil Value removes the key.
type Op struct {
	Key   string
	Value []byte
}

// Batcher is implemented by stores that can apply several writes at once.
type Batcher interface {
	Apply(ctx context.Context, ops []Op) error
}

// Compactor is implemented by stores with periodic housekeeping.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Apply writes ops through b's Batcher if it has one, otherwise one by one.
// It stops at the first failure and reports how many ops were applied.
func Apply(ctx context.Context, s Store, ops []Op) (int, error) {
	if s == nil {
		return 0, ErrDisabled
	}
	if b, ok := s.(Batcher); ok {
		if err := b.Apply(ctx, ops); err != nil {
			return 0, err
		}
		return len(ops), nil
	}
	for i, op := range ops {
		var err error
		if op.Value == nil {
			err = s.Remove(ctx, op.Key)
		} else {
			err = s.Set(ctx, op.Key, op.Value)
		}
		if err != nil {
			return i, err
		}
	}
	return len(ops), nil
}
