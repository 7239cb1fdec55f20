package store

import (
	"context"
	"fmt"

	"registrar/pkg/platform/sentinel"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = fmt.Errorf("store key %w", sentinel.ErrNotFound)

// KV is one key/value pair returned by ListPrefix.
type KV struct {
	Key   string
	Value []byte
}

// Store is the durable key-value contract behind the repository. Writes are
// upserts; nothing is ever deleted. Backend failures wrap
// sentinel.ErrUnavailable so callers can treat them as recoverable I/O.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	ListPrefix(ctx context.Context, prefix string) ([]KV, error)
	Ping(ctx context.Context) error
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%s %q: %w: %w", op, key, sentinel.ErrUnavailable, err)
}
