package ports

import (
	"context"
	"time"
)

// Store is a key/value store holding session records and bus messages
type Store interface {
	// Set adds a key with a value and expiration time, zero ttl keeps it forever
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value by key, returning core.ErrNotFound when absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes keys, missing keys are ignored
	Delete(ctx context.Context, keys ...string) error

	// Keys lists every key starting with prefix
	Keys(ctx context.Context, prefix string) ([]string, error)
}
