package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// Provider is the minimal key-value contract the cache and lock service
// needs from its backing store. Keys carry TTLs; SetNX and DelIfEqual must
// be atomic with respect to concurrent callers on other processes.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error

	// DelIfEqual deletes the key only when its current value equals value.
	// Returns true when the key was deleted.
	DelIfEqual(ctx context.Context, key string, value []byte) (bool, error)

	// ScanKeys returns all keys matching a glob-style pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// KeyCount reports the number of live keys in the store.
	KeyCount(ctx context.Context) (int64, error)

	Close() error
}
