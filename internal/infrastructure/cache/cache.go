package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCacheMiss = errors.New("cache: key not found")
	ErrConflict  = errors.New("cache: too many concurrent updates")
)

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the shared key/value store used for route metrics, availability
// flags and windowed counters.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error

	// Incr increments a counter and starts its expiry window on creation.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64, window time.Duration) (float64, error)
	GetFloat(ctx context.Context, key string) (float64, error)
	// AddToSet adds member and returns the set cardinality.
	AddToSet(ctx context.Context, key, member string, window time.Duration) (int64, error)

	// Update performs an atomic read-modify-write of key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}
