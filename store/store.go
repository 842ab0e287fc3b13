// Package store provides counter backends for rate limiting.
package store

import (
	"context"
	"time"
)

// Store defines the interface for rate limit counter backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Increment records one admission attempt against key within a
	// fixed window. When no live counter exists it starts one at 1
	// expiring after window. When the live count has already reached
	// max it reports limited=true and leaves the counter untouched,
	// so a saturated counter never grows past max. Otherwise it
	// increments and returns the new count. ttl is the time until
	// the window resets.
	Increment(ctx context.Context, key string, window time.Duration, max int64) (count int64, ttl time.Duration, limited bool, err error)

	// Get retrieves the current count and remaining window for key
	// without mutating it. ok is false when no live counter exists,
	// which is distinct from a backend error.
	Get(ctx context.Context, key string) (count int64, ttl time.Duration, ok bool, err error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
