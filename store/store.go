// Package store provides counter backends for fixed-window rate limiting.
//
// Memory keeps counters in process and is only correct for a single instance.
// Redis shares counters between instances through an atomic Lua script.
package store

import (
	"context"
	"time"
)

// Store defines the interface for rate limit storage backends.
// Implementations must be safe for concurrent use: the increment-and-read in
// Increment must not lose updates under concurrent callers.
type Store interface {
	// Increment increments the counter for key inside the current window and
	// returns the new count and the time remaining until the window resets.
	// When no window is open (or the previous one has elapsed) a new window of
	// the given length starts with count 1.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Get retrieves the current count for key without incrementing.
	// Returns 0 if the key doesn't exist or its window has elapsed.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
