// Package cache defines the byte cache port used for replay batches.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values under string keys. Implementations must be safe
// for concurrent use.
type Cache interface {
	// Get returns ok=false on a miss. A non-nil error means the backend
	// failed; callers treat it as a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value for ttl. Backends with a bucket-level TTL may ignore it.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
