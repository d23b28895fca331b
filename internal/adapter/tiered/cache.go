// Package tiered layers an in-process replay cache over a shared remote one.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/eventrelay/internal/logger"
	"github.com/Strob0t/eventrelay/internal/port/cache"
)

// Cache reads local first and falls back to remote, copying remote hits into
// local. A failing remote reads as a miss, so replicas keep serving replay
// from their own memory and the log while the shared bucket is away.
type Cache struct {
	local  cache.Cache
	remote cache.Cache

	// backfillTTL bounds how long a batch copied from remote stays local.
	backfillTTL time.Duration
}

var _ cache.Cache = (*Cache)(nil)

// New returns a Cache over local and remote.
func New(local, remote cache.Cache, backfillTTL time.Duration) *Cache {
	return &Cache{local: local, remote: remote, backfillTTL: backfillTTL}
}

func (c *Cache) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	if value, ok, err = c.local.Get(ctx, key); err != nil || ok {
		return value, ok, err
	}

	value, ok, err = c.remote.Get(ctx, key)
	switch {
	case err != nil:
		logger.From(ctx).Debug("remote replay cache unavailable", "key", key, "error", err)
		return nil, false, nil
	case !ok:
		return nil, false, nil
	}

	if err := c.local.Set(ctx, key, value, c.backfillTTL); err != nil {
		logger.From(ctx).Debug("replay cache backfill failed", "key", key, "error", err)
	}
	return value, true, nil
}

// Set stores locally first. The local copy is kept even when the remote
// write fails; the remote error is still returned so callers can log it.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("local set: %w", err)
	}
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("remote set: %w", err)
	}
	return nil
}

// Delete removes the key from both levels, attempting both even if one fails.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return errors.Join(c.local.Delete(ctx, key), c.remote.Delete(ctx, key))
}
