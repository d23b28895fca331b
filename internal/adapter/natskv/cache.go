// Package natskv shares replay batches between replicas through a JetStream
// KeyValue bucket. Entry lifetime is the bucket TTL.
package natskv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/eventrelay/internal/port/cache"
)

// Cache is the remote level of the replay cache.
type Cache struct {
	kv jetstream.KeyValue
}

var _ cache.Cache = (*Cache)(nil)

func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// bucketKey maps key onto the KV key alphabet. Separators become dots and
// any other disallowed rune becomes an underscore.
func bucketKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == ':':
			return '.'
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '=', r == '/', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

func (c *Cache) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, bucketKey(key))
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set ignores ttl; the bucket was created with the replay cache TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, bucketKey(key), value)
	return err
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.kv.Delete(ctx, bucketKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}
