// Package ristretto holds recent replay batches in process memory.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/eventrelay/internal/port/cache"
)

// Batches of a few hundred events encode to roughly this many bytes; it sizes
// the admission counters.
const typicalBatchBytes = 16 << 10

// Cache is a cost-bounded cache where the cost of an entry is its length.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

var _ cache.Cache = (*Cache)(nil)

// New returns a Cache holding at most maxBytes of values.
func New(maxBytes int64) (*Cache, error) {
	items := max(maxBytes/typicalBatchBytes, 100)
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: items * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

func (c *Cache) Get(_ context.Context, key string) (value []byte, ok bool, err error) {
	value, ok = c.c.Get(key)
	return value, ok, nil
}

// Set admits the value and waits for the write buffer, so that a Get right
// after Set sees it unless the admission policy rejected it.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	c.c.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// HitRatio reports hits over lookups since start, 0 before any lookup.
func (c *Cache) HitRatio() float64 {
	return c.c.Metrics.Ratio()
}

func (c *Cache) Close() {
	c.c.Close()
}
