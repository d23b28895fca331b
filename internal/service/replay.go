package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/port/cache"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
	"github.com/Strob0t/eventrelay/internal/resilience"
)

// sharedReadTimeout bounds a shared log read once it is detached from the
// caller that started it.
const sharedReadTimeout = 30 * time.Second

// Replayer reads replay batches from the log. Identical concurrent reads
// share one log call, and full batches are cached: a full batch cannot
// change until it is trimmed, while a short one ends at the tail.
type Replayer struct {
	log   eventlog.Log
	cache cache.Cache // nil disables caching
	ttl   time.Duration
	group singleflight.Group
	pool  *resilience.Pool // nil means unbounded
}

// NewReplayer creates a Replayer. c may be nil.
func NewReplayer(log eventlog.Log, c cache.Cache, ttl time.Duration) *Replayer {
	return &Replayer{log: log, cache: c, ttl: ttl}
}

// SetPool bounds concurrent log reads. Reads beyond the limit wait for a slot.
func (r *Replayer) SetPool(p *resilience.Pool) { r.pool = p }

// Read returns up to count events strictly after the cursor.
func (r *Replayer) Read(ctx context.Context, after event.StreamID, count int) ([]event.Event, error) {
	key := "replay:" + string(after) + ":" + strconv.Itoa(count)

	if events, ok := r.cached(ctx, key); ok {
		return events, nil
	}

	// The shared read must outlive any single caller: if the session that
	// started it disconnects, the others still need the batch.
	ch := r.group.DoChan(key, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()

		var events []event.Event
		err := r.pool.Run(readCtx, func() error {
			var err error
			events, err = r.log.ReadRange(readCtx, after, count)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(events) == count {
			r.store(readCtx, key, events)
		}
		return events, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("replay after %s: %w", after, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("replay after %s: %w", after, res.Err)
		}
		if res.Shared {
			slog.Debug("replay read shared", "cursor", after)
		}
		return res.Val.([]event.Event), nil
	}
}

func (r *Replayer) cached(ctx context.Context, key string) ([]event.Event, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("replay cache get failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		slog.Warn("replay cache entry corrupt", "key", key, "error", err)
		_ = r.cache.Delete(ctx, key)
		return nil, false
	}
	return events, true
}

func (r *Replayer) store(ctx context.Context, key string, events []event.Event) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(events)
	if err != nil {
		slog.Warn("replay cache encode failed", "key", key, "error", err)
		return
	}
	if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
		slog.Warn("replay cache set failed", "key", key, "error", err)
	}
}
