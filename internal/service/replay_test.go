package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/eventrelay/internal/adapter/memory"
	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
	"github.com/Strob0t/eventrelay/internal/resilience"
)

// countingLog counts ReadRange calls on a memory log.
type countingLog struct {
	*memory.Log
	reads atomic.Int64
	gate  chan struct{} // when set, ReadRange blocks until it is closed or ctx ends
}

func (c *countingLog) ReadRange(ctx context.Context, after event.StreamID, count int) ([]event.Event, error) {
	c.reads.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Log.ReadRange(ctx, after, count)
}

func waitReads(t *testing.T, l *countingLog, n int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for l.reads.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("reads = %d, want %d", l.reads.Load(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

var _ eventlog.Log = (*countingLog)(nil)

// memCache is a simple in-memory cache for testing.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func appendEvents(t *testing.T, l eventlog.Log, n int) []event.StreamID {
	t.Helper()
	ids := make([]event.StreamID, 0, n)
	for range n {
		id, err := l.Append(context.Background(), "SYNCED", json.RawMessage(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestReplayer_ReadsAfterCursor(t *testing.T) {
	log := &countingLog{Log: memory.NewLog(100)}
	ids := appendEvents(t, log, 5)
	r := NewReplayer(log, nil, time.Minute)

	got, err := r.Read(context.Background(), ids[2], 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != ids[3] || got[1].ID != ids[4] {
		t.Fatalf("got %v, want [%s %s]", got, ids[3], ids[4])
	}
}

func TestReplayer_CachesFullBatchesOnly(t *testing.T) {
	log := &countingLog{Log: memory.NewLog(100)}
	ids := appendEvents(t, log, 5)
	c := newMemCache()
	r := NewReplayer(log, c, time.Minute)
	ctx := context.Background()

	// Full batch: cached.
	for range 2 {
		got, err := r.Read(ctx, ids[0], 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].ID != ids[1] {
			t.Fatalf("got %v", got)
		}
	}
	if n := log.reads.Load(); n != 1 {
		t.Fatalf("reads = %d, want 1 for a cached full batch", n)
	}

	// Short batch at the tail: not cached, so a new append is seen.
	if _, err := r.Read(ctx, ids[3], 10); err != nil {
		t.Fatal(err)
	}
	more := appendEvents(t, log, 1)
	got, err := r.Read(ctx, ids[3], 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].ID != more[0] {
		t.Fatalf("tail read got %v, want new event %s", got, more[0])
	}
}

func TestReplayer_CorruptCacheEntryFallsThrough(t *testing.T) {
	log := &countingLog{Log: memory.NewLog(100)}
	ids := appendEvents(t, log, 3)
	c := newMemCache()
	c.data["replay:"+string(ids[0])+":2"] = []byte("{broken")
	r := NewReplayer(log, c, time.Minute)

	got, err := r.Read(context.Background(), ids[0], 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if log.reads.Load() != 1 {
		t.Fatal("expected the log to be read after a corrupt cache entry")
	}
}

func TestReplayer_SharesConcurrentReads(t *testing.T) {
	log := &countingLog{Log: memory.NewLog(100), gate: make(chan struct{})}
	ids := appendEvents(t, log, 3)
	r := NewReplayer(log, nil, time.Minute)

	const readers = 8
	var wg sync.WaitGroup
	results := make([]int, readers)
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Read(context.Background(), ids[0], 100)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = len(got)
		}()
	}

	// Let every reader reach the singleflight group before releasing the read.
	time.Sleep(50 * time.Millisecond)
	close(log.gate)
	wg.Wait()

	for i, n := range results {
		if n != 2 {
			t.Fatalf("reader %d got %d events, want 2", i, n)
		}
	}
	if n := log.reads.Load(); n >= readers {
		t.Fatalf("reads = %d, expected concurrent reads to be shared", n)
	}
}

func TestReplayer_PropagatesLogError(t *testing.T) {
	log := memory.NewLog(100)
	log.SetAvailable(false)
	r := NewReplayer(log, nil, time.Minute)

	if _, err := r.Read(context.Background(), "1-0", 10); err == nil {
		t.Fatal("expected error from unavailable log")
	}
}

func TestReplayer_PoolBoundsDistinctReads(t *testing.T) {
	log := &countingLog{Log: memory.NewLog(100), gate: make(chan struct{})}
	ids := appendEvents(t, log, 3)
	r := NewReplayer(log, nil, time.Minute)
	r.SetPool(resilience.NewPool(1))

	var wg sync.WaitGroup
	for _, cursor := range ids[:2] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Read(context.Background(), cursor, 100); err != nil {
				t.Error(err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	if n := log.reads.Load(); n != 1 {
		t.Fatalf("reads in flight = %d, want 1 with a single slot", n)
	}
	close(log.gate)
	wg.Wait()

	if n := log.reads.Load(); n != 2 {
		t.Fatalf("reads = %d, want 2", n)
	}
}

func TestReplayer_PoolWaitRespectsContext(t *testing.T) {
	log := &countingLog{Log: memory.NewLog(100), gate: make(chan struct{})}
	ids := appendEvents(t, log, 2)
	r := NewReplayer(log, nil, time.Minute)
	r.SetPool(resilience.NewPool(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Read(context.Background(), ids[0], 100)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Read(ctx, ids[1], 100); err == nil {
		t.Fatal("expected error while waiting for a read slot")
	}

	close(log.gate)
	<-done
}

func TestReplayer_SharedReadSurvivesFirstCallerLeaving(t *testing.T) {
	log := &countingLog{Log: memory.NewLog(100), gate: make(chan struct{})}
	ids := appendEvents(t, log, 3)
	r := NewReplayer(log, nil, time.Minute)

	firstCtx, leave := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Read(firstCtx, ids[0], 100)
		firstErr <- err
	}()
	waitReads(t, log, 1)

	type result struct {
		n   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		got, err := r.Read(context.Background(), ids[0], 100)
		second <- result{len(got), err}
	}()
	time.Sleep(20 * time.Millisecond)

	leave()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("departed caller: expected context.Canceled, got %v", err)
	}

	close(log.gate)
	res := <-second
	if res.err != nil || res.n != 2 {
		t.Fatalf("connected caller got %d events, err %v; want 2 events", res.n, res.err)
	}
	if n := log.reads.Load(); n != 1 {
		t.Fatalf("reads = %d, want the read to stay shared", n)
	}
}
