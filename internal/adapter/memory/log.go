// Package memory implements the event log port in process memory. It backs
// single-process deployments without a shared store and serves as the test
// double for the log.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/eventrelay/internal/domain"
	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
)

// Log is a bounded, ordered in-memory log using the same "<ms>-<seq>" id
// rule as Redis Streams.
type Log struct {
	mu      sync.RWMutex
	entries []event.Event
	lastMs  uint64
	lastSeq uint64
	maxLen  int
	slack   int

	available atomic.Bool
	now       func() time.Time // for testing
}

var _ eventlog.Log = (*Log)(nil)

// NewLog creates a log retaining approximately maxLen entries. Trimming runs
// once the log exceeds maxLen by a tenth, mirroring approximate trimming in
// the shared backends.
func NewLog(maxLen int) *Log {
	if maxLen < 1 {
		maxLen = eventlog.DefaultMaxLen
	}
	l := &Log{
		maxLen: maxLen,
		slack:  max(maxLen/10, 1),
		now:    time.Now,
	}
	l.available.Store(true)
	return l
}

// SetAvailable forces the log into (or out of) an unreachable state.
func (l *Log) SetAvailable(ok bool) {
	l.available.Store(ok)
}

// IsAvailable reports the availability flag.
func (l *Log) IsAvailable() bool {
	return l.available.Load()
}

// Append stores the event under the next id.
func (l *Log) Append(ctx context.Context, eventType string, payload json.RawMessage) (event.StreamID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !l.available.Load() {
		return "", fmt.Errorf("memory append: %w", domain.ErrUnavailable)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ms, seq := event.Next(l.lastMs, l.lastSeq, uint64(now.UnixMilli()), l.lastMs == 0)
	l.lastMs, l.lastSeq = ms, seq

	id := event.MakeID(ms, seq)
	l.entries = append(l.entries, event.New(id, eventType, payload, now))

	if len(l.entries) > l.maxLen+l.slack {
		drop := len(l.entries) - l.maxLen
		l.entries = append([]event.Event(nil), l.entries[drop:]...)
	}
	return id, nil
}

// ReadRange returns up to count entries strictly after the given id.
func (l *Log) ReadRange(ctx context.Context, after event.StreamID, count int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !l.available.Load() {
		return nil, fmt.Errorf("memory read: %w", domain.ErrUnavailable)
	}
	if !after.IsLogID() {
		return nil, fmt.Errorf("memory read after %q: %w", after, domain.ErrInvalidCursor)
	}
	if count <= 0 {
		return []event.Event{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	start := sort.Search(len(l.entries), func(i int) bool {
		return event.Compare(l.entries[i].ID, after) > 0
	})
	end := min(start+count, len(l.entries))

	out := make([]event.Event, end-start)
	copy(out, l.entries[start:end])
	return out, nil
}

// Info reports the current length and boundary ids.
func (l *Log) Info(_ context.Context) (eventlog.Info, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	info := eventlog.Info{Length: int64(len(l.entries))}
	if len(l.entries) > 0 {
		info.FirstID = l.entries[0].ID
		info.LastID = l.entries[len(l.entries)-1].ID
	}
	return info, nil
}

// Close is a no-op.
func (l *Log) Close() error { return nil }
