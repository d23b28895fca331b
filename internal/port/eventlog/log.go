// Package eventlog defines the port interface for the durable, bounded,
// replayable notification log.
package eventlog

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/eventrelay/internal/domain/event"
)

// DefaultMaxLen is the approximate number of entries retained by the log.
const DefaultMaxLen = 20000

// Info describes the current extent of the log. Used for diagnostics only.
type Info struct {
	Length  int64          `json:"length"`
	FirstID event.StreamID `json:"first_id,omitempty"`
	LastID  event.StreamID `json:"last_id,omitempty"`
}

// Log is an append-only, server-ordered log with auto-assigned, strictly
// increasing ids and approximate bounded retention. Implementations must be
// safe for concurrent use.
type Log interface {
	// Append stores the event and returns the id assigned to it. Oldest
	// entries are trimmed once the retention bound is exceeded.
	Append(ctx context.Context, eventType string, payload json.RawMessage) (event.StreamID, error)

	// ReadRange returns up to count entries with ids strictly greater than
	// after, in ascending order. It returns an empty slice when after is at
	// or beyond the tail.
	ReadRange(ctx context.Context, after event.StreamID, count int) ([]event.Event, error)

	// IsAvailable is a cheap, non-blocking liveness check.
	IsAvailable() bool

	// Info reports length and boundary ids.
	Info(ctx context.Context) (Info, error)

	// Close releases the backing store connection.
	Close() error
}
