// Package broadcast defines the ports for fanning notifications out to
// connected clients.
package broadcast

import (
	"context"

	"github.com/Strob0t/eventrelay/internal/domain/event"
)

// Publisher is the producer-facing API consumed by domain collaborators.
type Publisher interface {
	// Publish logs the event (best effort) and delivers it to every live
	// session. It never fails; the returned id is never empty.
	Publish(ctx context.Context, eventType string, payload any) event.StreamID
}

// Sink writes frames to one client transport.
type Sink interface {
	// Send writes an envelope. A non-empty id is exposed to the client as its
	// resume cursor.
	Send(env event.Envelope) error

	// SendError writes an error frame.
	SendError(message string) error

	// Close releases the transport.
	Close() error
}

// Request describes what a client asked to stream.
type Request struct {
	// Cursor is the last id the client saw. Empty means no replay.
	Cursor event.StreamID
	Filter event.Filter
	// Transport names the sink kind ("sse", "ws") for logs and metrics.
	Transport string
}

// Streamer runs one stream session on sink until ctx is done or a write
// fails. It returns after every resource held for the session is released.
type Streamer interface {
	Stream(ctx context.Context, sink Sink, req Request)
}
