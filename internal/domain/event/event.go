// Package event defines the notification Event entity and the helpers shared
// by the log, the bus and stream sessions.
package event

import (
	"encoding/json"
	"time"
)

// Synthetic frame types. They carry no id, are never logged and are never
// subject to topic filtering.
const (
	TypeConnected = "CONNECTED"
	TypeHeartbeat = "HEARTBEAT"
)

// Event is a single immutable domain notification.
type Event struct {
	ID        StreamID        `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// New builds an Event stamped with the given time.
func New(id StreamID, eventType string, payload json.RawMessage, at time.Time) Event {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Event{
		ID:        id,
		Type:      eventType,
		Payload:   payload,
		Timestamp: at.UnixMilli(),
	}
}

// Envelope is the JSON body written to clients for every frame.
type Envelope struct {
	ID        StreamID        `json:"id,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Envelope converts the event into its wire form.
func (e Event) Envelope() Envelope {
	return Envelope{
		ID:        e.ID,
		Type:      e.Type,
		Data:      e.Payload,
		Timestamp: e.Timestamp,
	}
}

// Connected returns the synthetic frame written when a session opens.
func Connected(sessionID string, at time.Time) Envelope {
	return Envelope{Type: TypeConnected, SessionID: sessionID, Timestamp: at.UnixMilli()}
}

// Heartbeat returns the synthetic keep-alive frame.
func Heartbeat(at time.Time) Envelope {
	return Envelope{Type: TypeHeartbeat, Timestamp: at.UnixMilli()}
}
