package messagequeue

import "encoding/json"

// PublishPayload is the schema for notifications.publish messages.
type PublishPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
