package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMessage wraps every validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// schemas maps a subject root to the check for messages under it.
var schemas = map[string]func([]byte) error{
	SubjectPublish: validatePublish,
}

// Validate checks that data is JSON and, when subject falls under a known
// root, that it matches that root's schema. Other subjects only need JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: %s: not JSON", ErrInvalidMessage, subject)
	}
	for root, check := range schemas {
		if subject != root && !strings.HasPrefix(subject, root+".") {
			continue
		}
		if err := check(data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, subject, err)
		}
	}
	return nil
}

func validatePublish(data []byte) error {
	var p PublishPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Type) == "" {
		return errors.New("type is required")
	}
	return nil
}
