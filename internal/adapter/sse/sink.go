// Package sse writes stream frames as text/event-stream.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/port/broadcast"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("sse sink closed")

// Sink is a broadcast.Sink over an HTTP response.
type Sink struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu     sync.Mutex
	closed bool
}

var _ broadcast.Sink = (*Sink)(nil)

// Open sends the event-stream headers, lifts the server write deadline for
// this response and flushes so the client sees the stream start.
func Open(w http.ResponseWriter) (*Sink, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("clear write deadline: %w", err)
	}
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("flush headers: %w", err)
	}
	return &Sink{w: w, rc: rc}, nil
}

// Send writes one data frame, preceded by an id line when the envelope has an id.
func (s *Sink) Send(env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var b strings.Builder
	if env.ID != "" {
		b.WriteString("id: ")
		b.WriteString(string(env.ID))
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return s.write(b.String())
}

// SendError writes an "error" event carrying {"message": ...}.
func (s *Sink) SendError(message string) error {
	data, err := json.Marshal(struct {
		Message string `json:"message"`
	}{message})
	if err != nil {
		return fmt.Errorf("marshal error frame: %w", err)
	}
	return s.write("event: error\ndata: " + string(data) + "\n\n")
}

// Close marks the sink closed. The response itself ends when the handler returns.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sink) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}
