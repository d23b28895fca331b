// Package ws implements the WebSocket transport for stream sessions.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/port/broadcast"
)

const writeTimeout = 10 * time.Second

// errorMessage is the text frame written in place of an SSE "error" event.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// conn wraps a single WebSocket connection and is the session's sink.
type conn struct {
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ broadcast.Sink = (*conn)(nil)

func (c *conn) Send(env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.write(data)
}

func (c *conn) SendError(message string) error {
	data, err := json.Marshal(errorMessage{Type: "error", Message: message})
	if err != nil {
		return fmt.Errorf("marshal error frame: %w", err)
	}
	return c.write(data)
}

func (c *conn) write(data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// Hub tracks active WebSocket connections and runs a stream session on each.
type Hub struct {
	streamer broadcast.Streamer

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub(streamer broadcast.Streamer) *Hub {
	return &Hub{
		streamer: streamer,
		conns:    make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the connection and blocks until its session ends.
// The cursor comes from the lastEventId query parameter and the filter from topics.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, ctx: ctx, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	defer h.remove(c)

	slog.Info("websocket connected", "remote", r.RemoteAddr)

	// Read loop (to detect disconnects and consume pings). Clients never
	// send data frames; anything they do send is discarded.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	q := r.URL.Query()
	h.streamer.Stream(ctx, c, broadcast.Request{
		Cursor:    event.StreamID(q.Get("lastEventId")),
		Filter:    event.ParseFilter(q.Get("topics")),
		Transport: "ws",
	})
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection with StatusGoingAway. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.closeOnce.Do(func() {
			c.cancel()
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		})
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
