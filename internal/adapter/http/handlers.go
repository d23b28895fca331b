package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Strob0t/eventrelay/internal/adapter/sse"
	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/logger"
	"github.com/Strob0t/eventrelay/internal/port/broadcast"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
)

const (
	defaultReadLimit = 100
	maxReadLimit     = 1000
)

// Replay reads a batch of logged events after a cursor.
type Replay interface {
	Read(ctx context.Context, after event.StreamID, count int) ([]event.Event, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Publisher broadcast.Publisher
	Streamer  broadcast.Streamer
	Replay    Replay
	Log       eventlog.Log
	Backend   string // log backend name reported by diagnostics

	// Optional status sources. Nil means the component is not running.
	Subscribers   func() int
	Sessions      func() int64
	WSConns       func() int
	NATS          func() bool
	CacheHitRatio func() float64
}

// StreamEvents serves GET /events/stream as Server-Sent Events. The resume
// cursor is the Last-Event-ID header, or the lastEventId query parameter for
// clients that cannot set headers.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sink, err := sse.Open(w)
	if err != nil {
		// Headers are already sent; all that is left is to log and return.
		logger.From(r.Context()).Error("open event stream", "error", err)
		return
	}
	h.Streamer.Stream(r.Context(), sink, broadcast.Request{
		Cursor:    lastEventID(r),
		Filter:    event.ParseFilter(r.URL.Query().Get("topics")),
		Transport: "sse",
	})
}

func lastEventID(r *http.Request) event.StreamID {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		return event.StreamID(id)
	}
	return event.StreamID(r.URL.Query().Get("lastEventId"))
}

type publishRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type publishResponse struct {
	ID      event.StreamID `json:"id"`
	Durable bool           `json:"durable"`
}

// PublishEvent handles POST /api/v1/events. It always answers 202; durable
// reports whether the event made it into the log.
func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[publishRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Type, "type") {
		return
	}

	id := h.Publisher.Publish(r.Context(), req.Type, req.Payload)
	writeJSON(w, http.StatusAccepted, publishResponse{ID: id, Durable: id.IsLogID()})
}

// ReadEvents handles GET /api/v1/events?after=<id>&limit=<n>, a polling
// alternative to the stream. Without after it reads from the start of the log.
func (h *Handlers) ReadEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	after := event.StreamID(q.Get("after"))
	if after == "" {
		after = event.MakeID(0, 0)
	}

	limit := defaultReadLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxReadLimit)
	}

	events, err := h.Replay.Read(r.Context(), after, limit)
	if err != nil {
		writeDomainError(w, err, "events not found")
		return
	}

	filter := event.ParseFilter(q.Get("topics"))
	out := make([]event.Event, 0, len(events))
	for i := range events {
		if filter.Matches(events[i].Type) {
			out = append(out, events[i])
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type logInfoResponse struct {
	Backend   string `json:"backend"`
	Available bool   `json:"available"`
	eventlog.Info
	Subscribers int `json:"subscribers"`

	ReplayCacheHitRatio *float64 `json:"replay_cache_hit_ratio,omitempty"`
}

// LogInfo handles GET /api/v1/events/log.
func (h *Handlers) LogInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.Log.Info(r.Context())
	if err != nil {
		writeDomainError(w, err, "log not found")
		return
	}

	resp := logInfoResponse{
		Backend:   h.Backend,
		Available: h.Log.IsAvailable(),
		Info:      info,
	}
	if h.Subscribers != nil {
		resp.Subscribers = h.Subscribers()
	}
	if h.CacheHitRatio != nil {
		ratio := h.CacheHitRatio()
		resp.ReplayCacheHitRatio = &ratio
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status   string `json:"status"`
	Log      string `json:"log"`
	Backend  string `json:"backend"`
	NATS     string `json:"nats"`
	Sessions int64  `json:"sessions"`
	WSConns  int    `json:"ws_connections"`
}

// Health handles GET /health. The service stays up when the log is down
// (publishing falls back to live-only), so the status is "degraded" rather
// than a failing code.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Log:     "up",
		Backend: h.Backend,
		NATS:    "disabled",
	}
	if !h.Log.IsAvailable() {
		resp.Status = "degraded"
		resp.Log = "down"
	}
	if h.NATS != nil {
		resp.NATS = "connected"
		if !h.NATS() {
			resp.Status = "degraded"
			resp.NATS = "disconnected"
		}
	}
	if h.Sessions != nil {
		resp.Sessions = h.Sessions()
	}
	if h.WSConns != nil {
		resp.WSConns = h.WSConns()
	}
	writeJSON(w, http.StatusOK, resp)
}
