package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/eventrelay/internal/adapter/otel"
	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/logger"
	"github.com/Strob0t/eventrelay/internal/port/broadcast"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
	"github.com/Strob0t/eventrelay/internal/resilience"
)

// Publish outcomes, recorded as the "outcome" metric attribute.
const (
	outcomeLogged   = "logged"
	outcomeFallback = "fallback"
	outcomeError    = "error"
)

// appendTimeout bounds one durable append. Exceeding it counts as a store
// failure.
const appendTimeout = 10 * time.Second

// Publisher appends events to the durable log when it can and always pushes
// them to the bus. A failing log never surfaces to the caller: the event is
// delivered live under a synthesized id instead.
type Publisher struct {
	log     eventlog.Log
	bus     *Bus
	breaker *resilience.Breaker
	metrics *cfotel.Metrics
	now     func() time.Time
}

var _ broadcast.Publisher = (*Publisher)(nil)

// NewPublisher creates a Publisher. breaker may be nil.
func NewPublisher(log eventlog.Log, bus *Bus, breaker *resilience.Breaker) *Publisher {
	return &Publisher{log: log, bus: bus, breaker: breaker, now: time.Now}
}

// SetMetrics enables publish metrics.
func (p *Publisher) SetMetrics(m *cfotel.Metrics) { p.metrics = m }

// Publish logs the event (best effort) and pushes it to every live session.
// The returned id is never empty: a log id on success, "fallback-<ms>" when
// the log is unavailable or the breaker is open, "error-<ms>" when the
// append itself failed.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) event.StreamID {
	ctx, span := cfotel.StartPublishSpan(ctx, eventType)
	defer span.End()
	log := logger.From(ctx).With("event_type", eventType)

	raw := encodePayload(log, payload)
	id, outcome := p.append(ctx, log, eventType, raw)

	p.bus.Push(event.New(id, eventType, raw, p.now()))

	span.SetAttributes(attribute.String("event.id", string(id)), attribute.String("publish.outcome", outcome))
	if p.metrics != nil {
		p.metrics.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return id
}

func (p *Publisher) append(ctx context.Context, log *slog.Logger, eventType string, raw json.RawMessage) (event.StreamID, string) {
	if !p.log.IsAvailable() {
		log.Warn("event log unavailable, publishing live only")
		return event.FallbackID(p.now()), outcomeFallback
	}

	// A publisher that disconnects mid-append must neither lose the event's
	// durability nor count against the store, so the append is detached
	// from the caller and bounded on its own.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()

	var id event.StreamID
	start := time.Now()
	call := func() error {
		var err error
		id, err = p.log.Append(appendCtx, eventType, raw)
		return err
	}
	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(call)
	} else {
		err = call()
	}
	if p.metrics != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		p.metrics.AppendDuration.Record(ctx, time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		return id, outcomeLogged
	case errors.Is(err, resilience.ErrCircuitOpen):
		log.Warn("event log circuit open, publishing live only")
		return event.FallbackID(p.now()), outcomeFallback
	default:
		log.Warn("event log append failed, publishing live only", "error", err)
		return event.ErrorID(p.now()), outcomeError
	}
}

// encodePayload turns the caller's payload into JSON. Raw JSON is passed
// through after validation; anything that fails to encode becomes null.
func encodePayload(log *slog.Logger, payload any) json.RawMessage {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null")
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null")
		}
		if !json.Valid(v) {
			log.Error("payload is not valid JSON, publishing null")
			return json.RawMessage("null")
		}
		return v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error("payload encoding failed, publishing null", "error", err)
		return json.RawMessage("null")
	}
	return raw
}
