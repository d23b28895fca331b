package otel

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "eventrelay"

// Metrics holds all eventrelay metric instruments.
type Metrics struct {
	EventsPublished metric.Int64Counter // attr outcome: logged | fallback | error
	EventsReplayed  metric.Int64Counter
	EventsDelivered metric.Int64Counter
	EventsDropped   metric.Int64Counter // attr reason: queue_full | write_failed
	SessionsActive  metric.Int64UpDownCounter
	AppendDuration  metric.Float64Histogram
	IngestMessages  metric.Int64Counter
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var errs []error
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}

	counter(&m.EventsPublished, "eventrelay.events.published", "Events published, by log outcome")
	counter(&m.EventsReplayed, "eventrelay.events.replayed", "Events written to sessions during replay")
	counter(&m.EventsDelivered, "eventrelay.events.delivered", "Live events written to sessions")
	counter(&m.EventsDropped, "eventrelay.events.dropped", "Events dropped before reaching a session")
	counter(&m.IngestMessages, "eventrelay.ingest.messages", "Notifications received from the message queue")

	var err error
	m.SessionsActive, err = meter.Int64UpDownCounter("eventrelay.sessions.active",
		metric.WithDescription("Open stream sessions"))
	errs = append(errs, err)

	m.AppendDuration, err = meter.Float64Histogram("eventrelay.log.append_duration_seconds",
		metric.WithDescription("Durable log append latency"), metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("otel instruments: %w", err)
	}
	return m, nil
}
