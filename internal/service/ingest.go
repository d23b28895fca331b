package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/eventrelay/internal/adapter/otel"
	"github.com/Strob0t/eventrelay/internal/logger"
	"github.com/Strob0t/eventrelay/internal/port/broadcast"
	"github.com/Strob0t/eventrelay/internal/port/messagequeue"
)

// Ingest forwards notifications from out-of-process producers to the publisher.
type Ingest struct {
	queue     messagequeue.Subscriber
	publisher broadcast.Publisher
	subject   string
	metrics   *cfotel.Metrics
}

// NewIngest creates an Ingest consuming subject (default notifications.publish).
func NewIngest(queue messagequeue.Subscriber, publisher broadcast.Publisher, subject string) *Ingest {
	if subject == "" {
		subject = messagequeue.SubjectPublish
	}
	return &Ingest{queue: queue, publisher: publisher, subject: subject}
}

// SetMetrics enables ingest metrics.
func (i *Ingest) SetMetrics(m *cfotel.Metrics) { i.metrics = m }

// Start subscribes to the queue. The returned function stops consuming.
func (i *Ingest) Start(ctx context.Context) (func(), error) {
	stop, err := i.queue.Subscribe(ctx, i.subject, i.handle)
	if err != nil {
		return nil, fmt.Errorf("ingest subscribe %s: %w", i.subject, err)
	}
	logger.From(ctx).Info("ingest started", "subject", i.subject)
	return stop, nil
}

func (i *Ingest) handle(ctx context.Context, subject string, data []byte) error {
	ctx, span := cfotel.StartIngestSpan(ctx, subject)
	defer span.End()

	var p messagequeue.PublishPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode %s: %w", subject, err)
	}

	id := i.publisher.Publish(ctx, p.Type, p.Payload)
	if i.metrics != nil {
		i.metrics.IngestMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
	}
	logger.From(ctx).Debug("ingested notification", "subject", subject, "event_type", p.Type, "id", id)
	return nil
}
