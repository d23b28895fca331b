// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/eventrelay/internal/logger"
	"github.com/Strob0t/eventrelay/internal/port/messagequeue"
)

const (
	streamName      = "NOTIFICATIONS"
	streamSubjects  = "notifications.>"
	streamRetention = 72 * time.Hour

	headerRequestID  = "X-Request-ID"
	headerRetryCount = "Retry-Count"
	headerDLQReason  = "Dlq-Reason"

	// maxRetries is how many times a failing message is redelivered before
	// it is parked on the subject's ".dlq" sibling.
	maxRetries = 3
)

// DLQ reasons, carried in the Dlq-Reason header.
const (
	reasonInvalid   = "invalid"
	reasonExhausted = "retries-exhausted"
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("eventrelay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// DLQ siblings fall under the same wildcard.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{streamSubjects},
		MaxAge:   streamRetention,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject. The request ID in ctx, if
// any, travels as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
// Messages that fail validation go straight to the DLQ. Handler failures are
// republished with an incremented Retry-Count until maxRetries is reached.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	ctx := context.Background()
	hdrs := msg.Headers()
	if id := hdrs.Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}
	log := logger.From(ctx).With("subject", msg.Subject())

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		log.Warn("message failed validation", "error", err)
		q.park(ctx, msg, reasonInvalid)
		return
	}

	err := handler(ctx, msg.Subject(), msg.Data())
	if err == nil {
		ack(log, msg)
		return
	}

	n := retryCount(hdrs)
	if n >= maxRetries {
		log.Error("message handler failed, retries exhausted", "retries", n, "error", err)
		q.park(ctx, msg, reasonExhausted)
		return
	}

	log.Warn("message handler failed, retrying", "retry", n+1, "error", err)
	retry := copyMsg(msg, msg.Subject())
	retry.Header.Set(headerRetryCount, strconv.Itoa(n+1))
	if _, err := q.js.PublishMsg(ctx, retry); err != nil {
		log.Error("nats retry publish failed", "error", err)
		if nakErr := msg.NakWithDelay(time.Second); nakErr != nil {
			log.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	ack(log, msg)
}

// park moves msg to its ".dlq" sibling, or naks it if that publish fails.
func (q *Queue) park(ctx context.Context, msg jetstream.Msg, reason string) {
	log := logger.From(ctx).With("subject", msg.Subject(), "reason", reason)

	out := copyMsg(msg, msg.Subject()+".dlq")
	out.Header.Set(headerDLQReason, reason)
	if _, err := q.js.PublishMsg(ctx, out); err != nil {
		log.Error("nats dlq publish failed", "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	ack(log, msg)
}

func copyMsg(msg jetstream.Msg, subject string) *nats.Msg {
	out := &nats.Msg{Subject: subject, Data: msg.Data(), Header: nats.Header{}}
	for k, v := range msg.Headers() {
		out.Header[k] = append([]string(nil), v...)
	}
	return out
}

func ack(log *slog.Logger, msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		log.Error("nats ack failed", "error", err)
	}
}

func retryCount(h nats.Header) int {
	n, err := strconv.Atoi(h.Get(headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

// KeyValue returns the named KV bucket, creating it with the given TTL if needed.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	kv, err = q.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("nats kv create %s: %w", bucket, err)
	}
	return kv, nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// Drain stops delivering new messages, lets in-flight handlers finish and
// then closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}
