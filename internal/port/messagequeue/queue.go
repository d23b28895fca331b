// Package messagequeue defines the queue port through which producers outside
// the process hand notifications to the relay.
package messagequeue

import "context"

// Handler processes one message. The context carries the producer's request
// ID when one was sent. A returned error asks the adapter to redeliver; the
// adapter dead-letters the message once its retries are spent.
type Handler func(ctx context.Context, subject string, data []byte) error

// Subscriber consumes a subject until the returned stop function is called.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler Handler) (stop func(), err error)
}

// Queue is a connected queue. Publish is used by producers and tests; the
// relay itself only subscribes.
type Queue interface {
	Subscriber
	Publish(ctx context.Context, subject string, data []byte) error
	IsConnected() bool
	// Drain stops consumers after in-flight messages are handled.
	Drain() error
	Close() error
}

// SubjectPublish carries notifications from out-of-process producers.
const SubjectPublish = "notifications.publish"
