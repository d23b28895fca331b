package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Strob0t/eventrelay/internal/adapter/memory"
	"github.com/Strob0t/eventrelay/internal/port/messagequeue"
)

// fakeQueue captures the handler passed to Subscribe.
type fakeQueue struct {
	mu        sync.Mutex
	subject   string
	handler   messagequeue.Handler
	subErr    error
	cancelled bool
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	if q.subErr != nil {
		return nil, q.subErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subject, q.handler = subject, h
	return func() {
		q.mu.Lock()
		q.cancelled = true
		q.mu.Unlock()
	}, nil
}

func TestIngest_ForwardsToPublisher(t *testing.T) {
	log := memory.NewLog(100)
	bus := NewBus(8)
	sub := bus.Subscribe(nil)
	q := &fakeQueue{}
	in := NewIngest(q, NewPublisher(log, bus, nil), "")

	stop, err := in.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if q.subject != messagequeue.SubjectPublish {
		t.Fatalf("subscribed to %q, want %q", q.subject, messagequeue.SubjectPublish)
	}

	err = q.handler(context.Background(), q.subject, []byte(`{"type":"EXPORT_DONE","payload":{"file":"a.csv"}}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	got := drain(sub)
	if len(got) != 1 || got[0].Type != "EXPORT_DONE" || string(got[0].Payload) != `{"file":"a.csv"}` {
		t.Fatalf("bus got %v", got)
	}
	if !got[0].ID.IsLogID() {
		t.Fatalf("expected a log id, got %s", got[0].ID)
	}

	stop()
	if !q.cancelled {
		t.Fatal("stop did not cancel the subscription")
	}
}

func TestIngest_MissingPayloadIsNull(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe(nil)
	q := &fakeQueue{}
	in := NewIngest(q, NewPublisher(memory.NewLog(10), bus, nil), "notifications.publish.billing")

	if _, err := in.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := q.handler(context.Background(), q.subject, []byte(`{"type":"INVOICE_SENT"}`)); err != nil {
		t.Fatal(err)
	}
	if got := drain(sub); len(got) != 1 || string(got[0].Payload) != "null" {
		t.Fatalf("bus got %v", got)
	}
}

func TestIngest_DecodeError(t *testing.T) {
	q := &fakeQueue{}
	in := NewIngest(q, NewPublisher(memory.NewLog(10), NewBus(1), nil), "")
	if _, err := in.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := q.handler(context.Background(), q.subject, []byte(`[1,2]`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestIngest_SubscribeError(t *testing.T) {
	q := &fakeQueue{subErr: errors.New("no stream")}
	in := NewIngest(q, NewPublisher(memory.NewLog(10), NewBus(1), nil), "")
	if _, err := in.Start(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}
}
