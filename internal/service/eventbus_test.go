package service

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Strob0t/eventrelay/internal/domain/event"
)

func testEvent(id, typ string) event.Event {
	return event.Event{ID: event.StreamID(id), Type: typ, Payload: []byte(`null`)}
}

func drain(sub *Subscription) []event.Event {
	var out []event.Event
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBus_FanOutExactlyOnce(t *testing.T) {
	bus := NewBus(16)
	subs := []*Subscription{bus.Subscribe(nil), bus.Subscribe(nil), bus.Subscribe(nil)}

	bus.Push(testEvent("1-0", "SYNCED"))

	for i, s := range subs {
		got := drain(s)
		if len(got) != 1 || got[0].ID != "1-0" {
			t.Errorf("subscriber %d got %v, want exactly [1-0]", i, got)
		}
	}
}

func TestBus_SameOrderForEverySubscriber(t *testing.T) {
	bus := NewBus(64)
	a, b := bus.Subscribe(nil), bus.Subscribe(nil)

	for i := range 20 {
		bus.Push(testEvent(fmt.Sprintf("%d-0", i+1), "X"))
	}

	ga, gb := drain(a), drain(b)
	if len(ga) != 20 || len(gb) != 20 {
		t.Fatalf("expected 20 events each, got %d and %d", len(ga), len(gb))
	}
	for i := range ga {
		if ga[i].ID != gb[i].ID {
			t.Fatalf("order differs at %d: %s vs %s", i, ga[i].ID, gb[i].ID)
		}
		if want := event.StreamID(fmt.Sprintf("%d-0", i+1)); ga[i].ID != want {
			t.Fatalf("event %d = %s, want %s", i, ga[i].ID, want)
		}
	}
}

func TestBus_NoHistory(t *testing.T) {
	bus := NewBus(16)
	bus.Push(testEvent("1-0", "X"))

	late := bus.Subscribe(nil)
	if got := drain(late); len(got) != 0 {
		t.Fatalf("late subscriber saw %v", got)
	}
}

func TestBus_Filter(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(event.NewFilter([]string{"inpatient-exp-mest-synced"}))

	bus.Push(testEvent("1-0", "INPATIENT_EXP_MEST_SYNCED"))
	bus.Push(testEvent("2-0", "OTHER_EVENT"))

	got := drain(sub)
	if len(got) != 1 || got[0].ID != "1-0" {
		t.Fatalf("got %v, want only the matching event", got)
	}
}

func TestBus_DropOldestWhenFull(t *testing.T) {
	bus := NewBus(2)
	slow := bus.Subscribe(nil)
	fast := bus.Subscribe(nil)

	bus.Push(testEvent("1-0", "X"))
	bus.Push(testEvent("2-0", "X"))
	_ = drain(fast)
	bus.Push(testEvent("3-0", "X"))

	got := drain(slow)
	if len(got) != 2 || got[0].ID != "2-0" || got[1].ID != "3-0" {
		t.Fatalf("slow subscriber got %v, want [2-0 3-0]", got)
	}
	if slow.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", slow.Dropped())
	}
	if got := drain(fast); len(got) != 1 || got[0].ID != "3-0" {
		t.Fatalf("fast subscriber got %v, want [3-0]", got)
	}
	if fast.Dropped() != 0 {
		t.Fatalf("fast subscriber dropped %d", fast.Dropped())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(nil)
	other := bus.Subscribe(nil)
	if bus.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", bus.SubscriberCount())
	}

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}

	bus.Push(testEvent("1-0", "X"))
	if got := drain(other); len(got) != 1 {
		t.Fatalf("remaining subscriber got %v", got)
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(nil)

	bus.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after Close")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d after Close", bus.SubscriberCount())
	}
	sub.Unsubscribe() // safe after Close

	late := bus.Subscribe(nil)
	if _, ok := <-late.C(); ok {
		t.Fatal("expected subscription on closed bus to be closed")
	}
	bus.Push(testEvent("1-0", "X")) // no subscribers, no panic
}

func TestBus_ConcurrentPushSubscribe(t *testing.T) {
	bus := NewBus(8)
	var wg sync.WaitGroup

	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				bus.Push(testEvent(fmt.Sprintf("%d-%d", i, j), "X"))
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s := bus.Subscribe(nil)
				_ = drain(s)
				s.Unsubscribe()
			}
		}()
	}
	wg.Wait()

	if bus.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", bus.SubscriberCount())
	}
}
