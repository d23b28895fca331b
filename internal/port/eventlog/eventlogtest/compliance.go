// Package eventlogtest provides a behavioural test suite shared by every
// eventlog.Log implementation.
package eventlogtest

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
)

// Factory returns an empty log. It is called once per subtest.
type Factory func(t *testing.T) eventlog.Log

// RunComplianceTests runs the standard compliance suite against a Log implementation.
func RunComplianceTests(t *testing.T, newLog Factory) {
	t.Helper()

	t.Run("AppendIsMonotonic", func(t *testing.T) {
		l := newLog(t)
		ids := appendN(t, l, 50)
		for i := 1; i < len(ids); i++ {
			if event.Compare(ids[i-1], ids[i]) >= 0 {
				t.Fatalf("id %s not greater than %s", ids[i], ids[i-1])
			}
		}
	})

	t.Run("ReadRangeIsExclusive", func(t *testing.T) {
		l := newLog(t)
		ids := appendN(t, l, 5)

		got := readIDs(t, l, ids[1], 10)
		assertIDs(t, got, ids[2:])
	})

	t.Run("ReadRangeHonoursCount", func(t *testing.T) {
		l := newLog(t)
		ids := appendN(t, l, 5)

		got := readIDs(t, l, ids[0], 2)
		assertIDs(t, got, ids[1:3])
	})

	t.Run("ReadRangeFromOrigin", func(t *testing.T) {
		l := newLog(t)
		ids := appendN(t, l, 3)

		got := readIDs(t, l, "0-0", 100)
		assertIDs(t, got, ids)
	})

	t.Run("ReadRangeAtTailIsEmpty", func(t *testing.T) {
		l := newLog(t)
		ids := appendN(t, l, 3)

		if got := readIDs(t, l, ids[2], 10); len(got) != 0 {
			t.Fatalf("expected empty range at tail, got %v", got)
		}
	})

	t.Run("ReadRangeBeyondTailIsEmpty", func(t *testing.T) {
		l := newLog(t)
		appendN(t, l, 2)

		if got := readIDs(t, l, "99999999999999-0", 10); len(got) != 0 {
			t.Fatalf("expected empty range beyond tail, got %v", got)
		}
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		payload := json.RawMessage(`{"machine":"m-1","count":3,"tags":["a","b"]}`)
		id, err := l.Append(ctx, "INVENTORY_SYNCED", payload)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}

		events, err := l.ReadRange(ctx, "0-0", 10)
		if err != nil {
			t.Fatalf("ReadRange: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		ev := events[0]
		if ev.ID != id {
			t.Errorf("expected id %s, got %s", id, ev.ID)
		}
		if ev.Type != "INVENTORY_SYNCED" {
			t.Errorf("expected type INVENTORY_SYNCED, got %s", ev.Type)
		}
		if ev.Timestamp <= 0 {
			t.Errorf("expected positive timestamp, got %d", ev.Timestamp)
		}
		assertSameJSON(t, ev.Payload, payload)
	})

	t.Run("Info", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		info, err := l.Info(ctx)
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		if info.Length != 0 || info.FirstID != "" || info.LastID != "" {
			t.Fatalf("expected empty info, got %+v", info)
		}

		ids := appendN(t, l, 4)
		info, err = l.Info(ctx)
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		if info.Length != 4 {
			t.Errorf("expected length 4, got %d", info.Length)
		}
		if info.FirstID != ids[0] || info.LastID != ids[3] {
			t.Errorf("expected bounds %s..%s, got %s..%s", ids[0], ids[3], info.FirstID, info.LastID)
		}
	})

	t.Run("IsAvailable", func(t *testing.T) {
		l := newLog(t)
		if !l.IsAvailable() {
			t.Fatal("expected freshly opened log to be available")
		}
	})
}

func appendN(t *testing.T, l eventlog.Log, n int) []event.StreamID {
	t.Helper()
	ids := make([]event.StreamID, 0, n)
	for i := range n {
		id, err := l.Append(context.Background(), "SYNCED", json.RawMessage(`{"n":`+itoa(i)+`}`))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func readIDs(t *testing.T, l eventlog.Log, after event.StreamID, count int) []event.StreamID {
	t.Helper()
	events, err := l.ReadRange(context.Background(), after, count)
	if err != nil {
		t.Fatalf("ReadRange(%s, %d): %v", after, count, err)
	}
	ids := make([]event.StreamID, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}

func assertIDs(t *testing.T, got, want []event.StreamID) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected ids %v, got %v", want, got)
	}
}

func assertSameJSON(t *testing.T, got, want json.RawMessage) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unmarshal got: %v", err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("unmarshal want: %v", err)
	}
	if !reflect.DeepEqual(g, w) {
		t.Fatalf("payload mismatch: got %s, want %s", got, want)
	}
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
