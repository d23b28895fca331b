package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Strob0t/eventrelay/internal/config"
	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
	"github.com/Strob0t/eventrelay/internal/port/eventlog/eventlogtest"
)

// testLog migrates the database behind DATABASE_URL, empties the log tables
// and returns a fresh Log. Skips if DATABASE_URL is not set.
func testLog(t *testing.T, maxLen int64, trimEvery int) *Log {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}

	pool, err := NewPool(ctx, config.Postgres{DSN: dsn, MaxConns: 4, MinConns: 1})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE stream_events`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := pool.Exec(ctx, `UPDATE stream_log_state SET last_ms = 0, last_seq = 0 WHERE id = 1`); err != nil {
		t.Fatalf("reset state: %v", err)
	}

	l := NewLog(pool, maxLen, trimEvery, 0)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestCompliance(t *testing.T) {
	eventlogtest.RunComplianceTests(t, func(t *testing.T) eventlog.Log {
		return testLog(t, 1000, 100)
	})
}

func TestTrimKeepsNewest(t *testing.T) {
	l := testLog(t, 10, 5)
	ctx := context.Background()

	for range 40 {
		if _, err := l.Append(ctx, "X", nil); err != nil {
			t.Fatal(err)
		}
	}

	info, err := l.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// 40 is a multiple of trimEvery, so the last append trimmed exactly.
	if info.Length != 10 {
		t.Fatalf("expected 10 rows after trim, got %d", info.Length)
	}
}

func TestClockGoingBackwardsStaysMonotonic(t *testing.T) {
	l := testLog(t, 1000, 100)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	clock := []time.Time{base, base, base.Add(-time.Second), base.Add(time.Millisecond)}
	var i int
	l.now = func() time.Time {
		at := clock[i]
		i++
		return at
	}

	var ids []string
	for range clock {
		id, err := l.Append(ctx, "X", nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id.String())
	}

	want := []string{"1700000000000-0", "1700000000000-1", "1700000000000-2", "1700000000001-0"}
	for j := range want {
		if ids[j] != want[j] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestMigrationVersion(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()
	if err := RunMigrations(ctx, dsn); err != nil {
		t.Fatal(err)
	}
	v, err := MigrationVersion(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("expected version >= 1, got %d", v)
	}
}

func TestReadAfterLargestIDIsEmpty(t *testing.T) {
	l := testLog(t, 1000, 100)
	ctx := context.Background()
	if _, err := l.Append(ctx, "X", nil); err != nil {
		t.Fatal(err)
	}
	for _, after := range []string{"9223372036854775808-0", "18446744073709551615-18446744073709551615"} {
		events, err := l.ReadRange(ctx, event.StreamID(after), 10)
		if err != nil {
			t.Fatalf("ReadRange(%s): %v", after, err)
		}
		if len(events) != 0 {
			t.Fatalf("ReadRange(%s): expected no events, got %+v", after, events)
		}
	}
}
