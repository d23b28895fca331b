package natskv_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Strob0t/eventrelay/internal/adapter/nats"
	"github.com/Strob0t/eventrelay/internal/adapter/natskv"
)

func TestCache_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	ctx := context.Background()

	q, err := nats.Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = q.Close() }()

	kv, err := q.KeyValue(ctx, "test-replay-cache", time.Minute)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	c := natskv.New(kv)

	key := "replay:1700000000000-0:100"
	if err := c.Set(ctx, key, []byte(`[]`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := c.Get(ctx, key)
	if err != nil || !ok || string(val) != `[]` {
		t.Fatalf("Get = %q, %v, %v", val, ok, err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := c.Get(ctx, key); ok || err != nil {
		t.Fatalf("expected miss after delete, got ok=%v err=%v", ok, err)
	}
	// Deleting an absent key is not an error.
	if err := c.Delete(ctx, "replay:never-set"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}
