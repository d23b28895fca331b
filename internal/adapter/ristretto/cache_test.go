package ristretto

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "batch:1-0:100", []byte(`[{"id":"1-1"}]`), time.Minute); err != nil {
		t.Fatal(err)
	}
	val, ok, err := c.Get(ctx, "batch:1-0:100")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(val) != `[{"id":"1-1"}]` {
		t.Fatalf("expected hit, got ok=%v val=%s", ok, val)
	}

	if err := c.Delete(ctx, "batch:1-0:100"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "batch:1-0:100"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestMiss(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok, err := c.Get(context.Background(), "missing"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestHitRatio(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if got := c.HitRatio(); got != 0 {
		t.Fatalf("expected 0 before lookups, got %v", got)
	}
	_ = c.Set(ctx, "batch:2-0:100", []byte("[]"), time.Minute)
	_, _, _ = c.Get(ctx, "batch:2-0:100")
	_, _, _ = c.Get(ctx, "batch:3-0:100")

	if got := c.HitRatio(); got != 0.5 {
		t.Fatalf("expected ratio 0.5, got %v", got)
	}
}
