package cache

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryCache_SetAndGet(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "key1", "value1", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	value, ok := c.Get(ctx, "key1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if value != "value1" {
		t.Errorf("expected value1, got %s", value)
	}
}

func TestInMemoryCache_Miss(t *testing.T) {
	c := NewInMemoryCache()

	if _, ok := c.Get(context.Background(), "nonexistent"); ok {
		t.Error("expected cache miss")
	}
}

func TestInMemoryCache_EmptyValueIsAHit(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	_ = c.Set(ctx, "negative", "", time.Minute)

	value, ok := c.Get(ctx, "negative")
	if !ok {
		t.Fatal("expected cache hit for empty value")
	}
	if value != "" {
		t.Errorf("expected empty value, got %q", value)
	}
}

func TestInMemoryCache_Expiration(t *testing.T) {
	c := NewInMemoryCache()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Set(ctx, "key1", "value1", time.Minute)

	if _, ok := c.Get(ctx, "key1"); !ok {
		t.Fatal("expected cache hit before expiration")
	}

	now = now.Add(61 * time.Second)

	if _, ok := c.Get(ctx, "key1"); ok {
		t.Error("expected cache miss after expiration")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be evicted, got %d entries", c.Len())
	}
}

func TestInMemoryCache_Delete(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	_ = c.Set(ctx, "key1", "value1", time.Minute)
	_ = c.Delete(ctx, "key1")

	if _, ok := c.Get(ctx, "key1"); ok {
		t.Error("expected cache miss after delete")
	}
}
