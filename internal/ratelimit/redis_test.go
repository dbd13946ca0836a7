package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis rate limiter tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisRateLimiter_CapacityAndRefill(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()

	clock := newFakeClock()
	rl := NewRedisRateLimiter(client, 100, 60*time.Second)
	rl.now = clock.Now
	key := "test-" + uuid.NewString()
	defer client.Del(ctx, "ratelimit:"+key)

	for i := 0; i < 5; i++ {
		d, err := rl.Allow(ctx, key, 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d, err := rl.Allow(ctx, key, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th request should be rejected")
	}

	clock.Advance(60 * time.Second)

	d, _ = rl.Allow(ctx, key, 5)
	if !d.Allowed {
		t.Error("request after a full window should be allowed")
	}
}
