package budget

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryDeduplicator_ShouldAlert(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator()

	if !d.ShouldAlert(ctx, "key1:2026-10", AlertLevelWarning) {
		t.Error("first alert should be allowed")
	}
	if d.ShouldAlert(ctx, "key1:2026-10", AlertLevelWarning) {
		t.Error("same alert should be deduplicated")
	}
	if !d.ShouldAlert(ctx, "key1:2026-10", AlertLevelCritical) {
		t.Error("different level should be allowed")
	}
	if !d.ShouldAlert(ctx, "key2:2026-10", AlertLevelWarning) {
		t.Error("different key should be allowed")
	}
}

func TestInMemoryDeduplicator_ClearAlert(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator()

	d.ShouldAlert(ctx, "key1:2026-10", AlertLevelWarning)
	d.ShouldAlert(ctx, "key10:2026-10", AlertLevelWarning)
	d.ClearAlert(ctx, "key1")

	if !d.ShouldAlert(ctx, "key1:2026-10", AlertLevelWarning) {
		t.Error("after clear, should be able to alert again")
	}
	if d.ShouldAlert(ctx, "key10:2026-10", AlertLevelWarning) {
		t.Error("clearing key1 must not clear key10")
	}
}

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis deduplicator tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisDeduplicator_ShouldAlertAndClear(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	keyID := "test-" + uuid.NewString()
	scope := keyID + ":2026-10"

	d := NewRedisDeduplicator(client, time.Hour)
	defer d.ClearAlert(ctx, keyID)

	if !d.ShouldAlert(ctx, scope, AlertLevelWarning) {
		t.Error("first alert should be allowed")
	}
	if d.ShouldAlert(ctx, scope, AlertLevelWarning) {
		t.Error("same alert should be deduplicated")
	}

	d.ClearAlert(ctx, keyID)
	if !d.ShouldAlert(ctx, scope, AlertLevelWarning) {
		t.Error("after clear, should be able to alert again")
	}
}
