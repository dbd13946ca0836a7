package budget

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator ensures the same alert is not sent twice, including
// across gateway instances.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this scope has not yet alerted at level.
	ShouldAlert(ctx context.Context, scope string, level AlertLevel) bool

	// ClearAlert forgets every level recorded for keyID.
	ClearAlert(ctx context.Context, keyID string)
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]struct{}
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]struct{}),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, scope string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := scope + ":" + string(level)
	if _, ok := d.sent[k]; ok {
		return false
	}
	d.sent[k] = struct{}{}
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, keyID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix := keyID + ":"
	for k := range d.sent {
		if strings.HasPrefix(k, prefix) {
			delete(d.sent, k)
		}
	}
}

// RedisDeduplicator shares alert state across instances with SETNX.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator uses an existing client. lockTTL bounds how long an
// alert counts as sent; scopes already carry the month so a month works well.
func NewRedisDeduplicator(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(scope string, level AlertLevel) string {
	return fmt.Sprintf("budget:alert:%s:%s", scope, level)
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, scope string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(scope, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// fail open
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, keyID string) {
	iter := d.client.Scan(ctx, 0, fmt.Sprintf("budget:alert:%s:*", keyID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if iter.Err() != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}
