// Package repository persists caller identities, usage facts, usage
// aggregates and model overrides.
package repository

import (
	"context"

	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/shopspring/decimal"
)

type APIKeyRepository interface {
	GetAPIKey(ctx context.Context, key string) (*domain.APIKey, error)
	CreateAPIKey(ctx context.Context, k *domain.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	UpdateRateLimit(ctx context.Context, key string, limit int) error
	UpdateBudgetUsage(ctx context.Context, key string, lifetime, mtd decimal.Decimal, month string) error
	// Deactivate only succeeds on an active key and returns
	// domain.ErrAlreadyInactive otherwise.
	Deactivate(ctx context.Context, key string, reason domain.DeactivationReason) error
}

type UsageRepository interface {
	// PutUsage is idempotent per (api key, sort key).
	PutUsage(ctx context.Context, r domain.UsageRecord) error
	// QueryUsage returns up to limit facts with a sort key strictly greater
	// than after, in sort key order.
	QueryUsage(ctx context.Context, key, after string, limit int) ([]domain.UsageRecord, error)
	GetAggregate(ctx context.Context, key string) (*domain.UsageAggregate, error)
	// SaveAggregate writes agg only while the stored watermark still equals
	// prevWatermark, and returns domain.ErrConcurrentUpdate otherwise.
	SaveAggregate(ctx context.Context, agg *domain.UsageAggregate, prevWatermark int64) error
}

type ModelMappingRepository interface {
	GetModelMapping(ctx context.Context, name string) (string, error)
	PutModelMapping(ctx context.Context, name, backendID string) error
}

type Store interface {
	APIKeyRepository
	UsageRepository
	ModelMappingRepository
	Ping(ctx context.Context) error
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*DynamoStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
