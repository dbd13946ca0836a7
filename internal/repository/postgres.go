package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	api_key            TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	name               TEXT NOT NULL DEFAULT '',
	role               TEXT NOT NULL DEFAULT 'user',
	rate_limit         INTEGER NOT NULL DEFAULT 0,
	monthly_budget     NUMERIC(20, 10) NOT NULL DEFAULT 0,
	budget_used        NUMERIC(20, 10) NOT NULL DEFAULT 0,
	budget_used_mtd    NUMERIC(20, 10) NOT NULL DEFAULT 0,
	budget_month       TEXT NOT NULL DEFAULT '',
	is_active          BOOLEAN NOT NULL DEFAULT true,
	deactivated_reason TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	api_key            TEXT NOT NULL,
	sort_key           TEXT NOT NULL,
	request_id         TEXT NOT NULL,
	ts_ms              BIGINT NOT NULL,
	model              TEXT NOT NULL,
	prompt_tokens      INTEGER NOT NULL,
	completion_tokens  INTEGER NOT NULL,
	cached_tokens      INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	success            BOOLEAN NOT NULL,
	error_message      TEXT NOT NULL DEFAULT '',
	latency_ms         BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (api_key, sort_key)
);

CREATE TABLE IF NOT EXISTS usage_aggregates (
	api_key            TEXT PRIMARY KEY,
	total_requests     BIGINT NOT NULL,
	failed_requests    BIGINT NOT NULL,
	prompt_tokens      BIGINT NOT NULL,
	completion_tokens  BIGINT NOT NULL,
	cached_tokens      BIGINT NOT NULL,
	cache_write_tokens BIGINT NOT NULL,
	total_cost         NUMERIC(20, 10) NOT NULL,
	last_aggregated_at BIGINT NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

ALTER TABLE usage_aggregates ADD COLUMN IF NOT EXISTS budget_used NUMERIC(20, 10) NOT NULL DEFAULT 0;
ALTER TABLE usage_aggregates ADD COLUMN IF NOT EXISTS budget_used_mtd NUMERIC(20, 10) NOT NULL DEFAULT 0;
ALTER TABLE usage_aggregates ADD COLUMN IF NOT EXISTS budget_month TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS model_mappings (
	openai_model     TEXT PRIMARY KEY,
	bedrock_model_id TEXT NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
`

const uniqueViolation = "23505"

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const apiKeyColumns = `api_key, user_id, name, role, rate_limit, monthly_budget, budget_used,
	budget_used_mtd, budget_month, is_active, deactivated_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*domain.APIKey, error) {
	var k domain.APIKey
	var reason string
	err := row.Scan(
		&k.Key,
		&k.UserID,
		&k.Name,
		&k.Role,
		&k.RateLimit,
		&k.MonthlyBudget,
		&k.BudgetUsed,
		&k.BudgetUsedMTD,
		&k.BudgetMonth,
		&k.IsActive,
		&reason,
		&k.CreatedAt,
		&k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	k.DeactivatedReason = domain.DeactivationReason(reason)
	return &k, nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, key string) (*domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE api_key = $1`

	k, err := scanAPIKey(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *domain.APIKey) error {
	query := `INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query,
		k.Key,
		k.UserID,
		k.Name,
		k.Role,
		k.RateLimit,
		k.MonthlyBudget,
		k.BudgetUsed,
		k.BudgetUsedMTD,
		k.BudgetMonth,
		k.IsActive,
		string(k.DeactivatedReason),
		k.CreatedAt,
		k.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return domain.ErrAPIKeyExists
	}
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateRateLimit(ctx context.Context, key string, limit int) error {
	query := `UPDATE api_keys SET rate_limit = $2, updated_at = $3 WHERE api_key = $1`

	result, err := s.db.ExecContext(ctx, query, key, limit, s.now())
	if err != nil {
		return fmt.Errorf("update rate limit: %w", err)
	}
	return requireRow(result, domain.ErrAPIKeyNotFound)
}

func (s *PostgresStore) UpdateBudgetUsage(ctx context.Context, key string, lifetime, mtd decimal.Decimal, month string) error {
	query := `
		UPDATE api_keys
		SET budget_used = $2, budget_used_mtd = $3, budget_month = $4, updated_at = $5
		WHERE api_key = $1
	`

	result, err := s.db.ExecContext(ctx, query, key, lifetime, mtd, month, s.now())
	if err != nil {
		return fmt.Errorf("update budget usage: %w", err)
	}
	return requireRow(result, domain.ErrAPIKeyNotFound)
}

func (s *PostgresStore) Deactivate(ctx context.Context, key string, reason domain.DeactivationReason) error {
	query := `
		UPDATE api_keys
		SET is_active = false, deactivated_reason = $2, updated_at = $3
		WHERE api_key = $1 AND is_active
	`

	result, err := s.db.ExecContext(ctx, query, key, string(reason), s.now())
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetAPIKey(ctx, key); err != nil {
		return err
	}
	return domain.ErrAlreadyInactive
}

func (s *PostgresStore) PutUsage(ctx context.Context, r domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records (api_key, sort_key, request_id, ts_ms, model, prompt_tokens,
			completion_tokens, cached_tokens, cache_write_tokens, success, error_message, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (api_key, sort_key) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		r.APIKey,
		r.SortKey(),
		r.RequestID,
		r.Timestamp.UnixMilli(),
		r.Model,
		r.PromptTokens,
		r.CompletionTokens,
		r.CachedTokens,
		r.CacheWriteTokens,
		r.Success,
		r.ErrorMessage,
		r.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryUsage(ctx context.Context, key, after string, limit int) ([]domain.UsageRecord, error) {
	query := `
		SELECT api_key, request_id, ts_ms, model, prompt_tokens, completion_tokens,
			cached_tokens, cache_write_tokens, success, error_message, latency_ms
		FROM usage_records
		WHERE api_key = $1 AND sort_key > $2
		ORDER BY sort_key
		LIMIT $3
	`
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, query, key, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var r domain.UsageRecord
		var tsMillis int64
		err := rows.Scan(
			&r.APIKey,
			&r.RequestID,
			&tsMillis,
			&r.Model,
			&r.PromptTokens,
			&r.CompletionTokens,
			&r.CachedTokens,
			&r.CacheWriteTokens,
			&r.Success,
			&r.ErrorMessage,
			&r.LatencyMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.Timestamp = time.UnixMilli(tsMillis).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) GetAggregate(ctx context.Context, key string) (*domain.UsageAggregate, error) {
	query := `
		SELECT api_key, total_requests, failed_requests, prompt_tokens, completion_tokens,
			cached_tokens, cache_write_tokens, total_cost, budget_used, budget_used_mtd,
			budget_month, last_aggregated_at, updated_at
		FROM usage_aggregates
		WHERE api_key = $1
	`

	var a domain.UsageAggregate
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&a.APIKey,
		&a.TotalRequests,
		&a.FailedRequests,
		&a.PromptTokens,
		&a.CompletionTokens,
		&a.CachedTokens,
		&a.CacheWriteTokens,
		&a.TotalCost,
		&a.BudgetUsed,
		&a.BudgetUsedMTD,
		&a.BudgetMonth,
		&a.LastAggregatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAggregateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query aggregate: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) SaveAggregate(ctx context.Context, agg *domain.UsageAggregate, prevWatermark int64) error {
	query := `
		INSERT INTO usage_aggregates (api_key, total_requests, failed_requests, prompt_tokens,
			completion_tokens, cached_tokens, cache_write_tokens, total_cost, budget_used,
			budget_used_mtd, budget_month, last_aggregated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (api_key) DO UPDATE SET
			total_requests = EXCLUDED.total_requests,
			failed_requests = EXCLUDED.failed_requests,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			cached_tokens = EXCLUDED.cached_tokens,
			cache_write_tokens = EXCLUDED.cache_write_tokens,
			total_cost = EXCLUDED.total_cost,
			budget_used = EXCLUDED.budget_used,
			budget_used_mtd = EXCLUDED.budget_used_mtd,
			budget_month = EXCLUDED.budget_month,
			last_aggregated_at = EXCLUDED.last_aggregated_at,
			updated_at = EXCLUDED.updated_at
		WHERE usage_aggregates.last_aggregated_at = $14
	`

	result, err := s.db.ExecContext(ctx, query,
		agg.APIKey,
		agg.TotalRequests,
		agg.FailedRequests,
		agg.PromptTokens,
		agg.CompletionTokens,
		agg.CachedTokens,
		agg.CacheWriteTokens,
		agg.TotalCost,
		agg.BudgetUsed,
		agg.BudgetUsedMTD,
		agg.BudgetMonth,
		agg.LastAggregatedAt,
		agg.UpdatedAt,
		prevWatermark,
	)
	if err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return requireRow(result, domain.ErrConcurrentUpdate)
}

func (s *PostgresStore) GetModelMapping(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT bedrock_model_id FROM model_mappings WHERE openai_model = $1`, name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrModelMappingAbsent
	}
	if err != nil {
		return "", fmt.Errorf("query model mapping: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) PutModelMapping(ctx context.Context, name, backendID string) error {
	query := `
		INSERT INTO model_mappings (openai_model, bedrock_model_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (openai_model) DO UPDATE SET bedrock_model_id = EXCLUDED.bedrock_model_id, updated_at = EXCLUDED.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, name, backendID, s.now()); err != nil {
		return fmt.Errorf("upsert model mapping: %w", err)
	}
	return nil
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
