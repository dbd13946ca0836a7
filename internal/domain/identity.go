package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type DeactivationReason string

const (
	ReasonNone           DeactivationReason = ""
	ReasonManual         DeactivationReason = "manual"
	ReasonBudgetExceeded DeactivationReason = "budget_exceeded"
)

const (
	RoleUserKey  = "user"
	RoleAdminKey = "admin"
)

// MonthFormat tags month-to-date budget counters.
const MonthFormat = "2006-01"

// APIKey is a caller identity. A zero MonthlyBudget means unlimited.
type APIKey struct {
	Key               string             `json:"api_key"`
	UserID            string             `json:"user_id"`
	Name              string             `json:"name"`
	Role              string             `json:"role"`
	RateLimit         int                `json:"rate_limit"`
	MonthlyBudget     decimal.Decimal    `json:"monthly_budget"`
	BudgetUsed        decimal.Decimal    `json:"budget_used"`
	BudgetUsedMTD     decimal.Decimal    `json:"budget_used_mtd"`
	BudgetMonth       string             `json:"budget_month"`
	IsActive          bool               `json:"is_active"`
	DeactivatedReason DeactivationReason `json:"deactivated_reason,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// HasBudget reports whether a monthly ceiling applies.
func (k *APIKey) HasBudget() bool {
	return k.MonthlyBudget.IsPositive()
}

// MaskedKey keeps the prefix and the last four characters.
func (k *APIKey) MaskedKey() string {
	if len(k.Key) <= 12 {
		return "****"
	}
	return k.Key[:7] + "..." + k.Key[len(k.Key)-4:]
}

// UsageRecord is one immutable usage fact.
type UsageRecord struct {
	APIKey           string    `json:"api_key"`
	RequestID        string    `json:"request_id"`
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CachedTokens     int       `json:"cached_tokens"`
	CacheWriteTokens int       `json:"cache_write_tokens"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	LatencyMs        int64     `json:"latency_ms,omitempty"`
}

// SortKey orders facts by timestamp, then request id.
func (r UsageRecord) SortKey() string {
	return UsageSortKey(r.Timestamp.UnixMilli(), r.RequestID)
}

func UsageSortKey(tsMillis int64, requestID string) string {
	return fmt.Sprintf("%013d#%s", tsMillis, requestID)
}

// WatermarkSortKey sorts after every fact stamped at tsMillis.
func WatermarkSortKey(tsMillis int64) string {
	return fmt.Sprintf("%013d#~", tsMillis)
}

// UsageAggregate is the per-identity running total derived from usage facts.
type UsageAggregate struct {
	APIKey           string          `json:"api_key"`
	TotalRequests    int64           `json:"total_requests"`
	FailedRequests   int64           `json:"failed_requests"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CachedTokens     int64           `json:"cached_tokens"`
	CacheWriteTokens int64           `json:"cache_write_tokens"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	// Budget spend is written together with the watermark and copied onto
	// the key record afterwards, so a failed copy is retried on the next run.
	BudgetUsed       decimal.Decimal `json:"budget_used"`
	BudgetUsedMTD    decimal.Decimal `json:"budget_used_mtd"`
	BudgetMonth      string          `json:"budget_month,omitempty"`
	LastAggregatedAt int64           `json:"last_aggregated_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TotalTokens is prompt plus completion.
func (a *UsageAggregate) TotalTokens() int64 {
	return a.PromptTokens + a.CompletionTokens
}
