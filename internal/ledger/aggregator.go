package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/budget"
	"github.com/felipepmaragno/bedrock-gateway/internal/cost"
	"github.com/felipepmaragno/bedrock-gateway/internal/crypto"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/felipepmaragno/bedrock-gateway/internal/metrics"
	"github.com/shopspring/decimal"
)

const DefaultPageSize = 500

type Store interface {
	GetAPIKey(ctx context.Context, key string) (*domain.APIKey, error)
	UpdateBudgetUsage(ctx context.Context, key string, lifetime, mtd decimal.Decimal, month string) error
	Deactivate(ctx context.Context, key string, reason domain.DeactivationReason) error
	QueryUsage(ctx context.Context, key, after string, limit int) ([]domain.UsageRecord, error)
	GetAggregate(ctx context.Context, key string) (*domain.UsageAggregate, error)
	SaveAggregate(ctx context.Context, agg *domain.UsageAggregate, prevWatermark int64) error
}

// DeactivationHandler is told when aggregation switches a key off.
type DeactivationHandler func(ctx context.Context, key *domain.APIKey)

type Result struct {
	Aggregate   *domain.UsageAggregate
	NewRecords  int
	CostDelta   decimal.Decimal
	Deactivated bool
}

type Aggregator struct {
	store     Store
	pricing   *cost.Calculator
	monitor   *budget.Monitor
	onDisable []DeactivationHandler
	pageSize  int
	locks     sync.Map
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Aggregator)

func WithMonitor(m *budget.Monitor) Option {
	return func(a *Aggregator) { a.monitor = m }
}

func WithPageSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

func OnDeactivate(h DeactivationHandler) Option {
	return func(a *Aggregator) { a.onDisable = append(a.onDisable, h) }
}

func NewAggregator(store Store, pricing *cost.Calculator, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:    store,
		pricing:  pricing,
		pageSize: DefaultPageSize,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) lock(key string) func() {
	v, _ := a.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Aggregate folds every fact newer than the key's watermark into its
// aggregate and budget counters. Running it again with no new facts changes
// nothing. Runs for the same key are serialized within this process; across
// processes the conditional aggregate write rejects the loser.
//
// Budget spend lands on the aggregate in the same conditional write as the
// watermark and is then copied onto the key record. If the copy or the
// deactivation fails, the next run repeats it from the aggregate.
func (a *Aggregator) Aggregate(ctx context.Context, key string) (*Result, error) {
	defer a.lock(key)()

	k, err := a.store.GetAPIKey(ctx, key)
	if errors.Is(err, domain.ErrAPIKeyNotFound) {
		// master and anonymous callers have no key record
		k = nil
	} else if err != nil {
		metrics.RecordAggregation("error")
		return nil, fmt.Errorf("get api key: %w", err)
	}

	agg, err := a.store.GetAggregate(ctx, key)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		agg = &domain.UsageAggregate{APIKey: key}
	} else if err != nil {
		metrics.RecordAggregation("error")
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	if agg.BudgetMonth == "" && k != nil {
		agg.BudgetUsed = k.BudgetUsed
		agg.BudgetUsedMTD = k.BudgetUsedMTD
		agg.BudgetMonth = k.BudgetMonth
	}
	prevWatermark := agg.LastAggregatedAt

	after := ""
	if prevWatermark > 0 {
		after = domain.WatermarkSortKey(prevWatermark)
	}

	res := &Result{Aggregate: agg, CostDelta: decimal.Zero}
	watermark := prevWatermark
	for {
		page, err := a.store.QueryUsage(ctx, key, after, a.pageSize)
		if err != nil {
			metrics.RecordAggregation("error")
			return nil, fmt.Errorf("query usage: %w", err)
		}
		for _, rec := range page {
			agg.TotalRequests++
			if !rec.Success {
				agg.FailedRequests++
			}
			agg.PromptTokens += int64(rec.PromptTokens)
			agg.CompletionTokens += int64(rec.CompletionTokens)
			agg.CachedTokens += int64(rec.CachedTokens)
			agg.CacheWriteTokens += int64(rec.CacheWriteTokens)
			res.CostDelta = res.CostDelta.Add(a.pricing.Calculate(rec))
			if ts := rec.Timestamp.UnixMilli(); ts > watermark {
				watermark = ts
			}
		}
		res.NewRecords += len(page)
		if len(page) < a.pageSize {
			break
		}
		after = page[len(page)-1].SortKey()
	}

	keyID := crypto.KeyID(key)
	if res.NewRecords > 0 {
		month := a.now().UTC().Format(domain.MonthFormat)
		if agg.BudgetMonth != month {
			agg.BudgetUsedMTD = decimal.Zero
			agg.BudgetMonth = month
		}
		agg.BudgetUsedMTD = agg.BudgetUsedMTD.Add(res.CostDelta)
		agg.BudgetUsed = agg.BudgetUsed.Add(res.CostDelta)
		agg.TotalCost = agg.TotalCost.Add(res.CostDelta)
		agg.LastAggregatedAt = watermark
		agg.UpdatedAt = a.now()

		if err := a.store.SaveAggregate(ctx, agg, prevWatermark); err != nil {
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				metrics.RecordAggregation("conflict")
			} else {
				metrics.RecordAggregation("error")
			}
			return nil, fmt.Errorf("save aggregate: %w", err)
		}

		delta, _ := res.CostDelta.Float64()
		metrics.RecordCost(keyID, delta)
	}

	if k != nil {
		if err := a.applyBudget(ctx, k, agg, res); err != nil {
			metrics.RecordAggregation("error")
			return res, err
		}
	}

	if res.NewRecords == 0 {
		metrics.RecordAggregation("noop")
		return res, nil
	}
	metrics.RecordAggregation("success")
	a.logger.Debug("usage aggregated",
		"key_id", keyID,
		"records", res.NewRecords,
		"cost_delta", res.CostDelta.String(),
		"watermark", watermark,
	)
	return res, nil
}

// applyBudget copies the aggregate's spend onto the key record when they
// differ and deactivates an active key whose month-to-date spend for the
// current month reached its budget. Both steps are safe to repeat.
func (a *Aggregator) applyBudget(ctx context.Context, k *domain.APIKey, agg *domain.UsageAggregate, res *Result) error {
	synced := false
	if !k.BudgetUsed.Equal(agg.BudgetUsed) || !k.BudgetUsedMTD.Equal(agg.BudgetUsedMTD) || k.BudgetMonth != agg.BudgetMonth {
		if err := a.store.UpdateBudgetUsage(ctx, k.Key, agg.BudgetUsed, agg.BudgetUsedMTD, agg.BudgetMonth); err != nil {
			return fmt.Errorf("update budget usage: %w", err)
		}
		k.BudgetUsed = agg.BudgetUsed
		k.BudgetUsedMTD = agg.BudgetUsedMTD
		k.BudgetMonth = agg.BudgetMonth
		synced = true
	}

	month := a.now().UTC().Format(domain.MonthFormat)
	if k.HasBudget() && k.IsActive && k.BudgetMonth == month && k.BudgetUsedMTD.GreaterThanOrEqual(k.MonthlyBudget) {
		err := a.store.Deactivate(ctx, k.Key, domain.ReasonBudgetExceeded)
		switch {
		case err == nil:
			k.IsActive = false
			k.DeactivatedReason = domain.ReasonBudgetExceeded
			res.Deactivated = true
			metrics.RecordDeactivation(string(domain.ReasonBudgetExceeded))
			a.logger.Warn("api key deactivated",
				"key_id", crypto.KeyID(k.Key),
				"reason", domain.ReasonBudgetExceeded,
				"budget", k.MonthlyBudget.String(),
				"budget_used_mtd", k.BudgetUsedMTD.String(),
			)
			for _, h := range a.onDisable {
				h(ctx, k)
			}
		case errors.Is(err, domain.ErrAlreadyInactive):
		default:
			return fmt.Errorf("deactivate api key: %w", err)
		}
	}

	if a.monitor != nil && (synced || res.NewRecords > 0) {
		a.monitor.Check(ctx, k)
	}
	return nil
}
