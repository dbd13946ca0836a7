// Package budget raises threshold alerts on month-to-date spend.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/crypto"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/felipepmaragno/bedrock-gateway/internal/metrics"
	"github.com/shopspring/decimal"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	KeyID      string
	UserID     string
	Level      AlertLevel
	Month      string
	Budget     decimal.Decimal
	CurrentUse decimal.Decimal
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

type Monitor struct {
	mu            sync.RWMutex
	dedup         AlertDeduplicator
	alertHandlers []AlertHandler
	thresholds    Thresholds
	now           func() time.Time
}

func NewMonitor(dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		dedup:      dedup,
		thresholds: thresholds,
		now:        time.Now,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Level returns the alert level for a usage ratio, or "" below warning.
func (m *Monitor) Level(ratio float64) AlertLevel {
	switch {
	case ratio >= 1.0:
		return AlertLevelExceeded
	case ratio >= m.thresholds.Critical:
		return AlertLevelCritical
	case ratio >= m.thresholds.Warning:
		return AlertLevelWarning
	default:
		return ""
	}
}

// Check evaluates the key's month-to-date spend and dispatches at most one
// alert per key, month and level. Keys without a budget never alert.
func (m *Monitor) Check(ctx context.Context, key *domain.APIKey) *Alert {
	if !key.HasBudget() {
		return nil
	}

	keyID := crypto.KeyID(key.Key)
	ratio, _ := key.BudgetUsedMTD.Div(key.MonthlyBudget).Float64()
	metrics.SetBudgetUsage(keyID, ratio)

	level := m.Level(ratio)
	if level == "" {
		m.dedup.ClearAlert(ctx, keyID)
		return nil
	}

	month := key.BudgetMonth
	if month == "" {
		month = m.now().UTC().Format(domain.MonthFormat)
	}
	if !m.dedup.ShouldAlert(ctx, keyID+":"+month, level) {
		return nil
	}

	alert := &Alert{
		KeyID:      keyID,
		UserID:     key.UserID,
		Level:      level,
		Month:      month,
		Budget:     key.MonthlyBudget,
		CurrentUse: key.BudgetUsedMTD,
		Percentage: ratio * 100,
		Timestamp:  m.now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}

	return alert
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.WarnContext(ctx, "budget alert",
		"key_id", alert.KeyID,
		"user_id", alert.UserID,
		"level", alert.Level,
		"month", alert.Month,
		"budget", alert.Budget.String(),
		"current_use", alert.CurrentUse.String(),
		"percentage", alert.Percentage,
	)
}
