package budget

import (
	"context"
	"testing"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/shopspring/decimal"
)

func testKey(budget, used string) *domain.APIKey {
	return &domain.APIKey{
		Key:           "sk-budget-test-0001",
		UserID:        "user-1",
		MonthlyBudget: decimal.RequireFromString(budget),
		BudgetUsedMTD: decimal.RequireFromString(used),
		BudgetMonth:   "2026-10",
		IsActive:      true,
	}
}

func TestDefaultThresholds(t *testing.T) {
	th := DefaultThresholds()

	if th.Warning != 0.8 {
		t.Errorf("Warning threshold = %v, want 0.8", th.Warning)
	}
	if th.Critical != 0.95 {
		t.Errorf("Critical threshold = %v, want 0.95", th.Critical)
	}
}

func TestMonitor_Check(t *testing.T) {
	tests := []struct {
		name   string
		budget string
		used   string
		want   AlertLevel
	}{
		{"no budget", "0", "50", ""},
		{"under warning", "100", "50", ""},
		{"warning", "100", "85", AlertLevelWarning},
		{"critical", "100", "96", AlertLevelCritical},
		{"exactly at budget", "100", "100", AlertLevelExceeded},
		{"over budget", "100", "110", AlertLevelExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := NewMonitor(nil, DefaultThresholds())

			alert := monitor.Check(context.Background(), testKey(tt.budget, tt.used))
			if tt.want == "" {
				if alert != nil {
					t.Errorf("expected no alert, got %+v", alert)
				}
				return
			}
			if alert == nil {
				t.Fatalf("expected %s alert, got none", tt.want)
			}
			if alert.Level != tt.want {
				t.Errorf("alert.Level = %v, want %v", alert.Level, tt.want)
			}
			if alert.Month != "2026-10" {
				t.Errorf("alert.Month = %v, want 2026-10", alert.Month)
			}
		})
	}
}

func TestMonitor_Check_NoRepeatAlerts(t *testing.T) {
	monitor := NewMonitor(nil, DefaultThresholds())
	key := testKey("100", "85")

	if monitor.Check(context.Background(), key) == nil {
		t.Fatal("first check should return alert")
	}
	if monitor.Check(context.Background(), key) != nil {
		t.Error("second check at same level should not return alert")
	}

	key.BudgetUsedMTD = decimal.NewFromInt(97)
	if alert := monitor.Check(context.Background(), key); alert == nil || alert.Level != AlertLevelCritical {
		t.Errorf("escalation should alert critical, got %+v", alert)
	}

	// a new month alerts again
	key.BudgetMonth = "2026-11"
	if monitor.Check(context.Background(), key) == nil {
		t.Error("new month should alert again")
	}
}

func TestMonitor_OnAlert(t *testing.T) {
	monitor := NewMonitor(NewInMemoryDeduplicator(), DefaultThresholds())
	monitor.now = func() time.Time { return time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC) }

	var received []Alert
	monitor.OnAlert(func(ctx context.Context, a Alert) {
		received = append(received, a)
	})

	monitor.Check(context.Background(), testKey("10", "9"))

	if len(received) != 1 {
		t.Fatalf("expected 1 alert delivered, got %d", len(received))
	}
	if received[0].Percentage != 90 {
		t.Errorf("Percentage = %v, want 90", received[0].Percentage)
	}
	if !received[0].CurrentUse.Equal(decimal.NewFromInt(9)) {
		t.Errorf("CurrentUse = %s, want 9", received[0].CurrentUse)
	}
}

func TestMonitor_Level(t *testing.T) {
	m := NewMonitor(nil, Thresholds{Warning: 0.5, Critical: 0.75})

	tests := map[float64]AlertLevel{
		0.49: "",
		0.5:  AlertLevelWarning,
		0.8:  AlertLevelCritical,
		1.2:  AlertLevelExceeded,
	}
	for ratio, want := range tests {
		if got := m.Level(ratio); got != want {
			t.Errorf("Level(%v) = %q, want %q", ratio, got, want)
		}
	}
}
