// Package notifications publishes budget alerts and key deactivations.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/felipepmaragno/bedrock-gateway/internal/budget"
	"github.com/felipepmaragno/bedrock-gateway/internal/crypto"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
)

type NotificationType string

const (
	NotificationBudgetWarning  NotificationType = "budget_warning"
	NotificationBudgetCritical NotificationType = "budget_critical"
	NotificationBudgetExceeded NotificationType = "budget_exceeded"
	NotificationKeyDeactivated NotificationType = "key_deactivated"
)

// Notification never carries a raw API key, only its KeyID.
type Notification struct {
	Type      NotificationType `json:"type"`
	KeyID     string           `json:"key_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   snsAPI
	topicArn string
}

func NewSNSNotifier(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String(subject(notification)),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.KeyID != "" {
		input.MessageAttributes["KeyID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.KeyID),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"key_id", notification.KeyID,
	)
	return nil
}

// subject stays under the 100 character SNS limit.
func subject(n Notification) string {
	s := fmt.Sprintf("[bedrock-gateway] %s %s", n.Type, n.KeyID)
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

var alertTypes = map[budget.AlertLevel]NotificationType{
	budget.AlertLevelWarning:  NotificationBudgetWarning,
	budget.AlertLevelCritical: NotificationBudgetCritical,
	budget.AlertLevelExceeded: NotificationBudgetExceeded,
}

// BudgetAlertHandler forwards monitor alerts. Send failures are logged only.
func BudgetAlertHandler(n Notifier) budget.AlertHandler {
	return func(ctx context.Context, alert budget.Alert) {
		notification := Notification{
			Type:    alertTypes[alert.Level],
			KeyID:   alert.KeyID,
			UserID:  alert.UserID,
			Message: fmt.Sprintf("API key %s has used %.1f%% of its %s monthly budget", alert.KeyID, alert.Percentage, alert.Month),
			Data: map[string]any{
				"level":       alert.Level,
				"month":       alert.Month,
				"budget":      alert.Budget.String(),
				"current_use": alert.CurrentUse.String(),
				"percentage":  alert.Percentage,
			},
			Timestamp: alert.Timestamp,
		}
		if err := n.Send(ctx, notification); err != nil {
			slog.Warn("failed to send budget alert", "key_id", alert.KeyID, "level", alert.Level, "error", err)
		}
	}
}

// DeactivationHandler reports keys switched off by aggregation.
func DeactivationHandler(n Notifier) func(ctx context.Context, key *domain.APIKey) {
	return func(ctx context.Context, key *domain.APIKey) {
		keyID := crypto.KeyID(key.Key)
		notification := Notification{
			Type:    NotificationKeyDeactivated,
			KeyID:   keyID,
			UserID:  key.UserID,
			Message: fmt.Sprintf("API key %s was deactivated: %s", keyID, key.DeactivatedReason),
			Data: map[string]any{
				"reason":          key.DeactivatedReason,
				"monthly_budget":  key.MonthlyBudget.String(),
				"budget_used_mtd": key.BudgetUsedMTD.String(),
				"budget_month":    key.BudgetMonth,
			},
			Timestamp: time.Now().UTC(),
		}
		if err := n.Send(ctx, notification); err != nil {
			slog.Warn("failed to send deactivation notice", "key_id", keyID, "error", err)
		}
	}
}
