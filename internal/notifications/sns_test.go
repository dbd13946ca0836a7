package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/felipepmaragno/bedrock-gateway/internal/budget"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/shopspring/decimal"
)

type MockSNS struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

func TestSNSNotifier_Send(t *testing.T) {
	var got *sns.PublishInput
	n := &SNSNotifier{
		client: &MockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			got = params
			return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
		}},
		topicArn: "arn:aws:sns:us-west-2:123456789012:budget",
	}

	err := n.Send(context.Background(), Notification{
		Type:    NotificationBudgetWarning,
		KeyID:   "abc123def456",
		Message: "80% used",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if aws.ToString(got.TopicArn) != "arn:aws:sns:us-west-2:123456789012:budget" {
		t.Errorf("topic = %q", aws.ToString(got.TopicArn))
	}
	if v := aws.ToString(got.MessageAttributes["Type"].StringValue); v != "budget_warning" {
		t.Errorf("Type attribute = %q", v)
	}
	if v := aws.ToString(got.MessageAttributes["KeyID"].StringValue); v != "abc123def456" {
		t.Errorf("KeyID attribute = %q", v)
	}

	var body Notification
	if err := json.Unmarshal([]byte(aws.ToString(got.Message)), &body); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if body.Message != "80% used" {
		t.Errorf("message = %q", body.Message)
	}
}

func TestSNSNotifier_SendError(t *testing.T) {
	n := &SNSNotifier{
		client: &MockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, errors.New("AuthorizationError")
		}},
		topicArn: "arn",
	}
	if err := n.Send(context.Background(), Notification{Type: NotificationBudgetExceeded}); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestBudgetAlertHandler(t *testing.T) {
	n := NewInMemoryNotifier()
	handler := BudgetAlertHandler(n)

	handler(context.Background(), budget.Alert{
		KeyID:      "abc123def456",
		UserID:     "alice",
		Level:      budget.AlertLevelCritical,
		Month:      "2026-10",
		Budget:     decimal.NewFromInt(100),
		CurrentUse: decimal.NewFromInt(96),
		Percentage: 96,
		Timestamp:  time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
	})

	sent := n.GetNotifications()
	if len(sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(sent))
	}
	if sent[0].Type != NotificationBudgetCritical || sent[0].KeyID != "abc123def456" || sent[0].Data["current_use"] != "96" {
		t.Errorf("unexpected notification %+v", sent[0])
	}
}

func TestDeactivationHandler_NoRawKey(t *testing.T) {
	n := NewInMemoryNotifier()
	DeactivationHandler(n)(context.Background(), &domain.APIKey{
		Key:               "sk-0123456789abcdef0123456789abcdef",
		UserID:            "alice",
		DeactivatedReason: domain.ReasonBudgetExceeded,
		MonthlyBudget:     decimal.NewFromInt(10),
		BudgetUsedMTD:     decimal.NewFromInt(11),
	})

	sent := n.GetNotifications()
	if len(sent) != 1 || sent[0].Type != NotificationKeyDeactivated {
		t.Fatalf("unexpected notifications %+v", sent)
	}
	raw, _ := json.Marshal(sent[0])
	if strings.Contains(string(raw), "sk-0123456789abcdef0123456789abcdef") {
		t.Error("notification must not carry the raw key")
	}
}

func TestSubjectLength(t *testing.T) {
	long := Notification{Type: NotificationBudgetWarning, KeyID: string(make([]byte, 200))}
	if got := len(subject(long)); got > 100 {
		t.Errorf("subject length = %d", got)
	}
}
