package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

type MockDynamo struct {
	GetItemFunc       func(ctx context.Context, in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	PutItemFunc       func(ctx context.Context, in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	UpdateItemFunc    func(ctx context.Context, in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	QueryFunc         func(ctx context.Context, in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	ScanFunc          func(ctx context.Context, in *dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
	DescribeTableFunc func(ctx context.Context, in *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
}

func (m *MockDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return m.GetItemFunc(ctx, in)
}

func (m *MockDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return m.PutItemFunc(ctx, in)
}

func (m *MockDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return m.UpdateItemFunc(ctx, in)
}

func (m *MockDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.QueryFunc(ctx, in)
}

func (m *MockDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return m.ScanFunc(ctx, in)
}

func (m *MockDynamo) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return m.DescribeTableFunc(ctx, in)
}

func TestAPIKeyItemRoundTrip(t *testing.T) {
	k := newTestKey("sk-roundtrip")
	k.BudgetUsed = decimal.RequireFromString("12.3456789")
	k.BudgetUsedMTD = decimal.RequireFromString("0.000015")
	k.BudgetMonth = "2026-01"
	k.DeactivatedReason = domain.ReasonManual

	item, err := encodeAPIKey(k)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n, ok := item["budget_used_mtd"].(*types.AttributeValueMemberN); !ok || n.Value != "0.000015" {
		t.Errorf("expected budget_used_mtd as number 0.000015, got %#v", item["budget_used_mtd"])
	}

	got, err := decodeAPIKey(item)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	opt := cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
	if diff := cmp.Diff(k, got, opt); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUsageItemSortKey(t *testing.T) {
	r := domain.UsageRecord{
		APIKey:       "sk-a",
		RequestID:    "chatcmpl-1",
		Timestamp:    time.UnixMilli(1_700_000_000_123).UTC(),
		Model:        "claude-sonnet-4-5",
		PromptTokens: 10,
		Success:      true,
	}
	item, err := encodeUsage(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sk, ok := item["sk"].(*types.AttributeValueMemberS)
	if !ok || sk.Value != "1700000000123#chatcmpl-1" {
		t.Errorf("unexpected sk %#v", item["sk"])
	}
	got, err := decodeUsage(item)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDynamoStore_GetAPIKeyNotFound(t *testing.T) {
	mock := &MockDynamo{
		GetItemFunc: func(ctx context.Context, in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			if aws.ToString(in.TableName) != "openai-proxy-api-keys" {
				t.Errorf("unexpected table %s", aws.ToString(in.TableName))
			}
			return &dynamodb.GetItemOutput{}, nil
		},
	}
	s := newDynamoStore(mock, DefaultDynamoTables())

	if _, err := s.GetAPIKey(context.Background(), "sk-x"); !errors.Is(err, domain.ErrAPIKeyNotFound) {
		t.Errorf("expected ErrAPIKeyNotFound, got %v", err)
	}
}

func TestDynamoStore_Deactivate(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "active", err: nil, wantErr: nil},
		{name: "already inactive", err: &types.ConditionalCheckFailedException{Item: map[string]types.AttributeValue{
			"api_key": &types.AttributeValueMemberS{Value: "sk-a"},
		}}, wantErr: domain.ErrAlreadyInactive},
		{name: "missing", err: &types.ConditionalCheckFailedException{}, wantErr: domain.ErrAPIKeyNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockDynamo{
				UpdateItemFunc: func(ctx context.Context, in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
					reason := in.ExpressionAttributeValues[":reason"].(*types.AttributeValueMemberS)
					if reason.Value != "budget_exceeded" {
						t.Errorf("unexpected reason %q", reason.Value)
					}
					return &dynamodb.UpdateItemOutput{}, tt.err
				},
			}
			s := newDynamoStore(mock, DefaultDynamoTables())

			err := s.Deactivate(context.Background(), "sk-a", domain.ReasonBudgetExceeded)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDynamoStore_SaveAggregateConflict(t *testing.T) {
	mock := &MockDynamo{
		PutItemFunc: func(ctx context.Context, in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			prev := in.ExpressionAttributeValues[":prev"].(*types.AttributeValueMemberN)
			if prev.Value != "42" {
				t.Errorf("expected :prev 42, got %s", prev.Value)
			}
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	s := newDynamoStore(mock, DefaultDynamoTables())

	err := s.SaveAggregate(context.Background(), &domain.UsageAggregate{APIKey: "sk-a", LastAggregatedAt: 50}, 42)
	if !errors.Is(err, domain.ErrConcurrentUpdate) {
		t.Errorf("expected ErrConcurrentUpdate, got %v", err)
	}
}

func TestDynamoStore_QueryUsage(t *testing.T) {
	r := domain.UsageRecord{APIKey: "sk-a", RequestID: "r1", Timestamp: time.UnixMilli(5).UTC(), Model: "m"}
	item, _ := encodeUsage(r)

	mock := &MockDynamo{
		QueryFunc: func(ctx context.Context, in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			after := in.ExpressionAttributeValues[":after"].(*types.AttributeValueMemberS)
			if after.Value != "0000000000004#~" {
				t.Errorf("unexpected :after %q", after.Value)
			}
			if aws.ToInt32(in.Limit) != 100 {
				t.Errorf("expected limit 100, got %d", aws.ToInt32(in.Limit))
			}
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}, nil
		},
	}
	s := newDynamoStore(mock, DefaultDynamoTables())

	got, err := s.QueryUsage(context.Background(), "sk-a", domain.WatermarkSortKey(4), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]domain.UsageRecord{r}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDynamoStore_QueryUsageFromStart(t *testing.T) {
	mock := &MockDynamo{
		QueryFunc: func(ctx context.Context, in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			if got := aws.ToString(in.KeyConditionExpression); got != "api_key = :key" {
				t.Errorf("unexpected key condition %q", got)
			}
			for name, av := range in.ExpressionAttributeValues {
				if s, ok := av.(*types.AttributeValueMemberS); ok && s.Value == "" {
					t.Errorf("empty string value for %s", name)
				}
			}
			if _, ok := in.ExpressionAttributeValues[":after"]; ok {
				t.Error(":after must be omitted on the first page")
			}
			return &dynamodb.QueryOutput{}, nil
		},
	}
	s := newDynamoStore(mock, DefaultDynamoTables())

	got, err := s.QueryUsage(context.Background(), "sk-a", "", 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no records, got %d", len(got))
	}
}

func TestAggregateItemRoundTrip(t *testing.T) {
	agg := &domain.UsageAggregate{
		APIKey:           "sk-a",
		TotalRequests:    3,
		PromptTokens:     3000,
		TotalCost:        decimal.RequireFromString("0.006"),
		BudgetUsed:       decimal.RequireFromString("4.006"),
		BudgetUsedMTD:    decimal.RequireFromString("0.006"),
		BudgetMonth:      "2026-10",
		LastAggregatedAt: 1_700_000_000_123,
		UpdatedAt:        time.Unix(1_700_000_100, 0).UTC(),
	}

	item, err := encodeAggregate(agg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeAggregate(item)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	opt := cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
	if diff := cmp.Diff(agg, got, opt); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
