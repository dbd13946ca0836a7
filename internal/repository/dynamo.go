package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/shopspring/decimal"
)

type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type DynamoTables struct {
	APIKeys      string
	Usage        string
	UsageStats   string
	ModelMapping string
}

func DefaultDynamoTables() DynamoTables {
	return DynamoTables{
		APIKeys:      "openai-proxy-api-keys",
		Usage:        "openai-proxy-usage",
		UsageStats:   "openai-proxy-usage-stats",
		ModelMapping: "openai-proxy-model-mapping",
	}
}

// DynamoStore keeps identities keyed by api_key, usage facts partitioned by
// api_key and sorted by sk, aggregates keyed by api_key and overrides keyed
// by openai_model.
type DynamoStore struct {
	client dynamoAPI
	tables DynamoTables
	now    func() time.Time
}

func NewDynamoStore(cfg aws.Config, endpoint string, tables DynamoTables) *DynamoStore {
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newDynamoStore(client, tables)
}

func newDynamoStore(client dynamoAPI, tables DynamoTables) *DynamoStore {
	return &DynamoStore{client: client, tables: tables, now: time.Now}
}

type apiKeyItem struct {
	APIKey            string `dynamodbav:"api_key"`
	UserID            string `dynamodbav:"user_id"`
	Name              string `dynamodbav:"name"`
	Role              string `dynamodbav:"role"`
	RateLimit         int    `dynamodbav:"rate_limit"`
	BudgetMonth       string `dynamodbav:"budget_month,omitempty"`
	IsActive          bool   `dynamodbav:"is_active"`
	DeactivatedReason string `dynamodbav:"deactivated_reason,omitempty"`
	CreatedAt         int64  `dynamodbav:"created_at"`
	UpdatedAt         int64  `dynamodbav:"updated_at"`
}

type usageItem struct {
	APIKey           string `dynamodbav:"api_key"`
	SK               string `dynamodbav:"sk"`
	RequestID        string `dynamodbav:"request_id"`
	Timestamp        int64  `dynamodbav:"timestamp"`
	Model            string `dynamodbav:"model"`
	PromptTokens     int    `dynamodbav:"input_tokens"`
	CompletionTokens int    `dynamodbav:"output_tokens"`
	CachedTokens     int    `dynamodbav:"cached_tokens"`
	CacheWriteTokens int    `dynamodbav:"cache_write_tokens"`
	Success          bool   `dynamodbav:"success"`
	ErrorMessage     string `dynamodbav:"error_message,omitempty"`
	LatencyMs        int64  `dynamodbav:"latency_ms"`
}

type aggregateItem struct {
	APIKey           string `dynamodbav:"api_key"`
	TotalRequests    int64  `dynamodbav:"total_requests"`
	FailedRequests   int64  `dynamodbav:"failed_requests"`
	PromptTokens     int64  `dynamodbav:"total_input_tokens"`
	CompletionTokens int64  `dynamodbav:"total_output_tokens"`
	CachedTokens     int64  `dynamodbav:"total_cached_tokens"`
	CacheWriteTokens int64  `dynamodbav:"total_cache_write_tokens"`
	BudgetMonth      string `dynamodbav:"budget_month,omitempty"`
	LastAggregatedAt int64  `dynamodbav:"last_aggregated_timestamp"`
	UpdatedAt        int64  `dynamodbav:"updated_at"`
}

type mappingItem struct {
	OpenAIModel    string `dynamodbav:"openai_model"`
	BedrockModelID string `dynamodbav:"bedrock_model_id"`
	UpdatedAt      int64  `dynamodbav:"updated_at"`
}

// Decimals are stored as DynamoDB numbers so they keep full precision and
// remain usable in update expressions.
func decimalAttr(d decimal.Decimal) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: d.String()}
}

func decimalFrom(item map[string]types.AttributeValue, name string) (decimal.Decimal, error) {
	av, ok := item[name]
	if !ok {
		return decimal.Zero, nil
	}
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		return decimal.NewFromString(v.Value)
	case *types.AttributeValueMemberS:
		return decimal.NewFromString(v.Value)
	default:
		return decimal.Zero, fmt.Errorf("attribute %s: unexpected type %T", name, av)
	}
}

func encodeAPIKey(k *domain.APIKey) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(apiKeyItem{
		APIKey:            k.Key,
		UserID:            k.UserID,
		Name:              k.Name,
		Role:              k.Role,
		RateLimit:         k.RateLimit,
		BudgetMonth:       k.BudgetMonth,
		IsActive:          k.IsActive,
		DeactivatedReason: string(k.DeactivatedReason),
		CreatedAt:         k.CreatedAt.Unix(),
		UpdatedAt:         k.UpdatedAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	item["monthly_budget"] = decimalAttr(k.MonthlyBudget)
	item["budget_used"] = decimalAttr(k.BudgetUsed)
	item["budget_used_mtd"] = decimalAttr(k.BudgetUsedMTD)
	return item, nil
}

func decodeAPIKey(item map[string]types.AttributeValue) (*domain.APIKey, error) {
	var it apiKeyItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, err
	}
	k := &domain.APIKey{
		Key:               it.APIKey,
		UserID:            it.UserID,
		Name:              it.Name,
		Role:              it.Role,
		RateLimit:         it.RateLimit,
		BudgetMonth:       it.BudgetMonth,
		IsActive:          it.IsActive,
		DeactivatedReason: domain.DeactivationReason(it.DeactivatedReason),
		CreatedAt:         time.Unix(it.CreatedAt, 0).UTC(),
		UpdatedAt:         time.Unix(it.UpdatedAt, 0).UTC(),
	}
	var err error
	if k.MonthlyBudget, err = decimalFrom(item, "monthly_budget"); err != nil {
		return nil, err
	}
	if k.BudgetUsed, err = decimalFrom(item, "budget_used"); err != nil {
		return nil, err
	}
	if k.BudgetUsedMTD, err = decimalFrom(item, "budget_used_mtd"); err != nil {
		return nil, err
	}
	return k, nil
}

func encodeUsage(r domain.UsageRecord) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(usageItem{
		APIKey:           r.APIKey,
		SK:               r.SortKey(),
		RequestID:        r.RequestID,
		Timestamp:        r.Timestamp.UnixMilli(),
		Model:            r.Model,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		CachedTokens:     r.CachedTokens,
		CacheWriteTokens: r.CacheWriteTokens,
		Success:          r.Success,
		ErrorMessage:     r.ErrorMessage,
		LatencyMs:        r.LatencyMs,
	})
}

func decodeUsage(item map[string]types.AttributeValue) (domain.UsageRecord, error) {
	var it usageItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.UsageRecord{}, err
	}
	return domain.UsageRecord{
		APIKey:           it.APIKey,
		RequestID:        it.RequestID,
		Timestamp:        time.UnixMilli(it.Timestamp).UTC(),
		Model:            it.Model,
		PromptTokens:     it.PromptTokens,
		CompletionTokens: it.CompletionTokens,
		CachedTokens:     it.CachedTokens,
		CacheWriteTokens: it.CacheWriteTokens,
		Success:          it.Success,
		ErrorMessage:     it.ErrorMessage,
		LatencyMs:        it.LatencyMs,
	}, nil
}

func encodeAggregate(a *domain.UsageAggregate) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(aggregateItem{
		APIKey:           a.APIKey,
		TotalRequests:    a.TotalRequests,
		FailedRequests:   a.FailedRequests,
		PromptTokens:     a.PromptTokens,
		CompletionTokens: a.CompletionTokens,
		CachedTokens:     a.CachedTokens,
		CacheWriteTokens: a.CacheWriteTokens,
		BudgetMonth:      a.BudgetMonth,
		LastAggregatedAt: a.LastAggregatedAt,
		UpdatedAt:        a.UpdatedAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	item["total_cost"] = decimalAttr(a.TotalCost)
	item["budget_used"] = decimalAttr(a.BudgetUsed)
	item["budget_used_mtd"] = decimalAttr(a.BudgetUsedMTD)
	return item, nil
}

func decodeAggregate(item map[string]types.AttributeValue) (*domain.UsageAggregate, error) {
	var it aggregateItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, err
	}
	cost, err := decimalFrom(item, "total_cost")
	if err != nil {
		return nil, err
	}
	used, err := decimalFrom(item, "budget_used")
	if err != nil {
		return nil, err
	}
	usedMTD, err := decimalFrom(item, "budget_used_mtd")
	if err != nil {
		return nil, err
	}
	return &domain.UsageAggregate{
		APIKey:           it.APIKey,
		TotalRequests:    it.TotalRequests,
		FailedRequests:   it.FailedRequests,
		PromptTokens:     it.PromptTokens,
		CompletionTokens: it.CompletionTokens,
		CachedTokens:     it.CachedTokens,
		CacheWriteTokens: it.CacheWriteTokens,
		TotalCost:        cost,
		BudgetUsed:       used,
		BudgetUsedMTD:    usedMTD,
		BudgetMonth:      it.BudgetMonth,
		LastAggregatedAt: it.LastAggregatedAt,
		UpdatedAt:        time.Unix(it.UpdatedAt, 0).UTC(),
	}, nil
}

func keyAttr(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{name: &types.AttributeValueMemberS{Value: value}}
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tables.APIKeys),
	})
	if err != nil {
		return fmt.Errorf("describe table: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetAPIKey(ctx context.Context, key string) (*domain.APIKey, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.APIKeys),
		Key:       keyAttr("api_key", key),
	})
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, domain.ErrAPIKeyNotFound
	}
	k, err := decodeAPIKey(out.Item)
	if err != nil {
		return nil, fmt.Errorf("decode api key: %w", err)
	}
	return k, nil
}

func (s *DynamoStore) CreateAPIKey(ctx context.Context, k *domain.APIKey) error {
	item, err := encodeAPIKey(k)
	if err != nil {
		return fmt.Errorf("encode api key: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.APIKeys),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(api_key)"),
	})
	if isConditionFailed(err) {
		return domain.ErrAPIKeyExists
	}
	if err != nil {
		return fmt.Errorf("put api key: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	var keys []*domain.APIKey
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.tables.APIKeys),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan api keys: %w", err)
		}
		for _, item := range page.Items {
			k, err := decodeAPIKey(item)
			if err != nil {
				return nil, fmt.Errorf("decode api key: %w", err)
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *DynamoStore) UpdateRateLimit(ctx context.Context, key string, limit int) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.APIKeys),
		Key:                 keyAttr("api_key", key),
		UpdateExpression:    aws.String("SET rate_limit = :rl, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(api_key)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rl":  &types.AttributeValueMemberN{Value: strconv.Itoa(limit)},
			":now": s.nowAttr(),
		},
	})
	if isConditionFailed(err) {
		return domain.ErrAPIKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("update rate limit: %w", err)
	}
	return nil
}

func (s *DynamoStore) UpdateBudgetUsage(ctx context.Context, key string, lifetime, mtd decimal.Decimal, month string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.APIKeys),
		Key:                 keyAttr("api_key", key),
		UpdateExpression:    aws.String("SET budget_used = :used, budget_used_mtd = :mtd, budget_month = :month, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(api_key)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":used":  decimalAttr(lifetime),
			":mtd":   decimalAttr(mtd),
			":month": &types.AttributeValueMemberS{Value: month},
			":now":   s.nowAttr(),
		},
	})
	if isConditionFailed(err) {
		return domain.ErrAPIKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("update budget usage: %w", err)
	}
	return nil
}

func (s *DynamoStore) Deactivate(ctx context.Context, key string, reason domain.DeactivationReason) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.APIKeys),
		Key:                 keyAttr("api_key", key),
		UpdateExpression:    aws.String("SET is_active = :false, deactivated_reason = :reason, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(api_key) AND is_active = :true"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":false":  &types.AttributeValueMemberBOOL{Value: false},
			":true":   &types.AttributeValueMemberBOOL{Value: true},
			":reason": &types.AttributeValueMemberS{Value: string(reason)},
			":now":    s.nowAttr(),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return domain.ErrAPIKeyNotFound
		}
		return domain.ErrAlreadyInactive
	}
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	return nil
}

func (s *DynamoStore) PutUsage(ctx context.Context, r domain.UsageRecord) error {
	item, err := encodeUsage(r)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Usage),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put usage: %w", err)
	}
	return nil
}

func (s *DynamoStore) QueryUsage(ctx context.Context, key, after string, limit int) ([]domain.UsageRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Usage),
		KeyConditionExpression: aws.String("api_key = :key"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key": &types.AttributeValueMemberS{Value: key},
		},
		ScanIndexForward: aws.Bool(true),
	}
	// DynamoDB rejects an empty string as a key condition value.
	if after != "" {
		in.KeyConditionExpression = aws.String("api_key = :key AND sk > :after")
		in.ExpressionAttributeValues[":after"] = &types.AttributeValueMemberS{Value: after}
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	out, err := s.client.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	records := make([]domain.UsageRecord, 0, len(out.Items))
	for _, item := range out.Items {
		r, err := decodeUsage(item)
		if err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *DynamoStore) GetAggregate(ctx context.Context, key string) (*domain.UsageAggregate, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.UsageStats),
		Key:            keyAttr("api_key", key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, domain.ErrAggregateNotFound
	}
	agg, err := decodeAggregate(out.Item)
	if err != nil {
		return nil, fmt.Errorf("decode aggregate: %w", err)
	}
	return agg, nil
}

func (s *DynamoStore) SaveAggregate(ctx context.Context, agg *domain.UsageAggregate, prevWatermark int64) error {
	item, err := encodeAggregate(agg)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.UsageStats),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(api_key) OR last_aggregated_timestamp = :prev"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.FormatInt(prevWatermark, 10)},
		},
	})
	if isConditionFailed(err) {
		return domain.ErrConcurrentUpdate
	}
	if err != nil {
		return fmt.Errorf("put aggregate: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetModelMapping(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.ModelMapping),
		Key:       keyAttr("openai_model", name),
	})
	if err != nil {
		return "", fmt.Errorf("get model mapping: %w", err)
	}
	if len(out.Item) == 0 {
		return "", domain.ErrModelMappingAbsent
	}
	var it mappingItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return "", fmt.Errorf("decode model mapping: %w", err)
	}
	if it.BedrockModelID == "" {
		return "", domain.ErrModelMappingAbsent
	}
	return it.BedrockModelID, nil
}

func (s *DynamoStore) PutModelMapping(ctx context.Context, name, backendID string) error {
	item, err := attributevalue.MarshalMap(mappingItem{
		OpenAIModel:    name,
		BedrockModelID: backendID,
		UpdatedAt:      s.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode model mapping: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.ModelMapping),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put model mapping: %w", err)
	}
	return nil
}

func (s *DynamoStore) nowAttr() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
