package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreDynamoDB StoreBackend = "dynamodb"
	StorePostgres StoreBackend = "postgres"
)

type Config struct {
	Addr     string
	LogLevel string

	AWSRegion          string
	BedrockEndpointURL string

	StoreBackend              StoreBackend
	DynamoDBEndpointURL       string
	DynamoDBAPIKeysTable      string
	DynamoDBUsageTable        string
	DynamoDBUsageStatsTable   string
	DynamoDBModelMappingTable string
	DatabaseURL               string
	RedisURL                  string

	RequireAPIKey      bool
	MasterAPIKey       string
	MasterAPIKeySecret string
	MasterRateLimit    int
	RateLimitEnabled   bool
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	EnableVision       bool
	EnableToolUse      bool
	EnableThinking     bool
	BedrockTimeout     time.Duration
	StreamingTimeout   time.Duration
	ImageFetchTimeout  time.Duration
	OTLPEndpoint       string
	OTLPSampleRatio    float64
	AggregateInterval  time.Duration
	BudgetTopicARN     string
	UsageQueueURL      string
	PricingFile        string
	ShutdownTimeout    time.Duration
}

// Load reads a .env file if present, then the environment. Variables already
// set in the environment take precedence over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		AWSRegion:          getEnv("AWS_REGION", "us-west-2"),
		BedrockEndpointURL: getEnv("BEDROCK_ENDPOINT_URL", ""),

		StoreBackend:              StoreBackend(strings.ToLower(getEnv("STORE_BACKEND", string(StoreMemory)))),
		DynamoDBEndpointURL:       getEnv("DYNAMODB_ENDPOINT_URL", ""),
		DynamoDBAPIKeysTable:      getEnv("DYNAMODB_API_KEYS_TABLE", "openai-proxy-api-keys"),
		DynamoDBUsageTable:        getEnv("DYNAMODB_USAGE_TABLE", "openai-proxy-usage"),
		DynamoDBUsageStatsTable:   getEnv("DYNAMODB_USAGE_STATS_TABLE", "openai-proxy-usage-stats"),
		DynamoDBModelMappingTable: getEnv("DYNAMODB_MODEL_MAPPING_TABLE", "openai-proxy-model-mapping"),
		DatabaseURL:               getEnv("DATABASE_URL", ""),
		RedisURL:                  getEnv("REDIS_URL", ""),

		RequireAPIKey:      getBoolEnv("REQUIRE_API_KEY", true),
		MasterAPIKey:       getEnv("MASTER_API_KEY", ""),
		MasterAPIKeySecret: getEnv("MASTER_API_KEY_SECRET", ""),
		MasterRateLimit:    getIntEnv("MASTER_RATE_LIMIT", 10000),
		RateLimitEnabled:   getBoolEnv("RATE_LIMIT_ENABLED", true),
		RateLimitRequests:  getIntEnv("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", 60*time.Second),
		EnableVision:       getBoolEnv("ENABLE_VISION", true),
		EnableToolUse:      getBoolEnv("ENABLE_TOOL_USE", true),
		EnableThinking:     getBoolEnv("ENABLE_EXTENDED_THINKING", true),
		BedrockTimeout:     getDurationEnv("BEDROCK_TIMEOUT", 300*time.Second),
		StreamingTimeout:   getDurationEnv("STREAMING_TIMEOUT", 600*time.Second),
		ImageFetchTimeout:  getDurationEnv("IMAGE_FETCH_TIMEOUT", 30*time.Second),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		OTLPSampleRatio:    getFloatEnv("OTLP_SAMPLE_RATIO", 1),
		AggregateInterval:  getDurationEnv("AGGREGATE_INTERVAL", 300*time.Second),
		BudgetTopicARN:     getEnv("BUDGET_TOPIC_ARN", ""),
		UsageQueueURL:      getEnv("USAGE_QUEUE_URL", ""),
		PricingFile:        getEnv("PRICING_FILE", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreDynamoDB:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RateLimitWindow <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv reads whole seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
