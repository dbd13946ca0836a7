package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/felipepmaragno/bedrock-gateway/internal/api"
	"github.com/felipepmaragno/bedrock-gateway/internal/auth"
	"github.com/felipepmaragno/bedrock-gateway/internal/backend"
	"github.com/felipepmaragno/bedrock-gateway/internal/budget"
	"github.com/felipepmaragno/bedrock-gateway/internal/cache"
	"github.com/felipepmaragno/bedrock-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/bedrock-gateway/internal/config"
	"github.com/felipepmaragno/bedrock-gateway/internal/cost"
	"github.com/felipepmaragno/bedrock-gateway/internal/gateway"
	"github.com/felipepmaragno/bedrock-gateway/internal/httputil"
	"github.com/felipepmaragno/bedrock-gateway/internal/ledger"
	"github.com/felipepmaragno/bedrock-gateway/internal/metrics"
	"github.com/felipepmaragno/bedrock-gateway/internal/modelmap"
	"github.com/felipepmaragno/bedrock-gateway/internal/notifications"
	"github.com/felipepmaragno/bedrock-gateway/internal/queue"
	"github.com/felipepmaragno/bedrock-gateway/internal/ratelimit"
	"github.com/felipepmaragno/bedrock-gateway/internal/repository"
	"github.com/felipepmaragno/bedrock-gateway/internal/secrets"
	"github.com/felipepmaragno/bedrock-gateway/internal/telemetry"
	"github.com/felipepmaragno/bedrock-gateway/internal/translator"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName = "bedrock-gateway"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting bedrock gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.OTLPSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		slog.Error("failed to load aws config", "error", err)
		os.Exit(1)
	}

	store, checkers, err := openStore(ctx, cfg, awsCfg)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		checkers = append(checkers, api.RedisDependency(redisClient))
		slog.Info("connected to redis")
	}

	masterKey := cfg.MasterAPIKey
	if masterKey == "" && cfg.MasterAPIKeySecret != "" {
		masterKey, err = secrets.ResolveMasterKey(ctx, secrets.NewAWSSecretsManager(awsCfg), cfg.MasterAPIKeySecret)
		if err != nil {
			slog.Error("failed to resolve master key", "secret", cfg.MasterAPIKeySecret, "error", err)
			os.Exit(1)
		}
	}
	if masterKey == "" {
		slog.Warn("no master key configured, admin endpoints are unreachable")
	}

	pricing := cost.NewCalculator()
	if cfg.PricingFile != "" {
		if err := pricing.LoadFile(cfg.PricingFile); err != nil {
			slog.Error("failed to load pricing file", "path", cfg.PricingFile, "error", err)
			os.Exit(1)
		}
		slog.Info("loaded pricing file", "path", cfg.PricingFile)
	}

	var dedup budget.AlertDeduplicator = budget.NewInMemoryDeduplicator()
	var overrideCache cache.Cache = cache.NewInMemoryCache()
	var limiter ratelimit.RateLimiter
	if redisClient != nil {
		dedup = budget.NewRedisDeduplicator(redisClient, 35*24*time.Hour)
		overrideCache = cache.NewRedisCache(redisClient, "bedrockgw:model:")
	}
	if cfg.RateLimitEnabled {
		if redisClient != nil {
			limiter = ratelimit.NewRedisRateLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
			slog.Info("using redis rate limiter")
		} else {
			mem := ratelimit.NewInMemoryRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
			go mem.RunPruner(ctx, 10*time.Minute)
			limiter = mem
			slog.Info("using in-memory rate limiter")
		}
	}

	monitor := budget.NewMonitor(dedup, budget.DefaultThresholds())
	monitor.OnAlert(budget.LogAlertHandler)

	aggOpts := []ledger.Option{ledger.WithMonitor(monitor)}
	if cfg.BudgetTopicARN != "" {
		notifier := notifications.NewSNSNotifier(awsCfg, cfg.BudgetTopicARN)
		monitor.OnAlert(notifications.BudgetAlertHandler(notifier))
		aggOpts = append(aggOpts, ledger.OnDeactivate(notifications.DeactivationHandler(notifier)))
		slog.Info("budget notifications enabled", "topic", cfg.BudgetTopicARN)
	}
	aggregator := ledger.NewAggregator(store, pricing, aggOpts...)

	var sink ledger.Sink = store
	if cfg.UsageQueueURL != "" {
		usageQueue := queue.NewSQSQueue(awsCfg, cfg.UsageQueueURL)
		sink = usageQueue
		go queue.NewConsumer(usageQueue, store, slog.Default()).Run(ctx)
		slog.Info("usage facts routed through sqs", "queue", cfg.UsageQueueURL)
	}
	recorder := ledger.NewRecorder(sink, 1024, slog.Default())
	recorder.Start(4)

	if cfg.AggregateInterval > 0 {
		go ledger.NewScheduler(aggregator, store, cfg.AggregateInterval, 4).Run(ctx)
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	bedrock := backend.NewGuarded(backend.NewBedrock(awsCfg, cfg.BedrockEndpointURL), breakers)

	resolver := modelmap.New(store, modelmap.WithCache(overrideCache, 5*time.Minute))

	images := translator.NewImageFetcher(httputil.NewClient(httputil.FetchConfig(cfg.ImageFetchTimeout)), slog.Default())
	requests := translator.NewRequestTranslator(translator.Features{
		Vision:           cfg.EnableVision,
		ToolUse:          cfg.EnableToolUse,
		ExtendedThinking: cfg.EnableThinking,
	}, images, slog.Default())

	gwOpts := []gateway.Option{}
	if limiter != nil {
		gwOpts = append(gwOpts, gateway.WithRateLimiter(limiter))
	}
	gw := gateway.New(bedrock, resolver, requests, recorder, gateway.Config{
		RequestTimeout: cfg.BedrockTimeout,
		StreamTimeout:  cfg.StreamingTimeout,
	}, gwOpts...)

	authenticator := auth.NewAuthenticator(store, auth.Config{
		RequireAPIKey:    cfg.RequireAPIKey,
		MasterKey:        masterKey,
		MasterRateLimit:  cfg.MasterRateLimit,
		DefaultRateLimit: cfg.RateLimitRequests,
	})

	admin := api.NewAdminHandler(api.AdminConfig{
		Store:            store,
		Aggregator:       aggregator,
		Pricing:          pricing,
		Overrides:        resolver,
		DefaultRateLimit: cfg.RateLimitRequests,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Auth:     authenticator,
		Gateway:  gw,
		Models:   resolver,
		Breakers: breakers,
		Checkers: checkers,
		Admin:    admin,
		Version:  version,
	})

	podName, _ := os.Hostname()
	metrics.InitInstanceMetrics(podName, version)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams may run for the full streaming timeout.
		WriteTimeout: cfg.StreamingTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		slog.Error("usage recorder did not drain", "error", err)
	}
	cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

// openStore builds the configured store and its readiness checkers.
func openStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (repository.Store, []api.HealthChecker, error) {
	switch cfg.StoreBackend {
	case config.StoreDynamoDB:
		store := repository.NewDynamoStore(awsCfg, cfg.DynamoDBEndpointURL, repository.DynamoTables{
			APIKeys:      cfg.DynamoDBAPIKeysTable,
			Usage:        cfg.DynamoDBUsageTable,
			UsageStats:   cfg.DynamoDBUsageStatsTable,
			ModelMapping: cfg.DynamoDBModelMappingTable,
		})
		slog.Info("using dynamodb store", "usage_table", cfg.DynamoDBUsageTable)
		return store, []api.HealthChecker{api.StoreDependency("dynamodb", store)}, nil

	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		store := repository.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		slog.Info("using postgres store")
		return store, []api.HealthChecker{api.SQLDependency("postgres", db)}, nil

	default:
		slog.Warn("using in-memory store, keys and usage are lost on restart")
		store := repository.NewInMemoryStore()
		return store, []api.HealthChecker{api.StoreDependency("store", store)}, nil
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
