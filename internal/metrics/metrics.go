package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedrockgw_requests_total",
			Help: "Total number of chat completion requests processed",
		},
		[]string{"key_id", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bedrockgw_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"model", "stream"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedrockgw_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedrockgw_cost_usd_total",
			Help: "Total aggregated cost in USD",
		},
		[]string{"key_id"},
	)

	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedrockgw_backend_errors_total",
			Help: "Total number of backend errors by kind",
		},
		[]string{"error_type"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bedrockgw_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedrockgw_rate_limit_hits_total",
			Help: "Total number of requests denied by the rate limiter",
		},
		[]string{"key_id"},
	)

	UsageRecordFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedrockgw_usage_record_failures_total",
			Help: "Usage facts that could not be persisted",
		},
		[]string{"stage"},
	)

	ModelOverrideLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedrockgw_model_override_lookups_total",
			Help: "Model override lookups by result",
		},
		[]string{"result"},
	)

	AggregationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedrockgw_aggregation_runs_total",
			Help: "Usage aggregation runs by status",
		},
		[]string{"status"},
	)

	KeysDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedrockgw_keys_deactivated_total",
			Help: "API keys deactivated by reason",
		},
		[]string{"reason"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bedrockgw_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bedrockgw_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bedrockgw_budget_usage_ratio",
			Help: "Month-to-date budget usage ratio",
		},
		[]string{"key_id"},
	)
)

func RecordRequest(keyID, model, status string, stream bool, durationSec float64) {
	RequestsTotal.WithLabelValues(keyID, model, status).Inc()
	streamLabel := "false"
	if stream {
		streamLabel = "true"
	}
	RequestDuration.WithLabelValues(model, streamLabel).Observe(durationSec)
}

func RecordTokens(model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

func RecordCost(keyID string, costUSD float64) {
	CostTotal.WithLabelValues(keyID).Add(costUSD)
}

func RecordBackendError(errorType string) {
	BackendErrors.WithLabelValues(errorType).Inc()
}

func RecordRateLimitHit(keyID string) {
	RateLimitHits.WithLabelValues(keyID).Inc()
}

func RecordUsageFailure(stage string) {
	UsageRecordFailures.WithLabelValues(stage).Inc()
}

func RecordOverrideLookup(result string) {
	ModelOverrideLookups.WithLabelValues(result).Inc()
}

func RecordAggregation(status string) {
	AggregationRuns.WithLabelValues(status).Inc()
}

func RecordDeactivation(reason string) {
	KeysDeactivated.WithLabelValues(reason).Inc()
}

func SetCircuitBreakerState(backend string, state int) {
	CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

func SetBudgetUsage(keyID string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(keyID).Set(ratio)
}

var currentPodName string

// InitInstanceMetrics should be called once at startup.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
