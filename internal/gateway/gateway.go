// Package gateway sequences one chat completion: admission, model
// resolution, translation, the backend call and usage recording.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/auth"
	"github.com/felipepmaragno/bedrock-gateway/internal/backend"
	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
	"github.com/felipepmaragno/bedrock-gateway/internal/crypto"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/felipepmaragno/bedrock-gateway/internal/metrics"
	"github.com/felipepmaragno/bedrock-gateway/internal/ratelimit"
	"github.com/felipepmaragno/bedrock-gateway/internal/telemetry"
	"github.com/felipepmaragno/bedrock-gateway/internal/translator"
)

type ModelResolver interface {
	Resolve(ctx context.Context, name string) string
}

// UsageRecorder must not block.
type UsageRecorder interface {
	Record(r domain.UsageRecord)
}

type Config struct {
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout: 300 * time.Second,
		StreamTimeout:  600 * time.Second,
	}
}

type Gateway struct {
	backend    backend.Backend
	resolver   ModelResolver
	translator *translator.RequestTranslator
	limiter    ratelimit.RateLimiter
	usage      UsageRecorder
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Gateway)

// WithRateLimiter enables admission control. Without it every caller is admitted.
func WithRateLimiter(l ratelimit.RateLimiter) Option {
	return func(g *Gateway) {
		g.limiter = l
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func New(b backend.Backend, resolver ModelResolver, tr *translator.RequestTranslator, usage UsageRecorder, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		backend:    b,
		resolver:   resolver,
		translator: tr,
		usage:      usage,
		cfg:        cfg,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit consumes one token from the caller's bucket. A denied request returns
// the decision together with domain.ErrRateLimitExceeded. Without a limiter
// the zero-limit decision admits everything.
func (g *Gateway) Admit(ctx context.Context, caller *auth.Caller) (ratelimit.Decision, error) {
	if g.limiter == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}

	d, err := g.limiter.Allow(ctx, bucketKey(caller), caller.RateLimit)
	if err != nil {
		return d, fmt.Errorf("check rate limit: %w", err)
	}
	if !d.Allowed {
		metrics.RecordRateLimitHit(caller.KeyID())
		return d, domain.ErrRateLimitExceeded
	}
	return d, nil
}

func bucketKey(c *auth.Caller) string {
	if c.Key == auth.AnonymousKey {
		return auth.AnonymousKey
	}
	return crypto.HashAPIKey(c.Key)
}

// Complete serves a non-streaming request.
func (g *Gateway) Complete(ctx context.Context, caller *auth.Caller, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := g.now()
	requestID := translator.NewRequestID()
	modelID := g.resolver.Resolve(ctx, req.Model)

	ctx, span := telemetry.StartRequest(ctx, "gateway.Complete", telemetry.RequestInfo{
		KeyID:        caller.KeyID(),
		Model:        req.Model,
		BackendModel: modelID,
		RequestID:    requestID,
	})
	defer span.End()

	ctx, cancel := withTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	breq := g.translator.Translate(ctx, req, modelID)
	resp, err := g.backend.Converse(ctx, breq)
	if err != nil {
		err = timeoutError(ctx, err)
		telemetry.RecordFailure(span, err)
		g.record(caller, req.Model, requestID, false, start, converse.Usage{}, err)
		g.logger.Warn("completion failed",
			"request_id", requestID,
			"trace_id", telemetry.TraceID(ctx),
			"key_id", caller.KeyID(),
			"model", req.Model,
			"error", err,
		)
		return nil, err
	}

	out := translator.TranslateResponse(resp, req.Model, requestID, start.Unix())
	telemetry.RecordUsage(span, resp.Usage)
	if len(out.Choices) > 0 {
		telemetry.RecordFinish(span, out.Choices[0].FinishReason)
	}
	g.record(caller, req.Model, requestID, false, start, resp.Usage, nil)

	g.logger.Info("request completed",
		"request_id", requestID,
		"trace_id", telemetry.TraceID(ctx),
		"key_id", caller.KeyID(),
		"model", req.Model,
		"backend_model", modelID,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"latency_ms", g.now().Sub(start).Milliseconds(),
	)
	return out, nil
}

// Emit writes one frame to the client. An error means the client is gone.
type Emit func(domain.StreamFrame) error

// Stream serves a streaming request. Errors before the backend stream opens
// are returned and nothing has been emitted; afterwards every failure is
// emitted inline and the stream still ends with a terminal chunk and the
// sentinel. The returned error is then only informational.
func (g *Gateway) Stream(ctx context.Context, caller *auth.Caller, req *domain.ChatRequest, emit Emit) error {
	if err := req.Validate(); err != nil {
		return err
	}

	start := g.now()
	requestID := translator.NewRequestID()
	modelID := g.resolver.Resolve(ctx, req.Model)

	ctx, span := telemetry.StartRequest(ctx, "gateway.Stream", telemetry.RequestInfo{
		KeyID:        caller.KeyID(),
		Model:        req.Model,
		BackendModel: modelID,
		RequestID:    requestID,
		Stream:       true,
	})
	defer span.End()

	ctx, cancel := withTimeout(ctx, g.cfg.StreamTimeout)
	defer cancel()

	breq := g.translator.Translate(ctx, req, modelID)
	stream, err := g.backend.ConverseStream(ctx, breq)
	if err != nil {
		err = timeoutError(ctx, err)
		telemetry.RecordFailure(span, err)
		g.record(caller, req.Model, requestID, true, start, converse.Usage{}, err)
		return err
	}
	defer stream.Close()

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	st := translator.NewStreamTranslator(req.Model, requestID, start.Unix())
	var usage converse.Usage
	var streamErr error

pump:
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				break pump
			}
			if md, ok := ev.(converse.Metadata); ok {
				usage = md.Usage
				continue
			}
			frames, err := st.Translate(ev)
			if err != nil {
				g.logger.Debug("dropping stream event", "request_id", requestID, "error", err)
				continue
			}
			if err := emitAll(emit, frames); err != nil {
				streamErr = fmt.Errorf("client disconnected: %w", context.Canceled)
				break pump
			}
		case <-ctx.Done():
			streamErr = timeoutError(ctx, ctx.Err())
			break pump
		}
	}

	if streamErr == nil {
		if err := stream.Err(); err != nil {
			streamErr = timeoutError(ctx, err)
		}
	}

	if !errors.Is(streamErr, context.Canceled) {
		frames := st.Finish()
		if streamErr != nil {
			frames = st.Fail(streamErr)
		}
		if err := emitAll(emit, frames); err != nil {
			g.logger.Debug("client gone before stream end", "request_id", requestID)
		}
	}

	if streamErr != nil {
		telemetry.RecordFailure(span, streamErr)
	}
	telemetry.RecordUsage(span, usage)
	g.record(caller, req.Model, requestID, true, start, usage, streamErr)

	g.logger.Info("streaming request completed",
		"request_id", requestID,
		"trace_id", telemetry.TraceID(ctx),
		"key_id", caller.KeyID(),
		"model", req.Model,
		"backend_model", modelID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"latency_ms", g.now().Sub(start).Milliseconds(),
		"error", streamErr,
	)
	return streamErr
}

func emitAll(emit Emit, frames []domain.StreamFrame) error {
	for _, f := range frames {
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

// record writes the usage fact and request metrics. It never fails.
func (g *Gateway) record(caller *auth.Caller, model, requestID string, stream bool, start time.Time, u converse.Usage, err error) {
	latency := g.now().Sub(start)

	rec := domain.UsageRecord{
		APIKey:           caller.Key,
		RequestID:        requestID,
		Timestamp:        g.now().UTC(),
		Model:            model,
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		CachedTokens:     u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		Success:          err == nil,
		LatencyMs:        latency.Milliseconds(),
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
	}
	g.usage.Record(rec)

	metrics.RecordRequest(caller.KeyID(), model, requestStatus(err), stream, latency.Seconds())
	metrics.RecordTokens(model, u.InputTokens, u.OutputTokens)
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return domain.Classify(err).Code
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// timeoutError reports an expired request deadline as domain.ErrTimeout.
func timeoutError(ctx context.Context, err error) error {
	if errors.Is(err, domain.ErrTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return err
}
