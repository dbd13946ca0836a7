package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/felipepmaragno/bedrock-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
	"github.com/felipepmaragno/bedrock-gateway/internal/metrics"
)

// Guarded puts a per-model circuit breaker in front of a Backend. It never
// retries; the SDK's own retryer already does.
type Guarded struct {
	next     Backend
	breakers *circuitbreaker.Manager
}

func NewGuarded(next Backend, breakers *circuitbreaker.Manager) *Guarded {
	return &Guarded{next: next, breakers: breakers}
}

func (g *Guarded) Converse(ctx context.Context, req *converse.Request) (*converse.Response, error) {
	cb := g.breakers.Get(req.ModelID)
	if err := cb.Allow(ctx); err != nil {
		metrics.RecordBackendError("circuit_open")
		return nil, err
	}
	resp, err := g.next.Converse(ctx, req)
	record(ctx, cb, err)
	return resp, err
}

func (g *Guarded) ConverseStream(ctx context.Context, req *converse.Request) (Stream, error) {
	cb := g.breakers.Get(req.ModelID)
	if err := cb.Allow(ctx); err != nil {
		metrics.RecordBackendError("circuit_open")
		return nil, err
	}
	s, err := g.next.ConverseStream(ctx, req)
	if err != nil {
		record(ctx, cb, err)
		return nil, err
	}
	return &guardedStream{Stream: s, cb: cb, ctx: ctx}, nil
}

func record(ctx context.Context, cb circuitbreaker.CircuitBreaker, err error) {
	switch {
	case err == nil:
		cb.RecordSuccess(ctx)
	case errors.Is(err, context.Canceled):
	case tripsBreaker(err):
		cb.RecordFailure(ctx)
	default:
		// the backend answered, the request was at fault
		cb.RecordSuccess(ctx)
	}
}

type guardedStream struct {
	Stream
	cb   circuitbreaker.CircuitBreaker
	ctx  context.Context
	once sync.Once
}

func (s *guardedStream) Err() error {
	err := s.Stream.Err()
	s.once.Do(func() { record(s.ctx, s.cb, err) })
	return err
}
