package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/crypto"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"golang.org/x/sync/errgroup"
)

type KeyLister interface {
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
}

// Scheduler aggregates every known key on an interval, a bounded number of
// keys at a time.
type Scheduler struct {
	aggregator  *Aggregator
	keys        KeyLister
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

func NewScheduler(aggregator *Aggregator, keys KeyLister, interval time.Duration, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		aggregator:  aggregator,
		keys:        keys,
		interval:    interval,
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// RunOnce aggregates all keys. A failing key is logged and does not stop the
// others; the error count is returned in the error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	keys, err := s.keys.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	failures := make(chan struct{}, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, k := range keys {
		key := k.Key
		g.Go(func() error {
			if _, err := s.aggregator.Aggregate(gctx, key); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				failures <- struct{}{}
				s.logger.Warn("aggregation failed",
					"key_id", crypto.KeyID(key),
					"error", err,
				)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if n := len(failures); n > 0 {
		return fmt.Errorf("aggregation failed for %d of %d keys", n, len(keys))
	}
	return nil
}

// Run calls RunOnce every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("aggregation run incomplete", "error", err)
			}
			s.logger.Debug("aggregation run finished", "duration", time.Since(start))
		}
	}
}
