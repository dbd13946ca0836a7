// Package ledger records usage facts off the response path and folds them
// into per-key aggregates and budget counters.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/crypto"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/felipepmaragno/bedrock-gateway/internal/metrics"
)

type Sink interface {
	PutUsage(ctx context.Context, r domain.UsageRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r domain.UsageRecord) error

func (f SinkFunc) PutUsage(ctx context.Context, r domain.UsageRecord) error {
	return f(ctx, r)
}

// Recorder persists usage facts asynchronously. Record never blocks and
// never fails; write errors are logged and counted.
type Recorder struct {
	sink         Sink
	records      chan domain.UsageRecord
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewRecorder(sink Sink, buffer int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Recorder{
		sink:         sink,
		records:      make(chan domain.UsageRecord, buffer),
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// Start launches workers draining the buffer until Close.
func (r *Recorder) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for rec := range r.records {
				r.write(rec)
			}
		}()
	}
}

func (r *Recorder) Record(rec domain.UsageRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		go r.write(rec)
		return
	}

	select {
	case r.records <- rec:
	default:
		// buffer full, spill to a goroutine rather than stall the response
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.write(rec)
		}()
	}
}

func (r *Recorder) write(rec domain.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.sink.PutUsage(ctx, rec); err != nil {
		metrics.RecordUsageFailure("write")
		r.logger.Warn("failed to record usage",
			"error", err,
			"key_id", crypto.KeyID(rec.APIKey),
			"request_id", rec.RequestID,
		)
	}
}

// Close stops accepting buffered records and waits for pending writes.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.records)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
