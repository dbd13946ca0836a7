package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
)

type MockSink struct {
	mu          sync.Mutex
	records     []domain.UsageRecord
	PutUsageErr error
	block       chan struct{}
}

func (m *MockSink) PutUsage(ctx context.Context, r domain.UsageRecord) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutUsageErr != nil {
		return m.PutUsageErr
	}
	m.records = append(m.records, r)
	return nil
}

func (m *MockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestRecorder_DrainsOnClose(t *testing.T) {
	sink := &MockSink{}
	r := NewRecorder(sink, 4, nil)
	r.Start(2)

	for i := 0; i < 10; i++ {
		r.Record(domain.UsageRecord{APIKey: "sk-a", RequestID: string(rune('a' + i))})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.count() != 10 {
		t.Errorf("expected 10 records written, got %d", sink.count())
	}
}

func TestRecorder_NeverBlocks(t *testing.T) {
	sink := &MockSink{block: make(chan struct{})}
	r := NewRecorder(sink, 1, nil)
	r.Start(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Record(domain.UsageRecord{APIKey: "sk-a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked while the sink was stalled")
	}

	close(sink.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.count() != 50 {
		t.Errorf("expected 50 records written, got %d", sink.count())
	}
}

func TestRecorder_SwallowsSinkErrors(t *testing.T) {
	sink := &MockSink{PutUsageErr: errors.New("table unavailable")}
	r := NewRecorder(sink, 4, nil)
	r.Start(1)

	r.Record(domain.UsageRecord{APIKey: "sk-a", RequestID: "req-1"})

	if err := r.Close(context.Background()); err != nil {
		t.Errorf("sink errors must not surface, got %v", err)
	}
}

func TestSinkFunc(t *testing.T) {
	var got domain.UsageRecord
	var sink Sink = SinkFunc(func(ctx context.Context, r domain.UsageRecord) error {
		got = r
		return nil
	})

	_ = sink.PutUsage(context.Background(), domain.UsageRecord{RequestID: "req-9"})
	if got.RequestID != "req-9" {
		t.Errorf("expected req-9, got %q", got.RequestID)
	}
}
