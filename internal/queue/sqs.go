// Package queue carries usage facts through SQS so they survive a gateway
// restart before reaching the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felipepmaragno/bedrock-gateway/internal/crypto"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/felipepmaragno/bedrock-gateway/internal/metrics"
)

// Message is one received usage fact and the handle needed to delete it.
type Message struct {
	Record        domain.UsageRecord
	ReceiptHandle string
}

type Queue interface {
	// PutUsage publishes a fact. It satisfies ledger.Sink.
	PutUsage(ctx context.Context, r domain.UsageRecord) error
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client   sqsAPI
	queueURL string
	wait     int32
}

func NewSQSQueue(cfg aws.Config, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		wait:     20,
	}
}

func (q *SQSQueue) PutUsage(ctx context.Context, r domain.UsageRecord) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"KeyID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(crypto.KeyID(r.APIKey)),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(r.RequestID),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage message: %w", err)
	}
	return nil
}

// Receive long-polls for up to maxMessages facts. Undecodable bodies are
// deleted so they do not redeliver forever.
func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(min(max(maxMessages, 1), 10)),
		WaitTimeSeconds:       q.wait,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive usage messages: %w", err)
	}

	msgs := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		var rec domain.UsageRecord
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &rec); err != nil {
			slog.Warn("dropping malformed usage message", "message_id", aws.ToString(m.MessageId), "error", err)
			metrics.RecordUsageFailure("decode")
			if err := q.Delete(ctx, aws.ToString(m.ReceiptHandle)); err != nil {
				slog.Warn("failed to delete malformed usage message", "error", err)
			}
			continue
		}
		msgs = append(msgs, Message{Record: rec, ReceiptHandle: aws.ToString(m.ReceiptHandle)})
	}
	return msgs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}
	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete usage message: %w", err)
	}
	return nil
}

// InMemoryQueue delivers each message once and forgets it on Delete.
type InMemoryQueue struct {
	mu       sync.Mutex
	pending  []Message
	inFlight map[string]Message
	seq      int
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{inFlight: make(map[string]Message)}
}

func (q *InMemoryQueue) PutUsage(ctx context.Context, r domain.UsageRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.pending = append(q.pending, Message{Record: r, ReceiptHandle: fmt.Sprintf("rh-%d", q.seq)})
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := min(maxMessages, len(q.pending))
	out := make([]Message, count)
	copy(out, q.pending[:count])
	q.pending = q.pending[count:]
	for _, m := range out {
		q.inFlight[m.ReceiptHandle] = m
	}
	return out, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, receiptHandle)
	return nil
}

// Requeue makes undeleted messages visible again, as a visibility timeout would.
func (q *InMemoryQueue) Requeue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for h, m := range q.inFlight {
		q.pending = append(q.pending, m)
		delete(q.inFlight, h)
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inFlight)
}

type UsageStore interface {
	PutUsage(ctx context.Context, r domain.UsageRecord) error
}

// Consumer moves facts from the queue into the store. A message is deleted
// only after the store accepted it; PutUsage is idempotent so redelivery is safe.
type Consumer struct {
	queue     Queue
	store     UsageStore
	batchSize int
	backoff   time.Duration
	logger    *slog.Logger
}

func NewConsumer(q Queue, store UsageStore, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:     q,
		store:     store,
		batchSize: 10,
		backoff:   5 * time.Second,
		logger:    logger,
	}
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	for {
		n, err := c.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("usage queue poll failed", "error", err)
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
		}
	}
}

// Poll handles one batch and reports how many facts were stored.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.queue.Receive(ctx, c.batchSize)
	if err != nil {
		return 0, err
	}

	stored := 0
	var errs []error
	for _, m := range msgs {
		if err := c.store.PutUsage(ctx, m.Record); err != nil {
			metrics.RecordUsageFailure("consume")
			errs = append(errs, fmt.Errorf("store usage %s: %w", m.Record.RequestID, err))
			continue
		}
		if err := c.queue.Delete(ctx, m.ReceiptHandle); err != nil {
			errs = append(errs, err)
		}
		stored++
	}
	return stored, errors.Join(errs...)
}
