package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/telemetry"
)

// MessageHandler processes one delivered body. attempt is 1 on first delivery.
// A nil error deletes the message, a Permanent error deletes it as
// unrecoverable, and any other error leaves it for redelivery.
type MessageHandler func(ctx context.Context, body []byte, attempt int) error

// ConsumerOptions tunes the SQS poll loop.
type ConsumerOptions struct {
	Concurrency     int
	Visibility      time.Duration
	WaitTime        time.Duration
	PausePoll       time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConsumerOptions mirrors the worker's deployment defaults.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		Concurrency:     4,
		Visibility:      20 * time.Minute,
		WaitTime:        20 * time.Second,
		PausePoll:       5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// SQSConsumer pulls from the priority queues, always draining higher
// priorities before lower ones.
type SQSConsumer struct {
	client *SQSClient
	handle MessageHandler
	opts   ConsumerOptions
}

// NewSQSConsumer shares the queues and pause state of client.
func NewSQSConsumer(client *SQSClient, handle MessageHandler, opts ConsumerOptions) *SQSConsumer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PausePoll <= 0 {
		opts.PausePoll = 5 * time.Second
	}
	return &SQSConsumer{client: client, handle: handle, opts: opts}
}

// Run polls until ctx is cancelled, then waits up to ShutdownTimeout for
// in-flight messages.
func (c *SQSConsumer) Run(ctx context.Context) {
	sem := make(chan struct{}, c.opts.Concurrency)
	var wg sync.WaitGroup

	telemetry.Info("worker.started", map[string]any{
		"backend":     "sqs",
		"concurrency": c.opts.Concurrency,
		"visibility":  c.opts.Visibility.String(),
	})

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		default:
		}

		if paused, err := c.client.Paused(ctx); err == nil && paused {
			select {
			case <-ctx.Done():
				break pollLoop
			case <-time.After(c.opts.PausePoll):
			}
			continue
		}

		url, msgs, err := c.receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break pollLoop
			}
			telemetry.Error("worker.receive_failed", map[string]any{"error": err.Error()})
			continue
		}

		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				break pollLoop
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				c.process(ctx, url, m)
			}(msg)
		}
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(c.opts.ShutdownTimeout):
		telemetry.Warn("worker.shutdown_timeout", map[string]any{"timeout": c.opts.ShutdownTimeout.String()})
	}
}

// receive short-polls the queues in priority order and returns the first
// non-empty batch. When all of them are empty it long-polls the highest queue,
// so new high-priority work is picked up as soon as it lands.
func (c *SQSConsumer) receive(ctx context.Context) (string, []sqstypes.Message, error) {
	urls := c.client.pollOrder()
	for _, url := range urls {
		msgs, err := c.receiveFrom(ctx, url, 0)
		if err != nil {
			return "", nil, err
		}
		if len(msgs) > 0 {
			return url, msgs, nil
		}
	}
	if len(urls) == 0 || c.opts.WaitTime < time.Second {
		return "", nil, nil
	}
	msgs, err := c.receiveFrom(ctx, urls[0], c.opts.WaitTime)
	if err != nil || len(msgs) == 0 {
		return "", nil, err
	}
	return urls[0], msgs, nil
}

func (c *SQSConsumer) receiveFrom(ctx context.Context, url string, wait time.Duration) ([]sqstypes.Message, error) {
	resp, err := c.client.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   10,
		WaitTimeSeconds:       int32(wait / time.Second),
		VisibilityTimeout:     int32(c.opts.Visibility / time.Second),
		AttributeNames:        []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		MessageAttributeNames: []string{attrMaxRetries},
	})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// PollOnce receives and processes a single batch synchronously.
func (c *SQSConsumer) PollOnce(ctx context.Context) (int, error) {
	url, msgs, err := c.receive(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		c.process(ctx, url, m)
	}
	return len(msgs), nil
}

func (c *SQSConsumer) process(ctx context.Context, url string, msg sqstypes.Message) {
	metrics.IncTasksReceived()
	attempt := receiveCount(msg)
	fields := map[string]any{
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  attempt,
	}
	if attempt < 1 {
		attempt = 1
	}
	// The handler settles the job on attempt maxRetries+1. A message that comes
	// back after that has nothing left to do.
	if limit, ok := maxRetriesOf(msg); ok && attempt > limit+1 {
		fields["max_retries"] = limit
		telemetry.Error("worker.task_exhausted", fields)
		if c.delete(ctx, url, msg, fields) {
			metrics.IncTasksDeletedUnrecoverable()
		}
		return
	}

	err := c.handle(ctx, []byte(aws.ToString(msg.Body)), attempt)
	switch {
	case err == nil:
		c.delete(ctx, url, msg, fields)
	case IsPermanent(err):
		fields["error"] = err.Error()
		telemetry.Error("worker.task_unrecoverable", fields)
		if c.delete(ctx, url, msg, fields) {
			metrics.IncTasksDeletedUnrecoverable()
		}
	default:
		fields["error"] = err.Error()
		telemetry.Warn("worker.task_redeliver", fields)
		metrics.IncTasksRedelivered()
	}
}

func (c *SQSConsumer) delete(ctx context.Context, url string, msg sqstypes.Message, fields map[string]any) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.delete_failed", fields)
		return false
	}
	if _, err := c.client.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields["error"] = err.Error()
		telemetry.Error("worker.delete_failed", fields)
		return false
	}
	return true
}

// pollOrder returns the distinct queue URLs, highest priority first.
func (s *SQSClient) pollOrder() []string {
	out := make([]string, 0, len(Priorities))
	seen := make(map[string]bool, len(Priorities))
	for _, p := range Priorities {
		if u := s.urls[p]; !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func receiveCount(msg sqstypes.Message) int {
	raw := msg.Attributes["ApproximateReceiveCount"]
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func maxRetriesOf(msg sqstypes.Message) (int, bool) {
	attr, ok := msg.MessageAttributes[attrMaxRetries]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(aws.ToString(attr.StringValue))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
