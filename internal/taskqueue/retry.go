package taskqueue

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/telemetry"
)

// RetryPolicy holds configuration for retry with backoff.
type RetryPolicy struct {
	// MaxAttempts includes the initial call.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// JitterFraction randomizes each sleep by up to ±fraction of the backoff.
	JitterFraction float64
}

// DefaultRetryPolicy is the enqueue policy: 3 attempts, 2s doubling to a 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Backoff returns the un-jittered wait before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

func (p RetryPolicy) jittered(attempt int) time.Duration {
	backoff := p.Backoff(attempt)
	jitter := time.Duration(float64(backoff) * p.JitterFraction * (rand.Float64()*2 - 1))
	if backoff+jitter < 0 {
		return backoff
	}
	return backoff + jitter
}

// Do runs op until it succeeds, returns a permanent or context error, or the
// attempts run out. onRetry, when set, is called before each sleep.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.jittered(attempt)):
		}
	}
	return lastErr
}

// RetryingClient retries Enqueue on transient backend errors. The other
// operations pass through unchanged.
type RetryingClient struct {
	Client
	Policy RetryPolicy
}

// WithRetry wraps c with the given enqueue retry policy.
func WithRetry(c Client, policy RetryPolicy) *RetryingClient {
	return &RetryingClient{Client: c, Policy: policy}
}

// Enqueue delivers msg, retrying transient failures before surfacing the last error.
func (r *RetryingClient) Enqueue(ctx context.Context, msg Message, opts EnqueueOptions) (Handle, error) {
	var handle Handle
	err := r.Policy.Do(ctx, func(ctx context.Context) error {
		h, err := r.Client.Enqueue(ctx, msg, opts)
		if err != nil {
			return err
		}
		handle = h
		return nil
	}, func(attempt int, err error) {
		metrics.IncEnqueueRetry()
		telemetry.Warn("queue.enqueue_retry", map[string]any{
			"analysis_id": msg.AnalysisID,
			"request_id":  msg.RequestID,
			"attempt":     attempt,
			"error":       err.Error(),
		})
	})
	if err != nil {
		metrics.IncEnqueueFailed()
		return Handle{}, err
	}
	return handle, nil
}
