package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/telemetry"
)

// Deliverer hands a task to whatever executes it.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message, attempt int) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, msg Message, attempt int) error

func (f DelivererFunc) Deliver(ctx context.Context, msg Message, attempt int) error {
	return f(ctx, msg, attempt)
}

// Dispatcher drains a GormQueue into a Deliverer with at-least-once semantics.
type Dispatcher struct {
	Queue        *GormQueue
	Deliverer    Deliverer
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	Backoff      RetryPolicy
}

// NewDispatcher returns a Dispatcher with default polling and redelivery backoff.
func NewDispatcher(queue *GormQueue, deliverer Deliverer, workerID string, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		Queue:        queue,
		Deliverer:    deliverer,
		WorkerID:     workerID,
		Concurrency:  concurrency,
		PollInterval: time.Second,
		Backoff:      DefaultRetryPolicy(),
	}
}

// Run polls with Concurrency loops until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	telemetry.Info("worker.started", map[string]any{
		"backend":     "local",
		"queue":       d.Queue.Name(),
		"worker_id":   d.WorkerID,
		"concurrency": d.Concurrency,
	})
	var wg sync.WaitGroup
	for i := 0; i < d.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				worked, err := d.RunOnce(ctx)
				if err != nil && ctx.Err() == nil {
					telemetry.Error("worker.dequeue_failed", map[string]any{"error": err.Error()})
				}
				if worked {
					continue
				}
				select {
				case <-ctx.Done():
				case <-time.After(d.PollInterval):
				}
			}
		}()
	}
	wg.Wait()
}

// RunOnce dispatches at most one task and reports whether it found one.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	task, err := d.Queue.Dequeue(ctx, d.WorkerID)
	if err != nil {
		return IsPermanent(err), err
	}
	if task == nil {
		return false, nil
	}
	metrics.IncTasksReceived()

	fields := map[string]any{
		"task":        task.Handle.String(),
		"analysis_id": task.Message.AnalysisID,
		"attempt":     task.Attempt,
		"priority":    string(task.Message.Priority),
	}
	deliverErr := d.Deliverer.Deliver(ctx, task.Message, task.Attempt)

	// Settle even if the dispatcher is shutting down.
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case deliverErr == nil:
		err = d.Queue.Complete(settleCtx, task.Handle, d.WorkerID)
	case IsPermanent(deliverErr):
		fields["error"] = deliverErr.Error()
		telemetry.Error("worker.task_unrecoverable", fields)
		metrics.IncTasksDeletedUnrecoverable()
		err = d.Queue.Fail(settleCtx, task.Handle, d.WorkerID, deliverErr)
	default:
		fields["error"] = deliverErr.Error()
		telemetry.Warn("worker.task_redeliver", fields)
		metrics.IncTasksRedelivered()
		err = d.Queue.Retry(settleCtx, task, d.WorkerID, d.Backoff.jittered(task.Attempt), deliverErr)
	}
	if errors.Is(err, ErrTaskNotOwned) {
		telemetry.Warn("worker.lock_lost", fields)
		return true, nil
	}
	return true, err
}
