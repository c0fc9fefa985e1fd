package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker

import (
	"context"
	"log"
	"strconv"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"compliance-backend/internal/bootstrap"
	"compliance-backend/internal/shared/config"
	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/telemetry"
	"compliance-backend/internal/taskqueue"
)

var (
	initOnce sync.Once
	initErr  error
	app      *bootstrap.App
)

func initApp() {
	cfg := config.Load()
	built, err := bootstrap.Build(cfg)
	if err != nil {
		initErr = err
		return
	}
	app = built
}

type taskFunc func(ctx context.Context, body []byte, attempt int) error

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil {
		log.Printf("bootstrap error: %v", initErr)
		failures := make([]events.SQSBatchItemFailure, 0, len(event.Records))
		for _, record := range event.Records {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
		return events.SQSEventResponse{BatchItemFailures: failures}, initErr
	}
	resp := processBatch(ctx, app.HandleTask, event)
	app.Notifier.Wait()
	return resp, nil
}

// processBatch reports retryable failures back to SQS. Permanent failures
// are acknowledged so the message is not redelivered.
func processBatch(ctx context.Context, handle taskFunc, event events.SQSEvent) events.SQSEventResponse {
	failures := make([]events.SQSBatchItemFailure, 0)
	for _, record := range event.Records {
		metrics.IncTasksReceived()
		fields := map[string]any{"sqs_message_id": record.MessageId}
		err := handle(ctx, []byte(record.Body), receiveCount(record))
		switch {
		case err == nil:
		case taskqueue.IsPermanent(err):
			fields["error"] = err.Error()
			telemetry.Error("worker.task_unrecoverable", fields)
			metrics.IncTasksDeletedUnrecoverable()
		default:
			fields["error"] = err.Error()
			telemetry.Warn("worker.task_redeliver", fields)
			metrics.IncTasksRedelivered()
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}

func receiveCount(record events.SQSMessage) int {
	n, err := strconv.Atoi(record.Attributes["ApproximateReceiveCount"])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func main() {
	lambda.Start(handler)
}
