package taskqueue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"compliance-backend/internal/shared/telemetry"
)

const (
	sqsMaxDelay       = 15 * time.Minute
	sqsPauseKey       = "sqs"
	sqsSingleQueueKey = "default"

	attrPriority   = "priority"
	attrMaxRetries = "maxRetries"
)

// sqsAPI is the subset of the SQS client used here.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSConfig names the queues. QueueURLs holds one queue per priority; when it
// is empty, QueueURL is used for every priority and priority degrades to the
// legacy delivery delay.
type SQSConfig struct {
	Region    string
	QueueURLs map[Priority]string
	QueueURL  string
}

// SQSClient sends queue messages to AWS SQS.
type SQSClient struct {
	api    sqsAPI
	urls   map[Priority]string
	single bool
	pause  PauseStore
}

// NewSQSClient constructs an SQS-backed queue client.
func NewSQSClient(ctx context.Context, cfg SQSConfig, pause PauseStore) (*SQSClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSQSClient(sqs.NewFromConfig(awsCfg), cfg, pause)
}

func newSQSClient(api sqsAPI, cfg SQSConfig, pause PauseStore) (*SQSClient, error) {
	urls := make(map[Priority]string, len(Priorities))
	for _, p := range Priorities {
		if u := strings.TrimSpace(cfg.QueueURLs[p]); u != "" {
			urls[p] = u
		}
	}
	single := false
	switch {
	case len(urls) == len(Priorities):
	case len(urls) == 0 && strings.TrimSpace(cfg.QueueURL) != "":
		single = true
		for _, p := range Priorities {
			urls[p] = strings.TrimSpace(cfg.QueueURL)
		}
		telemetry.Warn("queue.priority_approximate", map[string]any{
			"reason": "single SQS queue configured; priority is mapped to delivery delay",
		})
	case len(urls) == 0:
		return nil, fmt.Errorf("SQS_QUEUE_URL or SQS_QUEUE_URL_HIGH|NORMAL|LOW is required")
	default:
		return nil, fmt.Errorf("all of SQS_QUEUE_URL_HIGH|NORMAL|LOW are required when any is set")
	}
	if pause == nil {
		pause = NewMemoryPauseState()
	}
	return &SQSClient{api: api, urls: urls, single: single, pause: pause}, nil
}

func (s *SQSClient) queueKey(p Priority) string {
	if s.single {
		return sqsSingleQueueKey
	}
	return string(p)
}

// Enqueue delivers a message to the queue for its priority.
func (s *SQSClient) Enqueue(ctx context.Context, msg Message, opts EnqueueOptions) (Handle, error) {
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if !msg.Priority.Valid() {
		return Handle{}, Permanent(fmt.Errorf("unknown priority %q", msg.Priority))
	}
	payload, err := EncodeMessage(msg)
	if err != nil {
		return Handle{}, Permanent(fmt.Errorf("encode sqs message: %w", err))
	}

	delay := opts.Delay
	if s.single {
		delay += msg.Priority.LegacyDelay()
	}
	if delay > sqsMaxDelay {
		delay = sqsMaxDelay
	}

	out, err := s.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(s.urls[msg.Priority]),
		MessageBody:  aws.String(string(payload)),
		DelaySeconds: int32(delay / time.Second),
		MessageAttributes: map[string]types.MessageAttributeValue{
			attrPriority: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Priority)),
			},
			attrMaxRetries: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(opts.maxRetries())),
			},
		},
	})
	if err != nil {
		return Handle{}, fmt.Errorf("sqs send message: %w", err)
	}
	return Handle{Queue: s.queueKey(msg.Priority), ID: aws.ToString(out.MessageId)}, nil
}

// Cancel always fails: SQS can only delete a message through the receipt
// handle of a receive, so the job status check in the worker is what stops it.
func (s *SQSClient) Cancel(context.Context, Handle) error {
	return ErrNotSupported
}

// Pause stops the consumers from pulling. Sends still succeed.
func (s *SQSClient) Pause(ctx context.Context) error {
	return s.pause.SetPaused(ctx, sqsPauseKey, true)
}

// Resume lets consumers pull again.
func (s *SQSClient) Resume(ctx context.Context) error {
	return s.pause.SetPaused(ctx, sqsPauseKey, false)
}

// Paused reports the shared pause flag.
func (s *SQSClient) Paused(ctx context.Context) (bool, error) {
	return s.pause.IsPaused(ctx, sqsPauseKey)
}

// ListPending is not available: SQS does not allow browsing without receiving.
func (s *SQSClient) ListPending(context.Context, int) ([]PendingTask, error) {
	return nil, ErrNotSupported
}

// Stats reads approximate depth from the queue attributes.
func (s *SQSClient) Stats(ctx context.Context) (Stats, error) {
	paused, err := s.Paused(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Backend: "sqs", Paused: paused, ByPriority: make(map[Priority]int, len(Priorities))}
	seen := make(map[string]bool, len(s.urls))
	for _, p := range Priorities {
		url := s.urls[p]
		if seen[url] {
			continue
		}
		seen[url] = true
		out, err := s.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl: aws.String(url),
			AttributeNames: []types.QueueAttributeName{
				types.QueueAttributeNameApproximateNumberOfMessages,
				types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
				types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			},
		})
		if err != nil {
			return Stats{}, fmt.Errorf("sqs queue attributes: %w", err)
		}
		visible := attrInt(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessages)
		delayed := attrInt(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessagesDelayed)
		st.Pending += visible
		st.Delayed += delayed
		st.InFlight += attrInt(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)
		if !s.single {
			st.ByPriority[p] = visible + delayed
		}
	}
	return st, nil
}

func attrInt(attrs map[string]string, name types.QueueAttributeName) int {
	n, err := strconv.Atoi(attrs[string(name)])
	if err != nil {
		return 0
	}
	return n
}

var _ Client = (*SQSClient)(nil)
