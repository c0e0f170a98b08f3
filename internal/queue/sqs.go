package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clip-pipeline/internal/metrics"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 1
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 900 // 15 minutes
	RetryBackoffPeriod   = 5 * time.Second
)

var tracer = otel.Tracer("clip-pipeline/queue")

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue publishes tasks to an SQS queue.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
	log      *slog.Logger
}

// NewSQSQueue creates an SQSQueue.
func NewSQSQueue(client SQSAPI, queueURL string, log *slog.Logger) *SQSQueue {
	if log == nil {
		log = slog.Default()
	}
	return &SQSQueue{client: client, queueURL: queueURL, log: log}
}

// Dispatch implements Dispatcher.
func (q *SQSQueue) Dispatch(ctx context.Context, t Task) error {
	ctx, span := tracer.Start(ctx, "sqs-send")
	defer span.End()

	if err := t.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.log.InfoContext(ctx, "Task queued",
		"jobId", t.JobID,
		"videoId", t.VideoID,
		"messageId", aws.ToString(out.MessageId),
	)
	return nil
}

// Consumer polls an SQS queue and runs each task through a Handler.
type Consumer struct {
	client        SQSAPI
	queueURL      string
	handler       Handler
	maxConcurrent int
	log           *slog.Logger
	retryWait     time.Duration
}

// NewConsumer creates a Consumer running at most maxConcurrent tasks at once.
func NewConsumer(client SQSAPI, queueURL string, maxConcurrent int, handler Handler, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Consumer{
		client:        client,
		queueURL:      queueURL,
		handler:       handler,
		maxConcurrent: maxConcurrent,
		log:           log,
		retryWait:     RetryBackoffPeriod,
	}
}

// Run polls until ctx is cancelled, then waits for in-flight tasks.
// Messages are deleted only after their task succeeds.
func (c *Consumer) Run(ctx context.Context) {
	c.log.InfoContext(ctx, "Starting queue polling",
		"queueURL", c.queueURL,
		"maxConcurrent", c.maxConcurrent,
	)

	sem := make(chan struct{}, c.maxConcurrent)
	var wg sync.WaitGroup

	defer func() {
		c.log.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
		wg.Wait()
		c.log.InfoContext(ctx, "All jobs completed, shutting down")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: SQSMaxMessages,
			WaitTimeSeconds:     SQSWaitTimeSeconds,
			VisibilityTimeout:   SQSVisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.ErrorContext(ctx, "Failed to receive messages", "error", err)
			select {
			case <-time.After(c.retryWait):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, msg := range result.Messages {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				c.log.InfoContext(ctx, "Context cancelled, stopping message processing")
				return
			}

			wg.Add(1)
			go func(msg types.Message) {
				defer wg.Done()
				defer func() { <-sem }()

				// in-flight tasks finish after shutdown starts
				taskCtx := context.WithoutCancel(ctx)
				if err := c.handle(taskCtx, msg); err != nil {
					c.log.ErrorContext(taskCtx, "Failed to process message",
						"error", err,
						"messageId", aws.ToString(msg.MessageId),
					)
					return
				}
				if _, err := c.client.DeleteMessage(taskCtx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(c.queueURL),
					ReceiptHandle: msg.ReceiptHandle,
				}); err != nil {
					c.log.ErrorContext(taskCtx, "Failed to delete message", "error", err)
				}
			}(msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) error {
	ctx, span := tracer.Start(ctx, "process-message")
	defer span.End()

	if msg.Body == nil {
		return fmt.Errorf("%w: empty message body", models.ErrJobParseFailed)
	}
	task, err := Decode([]byte(*msg.Body))
	if err != nil {
		metrics.JobsProcessed.WithLabelValues("rejected").Inc()
		return err
	}

	span.SetAttributes(
		attribute.String("job.id", task.JobID),
		attribute.String("video.id", task.VideoID),
	)
	return c.handler(ctx, task)
}
