// Package sqs implements the Amazon SQS INFO queue driver.
//
// Messages are received with long polling and acknowledged by deletion only
// after the handler succeeds; failed messages reappear after the queue's
// visibility timeout.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/fairyhunter13/datamart-replicator/internal/domain"
	"github.com/fairyhunter13/datamart-replicator/internal/observability"
)

const driverName = "sqs"

// Defaults for the retry policy.
const (
	DefaultMaxRetries = 10
	DefaultRetryWait  = 5 * time.Second

	receiveBatch    = 10
	longPollSeconds = 20
)

// API is the subset of the SQS client the consumer uses, extracted for
// testing.
type API interface {
	ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// Options configures the consumer.
type Options struct {
	// URL is the queue URL. Required.
	URL string
	// MaxRetries bounds consecutive receive failures before the consumer
	// aborts. Defaults to DefaultMaxRetries.
	MaxRetries int
	// RetryWait is the pause between retried receives. Defaults to
	// DefaultRetryWait.
	RetryWait time.Duration
	// VisibilityTimeoutSeconds overrides the queue's visibility timeout per
	// receive when positive.
	VisibilityTimeoutSeconds int
}

func (o *Options) normalize() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryWait <= 0 {
		o.RetryWait = DefaultRetryWait
	}
}

// Consumer drains an SQS queue and satisfies domain.MessageConsumer.
type Consumer struct {
	client API
	opts   Options

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Consumer using the ambient AWS configuration (environment
// credentials, region, profile).
func New(ctx context.Context, opts Options) (*Consumer, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("op=sqs.new: queue url required: %w", domain.ErrInvalidArgument)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=sqs.new: %w", err)
	}
	return NewWithClient(awssqs.NewFromConfig(awsCfg), opts)
}

// NewWithClient constructs a Consumer over a prebuilt client. Used by tests.
func NewWithClient(client API, opts Options) (*Consumer, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("op=sqs.new: queue url required: %w", domain.ErrInvalidArgument)
	}
	opts.normalize()
	return &Consumer{
		client: client,
		opts:   opts,
		stopCh: make(chan struct{}),
	}, nil
}

// Consume long-polls the queue and hands each message body to handler. A
// message is deleted only after the handler returns nil. Consecutive receive
// failures beyond MaxRetries abort the loop with an error; operators restart
// the process.
func (c *Consumer) Consume(ctx context.Context, handler domain.MessageHandler) error {
	slog.Info("sqs consumer started",
		slog.String("url", c.opts.URL),
		slog.Int("max_retries", c.opts.MaxRetries),
		slog.Duration("retry_wait", c.opts.RetryWait))

	retries := 0
	for {
		if c.stopped(ctx) {
			return nil
		}

		in := &awssqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.opts.URL),
			MaxNumberOfMessages: receiveBatch,
			WaitTimeSeconds:     longPollSeconds,
		}
		if c.opts.VisibilityTimeoutSeconds > 0 {
			in.VisibilityTimeout = int32(c.opts.VisibilityTimeoutSeconds)
		}

		out, err := c.client.ReceiveMessage(ctx, in)
		if err != nil {
			if c.stopped(ctx) {
				return nil
			}
			retries++
			observability.QueueReceiveRetries.WithLabelValues(driverName).Inc()
			if retries > c.opts.MaxRetries {
				return fmt.Errorf("op=sqs.consume: receive failed %d times: %w", retries, err)
			}
			slog.Warn("sqs receive failed; retrying",
				slog.Int("attempt", retries),
				slog.Int("max_retries", c.opts.MaxRetries),
				slog.Any("error", err))
			if !c.sleep(ctx, c.opts.RetryWait) {
				return nil
			}
			continue
		}
		retries = 0

		for _, msg := range out.Messages {
			if c.stopped(ctx) {
				return nil
			}
			if msg.Body == nil {
				continue
			}
			if err := handler(ctx, json.RawMessage(*msg.Body)); err != nil {
				// No delete: the message reappears after the visibility
				// timeout.
				observability.QueueMessagesFailed.WithLabelValues(driverName).Inc()
				slog.Warn("message handling failed; left for redelivery",
					slog.Any("error", err))
				continue
			}
			if _, err := c.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.opts.URL),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil {
				slog.Warn("sqs delete failed; message may redeliver", slog.Any("error", err))
				continue
			}
			observability.QueueMessagesConsumed.WithLabelValues(driverName).Inc()
		}
	}
}

// Destroy stops the consumer. Idempotent; the consume loop exits
// cooperatively on its next iteration.
func (c *Consumer) Destroy() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Consumer) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
