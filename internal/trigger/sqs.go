package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/tracing"
	"github.com/chronos/ebreplay/pkg/clock"
)

// SQSAPI is the subset of the SQS client used by the consumer.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// ConsumerConfig configures an SQSConsumer.
type ConsumerConfig struct {
	QueueURL          string
	MaxMessages       int32
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	ErrorBackoff      time.Duration
}

// DefaultConsumerConfig returns long-polling defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MaxMessages:  10,
		WaitTime:     20 * time.Second,
		ErrorBackoff: 5 * time.Second,
	}
}

// SQSConsumer long-polls the queue the replay rule targets and hands every
// message to an Intake.
type SQSConsumer struct {
	client SQSAPI
	intake *Intake
	cfg    ConsumerConfig
	clock  clock.Clock
	logger zerolog.Logger
}

// NewSQSConsumer creates a consumer. Zero config fields take their defaults.
func NewSQSConsumer(client SQSAPI, intake *Intake, cfg ConsumerConfig, c clock.Clock, logger zerolog.Logger) *SQSConsumer {
	defaults := DefaultConsumerConfig()
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = defaults.MaxMessages
	}
	if cfg.WaitTime < 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = defaults.WaitTime
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaults.ErrorBackoff
	}
	if c == nil {
		c = clock.New()
	}
	return &SQSConsumer{
		client: client,
		intake: intake,
		cfg:    cfg,
		clock:  c,
		logger: logger.With().Str("component", "sqs-consumer").Str("queue", cfg.QueueURL).Logger(),
	}
}

// Run polls until ctx is done. Receive errors are logged and retried after
// the configured backoff.
func (c *SQSConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("SQS consumer started")
	defer c.logger.Info().Msg("SQS consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Dur("backoff", c.cfg.ErrorBackoff).Msg("Failed to receive messages")
			select {
			case <-c.clock.After(c.cfg.ErrorBackoff):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Poll runs one receive cycle and returns how many messages were settled.
func (c *SQSConsumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages:   c.cfg.MaxMessages,
		WaitTimeSeconds:       int32(c.cfg.WaitTime / time.Second),
		VisibilityTimeout:     int32(c.cfg.VisibilityTimeout / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, msg := range out.Messages {
		ok, err := c.handle(ctx, msg)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			settled++
		}
	}
	return settled, errors.Join(errs...)
}

// handle submits one message and deletes it unless it should be redelivered.
func (c *SQSConsumer) handle(ctx context.Context, msg types.Message) (bool, error) {
	logger := c.logger.With().Str("message_id", aws.ToString(msg.MessageId)).Logger()

	ctx = tracing.ExtractTraceContext(ctx, attributeCarrier(msg.MessageAttributes))
	exec, err := c.intake.Handle(ctx, []byte(aws.ToString(msg.Body)))
	if !Settled(err) {
		// Left on the queue; it becomes visible again after the visibility timeout.
		logger.Warn().Err(err).Msg("Message left for redelivery")
		return false, nil
	}

	switch Classify(err) {
	case ResultAccepted:
		logger.Debug().Str("execution_id", exec.ID).Msg("Message accepted")
	case ResultDuplicate:
		logger.Debug().Msg("Message duplicates a running execution")
	default:
		logger.Warn().Err(err).Msg("Discarding message")
	}

	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to delete message")
		return false, err
	}
	return true, nil
}

func attributeCarrier(attrs map[string]types.MessageAttributeValue) tracing.MapCarrier {
	carrier := make(tracing.MapCarrier, len(attrs))
	for k, v := range attrs {
		if v.StringValue != nil {
			carrier[k] = *v.StringValue
		}
	}
	return carrier
}
