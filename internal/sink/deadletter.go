package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/chronos/ebreplay/internal/metrics"
)

// DeadLetter receives records the primary sink could not deliver.
type DeadLetter interface {
	Send(ctx context.Context, rec Record, cause error) error
}

// SendMessageAPI is the subset of the SQS client used for dead letters.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSDeadLetter sends undeliverable records to an SQS queue.
type SQSDeadLetter struct {
	client   SendMessageAPI
	queueURL string
}

// NewSQSDeadLetter creates a dead-letter destination for queueURL.
func NewSQSDeadLetter(client SendMessageAPI, queueURL string) *SQSDeadLetter {
	return &SQSDeadLetter{client: client, queueURL: queueURL}
}

// Send implements DeadLetter. The delivery error travels as a message attribute.
func (d *SQSDeadLetter) Send(ctx context.Context, rec Record, cause error) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if cause != nil {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"error": {DataType: aws.String("String"), StringValue: aws.String(cause.Error())},
		}
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send dead letter: %w", err)
	}
	return nil
}

// Forwarder delivers records to a primary sink and falls back to a dead-letter
// destination when the primary fails.
type Forwarder struct {
	primary    Sink
	deadLetter DeadLetter
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewForwarder creates a Forwarder. deadLetter may be nil.
func NewForwarder(primary Sink, deadLetter DeadLetter, m *metrics.Metrics, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		primary:    primary,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger.With().Str("component", "sink").Logger(),
	}
}

// Emit implements Sink. It returns nil if the record reached either destination.
func (f *Forwarder) Emit(ctx context.Context, rec Record) error {
	err := f.primary.Emit(ctx, rec)
	f.metrics.RecordSink("primary", err)
	if err == nil {
		return nil
	}
	if f.deadLetter == nil {
		return err
	}

	dlErr := f.deadLetter.Send(ctx, rec, err)
	f.metrics.RecordSink("dead_letter", dlErr)
	if dlErr != nil {
		return multierr.Append(err, dlErr)
	}

	f.logger.Warn().
		Err(err).
		Str("execution_id", rec.Message.ExecutionID).
		Msg("Primary sink failed, record sent to dead letter queue")
	return nil
}
