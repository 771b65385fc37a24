package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/models"
	"github.com/chronos/ebreplay/pkg/clock"
)

type mockSQS struct {
	mu         sync.Mutex
	batches    [][]types.Message
	receiveErr error
	receives   int
	deleted    []string
	lastInput  *sqs.ReceiveMessageInput
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receives++
	m.lastInput = params
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	if len(m.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) receiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receives
}

func message(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"traceparent": {
				DataType:    aws.String("String"),
				StringValue: aws.String("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"),
			},
		},
	}
}

func newConsumer(client SQSAPI, sub Submitter, c clock.Clock) *SQSConsumer {
	intake := NewIntake("sqs", Filter{AllowedSources: DefaultAllowedSources}, sub, nil, zerolog.Nop())
	return NewSQSConsumer(client, intake, ConsumerConfig{QueueURL: "https://sqs.eu-west-1.amazonaws.com/123/replay"}, c, zerolog.Nop())
}

func TestSQSConsumer_Poll(t *testing.T) {
	client := &mockSQS{batches: [][]types.Message{{
		message("ok", stateMachineInput),
		message("live", `{"source": "eb-test-app", "detail-type": "x", "detail": {}}`),
		message("garbage", `not json`),
	}}}
	sub := &stubSubmitter{}
	c := newConsumer(client, sub, clock.NewMock(time.Now()))

	settled, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if settled != 3 {
		t.Errorf("expected 3 settled messages, got %d", settled)
	}
	if len(client.deleted) != 3 {
		t.Errorf("expected all messages deleted, got %v", client.deleted)
	}
	if sub.count() != 1 {
		t.Errorf("expected 1 submission, got %d", sub.count())
	}

	in := client.lastInput
	if in.MaxNumberOfMessages != 10 || in.WaitTimeSeconds != 20 {
		t.Errorf("expected long polling defaults, got max=%d wait=%d", in.MaxNumberOfMessages, in.WaitTimeSeconds)
	}
	if aws.ToString(in.QueueUrl) != "https://sqs.eu-west-1.amazonaws.com/123/replay" {
		t.Errorf("unexpected queue url %q", aws.ToString(in.QueueUrl))
	}
}

func TestSQSConsumer_DuplicateIsDeleted(t *testing.T) {
	client := &mockSQS{batches: [][]types.Message{{message("dup", stateMachineInput)}}}
	sub := &stubSubmitter{err: models.ErrExecutionExists}
	c := newConsumer(client, sub, clock.NewMock(time.Now()))

	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(client.deleted) != 1 {
		t.Errorf("expected duplicate to be deleted, got %v", client.deleted)
	}
}

func TestSQSConsumer_TransientErrorLeavesMessage(t *testing.T) {
	client := &mockSQS{batches: [][]types.Message{{message("busy", stateMachineInput)}}}
	sub := &stubSubmitter{err: models.ErrShuttingDown}
	c := newConsumer(client, sub, clock.NewMock(time.Now()))

	settled, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if settled != 0 || len(client.deleted) != 0 {
		t.Errorf("expected message to stay on the queue, settled=%d deleted=%v", settled, client.deleted)
	}
}

func TestSQSConsumer_RunBacksOffOnError(t *testing.T) {
	client := &mockSQS{receiveErr: errors.New("throttled")}
	mock := clock.NewMock(time.Now())
	c := newConsumer(client, &stubSubmitter{}, mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	mock.BlockUntil(1)
	if got := client.receiveCount(); got != 1 {
		t.Errorf("expected 1 receive before backoff, got %d", got)
	}

	mock.Add(5 * time.Second)
	mock.BlockUntil(1)
	if got := client.receiveCount(); got != 2 {
		t.Errorf("expected a second receive after backoff, got %d", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run should return nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestAttributeCarrier(t *testing.T) {
	carrier := attributeCarrier(map[string]types.MessageAttributeValue{
		"traceparent": {StringValue: aws.String("tp")},
		"binary":      {BinaryValue: []byte{1}},
	})
	if carrier.Get("traceparent") != "tp" {
		t.Errorf("expected traceparent to be copied, got %q", carrier.Get("traceparent"))
	}
	if len(carrier) != 1 {
		t.Errorf("expected binary attributes to be skipped, got %v", carrier)
	}
}
