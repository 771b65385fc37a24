package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/metrics"
	"github.com/chronos/ebreplay/internal/models"
	"github.com/chronos/ebreplay/pkg/clock"
)

var eventTime = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func testRecord() Record {
	exec := models.NewExecution("exec-1", models.ReplayContext{
		Event: models.ArchivedEvent{
			Source:     "eb-test-app",
			DetailType: "test-event",
			Detail:     json.RawMessage(`{"id": "2024-05-01T09:30:00.5Z"}`),
			Time:       eventTime,
		},
		ReplayName: "May--1-10.00.00",
	}, eventTime)
	exec.Outcome = models.OutcomeFailed
	exec.Result = &models.PublishResult{FailedEntryCount: 1, TotalEntryCount: 1}
	return NewRecord(exec)
}

func TestNewRecord(t *testing.T) {
	rec := testRecord()

	if rec.Message.ID != "2024-05-01T09:30:00.5Z" {
		t.Errorf("expected detail.id as correlation id, got %q", rec.Message.ID)
	}
	if !rec.Timestamp.Equal(eventTime) {
		t.Errorf("expected event time as timestamp, got %v", rec.Timestamp)
	}
	if rec.Message.FailedEntryCount != 1 || rec.Message.Outcome != models.OutcomeFailed {
		t.Errorf("unexpected message %+v", rec.Message)
	}

	body, _ := json.Marshal(rec)
	if !strings.Contains(string(body), `"message":{"id":"2024-05-01T09:30:00.5Z"`) {
		t.Errorf("unexpected record shape %s", body)
	}
}

func TestCorrelationID(t *testing.T) {
	tests := []struct {
		detail string
		want   string
	}{
		{`{"id": "abc"}`, "abc"},
		{`{"id": 42}`, "42"},
		{`{"order": {"id": "x"}}`, ""},
		{``, ""},
	}

	for _, tt := range tests {
		if got := CorrelationID(json.RawMessage(tt.detail)); got != tt.want {
			t.Errorf("CorrelationID(%s) = %q, want %q", tt.detail, got, tt.want)
		}
	}
}

type mockLogs struct {
	createCalls int
	createErr   error
	putErr      error
	events      []cwtypes.InputLogEvent
}

func (m *mockLogs) CreateLogStream(context.Context, *cloudwatchlogs.CreateLogStreamInput, ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	m.createCalls++
	return &cloudwatchlogs.CreateLogStreamOutput{}, m.createErr
}

func (m *mockLogs) PutLogEvents(_ context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.events = append(m.events, in.LogEvents...)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func TestCloudWatch_Emit(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	logs := &mockLogs{createErr: &cwtypes.ResourceAlreadyExistsException{Message: aws.String("exists")}}
	s := NewCloudWatch(logs, "/ebreplay/outcomes", "replayd", clock.NewMock(now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Emit(ctx, testRecord()); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	if logs.createCalls != 1 {
		t.Errorf("expected the stream to be created once, got %d", logs.createCalls)
	}
	if len(logs.events) != 2 {
		t.Fatalf("expected 2 log events, got %d", len(logs.events))
	}
	if aws.ToInt64(logs.events[0].Timestamp) != now.UnixMilli() {
		t.Errorf("unexpected timestamp %d", aws.ToInt64(logs.events[0].Timestamp))
	}
	var decoded Record
	if err := json.Unmarshal([]byte(aws.ToString(logs.events[0].Message)), &decoded); err != nil {
		t.Fatalf("log message is not a record: %v", err)
	}
	if decoded.Message.ExecutionID != "exec-1" {
		t.Errorf("unexpected decoded record %+v", decoded)
	}
}

func TestCloudWatch_CreateStreamError(t *testing.T) {
	logs := &mockLogs{createErr: errors.New("access denied")}
	s := NewCloudWatch(logs, "group", "stream", nil)

	if err := s.Emit(context.Background(), testRecord()); err == nil {
		t.Fatal("expected error")
	}
	if len(logs.events) != 0 {
		t.Error("no events should be written without a stream")
	}
}

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, in)
	return &sqs.SendMessageOutput{}, m.err
}

type failingSink struct{ err error }

func (f failingSink) Emit(context.Context, Record) error { return f.err }

func TestForwarder_PrimarySuccess(t *testing.T) {
	q := &mockSQS{}
	f := NewForwarder(Discard{}, NewSQSDeadLetter(q, "https://sqs/dlq"), nil, zerolog.Nop())

	if err := f.Emit(context.Background(), testRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.inputs) != 0 {
		t.Error("dead letter must not be used when the primary succeeds")
	}
}

func TestForwarder_FallsBackToDeadLetter(t *testing.T) {
	q := &mockSQS{}
	m := metrics.New(prometheus.NewRegistry())
	f := NewForwarder(failingSink{errors.New("throttled")}, NewSQSDeadLetter(q, "https://sqs/dlq"), m, zerolog.Nop())

	if err := f.Emit(context.Background(), testRecord()); err != nil {
		t.Fatalf("expected dead letter to absorb the failure, got %v", err)
	}
	if len(q.inputs) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(q.inputs))
	}
	in := q.inputs[0]
	if aws.ToString(in.QueueUrl) != "https://sqs/dlq" {
		t.Errorf("unexpected queue %s", aws.ToString(in.QueueUrl))
	}
	if aws.ToString(in.MessageAttributes["error"].StringValue) != "throttled" {
		t.Errorf("expected cause attribute, got %+v", in.MessageAttributes)
	}
	if got := testutil.ToFloat64(m.SinkRecordsTotal.WithLabelValues("dead_letter", "ok")); got != 1 {
		t.Errorf("expected dead letter metric, got %v", got)
	}
}

func TestForwarder_BothFail(t *testing.T) {
	primaryErr := errors.New("throttled")
	dlErr := errors.New("queue missing")
	f := NewForwarder(failingSink{primaryErr}, NewSQSDeadLetter(&mockSQS{err: dlErr}, "q"), nil, zerolog.Nop())

	err := f.Emit(context.Background(), testRecord())
	if !errors.Is(err, primaryErr) || !errors.Is(err, dlErr) {
		t.Errorf("expected both errors to be reported, got %v", err)
	}
}

func TestForwarder_NoDeadLetter(t *testing.T) {
	primaryErr := errors.New("throttled")
	f := NewForwarder(failingSink{primaryErr}, nil, nil, zerolog.Nop())

	if err := f.Emit(context.Background(), testRecord()); !errors.Is(err, primaryErr) {
		t.Errorf("expected primary error, got %v", err)
	}
}

func TestMultiAndLog(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("boom")
	m := Multi{NewLog(zerolog.New(&buf)), failingSink{boom}}

	err := m.Emit(context.Background(), testRecord())
	if !errors.Is(err, boom) {
		t.Errorf("expected combined error, got %v", err)
	}
	if !strings.Contains(buf.String(), `"execution_id":"exec-1"`) {
		t.Errorf("expected log line with execution id, got %s", buf.String())
	}
}
