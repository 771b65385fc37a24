package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/chronos/ebreplay/pkg/clock"
)

// CloudWatchLogsAPI is the subset of the CloudWatch Logs client used by the sink.
type CloudWatchLogsAPI interface {
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatch writes records as JSON log events to a single log stream.
type CloudWatch struct {
	client CloudWatchLogsAPI
	group  string
	stream string
	clock  clock.Clock

	mu      sync.Mutex
	created bool
}

// NewCloudWatch creates a CloudWatch Logs sink. The stream is created on first use.
func NewCloudWatch(client CloudWatchLogsAPI, group, stream string, c clock.Clock) *CloudWatch {
	if c == nil {
		c = clock.New()
	}
	return &CloudWatch{client: client, group: group, stream: stream, clock: c}
}

// Emit implements Sink.
func (s *CloudWatch) Emit(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStream(ctx); err != nil {
		return err
	}

	_, err = s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
		LogEvents: []types.InputLogEvent{{
			Message:   aws.String(string(body)),
			Timestamp: aws.Int64(s.clock.Now().UnixMilli()),
		}},
	})
	if err != nil {
		return fmt.Errorf("put log events: %w", err)
	}
	return nil
}

// ensureStream must be called with mu held.
func (s *CloudWatch) ensureStream(ctx context.Context) error {
	if s.created {
		return nil
	}
	_, err := s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
	})
	var exists *types.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("create log stream: %w", err)
	}
	s.created = true
	return nil
}
