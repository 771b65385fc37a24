// Package archive drives provider-side replays of an EventBridge archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/pkg/clock"
)

// Replay errors.
var (
	ErrReplayFailed    = errors.New("replay failed")
	ErrReplayCancelled = errors.New("replay cancelled")
)

// EventBridgeAPI is the subset of the EventBridge client used to run replays.
type EventBridgeAPI interface {
	PutTargets(ctx context.Context, params *eventbridge.PutTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error)
	StartReplay(ctx context.Context, params *eventbridge.StartReplayInput, optFns ...func(*eventbridge.Options)) (*eventbridge.StartReplayOutput, error)
	DescribeReplay(ctx context.Context, params *eventbridge.DescribeReplayInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DescribeReplayOutput, error)
}

// Config describes the bus, archive and rule a replay runs against.
type Config struct {
	EventBusARN  string        `yaml:"event_bus_arn" env:"EVENT_BUS_ARN"`
	ArchiveARN   string        `yaml:"archive_arn" env:"ARCHIVE_ARN"`
	RuleName     string        `yaml:"rule_name" env:"RULE_NAME"`
	RuleRoleARN  string        `yaml:"rule_role_arn" env:"RULE_ROLE_ARN"`
	TargetARN    string        `yaml:"target_arn" env:"TARGET_ARN"`
	TargetID     string        `yaml:"target_id" env:"TARGET_ID"`
	Window       time.Duration `yaml:"window" env:"WINDOW"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// DefaultConfig returns the replay defaults: the last hour, polled every 5s.
func DefaultConfig() Config {
	return Config{
		TargetID:     "rule",
		Window:       time.Hour,
		PollInterval: 5 * time.Second,
	}
}

// Validate checks that the ARNs a replay needs are set.
func (c Config) Validate() error {
	var missing []string
	if c.EventBusARN == "" {
		missing = append(missing, "event_bus_arn")
	}
	if c.ArchiveARN == "" {
		missing = append(missing, "archive_arn")
	}
	if c.RuleName == "" {
		missing = append(missing, "rule_name")
	}
	if c.TargetARN == "" {
		missing = append(missing, "target_arn")
	}
	if len(missing) > 0 {
		return fmt.Errorf("archive: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Replay describes a started replay.
type Replay struct {
	Name        string            `json:"name"`
	ARN         string            `json:"arn"`
	State       types.ReplayState `json:"state"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
}

var stampReplacer = strings.NewReplacer(" ", "-", ":", ".")

// ReplayName derives a replay name from t, e.g. "May--1-11.00.00" for May 1st.
func ReplayName(t time.Time) string {
	return stampReplacer.Replace(t.Format(time.Stamp))
}

// InputTemplate is the rule input template handing each replayed event to the
// trigger intake together with the replay window.
func InputTemplate(start, end time.Time) string {
	return fmt.Sprintf(`{"originalEvent": <originalEvent>, "startTime": "%s", "endTime": "%s"}`,
		start.Format(time.RFC3339), end.Format(time.RFC3339))
}

// Replayer starts archive replays and follows them to completion.
type Replayer struct {
	client EventBridgeAPI
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger
}

// NewReplayer creates a Replayer. Zero window and poll interval take defaults.
func NewReplayer(client EventBridgeAPI, cfg Config, c clock.Clock, logger zerolog.Logger) *Replayer {
	defaults := DefaultConfig()
	if cfg.TargetID == "" {
		cfg.TargetID = defaults.TargetID
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if c == nil {
		c = clock.New()
	}
	return &Replayer{
		client: client,
		cfg:    cfg,
		clock:  c,
		logger: logger.With().Str("component", "replayer").Logger(),
	}
}

// Run points the replay rule at the target, starts a replay over the configured
// window ending now, and waits for it to finish.
func (r *Replayer) Run(ctx context.Context) (*Replay, error) {
	end := r.clock.Now().UTC()
	start := end.Add(-r.cfg.Window)

	if err := r.UpsertRuleTarget(ctx, start, end); err != nil {
		return nil, err
	}
	replay, err := r.Start(ctx, ReplayName(end), start, end)
	if err != nil {
		return nil, err
	}
	state, err := r.WaitForCompletion(ctx, replay.Name)
	replay.State = state
	return replay, err
}

// UpsertRuleTarget sets the replay rule's single target, wrapping every event
// with the window bounds. The rule itself matches on replay-name and is not
// managed here. Rule changes can take a short while to apply.
func (r *Replayer) UpsertRuleTarget(ctx context.Context, start, end time.Time) error {
	r.logger.Info().Str("rule", r.cfg.RuleName).Msg("Upserting replay rule target")

	target := types.Target{
		Id:  aws.String(r.cfg.TargetID),
		Arn: aws.String(r.cfg.TargetARN),
		InputTransformer: &types.InputTransformer{
			InputTemplate: aws.String(InputTemplate(start, end)),
			InputPathsMap: map[string]string{"originalEvent": "$"},
		},
		RetryPolicy: &types.RetryPolicy{MaximumRetryAttempts: aws.Int32(0)},
	}
	if r.cfg.RuleRoleARN != "" {
		target.RoleArn = aws.String(r.cfg.RuleRoleARN)
	}

	out, err := r.client.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule:         aws.String(r.cfg.RuleName),
		EventBusName: aws.String(r.cfg.EventBusARN),
		Targets:      []types.Target{target},
	})
	if err != nil {
		return fmt.Errorf("put targets: %w", err)
	}
	if out.FailedEntryCount > 0 {
		var reasons []string
		for _, e := range out.FailedEntries {
			reasons = append(reasons, fmt.Sprintf("%s: %s", aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage)))
		}
		return fmt.Errorf("put targets: %d failed: %s", out.FailedEntryCount, strings.Join(reasons, "; "))
	}
	return nil
}

// Start starts a replay of the archive over [start, end] into the bus.
func (r *Replayer) Start(ctx context.Context, name string, start, end time.Time) (*Replay, error) {
	out, err := r.client.StartReplay(ctx, &eventbridge.StartReplayInput{
		ReplayName:     aws.String(name),
		EventSourceArn: aws.String(r.cfg.ArchiveARN),
		EventStartTime: aws.Time(start),
		EventEndTime:   aws.Time(end),
		Destination:    &types.ReplayDestination{Arn: aws.String(r.cfg.EventBusARN)},
	})
	if err != nil {
		return nil, fmt.Errorf("start replay: %w", err)
	}

	replay := &Replay{
		Name:        name,
		ARN:         aws.ToString(out.ReplayArn),
		State:       out.State,
		WindowStart: start,
		WindowEnd:   end,
	}
	if out.State == types.ReplayStateCancelled {
		return replay, fmt.Errorf("%w: %s", ErrReplayCancelled, replay.ARN)
	}

	r.logger.Info().
		Str("replay_name", name).
		Time("window_start", start).
		Time("window_end", end).
		Msg("Replay started")
	return replay, nil
}

// WaitForCompletion polls the replay until it completes, fails or is cancelled.
func (r *Replayer) WaitForCompletion(ctx context.Context, name string) (types.ReplayState, error) {
	for {
		out, err := r.client.DescribeReplay(ctx, &eventbridge.DescribeReplayInput{
			ReplayName: aws.String(name),
		})
		if err != nil {
			return "", fmt.Errorf("describe replay: %w", err)
		}

		r.logger.Debug().Str("replay_name", name).Str("state", string(out.State)).Msg("Replay status")

		switch out.State {
		case types.ReplayStateCompleted:
			r.logger.Info().Str("replay_name", name).Msg("Replay completed")
			return out.State, nil
		case types.ReplayStateFailed:
			return out.State, fmt.Errorf("%w: %s: %s", ErrReplayFailed, name, aws.ToString(out.StateReason))
		case types.ReplayStateCancelled:
			return out.State, fmt.Errorf("%w: %s: %s", ErrReplayCancelled, name, aws.ToString(out.StateReason))
		}

		select {
		case <-r.clock.After(r.cfg.PollInterval):
		case <-ctx.Done():
			return out.State, ctx.Err()
		}
	}
}
