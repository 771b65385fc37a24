// replay-lambda - runs a single paced replay execution per Lambda invocation
package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/awsclient"
	"github.com/chronos/ebreplay/internal/config"
	"github.com/chronos/ebreplay/internal/metrics"
	"github.com/chronos/ebreplay/internal/orchestrator"
	"github.com/chronos/ebreplay/internal/pacing"
	"github.com/chronos/ebreplay/internal/publisher"
	"github.com/chronos/ebreplay/internal/sink"
	"github.com/chronos/ebreplay/internal/storage"
	"github.com/chronos/ebreplay/internal/trigger"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// EBREPLAY_* variables override the optional file named by EBREPLAY_CONFIG.
	cfg, err := config.Load(os.Getenv("EBREPLAY_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && cfg.Logging.Level != "" {
		zerolog.SetGlobalLevel(level)
	}

	h, err := newHandler(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize handler")
	}

	lambda.Start(h.Handle)
}

func newHandler(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*handler, error) {
	clients, err := awsclient.New(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	calc, err := pacing.New(cfg.Pacing.Options())
	if err != nil {
		return nil, err
	}

	m := metrics.New(prometheus.NewRegistry())

	var out sink.Sink = sink.NewLog(logger)
	if cfg.Sink.Type == config.SinkCloudWatch {
		out = sink.NewCloudWatch(clients.CloudWatchLogs, cfg.Sink.LogGroup, cfg.Sink.LogStream, nil)
	}
	var deadLetter sink.DeadLetter
	if cfg.Sink.DeadLetterURL != "" {
		deadLetter = sink.NewSQSDeadLetter(clients.SQS, cfg.Sink.DeadLetterURL)
	}
	if cfg.Sink.Type != config.SinkNone {
		out = sink.NewForwarder(out, deadLetter, m, logger)
	} else {
		out = sink.Discard{}
	}

	store := storage.NewMemoryStore()
	orch := orchestrator.New(store, calc,
		publisher.NewEventBridge(clients.EventBridge, logger), logger,
		&orchestrator.Config{
			Bus:              cfg.Publisher.Bus,
			NodeID:           os.Getenv("AWS_LAMBDA_LOG_STREAM_NAME"),
			PublishTimeout:   cfg.Orchestrator.PublishTimeout.Duration(),
			SinkTimeout:      cfg.Orchestrator.SinkTimeout.Duration(),
			SubscriberBuffer: cfg.Orchestrator.SubscriberBuffer,
		},
		orchestrator.WithSink(out),
		orchestrator.WithMetrics(m),
	)

	filter := trigger.Filter{AllowedSources: cfg.Trigger.AllowedSources}
	return &handler{
		orch:   orch,
		store:  store,
		intake: trigger.NewIntake("lambda", filter, orch, m, logger),
		logger: logger.With().Str("component", "lambda").Logger(),
	}, nil
}
