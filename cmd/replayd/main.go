// replayd - paced EventBridge archive replay server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/chronos/ebreplay/internal/api"
	"github.com/chronos/ebreplay/internal/awsclient"
	"github.com/chronos/ebreplay/internal/config"
	"github.com/chronos/ebreplay/internal/metrics"
	"github.com/chronos/ebreplay/internal/orchestrator"
	"github.com/chronos/ebreplay/internal/pacing"
	"github.com/chronos/ebreplay/internal/publisher"
	"github.com/chronos/ebreplay/internal/sink"
	"github.com/chronos/ebreplay/internal/storage"
	"github.com/chronos/ebreplay/internal/tracing"
	"github.com/chronos/ebreplay/internal/trigger"
	"github.com/chronos/ebreplay/pkg/clock"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults only when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("replayd %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := setupLogger(config.LoggingConfig{Level: "info", Format: "console"})
		boot.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("node_id", cfg.NodeID).
		Msg("Starting replayd")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("replayd failed")
	}
	logger.Info().Msg("replayd stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	clk := clock.New()

	tp, err := tracing.InitProvider(ctx, cfg.Tracing, Version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, tp.Shutdown(shutdownCtx))
	}()

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	calc, err := pacing.New(cfg.Pacing.Options())
	if err != nil {
		return err
	}

	clients, err := awsclient.New(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	pub := newPublisher(cfg.Publisher, clients, m, clk, logger)
	out := newSink(cfg.Sink, clients, m, clk, logger)

	orch := orchestrator.New(store, calc, pub, logger, &orchestrator.Config{
		Bus:              cfg.Publisher.Bus,
		NodeID:           cfg.NodeID,
		PublishTimeout:   cfg.Orchestrator.PublishTimeout.Duration(),
		SinkTimeout:      cfg.Orchestrator.SinkTimeout.Duration(),
		SubscriberBuffer: cfg.Orchestrator.SubscriberBuffer,
	},
		orchestrator.WithClock(clk),
		orchestrator.WithSink(out),
		orchestrator.WithMetrics(m),
	)

	if cfg.Orchestrator.ResumeOnStart {
		n, err := orch.Resume(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to resume executions")
		} else if n > 0 {
			logger.Info().Int("count", n).Msg("Resumed executions")
		}
	}

	filter := trigger.Filter{AllowedSources: cfg.Trigger.AllowedSources}

	limiter := api.NewRateLimiter(api.DefaultRateLimitConfig())
	if cfg.API.RateLimit.Enabled {
		limiter = limiter.WithEndpointLimits([]api.EndpointRateLimitConfig{
			api.SubmitEndpointLimit(cfg.API.RateLimit.RequestsPerSecond, cfg.API.RateLimit.Burst),
		})
	}
	defer limiter.Stop()

	routerCfg := api.RouterConfig{
		AuthConfig:  api.AuthConfig{Keys: cfg.API.Keys},
		RateLimiter: limiter,
		Metrics:     m,
		Gatherer:    reg,
	}
	if cfg.Metrics.Enabled {
		routerCfg.MetricsPath = cfg.Metrics.Path
	}
	handler := api.NewHandler(orch, trigger.NewIntake("api", filter, orch, m, logger), logger)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.NewRouterWithConfig(handler, logger, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("address", cfg.Server.Address).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Trigger.SQS.Enabled {
		consumer := trigger.NewSQSConsumer(clients.SQS,
			trigger.NewIntake("sqs", filter, orch, m, logger),
			cfg.Trigger.SQS.Consumer(), clk, logger)
		g.Go(func() error {
			logger.Info().Str("queue_url", cfg.Trigger.SQS.QueueURL).Msg("Starting SQS trigger consumer")
			return consumer.Run(gctx)
		})
	}

	if interval := cfg.Storage.PruneInterval.Duration(); interval > 0 && cfg.Storage.Retention > 0 {
		g.Go(func() error {
			pruneLoop(gctx, store, cfg.Storage.Retention.Duration(), interval, clk, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()

		// HTTP intake stops before the orchestrator.
		errs := server.Shutdown(shutdownCtx)
		errs = multierr.Append(errs, orch.Stop(shutdownCtx))
		return errs
	})

	return g.Wait()
}

func openStore(cfg config.StorageConfig) (storage.ExecutionStore, error) {
	if cfg.Backend == config.StorageMemory {
		return storage.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return storage.NewBadgerStore(cfg.DataDir, cfg.Retention.Duration())
}

func newPublisher(cfg config.PublisherConfig, clients *awsclient.Clients, m *metrics.Metrics, clk clock.Clock, logger zerolog.Logger) publisher.Publisher {
	var pub publisher.Publisher = publisher.NewEventBridge(clients.EventBridge, logger)
	if !cfg.Breaker.Enabled {
		return pub
	}

	breakerCfg := publisher.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = cfg.Breaker.FailureThreshold
	breakerCfg.SuccessThreshold = cfg.Breaker.SuccessThreshold
	breakerCfg.Timeout = cfg.Breaker.Timeout.Duration()
	breakerCfg.OnStateChange = func(bus string, from, to publisher.CircuitState) {
		m.SetCircuitState(bus, int(to))
		logger.Warn().
			Str("bus", bus).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Publish circuit breaker state changed")
	}
	return publisher.NewGuarded(pub, publisher.NewBreakerRegistry(breakerCfg, clk))
}

func newSink(cfg config.SinkConfig, clients *awsclient.Clients, m *metrics.Metrics, clk clock.Clock, logger zerolog.Logger) sink.Sink {
	var primary sink.Sink
	switch cfg.Type {
	case config.SinkNone:
		return sink.Discard{}
	case config.SinkCloudWatch:
		primary = sink.NewCloudWatch(clients.CloudWatchLogs, cfg.LogGroup, cfg.LogStream, clk)
	default:
		primary = sink.NewLog(logger)
	}

	var deadLetter sink.DeadLetter
	if cfg.DeadLetterURL != "" {
		deadLetter = sink.NewSQSDeadLetter(clients.SQS, cfg.DeadLetterURL)
	}
	fwd := sink.NewForwarder(primary, deadLetter, m, logger)
	if cfg.Type == config.SinkCloudWatch && cfg.MirrorLog {
		return sink.Multi{fwd, sink.NewLog(logger)}
	}
	return fwd
}

// pruneLoop deletes terminal executions older than retention.
func pruneLoop(ctx context.Context, store storage.ExecutionStore, retention, interval time.Duration, clk clock.Clock, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
		}

		n, err := store.Prune(clk.Now().Add(-retention))
		if err != nil {
			logger.Error().Err(err).Msg("Failed to prune executions")
			continue
		}
		if n > 0 {
			logger.Info().Int("count", n).Msg("Pruned executions")
		}
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return logger
}
