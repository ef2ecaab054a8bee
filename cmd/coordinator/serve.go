package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/linkorbit/coordinator/internal/api"
	"github.com/linkorbit/coordinator/internal/clock/system"
	"github.com/linkorbit/coordinator/internal/config"
	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/dispatch"
	"github.com/linkorbit/coordinator/internal/fleet"
	"github.com/linkorbit/coordinator/internal/id/uuid"
	"github.com/linkorbit/coordinator/internal/logging"
	"github.com/linkorbit/coordinator/internal/metrics"
	kafkapub "github.com/linkorbit/coordinator/internal/publisher/kafka"
	memorypub "github.com/linkorbit/coordinator/internal/publisher/memory"
	pubsubpub "github.com/linkorbit/coordinator/internal/publisher/pubsub"
	"github.com/linkorbit/coordinator/internal/quota"
	"github.com/linkorbit/coordinator/internal/store"
	memorystore "github.com/linkorbit/coordinator/internal/store/memory"
	postgresstore "github.com/linkorbit/coordinator/internal/store/postgres"
	redisstore "github.com/linkorbit/coordinator/internal/store/redis"
	"github.com/linkorbit/coordinator/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP service and dispatch loop.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	ids := uuid.New()

	jobs, closeJobs, err := buildJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeJobs()

	tracker := quota.New(quota.Config{
		FailureThreshold: cfg.Quota.FailureThreshold,
		Cooldown:         cfg.BreakerCooldown(),
		SuccessRateFloor: cfg.Quota.SuccessRateFloor,
	}, providerSpecs(cfg), clk, buildQuotaStateStore(cfg), logger.Named("quota"))

	fl := fleet.New(fleet.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		StatsWindow:      time.Duration(cfg.Fleet.StatsWindowHours) * time.Hour,
	}, clk, logger.Named("fleet"))

	dispatcher := dispatch.New(dispatch.Config{
		Tick:            cfg.DispatchTick(),
		MaxRetries:      cfg.Dispatcher.MaxRetries,
		DefaultPriority: cfg.Dispatcher.DefaultPriority,
		JobProviders:    jobProviders(cfg),
	}, jobs, fl, tracker, clk, ids, logger.Named("dispatch"))
	if err := dispatcher.Restore(ctx); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	hub := telemetry.NewHub(logger.Named("telemetry"))
	pub, closePub, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePub()

	aggregator := telemetry.New(telemetry.Config{
		Interval:  time.Duration(cfg.Telemetry.IntervalSeconds) * time.Second,
		Keepalive: time.Duration(cfg.Telemetry.KeepaliveSeconds) * time.Second,
	}, jobs, fl, tracker, dispatcher, hub, pub, clk, logger.Named("telemetry"))

	server := api.NewServer(dispatcher, jobs, fl, tracker, aggregator, hub, cfg, logger.Named("api"))

	go dispatcher.Run(ctx)
	go aggregator.Run(ctx)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func buildJobStore(ctx context.Context, cfg config.Config) (store.JobStore, func(), error) {
	switch cfg.Store.Jobs {
	case "postgres":
		pg, err := postgresstore.NewJobStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return memorystore.NewJobStore(), func() {}, nil
	}
}

func buildQuotaStateStore(cfg config.Config) quota.StateStore {
	if cfg.Store.QuotaState == "redis" {
		return redisstore.NewQuotaStore(cfg.Store.RedisAddr, "")
	}
	return nil
}

func buildPublisher(ctx context.Context, cfg config.Config) (telemetry.Publisher, func(), error) {
	switch cfg.Telemetry.Publisher {
	case "memory":
		return memorypub.New(), func() {}, nil
	case "kafka":
		pub := kafkapub.New(cfg.Telemetry.KafkaBroker, cfg.Telemetry.KafkaTopic)
		return pub, func() { _ = pub.Close() }, nil
	case "pubsub":
		client, err := gcppubsub.NewClient(ctx, cfg.Telemetry.PubSubProject)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Telemetry.PubSubTopic)
		pub := pubsubpub.New(topic)
		return pub, func() {
			pub.Stop()
			_ = client.Close()
		}, nil
	default:
		return nil, func() {}, nil
	}
}

func providerSpecs(cfg config.Config) map[string]quota.ProviderSpec {
	specs := make(map[string]quota.ProviderSpec, len(cfg.Quota.Providers))
	for name, p := range cfg.Quota.Providers {
		spec := quota.ProviderSpec{Limit: p.Limit, RPS: p.RPS}
		if p.ResetPeriod != "" {
			// Validated at config load time.
			spec.ResetPeriod, _ = time.ParseDuration(p.ResetPeriod)
		}
		specs[name] = spec
	}
	return specs
}

func jobProviders(cfg config.Config) map[core.JobType][]string {
	out := make(map[core.JobType][]string, len(cfg.Dispatcher.JobProviders))
	for jobType, providers := range cfg.Dispatcher.JobProviders {
		out[core.JobType(jobType)] = append([]string(nil), providers...)
	}
	return out
}
