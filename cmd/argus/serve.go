package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/argus-systems/argus/internal/api"
	"github.com/argus-systems/argus/internal/archive"
	"github.com/argus-systems/argus/internal/config"
	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/messaging"
	natsclient "github.com/argus-systems/argus/internal/messaging/nats"
	"github.com/argus-systems/argus/internal/pipeline"
	"github.com/argus-systems/argus/internal/store"
	"github.com/argus-systems/argus/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With("service", "argus")
	logging.SetDefault(log)

	log.Info("starting pipeline service",
		"port", cfg.Server.Port,
		"inspectors", cfg.Inspectors,
		"retention_ttl", cfg.Pipeline.RetentionTTL.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Aggregation store.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	st := store.NewRedisStore(redisClient)
	defer st.Close()
	log.Info("connected to aggregation store", "addr", redisOpts.Addr)

	// Report archive, optional. Disabled means reports live only inside
	// the store's retention window.
	var arc archive.Archive
	if cfg.Postgres.Enabled {
		connString := cfg.Postgres.ConnString()

		log.Info("running archive migrations")
		m, err := migrate.New("file://migrations", connString)
		if err != nil {
			return fmt.Errorf("init migrations: %w", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("run migrations: %w", err)
		}

		pg, err := archive.NewPostgresArchive(ctx, connString)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		arc = pg
		log.Info("report archive enabled", "host", cfg.Postgres.Host)
	}

	// Message bus.
	natsCfg := natsclient.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name
	natsCfg.Username = cfg.NATS.Username
	natsCfg.Password = cfg.NATS.Password

	conn, err := natsclient.Connect(natsCfg)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	bus, err := natsclient.NewClient(conn)
	if err != nil {
		return fmt.Errorf("create jetstream client: %w", err)
	}
	defer bus.Close()
	log.Info("connected to message bus", "url", cfg.NATS.URL)

	if err := provisionTopology(ctx, bus, cfg); err != nil {
		return err
	}

	// Every successful store write is echoed onto store.change.<kind>.
	st.SetNotifier(pipeline.ChangeNotifier(bus, log))

	// Pipeline stages.
	retry := pipeline.RetryPolicy{
		MaxDeliver:    cfg.Pipeline.MaxDeliver,
		StoreAttempts: cfg.Pipeline.StoreRetryAttempts,
		StoreBackoff:  cfg.Pipeline.StoreRetryBackoff,
	}
	dlq := pipeline.NewDeadLetter(bus, log)

	dispatcher := pipeline.NewDispatcher(st, bus, cfg.Inspectors, log)
	compiler := pipeline.NewCompiler(st, log)
	publisher := pipeline.NewPublisher(st, bus, arc, retry, log)
	collector := pipeline.NewCollector(st, dlq, retry, log)
	feedback := pipeline.NewFeedback(st, bus, retry, log)

	runner := workflow.NewRunner(st, func(ctx context.Context, status *workflow.Status, stepErr error) {
		dlq.Write(ctx, pipeline.DeadLetterEntry{
			Reason:   pipeline.ReasonWorkflowFailed,
			Error:    stepErr.Error(),
			AlertID:  status.AlertID,
			Workflow: status.Workflow,
			Step:     string(status.Failure.Step),
		})
	}, log)
	runner.Register(workflow.InspectionDefinition(dispatcher, cfg.Pipeline.DispatchDelay))
	runner.Register(workflow.ReviewDefinition(compiler, pipeline.NoopReviewer{}, publisher, cfg.Pipeline.CompileDelay))
	defer runner.Close()

	receptor := pipeline.NewReceptor(st, runner, dlq, cfg.Pipeline.RetentionTTL, retry, log)

	// Pick up instances interrupted by the previous run before accepting
	// new work.
	if err := runner.Resume(ctx); err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}

	// Consumers.
	stops := make([]messaging.StopFunc, 0, 4)
	startConsumer := func(stream, durable string, handler messaging.Handler) error {
		stopFn, err := bus.Consume(ctx, stream, durable, handler)
		if err != nil {
			return fmt.Errorf("start consumer %s: %w", durable, err)
		}
		stops = append(stops, stopFn)
		return nil
	}

	if err := startConsumer(natsclient.AlertsStream.Name, messaging.ConsumerReceptor, receptor.HandleMessage); err != nil {
		return err
	}
	if err := startConsumer(natsclient.ContribStream.Name, messaging.ConsumerFindingCollector, collector.HandleFinding); err != nil {
		return err
	}
	if err := startConsumer(natsclient.ContribStream.Name, messaging.ConsumerAttributeCollector, collector.HandleAttribute); err != nil {
		return err
	}
	if err := startConsumer(natsclient.ContribStream.Name, messaging.ConsumerAttributeFeedback, feedback.HandleAttribute); err != nil {
		return err
	}
	defer func() {
		for _, stopFn := range stops {
			stopFn()
		}
	}()
	log.Info("pipeline consumers running")

	// Query API.
	handler := api.NewHandler(st, arc, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("query API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	return nil
}

func provisionTopology(ctx context.Context, bus *natsclient.Client, cfg *config.Config) error {
	err := bus.Provision(ctx,
		natsclient.AlertsStream,
		natsclient.ContribStream,
		natsclient.InspectStream,
		natsclient.EventsStream,
		natsclient.DeadLetterStream,
	)
	if err != nil {
		return fmt.Errorf("provision streams: %w", err)
	}

	consumers := []struct {
		stream string
		cfg    natsclient.ConsumerConfig
	}{
		{natsclient.AlertsStream.Name, natsclient.DefaultConsumerConfig(messaging.ConsumerReceptor, messaging.SubjectAlertIngest)},
		{natsclient.ContribStream.Name, natsclient.DefaultConsumerConfig(messaging.ConsumerFindingCollector, messaging.SubjectContribFinding)},
		{natsclient.ContribStream.Name, natsclient.DefaultConsumerConfig(messaging.ConsumerAttributeCollector, messaging.SubjectContribAttribute)},
		{natsclient.ContribStream.Name, natsclient.DefaultConsumerConfig(messaging.ConsumerAttributeFeedback, messaging.SubjectContribAttribute)},
	}
	for _, c := range consumers {
		c.cfg.AckWait = cfg.Pipeline.AckWait
		c.cfg.MaxDeliver = cfg.Pipeline.MaxDeliver
		if err := bus.ProvisionConsumer(ctx, c.stream, c.cfg); err != nil {
			return fmt.Errorf("provision consumer %s: %w", c.cfg.Name, err)
		}
	}
	return nil
}
