// Package main is the entry point for the incident orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sentinelops/internal/agent"
	"sentinelops/internal/approval"
	"sentinelops/internal/audit"
	"sentinelops/internal/config"
	apierrors "sentinelops/internal/errors"
	"sentinelops/internal/health"
	"sentinelops/internal/kafka"
	"sentinelops/internal/lease"
	"sentinelops/internal/logging"
	"sentinelops/internal/metrics"
	"sentinelops/internal/middleware"
	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/schema"
	"sentinelops/internal/startup"
	"sentinelops/internal/storage"
	s3store "sentinelops/internal/storage/s3"
	"sentinelops/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		slog.Error("invalid logging config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_driver", cfg.Storage.Driver,
		"transport_driver", cfg.Transport.Driver,
		"lease_driver", cfg.Lease.Driver,
		"archive_enabled", cfg.Archive.Enabled,
	)

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(context.Background())
	if diag.HasErrors() {
		slog.Error("startup diagnostics failed")
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
}

// closers runs shutdown steps in reverse order of registration.
type closers []func()

func (c *closers) add(name string, fn func() error) {
	*c = append(*c, func() {
		if err := fn(); err != nil {
			slog.Error("shutdown step failed", "component", name, "error", err)
		}
	})
}

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup closers
	defer cleanup.run()

	apierrors.SetProductionMode(cfg.Server.SanitizeErrors)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Incident store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cleanup.add("store", store.Close)

	var incidents storage.Store = store
	var cache *storage.CachedStore
	if cfg.Storage.Cache.Enabled {
		cache, err = storage.NewCachedStore(store, cfg.Storage.Cache)
		if err != nil {
			return err
		}
		incidents = cache
	}

	// Audit ledger
	key, err := audit.DeriveKey(cfg.Audit.SigningSecret)
	if err != nil {
		return fmt.Errorf("derive audit key: %w", err)
	}
	ledger := audit.NewLedger(incidents, key, logger)

	if cfg.Archive.Enabled {
		chClient, err := storage.NewClickHouseClient(ctx, cfg.Archive.ClickHouse)
		if err != nil {
			return fmt.Errorf("connect to clickhouse: %w", err)
		}
		cleanup.add("clickhouse", chClient.Close)

		slog.Info("running clickhouse migrations")
		if err := storage.NewMigrator(chClient).Run(ctx); err != nil {
			return fmt.Errorf("migrate clickhouse: %w", err)
		}

		batchWriter := storage.NewBatchWriter(chClient, cfg.Archive.BatchWriter, logger)
		cleanup.add("batch-writer", func() error {
			m := batchWriter.Metrics()
			slog.Info("archive metrics", "written", m.Written, "failed", m.Failed, "batches", m.Batches)
			return batchWriter.Close()
		})
		ledger.AddSink(batchWriter)
	}

	var s3Client *s3store.Client
	if cfg.DeadLetter.S3.Enabled {
		s3Client, err = s3store.NewClient(ctx, &cfg.DeadLetter.S3.Config, logger)
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		if hs := s3Client.HealthCheck(ctx); !hs.Healthy {
			logger.Warn("s3 bucket unreachable",
				"bucket", cfg.DeadLetter.S3.Bucket, "error", hs.Error)
		}
		if cfg.Archive.ExportOnClose {
			ledger.AddSink(s3store.NewExportSink(s3Client, ledger, logger))
		}
	}

	// Recovery
	rm := recovery.NewManager(recovery.Config{
		Breaker: cfg.Breaker,
		Policy:  recovery.DefaultConfig().Policy,
	}, logger)
	rm.SetHooks(metrics.RecoveryHooks())

	// Redis, shared by leases and dedup
	var redisClient lease.RedisClient
	if cfg.Redis.Enabled {
		rc, err := lease.NewGoRedisClient(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		cleanup.add("redis", rc.Close)
		redisClient = rc
	}

	// Transport
	transport, kafkaProducer, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cleanup.add("transport", transport.Close)

	// Dead letters
	memoryDLQ := router.NewMemoryDeadLetters(cfg.DeadLetter.Capacity)
	sinks := []router.DeadLetterSink{memoryDLQ}
	if s3Client != nil {
		sinks = append(sinks, router.NewObjectSink(s3Client, s3store.DeadLetterKey))
	}
	if cfg.DeadLetter.Kafka && kafkaProducer != nil {
		sinks = append(sinks, kafka.NewDeadLetterSink(cfg.Transport.Kafka, kafkaProducer))
	}

	routerOpts := []router.Option{
		router.WithDeadLetterSink(router.NewMultiSink(logger, sinks...)),
		router.WithHooks(metrics.RouterHooks()),
	}
	if redisClient != nil {
		routerOpts = append(routerOpts, router.WithDeduper(
			router.NewRedisDeduper(redisClient, cfg.Redis.DedupPrefix, cfg.Router.DedupTTL)))
	}
	r := router.New(cfg.Router, transport, rm, logger, routerOpts...)

	// Approval and leases
	approvals, err := approval.NewEngineFromConfig(cfg.Approval, logger)
	if err != nil {
		return fmt.Errorf("load approval rules: %w", err)
	}
	locker, err := lease.New(cfg.Lease, redisClient, logger)
	if err != nil {
		return fmt.Errorf("create lease locker: %w", err)
	}

	// Workflow engine
	engine, err := workflow.New(cfg.Engine, workflow.Deps{
		Store:      incidents,
		Ledger:     ledger,
		Dispatcher: r,
		Approvals:  approvals,
		Recovery:   rm,
		Locker:     locker,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create workflow engine: %w", err)
	}
	engine.SetHooks(metrics.WorkflowHooks())

	if err := r.OnReceive(ctx, schema.TargetOrchestrator, engine.HandleMessage); err != nil {
		return fmt.Errorf("subscribe orchestrator: %w", err)
	}

	if err := startCollaborators(ctx, cfg.Agents, r, logger); err != nil {
		return err
	}

	recovered, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover incidents: %w", err)
	}
	slog.Info("workflow engine ready", "recovered_incidents", recovered)

	// HTTP surface
	var hitRater health.HitRater
	if cache != nil {
		hitRater = cache
	}
	monitor := health.NewMonitor(engine, r, rm, hitRater)
	handler := health.NewHandler(monitor, engine, memoryDLQ, registry, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
	defer limiter.Stop()

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: middleware.Chain(mux,
			middleware.SecurityHeaders(cfg.SecurityHeaders, logger),
			limiter.Middleware,
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting orchestrator API", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Finish queued events before the transport goes away.
	if err := engine.Drain(shutdownCtx); err != nil {
		slog.Warn("engine drain incomplete", "error", err)
	}
	engine.Stop(shutdownCtx)
	cancel()

	es, rs := engine.Stats(), r.Stats()
	slog.Info("shutdown complete",
		"events_submitted", es.Submitted,
		"transitions", es.Transitions,
		"rejected", es.Rejected,
		"messages_sent", rs.Sent,
		"dead_lettered", rs.DeadLettered,
	)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		slog.Info("opening postgres incident store")
		s, err := storage.OpenPostgres(ctx, cfg.Storage.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		slog.Info("opening badger incident store", "path", cfg.Storage.Badger.Path, "in_memory", cfg.Storage.Badger.InMemory)
		s, err := storage.OpenBadger(cfg.Storage.Badger, logger)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		return s, nil
	}
}

// openTransport returns the configured transport and, for kafka, the
// producer the dead-letter topic shares.
func openTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (router.Transport, *kafka.Producer, error) {
	if cfg.Transport.Driver != "kafka" {
		return router.NewMemoryTransport(), nil, nil
	}

	kcfg := cfg.Transport.Kafka
	admin, err := kafka.NewAdmin(kcfg, logger)
	if err != nil {
		return nil, nil, err
	}
	status := admin.HealthCheck(ctx)
	if !status.Healthy {
		return nil, nil, fmt.Errorf("kafka unreachable: %s", status.Error)
	}
	slog.Info("kafka reachable", "brokers", status.BrokerCount, "latency", status.Latency)
	if cfg.Transport.EnsureTopics {
		topics := kcfg.TopicConfigs(schema.TargetOrchestrator, schema.TargetAnalysis, schema.TargetRemediation, schema.TargetCommunication)
		if err := admin.EnsureTopics(ctx, topics); err != nil {
			return nil, nil, err
		}
	}

	producer, err := kafka.NewProducer(kcfg, logger)
	if err != nil {
		return nil, nil, err
	}
	readers, err := kafka.NewReaderFactory(kcfg, logger)
	if err != nil {
		producer.Close()
		return nil, nil, err
	}
	return kafka.NewTransport(kcfg, producer, readers, logger), producer, nil
}

// startCollaborators hosts the collaborators the orchestrator reaches
// directly: scripted ones in dev mode, HTTP services otherwise.
func startCollaborators(ctx context.Context, cfg config.AgentsConfig, r *router.Router, logger *slog.Logger) error {
	var collabs []agent.Collaborator
	if cfg.Dev.Enabled {
		slog.Warn("dev collaborators enabled, analysis and remediation are scripted")
		for _, c := range agent.DevCollaborators(cfg.Dev.Confidence) {
			collabs = append(collabs, c)
		}
	}
	for _, hc := range cfg.HTTP {
		c, err := agent.NewHTTPCollaborator(hc)
		if err != nil {
			return fmt.Errorf("collaborator %s: %w", hc.Name, err)
		}
		collabs = append(collabs, c)
	}

	for _, c := range collabs {
		if err := agent.NewHost(c, r, logger).Start(ctx); err != nil {
			return fmt.Errorf("start collaborator %s: %w", c.Name(), err)
		}
		slog.Info("collaborator started", "name", c.Name())
	}
	return nil
}
