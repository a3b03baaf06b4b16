// Command requisitiond serves the job requisition API: job lifecycle,
// review and approval workflows, and vendor distribution.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/requisition/internal/condition"
	"github.com/pitabwire/requisition/internal/config"
	"github.com/pitabwire/requisition/internal/distribution"
	"github.com/pitabwire/requisition/internal/job"
	"github.com/pitabwire/requisition/internal/notify"
	"github.com/pitabwire/requisition/internal/observability"
	"github.com/pitabwire/requisition/internal/outbox"
	"github.com/pitabwire/requisition/internal/recipient"
	"github.com/pitabwire/requisition/internal/transport"
	"github.com/pitabwire/requisition/internal/workflow"
	"github.com/pitabwire/requisition/internal/workflowsvc"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "requisitiond.yaml", "YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "requisitiond:", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintln(os.Stderr, "requisitiond: build logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Stores.
	st, err := buildStores(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	// Workflow engine.
	fields, err := condition.NewFieldTable(cfg.Conditions.Fields)
	if err != nil {
		logger.Error("condition field table invalid", zap.Error(err))
		return 1
	}
	evaluator := condition.NewEvaluator(fields, st.lookup, logger)
	resolver := recipient.NewResolver(st.directory, st.lookup, logger).
		WithMaxChainWalk(cfg.Workflow.MaxChainWalk)

	adapter, loaded, err := buildAdapter(ctx, cfg.WorkflowService, metrics, logger)
	if err != nil {
		logger.Error("workflow service initialization failed", zap.Error(err))
		return 1
	}
	engine := workflow.NewEngine(st.workflows, evaluator, resolver, adapter, st.directory, logger).
		WithMetrics(metrics)

	// Background effects.
	queue := outbox.NewQueue(outbox.Options{
		Workers:     cfg.Outbox.Workers,
		QueueSize:   cfg.Outbox.QueueSize,
		TaskTimeout: cfg.Outbox.TaskTimeout,
	}, st.deadLetters, logger).WithMetrics(metrics)

	var sender job.Notifier
	if cfg.Notification.WebhookURL != "" {
		sender = notify.NewHTTPSender(cfg.Notification, logger).WithMetrics(metrics)
	} else {
		logger.Info("notification webhook not configured, logging notifications")
		sender = notify.NewLogSender(logger)
	}

	// Distribution and jobs.
	scheduler := distribution.NewScheduler(st.distributions, st.directory, logger).
		WithConcurrency(cfg.Distribution.Concurrency).
		WithMetrics(metrics)

	jobs := job.NewService(st.jobs, engine, scheduler, st.distributions, logger).
		WithOutbox(queue, sender).
		WithMetrics(metrics)
	scheduler.OnFirstDistribution(jobs.MarkSourcing)

	activator := distribution.NewActivator(st.distributions, cfg.Distribution.ActivatorInterval,
		cfg.Distribution.ActivatorBatch, logger).
		WithMetrics(metrics).
		OnActivation(jobs.MarkSourcing)

	// HTTP.
	keys := transport.NewKeySet(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		WorkflowServiceLoaded: loaded,
		JobStore:              jobs,
		WorkflowStore:         healthOf(st.workflows),
		DistributionStore:     healthOf(st.distributions),
		Directory:             st.directoryHealth,
		Identity:              keys,
		Redis:                 st.redisHealth,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, keys),
		Jobs:         jobs,
		Idempotency:  st.idempotency,
		Metrics:      metrics,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	logger.Info("requisitiond starting",
		zap.String("addr", srv.Addr),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Bool("persistent", st.persistent),
	)

	// The outbox drains only after in-flight requests finish, so their
	// history and notification tasks are not dropped.
	queue.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		activator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Server))
		defer cancel()

		var errs []error
		if err := srv.Shutdown(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := queue.Close(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("outbox drain: %w", err))
		}
		if err := tracingShutdown(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("requisitiond stopped with errors", zap.Error(err))
		return 1
	}
	logger.Info("requisitiond stopped")
	return 0
}

func shutdownTimeout(cfg config.ServerConfig) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return 30 * time.Second
}

// buildAdapter returns the workflow service client when a base URL is
// configured and the local adapter otherwise. loaded is nil for the local
// adapter.
func buildAdapter(ctx context.Context, cfg config.ServiceConfig, metrics *observability.Metrics, logger *zap.Logger) (workflow.Adapter, func() bool, error) {
	if cfg.BaseURL == "" {
		logger.Warn("workflow service not configured, using local adapter")
		return workflow.NewLocalAdapter(), nil, nil
	}
	ops, err := workflowsvc.LoadOperations(ctx, cfg.SpecFile, cfg.BaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("load operations: %w", err)
	}
	client := workflowsvc.NewClient(ops, cfg, logger).WithMetrics(metrics)
	return client, func() bool { return len(ops.IDs()) > 0 }, nil
}
