package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/config"
	"github.com/djlord-it/flowtick/internal/cron"
	"github.com/djlord-it/flowtick/internal/metrics"
	"github.com/djlord-it/flowtick/internal/observability"
)

func newServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the in-process cadence, and the status poller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadValid(load)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) error {
	logConfigWarnings(logger, cfg)

	shutdownTracing, err := observability.InitTracing(ctx, "flowtick", cfg.OTelExporter, version)
	if err != nil {
		return configErr(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger.Named("metrics"))

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			logger.Infow("metrics server listening", "port", cfg.MetricsPort, "path", cfg.MetricsPath)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("metrics server error", "error", err)
			}
		}()
	} else {
		logger.Info("METRICS_ENABLED not set; metrics disabled")
	}

	a, err := buildApp(cfg, db, sink, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: a.handler(cfg, logger),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runner *cron.Runner
	if cfg.SchedulerCadence != "" {
		runner, err = cron.NewRunner(cfg.SchedulerCadence, a.loop)
		if err != nil {
			return configErr(err)
		}
		runner = runner.WithLocker(a.locks).WithLogger(logger.Named("cron"))
		if err := runner.Start(ctx); err != nil {
			return runtimeErr(err)
		}
	}

	pollCtx, cancelPoll := context.WithCancel(ctx)
	var pollWg sync.WaitGroup
	if cfg.PollEnabled {
		pollWg.Add(1)
		go func() {
			defer pollWg.Done()
			a.poller.Run(pollCtx)
		}()
		logger.Infow("status poller enabled",
			"interval", cfg.PollInterval, "threshold", cfg.PollThreshold, "batch", cfg.PollBatchSize)
	}

	logger.Infow("started",
		"http", cfg.HTTPAddr,
		"cadence", cfg.SchedulerCadence,
		"trigger_mode", cfg.TriggerMode,
		"version", version,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Errorw("http server error", "error", err)
		runErr = runtimeErr(err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()

	// Stop producing triggers first, then let in-flight requests finish.
	if runner != nil {
		logger.Info("stopping cadence...")
		if err := runner.Stop(shutdownCtx); err != nil {
			logger.Warnw("cadence stop timed out", "error", err)
		}
	}

	cancelPoll()
	pollWg.Wait()

	logger.Info("stopping http server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http server shutdown error", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("metrics server shutdown error", "error", err)
		}
	}

	logger.Info("stopped")
	return runErr
}
