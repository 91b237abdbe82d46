package main

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/analytics"
	"github.com/djlord-it/flowtick/internal/api"
	"github.com/djlord-it/flowtick/internal/circuitbreaker"
	"github.com/djlord-it/flowtick/internal/config"
	"github.com/djlord-it/flowtick/internal/engine"
	"github.com/djlord-it/flowtick/internal/ingest"
	"github.com/djlord-it/flowtick/internal/lock"
	"github.com/djlord-it/flowtick/internal/logging"
	"github.com/djlord-it/flowtick/internal/metrics"
	"github.com/djlord-it/flowtick/internal/poller"
	"github.com/djlord-it/flowtick/internal/queue"
	"github.com/djlord-it/flowtick/internal/scheduler"
	"github.com/djlord-it/flowtick/internal/store/postgres"
	"github.com/djlord-it/flowtick/internal/tracker"

	_ "github.com/lib/pq"
)

// newLogger builds the process logger and installs it as the zap global.
func newLogger(cfg config.Config) (*zap.SugaredLogger, error) {
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, configErr(err)
	}
	zap.ReplaceGlobals(logger.Desugar())
	return logger, nil
}

// openDB opens the pool and checks connectivity within DB_OP_TIMEOUT.
func openDB(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, runtimeErr(errors.Wrap(err, "open database"))
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	logger.Infow("db pool configured",
		"max_open", cfg.DBMaxOpenConns,
		"max_idle", cfg.DBMaxIdleConns,
		"max_lifetime", cfg.DBConnMaxLifetime,
		"max_idle_time", cfg.DBConnMaxIdleTime,
	)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, runtimeErr(errors.Wrap(err, "connect to database"))
	}
	return db, nil
}

// app holds the wired components shared by serve and tick.
type app struct {
	store     *postgres.Store
	tracker   *tracker.Tracker
	locks     *lock.Manager
	engine    *engine.Client
	loop      *scheduler.Loop
	ingestor  *ingest.Ingestor
	poller    *poller.Poller
	analytics *analytics.RedisSink // nil when REDIS_ADDR is unset
	redis     *redis.Client
}

func buildApp(cfg config.Config, db *sql.DB, sink metrics.Sink, logger *zap.SugaredLogger) (*app, error) {
	a := &app{store: postgres.New(db)}

	client, err := engine.New(engine.Config{
		BaseURL:   cfg.EngineBaseURL,
		APIKey:    cfg.EngineAPIKey,
		Timeout:   cfg.EngineTimeout,
		RateLimit: cfg.EngineRateLimit,
		RateBurst: cfg.EngineRateBurst,
	})
	if err != nil {
		return nil, configErr(err)
	}
	a.engine = client.
		WithBreaker(circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)).
		WithMetrics(sink)

	a.tracker = tracker.New(a.store).
		WithMetrics(sink).
		WithLogger(logger.Named("tracker"))

	a.locks = lock.New(a.store, cfg.LockStaleness).
		WithMetrics(sink).
		WithLogger(logger.Named("lock"))

	a.loop = scheduler.New(
		scheduler.Config{
			BatchSize:              cfg.SchedulerBatchSize,
			MaxBatches:             cfg.SchedulerMaxBatches,
			ClaimTTL:               cfg.SchedulerClaimTTL,
			TriggerTimeout:         cfg.EngineTimeout,
			MaxConsecutiveFailures: cfg.SchedulerMaxFailures,
			WriteTimeout:           cfg.DBOpTimeout,
		},
		a.store,
		a.engine,
		a.tracker,
	).
		WithMetrics(sink).
		WithLogger(logger.Named("scheduler"))

	if cfg.TriggerMode == config.TriggerModeQueue {
		a.loop = a.loop.WithQueue(queue.New(a.store).WithLogger(logger.Named("queue")))
	}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.analytics = analytics.NewRedisSink(a.redis, analytics.Config{}).
			WithLogger(logger.Named("analytics"))
		a.loop = a.loop.WithAnalytics(a.analytics)
		logger.Infow("analytics enabled", "redis", cfg.RedisAddr)
	} else {
		logger.Info("REDIS_ADDR not set; analytics disabled")
	}

	a.ingestor = ingest.New(a.tracker).
		WithSecret(cfg.CallbackSecret).
		WithMetrics(sink).
		WithLogger(logger.Named("ingest"))

	a.poller = poller.New(
		poller.Config{
			Interval:  cfg.PollInterval,
			Threshold: cfg.PollThreshold,
			BatchSize: cfg.PollBatchSize,
		},
		a.tracker,
		a.engine,
	).
		WithLocker(a.locks).
		WithMetrics(sink).
		WithLogger(logger.Named("poller"))

	return a, nil
}

// handler builds the HTTP API over the wired components.
func (a *app) handler(cfg config.Config, logger *zap.SugaredLogger) *api.Handler {
	h := api.NewHandler(a.store, a.loop, a.ingestor, a.tracker).
		WithRefresher(a.poller).
		WithCronSecret(cfg.CronSecret).
		WithLogger(logger.Named("api")).
		WithHealthCheck("database", api.HealthCheckFunc(func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
			defer cancel()
			return a.store.Ping(ctx)
		}))

	if a.analytics != nil {
		h = h.WithStats(a.analytics).
			WithHealthCheck("redis", api.HealthCheckFunc(func(ctx context.Context) error {
				return a.redis.Ping(ctx).Err()
			}))
	}
	return h
}

func (a *app) close(logger *zap.SugaredLogger) {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warnw("redis close failed", "error", err)
		}
	}
}
