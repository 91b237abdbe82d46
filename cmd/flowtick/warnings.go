package main

import (
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/config"
)

// logConfigWarnings logs operational risks of an otherwise valid configuration.
// P0 means work can be lost or exposed, P1 means reduced visibility.
func logConfigWarnings(logger *zap.SugaredLogger, cfg config.Config) {
	if !cfg.PollEnabled && cfg.CallbackSecret == "" {
		logger.Warnw("P0: POLL_ENABLED=false with CALLBACK_SECRET unset: executions rely on unauthenticated callbacks alone",
			"priority", "P0")
	}
	if !cfg.PollEnabled {
		logger.Warnw("P0: POLL_ENABLED=false: executions whose callback is lost stay running until refreshed",
			"priority", "P0")
	}
	if cfg.CronSecret == "" {
		logger.Warnw("P0: CRON_SECRET unset: the scheduler trigger endpoint accepts unauthenticated calls",
			"priority", "P0")
	}
	if !cfg.MetricsEnabled {
		logger.Warnw("P1: METRICS_ENABLED=false: no scheduler or engine metrics are exported",
			"priority", "P1")
	}
	if cfg.TriggerMode == config.TriggerModeQueue {
		logger.Infow("TRIGGER_MODE=queue: due schedules are enqueued as tasks; a separate worker must consume them")
	}
	if cfg.SchedulerCadence == "" {
		logger.Infow("SCHEDULER_CADENCE unset: schedules run only when the trigger endpoint is called")
	}
}
