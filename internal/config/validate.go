package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/djlord-it/flowtick/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	errs := append(ValidationErrors(nil), cfg.loadErrors...)
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required")
	}
	if cfg.EngineBaseURL == "" {
		add("ENGINE_BASE_URL", "required")
	} else if u, err := url.Parse(cfg.EngineBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("ENGINE_BASE_URL", "must be an absolute http(s) URL, got %q", cfg.EngineBaseURL)
	}
	if cfg.EngineAPIKey == "" {
		add("ENGINE_API_KEY", "required")
	}

	durationsOK := true
	for _, d := range cfg.durations() {
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			add(d.key, "invalid duration: %v", err)
			durationsOK = false
		} else if parsed <= 0 {
			add(d.key, "must be positive")
			durationsOK = false
		}
	}
	if durationsOK && cfg.SchedulerClaimTTL <= cfg.EngineTimeout {
		add("SCHEDULER_CLAIM_TTL", "must exceed ENGINE_TIMEOUT (%s), got %s", cfg.EngineTimeoutStr, cfg.SchedulerClaimTTLStr)
	}

	positive := []struct {
		field string
		value int
	}{
		{"ENGINE_RATE_BURST", cfg.EngineRateBurst},
		{"SCHEDULER_BATCH_SIZE", cfg.SchedulerBatchSize},
		{"SCHEDULER_MAX_BATCHES", cfg.SchedulerMaxBatches},
		{"POLL_BATCH_SIZE", cfg.PollBatchSize},
		{"DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add(p.field, "must be positive")
		}
	}
	if cfg.EngineRateLimit <= 0 {
		add("ENGINE_RATE_LIMIT", "must be positive")
	}
	if cfg.BreakerThreshold < 0 {
		add("BREAKER_THRESHOLD", "must not be negative (0 disables)")
	}
	if cfg.SchedulerMaxFailures < 0 {
		add("SCHEDULER_MAX_FAILURES", "must not be negative (0 disables)")
	}

	if cfg.SchedulerCadence != "" {
		if _, err := cron.ParseCadence(cfg.SchedulerCadence); err != nil {
			add("SCHEDULER_CADENCE", "%v", err)
		}
	}

	if cfg.TriggerMode != TriggerModeDirect && cfg.TriggerMode != TriggerModeQueue {
		add("TRIGGER_MODE", "must be '%s' or '%s', got %q", TriggerModeDirect, TriggerModeQueue, cfg.TriggerMode)
	}
	switch cfg.OTelExporter {
	case "none", "stdout", "otlphttp":
	default:
		add("OTEL_EXPORTER", "must be 'none', 'stdout' or 'otlphttp', got %q", cfg.OTelExporter)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
