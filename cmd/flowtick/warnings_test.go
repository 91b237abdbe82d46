package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/djlord-it/flowtick/internal/config"
)

// captureWarnings calls logConfigWarnings with cfg and returns the logged entries.
func captureWarnings(cfg config.Config) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	logConfigWarnings(zap.New(core).Sugar(), cfg)
	return logs
}

func quietConfig() config.Config {
	return config.Config{
		PollEnabled:      true,
		CallbackSecret:   "cb",
		CronSecret:       "cron",
		MetricsEnabled:   true,
		TriggerMode:      config.TriggerModeDirect,
		SchedulerCadence: "@every 30s",
	}
}

func TestLogConfigWarnings_Quiet(t *testing.T) {
	logs := captureWarnings(quietConfig())
	assert.Zero(t, logs.Len(), "unexpected entries: %v", logs.All())
}

func TestLogConfigWarnings_NoPollerNoSecret(t *testing.T) {
	cfg := quietConfig()
	cfg.PollEnabled = false
	cfg.CallbackSecret = ""
	logs := captureWarnings(cfg)

	assert.Equal(t, 1, logs.FilterMessageSnippet("POLL_ENABLED=false with CALLBACK_SECRET unset").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("callback is lost").Len())
	assert.Equal(t, 2, logs.FilterField(zap.String("priority", "P0")).Len())
}

func TestLogConfigWarnings_NoPollerWithSecret(t *testing.T) {
	cfg := quietConfig()
	cfg.PollEnabled = false
	logs := captureWarnings(cfg)

	assert.Zero(t, logs.FilterMessageSnippet("CALLBACK_SECRET unset").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("POLL_ENABLED=false").Len())
}

func TestLogConfigWarnings_Secrets(t *testing.T) {
	cfg := quietConfig()
	cfg.CronSecret = ""
	logs := captureWarnings(cfg)

	entries := logs.FilterMessageSnippet("CRON_SECRET unset").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	}
}

func TestLogConfigWarnings_MetricsDisabled(t *testing.T) {
	cfg := quietConfig()
	cfg.MetricsEnabled = false
	logs := captureWarnings(cfg)

	assert.Equal(t, 1, logs.FilterField(zap.String("priority", "P1")).Len())
}

func TestLogConfigWarnings_InfoOnly(t *testing.T) {
	cfg := quietConfig()
	cfg.TriggerMode = config.TriggerModeQueue
	cfg.SchedulerCadence = ""
	logs := captureWarnings(cfg)

	assert.Equal(t, 2, logs.Len())
	for _, e := range logs.All() {
		assert.Equal(t, zapcore.InfoLevel, e.Level, e.Message)
	}
	assert.Equal(t, 1, logs.FilterMessageSnippet("TRIGGER_MODE=queue").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("SCHEDULER_CADENCE unset").Len())
}
