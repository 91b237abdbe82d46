package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Trigger modes.
const (
	TriggerModeDirect = "direct"
	TriggerModeQueue  = "queue"
)

// Config holds all configuration for flowtick.
// Values come from environment variables, optionally layered over a config
// file; see the usage text of the config command for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	EngineBaseURL    string        `json:"engine_base_url"`
	EngineAPIKey     string        `json:"-"`
	EngineTimeout    time.Duration `json:"-"`
	EngineTimeoutStr string        `json:"engine_timeout"`
	EngineRateLimit  float64       `json:"engine_rate_limit"`
	EngineRateBurst  int           `json:"engine_rate_burst"`

	// BreakerThreshold: 0 disables the circuit breaker.
	BreakerThreshold   int           `json:"breaker_threshold"`
	BreakerCooldown    time.Duration `json:"-"`
	BreakerCooldownStr string        `json:"breaker_cooldown"`

	// SchedulerCadence is a cron expression or descriptor ("@every 30s").
	// Empty leaves scheduling to an external caller of the HTTP trigger.
	SchedulerCadence     string        `json:"scheduler_cadence"`
	SchedulerBatchSize   int           `json:"scheduler_batch_size"`
	SchedulerMaxBatches  int           `json:"scheduler_max_batches"`
	SchedulerClaimTTL    time.Duration `json:"-"`
	SchedulerClaimTTLStr string        `json:"scheduler_claim_ttl"`
	// SchedulerMaxFailures: 0 keeps failing schedules active.
	SchedulerMaxFailures int    `json:"scheduler_max_failures"`
	TriggerMode          string `json:"trigger_mode"`

	LockStaleness    time.Duration `json:"-"`
	LockStalenessStr string        `json:"lock_staleness"`

	PollEnabled      bool          `json:"poll_enabled"`
	PollInterval     time.Duration `json:"-"`
	PollIntervalStr  string        `json:"poll_interval"`
	PollThreshold    time.Duration `json:"-"`
	PollThresholdStr string        `json:"poll_threshold"`
	PollBatchSize    int           `json:"poll_batch_size"`

	CallbackSecret string `json:"-"`
	CronSecret     string `json:"-"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	LogFormat    string `json:"log_format"`
	LogLevel     string `json:"log_level"`
	OTelExporter string `json:"otel_exporter"`

	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	// loadErrors are numeric values that failed to parse. Validate reports them.
	loadErrors ValidationErrors
}

// SetDefaults registers the default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("ENGINE_TIMEOUT", "30s")
	v.SetDefault("ENGINE_RATE_LIMIT", "10")
	v.SetDefault("ENGINE_RATE_BURST", "10")
	v.SetDefault("BREAKER_THRESHOLD", "5")
	v.SetDefault("BREAKER_COOLDOWN", "2m")
	v.SetDefault("SCHEDULER_CADENCE", "")
	v.SetDefault("SCHEDULER_BATCH_SIZE", "100")
	v.SetDefault("SCHEDULER_MAX_BATCHES", "10")
	v.SetDefault("SCHEDULER_CLAIM_TTL", "5m")
	v.SetDefault("SCHEDULER_MAX_FAILURES", "0")
	v.SetDefault("TRIGGER_MODE", TriggerModeDirect)
	v.SetDefault("LOCK_STALENESS", "30m")
	v.SetDefault("POLL_ENABLED", false)
	v.SetDefault("POLL_INTERVAL", "5m")
	v.SetDefault("POLL_THRESHOLD", "10m")
	v.SetDefault("POLL_BATCH_SIZE", "100")
	v.SetDefault("METRICS_ENABLED", false)
	v.SetDefault("METRICS_PATH", "/metrics")
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_EXPORTER", "none")
	v.SetDefault("DB_OP_TIMEOUT", "5s")
	v.SetDefault("DB_MAX_OPEN_CONNS", "25")
	v.SetDefault("DB_MAX_IDLE_CONNS", "5")
	v.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	v.SetDefault("DB_CONN_MAX_IDLE_TIME", "5m")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "10s")
}

// Load reads configuration from the environment, layered over configFile
// when it is non-empty. Environment variables win over the file.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	return FromViper(v), nil
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) Config {
	var errs ValidationErrors
	intOf := func(key string) int {
		raw := strings.TrimSpace(v.GetString(key))
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, ValidationError{Field: key, Message: "must be an integer, got " + strconv.Quote(raw)})
		}
		return n
	}
	floatOf := func(key string) float64 {
		raw := strings.TrimSpace(v.GetString(key))
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: key, Message: "must be a number, got " + strconv.Quote(raw)})
		}
		return f
	}

	cfg := Config{
		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisAddr:   v.GetString("REDIS_ADDR"),
		HTTPAddr:    v.GetString("HTTP_ADDR"),

		EngineBaseURL:    strings.TrimRight(v.GetString("ENGINE_BASE_URL"), "/"),
		EngineAPIKey:     v.GetString("ENGINE_API_KEY"),
		EngineTimeoutStr: v.GetString("ENGINE_TIMEOUT"),
		EngineRateLimit:  floatOf("ENGINE_RATE_LIMIT"),
		EngineRateBurst:  intOf("ENGINE_RATE_BURST"),

		BreakerThreshold:   intOf("BREAKER_THRESHOLD"),
		BreakerCooldownStr: v.GetString("BREAKER_COOLDOWN"),

		SchedulerCadence:     strings.TrimSpace(v.GetString("SCHEDULER_CADENCE")),
		SchedulerBatchSize:   intOf("SCHEDULER_BATCH_SIZE"),
		SchedulerMaxBatches:  intOf("SCHEDULER_MAX_BATCHES"),
		SchedulerClaimTTLStr: v.GetString("SCHEDULER_CLAIM_TTL"),
		SchedulerMaxFailures: intOf("SCHEDULER_MAX_FAILURES"),
		TriggerMode:          strings.ToLower(v.GetString("TRIGGER_MODE")),

		LockStalenessStr: v.GetString("LOCK_STALENESS"),

		PollEnabled:      v.GetBool("POLL_ENABLED"),
		PollIntervalStr:  v.GetString("POLL_INTERVAL"),
		PollThresholdStr: v.GetString("POLL_THRESHOLD"),
		PollBatchSize:    intOf("POLL_BATCH_SIZE"),

		CallbackSecret: v.GetString("CALLBACK_SECRET"),
		CronSecret:     v.GetString("CRON_SECRET"),

		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		MetricsPath:    v.GetString("METRICS_PATH"),
		MetricsPort:    v.GetString("METRICS_PORT"),

		LogFormat:    strings.ToLower(v.GetString("LOG_FORMAT")),
		LogLevel:     v.GetString("LOG_LEVEL"),
		OTelExporter: strings.ToLower(v.GetString("OTEL_EXPORTER")),

		DBOpTimeoutStr:       v.GetString("DB_OP_TIMEOUT"),
		DBMaxOpenConns:       intOf("DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns:       intOf("DB_MAX_IDLE_CONNS"),
		DBConnMaxLifetimeStr: v.GetString("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr: v.GetString("DB_CONN_MAX_IDLE_TIME"),

		HTTPShutdownTimeoutStr: v.GetString("HTTP_SHUTDOWN_TIMEOUT"),
	}
	cfg.loadErrors = errs

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if parsed, err := time.ParseDuration(d.raw); err == nil {
			*d.dst = parsed
		}
	}
	return cfg
}

type durationField struct {
	key string
	raw string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"ENGINE_TIMEOUT", c.EngineTimeoutStr, &c.EngineTimeout},
		{"BREAKER_COOLDOWN", c.BreakerCooldownStr, &c.BreakerCooldown},
		{"SCHEDULER_CLAIM_TTL", c.SchedulerClaimTTLStr, &c.SchedulerClaimTTL},
		{"LOCK_STALENESS", c.LockStalenessStr, &c.LockStaleness},
		{"POLL_INTERVAL", c.PollIntervalStr, &c.PollInterval},
		{"POLL_THRESHOLD", c.PollThresholdStr, &c.PollThreshold},
		{"DB_OP_TIMEOUT", c.DBOpTimeoutStr, &c.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
	}
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	type alias Config
	masked := struct {
		alias
		DatabaseURL    string `json:"database_url"`
		EngineAPIKey   string `json:"engine_api_key"`
		CallbackSecret string `json:"callback_secret,omitempty"`
		CronSecret     string `json:"cron_secret,omitempty"`
	}{
		alias:          alias(c),
		DatabaseURL:    maskSecret(c.DatabaseURL),
		EngineAPIKey:   maskSecret(c.EngineAPIKey),
		CallbackSecret: maskSecret(c.CallbackSecret),
		CronSecret:     maskSecret(c.CronSecret),
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
