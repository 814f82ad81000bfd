// Package config centralizes the worker's environment-variable configuration.
// There is deliberately no file format or flags library: every knob is a plain
// env var, matching a twelve-factor worker process.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/swiftgrid/worker/internal/platform/envutil"
)

// Config holds every tunable the worker, scheduler, and control API read at startup.
type Config struct {
	DatabaseURL string
	RedisURL    string
	APIBaseURL  string

	DBPoolSize int

	WorkerConcurrency int
	LogMode           string
	WorkerVerbose     bool

	JSTimeoutMS     int
	JSMemoryLimitMB int

	MetricsEnabled bool
	MetricsAddr    string

	OTelEnabled  bool
	OTelEndpoint string

	ControlAPIAddr      string
	ControlAPIJWTSecret string

	SchedulerTick             time.Duration
	SchedulerStaleBatchAfter  time.Duration
	SchedulerOrphanChildAfter time.Duration
	SchedulerSuspensionGrace  time.Duration
}

// Load reads configuration from the process environment, applying the
// defaults documented in the external-interfaces contract.
func Load() *Config {
	return &Config{
		DatabaseURL: getenv("DATABASE_URL", ""),
		RedisURL:    getenv("REDIS_URL", "redis://localhost:6379/0"),
		APIBaseURL:  getenv("API_BASE_URL", "http://localhost:8080"),

		DBPoolSize: envutil.Int("DB_POOL_SIZE", 10),

		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 4),
		LogMode:           getenv("LOG_MODE", "development"),
		WorkerVerbose:     getBool("WORKER_VERBOSE", false),

		JSTimeoutMS:     envutil.Int("JS_TIMEOUT_MS", 30000),
		JSMemoryLimitMB: envutil.Int("JS_MEMORY_LIMIT", 128),

		MetricsEnabled: getBool("METRICS_ENABLED", true),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),

		OTelEnabled:  getBool("OTEL_ENABLED", false),
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		ControlAPIAddr:      getenv("CONTROL_API_ADDR", ":8080"),
		ControlAPIJWTSecret: getenv("CONTROL_API_JWT_SECRET", ""),

		SchedulerTick:             time.Duration(envutil.Int("SCHEDULER_TICK_MS", 1000)) * time.Millisecond,
		SchedulerStaleBatchAfter:  time.Duration(envutil.Int("SCHEDULER_STALE_BATCH_AFTER_SECONDS", 60)) * time.Second,
		SchedulerOrphanChildAfter: time.Duration(envutil.Int("SCHEDULER_ORPHAN_CHILD_AFTER_SECONDS", 120)) * time.Second,
		SchedulerSuspensionGrace:  time.Duration(envutil.Int("SCHEDULER_SUSPENSION_GRACE_SECONDS", 0)) * time.Second,
	}
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
