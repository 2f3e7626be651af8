// Package config loads smartpaste settings from a JSON file, environment
// variables and built-in defaults, in increasing order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/smartpaste/smartpaste/pkg/logging"
)

// Config holds all application configuration.
type Config struct {
	Cache      CacheConfig      `json:"cache"`
	Processor  ProcessorConfig  `json:"processor"`
	Automation AutomationConfig `json:"automation"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Monitoring MonitoringConfig `json:"monitoring"`
	Logging    logging.Config   `json:"logging" envPrefix:"SMARTPASTE_LOG_"`
}

// CacheConfig sizes the content cache and the general-purpose cache.
type CacheConfig struct {
	Dir                    string `json:"dir" env:"SMARTPASTE_CACHE_DIR" validate:"required"`
	MaxEntries             int    `json:"max_entries" env:"SMARTPASTE_CACHE_MAX_ENTRIES" validate:"gte=1"`
	MaxMemoryMB            int    `json:"max_memory_mb" env:"SMARTPASTE_CACHE_MAX_MEMORY_MB" validate:"gte=1"`
	TTLHours               int    `json:"ttl_hours" env:"SMARTPASTE_CACHE_TTL_HOURS" validate:"gte=0"`
	GeneralMaxEntries      int    `json:"general_max_entries" env:"SMARTPASTE_CACHE_GENERAL_MAX_ENTRIES" validate:"gte=1"`
	GeneralMaxMemoryMB     int    `json:"general_max_memory_mb" env:"SMARTPASTE_CACHE_GENERAL_MAX_MEMORY_MB" validate:"gte=1"`
	CleanupIntervalSeconds int    `json:"cleanup_interval_seconds" env:"SMARTPASTE_CACHE_CLEANUP_INTERVAL_SECONDS" validate:"gte=1"`
}

// TTL returns the content cache TTL.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// CleanupInterval returns the in-memory expiry sweep interval.
func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// ProcessorConfig sizes the async processor.
type ProcessorConfig struct {
	MaxWorkers            int  `json:"max_workers" env:"SMARTPASTE_PROCESSOR_MAX_WORKERS" validate:"gte=1"`
	MaxQueueSize          int  `json:"max_queue_size" env:"SMARTPASTE_PROCESSOR_MAX_QUEUE_SIZE" validate:"gte=1"`
	EnableCPUPool         bool `json:"enable_cpu_pool" env:"SMARTPASTE_PROCESSOR_ENABLE_CPU_POOL"`
	CPUPoolSize           int  `json:"cpu_pool_size" env:"SMARTPASTE_PROCESSOR_CPU_POOL_SIZE" validate:"gte=0"`
	EnqueueTimeoutMS      int  `json:"enqueue_timeout_ms" env:"SMARTPASTE_PROCESSOR_ENQUEUE_TIMEOUT_MS" validate:"gte=0"`
	MaxRetries            int  `json:"max_retries" env:"SMARTPASTE_PROCESSOR_MAX_RETRIES" validate:"gte=0"`
	DefaultTimeoutSeconds int  `json:"default_timeout_seconds" env:"SMARTPASTE_PROCESSOR_DEFAULT_TIMEOUT_SECONDS" validate:"gte=1"`
	ResultTimeoutSeconds  int  `json:"result_timeout_seconds" env:"SMARTPASTE_PROCESSOR_RESULT_TIMEOUT_SECONDS" validate:"gte=1"`
}

// EnqueueTimeout returns how long Submit waits for queue space.
func (c ProcessorConfig) EnqueueTimeout() time.Duration {
	return time.Duration(c.EnqueueTimeoutMS) * time.Millisecond
}

// DefaultTimeout returns the per-task execution timeout for content handlers.
func (c ProcessorConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// ResultTimeout returns how long callers wait for a handler result.
func (c ProcessorConfig) ResultTimeout() time.Duration {
	return time.Duration(c.ResultTimeoutSeconds) * time.Second
}

// AutomationConfig controls the rule engine.
type AutomationConfig struct {
	Enabled         bool   `json:"enabled" env:"SMARTPASTE_AUTOMATION_ENABLED"`
	RulesFile       string `json:"rules_file" env:"SMARTPASTE_AUTOMATION_RULES_FILE" validate:"required_if=Enabled true"`
	AuditFile       string `json:"audit_file" env:"SMARTPASTE_AUTOMATION_AUDIT_FILE"`
	WatchRules      bool   `json:"watch_rules" env:"SMARTPASTE_AUTOMATION_WATCH_RULES"`
	InstallDefaults bool   `json:"install_defaults" env:"SMARTPASTE_AUTOMATION_INSTALL_DEFAULTS"`
}

// SchedulerConfig controls cron-driven maintenance.
type SchedulerConfig struct {
	Enabled          bool   `json:"enabled" env:"SMARTPASTE_SCHEDULER_ENABLED"`
	TickSeconds      int    `json:"tick_seconds" env:"SMARTPASTE_SCHEDULER_TICK_SECONDS" validate:"gte=1"`
	CacheCleanupCron string `json:"cache_cleanup_cron" env:"SMARTPASTE_SCHEDULER_CACHE_CLEANUP_CRON" validate:"required,cronexpr"`
}

// Tick returns the scheduler polling interval.
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// MonitoringConfig sets alert thresholds.
type MonitoringConfig struct {
	Enabled                 bool    `json:"enabled" env:"SMARTPASTE_MONITORING_ENABLED"`
	MinHitRate              float64 `json:"min_hit_rate" env:"SMARTPASTE_MONITORING_MIN_HIT_RATE" validate:"gte=0,lte=100"`
	MinRequests             int64   `json:"min_requests" env:"SMARTPASTE_MONITORING_MIN_REQUESTS" validate:"gte=0"`
	MaxFailureRate          float64 `json:"max_failure_rate" env:"SMARTPASTE_MONITORING_MAX_FAILURE_RATE" validate:"gte=0,lte=100"`
	MaxQueueBacklog         int     `json:"max_queue_backlog" env:"SMARTPASTE_MONITORING_MAX_QUEUE_BACKLOG" validate:"gte=1"`
	EvaluateIntervalSeconds int     `json:"evaluate_interval_seconds" env:"SMARTPASTE_MONITORING_EVALUATE_INTERVAL_SECONDS" validate:"gte=1"`
	AlertCooldownSeconds    int     `json:"alert_cooldown_seconds" env:"SMARTPASTE_MONITORING_ALERT_COOLDOWN_SECONDS" validate:"gte=0"`
}

// EvaluateInterval returns how often alert rules are checked.
func (c MonitoringConfig) EvaluateInterval() time.Duration {
	return time.Duration(c.EvaluateIntervalSeconds) * time.Second
}

// AlertCooldown returns the minimum gap between notifications of the same alert.
func (c MonitoringConfig) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownSeconds) * time.Second
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:                    "smartpaste_cache",
			MaxEntries:             10000,
			MaxMemoryMB:            50,
			TTLHours:               24,
			GeneralMaxEntries:      500,
			GeneralMaxMemoryMB:     25,
			CleanupIntervalSeconds: 60,
		},
		Processor: ProcessorConfig{
			MaxWorkers:            8,
			MaxQueueSize:          2000,
			EnableCPUPool:         true,
			EnqueueTimeoutMS:      1000,
			MaxRetries:            3,
			DefaultTimeoutSeconds: 30,
			ResultTimeoutSeconds:  5,
		},
		Automation: AutomationConfig{
			Enabled:         true,
			RulesFile:       "smartpaste_rules.json",
			AuditFile:       "smartpaste_audit.db",
			WatchRules:      true,
			InstallDefaults: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			TickSeconds:      30,
			CacheCleanupCron: "@hourly",
		},
		Monitoring: MonitoringConfig{
			Enabled:                 true,
			MinHitRate:              20,
			MinRequests:             50,
			MaxFailureRate:          25,
			MaxQueueBacklog:         1000,
			EvaluateIntervalSeconds: 30,
			AlertCooldownSeconds:    300,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads path over the defaults, applies SMARTPASTE_* environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	cron := gronx.New()
	_ = v.RegisterValidation("cronexpr", func(fl validator.FieldLevel) bool {
		return cron.IsValid(fl.Field().String())
	})
	return v
}

// Validate checks every section against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
