// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Plugins configures where plugin bundles live and install-time policy.
type Plugins struct {
	Root             string `mapstructure:"root"`
	StagingDir       string `mapstructure:"staging_dir"`
	BackupsDir       string `mapstructure:"backups_dir"`
	RequireSignature bool   `mapstructure:"require_signature"`
	TrustedKeysPath  string `mapstructure:"trusted_keys_path"`
	MaxBundleBytes   int64  `mapstructure:"max_bundle_bytes"`
	MaxEntryBytes    int64  `mapstructure:"max_entry_bytes"`
	MaxEntryCount    int    `mapstructure:"max_entry_count"`
}

// JSVM configures the embedded JavaScript sandbox.
type JSVM struct {
	MemoryLimitBytes uint64        `mapstructure:"memory_limit_bytes"`
	MaxCallStackSize int           `mapstructure:"max_call_stack_size"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
}

// Scheduler configures the reliability-layer task scheduler.
type Scheduler struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueSize   int `mapstructure:"queue_size"`
}

// RateLimitTier configures one tier of the two-tier token bucket.
type RateLimitTier struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// RateLimit configures the global and per-plugin rate limiter tiers.
type RateLimit struct {
	Global RateLimitTier `mapstructure:"global"`
	Plugin RateLimitTier `mapstructure:"plugin"`
}

// Cache configures the call-result cache, including its optional Redis tier.
type Cache struct {
	TTL       time.Duration `mapstructure:"ttl"`
	TTI       time.Duration `mapstructure:"tti"`
	RedisAddr string        `mapstructure:"redis_addr"`
}

// Retry configures the default exponential backoff schedule used by
// fetch retries and other reliability-layer callers.
type Retry struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
}

// Fetch configures the SSRF-guarded outbound fetch capability.
type Fetch struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	Disabled         bool          `mapstructure:"disabled"`
}

// Timers configures the per-host timer admission pool.
type Timers struct {
	MaxPermits  int           `mapstructure:"max_permits"`
	MinTimeout  time.Duration `mapstructure:"min_timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// Health configures the sliding-window health monitor and alert manager.
type Health struct {
	WindowSize    int           `mapstructure:"window_size"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
}

// Observability configures logging, metrics, and the optional HTTP
// endpoint that exposes them.
type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Plugins       Plugins       `mapstructure:"plugins"`
	JSVM          JSVM          `mapstructure:"jsvm"`
	Scheduler     Scheduler     `mapstructure:"scheduler"`
	RateLimit     RateLimit     `mapstructure:"rate_limit"`
	Cache         Cache         `mapstructure:"cache"`
	Retry         Retry         `mapstructure:"retry"`
	Fetch         Fetch         `mapstructure:"fetch"`
	Timers        Timers        `mapstructure:"timers"`
	Health        Health        `mapstructure:"health"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Plugins: Plugins{
			Root:             "./plugins",
			StagingDir:       "./plugins/.staging",
			BackupsDir:       "./plugins/.backups",
			RequireSignature: true,
			MaxBundleBytes:   64 * 1024 * 1024,
			MaxEntryBytes:    16 * 1024 * 1024,
			MaxEntryCount:    4096,
		},
		JSVM: JSVM{
			MemoryLimitBytes: 64 * 1024 * 1024,
			MaxCallStackSize: 256,
			ExecutionTimeout: 5 * time.Second,
		},
		Scheduler: Scheduler{
			Concurrency: 10,
			QueueSize:   100,
		},
		RateLimit: RateLimit{
			Global: RateLimitTier{RatePerSecond: 100, Burst: 50},
			Plugin: RateLimitTier{RatePerSecond: 20, Burst: 10},
		},
		Cache: Cache{
			TTL: 5 * time.Minute,
			TTI: 2 * time.Minute,
		},
		Retry: Retry{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		Fetch: Fetch{
			MaxConcurrent:    16,
			MaxResponseBytes: 10 * 1024 * 1024,
			DialTimeout:      5 * time.Second,
		},
		Timers: Timers{
			MaxPermits:  100,
			MinTimeout:  4 * time.Millisecond,
			MinInterval: 10 * time.Millisecond,
		},
		Health: Health{
			WindowSize:    100,
			AlertCooldown: 300 * time.Second,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from a YAML file, if present, then applies
// PLUGINHOST_-prefixed environment overrides on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("pluginhost")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("plugins.root", def.Plugins.Root)
	v.SetDefault("plugins.staging_dir", def.Plugins.StagingDir)
	v.SetDefault("plugins.backups_dir", def.Plugins.BackupsDir)
	v.SetDefault("plugins.require_signature", def.Plugins.RequireSignature)
	v.SetDefault("plugins.trusted_keys_path", def.Plugins.TrustedKeysPath)
	v.SetDefault("plugins.max_bundle_bytes", def.Plugins.MaxBundleBytes)
	v.SetDefault("plugins.max_entry_bytes", def.Plugins.MaxEntryBytes)
	v.SetDefault("plugins.max_entry_count", def.Plugins.MaxEntryCount)

	v.SetDefault("jsvm.memory_limit_bytes", def.JSVM.MemoryLimitBytes)
	v.SetDefault("jsvm.max_call_stack_size", def.JSVM.MaxCallStackSize)
	v.SetDefault("jsvm.execution_timeout", def.JSVM.ExecutionTimeout)

	v.SetDefault("scheduler.concurrency", def.Scheduler.Concurrency)
	v.SetDefault("scheduler.queue_size", def.Scheduler.QueueSize)

	v.SetDefault("rate_limit.global.rate_per_second", def.RateLimit.Global.RatePerSecond)
	v.SetDefault("rate_limit.global.burst", def.RateLimit.Global.Burst)
	v.SetDefault("rate_limit.plugin.rate_per_second", def.RateLimit.Plugin.RatePerSecond)
	v.SetDefault("rate_limit.plugin.burst", def.RateLimit.Plugin.Burst)

	v.SetDefault("cache.ttl", def.Cache.TTL)
	v.SetDefault("cache.tti", def.Cache.TTI)
	v.SetDefault("cache.redis_addr", def.Cache.RedisAddr)

	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", def.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", def.Retry.MaxDelay)
	v.SetDefault("retry.multiplier", def.Retry.Multiplier)
	v.SetDefault("retry.jitter_factor", def.Retry.JitterFactor)

	v.SetDefault("fetch.max_concurrent", def.Fetch.MaxConcurrent)
	v.SetDefault("fetch.max_response_bytes", def.Fetch.MaxResponseBytes)
	v.SetDefault("fetch.dial_timeout", def.Fetch.DialTimeout)
	v.SetDefault("fetch.disabled", def.Fetch.Disabled)

	v.SetDefault("timers.max_permits", def.Timers.MaxPermits)
	v.SetDefault("timers.min_timeout", def.Timers.MinTimeout)
	v.SetDefault("timers.min_interval", def.Timers.MinInterval)

	v.SetDefault("health.window_size", def.Health.WindowSize)
	v.SetDefault("health.alert_cooldown", def.Health.AlertCooldown)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Plugins.Root == "" {
		return fmt.Errorf("plugins.root must be set")
	}
	if cfg.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be >= 1")
	}
	if cfg.Scheduler.QueueSize < 1 {
		return fmt.Errorf("scheduler.queue_size must be >= 1")
	}
	if cfg.JSVM.MemoryLimitBytes == 0 {
		return fmt.Errorf("jsvm.memory_limit_bytes must be > 0")
	}
	if cfg.JSVM.ExecutionTimeout <= 0 {
		return fmt.Errorf("jsvm.execution_timeout must be > 0")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
