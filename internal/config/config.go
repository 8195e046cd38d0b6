// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Rate       RateConfig       `mapstructure:"rate"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EngineConfig governs dispatcher concurrency.
type EngineConfig struct {
	Workers          int     `mapstructure:"workers"`
	GlobalInFlight   int     `mapstructure:"global_in_flight"`
	PerTargetMax     int     `mapstructure:"per_target_max"`
	GlobalRPS        float64 `mapstructure:"global_rps"`
	IdlePollMs       int     `mapstructure:"idle_poll_ms"`
	StarvationWaitMs int     `mapstructure:"starvation_wait_ms"`
}

// RetryConfig shapes the retry/backoff policy.
type RetryConfig struct {
	AttemptCeiling int `mapstructure:"attempt_ceiling"`
	BaseDelayMs    int `mapstructure:"base_delay_ms"`
	MaxDelayMs     int `mapstructure:"max_delay_ms"`
}

// RateConfig tunes the per-target adaptive governor.
type RateConfig struct {
	FloorMs        int     `mapstructure:"floor_ms"`
	CeilingMs      int     `mapstructure:"ceiling_ms"`
	InitialMs      int     `mapstructure:"initial_ms"`
	NarrowFactor   float64 `mapstructure:"narrow_factor"`
	WidenFactor    float64 `mapstructure:"widen_factor"`
	JitterFraction float64 `mapstructure:"jitter_fraction"`
	HardCoolingSec int     `mapstructure:"hard_cooling_seconds"`
}

// IdentityConfig tunes the identity pool and seeds its members.
type IdentityConfig struct {
	FailureThreshold int            `mapstructure:"failure_threshold"`
	CooldownBaseSec  int            `mapstructure:"cooldown_base_seconds"`
	CooldownGrowth   float64        `mapstructure:"cooldown_growth"`
	CooldownCapSec   int            `mapstructure:"cooldown_cap_seconds"`
	RetireRatio      float64        `mapstructure:"retire_ratio"`
	RetireMinUses    int            `mapstructure:"retire_min_uses"`
	HealthAlpha      float64        `mapstructure:"health_alpha"`
	Seeds            []IdentitySeed `mapstructure:"seeds"`
}

// IdentitySeed describes one identity loaded at startup.
type IdentitySeed struct {
	ProxyURL    string             `mapstructure:"proxy_url"`
	Username    string             `mapstructure:"username"`
	Password    string             `mapstructure:"password"`
	Fingerprint scrape.Fingerprint `mapstructure:"fingerprint"`
}

// FetchConfig controls fetcher behavior.
type FetchConfig struct {
	TimeoutSeconds  int  `mapstructure:"timeout_seconds"`
	HeadlessEnabled bool `mapstructure:"headless_enabled"`
	HeadlessNavSec  int  `mapstructure:"headless_nav_seconds"`
}

// SinkConfig selects where extracted records go.
type SinkConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where dead-letter payloads are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// CheckpointConfig controls state persistence across restarts.
type CheckpointConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn"`
	IntervalSec int    `mapstructure:"interval_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.global_in_flight", 8)
	v.SetDefault("engine.per_target_max", 2)
	v.SetDefault("engine.global_rps", 4.0)
	v.SetDefault("engine.idle_poll_ms", 100)
	v.SetDefault("engine.starvation_wait_ms", 500)
	v.SetDefault("retry.attempt_ceiling", 5)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 60000)
	v.SetDefault("rate.floor_ms", 2000)
	v.SetDefault("rate.ceiling_ms", 300000)
	v.SetDefault("rate.initial_ms", 5000)
	v.SetDefault("rate.narrow_factor", 0.9)
	v.SetDefault("rate.widen_factor", 2.0)
	v.SetDefault("rate.jitter_fraction", 0.2)
	v.SetDefault("rate.hard_cooling_seconds", 600)
	v.SetDefault("identity.failure_threshold", 3)
	v.SetDefault("identity.cooldown_base_seconds", 60)
	v.SetDefault("identity.cooldown_growth", 2.0)
	v.SetDefault("identity.cooldown_cap_seconds", 3600)
	v.SetDefault("identity.retire_ratio", 0.5)
	v.SetDefault("identity.retire_min_uses", 20)
	v.SetDefault("identity.health_alpha", 0.3)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.headless_enabled", false)
	v.SetDefault("fetch.headless_nav_seconds", 25)
	v.SetDefault("sink.backend", "memory")
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.prefix", "deadletter")
	v.SetDefault("checkpoint.enabled", false)
	v.SetDefault("checkpoint.interval_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be > 0")
	}
	if c.Engine.GlobalInFlight <= 0 {
		return fmt.Errorf("engine.global_in_flight must be > 0")
	}
	if c.Engine.PerTargetMax <= 0 {
		return fmt.Errorf("engine.per_target_max must be > 0")
	}
	if c.Retry.AttemptCeiling <= 0 {
		return fmt.Errorf("retry.attempt_ceiling must be > 0")
	}
	if c.Rate.FloorMs <= 0 {
		return fmt.Errorf("rate.floor_ms must be > 0")
	}
	if c.Rate.CeilingMs < c.Rate.FloorMs {
		return fmt.Errorf("rate.ceiling_ms must be >= rate.floor_ms")
	}
	if c.Rate.WidenFactor <= 1 {
		return fmt.Errorf("rate.widen_factor must be > 1")
	}
	if c.Rate.NarrowFactor <= 0 || c.Rate.NarrowFactor >= 1 {
		return fmt.Errorf("rate.narrow_factor must be in (0, 1)")
	}
	if c.Rate.JitterFraction < 0 || c.Rate.JitterFraction > 1 {
		return fmt.Errorf("rate.jitter_fraction must be in [0, 1]")
	}
	if c.Identity.FailureThreshold <= 0 {
		return fmt.Errorf("identity.failure_threshold must be > 0")
	}
	if c.Identity.CooldownGrowth < 1 {
		return fmt.Errorf("identity.cooldown_growth must be >= 1")
	}
	if c.Identity.RetireRatio <= 0 || c.Identity.RetireRatio > 1 {
		return fmt.Errorf("identity.retire_ratio must be in (0, 1]")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Checkpoint.Enabled && c.Checkpoint.DSN == "" {
		return fmt.Errorf("checkpoint.dsn must be set when checkpointing is enabled")
	}
	return nil
}

// FetchTimeout returns the hard per-fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
