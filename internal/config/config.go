// Package config loads and validates coordinator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Store      StoreConfig      `mapstructure:"store"`
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

// DispatcherConfig governs queue and dispatch loop behavior.
type DispatcherConfig struct {
	TickSeconds     int                 `mapstructure:"tick_seconds"`
	MaxRetries      int                 `mapstructure:"max_retries"`
	DefaultPriority int                 `mapstructure:"default_priority"`
	PauseInflight   bool                `mapstructure:"pause_inflight"`
	JobProviders    map[string][]string `mapstructure:"job_providers"`
}

// FleetConfig governs satellite liveness tracking.
type FleetConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	MissedHeartbeats int `mapstructure:"missed_heartbeats"`
	StatsWindowHours int `mapstructure:"stats_window_hours"`
}

// ProviderConfig sets the metered limit and reset period for one provider.
type ProviderConfig struct {
	Limit       int64   `mapstructure:"limit"`
	ResetPeriod string  `mapstructure:"reset_period"`
	RPS         float64 `mapstructure:"rps"`
}

// QuotaConfig governs the quota tracker and circuit breaker.
type QuotaConfig struct {
	FailureThreshold int                       `mapstructure:"failure_threshold"`
	CooldownSeconds  int                       `mapstructure:"cooldown_seconds"`
	SuccessRateFloor float64                   `mapstructure:"success_rate_floor"`
	Providers        map[string]ProviderConfig `mapstructure:"providers"`
}

// TelemetryConfig governs the snapshot broadcast.
type TelemetryConfig struct {
	IntervalSeconds  int    `mapstructure:"interval_seconds"`
	KeepaliveSeconds int    `mapstructure:"keepalive_seconds"`
	Publisher        string `mapstructure:"publisher"`
	KafkaBroker      string `mapstructure:"kafka_broker"`
	KafkaTopic       string `mapstructure:"kafka_topic"`
	PubSubProject    string `mapstructure:"pubsub_project"`
	PubSubTopic      string `mapstructure:"pubsub_topic"`
}

// StoreConfig selects persistence providers.
type StoreConfig struct {
	Jobs       string `mapstructure:"jobs"`
	DSN        string `mapstructure:"dsn"`
	QuotaState string `mapstructure:"quota_state"`
	RedisAddr  string `mapstructure:"redis_addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COORDINATOR")
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
	v.SetDefault("dispatcher.tick_seconds", 5)
	v.SetDefault("dispatcher.max_retries", 3)
	v.SetDefault("dispatcher.default_priority", 5)
	v.SetDefault("dispatcher.pause_inflight", false)
	v.SetDefault("dispatcher.job_providers", map[string][]string{
		"link_analysis":        {"link_index"},
		"competitive_analysis": {"link_index", "domain_intel"},
		"domain_analysis":      {"domain_intel"},
	})
	v.SetDefault("fleet.heartbeat_seconds", 10)
	v.SetDefault("fleet.missed_heartbeats", 3)
	v.SetDefault("fleet.stats_window_hours", 24)
	v.SetDefault("quota.failure_threshold", 5)
	v.SetDefault("quota.cooldown_seconds", 60)
	v.SetDefault("quota.success_rate_floor", 0.5)
	v.SetDefault("telemetry.interval_seconds", 5)
	v.SetDefault("telemetry.keepalive_seconds", 15)
	v.SetDefault("telemetry.publisher", "none")
	v.SetDefault("store.jobs", "memory")
	v.SetDefault("store.quota_state", "none")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Dispatcher.TickSeconds <= 0 {
		return fmt.Errorf("dispatcher.tick_seconds must be > 0")
	}
	if c.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("dispatcher.max_retries must be >= 0")
	}
	if c.Fleet.HeartbeatSeconds <= 0 || c.Fleet.MissedHeartbeats <= 0 {
		return fmt.Errorf("fleet heartbeat settings must be > 0")
	}
	if c.Quota.FailureThreshold <= 0 {
		return fmt.Errorf("quota.failure_threshold must be > 0")
	}
	if c.Quota.CooldownSeconds <= 0 {
		return fmt.Errorf("quota.cooldown_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Jobs {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.jobs is postgres")
		}
	default:
		return fmt.Errorf("unknown job store provider: %s", c.Store.Jobs)
	}
	switch c.Store.QuotaState {
	case "none":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr must be set when store.quota_state is redis")
		}
	default:
		return fmt.Errorf("unknown quota state provider: %s", c.Store.QuotaState)
	}
	switch c.Telemetry.Publisher {
	case "none", "memory":
	case "kafka":
		if c.Telemetry.KafkaBroker == "" || c.Telemetry.KafkaTopic == "" {
			return fmt.Errorf("telemetry.kafka_broker and kafka_topic must be set for the kafka publisher")
		}
	case "pubsub":
		if c.Telemetry.PubSubProject == "" || c.Telemetry.PubSubTopic == "" {
			return fmt.Errorf("telemetry.pubsub_project and pubsub_topic must be set for the pubsub publisher")
		}
	default:
		return fmt.Errorf("unknown telemetry publisher: %s", c.Telemetry.Publisher)
	}
	for name, p := range c.Quota.Providers {
		if p.ResetPeriod != "" {
			if _, err := time.ParseDuration(p.ResetPeriod); err != nil {
				return fmt.Errorf("quota.providers.%s.reset_period: %w", name, err)
			}
		}
	}
	return nil
}

// HeartbeatTimeout is the liveness cutoff: a satellite is unresponsive once
// it misses the configured number of heartbeat intervals.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Fleet.HeartbeatSeconds*c.Fleet.MissedHeartbeats) * time.Second
}

// DispatchTick returns the dispatch loop interval.
func (c Config) DispatchTick() time.Duration {
	return time.Duration(c.Dispatcher.TickSeconds) * time.Second
}

// BreakerCooldown returns the open-breaker cooldown interval.
func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Quota.CooldownSeconds) * time.Second
}
