package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Jobs != "memory" || cfg.Store.QuotaState != "none" {
		t.Fatalf("expected memory job store and no quota state store, got %q/%q", cfg.Store.Jobs, cfg.Store.QuotaState)
	}
	if cfg.Telemetry.Publisher != "none" {
		t.Fatalf("expected telemetry publisher none, got %q", cfg.Telemetry.Publisher)
	}
	if got := cfg.HeartbeatTimeout(); got != 30*time.Second {
		t.Fatalf("expected 30s heartbeat timeout (10s x 3 missed), got %v", got)
	}
	if got := cfg.DispatchTick(); got != 5*time.Second {
		t.Fatalf("expected 5s dispatch tick, got %v", got)
	}
	if providers := cfg.Dispatcher.JobProviders["competitive_analysis"]; len(providers) != 2 {
		t.Fatalf("expected competitive_analysis to depend on two providers, got %v", providers)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
dispatcher:
  tick_seconds: 2
  max_retries: 5
  default_priority: 3
fleet:
  heartbeat_seconds: 5
  missed_heartbeats: 4
quota:
  failure_threshold: 7
  cooldown_seconds: 120
  providers:
    link_index:
      limit: 1000
      reset_period: 24h
      rps: 10
telemetry:
  interval_seconds: 10
  publisher: kafka
  kafka_broker: localhost:9092
  kafka_topic: coordinator-telemetry
store:
  jobs: postgres
  dsn: postgres://coordinator:pw@localhost:5432/coordinator
  quota_state: redis
  redis_addr: localhost:6379
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Dispatcher.MaxRetries != 5 || cfg.Dispatcher.DefaultPriority != 3 {
		t.Fatalf("expected dispatcher overrides to apply: %+v", cfg.Dispatcher)
	}
	if got := cfg.HeartbeatTimeout(); got != 20*time.Second {
		t.Fatalf("expected 20s heartbeat timeout, got %v", got)
	}
	if got := cfg.BreakerCooldown(); got != 2*time.Minute {
		t.Fatalf("expected 2m breaker cooldown, got %v", got)
	}
	p, ok := cfg.Quota.Providers["link_index"]
	if !ok || p.Limit != 1000 || p.ResetPeriod != "24h" || p.RPS != 10 {
		t.Fatalf("expected link_index provider config, got %+v", p)
	}
	if cfg.Telemetry.Publisher != "kafka" || cfg.Telemetry.KafkaTopic != "coordinator-telemetry" {
		t.Fatalf("expected kafka telemetry config, got %+v", cfg.Telemetry)
	}
	if cfg.Store.Jobs != "postgres" || cfg.Store.QuotaState != "redis" {
		t.Fatalf("expected postgres/redis stores, got %+v", cfg.Store)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown job store",
			mutate:  func(c *Config) { c.Store.Jobs = "sqlite" },
			wantErr: "job store",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Jobs = "postgres" },
			wantErr: "store.dsn",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Store.QuotaState = "redis" },
			wantErr: "store.redis_addr",
		},
		{
			name:    "kafka without broker",
			mutate:  func(c *Config) { c.Telemetry.Publisher = "kafka" },
			wantErr: "kafka_broker",
		},
		{
			name:    "pubsub without project",
			mutate:  func(c *Config) { c.Telemetry.Publisher = "pubsub" },
			wantErr: "pubsub_project",
		},
		{
			name: "bad reset period",
			mutate: func(c *Config) {
				c.Quota.Providers = map[string]ProviderConfig{
					"link_index": {Limit: 100, ResetPeriod: "fortnightly"},
				}
			},
			wantErr: "reset_period",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tc.mutate(&cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
