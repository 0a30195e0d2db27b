// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-gatekeeper/internal/money"
)

const minimalYAML = `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"
  shutdown_timeout: "3s"

database:
  driver: "sqlite"
  path: "./test.db"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  whitelist: ["alice", "ops-bot"]
  token_auth_enabled: false

rate_limit:
  requests_per_window: 30
  window: "2m"
  burst: 40
  idle_ttl: "1h"

sessions:
  max_per_user: 3
  idle_timeout: "15m"
  eviction: "reject"
  closed_retention: "2h"
  sweep_interval: "30s"

budget:
  cost_ceiling: "$25.50"

audit:
  shards: 8
  queue_size: 2048
  write_timeout: "2s"

admission:
  replay_ttl: "10m"
  replay_size: 500

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want %v", cfg.Server.ShutdownTimeout, 3*time.Second)
	}
	if len(cfg.Auth.Whitelist) != 2 || cfg.Auth.Whitelist[1] != "ops-bot" {
		t.Errorf("Auth.Whitelist = %v", cfg.Auth.Whitelist)
	}
	if cfg.Auth.TokenAuth() {
		t.Error("Auth.TokenAuth() = true, want false")
	}
	if cfg.RateLimit.RequestsPerWindow != 30 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.Window != 2*time.Minute {
		t.Errorf("RateLimit.Window = %v, want %v", cfg.RateLimit.Window, 2*time.Minute)
	}
	if cfg.RateLimit.IdleTTL != time.Hour {
		t.Errorf("RateLimit.IdleTTL = %v, want %v", cfg.RateLimit.IdleTTL, time.Hour)
	}
	if cfg.Sessions.MaxPerUser != 3 || cfg.Sessions.Eviction != "reject" {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.Sessions.IdleTimeout != 15*time.Minute {
		t.Errorf("Sessions.IdleTimeout = %v, want %v", cfg.Sessions.IdleTimeout, 15*time.Minute)
	}
	if cfg.Sessions.ClosedRetention != 2*time.Hour {
		t.Errorf("Sessions.ClosedRetention = %v, want %v", cfg.Sessions.ClosedRetention, 2*time.Hour)
	}
	if cfg.Sessions.SweepInterval != 30*time.Second {
		t.Errorf("Sessions.SweepInterval = %v, want %v", cfg.Sessions.SweepInterval, 30*time.Second)
	}
	if want := 25*money.Dollar + 50*money.Cent; cfg.Budget.CostCeiling != want {
		t.Errorf("Budget.CostCeiling = %v, want %v", cfg.Budget.CostCeiling, want)
	}
	if cfg.Audit.Shards != 8 || cfg.Audit.QueueSize != 2048 || cfg.Audit.WriteTimeout != 2*time.Second {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
	if cfg.Admission.ReplayTTL != 10*time.Minute || cfg.Admission.ReplaySize != 500 {
		t.Errorf("Admission = %+v", cfg.Admission)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverSQLite)
	}
	if !cfg.Auth.TokenAuth() {
		t.Error("Auth.TokenAuth() = false, want true")
	}
	if cfg.RateLimit.RequestsPerWindow != 10 || cfg.RateLimit.Window != time.Minute || cfg.RateLimit.Burst != 20 {
		t.Errorf("RateLimit = %+v, want 10 per minute with burst 20", cfg.RateLimit)
	}
	if cfg.Sessions.MaxPerUser != 5 || cfg.Sessions.IdleTimeout != 30*time.Minute || cfg.Sessions.Eviction != "lru" {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.Budget.CostCeiling != 10*money.Dollar {
		t.Errorf("Budget.CostCeiling = %v, want $10", cfg.Budget.CostCeiling)
	}
	if cfg.Admission.ReplayTTL != DefaultReplayTTL {
		t.Errorf("Admission.ReplayTTL = %v, want %v", cfg.Admission.ReplayTTL, DefaultReplayTTL)
	}
	if cfg.Logging.Format != "text" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Logging = %+v, Metrics = %+v", cfg.Logging, cfg.Metrics)
	}
}

func TestLoad_ZeroMeansDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", minimalYAML+`
budget:
  cost_ceiling: "0"
admission:
  replay_ttl: "0s"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Budget.CostCeiling != 0 {
		t.Errorf("Budget.CostCeiling = %v, want unlimited", cfg.Budget.CostCeiling)
	}
	if cfg.Admission.ReplayTTL != 0 {
		t.Errorf("Admission.ReplayTTL = %v, want 0", cfg.Admission.ReplayTTL)
	}
}

func TestLoad_TOML(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://gk@localhost/gk")

	configPath := writeConfig(t, "gatekeeper.toml", `
[server]
grpc_addr = "127.0.0.1:50051"
http_addr = "127.0.0.1:8080"

[database]
driver = "postgres"
dsn = "${TEST_PG_DSN}"

[auth]
whitelist = ["alice"]

[rate_limit]
window = "30s"

[budget]
cost_ceiling = "2.5"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.DSN != "postgres://gk@localhost/gk" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("RateLimit.Window = %v, want 30s", cfg.RateLimit.Window)
	}
	if want := 2*money.Dollar + 50*money.Cent; cfg.Budget.CostCeiling != want {
		t.Errorf("Budget.CostCeiling = %v, want %v", cfg.Budget.CostCeiling, want)
	}
	if len(cfg.Auth.Whitelist) != 1 {
		t.Errorf("Auth.Whitelist = %v", cfg.Auth.Whitelist)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "secret-from-env-that-is-32-bytes!")
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	cfg, err := Load(writeConfig(t, "config.yaml", minimalYAML+`
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
  whitelist: ["${UNSET_VAR_FOR_TEST}"]
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "secret-from-env-that-is-32-bytes!" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if len(cfg.Auth.Whitelist) != 1 || cfg.Auth.Whitelist[0] != "" {
		t.Errorf("Auth.Whitelist = %q, want one empty entry", cfg.Auth.Whitelist)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", "server: [unclosed"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{"bad duration", "sessions:\n  idle_timeout: \"soon\"\n", "sessions.idle_timeout"},
		{"negative duration", "rate_limit:\n  window: \"-1m\"\n", "rate_limit.window"},
		{"bad amount", "budget:\n  cost_ceiling: \"ten\"\n", "budget.cost_ceiling"},
		{"too many decimals", "budget:\n  cost_ceiling: \"1.0000001\"\n", "budget.cost_ceiling"},
		{"negative ceiling", "budget:\n  cost_ceiling: \"-1\"\n", "budget.cost_ceiling"},
		{"unknown eviction", "sessions:\n  eviction: \"random\"\n", "sessions.eviction"},
		{"short jwt secret", "auth:\n  jwt_secret: \"short\"\n", "jwt_secret"},
		{"bad log format", "logging:\n  format: \"xml\"\n", "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", minimalYAML+tt.extra))
			if err == nil {
				t.Fatalf("Load() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{GRPCAddr: ":50051", HTTPAddr: ":8080"},
			Database: DatabaseConfig{Driver: DriverSQLite, Path: "x.db"},
			Sessions: SessionsConfig{Eviction: "lru"},
			Logging:  LoggingConfig{Format: "text"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing grpc addr", func(c *Config) { c.Server.GRPCAddr = "" }, true},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, true},
		{"tailscale replaces addrs", func(c *Config) {
			c.Server = ServerConfig{}
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "gatekeeper"}
		}, false},
		{"tailscale needs hostname", func(c *Config) { c.Tailscale.Enabled = true }, true},
		{"sqlite needs path", func(c *Config) { c.Database.Path = "" }, true},
		{"postgres needs dsn", func(c *Config) { c.Database.Driver = DriverPostgres }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"postgres with dsn", func(c *Config) {
			c.Database = DatabaseConfig{Driver: DriverPostgres, DSN: "postgres://x"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COVEN_GATEKEEPER_CONFIG", "/etc/coven/gk.toml")
	if got := DefaultPath(); got != "/etc/coven/gk.toml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv("COVEN_GATEKEEPER_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got, want := DefaultPath(), filepath.Join("/xdg", "coven", "gatekeeper.yaml"); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}
