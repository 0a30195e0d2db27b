// ABOUTME: Configuration loading and parsing for coven-gatekeeper
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration and amount parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-gatekeeper/internal/money"
)

// Config represents the complete coven-gatekeeper configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Budget    BudgetConfig    `yaml:"budget" toml:"budget"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Admission AdmissionConfig `yaml:"admission" toml:"admission"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// AuthConfig holds caller authentication and user identity configuration
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Whitelist []string `yaml:"whitelist" toml:"whitelist"`
	// TokenAuthEnabled defaults to true when unset.
	TokenAuthEnabled *bool `yaml:"token_auth_enabled" toml:"token_auth_enabled"`
}

// TokenAuth reports whether access tokens can admit non-whitelisted users.
func (a AuthConfig) TokenAuth() bool {
	return a.TokenAuthEnabled == nil || *a.TokenAuthEnabled
}

// RateLimitConfig holds per-user token bucket settings
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window" toml:"requests_per_window"`
	Burst             int           `yaml:"burst" toml:"burst"`
	Window            time.Duration `yaml:"-" toml:"-"`
	IdleTTL           time.Duration `yaml:"-" toml:"-"`

	WindowRaw  string `yaml:"window" toml:"window"`
	IdleTTLRaw string `yaml:"idle_ttl" toml:"idle_ttl"`
}

// SessionsConfig holds session manager settings
type SessionsConfig struct {
	MaxPerUser      int           `yaml:"max_per_user" toml:"max_per_user"`
	Eviction        string        `yaml:"eviction" toml:"eviction"` // lru or reject
	IdleTimeout     time.Duration `yaml:"-" toml:"-"`
	ClosedRetention time.Duration `yaml:"-" toml:"-"`
	SweepInterval   time.Duration `yaml:"-" toml:"-"`

	IdleTimeoutRaw     string `yaml:"idle_timeout" toml:"idle_timeout"`
	ClosedRetentionRaw string `yaml:"closed_retention" toml:"closed_retention"`
	SweepIntervalRaw   string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// BudgetConfig holds the per-user cost ceiling
type BudgetConfig struct {
	CostCeiling money.Amount `yaml:"-" toml:"-"` // 0 means unlimited

	CostCeilingRaw string `yaml:"cost_ceiling" toml:"cost_ceiling"`
}

// AuditConfig holds audit writer settings
type AuditConfig struct {
	Shards       int           `yaml:"shards" toml:"shards"`
	QueueSize    int           `yaml:"queue_size" toml:"queue_size"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// AdmissionConfig holds request replay settings. ReplayTTL 0 disables replay.
type AdmissionConfig struct {
	ReplaySize int           `yaml:"replay_size" toml:"replay_size"`
	ReplayTTL  time.Duration `yaml:"-" toml:"-"`

	ReplayTTLRaw string `yaml:"replay_ttl" toml:"replay_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults
const (
	DefaultRequestsPerWindow = 10
	DefaultWindow            = time.Minute
	DefaultBurst             = 20
	DefaultMaxPerUser        = 5
	DefaultIdleTimeout       = 30 * time.Minute
	DefaultClosedRetention   = time.Hour
	DefaultSweepInterval     = time.Minute
	DefaultCostCeiling       = "10.00"
	DefaultReplaySize        = 10000
	DefaultReplayTTL         = 5 * time.Minute
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultMetricsPath       = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration and amount strings are parsed after decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration text, applies defaults and validates it.
func Parse(text string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(text)

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyRawDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := parseAmounts(&cfg); err != nil {
		return nil, fmt.Errorf("parsing amounts: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config file location.
// Priority: COVEN_GATEKEEPER_CONFIG env var > XDG_CONFIG_HOME/coven/gatekeeper.yaml > ~/.config/coven/gatekeeper.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_GATEKEEPER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gatekeeper.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "gatekeeper.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyRawDefaults fills raw strings that need parsing.
func (c *Config) applyRawDefaults() {
	if c.Budget.CostCeilingRaw == "" {
		c.Budget.CostCeilingRaw = DefaultCostCeiling
	}
}

// applyDefaults fills unset limits after parsing.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.RateLimit.RequestsPerWindow == 0 {
		c.RateLimit.RequestsPerWindow = DefaultRequestsPerWindow
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = DefaultWindow
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultBurst
	}
	if c.Sessions.MaxPerUser == 0 {
		c.Sessions.MaxPerUser = DefaultMaxPerUser
	}
	if c.Sessions.Eviction == "" {
		c.Sessions.Eviction = "lru"
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sessions.ClosedRetention == 0 {
		c.Sessions.ClosedRetention = DefaultClosedRetention
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Admission.ReplaySize == 0 {
		c.Admission.ReplaySize = DefaultReplaySize
	}
	if c.Admission.ReplayTTLRaw == "" {
		c.Admission.ReplayTTL = DefaultReplayTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.RateLimit.RequestsPerWindow < 0 || c.RateLimit.Burst < 0 || c.RateLimit.Window < 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	if c.Sessions.MaxPerUser < 0 {
		return fmt.Errorf("sessions.max_per_user must be positive")
	}
	if c.Sessions.Eviction != "lru" && c.Sessions.Eviction != "reject" {
		return fmt.Errorf("sessions.eviction must be lru or reject, got %q", c.Sessions.Eviction)
	}
	if c.Budget.CostCeiling < 0 {
		return fmt.Errorf("budget.cost_ceiling must not be negative")
	}
	if c.Audit.Shards < 0 || c.Audit.QueueSize < 0 {
		return fmt.Errorf("audit.shards and audit.queue_size must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"rate_limit.idle_ttl", cfg.RateLimit.IdleTTLRaw, &cfg.RateLimit.IdleTTL},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.closed_retention", cfg.Sessions.ClosedRetentionRaw, &cfg.Sessions.ClosedRetention},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"audit.write_timeout", cfg.Audit.WriteTimeoutRaw, &cfg.Audit.WriteTimeout},
		{"admission.replay_ttl", cfg.Admission.ReplayTTLRaw, &cfg.Admission.ReplayTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// parseAmounts converts raw dollar strings into money.Amount values
func parseAmounts(cfg *Config) error {
	a, err := money.Parse(cfg.Budget.CostCeilingRaw)
	if err != nil {
		return fmt.Errorf("parsing budget.cost_ceiling %q: %w", cfg.Budget.CostCeilingRaw, err)
	}
	cfg.Budget.CostCeiling = a
	return nil
}
