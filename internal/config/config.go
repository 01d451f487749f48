package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	toml "github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so TOML and environment values can be written as "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration in Go syntax
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// D is shorthand for building a Duration
func D(v time.Duration) Duration {
	return Duration{Duration: v}
}

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
	Identity    IdentityConfig    `toml:"identity"`
	Warmup      WarmupConfig      `toml:"warmup"`
	Counters    CountersConfig    `toml:"counters"`
	Limits      LimitsConfig      `toml:"limits"`
	MX          MXConfig          `toml:"mx"`
	Pool        PoolConfig        `toml:"pool"`
	Delivery    DeliveryConfig    `toml:"delivery"`
	DKIM        DKIMConfig        `toml:"dkim"`
	Relay       RelayConfig       `toml:"relay"`
	Queue       QueueConfig       `toml:"queue"`
	Suppression SuppressionConfig `toml:"suppression"`
	Events      EventsConfig      `toml:"events"`
	Metrics     MetricsConfig     `toml:"metrics"`
	API         APIConfig         `toml:"api"`
	Cluster     ClusterConfig     `toml:"cluster"`
}

// ServerConfig identifies this sending node
type ServerConfig struct {
	Hostname string `toml:"hostname" env:"SENDLINE_HOSTNAME"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `toml:"level" env:"SENDLINE_LOG_LEVEL"`
	Format string `toml:"format" env:"SENDLINE_LOG_FORMAT"` // "text" or "json"
	Output string `toml:"output"`                           // "stdout", "stderr" or a file path
}

// IdentityConfig locates the sending identity registry
type IdentityConfig struct {
	Driver      string `toml:"driver" env:"SENDLINE_IDENTITY_DRIVER"` // sqlite3, postgres, mysql, memory
	DSN         string `toml:"dsn" env:"SENDLINE_IDENTITY_DSN"`
	MinCapacity int64  `toml:"min_capacity"`
}

// WarmupStep is one step of the warmup schedule
type WarmupStep struct {
	Day   int   `toml:"day"`
	Limit int64 `toml:"limit"`
}

// WarmupConfig describes how daily and hourly limits grow with warmup day
type WarmupConfig struct {
	Steps         []WarmupStep `toml:"steps"`
	HourlyDivisor int64        `toml:"hourly_divisor"`
	MinHourly     int64        `toml:"min_hourly"`
	Timezone      string       `toml:"timezone"`
}

// CountersConfig selects the shared counter store
type CountersConfig struct {
	Backend  string `toml:"backend" env:"SENDLINE_COUNTERS_BACKEND"` // redis, valkey, memcached, memory
	Addr     string `toml:"addr" env:"SENDLINE_COUNTERS_ADDR"`
	Password string `toml:"password" env:"SENDLINE_COUNTERS_PASSWORD"`
	Database int    `toml:"database"`
	Prefix   string `toml:"prefix"`
}

// RuleConfig is one destination rate rule
type RuleConfig struct {
	Name       string `toml:"name"`
	Provider   string `toml:"provider"`    // provider group, empty matches every domain
	Domain     string `toml:"domain"`      // exact recipient domain, overrides provider
	Scope      string `toml:"scope"`       // "identity" or "global"
	Window     string `toml:"window"`      // "minute", "hour", "day"
	Limit      int64  `toml:"limit"`       // sends per window
	FailPolicy string `toml:"fail_policy"` // "closed" or "open"
	Scale      bool   `toml:"scale"`       // multiply Limit by the profile multiplier
}

// ProviderConfig adds or extends a provider group
type ProviderConfig struct {
	Name       string   `toml:"name"`
	Domains    []string `toml:"domains"`
	MXSuffixes []string `toml:"mx_suffixes"`
}

// LimitsConfig holds destination rate rules
type LimitsConfig struct {
	Rules     []RuleConfig     `toml:"rules"`
	Providers []ProviderConfig `toml:"providers"`
}

// MXConfig configures DNS resolution of mail exchangers
type MXConfig struct {
	Resolvers []string `toml:"resolvers"`
	Timeout   Duration `toml:"timeout"`
	MinTTL    Duration `toml:"min_ttl"`
	MaxTTL    Duration `toml:"max_ttl"`
	MaxStale  Duration `toml:"max_stale"`
	MaxHosts  int      `toml:"max_hosts"`
}

// PoolConfig configures the SMTP connection pool
type PoolConfig struct {
	Port           int      `toml:"port"`
	MaxIdlePerKey  int      `toml:"max_idle_per_key"`
	MaxAge         Duration `toml:"max_age"`
	MaxUses        int64    `toml:"max_uses"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	CommandTimeout Duration `toml:"command_timeout"`
	EvictInterval  Duration `toml:"evict_interval"`
	AddressFamily  string   `toml:"address_family"` // "ipv4", "ipv6", "any"
	BindIdentity   bool     `toml:"bind_identity"`  // use the identity address as source address
	TLSVerify      bool     `toml:"tls_verify"`
}

// DeliveryConfig configures the executor and its workers
type DeliveryConfig struct {
	Profile         string   `toml:"profile" env:"SENDLINE_PROFILE"`
	Workers         int      `toml:"workers"`
	RatePerSecond   float64  `toml:"rate_per_second"`
	MaxAttempts     int      `toml:"max_attempts"`
	BaseBackoff     Duration `toml:"base_backoff"`
	MaxBackoff      Duration `toml:"max_backoff"`
	RelayOnCapacity bool     `toml:"relay_on_capacity"`
}

// DKIMConfig locates signing keys
type DKIMConfig struct {
	KeyDir          string   `toml:"key_dir"`
	DefaultSelector string   `toml:"default_selector"`
	Headers         []string `toml:"headers"`
}

// RelayEndpoint is one remote relay
type RelayEndpoint struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// RelayServerConfig exposes this node as a relay
type RelayServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// RelayConfig configures relay dispatch in both directions
type RelayConfig struct {
	Endpoints []RelayEndpoint   `toml:"endpoints"`
	Secret    string            `toml:"secret" env:"SENDLINE_RELAY_SECRET"` // plain text or bcrypt hash
	HealthTTL Duration          `toml:"health_ttl"`
	Timeout   Duration          `toml:"timeout"`
	Server    RelayServerConfig `toml:"server"`
}

// QueueConfig selects the job queue backend
type QueueConfig struct {
	Backend           string   `toml:"backend" env:"SENDLINE_QUEUE_BACKEND"` // memory, redis
	Addr              string   `toml:"addr" env:"SENDLINE_QUEUE_ADDR"`
	Password          string   `toml:"password" env:"SENDLINE_QUEUE_PASSWORD"`
	Database          int      `toml:"database"`
	Prefix            string   `toml:"prefix"`
	VisibilityTimeout Duration `toml:"visibility_timeout"`
	PollInterval      Duration `toml:"poll_interval"`
	ReapInterval      Duration `toml:"reap_interval"`
}

// SuppressionConfig locates the suppression list; empty values share the identity store
type SuppressionConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// EventsConfig selects where delivery events go
type EventsConfig struct {
	Sink         string   `toml:"sink"` // log, kafka, none
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchTimeout Duration `toml:"batch_timeout"`
}

// MetricsConfig configures Prometheus exposure and historic stats
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	Listen     string `toml:"listen"`
	ValkeyAddr string `toml:"valkey_addr" env:"SENDLINE_VALKEY_ADDR"`
}

// ClusterConfig configures node membership in Valkey. Relay nodes advertise
// themselves there and server nodes pick them up as relay endpoints.
type ClusterConfig struct {
	Enabled      bool     `toml:"enabled" env:"SENDLINE_CLUSTER_ENABLED"`
	NodeID       string   `toml:"node_id" env:"SENDLINE_NODE_ID"` // defaults to the hostname
	AdvertiseURL string   `toml:"advertise_url" env:"SENDLINE_ADVERTISE_URL"`
	ValkeyAddr   string   `toml:"valkey_addr" env:"SENDLINE_CLUSTER_VALKEY_ADDR"`
	Keyspace     string   `toml:"keyspace"`
	Heartbeat    Duration `toml:"heartbeat"`
	NodeTTL      Duration `toml:"node_ttl"`
}

// APIConfig configures the admin API
type APIConfig struct {
	Enabled   bool    `toml:"enabled"`
	Listen    string  `toml:"listen"`
	APIKey    string  `toml:"api_key" env:"SENDLINE_API_KEY"`
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`
	// TrustedProxies may set X-Forwarded-For; addresses or CIDRs
	TrustedProxies []string `toml:"trusted_proxies"`
}

// DefaultWarmupSteps is the stepped schedule used when none is configured
func DefaultWarmupSteps() []WarmupStep {
	return []WarmupStep{
		{1, 50}, {2, 75}, {3, 100}, {4, 150}, {5, 200},
		{6, 300}, {7, 400}, {8, 500}, {9, 650}, {10, 800},
		{11, 1000}, {12, 1250}, {13, 1500}, {14, 2000},
		{15, 2500}, {16, 3000}, {17, 4000}, {18, 5000},
		{19, 6500}, {20, 8000}, {21, 10000}, {25, 15000},
		{28, 20000}, {30, 30000}, {35, 50000}, {42, 75000},
		{45, 100000},
	}
}

// DefaultRules are the provider caps applied when none are configured
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Name: "gmail-identity-hour", Provider: "gmail", Scope: "identity", Window: "hour", Limit: 200, FailPolicy: "closed", Scale: true},
		{Name: "gmail-identity-day", Provider: "gmail", Scope: "identity", Window: "day", Limit: 500, FailPolicy: "closed", Scale: true},
		{Name: "yahoo-identity-hour", Provider: "yahoo", Scope: "identity", Window: "hour", Limit: 150, FailPolicy: "closed", Scale: true},
		{Name: "microsoft-identity-hour", Provider: "microsoft", Scope: "identity", Window: "hour", Limit: 150, FailPolicy: "closed", Scale: true},
		{Name: "aol-identity-hour", Provider: "aol", Scope: "identity", Window: "hour", Limit: 100, FailPolicy: "closed", Scale: true},
		{Name: "apple-identity-hour", Provider: "apple", Scope: "identity", Window: "hour", Limit: 100, FailPolicy: "closed", Scale: true},
		{Name: "domain-pacing", Scope: "global", Window: "minute", Limit: 300, FailPolicy: "open", Scale: true},
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	cfg.Server.Hostname = hostname

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stdout"

	cfg.Identity.Driver = "sqlite3"
	cfg.Identity.DSN = "file:sendline.db?_busy_timeout=5000&_journal_mode=WAL"
	cfg.Identity.MinCapacity = 1

	cfg.Warmup.Steps = DefaultWarmupSteps()
	cfg.Warmup.HourlyDivisor = 6
	cfg.Warmup.MinHourly = 10
	cfg.Warmup.Timezone = "UTC"

	cfg.Counters.Backend = "memory"
	cfg.Counters.Prefix = "sendline"

	cfg.Limits.Rules = DefaultRules()

	cfg.MX.Timeout = D(5 * time.Second)
	cfg.MX.MinTTL = D(time.Minute)
	cfg.MX.MaxTTL = D(time.Hour)
	cfg.MX.MaxStale = D(24 * time.Hour)
	cfg.MX.MaxHosts = 3

	cfg.Pool.Port = 25
	cfg.Pool.MaxIdlePerKey = 10
	cfg.Pool.MaxAge = D(5 * time.Minute)
	cfg.Pool.MaxUses = 100
	cfg.Pool.ConnectTimeout = D(30 * time.Second)
	cfg.Pool.CommandTimeout = D(60 * time.Second)
	cfg.Pool.EvictInterval = D(30 * time.Second)
	cfg.Pool.AddressFamily = "ipv4"
	cfg.Pool.BindIdentity = true

	cfg.Delivery.Profile = "balanced"
	cfg.Delivery.MaxAttempts = 5
	cfg.Delivery.BaseBackoff = D(time.Minute)
	cfg.Delivery.MaxBackoff = D(4 * time.Hour)
	cfg.Delivery.RelayOnCapacity = true

	cfg.DKIM.KeyDir = "/etc/sendline/dkim"
	cfg.DKIM.DefaultSelector = "default"
	cfg.DKIM.Headers = []string{"From", "To", "Subject", "Date", "Message-ID"}

	cfg.Relay.HealthTTL = D(60 * time.Second)
	cfg.Relay.Timeout = D(30 * time.Second)
	cfg.Relay.Server.Listen = ":8025"

	cfg.Queue.Backend = "memory"
	cfg.Queue.Prefix = "sendline:queue"
	cfg.Queue.VisibilityTimeout = D(5 * time.Minute)
	cfg.Queue.PollInterval = D(time.Second)
	cfg.Queue.ReapInterval = D(30 * time.Second)

	cfg.Events.Sink = "log"
	cfg.Events.Topic = "sendline.delivery"
	cfg.Events.BatchTimeout = D(time.Second)

	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = ":9090"

	cfg.API.Listen = "127.0.0.1:8080"
	cfg.API.RateLimit = 20
	cfg.API.Burst = 40

	cfg.Cluster.Keyspace = "sendline:cluster"
	cfg.Cluster.Heartbeat = D(5 * time.Second)
	cfg.Cluster.NodeTTL = D(30 * time.Second)

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./sendline.toml",
		"./config/sendline.toml",
		os.ExpandEnv("$HOME/.sendline.toml"),
		"/etc/sendline/sendline.toml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			slog.Debug("Found config file", "path", loc)
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file, applies environment overrides and validates it.
// When no file is found and none was requested, defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg, _, err := loadConfig(configPath)
	return cfg, err
}

func loadConfig(configPath string) (*Config, string, error) {
	cfg := DefaultConfig()
	sv := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, "", err
		}
		slog.Info("No config file found, using defaults")
		configFile = ""
	}

	if configFile != "" {
		if err := sv.ValidateConfigFileSize(configFile); err != nil {
			return nil, "", fmt.Errorf("config file security validation failed: %w", err)
		}

		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read config file: %w", err)
		}

		if err := Parse(data, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, "", fmt.Errorf("error applying environment overrides: %w", err)
	}

	result := cfg.Validate()
	if !result.Valid {
		var messages []string
		for _, verr := range result.Errors {
			messages = append(messages, verr.Error())
		}
		return nil, "", fmt.Errorf("configuration validation failed: %s", strings.Join(messages, "; "))
	}
	for _, warning := range result.Warnings {
		slog.Warn("Configuration warning", "field", warning.Field, "message", warning.Message)
	}

	return cfg, configFile, nil
}

// Parse decodes TOML into cfg; keys absent from data keep their current values.
// Arrays of tables replace the default lists entirely.
func Parse(data []byte, cfg *Config) error {
	steps, rules, headers := cfg.Warmup.Steps, cfg.Limits.Rules, cfg.DKIM.Headers
	cfg.Warmup.Steps, cfg.Limits.Rules, cfg.DKIM.Headers = nil, nil, nil

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	if cfg.Warmup.Steps == nil {
		cfg.Warmup.Steps = steps
	}
	if cfg.Limits.Rules == nil {
		cfg.Limits.Rules = rules
	}
	if cfg.DKIM.Headers == nil {
		cfg.DKIM.Headers = headers
	}
	return nil
}

// Encode renders the configuration as TOML
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// Location returns the time zone used for calendar-day rollovers
func (c *Config) Location() *time.Location {
	if c.Warmup.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Warmup.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CreateDefaultConfig writes the default configuration to configPath
func CreateDefaultConfig(configPath string) error {
	data, err := DefaultConfig().Encode()
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	header := []byte("# sendline outbound delivery engine configuration\n\n")
	if err := os.WriteFile(configPath, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
