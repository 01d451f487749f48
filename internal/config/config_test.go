package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Hostname = "mta1.example.com"
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sendline.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "sqlite3", cfg.Identity.Driver)
	assert.Equal(t, 25, cfg.Pool.Port)
	assert.Equal(t, 5*time.Minute, cfg.Pool.MaxAge.Duration)
	assert.Equal(t, int64(100), cfg.Pool.MaxUses)
	assert.Equal(t, 30*time.Second, cfg.Pool.ConnectTimeout.Duration)
	assert.Equal(t, "ipv4", cfg.Pool.AddressFamily)
	assert.Equal(t, 3, cfg.MX.MaxHosts)
	assert.Equal(t, 60*time.Second, cfg.Relay.HealthTTL.Duration)
	assert.Equal(t, []string{"From", "To", "Subject", "Date", "Message-ID"}, cfg.DKIM.Headers)

	steps := cfg.Warmup.Steps
	require.NotEmpty(t, steps)
	assert.Equal(t, WarmupStep{Day: 1, Limit: 50}, steps[0])
	assert.Equal(t, WarmupStep{Day: 45, Limit: 100000}, steps[len(steps)-1])
}

func TestDefaultConfigValidates(t *testing.T) {
	result := validConfig().Validate()
	assert.True(t, result.Valid, "unexpected errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown profile", func(c *Config) { c.Delivery.Profile = "ludicrous" }, "delivery.profile"},
		{"zero attempts", func(c *Config) { c.Delivery.MaxAttempts = 0 }, "delivery.max_attempts"},
		{"backoff inverted", func(c *Config) { c.Delivery.MaxBackoff = D(time.Second) }, "delivery.max_backoff"},
		{"bad family", func(c *Config) { c.Pool.AddressFamily = "ipx" }, "pool.address_family"},
		{"bad port", func(c *Config) { c.Pool.Port = 70000 }, "pool.port"},
		{"redis counters without addr", func(c *Config) { c.Counters.Backend = "redis" }, "counters.addr"},
		{"unknown counter backend", func(c *Config) { c.Counters.Backend = "etcd" }, "counters.backend"},
		{"kafka without brokers", func(c *Config) { c.Events.Sink = "kafka" }, "events.brokers"},
		{"relay url", func(c *Config) { c.Relay.Endpoints = []RelayEndpoint{{Name: "r1", URL: "ftp://x"}} }, "relay.endpoints[0].url"},
		{"relay server without secret", func(c *Config) { c.Relay.Server.Enabled = true }, "relay.secret"},
		{"rule window", func(c *Config) { c.Limits.Rules[0].Window = "week" }, "limits.rules[0].window"},
		{"rule policy", func(c *Config) { c.Limits.Rules[0].FailPolicy = "maybe" }, "limits.rules[0].fail_policy"},
		{"duplicate rule", func(c *Config) { c.Limits.Rules[1].Name = c.Limits.Rules[0].Name }, "limits.rules[1].name"},
		{"decreasing schedule", func(c *Config) {
			c.Warmup.Steps = []WarmupStep{{Day: 1, Limit: 100}, {Day: 2, Limit: 50}}
		}, "warmup.steps[1]"},
		{"unordered schedule", func(c *Config) {
			c.Warmup.Steps = []WarmupStep{{Day: 3, Limit: 100}, {Day: 2, Limit: 150}}
		}, "warmup.steps[1]"},
		{"bad timezone", func(c *Config) { c.Warmup.Timezone = "Mars/Olympus" }, "warmup.timezone"},
		{"hostname", func(c *Config) { c.Server.Hostname = "bad host!" }, "server.hostname"},
		{"cluster without valkey", func(c *Config) { c.Cluster.Enabled = true }, "cluster.valkey_addr"},
		{"cluster ttl", func(c *Config) {
			c.Cluster.Enabled, c.Cluster.ValkeyAddr = true, "localhost:6379"
			c.Cluster.NodeTTL = c.Cluster.Heartbeat
		}, "cluster.node_ttl"},
		{"cluster advertise url", func(c *Config) {
			c.Cluster.Enabled, c.Cluster.ValkeyAddr = true, "localhost:6379"
			c.Cluster.AdvertiseURL = "10.0.0.5:8025"
		}, "cluster.advertise_url"},
		{"trusted proxy", func(c *Config) {
			c.API.Enabled = true
			c.API.TrustedProxies = []string{"10.0.0.0/8", "proxy.internal"}
		}, "api.trusted_proxies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			result := cfg.Validate()
			require.False(t, result.Valid)

			var fields []string
			for _, e := range result.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[server]
hostname = "mta1.example.com"

[delivery]
profile = "turbo"
base_backoff = "30s"
max_backoff = "2h"

[pool]
address_family = "ipv6"

[[warmup.steps]]
day = 1
limit = 10

[[warmup.steps]]
day = 5
limit = 40
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mta1.example.com", cfg.Server.Hostname)
	assert.Equal(t, "turbo", cfg.Delivery.Profile)
	assert.Equal(t, 30*time.Second, cfg.Delivery.BaseBackoff.Duration)
	assert.Equal(t, 2*time.Hour, cfg.Delivery.MaxBackoff.Duration)
	assert.Equal(t, "ipv6", cfg.Pool.AddressFamily)
	assert.Equal(t, []WarmupStep{{Day: 1, Limit: 10}, {Day: 5, Limit: 40}}, cfg.Warmup.Steps)

	// untouched sections keep their defaults
	assert.Equal(t, DefaultRules(), cfg.Limits.Rules)
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
hostname = "mta1.example.com"

[delivery]
profile = "conservative"
`)
	t.Setenv("SENDLINE_PROFILE", "aggressive")
	t.Setenv("SENDLINE_RELAY_SECRET", "s3cret")
	t.Setenv("SENDLINE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "aggressive", cfg.Delivery.Profile)
	assert.Equal(t, "s3cret", cfg.Relay.Secret)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := writeConfig(t, "[server\nhostname=")
	_, err = LoadConfig(path)
	assert.Error(t, err)

	path = writeConfig(t, `
[server]
hostname = "mta1.example.com"

[delivery]
base_backoff = "soon"
`)
	_, err = LoadConfig(path)
	assert.Error(t, err)

	path = writeConfig(t, `
[server]
hostname = "mta1.example.com"

[queue]
backend = "sqs"
`)
	_, err = LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.backend")
}

func TestCreateDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sendline.toml")
	require.NoError(t, CreateDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	cfg := &Config{}
	require.NoError(t, Parse(data, cfg))
	assert.Equal(t, DefaultConfig().Warmup.Steps, cfg.Warmup.Steps)
	assert.Equal(t, DefaultConfig().Pool.MaxAge, cfg.Pool.MaxAge)
}

func TestEffectiveProfile(t *testing.T) {
	cfg := validConfig()

	cfg.Delivery.Profile = "turbo"
	p := cfg.EffectiveProfile()
	assert.Equal(t, 100, p.Workers)
	assert.Equal(t, 15.0, p.Multiplier)

	cfg.Delivery.Workers = 7
	cfg.Delivery.RatePerSecond = 2.5
	p = cfg.EffectiveProfile()
	assert.Equal(t, 7, p.Workers)
	assert.Equal(t, 2.5, p.RatePerSecond)
	assert.Equal(t, 15.0, p.Multiplier)

	assert.Equal(t, []string{"aggressive", "balanced", "conservative", "turbo"}, ProfileNames())
}

func TestSnapshotVersioning(t *testing.T) {
	a, err := NewSnapshot(validConfig(), "")
	require.NoError(t, err)
	b, err := NewSnapshot(validConfig(), "")
	require.NoError(t, err)
	assert.Equal(t, a.Version, b.Version)

	changed := validConfig()
	changed.Delivery.MaxAttempts = 9
	c, err := NewSnapshot(changed, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Version, c.Version)
}

func TestHolderReload(t *testing.T) {
	path := writeConfig(t, "[server]\nhostname = \"mta1.example.com\"\n")

	h, err := Load(path)
	require.NoError(t, err)
	first := h.Current()
	assert.Equal(t, path, first.Source)

	changed, err := h.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, first, h.Current())

	require.NoError(t, os.WriteFile(path, []byte("[server]\nhostname = \"mta2.example.com\"\n"), 0644))
	changed, err = h.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "mta2.example.com", h.Current().Config.Server.Hostname)
	assert.NotEqual(t, first.Version, h.Current().Version)

	// an invalid file leaves the previous snapshot in place
	require.NoError(t, os.WriteFile(path, []byte("[pool]\nport = 0\n[server]\nhostname = \"mta3.example.com\"\n"), 0644))
	_, err = h.Reload()
	assert.Error(t, err)
	assert.Equal(t, "mta2.example.com", h.Current().Config.Server.Hostname)
}

func TestSecurityValidator(t *testing.T) {
	sv := NewSecurityValidator()

	assert.NoError(t, sv.ValidatePath("/etc/sendline/dkim", "p"))
	assert.Error(t, sv.ValidatePath("/etc/../shadow", "p"))
	assert.NoError(t, sv.ValidateListenAddress(":8025", "l"))
	assert.NoError(t, sv.ValidateListenAddress("127.0.0.1:8080", "l"))
	assert.Error(t, sv.ValidateListenAddress("8080", "l"))
	assert.Error(t, sv.ValidateListenAddress(":99999", "l"))
	assert.Equal(t, "abc", sv.SanitizeString("a\x00b\x07c"))
}
