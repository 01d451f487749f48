package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateServer(result, sv)
	c.validateLogging(result, sv)
	c.validateIdentity(result, sv)
	c.validateWarmup(result)
	c.validateCounters(result)
	c.validateLimits(result)
	c.validateMX(result)
	c.validatePool(result, sv)
	c.validateDelivery(result, sv)
	c.validateDKIM(result, sv)
	c.validateRelay(result, sv)
	c.validateQueue(result)
	c.validateEvents(result)
	c.validateListeners(result, sv)
	c.validateCluster(result)

	return result
}

func (c *Config) validateServer(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateHostname(c.Server.Hostname, "server.hostname"); err != nil {
		result.AddError("server.hostname", c.Server.Hostname, err.Error())
	}
}

func (c *Config) validateLogging(result *ValidationResult, sv *SecurityValidator) {
	validLevels := []string{"debug", "info", "warn", "error"}
	if c.Logging.Level != "" && !contains(validLevels, strings.ToLower(c.Logging.Level)) {
		result.AddError("logging.level", c.Logging.Level, fmt.Sprintf("invalid log level, must be one of: %s", strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"text", "json"}
	if c.Logging.Format != "" && !contains(validFormats, c.Logging.Format) {
		result.AddError("logging.format", c.Logging.Format, fmt.Sprintf("invalid log format, must be one of: %s", strings.Join(validFormats, ", ")))
	}

	if c.Logging.Output != "" && c.Logging.Output != "stdout" && c.Logging.Output != "stderr" {
		if err := sv.ValidatePath(c.Logging.Output, "logging.output"); err != nil {
			result.AddError("logging.output", c.Logging.Output, err.Error())
		}
	}
}

func (c *Config) validateIdentity(result *ValidationResult, sv *SecurityValidator) {
	validDrivers := []string{"sqlite3", "postgres", "mysql", "memory"}
	if !contains(validDrivers, c.Identity.Driver) {
		result.AddError("identity.driver", c.Identity.Driver, fmt.Sprintf("invalid driver, must be one of: %s", strings.Join(validDrivers, ", ")))
	}
	if c.Identity.Driver != "memory" && c.Identity.DSN == "" {
		result.AddError("identity.dsn", c.Identity.DSN, "dsn is required for SQL drivers")
	}
	if c.Identity.Driver == "memory" {
		result.AddWarning("identity.driver", c.Identity.Driver, "memory identity store does not survive restarts")
	}
	if c.Identity.MinCapacity < 1 {
		result.AddError("identity.min_capacity", c.Identity.MinCapacity, "min_capacity must be at least 1")
	}

	if c.Suppression.Driver != "" && !contains(validDrivers, c.Suppression.Driver) {
		result.AddError("suppression.driver", c.Suppression.Driver, fmt.Sprintf("invalid driver, must be one of: %s", strings.Join(validDrivers, ", ")))
	}
}

func (c *Config) validateWarmup(result *ValidationResult) {
	if len(c.Warmup.Steps) == 0 {
		result.AddError("warmup.steps", c.Warmup.Steps, "at least one warmup step is required")
		return
	}

	prev := WarmupStep{}
	for i, step := range c.Warmup.Steps {
		field := fmt.Sprintf("warmup.steps[%d]", i)
		if step.Day < 1 {
			result.AddError(field, step.Day, "day must be at least 1")
		}
		if step.Limit < 1 {
			result.AddError(field, step.Limit, "limit must be positive")
		}
		if i > 0 {
			if step.Day <= prev.Day {
				result.AddError(field, step.Day, "steps must be ordered by strictly increasing day")
			}
			if step.Limit < prev.Limit {
				result.AddError(field, step.Limit, "limits must not decrease")
			}
		}
		prev = step
	}

	if c.Warmup.HourlyDivisor < 1 {
		result.AddError("warmup.hourly_divisor", c.Warmup.HourlyDivisor, "hourly_divisor must be at least 1")
	}
	if c.Warmup.MinHourly < 0 {
		result.AddError("warmup.min_hourly", c.Warmup.MinHourly, "min_hourly cannot be negative")
	}
	if c.Warmup.Timezone != "" {
		if _, err := time.LoadLocation(c.Warmup.Timezone); err != nil {
			result.AddError("warmup.timezone", c.Warmup.Timezone, err.Error())
		}
	}
}

func (c *Config) validateCounters(result *ValidationResult) {
	validBackends := []string{"redis", "valkey", "memcached", "memory"}
	if !contains(validBackends, c.Counters.Backend) {
		result.AddError("counters.backend", c.Counters.Backend, fmt.Sprintf("invalid backend, must be one of: %s", strings.Join(validBackends, ", ")))
		return
	}
	if c.Counters.Backend != "memory" && c.Counters.Addr == "" {
		result.AddError("counters.addr", c.Counters.Addr, "addr is required for remote counter stores")
	}
	if c.Counters.Backend == "memory" {
		result.AddWarning("counters.backend", c.Counters.Backend, "memory counters are not shared between processes")
	}
}

func (c *Config) validateLimits(result *ValidationResult) {
	validScopes := []string{"identity", "global"}
	validWindows := []string{"minute", "hour", "day"}
	validPolicies := []string{"closed", "open"}

	names := make(map[string]bool)
	for i, rule := range c.Limits.Rules {
		field := fmt.Sprintf("limits.rules[%d]", i)
		if rule.Name == "" {
			result.AddError(field+".name", rule.Name, "rule name is required")
		} else if names[rule.Name] {
			result.AddError(field+".name", rule.Name, "duplicate rule name")
		}
		names[rule.Name] = true

		if !contains(validScopes, rule.Scope) {
			result.AddError(field+".scope", rule.Scope, fmt.Sprintf("must be one of: %s", strings.Join(validScopes, ", ")))
		}
		if !contains(validWindows, rule.Window) {
			result.AddError(field+".window", rule.Window, fmt.Sprintf("must be one of: %s", strings.Join(validWindows, ", ")))
		}
		if !contains(validPolicies, rule.FailPolicy) {
			result.AddError(field+".fail_policy", rule.FailPolicy, fmt.Sprintf("must be one of: %s", strings.Join(validPolicies, ", ")))
		}
		if rule.Limit < 1 {
			result.AddError(field+".limit", rule.Limit, "limit must be positive")
		}
	}

	for i, p := range c.Limits.Providers {
		if p.Name == "" {
			result.AddError(fmt.Sprintf("limits.providers[%d].name", i), p.Name, "provider name is required")
		}
	}
}

func (c *Config) validateMX(result *ValidationResult) {
	if c.MX.MinTTL.Duration <= 0 {
		result.AddError("mx.min_ttl", c.MX.MinTTL, "min_ttl must be positive")
	}
	if c.MX.MaxTTL.Duration < c.MX.MinTTL.Duration {
		result.AddError("mx.max_ttl", c.MX.MaxTTL, "max_ttl must not be smaller than min_ttl")
	}
	if c.MX.MaxHosts < 1 {
		result.AddError("mx.max_hosts", c.MX.MaxHosts, "max_hosts must be at least 1")
	}
	if c.MX.Timeout.Duration <= 0 {
		result.AddError("mx.timeout", c.MX.Timeout, "timeout must be positive")
	}
}

func (c *Config) validatePool(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateNumericBounds(int64(c.Pool.Port), "pool.port", 1, 65535); err != nil {
		result.AddError("pool.port", c.Pool.Port, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.Pool.MaxIdlePerKey), "pool.max_idle_per_key", 0, int64(sv.limits.MaxIdlePerKey)); err != nil {
		result.AddError("pool.max_idle_per_key", c.Pool.MaxIdlePerKey, err.Error())
	}
	if c.Pool.MaxUses < 1 {
		result.AddError("pool.max_uses", c.Pool.MaxUses, "max_uses must be at least 1")
	}
	if c.Pool.MaxAge.Duration <= 0 {
		result.AddError("pool.max_age", c.Pool.MaxAge, "max_age must be positive")
	}
	if c.Pool.ConnectTimeout.Duration <= 0 {
		result.AddError("pool.connect_timeout", c.Pool.ConnectTimeout, "connect_timeout must be positive")
	}

	validFamilies := []string{"ipv4", "ipv6", "any"}
	if !contains(validFamilies, c.Pool.AddressFamily) {
		result.AddError("pool.address_family", c.Pool.AddressFamily, fmt.Sprintf("must be one of: %s", strings.Join(validFamilies, ", ")))
	}
	if !c.Pool.TLSVerify {
		result.AddWarning("pool.tls_verify", c.Pool.TLSVerify, "opportunistic TLS will not verify receiver certificates")
	}
}

func (c *Config) validateDelivery(result *ValidationResult, sv *SecurityValidator) {
	if _, ok := LookupProfile(c.Delivery.Profile); !ok {
		result.AddError("delivery.profile", c.Delivery.Profile, fmt.Sprintf("unknown profile, must be one of: %s", strings.Join(ProfileNames(), ", ")))
	}
	if err := sv.ValidateNumericBounds(int64(c.Delivery.Workers), "delivery.workers", 0, int64(sv.limits.MaxWorkers)); err != nil {
		result.AddError("delivery.workers", c.Delivery.Workers, err.Error())
	}
	if c.Delivery.RatePerSecond < 0 {
		result.AddError("delivery.rate_per_second", c.Delivery.RatePerSecond, "rate_per_second cannot be negative")
	}
	if err := sv.ValidateNumericBounds(int64(c.Delivery.MaxAttempts), "delivery.max_attempts", 1, int64(sv.limits.MaxAttempts)); err != nil {
		result.AddError("delivery.max_attempts", c.Delivery.MaxAttempts, err.Error())
	}
	if c.Delivery.BaseBackoff.Duration <= 0 {
		result.AddError("delivery.base_backoff", c.Delivery.BaseBackoff, "base_backoff must be positive")
	}
	if c.Delivery.MaxBackoff.Duration < c.Delivery.BaseBackoff.Duration {
		result.AddError("delivery.max_backoff", c.Delivery.MaxBackoff, "max_backoff must not be smaller than base_backoff")
	}
}

func (c *Config) validateDKIM(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidatePath(c.DKIM.KeyDir, "dkim.key_dir"); err != nil {
		result.AddError("dkim.key_dir", c.DKIM.KeyDir, err.Error())
	}
	if c.DKIM.KeyDir != "" && !dirExists(c.DKIM.KeyDir) {
		result.AddWarning("dkim.key_dir", c.DKIM.KeyDir, "key directory does not exist, messages will be sent unsigned")
	}
}

func (c *Config) validateRelay(result *ValidationResult, sv *SecurityValidator) {
	for i, ep := range c.Relay.Endpoints {
		field := fmt.Sprintf("relay.endpoints[%d]", i)
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result.AddError(field+".url", ep.URL, "relay url must be an absolute http(s) url")
		}
	}
	if len(c.Relay.Endpoints) > 0 && c.Relay.Secret == "" {
		result.AddWarning("relay.secret", "", "relay endpoints configured without a shared secret")
	}
	if c.Relay.Server.Enabled {
		if err := sv.ValidateListenAddress(c.Relay.Server.Listen, "relay.server.listen"); err != nil {
			result.AddError("relay.server.listen", c.Relay.Server.Listen, err.Error())
		}
		if c.Relay.Secret == "" {
			result.AddError("relay.secret", "", "relay server requires a shared secret")
		}
	}
	if c.Relay.HealthTTL.Duration <= 0 {
		result.AddError("relay.health_ttl", c.Relay.HealthTTL, "health_ttl must be positive")
	}
}

func (c *Config) validateQueue(result *ValidationResult) {
	validBackends := []string{"memory", "redis"}
	if !contains(validBackends, c.Queue.Backend) {
		result.AddError("queue.backend", c.Queue.Backend, fmt.Sprintf("invalid backend, must be one of: %s", strings.Join(validBackends, ", ")))
	}
	if c.Queue.Backend == "redis" && c.Queue.Addr == "" {
		result.AddError("queue.addr", c.Queue.Addr, "addr is required for the redis queue")
	}
	if c.Queue.VisibilityTimeout.Duration <= 0 {
		result.AddError("queue.visibility_timeout", c.Queue.VisibilityTimeout, "visibility_timeout must be positive")
	}
	if c.Queue.PollInterval.Duration <= 0 {
		result.AddError("queue.poll_interval", c.Queue.PollInterval, "poll_interval must be positive")
	}
}

func (c *Config) validateEvents(result *ValidationResult) {
	validSinks := []string{"log", "kafka", "none"}
	if !contains(validSinks, c.Events.Sink) {
		result.AddError("events.sink", c.Events.Sink, fmt.Sprintf("invalid sink, must be one of: %s", strings.Join(validSinks, ", ")))
	}
	if c.Events.Sink == "kafka" {
		if len(c.Events.Brokers) == 0 {
			result.AddError("events.brokers", c.Events.Brokers, "at least one broker is required for the kafka sink")
		}
		if c.Events.Topic == "" {
			result.AddError("events.topic", c.Events.Topic, "topic is required for the kafka sink")
		}
	}
}

func (c *Config) validateListeners(result *ValidationResult, sv *SecurityValidator) {
	if c.Metrics.Enabled {
		if err := sv.ValidateListenAddress(c.Metrics.Listen, "metrics.listen"); err != nil {
			result.AddError("metrics.listen", c.Metrics.Listen, err.Error())
		}
	}
	if c.API.Enabled {
		if err := sv.ValidateListenAddress(c.API.Listen, "api.listen"); err != nil {
			result.AddError("api.listen", c.API.Listen, err.Error())
		}
		if c.API.APIKey == "" {
			result.AddWarning("api.api_key", "", "admin API is enabled without an API key")
		}
		if c.API.RateLimit <= 0 {
			result.AddError("api.rate_limit", c.API.RateLimit, "rate_limit must be positive")
		}
		for _, p := range c.API.TrustedProxies {
			if _, err := netip.ParsePrefix(p); err == nil {
				continue
			}
			if _, err := netip.ParseAddr(p); err != nil {
				result.AddError("api.trusted_proxies", p, "must be an IP address or CIDR")
			}
		}
	}
}

func (c *Config) validateCluster(result *ValidationResult) {
	if !c.Cluster.Enabled {
		return
	}
	if c.Cluster.ValkeyAddr == "" {
		result.AddError("cluster.valkey_addr", c.Cluster.ValkeyAddr, "valkey_addr is required when the cluster is enabled")
	}
	if c.Cluster.Heartbeat.Duration <= 0 {
		result.AddError("cluster.heartbeat", c.Cluster.Heartbeat, "heartbeat must be positive")
	}
	if c.Cluster.NodeTTL.Duration <= c.Cluster.Heartbeat.Duration {
		result.AddError("cluster.node_ttl", c.Cluster.NodeTTL, "node_ttl must be longer than heartbeat")
	}
	if c.Cluster.AdvertiseURL != "" {
		u, err := url.Parse(c.Cluster.AdvertiseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result.AddError("cluster.advertise_url", c.Cluster.AdvertiseURL, "advertise_url must be an absolute http(s) url")
		}
	}
	if c.Relay.Secret == "" {
		result.AddWarning("relay.secret", "", "cluster relay discovery without a shared secret")
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
