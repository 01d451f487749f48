package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/counter"
)

// storeRetry is the wait reported when a fail-closed rule cannot reach its counters
const storeRetry = time.Minute

// Decision is the outcome of admitting one send
type Decision struct {
	Allowed    bool
	Provider   string
	Rule       string
	Scope      Scope
	RetryAfter time.Duration
	// StoreError is set when a fail-closed rule denied because counters were unreachable
	StoreError error
}

// Ticket holds the counter slots taken for an admitted send
type Ticket struct {
	keys []string
}

// Gate applies every matching rule to a send. A send is admitted only when
// all rules admit it; slots taken for earlier rules are returned on denial.
type Gate struct {
	limiter    *Limiter
	providers  *ProviderRegistry
	rules      []Rule
	multiplier float64
	logger     *slog.Logger
}

// NewGate creates a gate over limiter
func NewGate(limiter *Limiter, providers *ProviderRegistry, rules []Rule, multiplier float64) *Gate {
	if providers == nil {
		providers = NewProviderRegistry()
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return &Gate{
		limiter:    limiter,
		providers:  providers,
		rules:      rules,
		multiplier: multiplier,
		logger:     slog.Default().With("component", "rate-gate"),
	}
}

// NewGateFromConfig builds the counter store, rules, and providers from cfg
func NewGateFromConfig(cfg *config.Config) (*Gate, counter.Store, error) {
	rules, err := RulesFromConfig(cfg.Limits.Rules)
	if err != nil {
		return nil, nil, err
	}
	store, err := counter.Open(counter.Config{
		Type:     cfg.Counters.Backend,
		Name:     "rate-limits",
		Addr:     cfg.Counters.Addr,
		Password: cfg.Counters.Password,
		Database: cfg.Counters.Database,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open counter store: %w", err)
	}
	limiter := NewLimiter(store, cfg.Counters.Prefix)
	gate := NewGate(limiter, ProvidersFromConfig(cfg.Limits.Providers), rules, cfg.EffectiveProfile().Multiplier)
	return gate, store, nil
}

// Providers returns the provider registry used to classify domains
func (g *Gate) Providers() *ProviderRegistry {
	return g.providers
}

// Rules returns the configured rules
func (g *Gate) Rules() []Rule {
	return g.rules
}

// Admit reserves a slot in every rule matching the send. A denied decision
// carries the rule that denied and how long until its bucket rolls over.
func (g *Gate) Admit(ctx context.Context, identity, domain string, mxHosts ...string) (*Ticket, Decision, error) {
	provider := g.providers.Classify(domain, mxHosts...)
	ticket := &Ticket{}

	for _, rule := range g.rules {
		if !rule.Matches(provider, domain) {
			continue
		}
		limit := rule.EffectiveLimit(g.multiplier)
		key, ok, wait, err := g.limiter.reserve(ctx, rule.Key(identity, provider, domain), rule.Window, limit)
		if err != nil {
			if rule.FailPolicy == FailOpen {
				g.logger.Warn("Counter store unavailable, admitting",
					"rule", rule.Name,
					"domain", domain,
					"error", err)
				continue
			}
			g.Release(ctx, ticket)
			g.logger.Error("Counter store unavailable, denying",
				"rule", rule.Name,
				"domain", domain,
				"error", err)
			return nil, Decision{
				Provider:   provider,
				Rule:       rule.Name,
				Scope:      rule.Scope,
				RetryAfter: storeRetry,
				StoreError: err,
			}, nil
		}
		if !ok {
			g.Release(ctx, ticket)
			g.logger.Debug("Send rate limited",
				"rule", rule.Name,
				"identity", identity,
				"domain", domain,
				"limit", limit,
				"retry_after", wait)
			return nil, Decision{
				Provider:   provider,
				Rule:       rule.Name,
				Scope:      rule.Scope,
				RetryAfter: wait,
			}, nil
		}
		ticket.keys = append(ticket.keys, key)
	}

	return ticket, Decision{Allowed: true, Provider: provider}, nil
}

// Release returns the slots held by ticket. It is safe to call with nil.
func (g *Gate) Release(ctx context.Context, ticket *Ticket) {
	if ticket == nil {
		return
	}
	for _, key := range ticket.keys {
		if err := g.limiter.releaseKey(ctx, key); err != nil {
			g.logger.Warn("Failed to release rate slot", "key", key, "error", err)
		}
	}
	ticket.keys = nil
}

// Usage reports the current count and effective limit for a rule
type Usage struct {
	Rule   string
	Key    string
	Window Window
	Count  int64
	Limit  int64
}

// Usage returns counters for every rule matching identity and domain
func (g *Gate) Usage(ctx context.Context, identity, domain string) ([]Usage, error) {
	provider := g.providers.Classify(domain)
	var out []Usage
	for _, rule := range g.rules {
		if !rule.Matches(provider, domain) {
			continue
		}
		key := rule.Key(identity, provider, domain)
		count, err := g.limiter.Count(ctx, key, rule.Window)
		if err != nil {
			return nil, err
		}
		out = append(out, Usage{
			Rule:   rule.Name,
			Key:    key,
			Window: rule.Window,
			Count:  count,
			Limit:  rule.EffectiveLimit(g.multiplier),
		})
	}
	return out, nil
}
