package ratelimit

import (
	"fmt"
	"math"
	"strings"

	"github.com/busybox42/sendline/internal/config"
)

// Scope decides whose sends a rule counts together
type Scope string

const (
	// ScopeIdentity counts per sending identity
	ScopeIdentity Scope = "identity"
	// ScopeGlobal counts across all identities
	ScopeGlobal Scope = "global"
)

// FailPolicy decides what happens when the counter store is unreachable
type FailPolicy string

const (
	FailClosed FailPolicy = "closed"
	FailOpen   FailPolicy = "open"
)

// Rule limits sends to a provider group or a single domain
type Rule struct {
	Name       string
	Provider   string
	Domain     string
	Scope      Scope
	Window     Window
	Limit      int64
	FailPolicy FailPolicy
	Scale      bool
}

// Matches reports whether the rule applies to a recipient domain of the given provider
func (r Rule) Matches(provider, domain string) bool {
	if r.Domain != "" {
		return strings.EqualFold(r.Domain, domain)
	}
	if r.Provider != "" {
		return r.Provider == provider
	}
	return true
}

// Key returns the counter key the rule uses for a send. Identity rules count
// per identity; global rules count per domain, or per provider group when the
// rule names one.
func (r Rule) Key(identity, provider, domain string) string {
	switch {
	case r.Scope == ScopeIdentity:
		return r.Name + ":" + identity
	case r.Domain != "":
		return r.Name + ":" + normalize(r.Domain)
	case r.Provider != "":
		return r.Name + ":" + provider
	default:
		return r.Name + ":" + normalize(domain)
	}
}

// EffectiveLimit applies the profile multiplier to scalable rules
func (r Rule) EffectiveLimit(multiplier float64) int64 {
	if !r.Scale || multiplier <= 0 {
		return r.Limit
	}
	scaled := int64(math.Round(float64(r.Limit) * multiplier))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// RulesFromConfig converts configured rules, filling policy and scope defaults
func RulesFromConfig(cfgs []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		window, err := ParseWindow(c.Window)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", c.Name, err)
		}
		if c.Limit <= 0 {
			return nil, fmt.Errorf("rule %s: limit must be positive", c.Name)
		}

		r := Rule{
			Name:       c.Name,
			Provider:   c.Provider,
			Domain:     c.Domain,
			Scope:      Scope(c.Scope),
			Window:     window,
			Limit:      c.Limit,
			FailPolicy: FailPolicy(c.FailPolicy),
			Scale:      c.Scale,
		}
		if r.Scope == "" {
			r.Scope = ScopeIdentity
		}
		if r.Scope != ScopeIdentity && r.Scope != ScopeGlobal {
			return nil, fmt.Errorf("rule %s: unknown scope %q", c.Name, c.Scope)
		}
		switch r.FailPolicy {
		case "":
			r.FailPolicy = FailClosed
		case FailClosed, FailOpen:
		default:
			return nil, fmt.Errorf("rule %s: unknown fail policy %q", c.Name, c.FailPolicy)
		}
		rules = append(rules, r)
	}
	return rules, nil
}
