package ratelimit

import (
	"sort"
	"strings"
	"sync"

	"github.com/busybox42/sendline/internal/config"
)

// ProviderOther is the group of domains no provider claims
const ProviderOther = "other"

// ProviderRegistry maps recipient domains, and optionally their MX hosts, to
// mailbox provider groups
type ProviderRegistry struct {
	mu         sync.RWMutex
	domains    map[string]string
	mxSuffixes map[string]string
}

// NewProviderRegistry returns a registry preloaded with the large mailbox providers
func NewProviderRegistry() *ProviderRegistry {
	p := &ProviderRegistry{
		domains:    make(map[string]string),
		mxSuffixes: make(map[string]string),
	}
	p.Add("gmail", []string{"gmail.com", "googlemail.com"}, []string{"google.com", "googlemail.com"})
	p.Add("yahoo", []string{"yahoo.com", "ymail.com", "rocketmail.com", "yahoo.co.uk", "yahoo.fr", "yahoo.de"}, []string{"yahoodns.net"})
	p.Add("microsoft", []string{"outlook.com", "hotmail.com", "live.com", "msn.com", "hotmail.co.uk"}, []string{"protection.outlook.com", "olc.protection.outlook.com"})
	p.Add("aol", []string{"aol.com", "aim.com"}, nil)
	p.Add("apple", []string{"icloud.com", "me.com", "mac.com"}, []string{"icloud.com"})
	p.Add("comcast", []string{"comcast.net"}, []string{"comcast.net"})
	return p
}

// ProvidersFromConfig returns the default registry extended with configured groups
func ProvidersFromConfig(cfgs []config.ProviderConfig) *ProviderRegistry {
	p := NewProviderRegistry()
	for _, c := range cfgs {
		p.Add(c.Name, c.Domains, c.MXSuffixes)
	}
	return p
}

// Add assigns domains and MX host suffixes to a provider
func (p *ProviderRegistry) Add(provider string, domains, mxSuffixes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range domains {
		p.domains[normalize(d)] = provider
	}
	for _, s := range mxSuffixes {
		p.mxSuffixes[normalize(s)] = provider
	}
}

// Classify returns the provider for a recipient domain. An exact domain match
// wins; otherwise the first MX host whose name ends in a known suffix decides.
func (p *ProviderRegistry) Classify(domain string, mxHosts ...string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if provider, ok := p.domains[normalize(domain)]; ok {
		return provider
	}
	for _, host := range mxHosts {
		host = normalize(host)
		for suffix, provider := range p.mxSuffixes {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return provider
			}
		}
	}
	return ProviderOther
}

// Providers lists the known provider names
func (p *ProviderRegistry) Providers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := map[string]bool{ProviderOther: true}
	for _, provider := range p.domains {
		seen[provider] = true
	}
	for _, provider := range p.mxSuffixes {
		seen[provider] = true
	}
	out := make([]string, 0, len(seen))
	for provider := range seen {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
