// Package mx resolves and caches the mail exchangers of recipient domains.
package mx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var (
	// ErrNoMailExchanger means the domain accepts no mail: it does not exist,
	// publishes a null MX, or has neither MX nor address records.
	ErrNoMailExchanger = errors.New("no mail exchanger for domain")

	// ErrLookupFailed wraps resolver failures that may succeed on retry
	ErrLookupFailed = errors.New("mx lookup failed")
)

// Host is one mail exchanger
type Host struct {
	Preference uint16 `json:"preference"`
	Name       string `json:"name"`
}

// Answer is the uncached result of a lookup
type Answer struct {
	Hosts []Host
	// TTL is the smallest TTL among the answer records
	TTL time.Duration
	// Implicit is set when the domain has no MX and its own address is used
	Implicit bool
}

// Lookuper performs uncached MX lookups
type Lookuper interface {
	LookupMX(ctx context.Context, domain string) (Answer, error)
}

// DNSLookuper queries DNS servers directly
type DNSLookuper struct {
	client  *dns.Client
	servers []string
	logger  *slog.Logger
}

// NewDNSLookuper creates a lookuper for the given "host:port" servers. With no
// servers the system resolv.conf is used.
func NewDNSLookuper(servers []string, timeout time.Duration) (*DNSLookuper, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("failed to read resolv.conf: %w", err)
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}

	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}

	return &DNSLookuper{
		client:  &dns.Client{Timeout: timeout},
		servers: normalized,
		logger:  slog.Default().With("component", "mx-lookup"),
	}, nil
}

// LookupMX queries MX records, falling back to A and AAAA records
func (l *DNSLookuper) LookupMX(ctx context.Context, domain string) (Answer, error) {
	resp, err := l.exchange(ctx, domain, dns.TypeMX)
	if err != nil {
		return Answer{}, err
	}
	if resp.Rcode == dns.RcodeNameError {
		return Answer{}, fmt.Errorf("%w: %s does not exist", ErrNoMailExchanger, domain)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return Answer{}, fmt.Errorf("%w: %s answered %s", ErrLookupFailed, domain, dns.RcodeToString[resp.Rcode])
	}

	var answer Answer
	var ttl uint32
	for _, rr := range resp.Answer {
		record, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		answer.Hosts = append(answer.Hosts, Host{
			Preference: record.Preference,
			Name:       strings.ToLower(strings.TrimSuffix(record.Mx, ".")),
		})
		ttl = minTTL(ttl, record.Hdr.Ttl)
	}

	if len(answer.Hosts) > 0 {
		// RFC 7505 null MX
		if len(answer.Hosts) == 1 && answer.Hosts[0].Name == "" {
			return Answer{}, fmt.Errorf("%w: %s publishes a null MX", ErrNoMailExchanger, domain)
		}
		answer.TTL = time.Duration(ttl) * time.Second
		return answer, nil
	}

	return l.implicit(ctx, domain)
}

func (l *DNSLookuper) implicit(ctx context.Context, domain string) (Answer, error) {
	var ttl uint32
	found := false
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := l.exchange(ctx, domain, qtype)
		if err != nil {
			return Answer{}, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			switch rr.(type) {
			case *dns.A, *dns.AAAA:
				found = true
				ttl = minTTL(ttl, rr.Header().Ttl)
			}
		}
	}
	if !found {
		return Answer{}, fmt.Errorf("%w: %s has no MX or address records", ErrNoMailExchanger, domain)
	}

	l.logger.Debug("Using implicit MX", "domain", domain)
	return Answer{
		Hosts:    []Host{{Preference: 0, Name: domain}},
		TTL:      time.Duration(ttl) * time.Second,
		Implicit: true,
	}, nil
}

// exchange asks each server in turn, retrying over TCP on truncation
func (l *DNSLookuper) exchange(ctx context.Context, domain string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range l.servers {
		resp, _, err := l.client.ExchangeContext(ctx, msg, server)
		if err == nil && resp.Truncated {
			tcp := &dns.Client{Net: "tcp", Timeout: l.client.Timeout}
			resp, _, err = tcp.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			lastErr = err
			l.logger.Debug("DNS exchange failed",
				"domain", domain,
				"type", dns.TypeToString[qtype],
				"server", server,
				"error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %s %s: %v", ErrLookupFailed, dns.TypeToString[qtype], domain, lastErr)
}

func minTTL(current, ttl uint32) uint32 {
	if current == 0 || ttl < current {
		return ttl
	}
	return current
}

// sortHosts orders by preference, then name
func sortHosts(hosts []Host) {
	sort.SliceStable(hosts, func(i, j int) bool {
		if hosts[i].Preference != hosts[j].Preference {
			return hosts[i].Preference < hosts[j].Preference
		}
		return hosts[i].Name < hosts[j].Name
	})
}
