package mx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/busybox42/sendline/internal/config"
)

// RecordSet is the cached, ordered list of exchangers for a domain
type RecordSet struct {
	Domain    string    `json:"domain"`
	Hosts     []Host    `json:"hosts"`
	Implicit  bool      `json:"implicit"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// Stale is set when the set is served past its TTL because a refresh failed
	Stale bool `json:"stale"`
}

// Names returns the hostnames in preference order
func (rs *RecordSet) Names() []string {
	names := make([]string, len(rs.Hosts))
	for i, h := range rs.Hosts {
		names[i] = h.Name
	}
	return names
}

type entry struct {
	set *RecordSet
	err error // cached ErrNoMailExchanger
}

// Stats counts cache activity
type Stats struct {
	Lookups     int64 `json:"lookups"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServed int64 `json:"stale_served"`
	Errors      int64 `json:"errors"`
}

// Resolver caches MX lookups. Expired entries are refreshed by one lookup
// shared by all concurrent callers; when that lookup fails a non-empty stale
// entry is served instead.
type Resolver struct {
	lookuper Lookuper
	cache    *ttlcache.Cache[string, entry]
	group    singleflight.Group
	minTTL   time.Duration
	maxTTL   time.Duration
	maxStale time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	lookups, hits, misses, stale, errs atomic.Int64
}

// Option configures a Resolver
type Option func(*Resolver)

// WithTTLBounds clamps record TTLs
func WithTTLBounds(lo, hi time.Duration) Option {
	return func(r *Resolver) {
		r.minTTL = lo
		r.maxTTL = hi
	}
}

// WithMaxStale bounds how long an expired entry may still be served
func WithMaxStale(d time.Duration) Option {
	return func(r *Resolver) { r.maxStale = d }
}

// WithTimeout bounds each lookup
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a caching resolver. Call Stop to release the cache janitor.
func NewResolver(lookuper Lookuper, opts ...Option) *Resolver {
	r := &Resolver{
		lookuper: lookuper,
		minTTL:   time.Minute,
		maxTTL:   time.Hour,
		maxStale: 24 * time.Hour,
		timeout:  10 * time.Second,
		now:      time.Now,
		logger:   slog.Default().With("component", "mx-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = ttlcache.New[string, entry](
		ttlcache.WithDisableTouchOnHit[string, entry](),
	)
	go r.cache.Start()
	return r
}

// NewResolverFromConfig builds a DNS backed resolver
func NewResolverFromConfig(cfg config.MXConfig) (*Resolver, error) {
	lookuper, err := NewDNSLookuper(cfg.Resolvers, cfg.Timeout.Duration)
	if err != nil {
		return nil, err
	}
	return NewResolver(lookuper,
		WithTTLBounds(cfg.MinTTL.Duration, cfg.MaxTTL.Duration),
		WithMaxStale(cfg.MaxStale.Duration),
		WithTimeout(cfg.Timeout.Duration),
	), nil
}

// Stop halts the cache janitor
func (r *Resolver) Stop() {
	r.cache.Stop()
}

// Resolve returns the exchanger hostnames for domain in preference order
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]string, error) {
	set, err := r.ResolveRecords(ctx, domain)
	if err != nil {
		return nil, err
	}
	return set.Names(), nil
}

// ResolveRecords returns the full record set for domain
func (r *Resolver) ResolveRecords(ctx context.Context, domain string) (*RecordSet, error) {
	name, err := Normalize(domain)
	if err != nil {
		return nil, err
	}
	r.lookups.Add(1)

	if item := r.cache.Get(name); item != nil {
		e := item.Value()
		if e.err != nil && r.now().Before(e.expiresAt()) {
			r.hits.Add(1)
			return nil, e.err
		}
		if e.set != nil && r.now().Before(e.set.ExpiresAt) {
			r.hits.Add(1)
			return e.set, nil
		}
	}
	r.misses.Add(1)

	ch := r.group.DoChan(name, func() (interface{}, error) {
		return r.refresh(name)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RecordSet), nil
	}
}

// refresh runs detached from any single caller's context so that a cancelled
// caller does not fail the others waiting on the same lookup
func (r *Resolver) refresh(domain string) (*RecordSet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := r.now()
	answer, err := r.lookuper.LookupMX(ctx, domain)
	if err != nil {
		if errors.Is(err, ErrNoMailExchanger) {
			negative := &RecordSet{Domain: domain, FetchedAt: start, ExpiresAt: start.Add(r.minTTL)}
			r.cache.Set(domain, entry{set: negative, err: err}, r.minTTL+r.maxStale)
			return nil, err
		}

		r.errs.Add(1)
		if prev := r.cache.Get(domain); prev != nil {
			if set := prev.Value().set; set != nil && prev.Value().err == nil && len(set.Hosts) > 0 &&
				r.now().Before(set.ExpiresAt.Add(r.maxStale)) {
				r.stale.Add(1)
				r.logger.Warn("MX refresh failed, serving stale records",
					"domain", domain,
					"fetched_at", set.FetchedAt,
					"error", err)
				stale := *set
				stale.Stale = true
				return &stale, nil
			}
		}
		r.logger.Warn("MX lookup failed", "domain", domain, "error", err)
		return nil, err
	}

	hosts := append([]Host(nil), answer.Hosts...)
	sortHosts(hosts)
	ttl := r.clamp(answer.TTL)
	set := &RecordSet{
		Domain:    domain,
		Hosts:     hosts,
		Implicit:  answer.Implicit,
		FetchedAt: start,
		ExpiresAt: start.Add(ttl),
	}
	r.cache.Set(domain, entry{set: set}, ttl+r.maxStale)

	r.logger.Debug("MX records resolved",
		"domain", domain,
		"hosts", len(hosts),
		"ttl", ttl,
		"latency", r.now().Sub(start))
	return set, nil
}

func (e entry) expiresAt() time.Time {
	if e.set == nil {
		return time.Time{}
	}
	return e.set.ExpiresAt
}

func (r *Resolver) clamp(ttl time.Duration) time.Duration {
	if ttl < r.minTTL {
		ttl = r.minTTL
	}
	if r.maxTTL > 0 && ttl > r.maxTTL {
		ttl = r.maxTTL
	}
	return ttl
}

// Invalidate drops a cached domain
func (r *Resolver) Invalidate(domain string) {
	if name, err := Normalize(domain); err == nil {
		r.cache.Delete(name)
	}
}

// Stats returns cache counters
func (r *Resolver) Stats() Stats {
	return Stats{
		Lookups:     r.lookups.Load(),
		Hits:        r.hits.Load(),
		Misses:      r.misses.Load(),
		StaleServed: r.stale.Load(),
		Errors:      r.errs.Load(),
	}
}

// Len returns the number of cached domains
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// Normalize lower-cases domain and converts internationalized names to
// their ASCII form
func Normalize(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrNoMailExchanger)
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("%w: invalid domain %q: %v", ErrNoMailExchanger, domain, err)
	}
	return strings.ToLower(ascii), nil
}
