package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sony/gobreaker"

	"github.com/busybox42/sendline/internal/auth"
	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/delivery"
)

// Endpoint is one peer relay
type Endpoint struct {
	Name string
	URL  string
}

// Health is the cached result of a health check
type Health struct {
	Healthy   bool
	Capacity  int64
	CheckedAt time.Time
	Error     string
}

// EndpointStatus is an endpoint with its cached health
type EndpointStatus struct {
	Endpoint
	Health     *Health `json:"health,omitempty"`
	Dispatched int64   `json:"dispatched"`
	Breaker    string  `json:"breaker"`
}

type endpointState struct {
	Endpoint
	breaker *gobreaker.CircuitBreaker
	// sends since the last health check
	dispatched int64
	discovered bool
}

// DiscoverFunc returns relay endpoints found at runtime, in addition to the
// configured ones
type DiscoverFunc func(ctx context.Context) ([]Endpoint, error)

// Client dispatches jobs to the healthy relay with the most spare capacity
type Client struct {
	http      *resty.Client
	endpoints []*endpointState
	discover  DiscoverFunc
	health    *ttlcache.Cache[string, Health]
	healthTTL time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	mu        sync.Mutex
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the transport, mainly for tests
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = resty.NewWithClient(hc).SetTimeout(c.timeout) }
}

// WithDiscovery merges endpoints returned by fn into every pick
func WithDiscovery(fn DiscoverFunc) ClientOption {
	return func(c *Client) { c.discover = fn }
}

// NewClient creates a relay client. The secret is sent as X-API-Key and
// must be the plain value.
func NewClient(endpoints []Endpoint, secret string, healthTTL, timeout time.Duration, opts ...ClientOption) *Client {
	if healthTTL <= 0 {
		healthTTL = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		timeout:   timeout,
		healthTTL: healthTTL,
		health: ttlcache.New[string, Health](
			ttlcache.WithTTL[string, Health](healthTTL),
			ttlcache.WithDisableTouchOnHit[string, Health](),
		),
		logger: slog.Default().With("component", "relay-client"),
		now:    time.Now,
	}
	c.http = resty.New().SetTimeout(timeout)
	for _, o := range opts {
		o(c)
	}
	c.http.SetHeader(auth.HeaderAPIKey, secret).
		SetHeader("Content-Type", "application/json")

	for _, ep := range endpoints {
		c.endpoints = append(c.endpoints, c.newState(ep, false))
	}
	return c
}

func (c *Client) newState(ep Endpoint, discovered bool) *endpointState {
	ep.URL = strings.TrimRight(ep.URL, "/")
	if ep.Name == "" {
		ep.Name = ep.URL
	}
	return &endpointState{
		Endpoint:   ep,
		discovered: discovered,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "relay-" + ep.Name,
			Timeout: c.healthTTL,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				c.logger.Warn("Relay circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// snapshot refreshes discovered endpoints and returns the current set.
// Configured endpoints win over discovered ones with the same name.
func (c *Client) snapshot(ctx context.Context) []*endpointState {
	var found []Endpoint
	if c.discover != nil {
		var err error
		if found, err = c.discover(ctx); err != nil {
			c.logger.Warn("Relay discovery failed", "error", err)
			found = nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discover != nil {
		known := make(map[string]*endpointState, len(c.endpoints))
		for _, ep := range c.endpoints {
			known[ep.Name] = ep
		}
		keep := make(map[string]bool, len(found))
		for _, ep := range found {
			if ep.Name == "" {
				ep.Name = strings.TrimRight(ep.URL, "/")
			}
			keep[ep.Name] = true
			if _, ok := known[ep.Name]; !ok {
				st := c.newState(ep, true)
				c.endpoints = append(c.endpoints, st)
				known[ep.Name] = st
				c.logger.Info("Discovered relay", "relay", ep.Name, "url", st.URL)
			}
		}
		kept := c.endpoints[:0]
		for _, ep := range c.endpoints {
			if ep.discovered && !keep[ep.Name] {
				c.health.Delete(ep.Name)
				c.logger.Info("Relay left", "relay", ep.Name)
				continue
			}
			kept = append(kept, ep)
		}
		c.endpoints = kept
	}
	return append([]*endpointState(nil), c.endpoints...)
}

// NewClientFromConfig builds a client for the configured endpoints, or nil
// when there are none and no discovery option is given
func NewClientFromConfig(cfg config.RelayConfig, opts ...ClientOption) *Client {
	eps := make([]Endpoint, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		eps = append(eps, Endpoint{Name: e.Name, URL: e.URL})
	}
	c := NewClient(eps, cfg.Secret, cfg.HealthTTL.Duration, cfg.Timeout.Duration, opts...)
	if len(c.endpoints) == 0 && c.discover == nil {
		return nil
	}
	return c
}

// checkHealth fetches /health. Failed checks are cached like successful ones.
func (c *Client) checkHealth(ctx context.Context, ep *endpointState) Health {
	if item := c.health.Get(ep.Name); item != nil {
		return item.Value()
	}

	h := Health{CheckedAt: c.now()}
	var body HealthResponse
	resp, err := c.http.R().SetContext(ctx).Get(ep.URL + PathHealth)
	switch {
	case err != nil:
		h.Error = err.Error()
	default:
		if jerr := json.Unmarshal(resp.Body(), &body); jerr != nil {
			h.Error = fmt.Sprintf("invalid health response: %v", jerr)
		} else {
			h.Capacity = body.Capacity
			h.Healthy = resp.StatusCode() == http.StatusOK
			if !h.Healthy {
				h.Error = fmt.Sprintf("status %d", resp.StatusCode())
			}
		}
	}

	c.mu.Lock()
	ep.dispatched = 0
	c.mu.Unlock()
	c.health.Set(ep.Name, h, ttlcache.DefaultTTL)
	if !h.Healthy {
		c.logger.Warn("Relay unhealthy", "relay", ep.Name, "error", h.Error)
	}
	return h
}

// markDown caches an endpoint as unhealthy after a failed dispatch
func (c *Client) markDown(ep *endpointState, err error) {
	c.health.Set(ep.Name, Health{CheckedAt: c.now(), Error: err.Error()}, ttlcache.DefaultTTL)
}

// pick returns the healthy endpoint with the greatest remaining capacity
func (c *Client) pick(ctx context.Context, exclude map[string]bool) (*endpointState, error) {
	var best *endpointState
	var bestRemaining int64
	for _, ep := range c.snapshot(ctx) {
		if exclude[ep.Name] || ep.breaker.State() == gobreaker.StateOpen {
			continue
		}
		h := c.checkHealth(ctx, ep)
		if !h.Healthy {
			continue
		}
		c.mu.Lock()
		remaining := h.Capacity - ep.dispatched
		c.mu.Unlock()
		if remaining <= 0 {
			continue
		}
		if best == nil || remaining > bestRemaining {
			best, bestRemaining = ep, remaining
		}
	}
	if best == nil {
		return nil, delivery.ErrNoRelayAvailable
	}
	return best, nil
}

func (c *Client) dispatched(ep *endpointState) {
	c.mu.Lock()
	ep.dispatched++
	c.mu.Unlock()
}

// errRelayRejected is a non-transport failure that should not trip the breaker
type errRelayRejected struct {
	status int
	msg    string
}

func (e *errRelayRejected) Error() string {
	return fmt.Sprintf("relay rejected request (%d): %s", e.status, e.msg)
}

// post sends body through the endpoint's breaker and decodes the reply into out
func (c *Client) post(ctx context.Context, ep *endpointState, path string, body, out any) error {
	var rejected *errRelayRejected
	_, err := ep.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(ep.URL + path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= 500 && resp.StatusCode() != http.StatusServiceUnavailable {
			return nil, fmt.Errorf("relay returned %d", resp.StatusCode())
		}
		if jerr := json.Unmarshal(resp.Body(), out); jerr != nil {
			return nil, fmt.Errorf("invalid relay response: %w", jerr)
		}
		if resp.StatusCode() >= 400 && resp.StatusCode() != http.StatusServiceUnavailable {
			rejected = &errRelayRejected{status: resp.StatusCode(), msg: string(resp.Body())}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		return rejected
	}
	return nil
}

// Dispatch sends one job through a relay. It tries the next best relay when
// one fails at the transport level.
func (c *Client) Dispatch(ctx context.Context, job *delivery.Job) (delivery.Outcome, error) {
	tried := make(map[string]bool)
	var lastErr error
	for {
		ep, err := c.pick(ctx, tried)
		if err != nil {
			if lastErr != nil {
				return delivery.Outcome{}, lastErr
			}
			return delivery.Outcome{}, err
		}
		tried[ep.Name] = true

		var resp SendResponse
		err = c.post(ctx, ep, PathSend, job, &resp)
		if err != nil {
			var rejected *errRelayRejected
			if errors.As(err, &rejected) {
				return delivery.Outcome{}, fmt.Errorf("relay %s: %w", ep.Name, err)
			}
			if ctx.Err() != nil {
				return delivery.Outcome{}, ctx.Err()
			}
			c.logger.Warn("Relay dispatch failed", "relay", ep.Name, "job_id", job.ID, "error", err)
			c.markDown(ep, err)
			lastErr = fmt.Errorf("relay %s: %w", ep.Name, err)
			continue
		}

		c.dispatched(ep)
		if resp.Outcome == nil {
			if resp.Success {
				return delivery.Outcome{JobID: job.ID, State: delivery.StateDelivered, Reason: "delivered", ViaRelay: ep.Name}, nil
			}
			return delivery.Outcome{}, fmt.Errorf("relay %s: %s", ep.Name, resp.Error)
		}
		out := *resp.Outcome
		out.ViaRelay = ep.Name
		return out, nil
	}
}

// Status reports every endpoint with its cached health, without probing
func (c *Client) Status() []EndpointStatus {
	c.mu.Lock()
	eps := append([]*endpointState(nil), c.endpoints...)
	c.mu.Unlock()

	out := make([]EndpointStatus, 0, len(eps))
	for _, ep := range eps {
		st := EndpointStatus{Endpoint: ep.Endpoint, Breaker: ep.breaker.State().String()}
		if item := c.health.Get(ep.Name); item != nil {
			h := item.Value()
			st.Health = &h
		}
		c.mu.Lock()
		st.Dispatched = ep.dispatched
		c.mu.Unlock()
		out = append(out, st)
	}
	return out
}
