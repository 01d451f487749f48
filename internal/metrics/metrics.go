// Package metrics exposes delivery metrics to Prometheus and keeps hourly
// history in Valkey.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/sendline/internal/delivery"
)

var (
	defaultInstance *Metrics
	defaultOnce     sync.Once
)

// Metrics holds the Prometheus collectors for the delivery engine
type Metrics struct {
	registry prometheus.Gatherer

	IdentityOutcomes *prometheus.CounterVec
	DomainOutcomes   *prometheus.CounterVec
	Reasons          *prometheus.CounterVec
	SMTPReplies      *prometheus.CounterVec
	Relayed          *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec

	PoolSessions      *prometheus.GaugeVec
	PoolEvents        *prometheus.GaugeVec
	QueueDepth        *prometheus.GaugeVec
	IdentityCapacity  prometheus.Gauge
	MXCacheEntries    prometheus.Gauge
	WorkerBreakerOpen prometheus.Gauge
}

// Default returns the process-wide instance registered with the default registry
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultInstance = New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return defaultInstance
}

// New registers the collectors with reg
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: gatherer,

		IdentityOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sendline_identity_deliveries_total",
			Help: "Delivery outcomes per sending identity",
		}, []string{"identity", "outcome"}),
		DomainOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sendline_domain_deliveries_total",
			Help: "Delivery outcomes per recipient domain",
		}, []string{"domain", "outcome"}),
		Reasons: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sendline_delivery_reasons_total",
			Help: "Delivery outcomes by reason",
		}, []string{"outcome", "reason"}),
		SMTPReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sendline_smtp_replies_total",
			Help: "SMTP replies received from exchangers by class",
		}, []string{"class"}),
		Relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sendline_relayed_total",
			Help: "Jobs handed to remote relays",
		}, []string{"relay", "outcome"}),
		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sendline_delivery_duration_seconds",
			Help:    "Duration of delivery attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		PoolSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sendline_pool_sessions",
			Help: "SMTP sessions held by the connection pool",
		}, []string{"state"}),
		PoolEvents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sendline_pool_session_events",
			Help: "Cumulative connection pool session events",
		}, []string{"event"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sendline_queue_depth",
			Help: "Jobs in the delivery queue",
		}, []string{"state"}),
		IdentityCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sendline_identity_capacity",
			Help: "Remaining daily capacity across eligible identities",
		}),
		MXCacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sendline_mx_cache_entries",
			Help: "Domains held in the MX cache",
		}),
		WorkerBreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sendline_worker_breaker_open",
			Help: "1 while the worker circuit breaker is open",
		}),
	}
}

// ObserveOutcome records one delivery outcome
func (m *Metrics) ObserveOutcome(job *delivery.Job, o delivery.Outcome) {
	outcome := o.State.Label()
	id := o.Identity
	if id == "" {
		id = "none"
	}
	m.IdentityOutcomes.WithLabelValues(id, outcome).Inc()
	m.DomainOutcomes.WithLabelValues(job.Domain(), outcome).Inc()
	if o.Reason != "" {
		m.Reasons.WithLabelValues(outcome, o.Reason).Inc()
	}
	if o.Code > 0 {
		m.SMTPReplies.WithLabelValues(strconv.Itoa(o.Code/100) + "xx").Inc()
	}
	if o.ViaRelay != "" {
		m.Relayed.WithLabelValues(o.ViaRelay, outcome).Inc()
	}
	m.DeliveryDuration.WithLabelValues(outcome).Observe(o.Duration.Seconds())
}

// UpdatePool copies pool statistics into gauges
func (m *Metrics) UpdatePool(s delivery.PoolStats) {
	m.PoolSessions.WithLabelValues("idle").Set(float64(s.Idle))
	m.PoolSessions.WithLabelValues("active").Set(float64(s.Active))
	m.PoolEvents.WithLabelValues("created").Set(float64(s.Created))
	m.PoolEvents.WithLabelValues("reused").Set(float64(s.Reused))
	m.PoolEvents.WithLabelValues("discarded").Set(float64(s.Discarded))
	m.PoolEvents.WithLabelValues("failed").Set(float64(s.Failed))
}

// SetQueueDepth sets the number of jobs in a queue state
func (m *Metrics) SetQueueDepth(state string, n int64) {
	m.QueueDepth.WithLabelValues(state).Set(float64(n))
}

// Handler serves the registered metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Sampler refreshes gauges that are read from other components
type Sampler struct {
	m       *Metrics
	sources []func(ctx context.Context, m *Metrics) error
	logger  *slog.Logger
}

// NewSampler creates a sampler for m
func NewSampler(m *Metrics) *Sampler {
	return &Sampler{m: m, logger: slog.Default().With("component", "metrics-sampler")}
}

// Add registers a gauge source
func (s *Sampler) Add(source func(ctx context.Context, m *Metrics) error) {
	s.sources = append(s.sources, source)
}

// Sample calls every source once
func (s *Sampler) Sample(ctx context.Context) {
	for _, source := range s.sources {
		if err := source(ctx, s.m); err != nil {
			s.logger.Debug("Metrics source failed", "error", err)
		}
	}
}

// Run samples every interval until ctx is done
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// StartServer serves /metrics on addr in the background
func StartServer(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger := slog.Default().With("component", "metrics")
	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", "error", err)
		}
	}()
	return server
}
