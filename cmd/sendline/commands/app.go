package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/sendline/internal/cluster"
	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/delivery"
	"github.com/busybox42/sendline/internal/events"
	"github.com/busybox42/sendline/internal/identity"
	"github.com/busybox42/sendline/internal/metrics"
	"github.com/busybox42/sendline/internal/mx"
	"github.com/busybox42/sendline/internal/queue"
	"github.com/busybox42/sendline/internal/ratelimit"
	"github.com/busybox42/sendline/internal/relay"
	"github.com/busybox42/sendline/internal/suppression"
)

// app holds the delivery components assembled from one configuration
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry     *identity.Registry
	suppressions suppression.Store
	gate         *ratelimit.Gate
	resolver     *mx.Resolver
	pool         *delivery.ConnectionPool
	tracker      *delivery.DeliveryTracker
	sink         events.Sink
	relays       *relay.Client
	executor     *delivery.Executor

	// set when the app owns a queue
	queue   queue.Queue
	control queue.Control

	metrics *metrics.Metrics
	history *metrics.ValkeyStore

	// set when cluster membership is enabled
	cluster *cluster.Membership

	closers []func() error
}

type appOptions struct {
	queue   bool
	metrics bool
	// role joins the cluster when it is enabled in the configuration
	role cluster.Role
}

// newApp opens every store and builds the executor. On error everything
// opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  slog.Default().With("component", "sendline"),
		tracker: delivery.NewDeliveryTracker(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.registry, err = identity.Open(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to open identity registry: %w", err)
	}
	a.closers = append(a.closers, a.registry.Close)

	if a.suppressions, err = suppression.Open(ctx, cfg.Suppression, cfg.Identity); err != nil {
		return nil, fmt.Errorf("failed to open suppression list: %w", err)
	}
	a.closers = append(a.closers, a.suppressions.Close)

	gate, counters, err := ratelimit.NewGateFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.gate = gate
	a.closers = append(a.closers, counters.Close)

	if a.resolver, err = mx.NewResolverFromConfig(cfg.MX); err != nil {
		return nil, fmt.Errorf("failed to create MX resolver: %w", err)
	}
	a.closers = append(a.closers, func() error { a.resolver.Stop(); return nil })

	a.pool = delivery.NewConnectionPool(delivery.PoolOptionsFromConfig(cfg))
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })

	if a.sink, err = events.Open(cfg.Events); err != nil {
		return nil, fmt.Errorf("failed to open event sink: %w", err)
	}
	a.closers = append(a.closers, a.sink.Close)

	if opts.queue {
		if a.queue, a.control, err = queue.Open(cfg.Queue); err != nil {
			return nil, fmt.Errorf("failed to open queue: %w", err)
		}
		a.closers = append(a.closers, a.control.Close, a.queue.Close)
	}

	if opts.metrics && cfg.Metrics.Enabled {
		a.metrics = metrics.Default()
		if cfg.Metrics.ValkeyAddr != "" {
			if a.history, err = metrics.NewValkeyStore(cfg.Metrics.ValkeyAddr, cfg.Counters.Prefix); err != nil {
				return nil, fmt.Errorf("failed to connect to valkey: %w", err)
			}
			a.closers = append(a.closers, func() error { a.history.Close(); return nil })
		}
	}

	var relayOpts []relay.ClientOption
	if opts.role != "" && cfg.Cluster.Enabled {
		if err = a.joinCluster(ctx, opts.role); err != nil {
			return nil, err
		}
		if opts.role == cluster.RoleServer {
			relayOpts = append(relayOpts, relay.WithDiscovery(a.discoverRelays))
		}
	}
	a.relays = relay.NewClientFromConfig(cfg.Relay, relayOpts...)

	signer := delivery.NewSigner(delivery.NewKeyStore(cfg.DKIM.KeyDir), cfg.DKIM.DefaultSelector, cfg.DKIM.Headers)
	extra := []delivery.ExecutorOption{
		delivery.WithSuppressions(a.suppressions),
		delivery.WithSigner(signer),
		delivery.WithEventSink(a.sink),
		delivery.WithTracker(a.tracker),
	}
	if a.control != nil {
		extra = append(extra, delivery.WithCanceller(a.control))
	}
	if a.relays != nil {
		extra = append(extra, delivery.WithRelay(a.relays))
	}
	if a.metrics != nil {
		extra = append(extra, delivery.WithObserver(a.metrics))
	}
	if a.history != nil {
		extra = append(extra, delivery.WithObserver(metrics.NewHistoryRecorder(a.history)))
	}
	a.executor = delivery.NewExecutor(a.registry, a.resolver, a.gate, a.pool,
		delivery.ExecutorOptionsFromConfig(cfg), extra...)

	return a, nil
}

func (a *app) joinCluster(ctx context.Context, role cluster.Role) error {
	self := cluster.Node{
		ID:      a.cfg.Cluster.NodeID,
		Role:    role,
		Version: versionInfo.version,
	}
	if self.ID == "" {
		self.ID = a.cfg.Server.Hostname
	}
	if role == cluster.RoleRelay && a.cfg.Cluster.AdvertiseURL == "" {
		a.logger.Warn("cluster.advertise_url is empty; servers will not discover this relay")
	}
	m, err := cluster.Open(a.cfg.Cluster, self, a.registry.Capacity)
	if err != nil {
		return fmt.Errorf("failed to open cluster membership: %w", err)
	}
	if err := m.Start(ctx); err != nil {
		m.Close()
		return fmt.Errorf("failed to join cluster: %w", err)
	}
	a.cluster = m
	a.closers = append(a.closers, m.Close)
	return nil
}

// discoverRelays turns advertised relay nodes into relay endpoints
func (a *app) discoverRelays(context.Context) ([]relay.Endpoint, error) {
	nodes := a.cluster.Relays()
	eps := make([]relay.Endpoint, 0, len(nodes))
	for _, n := range nodes {
		eps = append(eps, relay.Endpoint{Name: n.ID, URL: n.RelayURL})
	}
	return eps, nil
}

// runRollover runs the warmup rollover every minute, only on the leader when
// several servers share the identity store
func (a *app) runRollover(ctx context.Context) {
	if a.cluster != nil && a.cluster.Self().Role == cluster.RoleServer {
		a.cluster.RunAsLeader(ctx, time.Minute, a.registry.Rollover)
		return
	}
	a.registry.RunRollover(ctx, time.Minute)
}

// sampler refreshes gauges from the app's components
func (a *app) sampler() *metrics.Sampler {
	s := metrics.NewSampler(a.metrics)
	s.Add(func(ctx context.Context, m *metrics.Metrics) error {
		capacity, err := a.registry.Capacity(ctx)
		if err != nil {
			return err
		}
		m.IdentityCapacity.Set(float64(capacity))
		return nil
	})
	s.Add(func(ctx context.Context, m *metrics.Metrics) error {
		m.UpdatePool(a.pool.Stats())
		m.MXCacheEntries.Set(float64(a.resolver.Len()))
		return nil
	})
	if a.queue != nil {
		s.Add(func(ctx context.Context, m *metrics.Metrics) error {
			d, err := a.queue.Depth(ctx)
			if err != nil {
				return err
			}
			m.SetQueueDepth("ready", d.Ready)
			m.SetQueueDepth("scheduled", d.Scheduled)
			m.SetQueueDepth("leased", d.Leased)
			m.SetQueueDepth("failed", d.Failed)
			return nil
		})
	}
	return s
}

// Close releases everything in reverse order of opening
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
