// Package cluster tracks sendline nodes. Every node heartbeats a short-lived
// record; relay nodes advertise their relay URL and spare capacity so servers
// can hand them work, and server nodes elect one leader to run the warmup
// rollover against the shared identity store.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/sendline/internal/config"
)

// Role is what a node does in the cluster
type Role string

const (
	RoleServer Role = "server"
	RoleRelay  Role = "relay"
)

// Node is one advertised sendline process
type Node struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	RelayURL  string    `json:"relay_url,omitempty"`
	Capacity  int64     `json:"capacity"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Options configures a Membership
type Options struct {
	Self      Node
	Heartbeat time.Duration
	TTL       time.Duration
	// Capacity reports the local remaining daily capacity on each heartbeat
	Capacity func(ctx context.Context) (int64, error)
	Logger   *slog.Logger
}

// Membership keeps this node registered and caches the other nodes
type Membership struct {
	store     Store
	heartbeat time.Duration
	ttl       time.Duration
	capacity  func(ctx context.Context) (int64, error)
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	self  Node
	nodes []Node

	leader atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Membership. Call Start to register and begin heartbeating.
func New(store Store, opts Options) (*Membership, error) {
	if opts.Self.ID == "" {
		return nil, fmt.Errorf("node ID is required")
	}
	if opts.Self.Role == "" {
		opts.Self.Role = RoleServer
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.TTL <= opts.Heartbeat {
		opts.TTL = 6 * opts.Heartbeat
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "cluster")
	}
	m := &Membership{
		store:     store,
		heartbeat: opts.Heartbeat,
		ttl:       opts.TTL,
		capacity:  opts.Capacity,
		logger:    opts.Logger,
		now:       time.Now,
		self:      opts.Self,
	}
	return m, nil
}

// Open builds a Valkey-backed Membership from configuration
func Open(cfg config.ClusterConfig, self Node, capacity func(ctx context.Context) (int64, error)) (*Membership, error) {
	store, err := NewValkeyStore(cfg.ValkeyAddr, cfg.Keyspace)
	if err != nil {
		return nil, err
	}
	if self.ID == "" {
		self.ID = cfg.NodeID
	}
	if self.RelayURL == "" {
		self.RelayURL = cfg.AdvertiseURL
	}
	m, err := New(store, Options{
		Self:      self,
		Heartbeat: cfg.Heartbeat.Duration,
		TTL:       cfg.NodeTTL.Duration,
		Capacity:  capacity,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return m, nil
}

// Start registers the node once, failing fast when the store is unreachable,
// then heartbeats in the background until Close
func (m *Membership) Start(ctx context.Context) error {
	m.mu.Lock()
	m.self.StartedAt = m.now()
	m.mu.Unlock()

	if err := m.Beat(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.heartbeatLoop(loopCtx)

	m.logger.Info("Cluster node started",
		"node_id", m.self.ID,
		"role", m.self.Role,
		"relay_url", m.self.RelayURL)
	return nil
}

func (m *Membership) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Beat(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Heartbeat failed", "error", err)
			}
		}
	}
}

// Beat refreshes the local record, reloads the node list and, on server
// nodes, renews or contends for leadership
func (m *Membership) Beat(ctx context.Context) error {
	var capacity int64
	capacityOK := false
	if m.capacity != nil {
		c, err := m.capacity(ctx)
		if err != nil {
			m.logger.Warn("Capacity check failed", "error", err)
		} else {
			capacity, capacityOK = c, true
		}
	}

	m.mu.Lock()
	if capacityOK {
		m.self.Capacity = capacity
	}
	m.self.LastSeen = m.now()
	self := m.self
	m.mu.Unlock()

	if err := m.store.Register(ctx, self, m.ttl); err != nil {
		return err
	}
	nodes, err := m.store.Nodes(ctx)
	if err != nil {
		return err
	}
	m.updateNodes(nodes)

	if self.Role == RoleServer {
		m.elect(ctx)
	}
	return nil
}

func (m *Membership) updateNodes(nodes []Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := make(map[string]bool, len(m.nodes))
	for _, n := range m.nodes {
		known[n.ID] = true
	}
	current := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		current[n.ID] = true
		if !known[n.ID] && n.ID != m.self.ID {
			m.logger.Info("Discovered node", "node_id", n.ID, "role", n.Role, "relay_url", n.RelayURL)
		}
	}
	for _, n := range m.nodes {
		if !current[n.ID] && n.ID != m.self.ID {
			m.logger.Info("Node left cluster", "node_id", n.ID)
		}
	}
	m.nodes = nodes
}

func (m *Membership) elect(ctx context.Context) {
	ok, err := m.store.AcquireLeader(ctx, m.self.ID, m.ttl)
	if err != nil {
		// an unreachable store drops leadership so two nodes never both run leader tasks
		if m.leader.Swap(false) {
			m.logger.Warn("Lost cluster leadership", "error", err)
		}
		return
	}
	was := m.leader.Swap(ok)
	switch {
	case ok && !was:
		m.logger.Info("Became cluster leader", "node_id", m.self.ID)
	case !ok && was:
		m.logger.Warn("Lost cluster leadership", "node_id", m.self.ID)
	}
}

// IsLeader reports whether this node holds the leader lease
func (m *Membership) IsLeader() bool {
	return m.leader.Load()
}

// Self returns the local node record
func (m *Membership) Self() Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

// Nodes returns the node list from the last heartbeat
func (m *Membership) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Node(nil), m.nodes...)
}

// Relays returns the other live relay nodes that advertise a URL
func (m *Membership) Relays() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := m.now().Add(-m.ttl)
	var out []Node
	for _, n := range m.nodes {
		if n.ID == m.self.ID || n.Role != RoleRelay || n.RelayURL == "" || n.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// RunAsLeader calls fn every interval while this node is the leader
func (m *Membership) RunAsLeader(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if m.IsLeader() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Leader task failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stats summarizes the cluster for the admin API
func (m *Membership) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roles := make(map[Role]int)
	var relayCapacity int64
	for _, n := range m.nodes {
		roles[n.Role]++
		if n.Role == RoleRelay {
			relayCapacity += n.Capacity
		}
	}
	return map[string]interface{}{
		"total_nodes":    len(m.nodes),
		"server_nodes":   roles[RoleServer],
		"relay_nodes":    roles[RoleRelay],
		"relay_capacity": relayCapacity,
		"is_leader":      m.leader.Load(),
		"local_node_id":  m.self.ID,
		"local_role":     m.self.Role,
	}
}

// Close stops heartbeating, removes the node record and gives up leadership
func (m *Membership) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.store.Deregister(ctx, m.self.ID)
	if m.leader.Swap(false) {
		if rerr := m.store.ReleaseLeader(ctx, m.self.ID); rerr != nil && err == nil {
			err = rerr
		}
	}
	if cerr := m.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
