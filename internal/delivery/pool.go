package delivery

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/sendline/internal/config"
)

// PoolOptions configures a ConnectionPool
type PoolOptions struct {
	MaxIdlePerKey  int
	MaxAge         time.Duration
	MaxUses        int64
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Network        string // tcp, tcp4 or tcp6
	Hostname       string // default EHLO name
	TLSConfig      *tls.Config
	Dial           DialFunc
}

// PoolOptionsFromConfig derives pool options from configuration
func PoolOptionsFromConfig(cfg *config.Config) PoolOptions {
	return PoolOptions{
		MaxIdlePerKey:  cfg.Pool.MaxIdlePerKey,
		MaxAge:         cfg.Pool.MaxAge.Duration,
		MaxUses:        cfg.Pool.MaxUses,
		ConnectTimeout: cfg.Pool.ConnectTimeout.Duration,
		CommandTimeout: cfg.Pool.CommandTimeout.Duration,
		Network:        Network(cfg.Pool.AddressFamily),
		Hostname:       cfg.Server.Hostname,
		TLSConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !cfg.Pool.TLSVerify, // opportunistic TLS between MTAs
		},
	}
}

// hostPool holds idle sessions for one key
type hostPool struct {
	mu   sync.Mutex
	idle []*PooledConnection
}

// PoolStats is a point in time view of pool activity
type PoolStats struct {
	Keys      int   `json:"keys"`
	Idle      int   `json:"idle"`
	Active    int64 `json:"active"`
	Created   int64 `json:"created"`
	Reused    int64 `json:"reused"`
	Discarded int64 `json:"discarded"`
	Failed    int64 `json:"failed"`
}

// ConnectionPool reuses SMTP sessions per (server, port, source address)
type ConnectionPool struct {
	opts   PoolOptions
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	pools map[poolKey]*hostPool

	nextID                                     atomic.Uint64
	active, created, reused, discarded, failed atomic.Int64
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(opts PoolOptions) *ConnectionPool {
	if opts.MaxIdlePerKey <= 0 {
		opts.MaxIdlePerKey = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = 100
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial(opts.ConnectTimeout)
	}
	return &ConnectionPool{
		opts:   opts,
		logger: slog.Default().With("component", "connection-pool"),
		now:    time.Now,
		pools:  make(map[poolKey]*hostPool),
	}
}

func (cp *ConnectionPool) hostPool(key poolKey) *hostPool {
	cp.mu.RLock()
	pool, exists := cp.pools[key]
	cp.mu.RUnlock()
	if exists {
		return pool
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	// Double-check after acquiring write lock
	if pool, exists = cp.pools[key]; !exists {
		pool = &hostPool{}
		cp.pools[key] = pool
	}
	return pool
}

// Acquire returns a ready session to server:port bound to localAddr
func (cp *ConnectionPool) Acquire(ctx context.Context, server string, port int, localAddr string) (*PooledConnection, error) {
	return cp.AcquireEndpoint(ctx, Endpoint{Server: server, Port: port, LocalAddr: localAddr})
}

// AcquireEndpoint pops a live idle session for the endpoint or dials a new one
func (cp *ConnectionPool) AcquireEndpoint(ctx context.Context, ep Endpoint) (*PooledConnection, error) {
	if ep.HeloName == "" {
		ep.HeloName = cp.opts.Hostname
	}
	key := ep.key()
	pool := cp.hostPool(key)

	for {
		conn := pool.pop()
		if conn == nil {
			break
		}
		if cp.now().Sub(conn.CreatedAt) >= cp.opts.MaxAge {
			cp.destroy(conn, "expired")
			continue
		}
		// liveness check happens outside the key lock
		if err := conn.noop(); err != nil {
			cp.logger.Debug("Pooled session failed NOOP",
				"server", conn.Server,
				"id", conn.ID,
				"error", err)
			cp.destroy(conn, "noop_failed")
			continue
		}

		conn.UseCount++
		conn.LastUsedAt = cp.now()
		cp.active.Add(1)
		cp.reused.Add(1)

		cp.logger.Debug("Reusing pooled session",
			"server", conn.Server,
			"port", conn.Port,
			"local_addr", conn.LocalAddr,
			"use_count", conn.UseCount)
		return conn, nil
	}

	start := cp.now()
	client, tlsEnabled, err := dialSession(ctx, cp.opts.Dial, cp.opts.Network, ep, cp.opts.TLSConfig, cp.opts.CommandTimeout)
	if err != nil {
		cp.failed.Add(1)
		return nil, err
	}

	now := cp.now()
	conn := &PooledConnection{
		ID:         cp.nextID.Add(1),
		Server:     ep.Server,
		Port:       ep.Port,
		LocalAddr:  ep.LocalAddr,
		CreatedAt:  now,
		LastUsedAt: now,
		UseCount:   1,
		TLSEnabled: tlsEnabled,
		key:        key,
		client:     client,
	}
	cp.active.Add(1)
	cp.created.Add(1)

	cp.logger.Debug("Created new session",
		"server", ep.Server,
		"port", ep.Port,
		"local_addr", ep.LocalAddr,
		"tls", tlsEnabled,
		"connect_time", now.Sub(start))
	return conn, nil
}

// Release returns a session after use. Sessions that are too old, used too
// often or that do not fit the idle queue are closed; the rest are reset
// with RSET and kept.
func (cp *ConnectionPool) Release(conn *PooledConnection) {
	if conn == nil {
		return
	}
	cp.active.Add(-1)

	switch {
	case cp.now().Sub(conn.CreatedAt) >= cp.opts.MaxAge:
		cp.destroy(conn, "expired")
		return
	case conn.UseCount >= cp.opts.MaxUses:
		cp.destroy(conn, "max_uses")
		return
	}

	if err := conn.reset(); err != nil {
		cp.destroy(conn, "reset_failed")
		return
	}

	conn.LastUsedAt = cp.now()
	pool := cp.hostPool(conn.key)
	if !pool.push(conn, cp.opts.MaxIdlePerKey) {
		cp.destroy(conn, "idle_full")
	}
}

// Discard closes a session that must not be reused
func (cp *ConnectionPool) Discard(conn *PooledConnection) {
	if conn == nil {
		return
	}
	cp.active.Add(-1)
	cp.destroy(conn, "discarded")
}

func (cp *ConnectionPool) destroy(conn *PooledConnection, reason string) {
	conn.close()
	cp.discarded.Add(1)
	cp.logger.Debug("Closed session",
		"server", conn.Server,
		"id", conn.ID,
		"reason", reason,
		"use_count", conn.UseCount)
}

// EvictExpired closes idle sessions older than MaxAge and returns how many
func (cp *ConnectionPool) EvictExpired() int {
	now := cp.now()

	cp.mu.RLock()
	pools := make([]*hostPool, 0, len(cp.pools))
	for _, pool := range cp.pools {
		pools = append(pools, pool)
	}
	cp.mu.RUnlock()

	var expired []*PooledConnection
	for _, pool := range pools {
		pool.mu.Lock()
		kept := pool.idle[:0]
		for _, conn := range pool.idle {
			if now.Sub(conn.CreatedAt) >= cp.opts.MaxAge {
				expired = append(expired, conn)
			} else {
				kept = append(kept, conn)
			}
		}
		pool.idle = kept
		pool.mu.Unlock()
	}

	for _, conn := range expired {
		cp.destroy(conn, "expired")
	}
	if len(expired) > 0 {
		cp.logger.Debug("Evicted expired sessions", "count", len(expired))
	}
	return len(expired)
}

// RunEvictor calls EvictExpired every interval until ctx is done
func (cp *ConnectionPool) RunEvictor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.EvictExpired()
		}
	}
}

// Close closes all idle sessions
func (cp *ConnectionPool) Close() {
	cp.mu.Lock()
	pools := cp.pools
	cp.pools = make(map[poolKey]*hostPool)
	cp.mu.Unlock()

	closed := 0
	for _, pool := range pools {
		pool.mu.Lock()
		idle := pool.idle
		pool.idle = nil
		pool.mu.Unlock()

		for _, conn := range idle {
			cp.destroy(conn, "shutdown")
			closed++
		}
	}
	cp.logger.Info("Closed all pooled sessions", "count", closed)
}

// Stats returns current pool statistics
func (cp *ConnectionPool) Stats() PoolStats {
	cp.mu.RLock()
	keys := len(cp.pools)
	idle := 0
	for _, pool := range cp.pools {
		pool.mu.Lock()
		idle += len(pool.idle)
		pool.mu.Unlock()
	}
	cp.mu.RUnlock()

	return PoolStats{
		Keys:      keys,
		Idle:      idle,
		Active:    cp.active.Load(),
		Created:   cp.created.Load(),
		Reused:    cp.reused.Load(),
		Discarded: cp.discarded.Load(),
		Failed:    cp.failed.Load(),
	}
}

func (p *hostPool) pop() *PooledConnection {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 {
		return nil
	}
	// most recently used first
	conn := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return conn
}

func (p *hostPool) push(conn *PooledConnection, limit int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) >= limit {
		return false
	}
	p.idle = append(p.idle, conn)
	return true
}
