package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, opts PoolOptions) (*ConnectionPool, *testBackend, int) {
	t.Helper()
	be, port := startTestServer(t)
	if opts.Dial == nil {
		opts.Dial = loopbackDial(port)
	}
	opts.Hostname = "mta1.example.com"
	opts.CommandTimeout = 5 * time.Second
	pool := NewConnectionPool(opts)
	t.Cleanup(pool.Close)
	return pool, be, port
}

func TestPoolReusesSession(t *testing.T) {
	pool, be, port := newTestPool(t, PoolOptions{})
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.UseCount)
	assert.False(t, first.TLSEnabled)
	pool.Release(first)

	second, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.UseCount)
	pool.Release(second)

	third, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, int64(3), third.UseCount)
	pool.Release(third)

	assert.Equal(t, int64(1), be.sessions.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(2), stats.Reused)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, 1, stats.Idle)
}

func TestPoolKeysBySourceAddress(t *testing.T) {
	pool, be, port := newTestPool(t, PoolOptions{})
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	pool.Release(a)

	b, err := pool.AcquireEndpoint(ctx, Endpoint{Server: "mx1.example.net", Port: port, LocalAddr: "127.0.0.1"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "127.0.0.1", b.LocalAddr)
	pool.Release(b)

	assert.Equal(t, int64(2), be.sessions.Load())
	assert.Equal(t, 2, pool.Stats().Keys)
}

func TestPoolMaxUses(t *testing.T) {
	pool, _, port := newTestPool(t, PoolOptions{MaxUses: 2})
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	pool.Release(c1)
	c2, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID)
	pool.Release(c2) // second use reaches the limit

	c3, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c3.ID)
	assert.Equal(t, int64(1), c3.UseCount)
	pool.Release(c3)
}

func TestPoolMaxAge(t *testing.T) {
	pool, _, port := newTestPool(t, PoolOptions{MaxAge: time.Minute})
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	pool.now = clock.Now
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	pool.Release(c1)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, pool.EvictExpired())
	assert.Equal(t, 0, pool.Stats().Idle)

	c2, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)

	clock.Advance(2 * time.Minute)
	pool.Release(c2)
	assert.Equal(t, 0, pool.Stats().Idle, "expired session is closed on release")
}

func TestPoolIdleLimit(t *testing.T) {
	pool, _, port := newTestPool(t, PoolOptions{MaxIdlePerKey: 1})
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	b, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, int64(2), pool.Stats().Active)

	pool.Release(a)
	pool.Release(b)
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, int64(1), stats.Discarded)
}

func TestPoolDiscard(t *testing.T) {
	pool, _, port := newTestPool(t, PoolOptions{})
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	pool.Discard(a)

	b, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	pool.Release(b)
}

func TestPoolConnectFailure(t *testing.T) {
	pool, _, port := newTestPool(t, PoolOptions{})
	pool.opts.Dial = loopbackDial(port, "down.example.net")

	_, err := pool.Acquire(context.Background(), "down.example.net", port, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.True(t, errors.Is(err, errUnreachable))
	assert.True(t, IsTemporary(err))

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, KindConnect, de.Kind)
	assert.Equal(t, "down.example.net", de.Host)
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPoolInvalidSourceAddress(t *testing.T) {
	pool, _, port := newTestPool(t, PoolOptions{})

	_, err := pool.AcquireEndpoint(context.Background(), Endpoint{Server: "mx1.example.net", Port: port, LocalAddr: "not-an-ip"})
	assert.True(t, errors.Is(err, ErrConnectFailed))
}

func TestPoolSend(t *testing.T) {
	pool, be, port := newTestPool(t, PoolOptions{})
	ctx := context.Background()

	conn, err := pool.Acquire(ctx, "mx1.example.net", port, "")
	require.NoError(t, err)
	msg := []byte("Subject: hi\r\n\r\nhello\r\n")
	require.NoError(t, conn.Send(ctx, "alice@example.com", "bob@example.net", msg))
	pool.Release(conn)

	got := be.Received()
	require.Len(t, got, 1)
	assert.Equal(t, "alice@example.com", got[0].From)
	assert.Equal(t, []string{"bob@example.net"}, got[0].To)
	assert.Contains(t, got[0].Data, "hello")
}

func TestPoolUpgradesToTLS(t *testing.T) {
	be, port := startTLSTestServer(t)
	pool := NewConnectionPool(PoolOptions{
		Dial:           loopbackDial(port),
		Hostname:       "mta1.example.com",
		CommandTimeout: 5 * time.Second,
		TLSConfig:      &tls.Config{InsecureSkipVerify: true},
	})
	t.Cleanup(pool.Close)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx, "mx.example.test", port, "")
	require.NoError(t, err)
	assert.True(t, conn.TLSEnabled)
	require.NoError(t, conn.Send(ctx, "alice@example.com", "bob@example.net", []byte("Subject: hi\r\n\r\nsecret\r\n")))
	pool.Release(conn)

	// EHLO on the plain session, then EHLO before and after STARTTLS
	assert.Equal(t, int64(3), be.sessions.Load())
	require.Len(t, be.Received(), 1)
}

func TestPoolUpgradeFailureIsHandshakeError(t *testing.T) {
	_, port := startTLSTestServer(t)
	pool := NewConnectionPool(PoolOptions{
		Dial:           loopbackDial(port),
		Hostname:       "mta1.example.com",
		CommandTimeout: 5 * time.Second,
		TLSConfig:      &tls.Config{MinVersion: tls.VersionTLS12},
	})
	t.Cleanup(pool.Close)

	// the self-signed certificate does not verify
	_, err := pool.Acquire(context.Background(), "mx.example.test", port, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
}

func TestPoolKeysByHeloName(t *testing.T) {
	pool, be, port := newTestPool(t, PoolOptions{})
	ctx := context.Background()

	a, err := pool.AcquireEndpoint(ctx, Endpoint{Server: "mx1.example.net", Port: port, HeloName: "mta1.example.com"})
	require.NoError(t, err)
	pool.Release(a)

	b, err := pool.AcquireEndpoint(ctx, Endpoint{Server: "mx1.example.net", Port: port, HeloName: "mta2.example.com"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	pool.Release(b)

	again, err := pool.AcquireEndpoint(ctx, Endpoint{Server: "mx1.example.net", Port: port, HeloName: "mta1.example.com"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
	pool.Release(again)

	assert.Equal(t, int64(2), be.sessions.Load())
}

func TestNetwork(t *testing.T) {
	assert.Equal(t, "tcp4", Network("ipv4"))
	assert.Equal(t, "tcp6", Network("ipv6"))
	assert.Equal(t, "tcp", Network("any"))
	assert.Equal(t, "tcp", Network(""))
}
