package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMember(t *testing.T, store Store, node Node, capacity func(context.Context) (int64, error)) *Membership {
	t.Helper()
	m, err := New(store, Options{Self: node, Heartbeat: time.Second, TTL: 10 * time.Second, Capacity: capacity})
	require.NoError(t, err)
	return m
}

func TestNewRequiresNodeID(t *testing.T) {
	_, err := New(NewMemoryStore(), Options{})
	assert.Error(t, err)

	m, err := New(NewMemoryStore(), Options{Self: Node{ID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, RoleServer, m.Self().Role)
	assert.Greater(t, m.ttl, m.heartbeat)
}

func TestLeaderElection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := newMember(t, store, Node{ID: "server-a"}, nil)
	b := newMember(t, store, Node{ID: "server-b"}, nil)

	require.NoError(t, a.Beat(ctx))
	require.NoError(t, b.Beat(ctx))
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	// renewing keeps the lease
	require.NoError(t, a.Beat(ctx))
	assert.True(t, a.IsLeader())

	require.NoError(t, a.Close())
	assert.False(t, a.IsLeader())

	require.NoError(t, b.Beat(ctx))
	assert.True(t, b.IsLeader())
	assert.Len(t, b.Nodes(), 1)
}

func TestLeaderLeaseExpires(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	a := newMember(t, store, Node{ID: "server-a"}, nil)
	b := newMember(t, store, Node{ID: "server-b"}, nil)
	require.NoError(t, a.Beat(ctx))
	require.NoError(t, b.Beat(ctx))
	assert.False(t, b.IsLeader())

	// a stops heartbeating
	now = now.Add(11 * time.Second)
	require.NoError(t, b.Beat(ctx))
	assert.True(t, b.IsLeader())

	nodes, err := store.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "server-b", nodes[0].ID)
}

func TestRelaysAreAdvertised(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	relay := newMember(t, store, Node{ID: "relay-1", Role: RoleRelay, RelayURL: "http://10.0.0.5:8025"},
		func(context.Context) (int64, error) { return 420, nil })
	quiet := newMember(t, store, Node{ID: "relay-2", Role: RoleRelay}, nil)
	server := newMember(t, store, Node{ID: "server-a"}, nil)

	require.NoError(t, relay.Beat(ctx))
	require.NoError(t, quiet.Beat(ctx))
	require.NoError(t, server.Beat(ctx))

	// relay nodes never contend for leadership
	assert.False(t, relay.IsLeader())
	assert.True(t, server.IsLeader())

	relays := server.Relays()
	require.Len(t, relays, 1)
	assert.Equal(t, "relay-1", relays[0].ID)
	assert.Equal(t, int64(420), relays[0].Capacity)
	assert.Empty(t, relay.Relays(), "a relay does not list itself")

	stats := server.Stats()
	assert.Equal(t, 3, stats["total_nodes"])
	assert.Equal(t, 2, stats["relay_nodes"])
	assert.Equal(t, int64(420), stats["relay_capacity"])
	assert.Equal(t, true, stats["is_leader"])
}

func TestCapacityErrorKeepsLastValue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	fail := false
	m := newMember(t, store, Node{ID: "relay-1", Role: RoleRelay}, func(context.Context) (int64, error) {
		if fail {
			return 0, errors.New("identity store down")
		}
		return 75, nil
	})

	require.NoError(t, m.Beat(ctx))
	fail = true
	require.NoError(t, m.Beat(ctx))
	assert.Equal(t, int64(75), m.Self().Capacity)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) AcquireLeader(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestStoreErrorDropsLeadership(t *testing.T) {
	ctx := context.Background()
	m := newMember(t, NewMemoryStore(), Node{ID: "server-a"}, nil)
	require.NoError(t, m.Beat(ctx))
	require.True(t, m.IsLeader())

	m.store = failingStore{NewMemoryStore()}
	require.NoError(t, m.Beat(ctx))
	assert.False(t, m.IsLeader())
}

func TestStartAndClose(t *testing.T) {
	store := NewMemoryStore()
	m := newMember(t, store, Node{ID: "server-a"}, nil)
	require.NoError(t, m.Start(context.Background()))
	assert.False(t, m.Self().StartedAt.IsZero())

	nodes, err := store.Nodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	require.NoError(t, m.Close())
	nodes, err = store.Nodes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestRunAsLeader(t *testing.T) {
	m := newMember(t, NewMemoryStore(), Node{ID: "server-a"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 1)
	task := func(context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	}

	// not the leader yet: the task does not run
	done := make(chan struct{})
	go func() {
		m.RunAsLeader(ctx, 10*time.Millisecond, task)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, calls)

	require.NoError(t, m.Beat(ctx))
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("leader task did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunAsLeader did not return")
	}
}
