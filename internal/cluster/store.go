package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Store keeps node records and the leader lease
type Store interface {
	// Register writes the node record with an expiry of ttl
	Register(ctx context.Context, node Node, ttl time.Duration) error
	Deregister(ctx context.Context, id string) error
	// Nodes returns the live node records ordered by ID
	Nodes(ctx context.Context) ([]Node, error)
	// AcquireLeader takes the lease when it is free, or extends it when id
	// already holds it
	AcquireLeader(ctx context.Context, id string, ttl time.Duration) (bool, error)
	ReleaseLeader(ctx context.Context, id string) error
	Close() error
}

const acquireLeaderLua = `
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`

const releaseLeaderLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

var (
	valkeyAcquireLeader = valkey.NewLuaScript(acquireLeaderLua)
	valkeyReleaseLeader = valkey.NewLuaScript(releaseLeaderLua)
)

// ValkeyStore keeps node records as expiring keys indexed by a set
type ValkeyStore struct {
	client   valkey.Client
	keyspace string
}

// NewValkeyStore connects to Valkey at addr
func NewValkeyStore(addr, keyspace string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}
	if keyspace == "" {
		keyspace = "sendline:cluster"
	}
	return &ValkeyStore{client: client, keyspace: keyspace}, nil
}

func (s *ValkeyStore) nodeKey(id string) string { return s.keyspace + ":nodes:" + id }
func (s *ValkeyStore) indexKey() string         { return s.keyspace + ":nodes" }
func (s *ValkeyStore) leaderKey() string        { return s.keyspace + ":leader" }

func (s *ValkeyStore) Register(ctx context.Context, node Node, ttl time.Duration) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node data: %w", err)
	}
	for _, res := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.nodeKey(node.ID)).Value(string(data)).Ex(ttl).Build(),
		s.client.B().Sadd().Key(s.indexKey()).Member(node.ID).Build(),
	) {
		if err := res.Error(); err != nil {
			return fmt.Errorf("failed to register node: %w", err)
		}
	}
	return nil
}

func (s *ValkeyStore) Deregister(ctx context.Context, id string) error {
	for _, res := range s.client.DoMulti(ctx,
		s.client.B().Del().Key(s.nodeKey(id)).Build(),
		s.client.B().Srem().Key(s.indexKey()).Member(id).Build(),
	) {
		if err := res.Error(); err != nil {
			return fmt.Errorf("failed to deregister node: %w", err)
		}
	}
	return nil
}

// Nodes reads every indexed record and prunes ids whose record expired
func (s *ValkeyStore) Nodes(ctx context.Context) ([]Node, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.indexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.nodeKey(id)
	}
	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to read nodes: %w", err)
	}

	var nodes []Node
	var gone []string
	for i, v := range values {
		data, err := v.ToString()
		if err != nil {
			gone = append(gone, ids[i])
			continue
		}
		node, err := decodeNode(data)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if len(gone) > 0 {
		_ = s.client.Do(ctx, s.client.B().Srem().Key(s.indexKey()).Member(gone...).Build()).Error()
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *ValkeyStore) AcquireLeader(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	n, err := valkeyAcquireLeader.Exec(ctx, s.client, []string{s.leaderKey()},
		[]string{id, fmt.Sprint(ttl.Milliseconds())}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("leader election failed: %w", err)
	}
	return n == 1, nil
}

func (s *ValkeyStore) ReleaseLeader(ctx context.Context, id string) error {
	return valkeyReleaseLeader.Exec(ctx, s.client, []string{s.leaderKey()}, []string{id}).Error()
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

func decodeNode(data string) (Node, error) {
	var node Node
	if err := json.Unmarshal([]byte(data), &node); err != nil {
		return Node{}, fmt.Errorf("invalid node record: %w", err)
	}
	return node, nil
}

type memoryRecord struct {
	node    Node
	expires time.Time
}

// MemoryStore is a Store for a single process and for tests
type MemoryStore struct {
	mu            sync.Mutex
	nodes         map[string]memoryRecord
	leader        string
	leaderExpires time.Time
	now           func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]memoryRecord), now: time.Now}
}

func (m *MemoryStore) Register(_ context.Context, node Node, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = memoryRecord{node: node, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Deregister(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	return nil
}

func (m *MemoryStore) Nodes(_ context.Context) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var nodes []Node
	for id, rec := range m.nodes {
		if !now.Before(rec.expires) {
			delete(m.nodes, id)
			continue
		}
		nodes = append(nodes, rec.node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (m *MemoryStore) AcquireLeader(_ context.Context, id string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.leader != "" && m.leader != id && now.Before(m.leaderExpires) {
		return false, nil
	}
	m.leader, m.leaderExpires = id, now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) ReleaseLeader(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leader == id {
		m.leader = ""
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
