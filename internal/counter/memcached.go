package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements Store on Memcached. IncrementBelow increments first and
// compensates when the limit was already reached, so concurrent callers may
// briefly observe a value above limit but never more than limit admissions.
type Memcached struct {
	client      *memcache.Client
	config      Config
	mu          sync.RWMutex
	isConnected bool
}

// NewMemcached creates a new Memcached counter store
func NewMemcached(config Config) *Memcached {
	if config.Addr == "" {
		config.Addr = "localhost:11211"
	}
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached servers
func (m *Memcached) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isConnected {
		return nil
	}

	var servers []string
	for _, s := range strings.Split(m.config.Addr, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}

	m.client = memcache.New(servers...)
	m.client.Timeout = timeoutOrDefault(m.config.Timeout)

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached servers
func (m *Memcached) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	return nil
}

// IsConnected returns true if connected to Memcached
func (m *Memcached) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isConnected
}

// Name returns the name of this store instance
func (m *Memcached) Name() string {
	return m.config.Name
}

// Type returns the type of this store
func (m *Memcached) Type() string {
	return "memcached"
}

// Get returns the current value of a counter
func (m *Memcached) Get(_ context.Context, key string) (int64, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}

	item, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	// memcached pads decremented values with spaces
	return strconv.ParseInt(strings.TrimSpace(string(item.Value)), 10, 64)
}

// Increment adds amount to a counter
func (m *Memcached) Increment(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}
	return m.increment(key, amount, ttl)
}

func (m *Memcached) increment(key string, amount int64, ttl time.Duration) (int64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		v, err := m.client.Increment(key, uint64(amount))
		if err == nil {
			return int64(v), nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			return 0, err
		}

		err = m.client.Add(&memcache.Item{
			Key:        key,
			Value:      []byte(strconv.FormatInt(amount, 10)),
			Expiration: expirationSeconds(ttl),
		})
		if err == nil {
			return amount, nil
		}
		// another writer created the key first; retry the increment
		if !errors.Is(err, memcache.ErrNotStored) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("memcached increment of %s kept racing with creation", key)
}

// IncrementBelow adds one to a counter while it is below limit
func (m *Memcached) IncrementBelow(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	if !m.IsConnected() {
		return 0, false, ErrNotConnected
	}
	if limit <= 0 {
		return 0, false, nil
	}

	v, err := m.increment(key, 1, ttl)
	if err != nil {
		return 0, false, err
	}
	if v > limit {
		if _, err := m.client.Decrement(key, 1); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return v, false, fmt.Errorf("failed to compensate counter %s: %w", key, err)
		}
		return limit, false, nil
	}
	return v, true, nil
}

// Decrement subtracts amount from a counter; memcached floors at zero
func (m *Memcached) Decrement(_ context.Context, key string, amount int64) (int64, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}

	v, err := m.client.Decrement(key, uint64(amount))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil
	}
	return int64(v), err
}

// Delete removes a counter
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

func expirationSeconds(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	secs := int32(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}
