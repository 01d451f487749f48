package counter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// Memory implements Store in process memory. Counters are not shared between
// processes.
type Memory struct {
	config    Config
	items     map[string]entry
	mu        sync.Mutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan struct{}
	now       func() time.Time
}

// NewMemory creates a new in-memory counter store
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]entry),
		now:    time.Now,
	}
}

// Connect starts the janitor that drops expired counters
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan struct{})
	janitor, stop := m.janitor, m.stopChan

	go func() {
		for {
			select {
			case <-janitor.C:
				m.deleteExpired()
			case <-stop:
				janitor.Stop()
				return
			}
		}
	}()

	m.connected = true
	return nil
}

// Close stops the janitor and clears every counter
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	m.items = make(map[string]entry)
	m.connected = false
	return nil
}

// IsConnected returns true if the store is connected
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Name returns the name of this store instance
func (m *Memory) Name() string {
	return m.config.Name
}

// Type returns the type of this store
func (m *Memory) Type() string {
	return "memory"
}

// live returns the entry for key, dropping it when expired. Caller holds mu.
func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.items[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.items, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get returns the current value of a counter
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}
	e, _ := m.live(key)
	return e.value, nil
}

// Increment adds amount to a counter
func (m *Memory) Increment(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	e, ok := m.live(key)
	if !ok {
		e.expiresAt = m.expiry(ttl)
	}
	e.value += amount
	m.items[key] = e
	return e.value, nil
}

// IncrementBelow adds one to a counter while it is below limit
func (m *Memory) IncrementBelow(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, false, ErrNotConnected
	}

	e, ok := m.live(key)
	if e.value >= limit {
		return e.value, false, nil
	}
	if !ok {
		e.expiresAt = m.expiry(ttl)
	}
	e.value++
	m.items[key] = e
	return e.value, true, nil
}

// Decrement subtracts amount from a counter, flooring at zero
func (m *Memory) Decrement(_ context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	e, ok := m.live(key)
	if !ok {
		return 0, nil
	}
	e.value -= amount
	if e.value < 0 {
		e.value = 0
	}
	m.items[key] = e
	return e.value, nil
}

// Delete removes a counter
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.items {
		m.live(key)
	}
}
