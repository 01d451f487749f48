package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists sending identities. Reserve must check and increment both
// counters in one atomic step.
type Store interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, s *SendingIdentity) error
	Get(ctx context.Context, id string) (*SendingIdentity, error)
	GetByAddress(ctx context.Context, address string) (*SendingIdentity, error)
	List(ctx context.Context) ([]SendingIdentity, error)

	// Reserve counts one send against the daily and hourly limits when both
	// have room and the identity is active and not blacklisted.
	Reserve(ctx context.Context, id string, at time.Time) (bool, error)
	// Release undoes a Reserve, never going below zero
	Release(ctx context.Context, id string) error

	SetActive(ctx context.Context, id string, active bool) error
	SetBlacklisted(ctx context.Context, id string, blacklisted bool) error
	SetPriority(ctx context.Context, id string, priority int) error

	// AdvanceWarmup applies adv only if the identity is still on fromDay and
	// has not advanced on adv.On. It reports whether a row changed.
	AdvanceWarmup(ctx context.Context, id string, fromDay int, adv WarmupAdvance) (bool, error)
	// SetWarmup applies adv unconditionally
	SetWarmup(ctx context.Context, id string, adv WarmupAdvance) error

	// ResetDaily zeroes sent_today on identities not yet reset for day
	ResetDaily(ctx context.Context, day string) (int64, error)
	// ResetHourly zeroes sent_this_hour on identities not yet reset for hour
	ResetHourly(ctx context.Context, hour string) (int64, error)

	Close() error
}

// MemoryStore keeps identities in process memory
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*SendingIdentity
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*SendingIdentity)}
}

func (m *MemoryStore) Init(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) Insert(_ context.Context, s *SendingIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[s.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range m.items {
		if existing.Address == s.Address {
			return ErrAlreadyExists
		}
	}
	cp := *s
	m.items[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*SendingIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByAddress(_ context.Context, address string) (*SendingIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.items {
		if s.Address == address {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(context.Context) ([]SendingIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SendingIdentity, 0, len(m.items))
	for _, s := range m.items {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// update runs fn on the stored identity under the lock
func (m *MemoryStore) update(id string, fn func(s *SendingIdentity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if !s.IsActive || s.IsBlacklisted || s.SentToday >= s.DailyLimit || s.SentThisHour >= s.HourlyLimit {
		return false, nil
	}
	s.SentToday++
	s.SentThisHour++
	s.SentTotal++
	s.LastSentAt = at.UTC()
	s.UpdatedAt = at.UTC()
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, id string) error {
	return m.update(id, func(s *SendingIdentity) {
		if s.SentToday > 0 {
			s.SentToday--
		}
		if s.SentThisHour > 0 {
			s.SentThisHour--
		}
		if s.SentTotal > 0 {
			s.SentTotal--
		}
	})
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	return m.update(id, func(s *SendingIdentity) { s.IsActive = active })
}

func (m *MemoryStore) SetBlacklisted(_ context.Context, id string, blacklisted bool) error {
	return m.update(id, func(s *SendingIdentity) { s.IsBlacklisted = blacklisted })
}

func (m *MemoryStore) SetPriority(_ context.Context, id string, priority int) error {
	return m.update(id, func(s *SendingIdentity) { s.Priority = priority })
}

func (m *MemoryStore) AdvanceWarmup(_ context.Context, id string, fromDay int, adv WarmupAdvance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.WarmupDay != fromDay || s.WarmupAdvancedOn == adv.On {
		return false, nil
	}
	applyAdvance(s, adv)
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) SetWarmup(_ context.Context, id string, adv WarmupAdvance) error {
	return m.update(id, func(s *SendingIdentity) { applyAdvance(s, adv) })
}

func (m *MemoryStore) ResetDaily(_ context.Context, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.items {
		if s.DailyResetOn != day {
			s.SentToday = 0
			s.DailyResetOn = day
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ResetHourly(_ context.Context, hour string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.items {
		if s.HourlyResetAt != hour {
			s.SentThisHour = 0
			s.HourlyResetAt = hour
			n++
		}
	}
	return n, nil
}

func applyAdvance(s *SendingIdentity, adv WarmupAdvance) {
	s.WarmupDay = adv.Day
	s.DailyLimit = adv.DailyLimit
	s.HourlyLimit = adv.HourlyLimit
	s.WarmupStatus = adv.Status
	s.WarmupAdvancedOn = adv.On
	if adv.StartedOn != "" {
		s.WarmupStartedOn = adv.StartedOn
	}
}
