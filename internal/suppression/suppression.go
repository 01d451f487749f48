// Package suppression keeps the addresses that must never be mailed again.
package suppression

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrNotFound means the address is not suppressed
var ErrNotFound = errors.New("address not suppressed")

// Reason explains why an address is suppressed
type Reason string

const (
	ReasonHardBounce  Reason = "hard_bounce"
	ReasonComplaint   Reason = "complaint"
	ReasonUnsubscribe Reason = "unsubscribe"
	ReasonManual      Reason = "manual"
)

// ValidReason reports whether r is a known reason
func ValidReason(r Reason) bool {
	switch r {
	case ReasonHardBounce, ReasonComplaint, ReasonUnsubscribe, ReasonManual:
		return true
	}
	return false
}

// Entry is one suppressed address
type Entry struct {
	Email     string    `json:"email"`
	Reason    Reason    `json:"reason"`
	Source    string    `json:"source,omitempty"`
	DSNCode   string    `json:"dsn_code,omitempty"`
	DSNDiag   string    `json:"dsn_diag,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store holds suppressed addresses. Adding an address that is already
// suppressed keeps the first entry.
type Store interface {
	Init(ctx context.Context) error
	Add(ctx context.Context, e Entry) error
	Remove(ctx context.Context, email string) error
	Get(ctx context.Context, email string) (*Entry, error)
	IsSuppressed(ctx context.Context, email string) (bool, error)
	List(ctx context.Context, limit, offset int) ([]Entry, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Normalize lower-cases and NFC-normalizes an address for lookup
func Normalize(email string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
}

// MemoryStore keeps entries in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), now: time.Now}
}

func (m *MemoryStore) Init(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Add(_ context.Context, e Entry) error {
	e.Email = Normalize(e.Email)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[e.Email]; !exists {
		m.entries[e.Email] = e
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, email string) error {
	email = Normalize(email)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[email]; !exists {
		return ErrNotFound
	}
	delete(m.entries, email)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, email string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[Normalize(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) IsSuppressed(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[Normalize(email)]
	return ok, nil
}

// List returns entries newest first
func (m *MemoryStore) List(_ context.Context, limit, offset int) ([]Entry, error) {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Email < out[j].Email
	})
	return page(out, limit, offset), nil
}

func (m *MemoryStore) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

func page(entries []Entry, limit, offset int) []Entry {
	if offset >= len(entries) {
		return []Entry{}
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
