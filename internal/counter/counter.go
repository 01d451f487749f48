// Package counter provides windowed integer counters shared between delivery workers.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotConnected = errors.New("not connected to counter store")
	ErrUnsupported  = errors.New("unsupported counter store type")
)

// Store defines the interface that all counter store implementations must satisfy.
// Missing keys read as zero.
type Store interface {
	// Connect establishes a connection to the store
	Connect() error

	// Close closes the connection to the store
	Close() error

	// IsConnected returns true if the store is connected
	IsConnected() bool

	// Name returns the name of the store
	Name() string

	// Type returns the type of the store (e.g., "redis", "memcached", etc.)
	Type() string

	// Get returns the current value of a counter
	Get(ctx context.Context, key string) (int64, error)

	// Increment adds amount to a counter, setting ttl when the key is created
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)

	// IncrementBelow adds one to a counter only while its value is below limit.
	// It returns the resulting value and whether the increment happened, in a
	// single atomic step.
	IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)

	// Decrement subtracts amount from a counter without going below zero
	Decrement(ctx context.Context, key string, amount int64) (int64, error)

	// Delete removes a counter
	Delete(ctx context.Context, key string) error
}

// Config represents the configuration for a counter store
type Config struct {
	Type     string        // redis, valkey, memcached or memory
	Name     string        // Name of this store instance
	Addr     string        // host:port of the backing server
	Password string        // Password for authentication
	Database int           // Database number (redis)
	Timeout  time.Duration // Dial and operation timeout
}

// Factory creates counter stores based on configuration
func Factory(config Config) (Store, error) {
	if config.Name == "" {
		config.Name = config.Type
	}
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "valkey":
		return NewValkey(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(config), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, config.Type)
	}
}

// Open creates a store with Factory and connects it
func Open(config Config) (Store, error) {
	store, err := Factory(config)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(); err != nil {
		return nil, err
	}
	return store, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
