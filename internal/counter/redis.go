package counter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	incrementScript      = redis.NewScript(incrementLua)
	incrementBelowScript = redis.NewScript(incrementBelowLua)
	decrementScript      = redis.NewScript(decrementLua)
)

// Redis implements Store on Redis using server-side scripts
type Redis struct {
	config    Config
	client    *redis.Client
	mu        sync.RWMutex
	connected bool
}

// NewRedis creates a new Redis counter store
func NewRedis(config Config) *Redis {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	return &Redis{config: config}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}

	timeout := timeoutOrDefault(r.config.Timeout)
	r.client = redis.NewClient(&redis.Options{
		Addr:         r.config.Addr,
		Password:     r.config.Password,
		DB:           r.config.Database,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}
	r.connected = false
	return r.client.Close()
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Name returns the name of this store instance
func (r *Redis) Name() string {
	return r.config.Name
}

// Type returns the type of this store
func (r *Redis) Type() string {
	return "redis"
}

// Client exposes the underlying client for components sharing the connection
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Get returns the current value of a counter
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	if !r.IsConnected() {
		return 0, ErrNotConnected
	}

	v, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Increment adds amount to a counter
func (r *Redis) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	if !r.IsConnected() {
		return 0, ErrNotConnected
	}
	return incrementScript.Run(ctx, r.client, []string{key}, amount, ttl.Milliseconds()).Int64()
}

// IncrementBelow adds one to a counter while it is below limit
func (r *Redis) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	if !r.IsConnected() {
		return 0, false, ErrNotConnected
	}

	res, err := incrementBelowScript.Run(ctx, r.client, []string{key}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected script reply: %v", res)
	}
	return res[0], res[1] == 1, nil
}

// Decrement subtracts amount from a counter, flooring at zero
func (r *Redis) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	if !r.IsConnected() {
		return 0, ErrNotConnected
	}
	return decrementScript.Run(ctx, r.client, []string{key}, amount).Int64()
}

// Delete removes a counter
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}
	return r.client.Del(ctx, key).Err()
}
