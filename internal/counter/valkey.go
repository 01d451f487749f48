package counter

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
)

var (
	valkeyIncrement      = valkey.NewLuaScript(incrementLua)
	valkeyIncrementBelow = valkey.NewLuaScript(incrementBelowLua)
	valkeyDecrement      = valkey.NewLuaScript(decrementLua)
)

// Valkey implements Store on Valkey with the same scripts as Redis
type Valkey struct {
	config    Config
	client    valkey.Client
	mu        sync.RWMutex
	connected bool
}

// NewValkey creates a new Valkey counter store
func NewValkey(config Config) *Valkey {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	return &Valkey{config: config}
}

// Connect establishes a connection to Valkey
func (v *Valkey) Connect() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.connected {
		return nil
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{v.config.Addr},
		Password:    v.config.Password,
		SelectDB:    v.config.Database,
		Dialer:      net.Dialer{Timeout: timeoutOrDefault(v.config.Timeout)},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	v.client = client
	v.connected = true
	return nil
}

// Close closes the Valkey connection
func (v *Valkey) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected {
		return nil
	}
	v.client.Close()
	v.connected = false
	return nil
}

// IsConnected returns true if connected to Valkey
func (v *Valkey) IsConnected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.connected
}

// Name returns the name of this store instance
func (v *Valkey) Name() string {
	return v.config.Name
}

// Type returns the type of this store
func (v *Valkey) Type() string {
	return "valkey"
}

// Get returns the current value of a counter
func (v *Valkey) Get(ctx context.Context, key string) (int64, error) {
	if !v.IsConnected() {
		return 0, ErrNotConnected
	}

	n, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	return n, err
}

// Increment adds amount to a counter
func (v *Valkey) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	if !v.IsConnected() {
		return 0, ErrNotConnected
	}
	args := []string{strconv.FormatInt(amount, 10), strconv.FormatInt(ttl.Milliseconds(), 10)}
	return valkeyIncrement.Exec(ctx, v.client, []string{key}, args).AsInt64()
}

// IncrementBelow adds one to a counter while it is below limit
func (v *Valkey) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	if !v.IsConnected() {
		return 0, false, ErrNotConnected
	}

	args := []string{strconv.FormatInt(limit, 10), strconv.FormatInt(ttl.Milliseconds(), 10)}
	res, err := valkeyIncrementBelow.Exec(ctx, v.client, []string{key}, args).AsIntSlice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected script reply: %v", res)
	}
	return res[0], res[1] == 1, nil
}

// Decrement subtracts amount from a counter, flooring at zero
func (v *Valkey) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	if !v.IsConnected() {
		return 0, ErrNotConnected
	}
	return valkeyDecrement.Exec(ctx, v.client, []string{key}, []string{strconv.FormatInt(amount, 10)}).AsInt64()
}

// Delete removes a counter
func (v *Valkey) Delete(ctx context.Context, key string) error {
	if !v.IsConnected() {
		return ErrNotConnected
	}
	return v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
}
