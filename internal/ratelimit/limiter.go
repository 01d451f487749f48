// Package ratelimit enforces per-destination send limits on top of a shared
// counter store using fixed UTC buckets.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/sendline/internal/counter"
)

// Window is the length of a fixed counting bucket
type Window string

const (
	Minute Window = "minute"
	Hour   Window = "hour"
	Day    Window = "day"
)

// ParseWindow converts a configuration value to a Window
func ParseWindow(s string) (Window, error) {
	switch Window(s) {
	case Minute, Hour, Day:
		return Window(s), nil
	}
	return "", fmt.Errorf("unknown rate window %q", s)
}

// Duration returns the bucket length
func (w Window) Duration() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Bucket returns the bucket label containing t and the instant the bucket ends.
// Buckets are aligned to UTC: minute "2006-01-02-15-04", hour "2006-01-02-15",
// day "2006-01-02".
func (w Window) Bucket(t time.Time) (string, time.Time) {
	t = t.UTC()
	switch w {
	case Minute:
		start := t.Truncate(time.Minute)
		return start.Format("2006-01-02-15-04"), start.Add(time.Minute)
	case Hour:
		start := t.Truncate(time.Hour)
		return start.Format("2006-01-02-15"), start.Add(time.Hour)
	default:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start.Format("2006-01-02"), start.AddDate(0, 0, 1)
	}
}

// Limiter counts sends per key and window
type Limiter struct {
	store  counter.Store
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter storing counters under prefix
func NewLimiter(store counter.Store, prefix string, opts ...Option) *Limiter {
	if prefix == "" {
		prefix = "sendline"
	}
	l := &Limiter{
		store:  store,
		prefix: prefix + ":rl",
		now:    time.Now,
		logger: slog.Default().With("component", "rate-limiter"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BucketKey returns the counter key for key in the bucket containing t
func (l *Limiter) BucketKey(key string, window Window, t time.Time) (string, time.Time) {
	bucket, end := window.Bucket(t)
	return l.prefix + ":" + key + ":" + bucket, end
}

func retryAfter(now, end time.Time) time.Duration {
	if d := end.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Check reports whether another send fits under limit without counting it
func (l *Limiter) Check(ctx context.Context, key string, window Window, limit int64) (bool, time.Duration, error) {
	now := l.now()
	bucketKey, end := l.BucketKey(key, window, now)

	count, err := l.store.Get(ctx, bucketKey)
	if err != nil {
		return false, 0, fmt.Errorf("rate counter %s: %w", bucketKey, err)
	}
	if count >= limit {
		return false, retryAfter(now, end), nil
	}
	return true, 0, nil
}

// Record counts one send
func (l *Limiter) Record(ctx context.Context, key string, window Window) error {
	bucketKey, _ := l.BucketKey(key, window, l.now())
	if _, err := l.store.Increment(ctx, bucketKey, 1, 2*window.Duration()); err != nil {
		return fmt.Errorf("rate counter %s: %w", bucketKey, err)
	}
	return nil
}

// Reserve checks and counts one send in a single store round trip
func (l *Limiter) Reserve(ctx context.Context, key string, window Window, limit int64) (bool, time.Duration, error) {
	_, ok, wait, err := l.reserve(ctx, key, window, limit)
	return ok, wait, err
}

func (l *Limiter) reserve(ctx context.Context, key string, window Window, limit int64) (string, bool, time.Duration, error) {
	now := l.now()
	bucketKey, end := l.BucketKey(key, window, now)

	_, ok, err := l.store.IncrementBelow(ctx, bucketKey, limit, 2*window.Duration())
	if err != nil {
		return bucketKey, false, 0, fmt.Errorf("rate counter %s: %w", bucketKey, err)
	}
	if !ok {
		return bucketKey, false, retryAfter(now, end), nil
	}
	return bucketKey, true, 0, nil
}

// Release returns a slot taken by Reserve in the current bucket
func (l *Limiter) Release(ctx context.Context, key string, window Window) error {
	bucketKey, _ := l.BucketKey(key, window, l.now())
	return l.releaseKey(ctx, bucketKey)
}

func (l *Limiter) releaseKey(ctx context.Context, bucketKey string) error {
	if _, err := l.store.Decrement(ctx, bucketKey, 1); err != nil {
		return fmt.Errorf("rate counter %s: %w", bucketKey, err)
	}
	return nil
}

// Count returns the sends counted for key in the current bucket
func (l *Limiter) Count(ctx context.Context, key string, window Window) (int64, error) {
	bucketKey, _ := l.BucketKey(key, window, l.now())
	return l.store.Get(ctx, bucketKey)
}
