package delivery

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays. The delay for attempt n is
// base*2^(n-1) capped at Max, plus a jitter drawn from [(n-1)*u, n*u) where
// u is a tenth of Base. The jitter windows never overlap, so delays strictly
// increase with n even once the cap is reached.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	rand func() float64
}

// NewBackoff creates a backoff policy
func NewBackoff(base, limit time.Duration) Backoff {
	if base <= 0 {
		base = time.Minute
	}
	if limit < base {
		limit = base
	}
	return Backoff{Base: base, Max: limit, rand: rand.Float64}
}

// Delay returns the wait before retrying after the given attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}

	unit := b.Base / 10
	if unit <= 0 {
		return delay
	}
	r := 0.0
	if b.rand != nil {
		r = b.rand()
	}
	jitter := time.Duration(attempt-1)*unit + time.Duration(r*float64(unit))
	return delay + jitter
}
