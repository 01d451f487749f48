package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// HeaderRequestID carries the request ID in both directions
const HeaderRequestID = "X-Request-ID"

// RateLimitMiddleware gives every client address its own token bucket
type RateLimitMiddleware struct {
	rate    rate.Limit
	burst   int
	trusted []netip.Prefix
	idle    time.Duration
	now     func() time.Time

	mu      sync.Mutex
	clients map[netip.Addr]*clientBucket
	stop    chan struct{}
	once    sync.Once
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewRateLimitMiddleware allows rps requests per second per client with the
// given burst. A non-positive rps disables limiting. Forwarded headers are
// honoured only from trustedProxies (addresses or CIDRs).
func NewRateLimitMiddleware(rps float64, burst int, trustedProxies []string) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		rate:    rate.Limit(rps),
		burst:   burst,
		trusted: parsePrefixes(trustedProxies),
		idle:    5 * time.Minute,
		now:     time.Now,
		clients: make(map[netip.Addr]*clientBucket),
		stop:    make(chan struct{}),
	}
	if rps <= 0 {
		return rl
	}
	if rl.burst <= 0 {
		rl.burst = int(math.Ceil(rps))
	}
	go rl.janitor()
	return rl
}

func (rl *RateLimitMiddleware) enabled() bool {
	return rl.rate > 0
}

func parsePrefixes(values []string) []netip.Prefix {
	var out []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if p, err := netip.ParsePrefix(v); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(v); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// Stop ends the idle-client janitor
func (rl *RateLimitMiddleware) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimitMiddleware) janitor() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// sweep forgets clients idle for longer than rl.idle and returns how many
func (rl *RateLimitMiddleware) sweep() int {
	cutoff := rl.now().Add(-rl.idle).UnixNano()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for addr, b := range rl.clients {
		if b.lastSeen.Load() < cutoff {
			delete(rl.clients, addr)
			n++
		}
	}
	return n
}

func (rl *RateLimitMiddleware) bucket(addr netip.Addr) *rate.Limiter {
	rl.mu.Lock()
	b, ok := rl.clients[addr]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[addr] = b
	}
	rl.mu.Unlock()
	b.lastSeen.Store(rl.now().UnixNano())
	return b.limiter
}

func (rl *RateLimitMiddleware) trustedAddr(a netip.Addr) bool {
	for _, p := range rl.trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// clientAddr is the peer address, or the rightmost untrusted hop of
// X-Forwarded-For when the peer is a trusted proxy
func (rl *RateLimitMiddleware) clientAddr(r *http.Request) netip.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	peer = peer.Unmap()
	if !rl.trustedAddr(peer) {
		return peer
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		if a = a.Unmap(); !rl.trustedAddr(a) {
			return a
		}
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return a.Unmap()
	}
	return peer
}

// Limit rejects requests over the client's budget with 429 and Retry-After
func (rl *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	if !rl.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := rl.bucket(rl.clientAddr(r)).ReserveN(rl.now(), 1)
		if delay := res.DelayFrom(rl.now()); !res.OK() || delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// LoggingMiddleware tags each request with an ID and logs it once served.
// Failures log at warn, everything else at debug.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(HeaderRequestID)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			level := slog.LevelDebug
			if rec.status >= 400 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "HTTP request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration", time.Since(start),
			)
		})
	}
}

// statusRecorder captures the status code and body size
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(p []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(p)
	rw.bytes += n
	return n, err
}
