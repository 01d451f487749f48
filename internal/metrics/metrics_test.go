package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/sendline/internal/delivery"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return New(reg, reg)
}

func TestObserveOutcome(t *testing.T) {
	m := newTestMetrics()
	job := &delivery.Job{ID: "j1", ToAddress: "bob@example.net"}

	m.ObserveOutcome(job, delivery.Outcome{State: delivery.StateDelivered, Identity: "192.0.2.1", Code: 250, Reason: "delivered", Duration: time.Second})
	m.ObserveOutcome(job, delivery.Outcome{State: delivery.StateDeferred, Identity: "192.0.2.1", Code: 451, Reason: "transient"})
	m.ObserveOutcome(job, delivery.Outcome{State: delivery.StateDeferred, Reason: "no_capacity"})
	m.ObserveOutcome(job, delivery.Outcome{State: delivery.StateDelivered, ViaRelay: "relay-a"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentityOutcomes.WithLabelValues("192.0.2.1", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentityOutcomes.WithLabelValues("192.0.2.1", "deferred")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentityOutcomes.WithLabelValues("none", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentityOutcomes.WithLabelValues("none", "deferred")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DomainOutcomes.WithLabelValues("example.net", "sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DomainOutcomes.WithLabelValues("example.net", "deferred")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reasons.WithLabelValues("deferred", "no_capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SMTPReplies.WithLabelValues("2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SMTPReplies.WithLabelValues("4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Relayed.WithLabelValues("relay-a", "sent")))
}

func TestGauges(t *testing.T) {
	m := newTestMetrics()

	m.UpdatePool(delivery.PoolStats{Idle: 3, Active: 2, Created: 10, Reused: 40, Discarded: 7, Failed: 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PoolSessions.WithLabelValues("idle")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PoolSessions.WithLabelValues("active")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.PoolEvents.WithLabelValues("reused")))

	m.SetQueueDepth("ready", 12)
	assert.Equal(t, 12.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("ready")))
}

func TestSampler(t *testing.T) {
	m := newTestMetrics()
	s := NewSampler(m)
	s.Add(func(_ context.Context, m *Metrics) error {
		m.IdentityCapacity.Set(4200)
		return nil
	})
	s.Add(func(context.Context, *Metrics) error { return errors.New("queue unreachable") })
	s.Add(func(_ context.Context, m *Metrics) error {
		m.MXCacheEntries.Set(9)
		return nil
	})

	s.Sample(context.Background())
	assert.Equal(t, 4200.0, testutil.ToFloat64(m.IdentityCapacity))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.MXCacheEntries))
}

func TestHandler(t *testing.T) {
	m := newTestMetrics()
	m.SetQueueDepth("ready", 5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), `sendline_queue_depth{state="ready"} 5`))
}

type fakeHistory struct {
	mu       sync.Mutex
	recorded []string
	errors   []RecentError
	err      error
}

func (f *fakeHistory) Record(_ context.Context, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, outcome)
	return nil
}

func (f *fakeHistory) AddRecentError(_ context.Context, e RecentError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, e)
	return nil
}

func TestHistoryRecorder(t *testing.T) {
	store := &fakeHistory{}
	rec := NewHistoryRecorder(store)
	job := &delivery.Job{ID: "j1", ToAddress: "bob@example.net"}

	rec.ObserveOutcome(job, delivery.Outcome{State: delivery.StateDelivered})
	rec.ObserveOutcome(job, delivery.Outcome{State: delivery.StateDeferred})
	rec.ObserveOutcome(job, delivery.Outcome{State: delivery.StateBouncedHard, Reason: "recipient_refused", Message: "550 No such user"})

	assert.Equal(t, []string{"sent", "deferred", "bounced_hard"}, store.recorded)
	require.Len(t, store.errors, 1)
	assert.Equal(t, "recipient_refused", store.errors[0].Reason)
	assert.Equal(t, "bob@example.net", store.errors[0].Recipient)

	store.err = errors.New("valkey down")
	rec.ObserveOutcome(job, delivery.Outcome{State: delivery.StateBouncedSoft})
	assert.Len(t, store.errors, 1)
}

func TestHourKey(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 45, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "sendline:metrics:hourly:2026-03-02:08:sent", hourKey("sendline:metrics:", ts, "sent"))
}
