package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/sendline/internal/counter"
	"github.com/busybox42/sendline/internal/events"
	"github.com/busybox42/sendline/internal/identity"
	"github.com/busybox42/sendline/internal/mx"
	"github.com/busybox42/sendline/internal/ratelimit"
	"github.com/busybox42/sendline/internal/suppression"
)

var execStart = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type fakeResolver struct {
	hosts []string
	err   error
	calls atomic.Int64
}

func (f *fakeResolver) ResolveRecords(_ context.Context, domain string) (*mx.RecordSet, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	rs := &mx.RecordSet{Domain: domain}
	for i, h := range f.hosts {
		rs.Hosts = append(rs.Hosts, mx.Host{Preference: uint16(10 * (i + 1)), Name: h})
	}
	return rs, nil
}

type fakeRelay struct {
	out   Outcome
	err   error
	calls atomic.Int64
}

func (f *fakeRelay) Dispatch(context.Context, *Job) (Outcome, error) {
	f.calls.Add(1)
	return f.out, f.err
}

type cancelSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (c *cancelSet) Cancelled(_ context.Context, job *Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[job.ID]
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error { return nil }

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[State]int
}

func (o *countingObserver) ObserveOutcome(_ *Job, out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[State]int)
	}
	o.outcomes[out.State]++
}

type harness struct {
	exec     *Executor
	backend  *testBackend
	store    *identity.MemoryStore
	registry *identity.Registry
	resolver *fakeResolver
	pool     *ConnectionPool
	clock    *fakeClock
	sink     *recordingSink
	tracker  *DeliveryTracker
}

// newHarness wires an executor to an in-process exchanger reached under the
// names mx1/mx2.example.net, with down listing names that refuse connections
func newHarness(t *testing.T, opts ExecutorOptions, extra []ExecutorOption, down ...string) *harness {
	t.Helper()
	be, port := startTestServer(t)

	pool := NewConnectionPool(PoolOptions{
		Hostname:       "mta1.example.com",
		CommandTimeout: 5 * time.Second,
		Dial:           loopbackDial(port, down...),
	})
	t.Cleanup(pool.Close)

	clock := &fakeClock{now: execStart}
	store := identity.NewMemoryStore()
	registry := identity.NewRegistry(store, identity.DefaultSchedule(), identity.WithClock(clock.Now))
	resolver := &fakeResolver{hosts: []string{"mx1.example.net", "mx2.example.net"}}
	sink := &recordingSink{}
	tracker := NewDeliveryTracker()

	opts.Port = port
	if opts.Backoff.Base == 0 {
		opts.Backoff = NewBackoff(time.Minute, time.Hour)
	}
	all := append([]ExecutorOption{
		WithExecutorClock(clock.Now),
		WithEventSink(sink),
		WithTracker(tracker),
	}, extra...)

	return &harness{
		exec:     NewExecutor(registry, resolver, nil, pool, opts, all...),
		backend:  be,
		store:    store,
		registry: registry,
		resolver: resolver,
		pool:     pool,
		clock:    clock,
		sink:     sink,
		tracker:  tracker,
	}
}

// addIdentity inserts an identity with explicit limits and usage
func (h *harness) addIdentity(t *testing.T, id, address string, daily, sent int64) {
	t.Helper()
	require.NoError(t, h.store.Insert(context.Background(), &identity.SendingIdentity{
		ID:            id,
		Address:       address,
		Hostname:      "mta-" + id + ".example.com",
		Pool:          "main",
		WarmupDay:     30,
		WarmupStatus:  identity.StatusWarming,
		DailyLimit:    daily,
		HourlyLimit:   daily,
		SentToday:     sent,
		SentThisHour:  sent,
		DailyResetOn:  "2026-03-02",
		HourlyResetAt: "2026-03-02T09",
		IsActive:      true,
		Priority:      1,
		CreatedAt:     execStart,
	}))
}

func (h *harness) sentToday(t *testing.T, id string) int64 {
	t.Helper()
	si, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return si.SentToday
}

func newJob(to string) *Job {
	job := &Job{
		FromAddress: "news@example.com",
		ToAddress:   to,
		Subject:     "Hello",
		TextBody:    "Hi there",
	}
	if err := job.Prepare(4); err != nil {
		panic(err)
	}
	return job
}

func TestExecuteDelivers(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil)
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)

	job := newJob("bob@example.net")
	out := h.exec.Execute(context.Background(), job)

	require.Equal(t, StateDelivered, out.State, out.Message)
	assert.Equal(t, []State{
		StatePending, StateIdentitySelected, StateMXResolved,
		StateConnected, StateTransmitted, StateDelivered,
	}, out.Path)
	assert.Equal(t, "ip1", out.IdentityID)
	assert.Equal(t, "192.0.2.1", out.Identity)
	assert.Equal(t, "mx1.example.net", out.MXHost)
	assert.Equal(t, 1, out.Attempt)
	assert.True(t, out.CountsAttempt)
	assert.Equal(t, int64(1), h.sentToday(t, "ip1"), "reservation is kept on delivery")

	got := h.backend.Received()
	require.Len(t, got, 1)
	assert.Equal(t, "news@example.com", got[0].From)
	assert.Contains(t, got[0].Data, "Hi there")

	job.Apply(out)
	assert.Equal(t, StatusSent, job.Status)
	assert.Equal(t, 1, job.AttemptCount)

	require.Len(t, h.sink.events, 1)
	assert.Equal(t, "sent", h.sink.events[0].Outcome)
	assert.Equal(t, job.ID, h.sink.events[0].JobID)
	assert.Equal(t, int64(1), h.tracker.GetStats().Delivered)
}

func TestExecuteReusesSessionAcrossJobs(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil)
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)

	for i := 0; i < 3; i++ {
		out := h.exec.Execute(context.Background(), newJob("bob@example.net"))
		require.Equal(t, StateDelivered, out.State, out.Message)
	}
	assert.Equal(t, int64(1), h.backend.sessions.Load())
	assert.Len(t, h.backend.Received(), 3)
}

func TestExecuteNoMailExchanger(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil)
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.resolver.err = mx.ErrNoMailExchanger

	job := newJob("bob@nomail.example")
	out := h.exec.Execute(context.Background(), job)

	assert.Equal(t, StateBouncedHard, out.State)
	assert.Equal(t, "no_mx", out.Reason)
	assert.Equal(t, 1, out.Attempt)
	assert.False(t, out.Suppress)
	assert.True(t, errors.Is(out.Err, ErrNoMailExchanger))
	assert.Equal(t, int64(0), h.sentToday(t, "ip1"), "reservation released")
	assert.Equal(t, int64(0), h.backend.sessions.Load())

	job.Apply(out)
	assert.Equal(t, StatusBounced, job.Status)
	assert.Equal(t, BounceHard, job.BounceClass)
	assert.Equal(t, 1, job.AttemptCount)
}

func TestExecuteRetriesWithBackoffUntilFailed(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil)
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.backend.Refuse("busy@example.net", 451, smtp.EnhancedCode{4, 3, 0}, "Temporary local problem")

	job := newJob("busy@example.net")
	require.Equal(t, 4, job.MaxAttempts)

	var delays []time.Duration
	for i := 1; i <= job.MaxAttempts; i++ {
		out := h.exec.Execute(context.Background(), job)
		job.Apply(out)
		assert.Equal(t, i, job.AttemptCount)
		assert.Equal(t, 451, out.Code)
		assert.Equal(t, "4.3.0", out.EnhancedCode)
		assert.True(t, errors.Is(out.Err, ErrTransientSMTP))

		if i < job.MaxAttempts {
			require.Equal(t, StateDeferred, out.State)
			assert.False(t, out.State.Terminal())
			delays = append(delays, out.RetryAt.Sub(execStart))
			continue
		}
		assert.Equal(t, StateBouncedSoft, out.State)
		assert.True(t, out.RetryAt.IsZero())
	}

	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, BounceSoft, job.BounceClass)
	assert.Equal(t, int64(0), h.sentToday(t, "ip1"))
}

func TestExecuteHardBounceSuppresses(t *testing.T) {
	list := suppression.NewMemoryStore()
	h := newHarness(t, ExecutorOptions{}, []ExecutorOption{WithSuppressions(list)})
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.backend.Refuse("gone@example.net", 550, smtp.EnhancedCode{5, 1, 1}, "No such user")

	out := h.exec.Execute(context.Background(), newJob("gone@example.net"))
	assert.Equal(t, StateBouncedHard, out.State)
	assert.Equal(t, "recipient_refused", out.Reason)
	assert.True(t, out.Suppress)
	assert.Equal(t, 550, out.Code)
	assert.True(t, errors.Is(out.Err, ErrRecipientRefused))

	entry, err := list.Get(context.Background(), "gone@example.net")
	require.NoError(t, err)
	assert.Equal(t, suppression.ReasonHardBounce, entry.Reason)
	assert.Equal(t, "5.1.1", entry.DSNCode)
	assert.Equal(t, "192.0.2.1", entry.Identity)

	sessions := h.backend.sessions.Load()
	again := h.exec.Execute(context.Background(), newJob("gone@example.net"))
	assert.Equal(t, StateBouncedHard, again.State)
	assert.Equal(t, "suppressed", again.Reason)
	assert.Equal(t, []State{StatePending, StateBouncedHard}, again.Path)
	assert.Equal(t, sessions, h.backend.sessions.Load())
	assert.Equal(t, int64(0), h.sentToday(t, "ip1"))
}

func TestExecuteMailboxFullRetries(t *testing.T) {
	list := suppression.NewMemoryStore()
	h := newHarness(t, ExecutorOptions{}, []ExecutorOption{WithSuppressions(list)})
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.backend.Refuse("full@example.net", 552, smtp.EnhancedCode{5, 2, 2}, "Mailbox full")

	out := h.exec.Execute(context.Background(), newJob("full@example.net"))
	assert.Equal(t, StateDeferred, out.State)
	assert.False(t, out.Suppress)

	suppressed, err := list.IsSuppressed(context.Background(), "full@example.net")
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestExecuteQuotaWordingOn550Retries(t *testing.T) {
	list := suppression.NewMemoryStore()
	h := newHarness(t, ExecutorOptions{}, []ExecutorOption{WithSuppressions(list)})
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.backend.Refuse("quota@example.net", 550, smtp.EnhancedCode{}, "Requested action not taken: mailbox full")

	out := h.exec.Execute(context.Background(), newJob("quota@example.net"))
	assert.Equal(t, StateDeferred, out.State)
	assert.Equal(t, 550, out.Code)
	assert.False(t, out.Suppress)

	suppressed, err := list.IsSuppressed(context.Background(), "quota@example.net")
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestExecutePolicyRejection(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil)
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.backend.Refuse("spamtrap@example.net", 554, smtp.EnhancedCode{5, 7, 1}, "Rejected by policy")

	out := h.exec.Execute(context.Background(), newJob("spamtrap@example.net"))
	assert.Equal(t, StateBouncedHard, out.State)
	assert.Equal(t, "rejected", out.Reason)
	assert.False(t, out.Suppress)
}

func TestExecuteConcurrentLastSlot(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil)
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 99)

	outcomes := make([]Outcome, 5)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.exec.Execute(context.Background(), newJob("bob@example.net"))
		}(i)
	}
	wg.Wait()

	delivered, deferred := 0, 0
	for _, out := range outcomes {
		switch out.State {
		case StateDelivered:
			delivered++
		case StateDeferred:
			deferred++
			assert.Equal(t, "no_capacity", out.Reason)
			assert.False(t, out.CountsAttempt)
			assert.True(t, errors.Is(out.Err, ErrNoCapacity))
		}
	}
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 4, deferred)
	assert.Equal(t, int64(100), h.sentToday(t, "ip1"))
	assert.Len(t, h.backend.Received(), 1)
}

func TestExecuteFallsBackToNextExchanger(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil, "mx1.example.net")
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)

	out := h.exec.Execute(context.Background(), newJob("bob@example.net"))
	require.Equal(t, StateDelivered, out.State, out.Message)
	assert.Equal(t, "mx2.example.net", out.MXHost)
}

func TestExecuteAllExchangersDown(t *testing.T) {
	h := newHarness(t, ExecutorOptions{MaxHosts: 2}, nil, "mx1.example.net", "mx2.example.net", "mx3.example.net")
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.resolver.hosts = []string{"mx1.example.net", "mx2.example.net", "mx3.example.net"}

	out := h.exec.Execute(context.Background(), newJob("bob@example.net"))
	assert.Equal(t, StateDeferred, out.State)
	assert.Equal(t, "connect_failed", out.Reason)
	assert.True(t, out.CountsAttempt)
	assert.True(t, errors.Is(out.Err, ErrConnectFailed))
	assert.GreaterOrEqual(t, out.RetryAt.Sub(execStart), time.Minute)
	assert.Equal(t, int64(2), h.pool.Stats().Failed, "only the first MaxHosts are tried")
	assert.Equal(t, int64(0), h.sentToday(t, "ip1"))
}

func TestExecuteDNSFailureDefers(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil)
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.resolver.err = mx.ErrLookupFailed

	out := h.exec.Execute(context.Background(), newJob("bob@example.net"))
	assert.Equal(t, StateDeferred, out.State)
	assert.Equal(t, "dns", out.Reason)
	assert.True(t, IsTemporary(out.Err))
	assert.Equal(t, int64(0), h.sentToday(t, "ip1"))
}

func TestExecuteCancelled(t *testing.T) {
	cancels := &cancelSet{ids: map[string]bool{}}
	h := newHarness(t, ExecutorOptions{}, []ExecutorOption{WithCanceller(cancels)})
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)

	job := newJob("bob@example.net")
	cancels.ids[job.ID] = true

	out := h.exec.Execute(context.Background(), job)
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, []State{StatePending, StateCancelled}, out.Path)
	assert.True(t, errors.Is(out.Err, ErrCancelled))
	assert.False(t, out.CountsAttempt)

	job.Apply(out)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "cancelled", job.LastError)
	assert.Equal(t, 0, job.AttemptCount)
}

func TestExecuteContextCancelled(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil)
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.exec.Execute(ctx, newJob("bob@example.net"))
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, int64(0), h.sentToday(t, "ip1"))
	assert.Equal(t, int64(1), h.tracker.GetStats().Cancelled)
}

func TestExecuteNoCapacityWithoutRelay(t *testing.T) {
	h := newHarness(t, ExecutorOptions{}, nil)

	out := h.exec.Execute(context.Background(), newJob("bob@example.net"))
	assert.Equal(t, StateDeferred, out.State)
	assert.Equal(t, "no_capacity", out.Reason)
	assert.Equal(t, execStart.Add(time.Minute), out.RetryAt)
	assert.False(t, out.CountsAttempt)
}

func TestExecuteRelaysOnCapacity(t *testing.T) {
	relay := &fakeRelay{out: Outcome{State: StateDelivered, ViaRelay: "relay-a", Code: 250, Attempt: 1, CountsAttempt: true}}
	h := newHarness(t, ExecutorOptions{RelayOnCapacity: true}, []ExecutorOption{WithRelay(relay)})

	job := newJob("bob@example.net")
	out := h.exec.Execute(context.Background(), job)
	assert.Equal(t, StateDelivered, out.State)
	assert.Equal(t, "relay-a", out.ViaRelay)
	assert.Equal(t, job.ID, out.JobID)
	assert.Equal(t, []State{StatePending, StateDelivered}, out.Path)
	assert.Equal(t, int64(1), relay.calls.Load())
	assert.Equal(t, int64(1), h.tracker.GetStats().ViaRelay)

	relay.err = ErrNoRelayAvailable
	out = h.exec.Execute(context.Background(), newJob("bob@example.net"))
	assert.Equal(t, StateDeferred, out.State)
	assert.Equal(t, "no_capacity", out.Reason)
	assert.True(t, errors.Is(out.Err, ErrNoRelayAvailable))
}

func TestExecuteIdentityRateLimitTriesNextIdentity(t *testing.T) {
	store := counter.NewMemory(counter.Config{Name: "test"})
	require.NoError(t, store.Connect())
	t.Cleanup(func() { store.Close() })

	gate := ratelimit.NewGate(ratelimit.NewLimiter(store, "test"), nil, []ratelimit.Rule{{
		Name:       "per-ip-daily",
		Domain:     "example.net",
		Scope:      ratelimit.ScopeIdentity,
		Window:     ratelimit.Day,
		Limit:      1,
		FailPolicy: ratelimit.FailClosed,
	}}, 1)

	h := newHarness(t, ExecutorOptions{}, nil)
	h.exec.gate = gate
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.addIdentity(t, "ip2", "192.0.2.2", 50, 0)

	first := h.exec.Execute(context.Background(), newJob("a@example.net"))
	require.Equal(t, StateDelivered, first.State, first.Message)
	assert.Equal(t, "ip1", first.IdentityID)

	second := h.exec.Execute(context.Background(), newJob("b@example.net"))
	require.Equal(t, StateDelivered, second.State, second.Message)
	assert.Equal(t, "ip2", second.IdentityID)

	third := h.exec.Execute(context.Background(), newJob("c@example.net"))
	assert.Equal(t, StateDeferred, third.State)
	assert.False(t, third.CountsAttempt)

	assert.Equal(t, int64(1), h.sentToday(t, "ip1"))
	assert.Equal(t, int64(1), h.sentToday(t, "ip2"))
}

func TestExecuteGlobalRateLimitDefers(t *testing.T) {
	store := counter.NewMemory(counter.Config{Name: "test"})
	require.NoError(t, store.Connect())
	t.Cleanup(func() { store.Close() })

	gate := ratelimit.NewGate(ratelimit.NewLimiter(store, "test"), nil, []ratelimit.Rule{{
		Name:       "domain-minute",
		Domain:     "example.net",
		Scope:      ratelimit.ScopeGlobal,
		Window:     ratelimit.Minute,
		Limit:      1,
		FailPolicy: ratelimit.FailClosed,
	}}, 1)

	h := newHarness(t, ExecutorOptions{}, nil)
	h.exec.gate = gate
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)

	require.Equal(t, StateDelivered, h.exec.Execute(context.Background(), newJob("a@example.net")).State)

	out := h.exec.Execute(context.Background(), newJob("b@example.net"))
	assert.Equal(t, StateDeferred, out.State)
	assert.Equal(t, "rate_limited", out.Reason)
	assert.False(t, out.CountsAttempt)
	assert.True(t, out.RetryAt.After(execStart))
	assert.LessOrEqual(t, out.RetryAt.Sub(execStart), time.Minute)
	assert.Equal(t, int64(1), h.sentToday(t, "ip1"))
}

func TestExecuteExpiredJob(t *testing.T) {
	h := newHarness(t, ExecutorOptions{Expiry: time.Hour}, nil)
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)

	job := newJob("bob@example.net")
	job.CreatedAt = execStart.Add(-2 * time.Hour)

	out := h.exec.Execute(context.Background(), job)
	assert.Equal(t, StateBouncedSoft, out.State)
	assert.Equal(t, "expired", out.Reason)
	assert.Equal(t, int64(0), h.backend.sessions.Load())
}

func TestExecuteSignsMessages(t *testing.T) {
	keys := NewKeyStore("")
	keys.Put("example-com", generateKey(t))
	h := newHarness(t, ExecutorOptions{}, []ExecutorOption{WithSigner(NewSigner(keys, "s1", nil))})
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)

	job := newJob("bob@example.net")
	job.DKIMPrivateKeyRef = "example-com"
	out := h.exec.Execute(context.Background(), job)
	require.Equal(t, StateDelivered, out.State, out.Message)

	got := h.backend.Received()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Data, "DKIM-Signature:")

	job = newJob("bob@example.net")
	job.DKIMPrivateKeyRef = "unknown"
	out = h.exec.Execute(context.Background(), job)
	assert.Equal(t, StateDeferred, out.State)
	assert.Equal(t, "message_build", out.Reason)
	assert.True(t, errors.Is(out.Err, ErrKeyNotFound))
}

func TestExecuteNotifiesObservers(t *testing.T) {
	obs := &countingObserver{}
	h := newHarness(t, ExecutorOptions{}, []ExecutorOption{WithObserver(obs)})
	h.addIdentity(t, "ip1", "192.0.2.1", 100, 0)
	h.backend.Refuse("gone@example.net", 550, smtp.EnhancedCode{5, 1, 1}, "No such user")

	h.exec.Execute(context.Background(), newJob("bob@example.net"))
	h.exec.Execute(context.Background(), newJob("gone@example.net"))

	assert.Equal(t, 1, obs.outcomes[StateDelivered])
	assert.Equal(t, 1, obs.outcomes[StateBouncedHard])
	require.Len(t, h.sink.events, 2)
	assert.Equal(t, "bounced_hard", h.sink.events[1].Outcome)
	assert.Equal(t, 550, h.sink.events[1].SMTPCode)
}
