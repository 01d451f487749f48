package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/events"
	"github.com/busybox42/sendline/internal/identity"
	"github.com/busybox42/sendline/internal/logging"
	"github.com/busybox42/sendline/internal/mx"
	"github.com/busybox42/sendline/internal/ratelimit"
	"github.com/busybox42/sendline/internal/suppression"
)

// IdentitySource hands out sending identities with one send reserved
type IdentitySource interface {
	Acquire(ctx context.Context, exclude map[string]bool) (*identity.SendingIdentity, error)
	Release(ctx context.Context, id string) error
}

// MXResolver resolves recipient domains to exchangers
type MXResolver interface {
	ResolveRecords(ctx context.Context, domain string) (*mx.RecordSet, error)
}

// Admitter applies destination rate rules
type Admitter interface {
	Admit(ctx context.Context, identity, domain string, mxHosts ...string) (*ratelimit.Ticket, ratelimit.Decision, error)
	Release(ctx context.Context, ticket *ratelimit.Ticket)
}

// Connector provides SMTP sessions
type Connector interface {
	AcquireEndpoint(ctx context.Context, ep Endpoint) (*PooledConnection, error)
	Release(conn *PooledConnection)
	Discard(conn *PooledConnection)
}

// Relayer hands a job to a remote node
type Relayer interface {
	Dispatch(ctx context.Context, job *Job) (Outcome, error)
}

// Suppressor checks and records suppressed recipients
type Suppressor interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
	Add(ctx context.Context, e suppression.Entry) error
}

// Canceller reports whether a job was cancelled while in flight
type Canceller interface {
	Cancelled(ctx context.Context, job *Job) bool
}

// Observer is notified of every outcome
type Observer interface {
	ObserveOutcome(job *Job, o Outcome)
}

// ExecutorOptions holds the executor's tunables
type ExecutorOptions struct {
	Port            int
	MaxHosts        int
	MaxAttempts     int
	Backoff         Backoff
	BindIdentity    bool
	RelayOnCapacity bool
	// AttemptTimeout bounds one execution
	AttemptTimeout time.Duration
	// Expiry bounds the life of a job since it was created; zero disables it
	Expiry time.Duration
}

// ExecutorOptionsFromConfig derives executor options from configuration
func ExecutorOptionsFromConfig(cfg *config.Config) ExecutorOptions {
	d := cfg.Delivery
	return ExecutorOptions{
		Port:            cfg.Pool.Port,
		MaxHosts:        cfg.MX.MaxHosts,
		MaxAttempts:     d.MaxAttempts,
		Backoff:         NewBackoff(d.BaseBackoff.Duration, d.MaxBackoff.Duration),
		BindIdentity:    cfg.Pool.BindIdentity,
		RelayOnCapacity: d.RelayOnCapacity,
		Expiry:          time.Duration(d.MaxAttempts) * d.MaxBackoff.Duration,
	}
}

// ExecutorOption customizes an Executor
type ExecutorOption func(*Executor)

// WithRelay enables the relay path when local identities are exhausted
func WithRelay(r Relayer) ExecutorOption {
	return func(e *Executor) { e.relay = r }
}

// WithSuppressions checks recipients against s and records hard bounces in it
func WithSuppressions(s Suppressor) ExecutorOption {
	return func(e *Executor) { e.suppressions = s }
}

// WithCanceller checks c before every transition
func WithCanceller(c Canceller) ExecutorOption {
	return func(e *Executor) { e.canceller = c }
}

// WithSigner signs messages with DKIM
func WithSigner(s *Signer) ExecutorOption {
	return func(e *Executor) { e.signer = s }
}

// WithEventSink publishes every outcome to sink
func WithEventSink(sink events.Sink) ExecutorOption {
	return func(e *Executor) { e.events = sink }
}

// WithObserver adds an outcome observer
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observers = append(e.observers, o) }
}

// WithTracker records outcomes in t
func WithTracker(t *DeliveryTracker) ExecutorOption {
	return func(e *Executor) { e.tracker = t }
}

// WithExecutorClock overrides the clock
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor runs one job through the delivery state machine
type Executor struct {
	identities   IdentitySource
	resolver     MXResolver
	gate         Admitter
	pool         Connector
	composer     *Composer
	signer       *Signer
	relay        Relayer
	suppressions Suppressor
	canceller    Canceller
	events       events.Sink
	observers    []Observer
	tracker      *DeliveryTracker
	lifecycle    *logging.DeliveryLogger
	logger       *slog.Logger
	now          func() time.Time
	opts         ExecutorOptions
}

// NewExecutor creates an executor. gate may be nil to skip destination rules.
func NewExecutor(identities IdentitySource, resolver MXResolver, gate Admitter, pool Connector, opts ExecutorOptions, extra ...ExecutorOption) *Executor {
	if opts.Port <= 0 {
		opts.Port = 25
	}
	if opts.MaxHosts <= 0 {
		opts.MaxHosts = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = NewBackoff(time.Minute, time.Hour)
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Minute
	}

	e := &Executor{
		identities: identities,
		resolver:   resolver,
		gate:       gate,
		pool:       pool,
		composer:   NewComposer(),
		lifecycle:  logging.NewDeliveryLogger(slog.Default()),
		logger:     slog.Default().With("component", "delivery-executor"),
		now:        time.Now,
		opts:       opts,
	}
	for _, opt := range extra {
		opt(e)
	}
	e.composer.now = e.now
	return e
}

// run carries the resources held by one execution
type run struct {
	job      *Job
	out      Outcome
	identity *identity.SendingIdentity
	ticket   *ratelimit.Ticket
	conn     *PooledConnection
	records  *mx.RecordSet

	maxAttempts int
}

func (r *run) enter(s State) {
	if n := len(r.out.Path); n > 0 && r.out.Path[n-1] == s {
		return
	}
	r.out.Path = append(r.out.Path, s)
}

// Execute attempts delivery of job once and returns the outcome. It never
// returns without an outcome; reservations for sends that did not happen are
// released before it returns.
func (e *Executor) Execute(ctx context.Context, job *Job) Outcome {
	start := e.now()
	ctx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.opts.MaxAttempts
	}
	r := &run{
		job:         job,
		maxAttempts: maxAttempts,
		out: Outcome{
			JobID:   job.ID,
			Attempt: job.AttemptCount + 1,
			Path:    []State{StatePending},
		},
	}

	e.lifecycle.LogAttempt(logging.DeliveryContext{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		CampaignID:  job.CampaignID,
		From:        job.FromAddress,
		To:          job.ToAddress,
		Domain:      job.Domain(),
		Attempt:     r.out.Attempt,
		MaxAttempts: maxAttempts,
		StartedAt:   start,
	})

	e.execute(ctx, r)

	// cleanup must outlive a cancelled caller
	cleanup := context.WithoutCancel(ctx)
	e.releaseHeld(cleanup, r)

	r.out.Duration = e.now().Sub(start)
	r.out.Timestamp = e.now().UTC()
	e.report(cleanup, job, r.out, maxAttempts, start)
	return r.out
}

func (e *Executor) execute(ctx context.Context, r *run) {
	job := r.job

	if e.cancelled(ctx, r) {
		return
	}
	if e.opts.Expiry > 0 && !job.CreatedAt.IsZero() && e.now().Sub(job.CreatedAt) > e.opts.Expiry {
		e.terminate(r, StateBouncedSoft, "expired",
			newError(KindTransient, ErrTransientSMTP, "", fmt.Errorf("job older than %s", e.opts.Expiry), false), true)
		return
	}

	if e.suppressions != nil {
		suppressed, err := e.suppressions.IsSuppressed(ctx, job.ToAddress)
		if err != nil {
			e.logger.Warn("Suppression check failed", "job_id", job.ID, "error", err)
			e.deferLocal(r, "suppression_unavailable", err, e.opts.Backoff.Base)
			return
		}
		if suppressed {
			e.terminate(r, StateBouncedHard, "suppressed",
				newError(KindRecipient, ErrRecipientRefused, "", errors.New("recipient is suppressed"), false), false)
			return
		}
	}

	if !e.selectIdentity(ctx, r) {
		return
	}

	raw, err := e.build(job)
	if err != nil {
		e.retry(r, "message_build", newError(KindSigning, nil, "", err, true))
		return
	}

	if !e.connect(ctx, r) {
		return
	}
	if e.cancelled(ctx, r) {
		return
	}

	err = r.conn.Send(ctx, job.FromAddress, job.ToAddress, raw)
	r.enter(StateTransmitted)
	e.transmitted(ctx, r, err)
}

// selectIdentity acquires an identity, resolves MX and admits the send
// through the rate gate. Identities denied by an identity-scoped rule are
// skipped in favour of the next eligible one.
func (e *Executor) selectIdentity(ctx context.Context, r *run) bool {
	job := r.job
	exclude := make(map[string]bool)

	for {
		if e.cancelled(ctx, r) {
			return false
		}
		si, err := e.identities.Acquire(ctx, exclude)
		if errors.Is(err, ErrNoCapacity) {
			e.noCapacity(ctx, r)
			return false
		}
		if err != nil {
			e.deferLocal(r, "identity_unavailable", err, e.opts.Backoff.Base)
			return false
		}
		r.identity = si
		r.out.IdentityID = si.ID
		r.out.Identity = si.Address
		r.enter(StateIdentitySelected)

		if r.records == nil {
			if e.cancelled(ctx, r) {
				return false
			}
			rs, err := e.resolver.ResolveRecords(ctx, job.Domain())
			if errors.Is(err, ErrNoMailExchanger) {
				e.terminate(r, StateBouncedHard, "no_mx", newError(KindDNS, ErrNoMailExchanger, "", err, false), true)
				return false
			}
			if err != nil {
				e.retry(r, "dns", newError(KindDNS, nil, "", err, true))
				return false
			}
			r.records = rs
			r.enter(StateMXResolved)
		}

		if e.gate == nil {
			return true
		}
		ticket, decision, err := e.gate.Admit(ctx, si.Address, job.Domain(), r.records.Names()...)
		if err != nil {
			e.deferLocal(r, "rate_gate_unavailable", err, e.opts.Backoff.Base)
			return false
		}
		if decision.Allowed {
			r.ticket = ticket
			return true
		}

		e.releaseIdentity(context.WithoutCancel(ctx), r)
		if decision.Scope == ratelimit.ScopeIdentity && decision.StoreError == nil {
			e.logger.Debug("Identity rate limited for destination, trying next",
				"job_id", job.ID,
				"identity", si.Address,
				"rule", decision.Rule)
			exclude[si.ID] = true
			continue
		}
		cause := decision.StoreError
		if cause == nil {
			cause = fmt.Errorf("rule %s exhausted for %s", decision.Rule, decision.Provider)
		}
		e.deferLocal(r, "rate_limited", newError(KindRateLimit, nil, "", cause, true), decision.RetryAfter)
		return false
	}
}

// noCapacity hands the job to a relay when one is configured
func (e *Executor) noCapacity(ctx context.Context, r *run) {
	if e.relay == nil || !e.opts.RelayOnCapacity {
		e.deferLocal(r, "no_capacity", newError(KindCapacity, ErrNoCapacity, "", nil, true), e.opts.Backoff.Base)
		return
	}

	out, err := e.relay.Dispatch(ctx, r.job)
	if err != nil {
		reason := "relay_failed"
		if errors.Is(err, ErrNoRelayAvailable) {
			reason = "no_capacity"
		}
		e.deferLocal(r, reason, newError(KindRelay, ErrNoRelayAvailable, "", err, true), e.opts.Backoff.Base)
		return
	}

	path := append(r.out.Path, out.Path...)
	if len(out.Path) == 0 {
		path = append(path, out.State)
	}
	out.JobID = r.job.ID
	out.Path = path
	if out.Attempt == 0 {
		out.Attempt = r.out.Attempt
	}
	if out.State == StateDeferred && out.RetryAt.IsZero() {
		out.RetryAt = e.now().Add(e.opts.Backoff.Delay(out.Attempt))
	}
	r.out = out
}

func (e *Executor) build(job *Job) ([]byte, error) {
	raw, _, err := e.composer.Compose(job)
	if err != nil {
		return nil, err
	}
	if e.signer == nil {
		return raw, nil
	}
	return e.signer.Sign(job, raw)
}

// connect tries the first MaxHosts exchangers in preference order
func (e *Executor) connect(ctx context.Context, r *run) bool {
	hosts := r.records.Names()
	if len(hosts) > e.opts.MaxHosts {
		hosts = hosts[:e.opts.MaxHosts]
	}

	var lastErr error
	for _, host := range hosts {
		if e.cancelled(ctx, r) {
			return false
		}
		ep := Endpoint{Server: host, Port: e.opts.Port, HeloName: r.identity.Hostname}
		if e.opts.BindIdentity {
			ep.LocalAddr = r.identity.Address
		}
		conn, err := e.pool.AcquireEndpoint(ctx, ep)
		if err != nil {
			e.logger.Debug("Exchanger unreachable",
				"job_id", r.job.ID,
				"mx_host", host,
				"identity", r.identity.Address,
				"error", err)
			lastErr = err
			continue
		}
		r.conn = conn
		r.out.MXHost = host
		r.enter(StateConnected)
		return true
	}

	if lastErr == nil {
		lastErr = newError(KindConnect, ErrConnectFailed, "", errors.New("no exchanger to try"), true)
	}
	e.retry(r, "connect_failed", lastErr)
	return false
}

// transmitted classifies the result of the SMTP transaction
func (e *Executor) transmitted(ctx context.Context, r *run, err error) {
	conn := r.conn
	r.conn = nil

	if err == nil {
		e.pool.Release(conn)
		r.out.State = StateDelivered
		r.out.Reason = "delivered"
		r.out.Code = 250
		r.out.CountsAttempt = true
		r.enter(StateDelivered)
		return
	}

	cls := Classify(err)
	if cls.Code > 0 {
		// the server answered, so the session is still usable after RSET
		e.pool.Release(conn)
	} else {
		e.pool.Discard(conn)
		if ctx.Err() != nil {
			e.interrupted(r, ctx.Err())
			return
		}
	}
	r.out.Code = cls.Code
	r.out.EnhancedCode = cls.EnhancedCode

	host := r.out.MXHost
	switch cls.Verdict {
	case VerdictHardBounce:
		de := smtpError(KindRecipient, ErrRecipientRefused, host, cls, err, false)
		e.terminate(r, StateBouncedHard, "recipient_refused", de, true)
		r.out.Suppress = true
		e.suppress(context.WithoutCancel(ctx), r, cls)
	case VerdictReject:
		e.terminate(r, StateBouncedHard, "rejected", smtpError(KindPermanent, nil, host, cls, err, false), true)
	default:
		reason, kind := "transient", KindTransient
		if cls.RateLimited {
			reason, kind = "remote_rate_limited", KindRateLimit
		}
		e.retry(r, reason, smtpError(kind, ErrTransientSMTP, host, cls, err, true))
	}
}

func smtpError(kind ErrorKind, sentinel error, host string, cls Classification, cause error, temporary bool) *DeliveryError {
	de := newError(kind, sentinel, host, cause, temporary)
	de.Code = cls.Code
	de.EnhancedCode = cls.EnhancedCode
	if cls.Message != "" {
		de.Message = cls.Message
	}
	return de
}

func (e *Executor) suppress(ctx context.Context, r *run, cls Classification) {
	if e.suppressions == nil {
		return
	}
	entry := suppression.Entry{
		Email:     r.job.ToAddress,
		Reason:    suppression.ReasonHardBounce,
		Source:    r.job.ID,
		DSNCode:   cls.EnhancedCode,
		DSNDiag:   fmt.Sprintf("%d %s", cls.Code, cls.Message),
		Identity:  r.out.Identity,
		CreatedAt: e.now().UTC(),
	}
	if err := e.suppressions.Add(ctx, entry); err != nil {
		e.logger.Error("Failed to suppress recipient", "job_id", r.job.ID, "error", err)
	}
}

// retry defers a counted attempt, or ends the job once attempts run out
func (e *Executor) retry(r *run, reason string, err error) {
	if r.out.Attempt >= r.maxAttempts {
		e.terminate(r, StateBouncedSoft, reason, err, true)
		return
	}
	r.out.State = StateDeferred
	r.out.Reason = reason
	r.out.Err = err
	r.out.Message = err.Error()
	r.out.CountsAttempt = true
	r.out.RetryAt = e.now().Add(e.opts.Backoff.Delay(r.out.Attempt))
	r.enter(StateDeferred)
}

// deferLocal defers without consuming an attempt
func (e *Executor) deferLocal(r *run, reason string, err error, wait time.Duration) {
	if wait <= 0 {
		wait = e.opts.Backoff.Base
	}
	r.out.State = StateDeferred
	r.out.Reason = reason
	r.out.Err = err
	r.out.Message = err.Error()
	r.out.CountsAttempt = false
	r.out.RetryAt = e.now().Add(wait)
	r.enter(StateDeferred)
}

func (e *Executor) terminate(r *run, state State, reason string, err error, counts bool) {
	r.out.State = state
	r.out.Reason = reason
	r.out.Err = err
	if err != nil {
		r.out.Message = err.Error()
	}
	r.out.CountsAttempt = counts
	r.out.RetryAt = time.Time{}
	r.enter(state)
}

// cancelled records a cancelled outcome when the job or ctx was cancelled.
// Running out of attempt time is a counted retry instead.
func (e *Executor) cancelled(ctx context.Context, r *run) bool {
	if err := ctx.Err(); err != nil {
		e.interrupted(r, err)
		return true
	}
	if e.canceller != nil && e.canceller.Cancelled(ctx, r.job) {
		e.cancel(r, nil)
		return true
	}
	return false
}

func (e *Executor) interrupted(r *run, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		e.retry(r, "timeout", newError(KindTransient, nil, r.out.MXHost, err, true))
		return
	}
	e.cancel(r, err)
}

func (e *Executor) cancel(r *run, cause error) {
	de := newError(KindCancelled, ErrCancelled, r.out.MXHost, cause, false)
	e.terminate(r, StateCancelled, "cancelled", de, false)
}

func (e *Executor) releaseIdentity(ctx context.Context, r *run) {
	if r.identity == nil {
		return
	}
	if err := e.identities.Release(ctx, r.identity.ID); err != nil {
		e.logger.Warn("Failed to release identity reservation",
			"identity", r.identity.Address,
			"error", err)
	}
	r.identity = nil
}

// releaseHeld returns everything a delivered send does not consume
func (e *Executor) releaseHeld(ctx context.Context, r *run) {
	if r.conn != nil {
		e.pool.Discard(r.conn)
		r.conn = nil
	}
	if r.out.Delivered() && r.out.ViaRelay == "" {
		return
	}
	if e.gate != nil {
		e.gate.Release(ctx, r.ticket)
	}
	r.ticket = nil
	e.releaseIdentity(ctx, r)
}

func (e *Executor) report(ctx context.Context, job *Job, out Outcome, maxAttempts int, start time.Time) {
	if e.tracker != nil {
		e.tracker.Record(out)
	}
	for _, o := range e.observers {
		o.ObserveOutcome(job, out)
	}

	dc := logging.DeliveryContext{
		JobID:        job.ID,
		TenantID:     job.TenantID,
		CampaignID:   job.CampaignID,
		From:         job.FromAddress,
		To:           job.ToAddress,
		Domain:       job.Domain(),
		Identity:     out.Identity,
		MXHost:       out.MXHost,
		Relay:        out.ViaRelay,
		Attempt:      out.Attempt,
		MaxAttempts:  maxAttempts,
		SMTPCode:     out.Code,
		EnhancedCode: out.EnhancedCode,
		Error:        out.Message,
		StartedAt:    start,
		NextRetry:    out.RetryAt,
	}
	switch out.State {
	case StateDelivered:
		e.lifecycle.LogSuccess(dc)
	case StateDeferred:
		e.lifecycle.LogDeferral(dc)
	case StateBouncedHard:
		dc.BounceClass = string(BounceHard)
		e.lifecycle.LogBounce(dc)
	case StateBouncedSoft:
		dc.BounceClass = string(BounceSoft)
		e.lifecycle.LogBounce(dc)
	case StateCancelled:
		e.lifecycle.LogCancelled(dc)
	}

	if e.events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.events.Publish(pubCtx, EventFor(job, out)); err != nil {
		e.logger.Warn("Failed to publish delivery event", "job_id", job.ID, "error", err)
	}
}

// EventFor converts an outcome into an analytics event
func EventFor(job *Job, out Outcome) events.Event {
	return events.Event{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		CampaignID:   job.CampaignID,
		TenantID:     job.TenantID,
		Recipient:    job.ToAddress,
		Domain:       job.Domain(),
		Identity:     out.Identity,
		MXHost:       out.MXHost,
		State:        string(out.State),
		Outcome:      out.State.Label(),
		Reason:       out.Reason,
		SMTPCode:     out.Code,
		EnhancedCode: out.EnhancedCode,
		Message:      out.Message,
		Attempt:      out.Attempt,
		ViaRelay:     out.ViaRelay,
		Timestamp:    out.Timestamp,
	}
}
