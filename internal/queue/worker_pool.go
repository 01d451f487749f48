package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/delivery"
)

// Executor runs one delivery attempt for a job
type Executor interface {
	Execute(ctx context.Context, job *delivery.Job) delivery.Outcome
}

// systemicReasons are outcomes caused by this node's own dependencies
// rather than by the remote side. They count as breaker failures.
var systemicReasons = map[string]bool{
	"identity_unavailable":    true,
	"rate_gate_unavailable":   true,
	"suppression_unavailable": true,
}

// Result is the settled outcome of one leased job
type Result struct {
	JobID    string
	Outcome  delivery.Outcome
	Settle   string // ack, retry, fail, paused, requeued
	Error    error
	Duration time.Duration
}

// WorkerStats tracks worker pool throughput
type WorkerStats struct {
	Leased        int64
	Delivered     int64
	Deferred      int64
	Failed        int64
	Paused        int64
	Requeued      int64
	SettleErrors  int64
	ActiveWorkers int32
	Reaped        int64
	Processing    struct {
		Average time.Duration
		Min     time.Duration
		Max     time.Duration
		Total   time.Duration
	}
	CircuitBreaker struct {
		State     string
		Failures  int64
		Successes int64
	}
	mu sync.RWMutex
}

// WorkerPoolConfig configures the worker pool
type WorkerPoolConfig struct {
	Size               int
	RatePerSecond      float64
	PollInterval       time.Duration
	ReapInterval       time.Duration
	ResultBufferSize   int
	CircuitBreakerName string
	MaxRequests        uint32
	Interval           time.Duration
	Timeout            time.Duration
}

// DefaultWorkerPoolConfig returns default configuration for delivery workers
func DefaultWorkerPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{
		Size:               10,
		RatePerSecond:      10,
		PollInterval:       time.Second,
		ReapInterval:       30 * time.Second,
		ResultBufferSize:   100,
		CircuitBreakerName: "delivery-workers",
		MaxRequests:        5,
		Interval:           time.Minute,
		Timeout:            30 * time.Second,
	}
}

// WorkerPoolConfigFromConfig sizes the pool from the active delivery profile
func WorkerPoolConfigFromConfig(cfg *config.Config) *WorkerPoolConfig {
	wc := DefaultWorkerPoolConfig()
	p := cfg.EffectiveProfile()
	wc.Size = p.Workers
	wc.RatePerSecond = p.RatePerSecond
	if d := cfg.Queue.PollInterval.Duration; d > 0 {
		wc.PollInterval = d
	}
	if d := cfg.Queue.ReapInterval.Duration; d > 0 {
		wc.ReapInterval = d
	}
	return wc
}

// WorkerPool leases jobs from a queue, runs them through the executor and
// settles each lease with the outcome
type WorkerPool struct {
	config         *WorkerPoolConfig
	queue          Queue
	control        Control
	executor       Executor
	limiter        *rate.Limiter
	results        chan Result
	ctx            context.Context
	cancel         context.CancelFunc
	errGroup       *errgroup.Group
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *slog.Logger
	stats          *WorkerStats
	onResult       []func(Result)
	now            func() time.Time
	mu             sync.Mutex
	started        bool
}

// NewWorkerPool creates a worker pool. control may be nil.
func NewWorkerPool(cfg *WorkerPoolConfig, q Queue, control Control, exec Executor, logger *slog.Logger) *WorkerPool {
	if cfg == nil {
		cfg = DefaultWorkerPoolConfig()
	}
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ResultBufferSize <= 0 {
		cfg.ResultBufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "delivery-worker-pool")

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.CircuitBreakerName,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Delivery circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &WorkerPool{
		config:         cfg,
		queue:          q,
		control:        control,
		executor:       exec,
		limiter:        rate.NewLimiter(limit, burst),
		results:        make(chan Result, cfg.ResultBufferSize),
		ctx:            gctx,
		cancel:         cancel,
		errGroup:       g,
		circuitBreaker: cb,
		logger:         logger,
		stats:          &WorkerStats{},
		now:            time.Now,
	}
}

// OnResult registers a callback run for every settled job. Register before Start.
func (p *WorkerPool) OnResult(fn func(Result)) {
	p.onResult = append(p.onResult, fn)
}

// Start launches the workers, the reaper and the result processor
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true

	p.logger.Info("Starting delivery worker pool",
		"size", p.config.Size,
		"rate_per_second", p.config.RatePerSecond,
		"poll_interval", p.config.PollInterval,
	)

	for i := 0; i < p.config.Size; i++ {
		workerID := i
		p.errGroup.Go(func() error {
			return p.worker(workerID)
		})
	}
	if p.config.ReapInterval > 0 {
		p.errGroup.Go(p.reaper)
	}
	p.errGroup.Go(p.resultProcessor)
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to settle
func (p *WorkerPool) Stop() error {
	p.logger.Info("Stopping delivery worker pool")
	p.cancel()
	err := p.errGroup.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	stats := p.GetStats()
	p.logger.Info("Delivery worker pool stopped",
		"delivered", stats.Delivered,
		"deferred", stats.Deferred,
		"failed", stats.Failed,
	)
	return err
}

func (p *WorkerPool) worker(workerID int) error {
	logger := p.logger.With("worker_id", workerID)
	logger.Debug("Delivery worker started")

	p.stats.mu.Lock()
	p.stats.ActiveWorkers++
	p.stats.mu.Unlock()
	defer func() {
		p.stats.mu.Lock()
		p.stats.ActiveWorkers--
		p.stats.mu.Unlock()
		logger.Debug("Delivery worker stopped")
	}()

	for {
		if p.ctx.Err() != nil {
			return nil
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return nil
		}

		lease, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if !errors.Is(err, ErrEmpty) && p.ctx.Err() == nil {
				logger.Warn("Failed to lease job", "error", err)
			}
			if !p.sleep(p.config.PollInterval) {
				return nil
			}
			continue
		}

		p.stats.mu.Lock()
		p.stats.Leased++
		p.stats.mu.Unlock()

		result := p.process(lease, logger)
		select {
		case p.results <- result:
		default:
			logger.Warn("Results channel full, dropping result", "job_id", result.JobID)
		}
	}
}

func (p *WorkerPool) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// process runs one leased job. Settling uses a context that outlives Stop so
// an interrupted job goes back to the queue instead of waiting for the reaper.
func (p *WorkerPool) process(lease *Lease, logger *slog.Logger) Result {
	start := p.now()
	job := lease.Job
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 10*time.Second)
	defer cancel()

	result := Result{JobID: job.ID}

	if p.control != nil && job.CampaignID != "" {
		paused, err := p.control.IsPaused(p.ctx, job.CampaignID)
		if err != nil {
			logger.Warn("Failed to check campaign state", "campaign_id", job.CampaignID, "error", err)
		}
		if paused {
			result.Settle = "paused"
			result.Error = p.queue.Retry(settleCtx, lease, p.now().Add(p.config.PollInterval))
			result.Duration = p.now().Sub(start)
			return result
		}
	}

	job.Status = delivery.StatusSending
	var out delivery.Outcome
	_, err := p.circuitBreaker.Execute(func() (interface{}, error) {
		out = p.executor.Execute(p.ctx, job)
		if systemicReasons[out.Reason] {
			return nil, fmt.Errorf("%s: %s", out.Reason, out.Message)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Debug("Circuit breaker open, requeueing job", "job_id", job.ID)
		result.Settle = "requeued"
		result.Error = p.queue.Retry(settleCtx, lease, p.now().Add(p.config.Timeout))
		result.Duration = p.now().Sub(start)
		return result
	}

	result.Outcome = out
	switch {
	case out.State == delivery.StateCancelled && p.ctx.Err() != nil:
		// shutdown, not a user cancel
		result.Settle = "requeued"
		result.Error = p.queue.Retry(settleCtx, lease, p.now())
	case out.Delivered():
		job.Apply(out)
		result.Settle = "ack"
		result.Error = p.queue.Ack(settleCtx, lease)
	case out.State == delivery.StateDeferred:
		job.Apply(out)
		result.Settle = "retry"
		result.Error = p.queue.Retry(settleCtx, lease, out.RetryAt)
	default:
		job.Apply(out)
		result.Settle = "fail"
		result.Error = p.queue.Fail(settleCtx, lease, out.Reason)
	}
	result.Duration = p.now().Sub(start)
	return result
}

func (p *WorkerPool) reaper() error {
	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := p.queue.Reap(p.ctx)
			if err != nil {
				p.logger.Warn("Failed to reap expired leases", "error", err)
				continue
			}
			if n > 0 {
				p.stats.mu.Lock()
				p.stats.Reaped += int64(n)
				p.stats.mu.Unlock()
				p.logger.Info("Returned expired leases to the queue", "count", n)
			}
		case <-p.ctx.Done():
			return nil
		}
	}
}

func (p *WorkerPool) updateStats(r Result) {
	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()

	switch r.Settle {
	case "ack":
		p.stats.Delivered++
	case "retry":
		p.stats.Deferred++
	case "fail":
		p.stats.Failed++
	case "paused":
		p.stats.Paused++
	case "requeued":
		p.stats.Requeued++
	}
	if r.Error != nil {
		p.stats.SettleErrors++
	}

	p.stats.Processing.Total += r.Duration
	if p.stats.Processing.Min == 0 || r.Duration < p.stats.Processing.Min {
		p.stats.Processing.Min = r.Duration
	}
	if r.Duration > p.stats.Processing.Max {
		p.stats.Processing.Max = r.Duration
	}
	if n := p.stats.Delivered + p.stats.Deferred + p.stats.Failed; n > 0 {
		p.stats.Processing.Average = p.stats.Processing.Total / time.Duration(n)
	}

	counts := p.circuitBreaker.Counts()
	p.stats.CircuitBreaker.State = p.circuitBreaker.State().String()
	p.stats.CircuitBreaker.Failures = int64(counts.TotalFailures)
	p.stats.CircuitBreaker.Successes = int64(counts.TotalSuccesses)
}

func (p *WorkerPool) resultProcessor() error {
	for {
		select {
		case r := <-p.results:
			p.handleResult(r)
		case <-p.ctx.Done():
			for {
				select {
				case r := <-p.results:
					p.handleResult(r)
				default:
					return nil
				}
			}
		}
	}
}

func (p *WorkerPool) handleResult(r Result) {
	p.updateStats(r)
	if r.Error != nil {
		p.logger.Error("Failed to settle job",
			"job_id", r.JobID,
			"settle", r.Settle,
			"error", r.Error,
		)
	}
	for _, fn := range p.onResult {
		fn(r)
	}
}

// GetStats returns a copy of the current statistics
func (p *WorkerPool) GetStats() WorkerStats {
	p.stats.mu.RLock()
	defer p.stats.mu.RUnlock()
	return WorkerStats{
		Leased:         p.stats.Leased,
		Delivered:      p.stats.Delivered,
		Deferred:       p.stats.Deferred,
		Failed:         p.stats.Failed,
		Paused:         p.stats.Paused,
		Requeued:       p.stats.Requeued,
		SettleErrors:   p.stats.SettleErrors,
		ActiveWorkers:  p.stats.ActiveWorkers,
		Reaped:         p.stats.Reaped,
		Processing:     p.stats.Processing,
		CircuitBreaker: p.stats.CircuitBreaker,
	}
}

// BreakerOpen reports whether the delivery breaker is refusing work
func (p *WorkerPool) BreakerOpen() bool {
	return p.circuitBreaker.State() == gobreaker.StateOpen
}

// IsHealthy reports whether workers are running and the breaker is closed
func (p *WorkerPool) IsHealthy() bool {
	stats := p.GetStats()
	return !p.BreakerOpen() && stats.ActiveWorkers > 0
}
