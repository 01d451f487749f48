package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/sendline/internal/delivery"
)

type memItem struct {
	job     *delivery.Job
	readyAt time.Time
	seq     uint64
	index   int
}

// readyHeap orders by priority, then readiness
type readyHeap []*memItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	item := x.(*memItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// scheduledHeap orders by readiness only
type scheduledHeap []*memItem

func (h scheduledHeap) Len() int           { return len(h) }
func (h scheduledHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }
func (h scheduledHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scheduledHeap) Push(x any)        { *h = append(*h, x.(*memItem)) }
func (h *scheduledHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type memLease struct {
	job     *delivery.Job
	token   string
	expires time.Time
}

// MemoryQueue is an in-process Queue
type MemoryQueue struct {
	mu         sync.Mutex
	ready      readyHeap
	scheduled  scheduledHeap
	leased     map[string]*memLease
	failed     []*delivery.Job
	known      map[string]bool
	seq        uint64
	visibility time.Duration
	now        func() time.Time
}

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &MemoryQueue{
		leased:     make(map[string]*memLease),
		known:      make(map[string]bool),
		visibility: visibility,
		now:        time.Now,
	}
}

func copyJob(job *delivery.Job) *delivery.Job {
	cp := *job
	if job.Headers != nil {
		cp.Headers = make(map[string]string, len(job.Headers))
		for k, v := range job.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

// push places job in the ready or scheduled heap. Callers hold mu.
func (q *MemoryQueue) push(job *delivery.Job, readyAt time.Time) {
	q.seq++
	item := &memItem{job: job, readyAt: readyAt, seq: q.seq}
	if readyAt.After(q.now()) {
		heap.Push(&q.scheduled, item)
		return
	}
	heap.Push(&q.ready, item)
}

// promote moves due scheduled jobs to the ready heap. Callers hold mu.
func (q *MemoryQueue) promote(now time.Time) {
	for q.scheduled.Len() > 0 && !q.scheduled[0].readyAt.After(now) {
		item := heap.Pop(&q.scheduled).(*memItem)
		heap.Push(&q.ready, item)
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *delivery.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.known[job.ID] {
		return ErrDuplicate
	}
	q.known[job.ID] = true
	readyAt := job.NextRetryAt
	if readyAt.IsZero() {
		readyAt = job.CreatedAt
	}
	q.push(copyJob(job), readyAt)
	return nil
}

func (q *MemoryQueue) Dequeue(context.Context) (*Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.promote(now)
	if q.ready.Len() == 0 {
		return nil, ErrEmpty
	}
	item := heap.Pop(&q.ready).(*memItem)
	item.job.Status = delivery.StatusSending
	l := &memLease{job: item.job, token: uuid.NewString(), expires: now.Add(q.visibility)}
	q.leased[item.job.ID] = l
	return &Lease{Job: copyJob(l.job), Token: l.token, Expires: l.expires}, nil
}

// take removes a live lease. Callers hold mu.
func (q *MemoryQueue) take(lease *Lease) (*memLease, error) {
	l, ok := q.leased[lease.Job.ID]
	if !ok || l.token != lease.Token {
		return nil, ErrLeaseLost
	}
	delete(q.leased, lease.Job.ID)
	return l, nil
}

func (q *MemoryQueue) Ack(_ context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.take(lease); err != nil {
		return err
	}
	delete(q.known, lease.Job.ID)
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, lease *Lease, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.take(lease); err != nil {
		return err
	}
	job := copyJob(lease.Job)
	job.NextRetryAt = at
	job.Status = delivery.StatusQueued
	q.push(job, at)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, lease *Lease, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.take(lease); err != nil {
		return err
	}
	job := copyJob(lease.Job)
	if job.LastError == "" {
		job.LastError = reason
	}
	q.failed = append(q.failed, job)
	delete(q.known, job.ID)
	return nil
}

func (q *MemoryQueue) Depth(context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote(q.now())
	return Depth{
		Ready:     int64(q.ready.Len()),
		Scheduled: int64(q.scheduled.Len()),
		Leased:    int64(len(q.leased)),
		Failed:    int64(len(q.failed)),
	}, nil
}

func (q *MemoryQueue) Reap(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for id, l := range q.leased {
		if l.expires.After(now) {
			continue
		}
		delete(q.leased, id)
		l.job.Status = delivery.StatusQueued
		q.push(l.job, now)
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Failed(_ context.Context, limit int) ([]*delivery.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.failed)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*delivery.Job, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, copyJob(q.failed[i]))
	}
	return out, nil
}

func (q *MemoryQueue) Close() error { return nil }

// MemoryControl is an in-process Control
type MemoryControl struct {
	mu        sync.RWMutex
	paused    map[string]bool
	cancelled map[string]bool
}

// NewMemoryControl creates an in-process control set
func NewMemoryControl() *MemoryControl {
	return &MemoryControl{paused: make(map[string]bool), cancelled: make(map[string]bool)}
}

func (c *MemoryControl) PauseCampaign(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused[id] = true
	return nil
}

func (c *MemoryControl) ResumeCampaign(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paused, id)
	return nil
}

func (c *MemoryControl) IsPaused(_ context.Context, id string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused[id], nil
}

func (c *MemoryControl) PausedCampaigns(context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.paused))
	for id := range c.paused {
		out = append(out, id)
	}
	return out, nil
}

func (c *MemoryControl) CancelJob(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[id] = true
	return nil
}

func (c *MemoryControl) Cancelled(_ context.Context, job *delivery.Job) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled[job.ID]
}

func (c *MemoryControl) Close() error { return nil }
