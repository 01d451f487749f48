package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/sendline/internal/delivery"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newJob(id string, priority int, created time.Time) *delivery.Job {
	return &delivery.Job{
		ID:          id,
		CampaignID:  "spring",
		FromAddress: "news@example.com",
		ToAddress:   id + "@example.org",
		Subject:     "hello",
		TextBody:    "hi",
		Priority:    priority,
		MaxAttempts: 5,
		CreatedAt:   created,
	}
}

func newTestQueue(t *testing.T) (*MemoryQueue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	q := NewMemoryQueue(time.Minute)
	q.now = clock.Now
	return q, clock
}

func TestMemoryQueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	now := clock.Now()

	require.NoError(t, q.Enqueue(ctx, newJob("bulk-1", 5, now)))
	require.NoError(t, q.Enqueue(ctx, newJob("bulk-2", 5, now)))
	require.NoError(t, q.Enqueue(ctx, newJob("reset", 1, now.Add(time.Second*-1))))
	require.NoError(t, q.Enqueue(ctx, newJob("digest", 10, now.Add(-time.Hour))))

	var order []string
	for {
		lease, err := q.Dequeue(ctx)
		if err == ErrEmpty {
			break
		}
		require.NoError(t, err)
		order = append(order, lease.Job.ID)
	}
	assert.Equal(t, []string{"reset", "bulk-1", "bulk-2", "digest"}, order)
}

func TestMemoryQueueScheduled(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	job := newJob("later", 5, clock.Now())
	job.NextRetryAt = clock.Now().Add(10 * time.Minute)
	require.NoError(t, q.Enqueue(ctx, job))

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Scheduled: 1}, d)

	clock.Advance(10 * time.Minute)
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", lease.Job.ID)
	assert.Equal(t, clock.Now().Add(time.Minute), lease.Expires)
}

func TestMemoryQueueDuplicate(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, newJob("a", 5, clock.Now())))
	assert.ErrorIs(t, q.Enqueue(ctx, newJob("a", 5, clock.Now())), ErrDuplicate)

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, lease))

	// an acknowledged id may be reused
	assert.NoError(t, q.Enqueue(ctx, newJob("a", 5, clock.Now())))
}

func TestMemoryQueueAckRequiresToken(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, newJob("a", 5, clock.Now())))

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)

	forged := &Lease{Job: lease.Job, Token: "forged"}
	assert.ErrorIs(t, q.Ack(ctx, forged), ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, lease))
	assert.ErrorIs(t, q.Ack(ctx, lease), ErrLeaseLost)

	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{}, d)
}

func TestMemoryQueueRetry(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, newJob("a", 5, clock.Now())))

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	lease.Job.AttemptCount = 1
	at := clock.Now().Add(2 * time.Minute)
	require.NoError(t, q.Retry(ctx, lease, at))

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, delivery.StatusQueued, q.scheduled[0].job.Status)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSending, again.Job.Status)
	assert.Equal(t, 1, again.Job.AttemptCount)
	assert.Equal(t, at, again.Job.NextRetryAt)
	assert.NotEqual(t, lease.Token, again.Token)
}

func TestMemoryQueueFail(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, newJob("a", 5, clock.Now())))
	require.NoError(t, q.Enqueue(ctx, newJob("b", 5, clock.Now())))

	for i := 0; i < 2; i++ {
		lease, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, lease, "no_mx"))
	}

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "b", failed[0].ID, "newest first")
	assert.Equal(t, "no_mx", failed[0].LastError)

	failed, err = q.Failed(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Failed)
}

func TestMemoryQueueReap(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, newJob("a", 5, clock.Now())))

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSending, lease.Job.Status)

	n, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, delivery.StatusQueued, q.ready[0].job.Status)

	// the stale holder can no longer settle
	assert.ErrorIs(t, q.Ack(ctx, lease), ErrLeaseLost)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Job.ID)
}

func TestMemoryQueueLeaseIsCopy(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	job := newJob("a", 5, clock.Now())
	job.Headers = map[string]string{"X-Campaign": "spring"}
	require.NoError(t, q.Enqueue(ctx, job))

	job.Headers["X-Campaign"] = "changed"
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "spring", lease.Job.Headers["X-Campaign"])
}

func TestMemoryControl(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryControl()

	paused, err := c.IsPaused(ctx, "spring")
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, c.PauseCampaign(ctx, "spring"))
	paused, err = c.IsPaused(ctx, "spring")
	require.NoError(t, err)
	assert.True(t, paused)

	list, err := c.PausedCampaigns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"spring"}, list)

	require.NoError(t, c.ResumeCampaign(ctx, "spring"))
	paused, err = c.IsPaused(ctx, "spring")
	require.NoError(t, err)
	assert.False(t, paused)

	job := newJob("a", 5, time.Now())
	assert.False(t, c.Cancelled(ctx, job))
	require.NoError(t, c.CancelJob(ctx, "a"))
	assert.True(t, c.Cancelled(ctx, job))
}

func TestRedisKeys(t *testing.T) {
	k := newRedisKeys("acme")
	assert.Equal(t, "acme:queue:jobs", k.jobs)
	assert.Equal(t, "acme:queue:scheduled", k.scheduled)
	require.Len(t, k.ready, delivery.PriorityLowest-delivery.PriorityHighest+1)
	assert.Equal(t, "acme:queue:ready:1", k.ready[0])
	assert.Equal(t, "acme:queue:ready:10", k.ready[len(k.ready)-1])

	assert.Equal(t, "sendline:queue:jobs", newRedisKeys("").jobs)
}

func TestOpen(t *testing.T) {
	q, c, err := Open(configQueue("memory"))
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)
	assert.IsType(t, &MemoryControl{}, c)

	_, _, err = Open(configQueue("sqs"))
	assert.Error(t, err)
}
