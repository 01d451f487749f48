package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/busybox42/sendline/internal/delivery"
)

var (
	enqueueScript = redis.NewScript(enqueueLua)
	dequeueScript = redis.NewScript(dequeueLua)
	ackScript     = redis.NewScript(ackLua)
	retryScript   = redis.NewScript(retryLua)
	failScript    = redis.NewScript(failLua)
	reapScript    = redis.NewScript(reapLua)
)

// failedKeep bounds the failed job list
const failedKeep = 10000

// RedisConfig configures the Redis queue and control set
type RedisConfig struct {
	Addr       string
	Password   string
	Database   int
	Prefix     string
	Visibility time.Duration
	Timeout    time.Duration
}

type redisKeys struct {
	jobs, prio, scheduled, leased, tokens, failed string
	ready                                         []string
}

func newRedisKeys(prefix string) redisKeys {
	if prefix == "" {
		prefix = "sendline"
	}
	prefix += ":queue:"
	k := redisKeys{
		jobs:      prefix + "jobs",
		prio:      prefix + "prio",
		scheduled: prefix + "scheduled",
		leased:    prefix + "leased",
		tokens:    prefix + "tokens",
		failed:    prefix + "failed",
	}
	for p := delivery.PriorityHighest; p <= delivery.PriorityLowest; p++ {
		k.ready = append(k.ready, prefix+"ready:"+strconv.Itoa(p))
	}
	return k
}

// RedisQueue is a Queue shared by every node pointing at the same Redis
type RedisQueue struct {
	client     redis.UniversalClient
	keys       redisKeys
	visibility time.Duration
	now        func() time.Time
}

func newRedisClient(cfg RedisConfig) *redis.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
}

func ping(client redis.UniversalClient, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// NewRedisQueue connects to Redis and verifies the connection
func NewRedisQueue(cfg RedisConfig) (*RedisQueue, error) {
	client := newRedisClient(cfg)
	if err := ping(client, cfg.Timeout); err != nil {
		return nil, err
	}
	return NewRedisQueueWithClient(client, cfg.Prefix, cfg.Visibility), nil
}

// NewRedisQueueWithClient wraps an existing client
func NewRedisQueueWithClient(client redis.UniversalClient, prefix string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{client: client, keys: newRedisKeys(prefix), visibility: visibility, now: time.Now}
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *delivery.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	readyAt := job.NextRetryAt
	if readyAt.IsZero() {
		readyAt = job.CreatedAt
	}
	if readyAt.IsZero() {
		readyAt = q.now()
	}
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.jobs, q.keys.prio, q.keys.scheduled},
		job.ID, payload, job.Priority, ms(readyAt)).Int()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Lease, error) {
	now := q.now()
	expires := now.Add(q.visibility)
	token := uuid.NewString()

	keys := append([]string{q.keys.scheduled, q.keys.leased, q.keys.tokens, q.keys.prio}, q.keys.ready...)
	id, err := dequeueScript.Run(ctx, q.client, keys, ms(now), ms(expires), token).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	payload, err := q.client.HGet(ctx, q.keys.jobs, id).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var job delivery.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	job.Status = delivery.StatusSending
	return &Lease{Job: &job, Token: token, Expires: expires}, nil
}

func settled(n int, err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("failed to %s job %s: %w", op, id, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, lease *Lease) error {
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.keys.leased, q.keys.tokens, q.keys.jobs, q.keys.prio},
		lease.Job.ID, lease.Token).Int()
	return settled(n, err, "ack", lease.Job.ID)
}

func (q *RedisQueue) Retry(ctx context.Context, lease *Lease, at time.Time) error {
	lease.Job.NextRetryAt = at
	lease.Job.Status = delivery.StatusQueued
	payload, err := json.Marshal(lease.Job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	n, err := retryScript.Run(ctx, q.client,
		[]string{q.keys.leased, q.keys.tokens, q.keys.jobs, q.keys.scheduled},
		lease.Job.ID, lease.Token, payload, ms(at)).Int()
	return settled(n, err, "retry", lease.Job.ID)
}

func (q *RedisQueue) Fail(ctx context.Context, lease *Lease, reason string) error {
	if lease.Job.LastError == "" {
		lease.Job.LastError = reason
	}
	payload, err := json.Marshal(lease.Job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	n, err := failScript.Run(ctx, q.client,
		[]string{q.keys.leased, q.keys.tokens, q.keys.jobs, q.keys.prio, q.keys.failed},
		lease.Job.ID, lease.Token, payload, failedKeep).Int()
	return settled(n, err, "fail", lease.Job.ID)
}

func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	ready := make([]*redis.IntCmd, len(q.keys.ready))
	for i, key := range q.keys.ready {
		ready[i] = pipe.ZCard(ctx, key)
	}
	scheduled := pipe.ZCard(ctx, q.keys.scheduled)
	leased := pipe.ZCard(ctx, q.keys.leased)
	failed := pipe.LLen(ctx, q.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}

	var d Depth
	for _, c := range ready {
		d.Ready += c.Val()
	}
	d.Scheduled = scheduled.Val()
	d.Leased = leased.Val()
	d.Failed = failed.Val()
	return d, nil
}

func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, q.client,
		[]string{q.keys.leased, q.keys.tokens, q.keys.scheduled}, ms(q.now())).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reap leases: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Failed(ctx context.Context, limit int) ([]*delivery.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.keys.failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	jobs := make([]*delivery.Job, 0, len(raw))
	for _, r := range raw {
		var job delivery.Job
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// cancelTTL bounds how long a cancellation marker outlives its job
const cancelTTL = 7 * 24 * time.Hour

// RedisControl keeps paused campaigns and cancelled jobs in Redis
type RedisControl struct {
	client    redis.UniversalClient
	paused    string
	cancelled string
}

// NewRedisControl connects to Redis and verifies the connection
func NewRedisControl(cfg RedisConfig) (*RedisControl, error) {
	client := newRedisClient(cfg)
	if err := ping(client, cfg.Timeout); err != nil {
		return nil, err
	}
	return NewRedisControlWithClient(client, cfg.Prefix), nil
}

// NewRedisControlWithClient wraps an existing client
func NewRedisControlWithClient(client redis.UniversalClient, prefix string) *RedisControl {
	if prefix == "" {
		prefix = "sendline"
	}
	return &RedisControl{
		client:    client,
		paused:    prefix + ":campaigns:paused",
		cancelled: prefix + ":jobs:cancelled:",
	}
}

func (c *RedisControl) PauseCampaign(ctx context.Context, id string) error {
	return c.client.SAdd(ctx, c.paused, id).Err()
}

func (c *RedisControl) ResumeCampaign(ctx context.Context, id string) error {
	return c.client.SRem(ctx, c.paused, id).Err()
}

func (c *RedisControl) IsPaused(ctx context.Context, id string) (bool, error) {
	return c.client.SIsMember(ctx, c.paused, id).Result()
}

func (c *RedisControl) PausedCampaigns(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, c.paused).Result()
}

func (c *RedisControl) CancelJob(ctx context.Context, id string) error {
	return c.client.Set(ctx, c.cancelled+id, "1", cancelTTL).Err()
}

// Cancelled treats a Redis error as not cancelled so an outage does not
// drop mail
func (c *RedisControl) Cancelled(ctx context.Context, job *delivery.Job) bool {
	n, err := c.client.Exists(ctx, c.cancelled+job.ID).Result()
	return err == nil && n > 0
}

func (c *RedisControl) Close() error {
	return c.client.Close()
}
