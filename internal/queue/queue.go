// Package queue holds delivery jobs until workers lease them.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/busybox42/sendline/internal/delivery"
)

var (
	// ErrEmpty means no job is ready
	ErrEmpty = errors.New("queue is empty")
	// ErrLeaseLost means the lease expired and the job was handed out again
	ErrLeaseLost = errors.New("lease lost")
	// ErrDuplicate means a job with the same id is already queued
	ErrDuplicate = errors.New("job already queued")
)

// Lease is a job handed to one worker until it is acknowledged, retried or
// failed, or until the visibility timeout passes
type Lease struct {
	Job     *delivery.Job
	Token   string
	Expires time.Time
}

// Depth counts jobs by state
type Depth struct {
	Ready     int64 `json:"ready"`
	Scheduled int64 `json:"scheduled"`
	Leased    int64 `json:"leased"`
	Failed    int64 `json:"failed"`
}

// Queue is a priority queue of jobs. Lower priority numbers are leased first.
// Jobs with a NextRetryAt in the future wait until it passes.
type Queue interface {
	Enqueue(ctx context.Context, job *delivery.Job) error
	Dequeue(ctx context.Context) (*Lease, error)
	Ack(ctx context.Context, lease *Lease) error
	Retry(ctx context.Context, lease *Lease, at time.Time) error
	Fail(ctx context.Context, lease *Lease, reason string) error
	Depth(ctx context.Context) (Depth, error)
	// Reap returns jobs with expired leases to the ready set
	Reap(ctx context.Context) (int, error)
	// Failed lists jobs that ended without delivery
	Failed(ctx context.Context, limit int) ([]*delivery.Job, error)
	Close() error
}

// Control holds paused campaigns and cancelled jobs
type Control interface {
	PauseCampaign(ctx context.Context, campaignID string) error
	ResumeCampaign(ctx context.Context, campaignID string) error
	IsPaused(ctx context.Context, campaignID string) (bool, error)
	PausedCampaigns(ctx context.Context) ([]string, error)
	CancelJob(ctx context.Context, jobID string) error
	// Cancelled implements delivery.Canceller
	Cancelled(ctx context.Context, job *delivery.Job) bool
	Close() error
}
