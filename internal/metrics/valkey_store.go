package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/busybox42/sendline/internal/delivery"
)

// Outcomes are the outcome labels kept in history
var Outcomes = []string{"sent", "deferred", "bounced_hard", "bounced_soft", "cancelled"}

// hourlyTTL keeps two days of hourly buckets
const hourlyTTL = 48 * time.Hour

// Totals holds all-time outcome counts
type Totals struct {
	Counts      map[string]int64 `json:"counts"`
	LastUpdated time.Time        `json:"last_updated"`
}

// HourlyStats holds outcome counts for one hour
type HourlyStats struct {
	Hour   string           `json:"hour"`
	Counts map[string]int64 `json:"counts"`
}

// RecentError is a failed delivery kept for the admin API
type RecentError struct {
	JobID     string    `json:"job_id"`
	Recipient string    `json:"recipient"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ValkeyStore keeps historic delivery counters in Valkey
type ValkeyStore struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// NewValkeyStore connects to Valkey at addr
func NewValkeyStore(addr, prefix string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "sendline"
	}
	return &ValkeyStore{
		client: client,
		prefix: prefix + ":metrics:",
		now:    time.Now,
	}, nil
}

// Close closes the Valkey connection
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func hourKey(prefix string, t time.Time, outcome string) string {
	return prefix + "hourly:" + t.UTC().Format("2006-01-02:15") + ":" + outcome
}

// Record counts one outcome in the all-time and hourly counters
func (s *ValkeyStore) Record(ctx context.Context, outcome string) error {
	now := s.now()
	hk := hourKey(s.prefix, now, outcome)

	cmds := []valkey.Completed{
		s.client.B().Incr().Key(s.prefix + outcome).Build(),
		s.client.B().Incr().Key(hk).Build(),
		s.client.B().Expire().Key(hk).Seconds(int64(hourlyTTL.Seconds())).Build(),
		s.client.B().Set().Key(s.prefix + "last_updated").Value(now.UTC().Format(time.RFC3339)).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValkeyStore) getInt(ctx context.Context, key string) int64 {
	v, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// Totals returns all-time outcome counts
func (s *ValkeyStore) Totals(ctx context.Context) (*Totals, error) {
	t := &Totals{Counts: make(map[string]int64, len(Outcomes))}
	for _, outcome := range Outcomes {
		t.Counts[outcome] = s.getInt(ctx, s.prefix+outcome)
	}
	if v, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString(); err == nil {
		t.LastUpdated, _ = time.Parse(time.RFC3339, v)
	}
	return t, nil
}

// Hourly returns counts for the last hours hours, oldest first
func (s *ValkeyStore) Hourly(ctx context.Context, hours int) ([]HourlyStats, error) {
	if hours <= 0 || hours > 48 {
		hours = 24
	}
	now := s.now()
	stats := make([]HourlyStats, hours)
	for i := 0; i < hours; i++ {
		hour := now.Add(-time.Duration(hours-1-i) * time.Hour)
		stats[i] = HourlyStats{
			Hour:   hour.UTC().Format("2006-01-02T15:00Z"),
			Counts: make(map[string]int64, len(Outcomes)),
		}
		for _, outcome := range Outcomes {
			stats[i].Counts[outcome] = s.getInt(ctx, hourKey(s.prefix, hour, outcome))
		}
	}
	return stats, nil
}

// AddRecentError keeps the latest 100 failed deliveries
func (s *ValkeyStore) AddRecentError(ctx context.Context, e RecentError) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	cmds := []valkey.Completed{
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(99).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// RecentErrors returns up to limit failed deliveries, newest first
func (s *ValkeyStore) RecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	if limit <= 0 {
		limit = 20
	}
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make([]RecentError, 0, len(result))
	for _, item := range result {
		var e RecentError
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// historyWriter is the part of ValkeyStore the recorder writes to
type historyWriter interface {
	Record(ctx context.Context, outcome string) error
	AddRecentError(ctx context.Context, e RecentError) error
}

// HistoryRecorder writes outcomes to a history store
type HistoryRecorder struct {
	store   historyWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewHistoryRecorder creates an outcome observer writing to store
func NewHistoryRecorder(store historyWriter) *HistoryRecorder {
	return &HistoryRecorder{
		store:   store,
		timeout: 2 * time.Second,
		logger:  slog.Default().With("component", "metrics-history"),
	}
}

// ObserveOutcome records the outcome, and failures in the recent error list
func (h *HistoryRecorder) ObserveOutcome(job *delivery.Job, o delivery.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	outcome := o.State.Label()
	if err := h.store.Record(ctx, outcome); err != nil {
		h.logger.Warn("Failed to record outcome history", "job_id", job.ID, "error", err)
		return
	}
	if o.Delivered() || o.State == delivery.StateDeferred {
		return
	}
	err := h.store.AddRecentError(ctx, RecentError{
		JobID:     job.ID,
		Recipient: job.ToAddress,
		Outcome:   outcome,
		Reason:    o.Reason,
		Error:     o.Message,
		Timestamp: o.Timestamp,
	})
	if err != nil {
		h.logger.Warn("Failed to record recent error", "job_id", job.ID, "error", err)
	}
}
