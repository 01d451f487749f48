package delivery

import (
	"log/slog"
	"sync"
	"time"
)

// DeliveryTracker aggregates outcomes for the stats endpoint
type DeliveryTracker struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	metrics   *TrackerMetrics
	failures  []Outcome
	keepFails int
	retention int // days of daily stats
}

// TrackerMetrics holds outcome totals
type TrackerMetrics struct {
	Total               int64                    `json:"total"`
	Delivered           int64                    `json:"delivered"`
	Deferred            int64                    `json:"deferred"`
	BouncedHard         int64                    `json:"bounced_hard"`
	BouncedSoft         int64                    `json:"bounced_soft"`
	Cancelled           int64                    `json:"cancelled"`
	ViaRelay            int64                    `json:"via_relay"`
	AverageDeliveryTime time.Duration            `json:"average_delivery_time"`
	MaxDeliveryTime     time.Duration            `json:"max_delivery_time"`
	Reasons             map[string]int64         `json:"reasons"`
	DailyStats          map[string]*DailyMetrics `json:"daily_stats"`
}

// DailyMetrics tracks outcomes for one UTC day
type DailyMetrics struct {
	Date      string `json:"date"`
	Delivered int64  `json:"delivered"`
	Deferred  int64  `json:"deferred"`
	Bounced   int64  `json:"bounced"`
}

// NewDeliveryTracker creates a new delivery tracker
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		logger:    slog.Default().With("component", "delivery-tracker"),
		metrics:   newTrackerMetrics(),
		keepFails: 100,
		retention: 30,
	}
}

func newTrackerMetrics() *TrackerMetrics {
	return &TrackerMetrics{
		Reasons:    make(map[string]int64),
		DailyStats: make(map[string]*DailyMetrics),
	}
}

// Record adds one outcome
func (dt *DeliveryTracker) Record(o Outcome) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	m := dt.metrics
	m.Total++
	if o.ViaRelay != "" {
		m.ViaRelay++
	}
	if o.Reason != "" {
		m.Reasons[o.Reason]++
	}

	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	date := ts.UTC().Format("2006-01-02")
	day, exists := m.DailyStats[date]
	if !exists {
		day = &DailyMetrics{Date: date}
		m.DailyStats[date] = day
		dt.pruneDaily(ts)
	}

	switch o.State {
	case StateDelivered:
		m.Delivered++
		day.Delivered++
		if m.Delivered == 1 {
			m.AverageDeliveryTime = o.Duration
		} else {
			m.AverageDeliveryTime = (m.AverageDeliveryTime + o.Duration) / 2
		}
		if o.Duration > m.MaxDeliveryTime {
			m.MaxDeliveryTime = o.Duration
		}
		return
	case StateDeferred:
		m.Deferred++
		day.Deferred++
	case StateBouncedHard:
		m.BouncedHard++
		day.Bounced++
	case StateBouncedSoft:
		m.BouncedSoft++
		day.Bounced++
	case StateCancelled:
		m.Cancelled++
	}

	dt.failures = append(dt.failures, o)
	if len(dt.failures) > dt.keepFails {
		dt.failures = dt.failures[len(dt.failures)-dt.keepFails:]
	}
}

// pruneDaily drops daily stats older than the retention window
func (dt *DeliveryTracker) pruneDaily(now time.Time) {
	cutoff := now.UTC().AddDate(0, 0, -dt.retention).Format("2006-01-02")
	for date := range dt.metrics.DailyStats {
		if date < cutoff {
			delete(dt.metrics.DailyStats, date)
		}
	}
}

// RecentFailures returns up to limit of the latest non-delivered outcomes, newest first
func (dt *DeliveryTracker) RecentFailures(limit int) []Outcome {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	n := len(dt.failures)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Outcome, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, dt.failures[i])
	}
	return out
}

// GetStats returns a copy of the totals
func (dt *DeliveryTracker) GetStats() TrackerMetrics {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	cp := *dt.metrics
	cp.Reasons = make(map[string]int64, len(dt.metrics.Reasons))
	for k, v := range dt.metrics.Reasons {
		cp.Reasons[k] = v
	}
	cp.DailyStats = make(map[string]*DailyMetrics, len(dt.metrics.DailyStats))
	for k, v := range dt.metrics.DailyStats {
		day := *v
		cp.DailyStats[k] = &day
	}
	return cp
}

// ResetStats resets all statistics
func (dt *DeliveryTracker) ResetStats() {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.metrics = newTrackerMetrics()
	dt.failures = nil
	dt.logger.Info("Delivery tracking statistics reset")
}
