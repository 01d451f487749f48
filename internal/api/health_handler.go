package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/busybox42/sendline/internal/queue"
)

// HealthStats represents server health statistics
type HealthStats struct {
	Status          string       `json:"status"`
	Uptime          int64        `json:"uptime"`           // seconds
	UptimeFormatted string       `json:"uptime_formatted"` // human readable
	StartedAt       time.Time    `json:"started_at"`
	GoVersion       string       `json:"go_version"`
	NumGoroutines   int          `json:"num_goroutines"`
	NumCPU          int          `json:"num_cpu"`
	Memory          MemoryStats  `json:"memory"`
	Queue           *queue.Depth `json:"queue,omitempty"`
	Capacity        int64        `json:"capacity"`
	WorkersHealthy  bool         `json:"workers_healthy"`
	Throughput      Throughput   `json:"throughput"`
	ServerVersion   string       `json:"server_version"`
	AuthEnabled     bool         `json:"auth_enabled"`
	Problems        []string     `json:"problems,omitempty"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Alloc      uint64  `json:"alloc"`
	Sys        uint64  `json:"sys"`
	HeapInuse  uint64  `json:"heap_inuse"`
	StackInuse uint64  `json:"stack_inuse"`
	NumGC      uint32  `json:"num_gc"`
	AllocMB    float64 `json:"alloc_mb"`
	SysMB      float64 `json:"sys_mb"`
}

// Throughput represents delivery rates since start
type Throughput struct {
	DeliveredPerMinute float64 `json:"delivered_per_minute"`
	DeliveredPerHour   float64 `json:"delivered_per_hour"`
	TotalProcessed     int64   `json:"total_processed"`
}

// handleHealthStats returns 200 while the node can deliver and 503 otherwise
func (s *Server) handleHealthStats(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	uptime := time.Since(s.startedAt)

	health := HealthStats{
		Status:          "healthy",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		NumCPU:          runtime.NumCPU(),
		Memory: MemoryStats{
			Alloc:      memStats.Alloc,
			Sys:        memStats.Sys,
			HeapInuse:  memStats.HeapInuse,
			StackInuse: memStats.StackInuse,
			NumGC:      memStats.NumGC,
			AllocMB:    float64(memStats.Alloc) / 1024 / 1024,
			SysMB:      float64(memStats.Sys) / 1024 / 1024,
		},
		WorkersHealthy: true,
		ServerVersion:  s.deps.Version,
		AuthEnabled:    s.verifier != nil,
	}

	if d, err := s.deps.Queue.Depth(r.Context()); err != nil {
		health.Problems = append(health.Problems, "queue: "+err.Error())
	} else {
		health.Queue = &d
	}
	if capacity, err := s.deps.Identities.Capacity(r.Context()); err != nil {
		health.Problems = append(health.Problems, "identities: "+err.Error())
	} else {
		health.Capacity = capacity
	}
	if s.deps.Workers != nil {
		health.WorkersHealthy = s.deps.Workers.IsHealthy()
		if !health.WorkersHealthy {
			health.Problems = append(health.Problems, "workers: circuit open or stopped")
		}
	}
	if s.deps.Tracker != nil {
		delivered := s.deps.Tracker.GetStats().Delivered
		health.Throughput = Throughput{
			DeliveredPerMinute: calculateRate(delivered, uptime, time.Minute),
			DeliveredPerHour:   calculateRate(delivered, uptime, time.Hour),
			TotalProcessed:     s.deps.Tracker.GetStats().Total,
		}
	}

	status := http.StatusOK
	if len(health.Problems) > 0 {
		health.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// formatDuration formats a duration as human readable
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// calculateRate calculates a rate per period
func calculateRate(total int64, elapsed time.Duration, period time.Duration) float64 {
	if elapsed == 0 {
		return 0
	}
	return float64(total) / elapsed.Seconds() * period.Seconds()
}
