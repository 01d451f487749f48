package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/sendline/internal/delivery"
	"github.com/busybox42/sendline/internal/queue"
	"github.com/busybox42/sendline/internal/suppression"
)

func (s *Server) handlePausedCampaigns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Control.PausedCampaigns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list campaigns", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": ids})
}

func (s *Server) handleCampaign(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var err error
		if pause {
			err = s.deps.Control.PauseCampaign(r.Context(), id)
		} else {
			err = s.deps.Control.ResumeCampaign(r.Context(), id)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to update campaign", err)
			return
		}
		s.logger.Info("Campaign state changed", "campaign_id", id, "paused", pause)
		writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "paused": pause})
	}
}

func intParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	limit := min(intParam(r, "limit", 100), 1000)
	offset := intParam(r, "offset", 0)

	entries, err := s.deps.Suppressions.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list suppressions", err)
		return
	}
	total, err := s.deps.Suppressions.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count suppressions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleAddSuppression(w http.ResponseWriter, r *http.Request) {
	var e suppression.Entry
	if err := decode(w, r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if e.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required", nil)
		return
	}
	if e.Reason == "" {
		e.Reason = suppression.ReasonManual
	}
	if !suppression.ValidReason(e.Reason) {
		writeError(w, http.StatusBadRequest, "Unknown reason", nil)
		return
	}
	if e.Source == "" {
		e.Source = "api"
	}
	if err := s.deps.Suppressions.Add(r.Context(), e); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to add suppression", err)
		return
	}
	got, err := s.deps.Suppressions.Get(r.Context(), e.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read suppression", err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleGetSuppression(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Suppressions.Get(r.Context(), mux.Vars(r)["email"])
	if errors.Is(err, suppression.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Address not suppressed", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read suppression", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Suppressions.Remove(r.Context(), mux.Vars(r)["email"])
	if errors.Is(err, suppression.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Address not suppressed", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to remove suppression", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var job delivery.Job
	if err := decode(w, r, &job); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	job.Status, job.AttemptCount, job.LastError = "", 0, ""
	if err := job.Prepare(s.deps.MaxAttempts); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid job", err)
		return
	}
	err := s.deps.Queue.Enqueue(r.Context(), &job)
	if errors.Is(err, queue.ErrDuplicate) {
		writeError(w, http.StatusConflict, "Job already queued", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to enqueue job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":       job.ID,
		"status":   job.Status,
		"priority": job.Priority,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Control.CancelJob(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "cancelled": true})
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Queue.Failed(r.Context(), min(intParam(r, "limit", 100), 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list failed jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

// StatsResponse is the body of GET /api/v1/stats
type StatsResponse struct {
	Deliveries     *delivery.TrackerMetrics `json:"deliveries,omitempty"`
	RecentFailures []delivery.Outcome       `json:"recent_failures,omitempty"`
	Queue          *queue.Depth             `json:"queue,omitempty"`
	Workers        *queue.WorkerStats       `json:"workers,omitempty"`
	Pool           *delivery.PoolStats      `json:"pool,omitempty"`
	Capacity       int64                    `json:"capacity"`
	GeneratedAt    time.Time                `json:"generated_at"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{GeneratedAt: time.Now().UTC()}

	if s.deps.Tracker != nil {
		m := s.deps.Tracker.GetStats()
		resp.Deliveries = &m
		resp.RecentFailures = s.deps.Tracker.RecentFailures(20)
	}
	if d, err := s.deps.Queue.Depth(r.Context()); err == nil {
		resp.Queue = &d
	} else {
		s.logger.Warn("Failed to read queue depth", "error", err)
	}
	if s.deps.Workers != nil {
		ws := s.deps.Workers.GetStats()
		resp.Workers = &ws
	}
	if s.deps.Pool != nil {
		ps := s.deps.Pool.Stats()
		resp.Pool = &ps
	}
	capacity, err := s.deps.Identities.Capacity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read capacity", err)
		return
	}
	resp.Capacity = capacity
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "Historic metrics are not enabled", nil)
		return
	}
	hours := intParam(r, "hours", 24)
	if hours < 1 || hours > 48 {
		hours = 24
	}
	totals, err := s.deps.History.Totals(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to read totals", err)
		return
	}
	hourly, err := s.deps.History.Hourly(r.Context(), hours)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to read hourly stats", err)
		return
	}
	recent, err := s.deps.History.RecentErrors(r.Context(), 20)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to read recent errors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totals":        totals,
		"hourly":        hourly,
		"recent_errors": recent,
	})
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	if s.deps.Relays == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"relays": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"relays": s.deps.Relays.Status()})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cluster == nil {
		writeError(w, http.StatusNotFound, "Cluster membership is not enabled", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats": s.deps.Cluster.Stats(),
		"nodes": s.deps.Cluster.Nodes(),
	})
}
