package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/sendline/internal/auth"
	"github.com/busybox42/sendline/internal/delivery"
)

// Executor delivers a job locally
type Executor interface {
	Execute(ctx context.Context, job *delivery.Job) delivery.Outcome
}

// CapacityFunc reports how many more sends local identities allow today
type CapacityFunc func(ctx context.Context) (int64, error)

// Server accepts jobs from peers and delivers them synchronously with the
// local executor
type Server struct {
	executor    Executor
	capacity    CapacityFunc
	verifier    *auth.KeyVerifier
	maxAttempts int
	router      *mux.Router
	httpServer  *http.Server
	logger      *slog.Logger
}

// NewServer builds the relay HTTP handler. secret may be plain or a bcrypt hash.
func NewServer(secret string, exec Executor, capacity CapacityFunc, maxAttempts int) *Server {
	s := &Server{
		executor:    exec,
		capacity:    capacity,
		verifier:    auth.NewKeyVerifier(secret, 5*time.Minute),
		maxAttempts: maxAttempts,
		logger:      slog.Default().With("component", "relay-server"),
	}

	r := mux.NewRouter()
	r.HandleFunc(PathHealth, s.handleHealth).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.verifier.Require)
	protected.HandleFunc(PathSend, s.handleSend).Methods(http.MethodPost)
	protected.HandleFunc(PathSendBatch, s.handleSendBatch).Methods(http.MethodPost)

	s.router = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr in the background
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
	go func() {
		s.logger.Info("Starting relay server", "listen", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Relay server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	capacity, err := s.capacity(r.Context())
	if err != nil {
		s.logger.Error("Failed to read capacity", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "error"})
		return
	}
	if capacity <= 0 {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "exhausted", Capacity: 0})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Capacity: capacity})
}

// statusFor maps an outcome to the HTTP status of its reply
func statusFor(out delivery.Outcome) int {
	if out.State == delivery.StateDeferred && !out.CountsAttempt {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var job delivery.Job
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&job); err != nil {
		writeJSON(w, http.StatusBadRequest, SendResponse{Error: "invalid request body"})
		return
	}
	if err := job.Prepare(s.maxAttempts); err != nil {
		writeJSON(w, http.StatusBadRequest, SendResponse{Error: err.Error()})
		return
	}

	out := s.executor.Execute(r.Context(), &job)
	s.logger.Info("Relayed job",
		"job_id", job.ID,
		"to", job.ToAddress,
		"state", out.State,
		"reason", out.Reason,
	)
	resp := SendResponse{Success: out.Delivered(), Outcome: &out}
	if !out.Delivered() {
		resp.Error = out.Message
	}
	writeJSON(w, statusFor(out), resp)
}

func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, BatchResponse{Error: "invalid request body"})
		return
	}
	if len(req.Jobs) == 0 || len(req.Jobs) > MaxBatch {
		writeJSON(w, http.StatusBadRequest, BatchResponse{Error: "batch must hold 1-500 jobs"})
		return
	}

	results := &BatchResults{Outcomes: make([]delivery.Outcome, 0, len(req.Jobs))}
	for _, job := range req.Jobs {
		if job == nil {
			results.Failed++
			results.Outcomes = append(results.Outcomes, delivery.Outcome{State: delivery.StateBouncedHard, Reason: "invalid_job"})
			continue
		}
		if err := job.Prepare(s.maxAttempts); err != nil {
			results.Failed++
			results.Outcomes = append(results.Outcomes, delivery.Outcome{
				JobID: job.ID, State: delivery.StateBouncedHard, Reason: "invalid_job", Message: err.Error(),
			})
			continue
		}
		out := s.executor.Execute(r.Context(), job)
		if out.Delivered() {
			results.Sent++
		} else {
			results.Failed++
		}
		results.Outcomes = append(results.Outcomes, out)
	}

	s.logger.Info("Relayed batch", "jobs", len(req.Jobs), "sent", results.Sent, "failed", results.Failed)
	writeJSON(w, http.StatusOK, BatchResponse{Success: results.Failed == 0, Results: results})
}
