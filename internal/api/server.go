// Package api serves the admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/sendline/internal/auth"
	"github.com/busybox42/sendline/internal/cluster"
	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/delivery"
	"github.com/busybox42/sendline/internal/identity"
	"github.com/busybox42/sendline/internal/metrics"
	"github.com/busybox42/sendline/internal/queue"
	"github.com/busybox42/sendline/internal/relay"
	"github.com/busybox42/sendline/internal/suppression"
)

// WorkerStatus reports on the delivery workers
type WorkerStatus interface {
	GetStats() queue.WorkerStats
	IsHealthy() bool
}

// PoolStatus reports on the SMTP session pool
type PoolStatus interface {
	Stats() delivery.PoolStats
}

// History serves historic delivery counters
type History interface {
	Totals(ctx context.Context) (*metrics.Totals, error)
	Hourly(ctx context.Context, hours int) ([]metrics.HourlyStats, error)
	RecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error)
}

// RelayStatus reports cached relay health
type RelayStatus interface {
	Status() []relay.EndpointStatus
}

// ClusterStatus reports node membership
type ClusterStatus interface {
	Nodes() []cluster.Node
	Stats() map[string]interface{}
}

// Deps are the components the API manages. Identities, Suppressions, Queue
// and Control are required.
type Deps struct {
	Identities   *identity.Registry
	Suppressions suppression.Store
	Queue        queue.Queue
	Control      queue.Control
	Tracker      *delivery.DeliveryTracker
	Workers      WorkerStatus
	Pool         PoolStatus
	History      History
	Relays       RelayStatus
	Cluster      ClusterStatus
	MaxAttempts  int
	Version      string
}

// Server is the admin API server
type Server struct {
	deps        Deps
	listenAddr  string
	router      *mux.Router
	verifier    *auth.KeyVerifier
	rateLimiter *RateLimitMiddleware
	httpServer  *http.Server
	logger      *slog.Logger
	startedAt   time.Time
}

// NewServer creates the admin API server
func NewServer(cfg config.APIConfig, deps Deps) (*Server, error) {
	if deps.Identities == nil || deps.Suppressions == nil || deps.Queue == nil || deps.Control == nil {
		return nil, fmt.Errorf("admin API needs identities, suppressions, queue and control")
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 5
	}

	s := &Server{
		deps:        deps,
		listenAddr:  cfg.Listen,
		logger:      slog.Default().With("component", "admin-api"),
		startedAt:   time.Now(),
		rateLimiter: NewRateLimitMiddleware(cfg.RateLimit, cfg.Burst, cfg.TrustedProxies),
	}
	if cfg.APIKey != "" {
		s.verifier = auth.NewKeyVerifier(cfg.APIKey, 5*time.Minute)
	} else {
		s.logger.Warn("Admin API key not set, management endpoints are unauthenticated")
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(s.logger))
	r.Use(s.rateLimiter.Limit)

	r.HandleFunc("/health", s.handleHealthStats).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.verifier != nil {
		api.Use(s.verifier.Require)
	}

	api.HandleFunc("/identities", s.handleListIdentities).Methods(http.MethodGet)
	api.HandleFunc("/identities", s.handleRegisterIdentity).Methods(http.MethodPost)
	api.HandleFunc("/identities/{id}", s.handleGetIdentity).Methods(http.MethodGet)
	api.HandleFunc("/identities/{id}/blacklist", s.handleBlacklist(true)).Methods(http.MethodPost)
	api.HandleFunc("/identities/{id}/blacklist", s.handleBlacklist(false)).Methods(http.MethodDelete)
	api.HandleFunc("/identities/{id}/disable", s.handleDisable).Methods(http.MethodPost)
	api.HandleFunc("/identities/{id}/enable", s.handleEnable).Methods(http.MethodPost)
	api.HandleFunc("/identities/{id}/priority", s.handleSetPriority).Methods(http.MethodPut)
	api.HandleFunc("/identities/{id}/warmup", s.handleStartWarmup).Methods(http.MethodPost)
	api.HandleFunc("/identities/{id}/advance", s.handleAdvance).Methods(http.MethodPost)
	api.HandleFunc("/rollover", s.handleRollover).Methods(http.MethodPost)
	api.HandleFunc("/warmup/schedule", s.handleSchedule).Methods(http.MethodGet)

	api.HandleFunc("/campaigns/paused", s.handlePausedCampaigns).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}/pause", s.handleCampaign(true)).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/resume", s.handleCampaign(false)).Methods(http.MethodPost)

	api.HandleFunc("/suppressions", s.handleListSuppressions).Methods(http.MethodGet)
	api.HandleFunc("/suppressions", s.handleAddSuppression).Methods(http.MethodPost)
	api.HandleFunc("/suppressions/{email}", s.handleGetSuppression).Methods(http.MethodGet)
	api.HandleFunc("/suppressions/{email}", s.handleRemoveSuppression).Methods(http.MethodDelete)

	api.HandleFunc("/jobs", s.handleEnqueue).Methods(http.MethodPost)
	api.HandleFunc("/jobs/failed", s.handleFailedJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)

	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/relays", s.handleRelays).Methods(http.MethodGet)
	api.HandleFunc("/cluster", s.handleCluster).Methods(http.MethodGet)

	api.HandleFunc("/logging/level", s.handleGetLogLevel).Methods(http.MethodGet)
	api.HandleFunc("/logging/level", s.handleSetLogLevel).Methods(http.MethodPost, http.MethodPut)
	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on the configured address in the background
func (s *Server) Start() error {
	if s.listenAddr == "" {
		return fmt.Errorf("admin API listen address is empty")
	}
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		s.logger.Info("Starting admin API", "listen", s.listenAddr, "auth", s.verifier != nil)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API error", "error", err)
		}
	}()
	return nil
}

// Stop stops the API server
func (s *Server) Stop() error {
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	auth.WriteError(w, status, message, details)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
