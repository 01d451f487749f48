package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/sendline/internal/identity"
)

func (s *Server) identityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, "Identity not found", err)
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "Identity already registered", err)
	case errors.Is(err, identity.ErrInvalid):
		writeError(w, http.StatusBadRequest, "Invalid identity", err)
	default:
		s.logger.Error("Identity operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Identity store error", err)
	}
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Identities.List(r.Context())
	if err != nil {
		s.identityError(w, err)
		return
	}
	if r.URL.Query().Get("eligible") == "true" {
		eligible := list[:0]
		for _, si := range list {
			if si.Eligible(1) {
				eligible = append(eligible, si)
			}
		}
		list = eligible
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"identities": list, "count": len(list)})
}

type registerRequest struct {
	Address   string `json:"address"`
	Hostname  string `json:"hostname"`
	Pool      string `json:"pool"`
	WarmupDay int    `json:"warmup_day"`
	Priority  int    `json:"priority"`
}

func (s *Server) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	si, err := s.deps.Identities.Register(r.Context(), identity.SendingIdentity{
		Address:   req.Address,
		Hostname:  req.Hostname,
		Pool:      req.Pool,
		WarmupDay: req.WarmupDay,
		Priority:  req.Priority,
	})
	if err != nil {
		s.identityError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, si)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	si, err := s.deps.Identities.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.identityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, si)
}

// resolveID accepts an id or an address in the path
func (s *Server) resolveID(w http.ResponseWriter, r *http.Request) (string, bool) {
	si, err := s.deps.Identities.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.identityError(w, err)
		return "", false
	}
	return si.ID, true
}

func (s *Server) respondIdentity(w http.ResponseWriter, r *http.Request, id string) {
	si, err := s.deps.Identities.Get(r.Context(), id)
	if err != nil {
		s.identityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, si)
}

func (s *Server) handleBlacklist(blacklisted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.resolveID(w, r)
		if !ok {
			return
		}
		if err := s.deps.Identities.ToggleBlacklist(r.Context(), id, blacklisted); err != nil {
			s.identityError(w, err)
			return
		}
		s.respondIdentity(w, r, id)
	}
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Identities.Disable(r.Context(), id); err != nil {
		s.identityError(w, err)
		return
	}
	s.respondIdentity(w, r, id)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Identities.Enable(r.Context(), id); err != nil {
		s.identityError(w, err)
		return
	}
	s.respondIdentity(w, r, id)
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	var req struct {
		Priority int `json:"priority"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := s.deps.Identities.SetPriority(r.Context(), id, req.Priority); err != nil {
		s.identityError(w, err)
		return
	}
	s.respondIdentity(w, r, id)
}

func (s *Server) handleStartWarmup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Identities.StartWarmup(r.Context(), id); err != nil {
		s.identityError(w, err)
		return
	}
	s.respondIdentity(w, r, id)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	day, limit, status, err := s.deps.Identities.AdvanceWarmupDay(r.Context(), id, time.Now())
	if err != nil {
		s.identityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          id,
		"warmup_day":  day,
		"daily_limit": limit,
		"status":      status,
	})
}

func (s *Server) handleRollover(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Identities.RolloverDaily(r.Context(), time.Now())
	if err != nil {
		s.identityError(w, err)
		return
	}
	if _, err := s.deps.Identities.RolloverHourly(r.Context(), time.Now()); err != nil {
		s.identityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": s.deps.Identities.Schedule().Steps()})
}
