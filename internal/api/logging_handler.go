package api

import (
	"net/http"

	"github.com/busybox42/sendline/internal/logging"
)

type logLevelBody struct {
	Level         string `json:"level,omitempty"`
	CurrentLevel  string `json:"current_level"`
	PreviousLevel string `json:"previous_level,omitempty"`
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, logLevelBody{
		CurrentLevel: logging.GetLevelManager().GetLevel().String(),
	})
}

// handleSetLogLevel switches the process-wide level without a restart
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var body logLevelBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	level, err := logging.StringToLevel(body.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, "level must be one of DEBUG, INFO, WARN, ERROR", err)
		return
	}

	lm := logging.GetLevelManager()
	prev := lm.GetLevel()
	lm.SetLevel(level)
	if prev != level {
		s.logger.Warn("Log level changed", "from", prev.String(), "to", level.String(), "remote", r.RemoteAddr)
	}
	writeJSON(w, http.StatusOK, logLevelBody{
		CurrentLevel:  level.String(),
		PreviousLevel: prev.String(),
	})
}
