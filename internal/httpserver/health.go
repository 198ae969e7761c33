package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/tlsvpnd/internal/ipc"
)

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Sessions int    `json:"sessions"`
}

// SessionsResponse lists the active sessions
type SessionsResponse struct {
	Sessions []ipc.SessionEntry `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
	}
	if s.sessions != nil {
		resp.Sessions = len(s.sessions.Sessions())
	}
	writeJSON(w, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	resp := SessionsResponse{Sessions: []ipc.SessionEntry{}}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Sessions()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode response", "error", err)
	}
}
