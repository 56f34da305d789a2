package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":                 "healthy",
		"uptime_seconds":         int64(time.Since(s.startTime).Seconds()),
		"active_sessions":        s.sessions.CountSessions(),
		"authenticated_sessions": s.sessions.CountAuthenticated(),
	}

	if count, err := s.users.Count(); err == nil {
		health["registered_accounts"] = count
	} else {
		health["status"] = "degraded"
	}

	if count, err := s.history.Count(); err == nil {
		health["logged_messages"] = count
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
