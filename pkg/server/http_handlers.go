package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
)

// directoryEntryJSON is one nickname in /directory.json
type directoryEntryJSON struct {
	Nickname string `json:"nickname"`
	Address  string `json:"address"`
}

func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/directory.json", s.DirectoryJSONHandler)
	mux.HandleFunc("/sessions.json", s.SessionsJSONHandler)
	mux.HandleFunc("/presence.json", s.PresenceJSONHandler)
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// DirectoryJSONHandler serves a snapshot of the registry as JSON
func (s *Server) DirectoryJSONHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.Snapshot()
	entries := make([]directoryEntryJSON, 0, len(snapshot))
	for _, e := range snapshot {
		entries = append(entries, directoryEntryJSON{
			Nickname: e.Nickname,
			Address:  e.Addr.String(),
		})
	}

	writeJSON(w, map[string]interface{}{
		"users": entries,
		"count": len(entries),
	})
}

// SessionsJSONHandler serves the live session records from the audit store
func (s *Server) SessionsJSONHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "Session store not enabled on this server", http.StatusNotImplemented)
		return
	}

	sessions, err := s.db.ListSessions()
	if err != nil {
		errorLog.Printf("Error listing sessions for HTTP endpoint: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*database.Session{}
	}

	writeJSON(w, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// PresenceJSONHandler serves recent login/logout events, optionally for one
// nickname (?nickname=alice&limit=50)
func (s *Server) PresenceJSONHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "Session store not enabled on this server", http.StatusNotImplemented)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.db.ListPresence(r.URL.Query().Get("nickname"), limit)
	if err != nil {
		errorLog.Printf("Error listing presence for HTTP endpoint: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*database.PresenceEvent{}
	}

	writeJSON(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":           "healthy",
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
		"active_sessions":  s.sessions.CountSessions(),
		"registered_users": s.registry.Len(),
		"database_enabled": s.db != nil,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		errorLog.Printf("Error encoding JSON response: %v", err)
	}
}
