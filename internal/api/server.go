package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medrelay/internal/registry"
	"medrelay/internal/relay"
)

// Version reported by the health endpoint.
const Version = "1.0.0"

// Server exposes the administrative surface: session inspection and
// termination. No relay business logic lives here, only HTTP handling and
// JSON serialization.
type Server struct {
	registry *registry.Registry
	engine   *relay.Engine
	router   *http.ServeMux
	logger   zerolog.Logger
	started  time.Time
}

// NewServer creates the admin HTTP server.
func NewServer(reg *registry.Registry, engine *relay.Engine, logger zerolog.Logger) *Server {
	s := &Server{
		registry: reg,
		engine:   engine,
		router:   http.NewServeMux(),
		logger:   logger.With().Str("component", "api").Logger(),
		started:  time.Now(),
	}
	s.router.Handle("/api/sessions", s.corsMiddleware(http.HandlerFunc(s.handleSessions)))
	s.router.Handle("/api/sessions/", s.corsMiddleware(http.HandlerFunc(s.handleSessionByID)))
	s.router.Handle("/health", s.corsMiddleware(http.HandlerFunc(s.healthCheck)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type sessionSummary struct {
	ID               string `json:"id"`
	ParticipantCount int    `json:"participant_count"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ids := s.registry.Sessions()
		sessions := make([]sessionSummary, 0, len(ids))
		for _, id := range ids {
			sessions = append(sessions, sessionSummary{
				ID:               id,
				ParticipantCount: s.registry.Count(id),
			})
		}
		s.sendJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type closeSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	sessionID := parts[0]
	if sessionID == "" {
		s.sendError(w, "Session ID required", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) > 1 && parts[1] == "participants":
		s.listParticipants(w, sessionID)
	case r.Method == http.MethodDelete && len(parts) == 1:
		s.closeSession(w, r, sessionID)
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listParticipants(w http.ResponseWriter, sessionID string) {
	participants := s.registry.List(sessionID)
	if participants == nil {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":   sessionID,
		"participants": participants,
	})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	req := closeSessionRequest{}
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}
	if req.Reason == "" {
		req.Reason = "closed by administrator"
	}

	if s.registry.Count(sessionID) == 0 && len(s.registry.List(sessionID)) == 0 {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}

	closed := s.engine.CloseSession(sessionID, req.Reason)
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":         sessionID,
		"connections_closed": closed,
		"reason":             req.Reason,
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.registry.Stats()
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(s.started).String(),
		"stats":   stats,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, map[string]string{"error": message})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}
