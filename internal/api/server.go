// Package api is the plain-HTTP surface of the relay: health and stats
// endpoints plus the static chat client assets. No relay logic lives here.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Stats sources, kept as small interfaces so the server does not depend on
// the concrete registries.
type ConnectionCounter interface {
	Count() int
}

type SessionCounter interface {
	Count() int
}

// Server serves /health, /stats, and the static client.
type Server struct {
	connections ConnectionCounter
	sessions    SessionCounter
	staticDir   string
	log         *zap.Logger
	router      *http.ServeMux
	started     time.Time
}

// NewServer creates the HTTP surface over the given counters.
func NewServer(connections ConnectionCounter, sessions SessionCounter, staticDir string, log *zap.Logger) *Server {
	s := &Server{
		connections: connections,
		sessions:    sessions,
		staticDir:   staticDir,
		log:         log,
		router:      http.NewServeMux(),
		started:     time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(http.HandlerFunc(s.healthCheck)))
	s.router.Handle("/stats", s.corsMiddleware(http.HandlerFunc(s.stats)))
	s.router.Handle("/", s.corsMiddleware(http.HandlerFunc(s.serveStatic)))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.connections.Count(),
		"users":       s.sessions.Count(),
	})
}

// serveStatic serves the chat client assets. The root document is always
// revalidated so client updates take effect on refresh.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path == "/" {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	}
	http.FileServer(http.Dir(s.staticDir)).ServeHTTP(w, r)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("response encoding failed", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, status int) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
