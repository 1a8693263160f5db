// Package server exposes the capture pipeline and sync engine over a small
// JSON API consumed by the capture front end.
package server

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/billioG/reintegros/internal/expense"
	"github.com/billioG/reintegros/internal/syncer"
)

// SyncRunner is the sync engine surface the server needs
type SyncRunner interface {
	Run(ctx context.Context, reason syncer.Reason) (syncer.Result, error)
	LastResult() *syncer.Result
}

// ConnectivityChecker reports the committed online/offline state
type ConnectivityChecker interface {
	IsOnline() bool
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Server handles HTTP requests for expense capture and sync
type Server struct {
	service      *expense.Service
	engine       SyncRunner
	connectivity ConnectivityChecker
	basicAuth    BasicAuth
	mux          *http.ServeMux
}

// NewServer creates a new Server with a default mux
func NewServer(service *expense.Service, engine SyncRunner, connectivity ConnectivityChecker, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, engine, connectivity, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *expense.Service, engine SyncRunner, connectivity ConnectivityChecker, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:      service,
		engine:       engine,
		connectivity: connectivity,
		basicAuth:    basicAuth,
		mux:          mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Reintegros"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux.
// Routes must be registered from most specific to least specific.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/captures", s.requireAuth(s.handleCapture))
	s.mux.HandleFunc("GET /api/records/pending", s.requireAuth(s.handleListPending))
	s.mux.HandleFunc("GET /api/records", s.requireAuth(s.handleListRecords))
	s.mux.HandleFunc("POST /api/records", s.requireAuth(s.handleCreateRecord))
	s.mux.HandleFunc("POST /api/sync", s.requireAuth(s.handleSync))
	s.mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		})(w, r)
	}))
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
