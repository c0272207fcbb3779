package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qualys/iacguard/internal/config"
	"github.com/qualys/iacguard/internal/engine"
	"github.com/qualys/iacguard/internal/parsers"
	"github.com/qualys/iacguard/internal/policy"
	"github.com/qualys/iacguard/internal/reports"
	"github.com/qualys/iacguard/internal/store"
)

type Server struct {
	cfg      *config.Config
	router   *chi.Mux
	registry *parsers.Registry
	engine   *engine.Engine
	library  *policy.Library
	source   policy.Source
	store    *store.Store
	reporter *reports.Generator
	http     *http.Server
	logger   *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPolicySource enables the reload endpoint by telling the server
// where replacement policies come from.
func WithPolicySource(src policy.Source) ServerOption {
	return func(s *Server) {
		s.source = src
	}
}

// WithStore enables evaluation history persistence and the readiness
// database check.
func WithStore(st *store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

func NewServer(cfg *config.Config, registry *parsers.Registry, eng *engine.Engine, library *policy.Library, reporter *reports.Generator, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		registry: registry,
		engine:   eng,
		library:  library,
		reporter: reporter,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/plans/parse", s.parsePlan)
		r.Post("/evaluate", s.evaluateDocument)
		r.Get("/evaluations", s.listEvaluations)

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", s.listPolicies)
			r.Post("/reload", s.reloadPolicies)
			r.Get("/{policyID}", s.getPolicy)
		})

		r.Post("/reports", s.generateReport)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total         int    `json:"total,omitempty"`
	PolicyVersion uint64 `json:"policy_version,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"policy_version": s.library.Current().Version(),
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
