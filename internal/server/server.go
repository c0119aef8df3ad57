// Package server exposes the REST API over the rule engine.
package server

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enpowerstack/rulesrv/internal/dag"
	"github.com/enpowerstack/rulesrv/internal/engine"
	"github.com/enpowerstack/rulesrv/internal/rule"
)

// Error codes returned in API error bodies.
const (
	codeRuleNotFound      = "RULE_NOT_FOUND"
	codeRuleAlreadyExists = "RULE_ALREADY_EXISTS"
	codeInvalidRuleFormat = "INVALID_RULE_FORMAT"
	codeInvalidCondition  = "INVALID_CONDITION"
	codeInvalidAction     = "INVALID_ACTION"
	codeGroupNotFound     = "GROUP_NOT_FOUND"
	codeExecutionFailed   = "EXECUTION_FAILED"
	codeStoreUnavailable  = "STORE_UNAVAILABLE"
	codeInternalError     = "INTERNAL_ERROR"
)

// Server routes API requests to the engine and store.
type Server struct {
	engine  *engine.Engine
	store   rule.Store
	log     *slog.Logger
	version string
	router  *chi.Mux
}

// New builds the server and its routes. The registry backs GET /metrics.
func New(eng *engine.Engine, store rule.Store, reg *prometheus.Registry, version string, log *slog.Logger) *Server {
	s := &Server{
		engine:  eng,
		store:   store,
		log:     log,
		version: version,
	}
	s.setupRoutes(reg)
	return s
}

func (s *Server) setupRoutes(reg *prometheus.Registry) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Post("/test", s.handleTestCondition)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/execute", s.handleExecuteRule)
				r.Get("/history", s.handleRuleHistory)
			})
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.handleListGroups)
			r.Post("/", s.handleCreateGroup)
			r.Get("/{groupId}", s.handleGetGroup)
			r.Delete("/{groupId}", s.handleDeleteGroup)
			r.Get("/{groupId}/rules", s.handleGroupRules)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.store.Ping(r.Context()) == nil
	status := "healthy"
	code := http.StatusOK
	if !connected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":          status,
		"version":         s.version,
		"store_connected": connected,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

// isNetworkError reports whether err carries a network failure, which for
// store calls means the backing database could not be reached.
func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// respondStoreError maps store and validation errors onto API error codes.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	var vErr *dag.ValidationError
	switch {
	case errors.Is(err, rule.ErrNotFound):
		respondError(w, http.StatusNotFound, codeRuleNotFound, err.Error())
	case errors.Is(err, rule.ErrGroupNotFound):
		respondError(w, http.StatusNotFound, codeGroupNotFound, err.Error())
	case errors.Is(err, rule.ErrConflict):
		respondError(w, http.StatusConflict, codeRuleAlreadyExists, err.Error())
	case errors.Is(err, engine.ErrInvalidCondition):
		respondError(w, http.StatusBadRequest, codeInvalidCondition, err.Error())
	case errors.Is(err, engine.ErrInvalidAction):
		respondError(w, http.StatusBadRequest, codeInvalidAction, err.Error())
	case errors.As(err, &vErr), errors.Is(err, rule.ErrInvalid):
		respondError(w, http.StatusBadRequest, codeInvalidRuleFormat, err.Error())
	case errors.Is(err, driver.ErrBadConn), isNetworkError(err):
		s.log.Error("rule store unreachable", "error", err)
		respondError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "rule store unreachable")
	default:
		s.log.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, codeInternalError, err.Error())
	}
}
