// Package opsroutes implements the Dockerflow-style operational endpoints
// both node binaries expose: /status, /health (aliased as /__heartbeat__),
// /__lbheartbeat__, /__version__, and /__error__. Grounded on
// original_source/autoconnect/autoconnect-web/src/dockerflow.rs, wired onto
// a chi.Router the way internal/routing wires C8 (go-chi/chi/v5 +
// middleware.RequestID/Recoverer from
// bobbydeveaux-starbucks-mugs/internal/server/rest/router.go).
package opsroutes

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
)

// Server holds the dependencies the operational routes need.
type Server struct {
	Store       store.Store
	Version     string
	ServiceName string
	ConnCount   func() int // nil on the endpoint node, which has no live connections
	Log         zerolog.Logger
}

// NewRouter mounts the operational routes onto a fresh chi.Router. Intended
// to be mounted at the root of each node's HTTP surface (health checks must
// never require auth).
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", srv.handleStatus)
	r.Get("/health", srv.handleHealth)
	r.Get("/__heartbeat__", srv.handleHealth)
	r.Get("/__lbheartbeat__", srv.handleLBHeartbeat)
	r.Get("/__version__", srv.handleVersion)
	r.Get("/__error__", srv.handleErrorCheck)

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"version": s.Version, "status": "OK"}
	if err := s.Store.HealthCheck(r.Context()); err != nil {
		status["status"] = "ERROR"
		status["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"version": s.Version}
	if err := s.Store.HealthCheck(r.Context()); err != nil {
		s.Log.Error().Err(err).Msg("health check: store unreachable")
		health["status"] = "ERROR"
		if s.ConnCount != nil {
			health["connections"] = s.ConnCount()
		}
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	health["status"] = "OK"
	if s.ConnCount != nil {
		health["connections"] = s.ConnCount()
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleLBHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": s.ServiceName, "version": s.Version})
}

// handleErrorCheck deliberately logs an Error-level event so the alerting
// pipeline (Sentry/PagerDuty equivalents) can be exercised in staging,
// matching the Rust route's "log_check" intent, minus the panic: this
// module does not crash a worker goroutine just to prove the logger works.
func (s *Server) handleErrorCheck(w http.ResponseWriter, r *http.Request) {
	s.Log.Error().Str("route", "__error__").Msg("test critical message")
	w.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
