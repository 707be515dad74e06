// Package server wires HTTP handlers into a gorilla/mux router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures and returns the HTTP router with all application routes.
// It sets up handlers for health checks, metrics, the session dump and the
// per-role WebSocket endpoints.
func (s *Server) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/debug/sessions", s.SessionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws/{role}", s.WebSocketHandler)
	return r
}
