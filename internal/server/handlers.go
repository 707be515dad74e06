// Package server exposes HTTP handlers: WebSocket upgrades for every channel
// role, health checks, metrics and a session dump.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.origins.checkOrigin,
	}
}

// WebSocketHandler upgrades a request on /ws/{role} and serves the resulting
// connection exactly like a TCP connection accepted on that role's listener.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	role, err := ParseRole(mux.Vars(r)["role"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "WebSocketHandler",
			"remote":   r.RemoteAddr,
		}).WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	t := newWSTransport(conn, s.cfg.Limits, s.cfg.Timeouts.Pong, s.cfg.Timeouts.Write, r.RemoteAddr)
	s.serve(role, t)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "relaychat server is running!")
}

// SessionsHandler dumps the live session table as JSON.
func (s *Server) SessionsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Sessions()); err != nil {
		logrus.WithError(err).Warn("Error writing sessions response")
	}
}
