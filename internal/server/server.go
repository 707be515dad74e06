// Package server constructs and runs the relay: four TCP channel listeners,
// an HTTP listener for health, metrics and WebSocket access, and the
// background sweeper that enforces ring and transfer timeouts.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/call"
	"github.com/Tyrowin/relaychat/internal/clock"
	"github.com/Tyrowin/relaychat/internal/groupcall"
	"github.com/Tyrowin/relaychat/internal/presence"
	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/Tyrowin/relaychat/internal/transfer"
)

// Server is the relay. Shared state lives in independent components, each
// guarded by its own mutex; no component lock is held while another
// component, the store or a connection is called.
type Server struct {
	cfg     Config
	store   store.Gateway
	metrics Collector
	clock   clock.TimeProvider
	origins originPolicy

	registry   *Registry
	presence   *presence.Tracker
	calls      *call.Manager
	groupCalls *groupcall.Registry
	transfers  *transfer.Tracker
	handlers   [roleCount]map[string]handlerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	listeners  [roleCount]net.Listener
	httpServer *http.Server
	httpAddr   net.Addr
	log        *logrus.Entry
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics sets the metrics collector. The default is a fresh
// PrometheusCollector.
func WithMetrics(c Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithTimeProvider sets the clock used for calls, presence and transfers.
func WithTimeProvider(tp clock.TimeProvider) Option {
	return func(s *Server) { s.clock = clock.OrDefault(tp) }
}

// New builds a Server from cfg backed by gw.
func New(cfg Config, gw store.Gateway, opts ...Option) *Server {
	cfg = sanitizeConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		store:      gw,
		clock:      clock.DefaultTimeProvider{},
		origins:    newOriginPolicy(cfg.AllowedOrigins),
		registry:   NewRegistry(),
		presence:   presence.NewTracker(),
		calls:      call.NewManager(),
		groupCalls: groupcall.NewRegistry(),
		transfers:  transfer.NewTracker(),
		ctx:        ctx,
		cancel:     cancel,
		log:        logrus.WithField("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewPrometheusCollector()
	}

	s.presence.SetTimeProvider(s.clock)
	s.calls.SetTimeProvider(s.clock)
	s.groupCalls.SetTimeProvider(s.clock)
	s.transfers.SetTimeProvider(s.clock)
	s.handlers = s.handlerTables()
	return s
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Metrics returns the metrics collector.
func (s *Server) Metrics() Collector {
	return s.metrics
}

// Start opens every listener and begins serving. It returns once all
// listeners are bound; serving continues until Shutdown.
func (s *Server) Start() error {
	addrs := [roleCount]string{
		RoleControl:   s.cfg.Listen.Control,
		RoleScreen:    s.cfg.Listen.Screen,
		RoleGroupChat: s.cfg.Listen.GroupChat,
		RoleGroupCall: s.cfg.Listen.GroupCall,
	}

	var lc net.ListenConfig
	for role, addr := range addrs {
		ln, err := lc.Listen(s.ctx, "tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen %s on %s: %w", Role(role), addr, err)
		}
		s.mu.Lock()
		s.listeners[role] = ln
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"role": Role(role).String(),
			"addr": ln.Addr().String(),
		}).Info("Channel listening")
	}

	httpLn, err := lc.Listen(s.ctx, "tcp", s.cfg.Listen.HTTP)
	if err != nil {
		s.closeListeners()
		return fmt.Errorf("listen http on %s: %w", s.cfg.Listen.HTTP, err)
	}
	httpServer := CreateServer(s.cfg.Listen.HTTP, s.SetupRoutes())
	s.mu.Lock()
	s.httpServer = httpServer
	s.httpAddr = httpLn.Addr()
	s.mu.Unlock()

	for role := range addrs {
		s.wg.Add(1)
		go func(role Role, ln net.Listener) {
			defer s.wg.Done()
			s.acceptLoop(role, ln)
		}(Role(role), s.listeners[role])
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.log.WithField("addr", httpLn.Addr().String()).Info("HTTP listening")
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server stopped")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.runSweeper()
	}()
	return nil
}

// Addr returns the bound address of a channel listener, once started.
func (s *Server) Addr(role Role) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role >= roleCount || s.listeners[role] == nil {
		return nil
	}
	return s.listeners[role].Addr()
}

// HTTPAddr returns the bound HTTP address, once started.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

func (s *Server) acceptLoop(role Role, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).WithField("role", role.String()).Warn("Accept failed")
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		s.Attach(role, nc)
	}
}

// Attach serves an already accepted stream connection on role. It is used by
// the listeners and lets tests drive the server over net.Pipe.
func (s *Server) Attach(role Role, nc net.Conn) *Conn {
	t := newTCPTransport(nc, s.cfg.Limits, s.cfg.Timeouts.Idle, s.cfg.Timeouts.Write)
	return s.serve(role, t)
}

func (s *Server) serve(role Role, t transport) *Conn {
	c := newConn(s, role, t)
	total := s.registry.Add(c)
	s.metrics.ConnectionOpened(role.String())
	c.logger().WithField("total", total).Info("Connection registered")

	if s.ctx.Err() != nil {
		c.Close()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
	return c
}

// disconnect runs once per connection when its read pump ends.
func (s *Server) disconnect(c *Conn) {
	c.Close()
	user := c.User()
	wasBound := s.registry.Remove(c)
	s.metrics.ConnectionClosed(c.role.String())
	c.logger().WithField("total", s.registry.Len()).Info("Connection unregistered")

	if !wasBound {
		return
	}
	switch c.role {
	case RoleControl:
		if err := s.endSession(user); err != nil {
			s.reportDrop(c, err)
		}
	case RoleGroupCall:
		s.leaveGroupCalls(user)
	case RoleScreen:
		s.abortTransfers(user, transfer.KindScreen, transfer.KindGroupScreen)
	case RoleGroupChat:
		s.abortTransfers(user, transfer.KindGroupFile)
	}
}

// safeSend queues f on c and reports whether it was accepted. A refused
// send closes c, whose own cleanup then runs; the failure never reaches the
// sender of the original command.
func (s *Server) safeSend(c *Conn, f protocol.Frame) bool {
	if c == nil {
		return false
	}
	if err := c.Send(f); err != nil {
		s.removeFailedConns([]*Conn{c}, err)
		return false
	}
	return true
}

// sendTo delivers f to the connection user has bound on role, if any.
func (s *Server) sendTo(role Role, user string, f protocol.Frame) bool {
	c, ok := s.registry.Lookup(role, user)
	if !ok {
		return false
	}
	return s.safeSend(c, f)
}

// removeFailedConns closes connections that could not take a frame.
func (s *Server) removeFailedConns(conns []*Conn, cause error) {
	for _, c := range conns {
		if errors.Is(cause, ErrConnClosed) {
			continue
		}
		c.logger().WithError(cause).Warn("Dropping connection after failed send")
		s.metrics.CommandDropped(reasonOf(cause))
		c.Close()
	}
}

// dbContext bounds one store call.
func (s *Server) dbContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.Database.QueryTimeout)
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ln := range s.listeners {
		if ln != nil {
			_ = ln.Close()
			s.listeners[i] = nil
		}
	}
}

// Shutdown stops accepting, closes every connection and waits for all
// goroutines, or until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Initiating server shutdown...")
	s.cancel()
	s.closeListeners()

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	conns := s.registry.getConnSnapshot()
	for _, c := range conns {
		c.Close()
	}
	s.log.WithField("connections", len(conns)).Info("Closed client connections")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Server shutdown completed successfully")
		return nil
	case <-ctx.Done():
		s.log.Warn("Server shutdown timeout reached, some goroutines may still be running")
		return ctx.Err()
	}
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
