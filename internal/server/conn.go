// Package server manages individual relay connections, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// Role is the channel a connection was accepted on.
type Role uint8

const (
	RoleControl Role = iota
	RoleScreen
	RoleGroupChat
	RoleGroupCall
	roleCount
)

var roleNames = [roleCount]string{"control", "screen", "group_chat", "group_call"}

func (r Role) String() string {
	if r < roleCount {
		return roleNames[r]
	}
	return "unknown"
}

// ParseRole accepts the role names used in /ws/{role}. Dashes and
// underscores are interchangeable.
func ParseRole(s string) (Role, error) {
	s = strings.ReplaceAll(strings.ToLower(s), "-", "_")
	for i, name := range roleNames {
		if name == s {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel role %q", s)
}

// Conn is one accepted connection on any channel. Its username is unset
// until the first authenticating command binds it.
type Conn struct {
	id        string
	role      Role
	transport transport
	srv       *Server
	send      chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rateLimiter
	connected time.Time

	mu     sync.Mutex
	user   string
	closed bool
	joined map[int64]struct{}
	base   *logrus.Entry
	log    *logrus.Entry
}

func newConn(srv *Server, role Role, t transport) *Conn {
	id := uuid.NewString()
	base := logrus.WithFields(logrus.Fields{
		"conn_id": id,
		"role":    role.String(),
		"remote":  t.RemoteAddr(),
	})
	c := &Conn{
		id:        id,
		role:      role,
		transport: t,
		srv:       srv,
		send:      make(chan protocol.Frame, srv.cfg.Limits.SendQueueSize),
		done:      make(chan struct{}),
		connected: srv.clock.Now(),
		joined:    make(map[int64]struct{}),
		base:      base,
		log:       base,
	}
	if role == RoleControl || role == RoleGroupChat {
		c.limiter = newRateLimiter(srv.cfg.RateLimit.Burst, srv.cfg.RateLimit.RefillInterval)
	}
	return c
}

// ID returns the connection id used in logs.
func (c *Conn) ID() string { return c.id }

// Role returns the channel role of the connection.
func (c *Conn) Role() Role { return c.role }

// User returns the bound username, or "" before authentication.
func (c *Conn) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conn) logger() *logrus.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

func (c *Conn) setUser(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
	if user == "" {
		c.log = c.base
		return
	}
	c.log = c.base.WithField("user", user)
}

func (c *Conn) joinGroup(groupID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[groupID] = struct{}{}
}

func (c *Conn) leaveGroup(groupID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[groupID]
	delete(c.joined, groupID)
	return ok
}

func (c *Conn) hasJoined(groupID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[groupID]
	return ok
}

func (c *Conn) joinedGroups() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := make([]int64, 0, len(c.joined))
	for g := range c.joined {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups
}

// Send queues f for the write pump without blocking. A full queue means the
// peer cannot keep up; the caller treats that as a disconnect.
func (c *Conn) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the connection down. The read pump then runs cleanup.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger().WithError(err).Debug("Error closing connection")
		}
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// handleReadError logs the end of the read pump at a level matching how
// ordinary the failure is.
func (c *Conn) handleReadError(err error) {
	log := c.logger()
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.WithError(err).Warn("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Info("Client disconnected")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		log.Info("Client connection closed")
	case isTimeout(err):
		log.Info("Client connection timed out")
	default:
		log.WithError(err).Warn("Read error")
	}
}

// checkRateLimit verifies if the connection has exceeded rate limits
// and returns true if the command should be processed
func (c *Conn) checkRateLimit(tag string) bool {
	if c.limiter == nil || exemptFromRateLimit[tag] {
		return true
	}
	return c.limiter.allow()
}

func (c *Conn) readPump() {
	defer c.srv.disconnect(c)

	for {
		f, err := c.transport.ReadFrame()
		if err != nil {
			if protocol.IsRecoverable(err) {
				c.srv.reportDrop(c, err)
				continue
			}
			c.handleReadError(err)
			return
		}
		c.srv.dispatch(c, f)
	}
}

func (c *Conn) writePump() {
	pingPeriod := c.srv.cfg.Timeouts.Pong * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Conn) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case f := <-c.send:
		return c.writeFrames(f)
	case <-ticker.C:
		if err := c.transport.Ping(); err != nil {
			c.logger().WithError(err).Debug("Error writing ping")
			return false
		}
		return true
	case <-c.done:
		return false
	}
}

// writeFrames writes f and any frames already queued behind it, then flushes.
func (c *Conn) writeFrames(f protocol.Frame) bool {
	if err := c.transport.WriteFrame(f); err != nil {
		c.logWriteError(err)
		return false
	}
	n := len(c.send)
	for i := 0; i < n; i++ {
		if err := c.transport.WriteFrame(<-c.send); err != nil {
			c.logWriteError(err)
			return false
		}
	}
	if err := c.transport.Flush(); err != nil {
		c.logWriteError(err)
		return false
	}
	return true
}

func (c *Conn) logWriteError(err error) {
	if isExpectedCloseError(err) {
		return
	}
	c.logger().WithError(err).Warn("Write error")
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
