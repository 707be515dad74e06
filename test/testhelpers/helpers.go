// Package testhelpers provides common utilities and helper functions for testing the relay server.
//
// This package contains reusable test utilities shared by the integration tests. It starts a
// server on ephemeral ports over a seeded in-memory store, dials the TCP channels and the
// WebSocket endpoints, and reads protocol frames with deadlines so tests never hang.
package testhelpers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
)

// TestOrigin is the origin every helper sends on WebSocket handshakes.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every blocking read made by the helpers.
const ReadTimeout = 3 * time.Second

// SeedStore returns an in-memory store where alice is friends with bob and
// carol, and group 1 has alice (creator), bob (member) and carol (admin).
func SeedStore() *store.Memory {
	mem := store.NewMemory()
	mem.AddUser("alice", "bob", "carol", "dave")
	mem.AddFriendship("alice", "bob")
	mem.AddFriendship("alice", "carol")
	mem.AddGroupMember(1, "alice", store.RoleCreator)
	mem.AddGroupMember(1, "bob", store.RoleMember)
	mem.AddGroupMember(1, "carol", store.RoleAdmin)
	return mem
}

// StartServer starts a relay on loopback ephemeral ports. customize may
// adjust the configuration before the server is built. The server is shut
// down when the test ends.
func StartServer(t *testing.T, customize func(cfg *server.Config)) (*server.Server, *store.Memory) {
	t.Helper()
	logrus.SetLevel(logrus.ErrorLevel)

	cfg := server.NewConfig()
	cfg.Listen = server.ListenConfig{
		Control:   "127.0.0.1:0",
		Screen:    "127.0.0.1:0",
		GroupChat: "127.0.0.1:0",
		GroupCall: "127.0.0.1:0",
		HTTP:      "127.0.0.1:0",
	}
	if customize != nil {
		customize(cfg)
	}

	mem := SeedStore()
	srv := server.New(*cfg, mem)
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, mem
}

// HTTPURL returns the base http:// URL of a started server.
func HTTPURL(srv *server.Server) string {
	return "http://" + srv.HTTPAddr().String()
}

// WebSocketURL returns the ws:// URL of the endpoint for role.
func WebSocketURL(srv *server.Server, role string) string {
	return "ws://" + srv.HTTPAddr().String() + "/ws/" + role
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
// It fails the test with a descriptive error message if the content types don't match.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ReadWebSocketLine reads one text message with a deadline.
func ReadWebSocketLine(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return "", err
	}
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if mt != websocket.TextMessage {
		return "", fmt.Errorf("expected text message, got type %d", mt)
	}
	return string(data), nil
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Client is a line-protocol client on one of the TCP channels.
type Client struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
}

// Dial connects to the listener of role.
func Dial(t *testing.T, srv *server.Server, role server.Role) *Client {
	t.Helper()
	addr := srv.Addr(role)
	if addr == nil {
		t.Fatalf("No listener for role %s", role)
	}
	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", role, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &Client{
		t:    t,
		conn: conn,
		dec:  protocol.NewDecoder(conn, 1<<20, 1<<20),
	}
}

// Login dials role and authenticates as user. For the control channel it
// waits until presence reports the user online.
func Login(t *testing.T, srv *server.Server, role server.Role, user string) *Client {
	t.Helper()
	c := Dial(t, srv, role)
	switch role {
	case server.RoleControl:
		c.Send(protocol.TagStatusOnline + ":" + user)
		WaitFor(t, func() bool { return sessionHasChannel(srv, user, "control") })
	case server.RoleScreen:
		c.Send(protocol.TagScreenAuth + ":" + user)
		WaitFor(t, func() bool { return sessionHasChannel(srv, user, "screen") })
	case server.RoleGroupChat:
		c.Send(protocol.TagGroupAuth + ":" + user)
		c.Expect(protocol.TagGroupAuthSuccess)
	case server.RoleGroupCall:
		c.Send(protocol.TagGroupCallAuth + ":" + user)
		c.Expect(protocol.TagGroupCallAuthSuccess)
	}
	return c
}

func sessionHasChannel(srv *server.Server, user, channel string) bool {
	for _, s := range srv.Sessions() {
		if s.User != user {
			continue
		}
		for _, ch := range s.Channels {
			if ch == channel {
				return true
			}
		}
	}
	return false
}

// WaitFor polls cond until it holds or ReadTimeout passes.
func WaitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(ReadTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

// Send writes one command line.
func (c *Client) Send(line string) {
	c.t.Helper()
	c.SendRaw([]byte(line + "\n"))
}

// SendRaw writes bytes as they are.
func (c *Client) SendRaw(data []byte) {
	c.t.Helper()
	if err := c.conn.SetWriteDeadline(time.Now().Add(ReadTimeout)); err != nil {
		c.t.Fatalf("Failed to set write deadline: %v", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("Failed to write: %v", err)
	}
}

// SendBinary writes a BINARY frame.
func (c *Client) SendBinary(payload []byte) {
	c.t.Helper()
	if _, err := protocol.Binary(payload).WriteTo(c.conn); err != nil {
		c.t.Fatalf("Failed to write binary frame: %v", err)
	}
}

// Next reads the next frame, skipping STATUS_UPDATE lines.
func (c *Client) Next() (protocol.Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return protocol.Frame{}, err
	}
	for {
		f, err := c.dec.Next()
		if err != nil {
			return protocol.Frame{}, err
		}
		if !f.IsBinary() && strings.HasPrefix(f.Line, protocol.TagStatusUpdate+":") {
			continue
		}
		return f, nil
	}
}

// Expect reads the next line and fails unless it equals want.
func (c *Client) Expect(want string) {
	c.t.Helper()
	f, err := c.Next()
	if err != nil {
		c.t.Fatalf("Waiting for %q: %v", want, err)
	}
	if f.IsBinary() || f.Line != want {
		c.t.Fatalf("Expected %q, got line=%q binary=%d bytes", want, f.Line, len(f.Payload))
	}
}

// ExpectNone fails if a frame other than a presence update arrives within d.
func (c *Client) ExpectNone(d time.Duration) {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		c.t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		f, err := c.dec.Next()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if err != nil {
			c.t.Fatalf("Unexpected error while waiting for silence: %v", err)
		}
		if !f.IsBinary() && strings.HasPrefix(f.Line, protocol.TagStatusUpdate+":") {
			continue
		}
		c.t.Fatalf("Expected no frame, got line=%q binary=%d bytes", f.Line, len(f.Payload))
	}
}

// ExpectClosed fails unless the server closes the connection.
func (c *Client) ExpectClosed() {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		c.t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, err := c.dec.Next()
		if err == nil || protocol.IsRecoverable(err) {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatal("Connection still open")
		}
		return
	}
}

// Close closes the client side of the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
