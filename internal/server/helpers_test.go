package server

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/clock"
	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/store"
)

const (
	expectTimeout = 2 * time.Second
	quietPeriod   = 150 * time.Millisecond
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func init() {
	logrus.SetLevel(logrus.ErrorLevel)
}

type testEnv struct {
	srv     *Server
	store   *store.Memory
	clock   *clock.Manual
	metrics *PrometheusCollector
}

// newTestEnv builds an unstarted server over a seeded in-memory store:
// alice is friends with bob and carol; group 1 has alice (creator), bob
// (member) and carol (admin); dave knows nobody.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := *NewConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	mem := store.NewMemory()
	mem.AddUser("alice", "bob", "carol", "dave")
	mem.AddFriendship("alice", "bob")
	mem.AddFriendship("alice", "carol")
	mem.AddGroupMember(1, "alice", store.RoleCreator)
	mem.AddGroupMember(1, "bob", store.RoleMember)
	mem.AddGroupMember(1, "carol", store.RoleAdmin)

	clk := clock.NewManual(testStart)
	metrics := NewPrometheusCollector()
	srv := New(cfg, mem, WithTimeProvider(clk), WithMetrics(metrics))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testEnv{srv: srv, store: mem, clock: clk, metrics: metrics}
}

// testClient is the far end of a net.Pipe attached to the server.
type testClient struct {
	t      *testing.T
	env    *testEnv
	role   Role
	conn   net.Conn
	server *Conn
	frames chan protocol.Frame
	// readMu is held by stall to stop the reader between frames.
	readMu sync.Mutex
}

func (e *testEnv) connect(t *testing.T, role Role) *testClient {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	tc := &testClient{
		t:      t,
		env:    e,
		role:   role,
		conn:   clientSide,
		server: e.srv.Attach(role, serverSide),
		frames: make(chan protocol.Frame, 1024),
	}

	go func() {
		defer close(tc.frames)
		dec := protocol.NewDecoder(clientSide, 1<<20, 1<<20)
		for {
			tc.readMu.Lock()
			tc.readMu.Unlock()
			f, err := dec.Next()
			if err != nil {
				if protocol.IsRecoverable(err) {
					continue
				}
				return
			}
			tc.frames <- f
		}
	}()

	t.Cleanup(func() { _ = clientSide.Close() })
	return tc
}

// login connects on role and authenticates as user, waiting until the
// server has bound the connection.
func (e *testEnv) login(t *testing.T, role Role, user string) *testClient {
	t.Helper()

	tc := e.connect(t, role)
	switch role {
	case RoleControl:
		tc.send(protocol.TagStatusOnline + ":" + user)
		require.Eventually(t, func() bool { return e.srv.presence.IsOnline(user) && tc.bound(user) },
			expectTimeout, 5*time.Millisecond, "control login of %s", user)
	case RoleScreen:
		tc.send(protocol.TagScreenAuth + ":" + user)
		require.Eventually(t, func() bool { return tc.bound(user) }, expectTimeout, 5*time.Millisecond)
	case RoleGroupChat:
		tc.send(protocol.TagGroupAuth + ":" + user)
		tc.expect(protocol.TagGroupAuthSuccess)
	case RoleGroupCall:
		tc.send(protocol.TagGroupCallAuth + ":" + user)
		tc.expect(protocol.TagGroupCallAuthSuccess)
	}
	return tc
}

func (c *testClient) bound(user string) bool {
	conn, ok := c.env.srv.registry.Lookup(c.role, user)
	return ok && conn == c.server
}

func (c *testClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(expectTimeout)))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) sendBinary(payload []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(expectTimeout)))
	_, err := protocol.Binary(payload).WriteTo(c.conn)
	require.NoError(c.t, err)
}

// next returns the next frame, skipping presence updates unless
// keepStatus is set.
func (c *testClient) next(keepStatus bool) (protocol.Frame, bool) {
	deadline := time.After(expectTimeout)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return protocol.Frame{}, false
			}
			if !keepStatus && !f.IsBinary() && strings.HasPrefix(f.Line, protocol.TagStatusUpdate+":") {
				continue
			}
			return f, true
		case <-deadline:
			return protocol.Frame{}, false
		}
	}
}

// expect waits for the next line and checks it equals want.
func (c *testClient) expect(want string) {
	c.t.Helper()
	f, ok := c.next(strings.HasPrefix(want, protocol.TagStatusUpdate+":"))
	require.True(c.t, ok, "timed out waiting for %q", want)
	require.False(c.t, f.IsBinary(), "got binary frame, want %q", want)
	require.Equal(c.t, want, f.Line)
}

// expectPrefix waits for the next line and checks its prefix.
func (c *testClient) expectPrefix(prefix string) string {
	c.t.Helper()
	f, ok := c.next(strings.HasPrefix(prefix, protocol.TagStatusUpdate))
	require.True(c.t, ok, "timed out waiting for %q", prefix)
	require.False(c.t, f.IsBinary(), "got binary frame, want %q", prefix)
	require.True(c.t, strings.HasPrefix(f.Line, prefix), "got %q, want prefix %q", f.Line, prefix)
	return f.Line
}

func (c *testClient) expectBinary(want []byte) {
	c.t.Helper()
	f, ok := c.next(false)
	require.True(c.t, ok, "timed out waiting for binary frame")
	require.True(c.t, f.IsBinary(), "got line %q, want binary", f.Line)
	require.Equal(c.t, want, f.Payload)
}

// expectNone checks that nothing but presence updates arrives for a while.
func (c *testClient) expectNone() {
	c.t.Helper()
	deadline := time.After(quietPeriod)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			if !f.IsBinary() && strings.HasPrefix(f.Line, protocol.TagStatusUpdate+":") {
				continue
			}
			c.t.Fatalf("unexpected frame: line=%q binary=%d bytes", f.Line, len(f.Payload))
		case <-deadline:
			return
		}
	}
}

// sync round-trips a STATUS_REQUEST on a control client so that every
// command sent before it has been handled.
func (c *testClient) sync(self, friend string) {
	c.t.Helper()
	c.send(protocol.TagStatusRequest + ":" + self + ":" + friend)
	c.expectPrefix(protocol.TagStatusResponse + ":" + friend + ":")
}

// stall stops reading from the pipe once the current frame is in, so the
// server's writes to this client block like those to a peer that hung.
func (c *testClient) stall() {
	c.readMu.Lock()
	c.t.Cleanup(c.readMu.Unlock)
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func (c *testClient) waitClosed() {
	c.t.Helper()
	select {
	case <-c.server.Done():
	case <-time.After(expectTimeout):
		c.t.Fatal("server did not close the connection")
	}
}
