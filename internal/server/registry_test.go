package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// idleConn builds a Conn whose pumps are never started.
func idleConn(t *testing.T, env *testEnv, role Role) *Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	cfg := env.srv.cfg
	return newConn(env.srv, role, newTCPTransport(a, cfg.Limits, 0, cfg.Timeouts.Write))
}

func TestRegistryBindAndLookup(t *testing.T) {
	env := newTestEnv(t)
	r := NewRegistry()
	ctl := idleConn(t, env, RoleControl)
	scr := idleConn(t, env, RoleScreen)

	assert.Equal(t, 1, r.Add(ctl))
	assert.Equal(t, 2, r.Add(scr))

	assert.Nil(t, r.Bind(ctl, "alice"))
	assert.Nil(t, r.Bind(scr, "alice"))

	got, ok := r.Lookup(RoleControl, "alice")
	require.True(t, ok)
	assert.Same(t, ctl, got)
	got, ok = r.Lookup(RoleScreen, "alice")
	require.True(t, ok)
	assert.Same(t, scr, got)
	_, ok = r.Lookup(RoleGroupChat, "alice")
	assert.False(t, ok)

	assert.Equal(t, []string{"alice"}, r.Users(RoleControl))
	assert.Len(t, r.Bound(RoleScreen), 1)
}

func TestRegistryRebindReturnsPrevious(t *testing.T) {
	env := newTestEnv(t)
	r := NewRegistry()
	first := idleConn(t, env, RoleControl)
	second := idleConn(t, env, RoleControl)
	r.Add(first)
	r.Add(second)

	r.Bind(first, "alice")
	assert.Nil(t, r.Bind(first, "alice"), "rebinding the same connection")
	assert.Same(t, first, r.Bind(second, "alice"))

	// the replaced connection no longer owns the session
	assert.False(t, r.Remove(first))
	assert.True(t, r.Remove(second))
	assert.Zero(t, r.Len())
}

func TestRegistryBindMovesConnectionToNewUser(t *testing.T) {
	env := newTestEnv(t)
	r := NewRegistry()
	c := idleConn(t, env, RoleControl)
	r.Add(c)

	r.Bind(c, "alice")
	r.Bind(c, "bob")

	_, ok := r.Lookup(RoleControl, "alice")
	assert.False(t, ok)
	assert.Equal(t, "bob", c.User())
}

func TestRegistryUnbind(t *testing.T) {
	env := newTestEnv(t)
	r := NewRegistry()
	c := idleConn(t, env, RoleControl)
	r.Add(c)
	r.Bind(c, "alice")

	assert.True(t, r.Unbind(c))
	assert.Empty(t, c.User())
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.Remove(c))
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"control":    RoleControl,
		"screen":     RoleScreen,
		"group_chat": RoleGroupChat,
		"group-chat": RoleGroupChat,
		"GROUP_CALL": RoleGroupCall,
	} {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRole("voice")
	assert.Error(t, err)
	assert.Equal(t, "unknown", roleCount.String())
}

func TestConnSendAfterClose(t *testing.T) {
	env := newTestEnv(t)
	c := idleConn(t, env, RoleControl)
	c.Close()
	assert.ErrorIs(t, c.Send(protocol.Text("x")), ErrConnClosed)
}

func TestConnSendBufferFull(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Limits.SendQueueSize = 1 })
	c := idleConn(t, env, RoleControl)
	require.NoError(t, c.Send(protocol.Text("one")))
	assert.ErrorIs(t, c.Send(protocol.Text("two")), ErrSendBufferFull)
}
