package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/clock"
)

func newTestManager() (*Manager, *clock.Manual) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager()
	m.SetTimeProvider(clk)
	return m, clk
}

func TestRingAcceptEnd(t *testing.T) {
	m, clk := newTestManager()

	c, err := m.Ring("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, StateRinging, c.State)

	_, ok := m.Partner("alice")
	assert.False(t, ok, "ringing call has no audio partner")

	clk.Advance(2 * time.Second)
	c, err = m.Accept("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, StateActive, c.State)

	partner, ok := m.Partner("bob")
	require.True(t, ok)
	assert.Equal(t, "alice", partner)

	clk.Advance(83 * time.Second)
	c, err = m.End("bob", "alice", -1)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, c.State)
	assert.Equal(t, 83*time.Second, c.Duration)
	assert.Zero(t, m.Len())
}

func TestEndUsesReportedDuration(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Ring("alice", "bob")
	require.NoError(t, err)
	_, err = m.Accept("bob", "alice")
	require.NoError(t, err)

	c, err := m.End("alice", "bob", 7*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, c.Duration)
}

func TestBusy(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Ring("alice", "bob")
	require.NoError(t, err)

	_, err = m.Ring("carol", "bob")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = m.Ring("alice", "carol")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = m.Ring("dave", "dave")
	assert.ErrorIs(t, err, ErrSelfCall)
	assert.Equal(t, 1, m.Len())
}

func TestRejectRemovesCall(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Ring("alice", "bob")
	require.NoError(t, err)

	_, err = m.Accept("alice", "bob")
	assert.ErrorIs(t, err, ErrNoCall, "caller cannot accept their own call")

	c, err := m.Reject("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, c.State)
	assert.Zero(t, m.Len())

	_, err = m.End("alice", "bob", -1)
	assert.ErrorIs(t, err, ErrNoCall)
}

func TestAcceptTwiceIsInvalid(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Ring("alice", "bob")
	require.NoError(t, err)
	_, err = m.Accept("bob", "alice")
	require.NoError(t, err)

	_, err = m.Accept("bob", "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.Reject("bob", "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEndAll(t *testing.T) {
	m, clk := newTestManager()
	_, err := m.Ring("alice", "bob")
	require.NoError(t, err)
	_, err = m.Accept("bob", "alice")
	require.NoError(t, err)
	clk.Advance(10 * time.Second)

	ended := m.EndAll("bob")
	require.Len(t, ended, 1)
	assert.Equal(t, "alice", ended[0].Peer("bob"))
	assert.Equal(t, 10*time.Second, ended[0].Duration)
	assert.Empty(t, m.EndAll("bob"))
}

func TestExpireRinging(t *testing.T) {
	m, clk := newTestManager()
	_, err := m.Ring("alice", "bob")
	require.NoError(t, err)
	_, err = m.Ring("carol", "dave")
	require.NoError(t, err)
	_, err = m.Accept("dave", "carol")
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	assert.Empty(t, m.Expire(30*time.Second))

	clk.Advance(25 * time.Second)
	expired := m.Expire(30 * time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "alice", expired[0].Caller)
	assert.Zero(t, expired[0].Duration)
	assert.False(t, expired[0].WasAnswered())

	_, ok := m.Get("carol")
	assert.True(t, ok, "active calls never expire")
}
