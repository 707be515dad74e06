package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/clock"
)

// Manager tracks every ringing or active call. Each user maps to at most one
// call. All methods are safe for concurrent use and return copies.
type Manager struct {
	mu           sync.Mutex
	byUser       map[string]*Call
	timeProvider clock.TimeProvider
}

// NewManager returns an empty Manager using the system clock.
func NewManager() *Manager {
	return &Manager{
		byUser:       make(map[string]*Call),
		timeProvider: clock.DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the time provider for deterministic testing.
// If tp is nil, the system clock is used.
func (m *Manager) SetTimeProvider(tp clock.TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeProvider = clock.OrDefault(tp)
}

// Ring creates a ringing call from caller to callee.
func (m *Manager) Ring(caller, callee string) (Call, error) {
	if caller == callee {
		return Call{}, ErrSelfCall
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.byUser[caller]; busy {
		return Call{}, fmt.Errorf("%w: %s", ErrBusy, caller)
	}
	if _, busy := m.byUser[callee]; busy {
		return Call{}, fmt.Errorf("%w: %s", ErrBusy, callee)
	}
	c := &Call{
		Caller:    caller,
		Callee:    callee,
		State:     StateRinging,
		StartedAt: m.timeProvider.Now(),
	}
	m.byUser[caller] = c
	m.byUser[callee] = c
	return *c, nil
}

// Accept moves the ringing call from caller to callee to Active and records
// the accept time.
func (m *Manager) Accept(callee, caller string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookup(caller, callee)
	if err != nil {
		return Call{}, err
	}
	if c.Callee != callee || c.State != StateRinging {
		return Call{}, fmt.Errorf("%w: accept from %s", ErrInvalidTransition, c.State)
	}
	c.State = StateActive
	c.AcceptedAt = m.timeProvider.Now()
	return *c, nil
}

// Reject declines the ringing call from caller to callee and removes it.
func (m *Manager) Reject(callee, caller string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookup(caller, callee)
	if err != nil {
		return Call{}, err
	}
	if c.Callee != callee || c.State != StateRinging {
		return Call{}, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, c.State)
	}
	c.State = StateRejected
	c.EndedAt = m.timeProvider.Now()
	m.remove(c)
	return *c, nil
}

// End hangs up the call between user and peer. A negative reported duration
// means the client did not report one; the duration is then measured from
// the accept time, or zero for a call that never became active.
func (m *Manager) End(user, peer string, reported time.Duration) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookup(user, peer)
	if err != nil {
		return Call{}, err
	}
	m.finish(c, reported)
	return *c, nil
}

// EndAll hangs up every call involving user, as on disconnect.
func (m *Manager) EndAll(user string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byUser[user]
	if !ok {
		return nil
	}
	m.finish(c, -1)
	return []Call{*c}
}

// Expire ends every call that has been ringing for longer than timeout.
func (m *Manager) Expire(timeout time.Duration) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Call
	for user, c := range m.byUser {
		if user != c.Caller || c.State != StateRinging {
			continue
		}
		if m.timeProvider.Since(c.StartedAt) < timeout {
			continue
		}
		m.finish(c, 0)
		expired = append(expired, *c)
	}
	return expired
}

// Get returns the call user is part of, if any.
func (m *Manager) Get(user string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byUser[user]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// Partner returns the other party of user's active call.
func (m *Manager) Partner(user string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byUser[user]
	if !ok || c.State != StateActive {
		return "", false
	}
	return c.Peer(user), true
}

// Snapshot returns every tracked call once.
func (m *Manager) Snapshot() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Call, 0, len(m.byUser)/2)
	for user, c := range m.byUser {
		if user == c.Caller {
			calls = append(calls, *c)
		}
	}
	return calls
}

// Len returns the number of tracked calls.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser) / 2
}

func (m *Manager) lookup(user, peer string) (*Call, error) {
	c, ok := m.byUser[user]
	if !ok || !c.Involves(peer) || user == peer {
		return nil, fmt.Errorf("%w: %s and %s", ErrNoCall, user, peer)
	}
	return c, nil
}

func (m *Manager) finish(c *Call, reported time.Duration) {
	now := m.timeProvider.Now()
	switch {
	case reported >= 0:
		c.Duration = reported
	case c.State == StateActive:
		c.Duration = now.Sub(c.AcceptedAt)
	default:
		c.Duration = 0
	}
	c.State = StateEnded
	c.EndedAt = now
	m.remove(c)
}

func (m *Manager) remove(c *Call) {
	delete(m.byUser, c.Caller)
	delete(m.byUser, c.Callee)
}
