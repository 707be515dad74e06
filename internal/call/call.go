// Package call implements the one-to-one call state machine.
//
// A call moves Ringing -> Active -> Ended, or Ringing -> Rejected, or
// Ringing -> Ended when the caller hangs up or the ring times out. Nothing
// leaves Ended or Rejected; finished calls are removed from the Manager and
// returned to the caller as value snapshots.
package call

import (
	"errors"
	"time"
)

// State is the lifecycle state of a call.
type State uint8

const (
	// StateRinging means the callee has been signalled but has not answered.
	StateRinging State = iota
	// StateActive means the callee accepted and audio may flow.
	StateActive
	// StateRejected means the callee declined.
	StateRejected
	// StateEnded means either party hung up.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateRejected:
		return "rejected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy indicates one of the parties already has a ringing or active call.
	ErrBusy = errors.New("call: user already in a call")
	// ErrSelfCall indicates caller and callee are the same user.
	ErrSelfCall = errors.New("call: cannot call yourself")
	// ErrNoCall indicates there is no call between the given users.
	ErrNoCall = errors.New("call: no such call")
	// ErrInvalidTransition indicates the call is not in a state that allows
	// the requested transition.
	ErrInvalidTransition = errors.New("call: invalid state transition")
)

// Call is a snapshot of a one-to-one call.
type Call struct {
	Caller     string
	Callee     string
	State      State
	StartedAt  time.Time
	AcceptedAt time.Time
	EndedAt    time.Time
	Duration   time.Duration
}

// Involves reports whether user is a party of the call.
func (c Call) Involves(user string) bool {
	return c.Caller == user || c.Callee == user
}

// Peer returns the other party of the call.
func (c Call) Peer(user string) string {
	if c.Caller == user {
		return c.Callee
	}
	return c.Caller
}

// WasAnswered reports whether the call ever became active.
func (c Call) WasAnswered() bool {
	return !c.AcceptedAt.IsZero()
}
