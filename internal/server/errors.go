// Package server classifies handler failures so the router can log, count and
// drop them without ever tearing down the connection that caused them.
package server

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// Error classes. Handlers wrap one of these with %w; the router switches on
// errors.Is to decide how to report the failure.
var (
	// ErrProtocol is a malformed or unknown command. Dropped, connection kept.
	ErrProtocol = errors.New("protocol error")
	// ErrUnauthorized is a spoofed sender, a missing friendship or missing
	// group membership.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRouting means the target is offline, busy or unknown.
	ErrRouting = errors.New("routing failure")
	// ErrConnection is a failed send to a peer. The peer is disconnected;
	// the sender never sees it.
	ErrConnection = errors.New("connection failure")
	// ErrPersistence is a failed store call. The operation is aborted.
	ErrPersistence = errors.New("persistence failure")
)

var (
	// ErrSendBufferFull is returned by Conn.Send when the peer is too slow.
	ErrSendBufferFull = fmt.Errorf("%w: send buffer full", ErrConnection)
	// ErrConnClosed is returned by Conn.Send after Close.
	ErrConnClosed = fmt.Errorf("%w: connection closed", ErrConnection)
	// ErrRateLimited is a command refused by the per-connection limiter.
	ErrRateLimited = errors.New("rate limited")
)

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func unauthorizedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

func routingf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRouting, fmt.Sprintf(format, args...))
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// reasonOf maps an error to the label used in logs and drop metrics.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrProtocol), errors.Is(err, protocol.ErrMalformed):
		return "protocol"
	case protocol.IsRecoverable(err):
		return "protocol"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRouting):
		return "routing"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
