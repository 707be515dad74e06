// Package server routes decoded frames to per-role command handlers.
package server

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

type handlerFunc func(c *Conn, cmd protocol.Command) error

// handlerTables maps each channel role to the commands it accepts.
// GROUP_SCREEN_DATA_* is served on both the control and screen channels.
func (s *Server) handlerTables() [roleCount]map[string]handlerFunc {
	groupScreen := map[string]handlerFunc{
		protocol.TagGroupScreenDataStart: s.handleGroupScreenStart,
		protocol.TagGroupScreenDataChunk: s.handleGroupScreenChunk,
		protocol.TagGroupScreenDataEnd:   s.handleGroupScreenEnd,
		protocol.TagGroupScreenDataAbort: s.handleGroupScreenAbort,
	}

	control := map[string]handlerFunc{
		protocol.TagStatusOnline:       s.handleStatusOnline,
		protocol.TagStatusOffline:      s.handleStatusOffline,
		protocol.TagStatusRequest:      s.handleStatusRequest,
		protocol.TagDirectMessage:      s.handleDirectMessage,
		protocol.TagEditMessage:        s.handleEditMessage,
		protocol.TagDeleteMessage:      s.handleDeleteMessage,
		protocol.TagGroupExclusion:     s.handleGroupExclusion,
		protocol.TagCallSignal:         s.handleCallSignal,
		protocol.TagCallMute:           s.handleCallMute,
		protocol.TagGroupCallSignal:    s.handleGroupCallSignal,
		protocol.TagGroupScreenControl: s.handleGroupScreenControl,
		protocol.TagFileTransfer:       s.handleFileTransfer,
	}

	screen := map[string]handlerFunc{
		protocol.TagScreenAuth:      s.handleScreenAuth,
		protocol.TagScreenControl:   s.handleScreenControl,
		protocol.TagScreenDataStart: s.handleScreenStart,
		protocol.TagScreenDataChunk: s.handleScreenChunk,
		protocol.TagScreenDataEnd:   s.handleScreenEnd,
		protocol.TagScreenDataAbort: s.handleScreenAbort,
	}

	for tag, h := range groupScreen {
		control[tag] = h
		screen[tag] = h
	}

	return [roleCount]map[string]handlerFunc{
		RoleControl: control,
		RoleScreen:  screen,
		RoleGroupChat: {
			protocol.TagGroupAuth:          s.handleGroupAuth,
			protocol.TagGroupJoin:          s.handleGroupJoin,
			protocol.TagGroupLeave:         s.handleGroupLeave,
			protocol.TagGroupMessage:       s.handleGroupMessage,
			protocol.TagGroupEditMessage:   s.handleGroupEditMessage,
			protocol.TagGroupDeleteMessage: s.handleGroupDeleteMessage,
			protocol.TagGroupFileTransfer:  s.handleGroupFileTransfer,
		},
		RoleGroupCall: {
			protocol.TagGroupCallAuth:  s.handleGroupCallAuth,
			protocol.TagGroupCallJoin:  s.handleGroupCallJoin,
			protocol.TagGroupCallLeave: s.handleGroupCallLeave,
		},
	}
}

// dispatch handles one decoded frame. Handler errors and panics are reported
// and dropped; they never end the connection.
func (s *Server) dispatch(c *Conn, f protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().WithFields(logrus.Fields{
				"function": "dispatch",
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Recovered from handler panic")
			s.metrics.CommandDropped("internal")
		}
	}()

	role := c.role.String()
	if f.IsBinary() {
		s.metrics.CommandReceived(role, protocol.TagBinary)
		if err := s.handleBinary(c, f); err != nil {
			s.reportDrop(c, err)
		}
		return
	}

	cmd, err := protocol.Parse(f.Line)
	if err != nil {
		s.metrics.CommandReceived(role, "unknown")
		s.reportDrop(c, err)
		return
	}

	h, ok := s.handlers[c.role][cmd.Tag]
	if !ok {
		s.metrics.CommandReceived(role, "unknown")
		s.reportDrop(c, protocolErrorf("unknown command %q on %s channel", cmd.Tag, role))
		return
	}
	s.metrics.CommandReceived(role, cmd.Tag)

	if !c.checkRateLimit(cmd.Tag) {
		s.reportDrop(c, fmt.Errorf("%w: %s", ErrRateLimited, cmd.Tag))
		return
	}

	if err := h(c, cmd); err != nil {
		s.reportDrop(c, err)
	}
}

func (s *Server) handleBinary(c *Conn, f protocol.Frame) error {
	switch c.role {
	case RoleControl:
		return s.relayCallAudio(c, f)
	case RoleGroupCall:
		return s.relayGroupAudio(c, f)
	default:
		return protocolErrorf("binary frames are not accepted on the %s channel", c.role)
	}
}

// reportDrop logs and counts a dropped frame.
func (s *Server) reportDrop(c *Conn, err error) {
	reason := reasonOf(err)
	s.metrics.CommandDropped(reason)

	entry := c.logger().WithFields(logrus.Fields{
		"function": "dispatch",
		"reason":   reason,
	}).WithError(err)

	switch reason {
	case "routing", "rate_limited":
		entry.Debug("Command dropped")
	case "persistence", "internal":
		entry.Error("Command failed")
	default:
		entry.Warn("Command dropped")
	}
}

// requireUser checks that the sender field of a command names the user
// bound to c.
func requireUser(c *Conn, sender string) error {
	user := c.User()
	if user == "" {
		return unauthorizedf("%s connection is not authenticated", c.role)
	}
	if user != sender {
		return unauthorizedf("sender %q does not match connection user %q", sender, user)
	}
	return nil
}

// boundUser returns the user bound to c, or an error before authentication.
func boundUser(c *Conn) (string, error) {
	user := c.User()
	if user == "" {
		return "", unauthorizedf("%s connection is not authenticated", c.role)
	}
	return user, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrProtocol, err)
}
