package server

import (
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/transfer"
)

// handleScreenAuth binds a screen connection. The user must already have a
// control session. Clients expect no reply.
// Format: SCREEN_AUTH:<user>
func (s *Server) handleScreenAuth(c *Conn, cmd protocol.Command) error {
	if !s.presence.IsOnline(cmd.Rest) {
		return unauthorizedf("screen login for %q without a control session", cmd.Rest)
	}
	return s.bindChannel(c, cmd)
}

// handleScreenControl forwards a share start/stop to a friend's screen
// connection.
// Format: SCREEN_CONTROL:<sender>:<dest>:<action>
func (s *Server) handleScreenControl(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(3)
	if err != nil {
		return malformed(err)
	}
	sender, dest := args[0], args[1]
	if err := requireUser(c, sender); err != nil {
		return err
	}
	if err := s.requireFriends(sender, dest); err != nil {
		return err
	}
	if !s.sendTo(RoleScreen, dest, protocol.Text(cmd.Raw)) {
		return routingf("%s has no screen connection", dest)
	}
	return nil
}

// Format: SCREEN_DATA_START:<sender>:<dest>:<frame>:<count>
func (s *Server) handleScreenStart(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(4)
	if err != nil {
		return malformed(err)
	}
	sender, dest, frameID := args[0], args[1], args[2]
	count, err := protocol.ParseCount(args[3])
	if err != nil {
		return malformed(err)
	}
	if err := requireUser(c, sender); err != nil {
		return err
	}
	if err := s.requireFriends(sender, dest); err != nil {
		return err
	}

	s.startTransfer(transfer.Transfer{
		Key:        transfer.Key{Kind: transfer.KindScreen, Sender: sender, Dest: dest, ID: frameID},
		Expected:   count,
		Recipients: []string{dest},
	})
	return s.relayScreen(cmd, []string{dest})
}

// Format: SCREEN_DATA_CHUNK:<sender>:<dest>:<frame>:<idx>:<payload>
func (s *Server) handleScreenChunk(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(5)
	if err != nil {
		return malformed(err)
	}
	if _, err := protocol.ParseCount(args[3]); err != nil {
		return malformed(err)
	}
	return s.screenStep(c, cmd, transfer.KindScreen, args[0], args[1], args[2], false)
}

// Format: SCREEN_DATA_END:<sender>:<dest>:<frame>
func (s *Server) handleScreenEnd(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(3)
	if err != nil {
		return malformed(err)
	}
	return s.screenStep(c, cmd, transfer.KindScreen, args[0], args[1], args[2], true)
}

// Format: SCREEN_DATA_ABORT:<sender>:<dest>:<frame>
func (s *Server) handleScreenAbort(c *Conn, cmd protocol.Command) error {
	return s.handleScreenEnd(c, cmd)
}

// Format: GROUP_SCREEN_DATA_START:<sender>:<gid>:<frame>:<count>
func (s *Server) handleGroupScreenStart(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(4)
	if err != nil {
		return malformed(err)
	}
	sender, rawID, frameID := args[0], args[1], args[2]
	groupID, err := protocol.ParseID(rawID)
	if err != nil {
		return malformed(err)
	}
	count, err := protocol.ParseCount(args[3])
	if err != nil {
		return malformed(err)
	}
	if err := requireUser(c, sender); err != nil {
		return err
	}
	if err := s.requireMember(groupID, sender); err != nil {
		return err
	}
	members, err := s.groupMembers(groupID)
	if err != nil {
		return err
	}
	recipients := others(members, sender)

	s.startTransfer(transfer.Transfer{
		Key:        transfer.Key{Kind: transfer.KindGroupScreen, Sender: sender, Dest: protocol.FormatID(groupID), ID: frameID},
		Expected:   count,
		Recipients: recipients,
	})
	return s.relayScreen(cmd, recipients)
}

// Format: GROUP_SCREEN_DATA_CHUNK:<sender>:<gid>:<frame>:<idx>:<payload>
func (s *Server) handleGroupScreenChunk(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(5)
	if err != nil {
		return malformed(err)
	}
	if _, err := protocol.ParseCount(args[3]); err != nil {
		return malformed(err)
	}
	return s.screenStep(c, cmd, transfer.KindGroupScreen, args[0], args[1], args[2], false)
}

// Format: GROUP_SCREEN_DATA_END:<sender>:<gid>:<frame>
func (s *Server) handleGroupScreenEnd(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(3)
	if err != nil {
		return malformed(err)
	}
	return s.screenStep(c, cmd, transfer.KindGroupScreen, args[0], args[1], args[2], true)
}

// Format: GROUP_SCREEN_DATA_ABORT:<sender>:<gid>:<frame>
func (s *Server) handleGroupScreenAbort(c *Conn, cmd protocol.Command) error {
	return s.handleGroupScreenEnd(c, cmd)
}

// screenStep relays a chunk or the end of a frame to the recipients cached
// when the frame started. Frames that were never started are dropped.
func (s *Server) screenStep(c *Conn, cmd protocol.Command, kind transfer.Kind, sender, dest, frameID string, last bool) error {
	if err := requireUser(c, sender); err != nil {
		return err
	}
	key := transfer.Key{Kind: kind, Sender: sender, Dest: dest, ID: frameID}

	var (
		tr  transfer.Transfer
		err error
	)
	if last {
		tr, err = s.transfers.End(key)
	} else {
		tr, err = s.transfers.Chunk(key)
	}
	if err != nil {
		return routingf("%v", err)
	}
	return s.relayScreen(cmd, tr.Recipients)
}

func (s *Server) relayScreen(cmd protocol.Command, recipients []string) error {
	f := protocol.Text(cmd.Raw)
	sent := 0
	for _, user := range recipients {
		if s.sendTo(RoleScreen, user, f) {
			s.metrics.FrameRelayed("screen", f.Size())
			sent++
		}
	}
	if sent == 0 && len(recipients) > 0 {
		return routingf("no screen connection for %s", cmd.Tag)
	}
	return nil
}

// handleGroupScreenControl announces a group share start/stop to the other
// members' control connections.
// Format: GROUP_SCREEN_CONTROL:<action>:<gid>:<sender>:<ts>
func (s *Server) handleGroupScreenControl(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(4)
	if err != nil {
		return malformed(err)
	}
	action, rawID, sender, rawTS := args[0], args[1], args[2], args[3]
	groupID, err := protocol.ParseID(rawID)
	if err != nil {
		return malformed(err)
	}
	if _, err := protocol.ParseTimestamp(rawTS); err != nil {
		return malformed(err)
	}
	if err := requireUser(c, sender); err != nil {
		return err
	}
	if err := s.requireMember(groupID, sender); err != nil {
		return err
	}
	members, err := s.groupMembers(groupID)
	if err != nil {
		return err
	}

	signal := protocol.Line(protocol.TagGroupScreenSignal, action, protocol.FormatID(groupID), sender, rawTS)
	sent := 0
	for _, member := range others(members, sender) {
		if s.sendTo(RoleControl, member, signal) {
			sent++
		}
	}
	c.logger().WithFields(logrus.Fields{
		"function": "handleGroupScreenControl",
		"action":   action,
		"group_id": groupID,
		"notified": sent,
	}).Info("Group screen signal sent")
	return nil
}

func others(users []string, exclude string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != exclude {
			out = append(out, u)
		}
	}
	return out
}
