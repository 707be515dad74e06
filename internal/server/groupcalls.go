package server

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/groupcall"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

// handleGroupCallAuth binds a group-call connection.
// Format: GROUP_CALL_AUTH:<user>
func (s *Server) handleGroupCallAuth(c *Conn, cmd protocol.Command) error {
	if err := s.bindChannel(c, cmd); err != nil {
		return err
	}
	s.safeSend(c, protocol.Text(protocol.TagGroupCallAuthSuccess))
	return nil
}

// handleGroupCallJoin adds the connection's user to a group call, starting
// it if needed.
// Format: GROUP_CALL_JOIN:<gid>
func (s *Server) handleGroupCallJoin(c *Conn, cmd protocol.Command) error {
	user, groupID, err := s.groupCommand(c, cmd.Rest)
	if err != nil {
		return err
	}
	for _, change := range s.groupCalls.Join(groupID, user) {
		s.broadcastGroupCallStatus(change)
	}
	s.safeSend(c, protocol.Line(protocol.TagGroupCallJoined, cmd.Rest))
	return nil
}

// Format: GROUP_CALL_LEAVE:<gid>
func (s *Server) handleGroupCallLeave(c *Conn, cmd protocol.Command) error {
	user, err := boundUser(c)
	if err != nil {
		return err
	}
	groupID, err := protocol.ParseID(cmd.Rest)
	if err != nil {
		return malformed(err)
	}
	change, err := s.groupCalls.Leave(groupID, user)
	if err != nil {
		return routingf("%v", err)
	}
	s.broadcastGroupCallStatus(change)
	s.safeSend(c, protocol.Line(protocol.TagGroupCallLeft, cmd.Rest))
	return nil
}

// handleGroupCallSignal manages group calls from the control channel.
// Format: GROUP_CALL_SIGNAL:<start|join|leave|end>:<gid>:<user>:<ts>
func (s *Server) handleGroupCallSignal(c *Conn, cmd protocol.Command) error {
	action, rest := cmd.Sub()
	args, err := rest.Args(3)
	if err != nil {
		return malformed(err)
	}
	groupID, err := protocol.ParseID(args[0])
	if err != nil {
		return malformed(err)
	}
	user := args[1]
	if _, err := protocol.ParseTimestamp(args[2]); err != nil {
		return malformed(err)
	}
	if err := requireUser(c, user); err != nil {
		return err
	}
	if err := s.requireMember(groupID, user); err != nil {
		return err
	}

	log := c.logger().WithFields(logrus.Fields{
		"function": "handleGroupCallSignal",
		"action":   action,
		"group_id": groupID,
	})

	switch action {
	case protocol.GroupCallStart:
		for _, change := range s.groupCalls.Join(groupID, user) {
			s.broadcastGroupCallStatus(change)
		}
	case protocol.GroupCallJoin:
		if _, ok := s.groupCalls.Get(groupID); !ok {
			return routingf("no active call in group %d", groupID)
		}
		for _, change := range s.groupCalls.Join(groupID, user) {
			s.broadcastGroupCallStatus(change)
		}
	case protocol.GroupCallLeave:
		change, err := s.groupCalls.Leave(groupID, user)
		if err != nil {
			return routingf("%v", err)
		}
		s.broadcastGroupCallStatus(change)
	case protocol.GroupCallEnd:
		ended, ok := s.groupCalls.End(groupID)
		if !ok {
			return routingf("no active call in group %d", groupID)
		}
		s.broadcastGroupCallStatus(groupcall.Change{GroupID: groupID}, ended.Participants...)
	default:
		return protocolErrorf("unknown group call action %q", action)
	}
	log.Info("Group call updated")
	return nil
}

// broadcastGroupCallStatus sends the roster of a group call to every group
// member's control connection and to the group-call connections of the
// participants. former lists users who were just removed and must also
// learn the final state on their group-call connection.
func (s *Server) broadcastGroupCallStatus(change groupcall.Change, former ...string) {
	status := protocol.Line(protocol.TagGroupCallStatus,
		protocol.FormatID(change.GroupID), protocol.GroupCallInactive, "")
	if change.Active {
		status = protocol.Line(protocol.TagGroupCallStatus,
			protocol.FormatID(change.GroupID), protocol.GroupCallActive,
			strings.Join(change.Participants, ","))
	}

	members, err := s.groupMembers(change.GroupID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "broadcastGroupCallStatus",
			"group_id": change.GroupID,
		}).WithError(err).Error("Failed to load group members")
	}
	for _, member := range members {
		s.sendTo(RoleControl, member, status)
	}
	for _, p := range change.Participants {
		s.sendTo(RoleGroupCall, p, status)
	}
	for _, p := range former {
		s.sendTo(RoleGroupCall, p, status)
	}
	s.metrics.SetActiveGroupCalls(s.groupCalls.Len())
}

// leaveGroupCalls removes user from any group call roster.
func (s *Server) leaveGroupCalls(user string) {
	for _, change := range s.groupCalls.LeaveAll(user) {
		s.broadcastGroupCallStatus(change)
	}
}

// relayGroupAudio fans a binary frame out to the other participants of the
// sender's group call. A participant that cannot take the frame is evicted.
func (s *Server) relayGroupAudio(c *Conn, f protocol.Frame) error {
	user, err := boundUser(c)
	if err != nil {
		return err
	}
	groupID, ok := s.groupCalls.Current(user)
	if !ok {
		return routingf("%s is not in a group call", user)
	}
	if s.presence.Mute(user).Mic {
		return nil
	}

	for _, p := range s.groupCalls.Others(groupID, user) {
		if s.presence.Mute(p).Speaker {
			continue
		}
		target, ok := s.registry.Lookup(RoleGroupCall, p)
		if !ok {
			continue
		}
		if s.safeSend(target, f) {
			s.metrics.FrameRelayed("group_audio", f.Size())
			continue
		}
		if change, err := s.groupCalls.Leave(groupID, p); err == nil {
			target.logger().WithField("group_id", groupID).Warn("Evicted from group call after failed send")
			s.broadcastGroupCallStatus(change)
		}
	}
	return nil
}

// groupCommand resolves the bound user and a group id the user belongs to.
func (s *Server) groupCommand(c *Conn, rawID string) (string, int64, error) {
	user, err := boundUser(c)
	if err != nil {
		return "", 0, err
	}
	groupID, err := protocol.ParseID(rawID)
	if err != nil {
		return "", 0, malformed(err)
	}
	if err := s.requireMember(groupID, user); err != nil {
		return "", 0, err
	}
	return user, groupID, nil
}

// bindChannel binds a secondary channel connection to the user named in
// cmd. A previous connection of the same user on that channel is closed.
func (s *Server) bindChannel(c *Conn, cmd protocol.Command) error {
	user := cmd.Rest
	if user == "" {
		return protocolErrorf("%s without username", cmd.Tag)
	}
	if cur := c.User(); cur != "" && cur != user {
		return unauthorizedf("connection already bound to %q", cur)
	}
	if prev := s.registry.Bind(c, user); prev != nil {
		prev.logger().Info("Connection replaced by a new login")
		prev.Close()
	}
	c.logger().Info("Channel authenticated")
	return nil
}
