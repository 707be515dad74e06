package server

import (
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/presence"
	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/transfer"
)

// handleStatusOnline binds a control connection to its user.
// Format: STATUS_ONLINE:<user>
func (s *Server) handleStatusOnline(c *Conn, cmd protocol.Command) error {
	if err := s.bindChannel(c, cmd); err != nil {
		return err
	}
	if s.presence.SetOnline(cmd.Rest) {
		return s.publishStatus(cmd.Rest, presence.Online)
	}
	return nil
}

// handleStatusOffline ends the session without closing the connection.
// Format: STATUS_OFFLINE:<user>
func (s *Server) handleStatusOffline(c *Conn, cmd protocol.Command) error {
	user := cmd.Rest
	if err := requireUser(c, user); err != nil {
		return err
	}
	s.registry.Unbind(c)
	c.logger().Info("User offline")
	return s.endSession(user)
}

// handleStatusRequest answers with a friend's presence.
// Format: STATUS_REQUEST:<requester>:<target>
func (s *Server) handleStatusRequest(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(2)
	if err != nil {
		return malformed(err)
	}
	requester, target := args[0], args[1]
	if err := requireUser(c, requester); err != nil {
		return err
	}
	if err := s.requireFriends(requester, target); err != nil {
		return err
	}

	status := s.presence.Status(target)
	s.safeSend(c, protocol.Line(protocol.TagStatusResponse, target, string(status)))
	return nil
}

// publishStatus persists user's status and pushes it to every online friend.
func (s *Server) publishStatus(user string, status presence.Status) error {
	ctx, cancel := s.dbContext()
	defer cancel()

	if err := s.store.SetStatus(ctx, user, string(status)); err != nil {
		return persistence("set status", err)
	}
	friends, err := s.store.Friends(ctx, user)
	if err != nil {
		return persistence("list friends", err)
	}

	update := protocol.Line(protocol.TagStatusUpdate, user, string(status))
	notified := 0
	for _, friend := range friends {
		if s.sendTo(RoleControl, friend, update) {
			notified++
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "publishStatus",
		"user":     user,
		"status":   status,
		"notified": notified,
	}).Debug("Status published")
	return nil
}

// endSession tears down everything user holds once their control session
// ends: presence, calls, group call membership and transfers.
func (s *Server) endSession(user string) error {
	for _, ended := range s.calls.EndAll(user) {
		s.finishCall(ended, user)
	}
	s.leaveGroupCalls(user)
	s.abortTransfers(user, transfer.KindFile, transfer.KindScreen, transfer.KindGroupScreen)

	if s.presence.SetOffline(user) {
		return s.publishStatus(user, presence.Offline)
	}
	return nil
}

// requireFriends fails with ErrUnauthorized unless a and b are friends.
func (s *Server) requireFriends(a, b string) error {
	ctx, cancel := s.dbContext()
	defer cancel()

	ok, err := s.store.AreFriends(ctx, a, b)
	if err != nil {
		return persistence("check friendship", err)
	}
	if !ok {
		return unauthorizedf("%s and %s are not friends", a, b)
	}
	return nil
}

// requireMember fails with ErrUnauthorized unless user belongs to groupID.
func (s *Server) requireMember(groupID int64, user string) error {
	ctx, cancel := s.dbContext()
	defer cancel()

	ok, err := s.store.IsGroupMember(ctx, groupID, user)
	if err != nil {
		return persistence("check membership", err)
	}
	if !ok {
		return unauthorizedf("%s is not a member of group %d", user, groupID)
	}
	return nil
}

// groupMembers lists the members of groupID.
func (s *Server) groupMembers(groupID int64) ([]string, error) {
	ctx, cancel := s.dbContext()
	defer cancel()

	members, err := s.store.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, persistence("list group members", err)
	}
	return members, nil
}
