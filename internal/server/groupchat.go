package server

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/store"
)

// Format: GROUP_AUTH:<user>
func (s *Server) handleGroupAuth(c *Conn, cmd protocol.Command) error {
	if err := s.bindChannel(c, cmd); err != nil {
		return err
	}
	s.safeSend(c, protocol.Text(protocol.TagGroupAuthSuccess))
	return nil
}

// handleGroupJoin subscribes the connection to a group's broadcasts.
// Format: GROUP_JOIN:<gid>
func (s *Server) handleGroupJoin(c *Conn, cmd protocol.Command) error {
	_, groupID, err := s.groupCommand(c, cmd.Rest)
	if err != nil {
		return err
	}
	c.joinGroup(groupID)
	s.safeSend(c, protocol.Line(protocol.TagGroupJoined, protocol.FormatID(groupID)))
	return nil
}

// Format: GROUP_LEAVE:<gid>
func (s *Server) handleGroupLeave(c *Conn, cmd protocol.Command) error {
	if _, err := boundUser(c); err != nil {
		return err
	}
	groupID, err := protocol.ParseID(cmd.Rest)
	if err != nil {
		return malformed(err)
	}
	c.leaveGroup(groupID)
	s.safeSend(c, protocol.Line(protocol.TagGroupLeft, protocol.FormatID(groupID)))
	return nil
}

// handleGroupMessage stores a group message and broadcasts it to every
// joined connection, the sender's included.
// Format: GROUP_MESSAGE:<gid>:<sender>:<content>
func (s *Server) handleGroupMessage(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(3)
	if err != nil {
		return malformed(err)
	}
	groupID, err := s.joinedGroupSender(c, args[0], args[1])
	if err != nil {
		return err
	}
	sender, content := args[1], args[2]
	if err := s.requireMember(groupID, sender); err != nil {
		return err
	}

	ctx, cancel := s.dbContext()
	defer cancel()
	id, err := s.store.SaveGroupMessage(ctx, store.GroupMessage{
		GroupID: groupID,
		Sender:  sender,
		Content: content,
	})
	if err != nil {
		return persistence("save group message", err)
	}

	n := s.broadcastToGroup(groupID, protocol.Line(protocol.TagGroupMessage,
		protocol.FormatID(groupID), sender, content), nil)
	c.logger().WithFields(logrus.Fields{
		"function":   "handleGroupMessage",
		"group_id":   groupID,
		"message_id": id,
		"recipients": n,
	}).Debug("Group message broadcast")
	return nil
}

// Format: GROUP_EDIT_MESSAGE:<gid>:<sender>:<content>:<id>
func (s *Server) handleGroupEditMessage(c *Conn, cmd protocol.Command) error {
	args, rawID, err := cmd.ArgsTail(3)
	if err != nil {
		return malformed(err)
	}
	groupID, err := s.joinedGroupSender(c, args[0], args[1])
	if err != nil {
		return err
	}
	sender, content := args[1], args[2]
	id, err := protocol.ParseID(rawID)
	if err != nil {
		return malformed(err)
	}

	ctx, cancel := s.dbContext()
	defer cancel()
	if err := s.store.EditGroupMessage(ctx, groupID, id, sender, content); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return unauthorizedf("%s does not own message %d in group %d", sender, id, groupID)
		}
		return persistence("edit group message", err)
	}

	s.broadcastToGroup(groupID, protocol.Line(protocol.TagGroupMessageEdited,
		protocol.FormatID(groupID), sender, protocol.FormatID(id)), nil)
	return nil
}

// handleGroupDeleteMessage tombstones a group message. The owner, admins and
// the creator may delete it.
// Format: GROUP_DELETE_MESSAGE:<gid>:<sender>:<id>
func (s *Server) handleGroupDeleteMessage(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(3)
	if err != nil {
		return malformed(err)
	}
	groupID, err := s.joinedGroupSender(c, args[0], args[1])
	if err != nil {
		return err
	}
	sender := args[1]
	id, err := protocol.ParseID(args[2])
	if err != nil {
		return malformed(err)
	}

	ctx, cancel := s.dbContext()
	defer cancel()

	role, err := s.store.MemberRole(ctx, groupID, sender)
	if errors.Is(err, store.ErrNotFound) {
		return unauthorizedf("%s is not a member of group %d", sender, groupID)
	} else if err != nil {
		return persistence("member role", err)
	}

	owner, err := s.store.GroupMessageSender(ctx, groupID, id)
	if errors.Is(err, store.ErrNotFound) {
		return routingf("message %d not found in group %d", id, groupID)
	} else if err != nil {
		return persistence("group message sender", err)
	}
	if owner != sender && !role.CanModerate() {
		return unauthorizedf("%s cannot delete message %d owned by %s", sender, id, owner)
	}

	if err := s.store.DeleteGroupMessage(ctx, groupID, id); err != nil {
		return persistence("delete group message", err)
	}

	s.broadcastToGroup(groupID, protocol.Line(protocol.TagGroupMessageDeleted,
		protocol.FormatID(groupID), owner, protocol.FormatID(id)), nil)
	return nil
}

// joinedGroupSender validates the group and sender fields of a group chat
// command against the connection.
func (s *Server) joinedGroupSender(c *Conn, rawID, sender string) (int64, error) {
	groupID, err := protocol.ParseID(rawID)
	if err != nil {
		return 0, malformed(err)
	}
	if err := requireUser(c, sender); err != nil {
		return 0, err
	}
	if !c.hasJoined(groupID) {
		return 0, unauthorizedf("%s has not joined group %d", sender, groupID)
	}
	return groupID, nil
}

// broadcastToGroup sends f to every group-chat connection that joined
// groupID, except exclude. It returns the number of connections reached.
func (s *Server) broadcastToGroup(groupID int64, f protocol.Frame, exclude *Conn) int {
	sent := 0
	for _, conn := range s.registry.Bound(RoleGroupChat) {
		if conn == exclude || !conn.hasJoined(groupID) {
			continue
		}
		if s.safeSend(conn, f) {
			sent++
		}
	}
	return sent
}
