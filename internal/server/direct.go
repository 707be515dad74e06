package server

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/store"
)

// handleDirectMessage persists a message between friends and pushes it to
// the recipient's control connection as "<sender>: <content>".
// Format: DIRECT_MESSAGE:<sender>:<receiver>:<content>
func (s *Server) handleDirectMessage(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(3)
	if err != nil {
		return malformed(err)
	}
	sender, receiver, content := args[0], args[1], args[2]
	if err := requireUser(c, sender); err != nil {
		return err
	}
	if err := s.requireFriends(sender, receiver); err != nil {
		return err
	}

	target, online := s.registry.Lookup(RoleControl, receiver)

	ctx, cancel := s.dbContext()
	defer cancel()
	id, err := s.store.SaveMessage(ctx, store.Message{
		Sender:   sender,
		Receiver: receiver,
		Content:  content,
		Read:     online,
	})
	if err != nil {
		return persistence("save message", err)
	}

	log := c.logger().WithFields(logrus.Fields{
		"function":   "handleDirectMessage",
		"receiver":   receiver,
		"message_id": id,
	})
	if !online {
		log.Debug("Recipient offline, message stored")
		return nil
	}
	f := protocol.Text(sender + ": " + content)
	if s.safeSend(target, f) {
		s.metrics.FrameRelayed("direct", f.Size())
		log.Debug("Direct message delivered")
	}
	return nil
}

// handleEditMessage rewrites one of the sender's messages.
// Format: EDIT_MESSAGE:<sender>:<receiver>:<content>:<id>
func (s *Server) handleEditMessage(c *Conn, cmd protocol.Command) error {
	args, rawID, err := cmd.ArgsTail(3)
	if err != nil {
		return malformed(err)
	}
	sender, receiver, content := args[0], args[1], args[2]
	id, err := protocol.ParseID(rawID)
	if err != nil {
		return malformed(err)
	}
	if err := requireUser(c, sender); err != nil {
		return err
	}
	if err := s.requireFriends(sender, receiver); err != nil {
		return err
	}

	ctx, cancel := s.dbContext()
	defer cancel()
	if err := s.store.EditMessage(ctx, id, sender, receiver, content); err != nil {
		return ownedMessageError("edit", id, sender, err)
	}

	s.sendTo(RoleControl, receiver, protocol.Notice(fmt.Sprintf("User %s edited a message", sender)))
	return nil
}

// handleDeleteMessage tombstones one of the sender's messages.
// Format: DELETE_MESSAGE:<sender>:<receiver>:<id>
func (s *Server) handleDeleteMessage(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(3)
	if err != nil {
		return malformed(err)
	}
	sender, receiver := args[0], args[1]
	id, err := protocol.ParseID(args[2])
	if err != nil {
		return malformed(err)
	}
	if err := requireUser(c, sender); err != nil {
		return err
	}
	if err := s.requireFriends(sender, receiver); err != nil {
		return err
	}

	ctx, cancel := s.dbContext()
	defer cancel()
	if err := s.store.DeleteMessage(ctx, id, sender, receiver); err != nil {
		return ownedMessageError("delete", id, sender, err)
	}

	s.sendTo(RoleControl, receiver, protocol.Notice(fmt.Sprintf("User %s deleted a message", sender)))
	return nil
}

func ownedMessageError(op string, id int64, sender string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return unauthorizedf("%s message %d: not found or not owned by %s", op, id, sender)
	}
	return persistence(op+" message", err)
}

// handleGroupExclusion tells an excluded member they were removed from a
// group and detaches them from its live traffic. Only admins and creators
// may send it.
// Format: GROUP_EXCLUSION:<excluded>:<group_name>:<gid>
func (s *Server) handleGroupExclusion(c *Conn, cmd protocol.Command) error {
	args, rawID, err := cmd.ArgsTail(2)
	if err != nil {
		return malformed(err)
	}
	excluded, groupName := args[0], args[1]
	groupID, err := protocol.ParseID(rawID)
	if err != nil {
		return malformed(err)
	}
	requester, err := boundUser(c)
	if err != nil {
		return err
	}

	ctx, cancel := s.dbContext()
	defer cancel()
	role, err := s.store.MemberRole(ctx, groupID, requester)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return unauthorizedf("%s is not a member of group %d", requester, groupID)
	case err != nil:
		return persistence("member role", err)
	case !role.CanModerate():
		return unauthorizedf("%s (%s) cannot exclude members of group %d", requester, role, groupID)
	}

	if chat, ok := s.registry.Lookup(RoleGroupChat, excluded); ok {
		chat.leaveGroup(groupID)
	}
	if change, err := s.groupCalls.Leave(groupID, excluded); err == nil {
		s.broadcastGroupCallStatus(change)
	}

	c.logger().WithFields(logrus.Fields{
		"function": "handleGroupExclusion",
		"excluded": excluded,
		"group_id": groupID,
	}).Info("Member excluded from group")

	s.sendTo(RoleControl, excluded, protocol.Line(protocol.TagGroupExcluded, groupName, rawID))
	return nil
}
