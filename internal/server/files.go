package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/Tyrowin/relaychat/internal/transfer"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
}

// attachmentContent is the chat history text stored for a completed file.
func attachmentContent(name string) string {
	if imageExtensions[strings.ToLower(filepath.Ext(name))] {
		return "[Attachment: " + name + "]"
	}
	return "[File received: " + name + "]"
}

// handleFileTransfer relays a chunked file between friends over the control
// channel.
// Format: FILE_TRANSFER:START:<sender>:<dest>:<name>:<size>
//
//	FILE_TRANSFER:CHUNK:<sender>:<dest>:<fragment>
//	FILE_TRANSFER:END:<sender>:<dest>:<name>
//	FILE_TRANSFER:ABORT:<sender>:<dest>:<name>
func (s *Server) handleFileTransfer(c *Conn, cmd protocol.Command) error {
	action, rest := cmd.Sub()
	args, err := rest.Args(3)
	if err != nil {
		return malformed(err)
	}
	sender, dest, tail := args[0], args[1], args[2]
	if err := requireUser(c, sender); err != nil {
		return err
	}
	key := transfer.Key{Kind: transfer.KindFile, Sender: sender, Dest: dest}
	f := protocol.Text(cmd.Raw)

	switch action {
	case protocol.TransferStart:
		name, size, err := splitNameSize(tail)
		if err != nil {
			return err
		}
		if err := s.requireFriends(sender, dest); err != nil {
			return err
		}
		target, online := s.registry.Lookup(RoleControl, dest)
		if !online {
			s.safeSend(c, protocol.Notice(fmt.Sprintf("%s is offline, %s was not sent", dest, name)))
			return routingf("file recipient %s is offline", dest)
		}
		s.startTransfer(transfer.Transfer{Key: key, Name: name, Size: size, Recipients: []string{dest}})
		s.safeSend(target, f)
		return nil

	case protocol.TransferChunk:
		if _, err := s.transfers.Chunk(key); err != nil {
			return routingf("%v", err)
		}
		if s.sendTo(RoleControl, dest, f) {
			s.metrics.FrameRelayed("file", f.Size())
		}
		return nil

	case protocol.TransferEnd:
		if _, err := s.transfers.End(key); errors.Is(err, transfer.ErrUnknown) {
			if err := s.requireFriends(sender, dest); err != nil {
				return err
			}
		}
		_, online := s.registry.Lookup(RoleControl, dest)
		ctx, cancel := s.dbContext()
		defer cancel()
		if _, err := s.store.SaveMessage(ctx, store.Message{
			Sender:   sender,
			Receiver: dest,
			Content:  attachmentContent(tail),
			Read:     online,
		}); err != nil {
			return persistence("save attachment message", err)
		}
		s.sendTo(RoleControl, dest, f)
		return nil

	case protocol.TransferAbort:
		if _, err := s.transfers.End(key); errors.Is(err, transfer.ErrUnknown) {
			if err := s.requireFriends(sender, dest); err != nil {
				return err
			}
		}
		s.sendTo(RoleControl, dest, f)
		return nil

	default:
		return protocolErrorf("unknown file transfer action %q", action)
	}
}

// handleGroupFileTransfer relays a chunked file to the joined members of a
// group over the group-chat channel.
// Format: GROUP_FILE_TRANSFER:<START|CHUNK|END|ABORT>:<sender>:<gid>:...
func (s *Server) handleGroupFileTransfer(c *Conn, cmd protocol.Command) error {
	action, rest := cmd.Sub()
	args, err := rest.Args(3)
	if err != nil {
		return malformed(err)
	}
	sender, rawID, tail := args[0], args[1], args[2]
	groupID, err := s.joinedGroupSender(c, rawID, sender)
	if err != nil {
		return err
	}
	key := transfer.Key{Kind: transfer.KindGroupFile, Sender: sender, Dest: protocol.FormatID(groupID)}
	f := protocol.Text(cmd.Raw)

	switch action {
	case protocol.TransferStart:
		name, size, err := splitNameSize(tail)
		if err != nil {
			return err
		}
		if err := s.requireMember(groupID, sender); err != nil {
			return err
		}
		s.startTransfer(transfer.Transfer{Key: key, Name: name, Size: size})
		s.broadcastToGroup(groupID, f, c)
		return nil

	case protocol.TransferChunk:
		if _, err := s.transfers.Chunk(key); err != nil {
			return routingf("%v", err)
		}
		if n := s.broadcastToGroup(groupID, f, c); n > 0 {
			s.metrics.FrameRelayed("group_file", f.Size()*n)
		}
		return nil

	case protocol.TransferEnd:
		if _, err := s.transfers.End(key); errors.Is(err, transfer.ErrUnknown) {
			if err := s.requireMember(groupID, sender); err != nil {
				return err
			}
		}
		content := attachmentContent(tail)
		ctx, cancel := s.dbContext()
		defer cancel()
		if _, err := s.store.SaveGroupMessage(ctx, store.GroupMessage{
			GroupID: groupID,
			Sender:  sender,
			Content: content,
		}); err != nil {
			return persistence("save group attachment", err)
		}
		s.broadcastToGroup(groupID, protocol.Line(protocol.TagGroupMessage,
			protocol.FormatID(groupID), sender, content), nil)
		s.broadcastToGroup(groupID, f, c)
		return nil

	case protocol.TransferAbort:
		if _, err := s.transfers.End(key); errors.Is(err, transfer.ErrUnknown) {
			if err := s.requireMember(groupID, sender); err != nil {
				return err
			}
		}
		s.broadcastToGroup(groupID, f, c)
		return nil

	default:
		return protocolErrorf("unknown group file transfer action %q", action)
	}
}

// splitNameSize parses "<name>:<size>"; the name may itself contain colons.
func splitNameSize(field string) (string, int64, error) {
	i := strings.LastIndex(field, protocol.FieldSeparator)
	if i <= 0 {
		return "", 0, protocolErrorf("file start %q needs name and size", field)
	}
	size, err := protocol.ParseID(field[i+1:])
	if err != nil || size < 0 {
		return "", 0, protocolErrorf("bad file size in %q", field)
	}
	return field[:i], size, nil
}

// startTransfer tracks tr, aborting any transfer it replaces.
func (s *Server) startTransfer(tr transfer.Transfer) {
	if prev, replaced := s.transfers.Start(tr); replaced {
		s.sendAbort(prev, false)
	}
	s.metrics.SetActiveTransfers(s.transfers.Len())
}

// abortTransfers drops the transfers of sender of the given kinds, as when
// one of their connections closes, and tells the recipients.
func (s *Server) abortTransfers(sender string, kinds ...transfer.Kind) {
	for _, tr := range s.transfers.RemoveBySender(sender, kinds...) {
		s.sendAbort(tr, false)
	}
	s.metrics.SetActiveTransfers(s.transfers.Len())
}

// sendAbort tells the recipients of tr, and the sender when notifySender is
// set, that it will not complete.
func (s *Server) sendAbort(tr transfer.Transfer, notifySender bool) {
	log := logrus.WithFields(logrus.Fields{
		"function": "sendAbort",
		"transfer": tr.Key.String(),
		"received": tr.Received,
	})

	switch tr.Kind {
	case transfer.KindFile:
		f := protocol.Line(protocol.TagFileTransfer, protocol.TransferAbort, tr.Sender, tr.Dest, tr.Name)
		s.sendTo(RoleControl, tr.Dest, f)
		if notifySender {
			s.sendTo(RoleControl, tr.Sender, f)
		}

	case transfer.KindGroupFile:
		groupID, err := protocol.ParseID(tr.Dest)
		if err != nil {
			log.WithError(err).Error("Bad group id on tracked transfer")
			return
		}
		f := protocol.Line(protocol.TagGroupFileTransfer, protocol.TransferAbort, tr.Sender, tr.Dest, tr.Name)
		var exclude *Conn
		if !notifySender {
			exclude, _ = s.registry.Lookup(RoleGroupChat, tr.Sender)
		}
		s.broadcastToGroup(groupID, f, exclude)

	case transfer.KindScreen:
		s.sendTo(RoleScreen, tr.Dest, protocol.Line(protocol.TagScreenDataAbort, tr.Sender, tr.Dest, tr.ID))

	case transfer.KindGroupScreen:
		f := protocol.Line(protocol.TagGroupScreenDataAbort, tr.Sender, tr.Dest, tr.ID)
		for _, user := range tr.Recipients {
			s.sendTo(RoleScreen, user, f)
		}
	}
	log.Debug("Transfer aborted")
}
