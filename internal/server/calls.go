package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/call"
	"github.com/Tyrowin/relaychat/internal/presence"
	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/store"
)

// handleCallSignal drives the one-to-one call state machine.
// Format: CALL_SIGNAL:<action>:<sender>:<peer>:<ts>[:<duration>]
func (s *Server) handleCallSignal(c *Conn, cmd protocol.Command) error {
	action, rest := cmd.Sub()
	args, err := rest.Args(3)
	if err != nil {
		return malformed(err)
	}
	sender, peer := args[0], args[1]
	rawTS, rawDuration, hasDuration := strings.Cut(args[2], protocol.FieldSeparator)
	if _, err := protocol.ParseTimestamp(rawTS); err != nil {
		return malformed(err)
	}
	if err := requireUser(c, sender); err != nil {
		return err
	}

	switch action {
	case protocol.SignalIncomingCall:
		return s.startCall(c, sender, peer, cmd)

	case protocol.SignalCallAccepted:
		if _, err := s.calls.Accept(sender, peer); err != nil {
			return callError(err)
		}
		s.relayCallSignal(peer, cmd)
		return nil

	case protocol.SignalCallRejected:
		rejected, err := s.calls.Reject(sender, peer)
		if err != nil {
			return callError(err)
		}
		s.relayCallSignal(peer, cmd)
		return s.saveCallLog(store.CallLog{
			Caller:    rejected.Caller,
			Callee:    rejected.Callee,
			StartedAt: rejected.StartedAt,
			EndedAt:   rejected.EndedAt,
			Status:    store.CallRejected,
		})

	case protocol.SignalCallEnded:
		reported := time.Duration(-1)
		if hasDuration {
			secs, err := protocol.ParseCount(rawDuration)
			if err != nil {
				return malformed(err)
			}
			// Clients send 0 when they did not measure the call.
			if secs > 0 {
				reported = time.Duration(secs) * time.Second
			}
		}
		ended, err := s.calls.End(sender, peer, reported)
		if err != nil {
			return callError(err)
		}
		s.finishCall(ended, sender)
		return nil

	default:
		return protocolErrorf("unknown call signal %q", action)
	}
}

func (s *Server) startCall(c *Conn, caller, callee string, cmd protocol.Command) error {
	if err := s.requireFriends(caller, callee); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.safeSend(c, protocol.Notice(fmt.Sprintf("Cannot call %s: not in your friends list", callee)))
		}
		return err
	}

	target, online := s.registry.Lookup(RoleControl, callee)
	if !online {
		return s.missedCall(c, caller, callee)
	}

	ringing, err := s.calls.Ring(caller, callee)
	if err != nil {
		if errors.Is(err, call.ErrBusy) {
			busy := callee
			if _, callerBusy := s.calls.Get(caller); callerBusy {
				busy = caller
			}
			s.safeSend(c, protocol.Notice(fmt.Sprintf("%s is busy", busy)))
			return routingf("ring %s: %v", callee, err)
		}
		return protocolErrorf("ring %s: %v", callee, err)
	}

	c.logger().WithFields(logrus.Fields{
		"function": "startCall",
		"callee":   ringing.Callee,
	}).Info("Call ringing")
	s.safeSend(target, protocol.Text(cmd.Raw))
	return nil
}

// missedCall answers a call to a user without a control session: a missed
// call row when the user exists, a notice, and a synthetic call_ended.
func (s *Server) missedCall(c *Conn, caller, callee string) error {
	ctx, cancel := s.dbContext()
	defer cancel()

	exists, err := s.store.UserExists(ctx, callee)
	if err != nil {
		s.safeSend(c, protocol.Notice(fmt.Sprintf("Error looking up user %s", callee)))
		return persistence("user exists", err)
	}

	now := s.clock.Now()
	if exists {
		if err := s.store.SaveCallLog(ctx, store.CallLog{
			Caller:    caller,
			Callee:    callee,
			StartedAt: now,
			EndedAt:   now,
			Status:    store.CallMissed,
		}); err != nil {
			return persistence("save call log", err)
		}
		s.safeSend(c, protocol.Notice(fmt.Sprintf("%s is offline", callee)))
	} else {
		s.safeSend(c, protocol.Notice(fmt.Sprintf("User %s not found", callee)))
	}

	s.safeSend(c, protocol.Line(protocol.TagCallSignal,
		protocol.SignalCallEnded, caller, callee, protocol.FormatTimestamp(now), "0"))
	return routingf("callee %s is offline", callee)
}

// finishCall records an ended call and tells both parties. endedBy is the
// user whose action or disconnect ended it.
func (s *Server) finishCall(ended call.Call, endedBy string) {
	secs := int64(ended.Duration / time.Second)
	signal := protocol.Line(protocol.TagCallSignal, protocol.SignalCallEnded,
		endedBy, ended.Peer(endedBy),
		protocol.FormatTimestamp(ended.EndedAt), strconv.FormatInt(secs, 10))

	entry := store.CallLog{
		Caller:           ended.Caller,
		Callee:           ended.Callee,
		StartedAt:        ended.StartedAt,
		EndedAt:          ended.EndedAt,
		Duration:         ended.Duration,
		Status:           store.CallEnded,
		NotificationSeen: true,
	}
	var callerNote, calleeNote string
	if ended.WasAnswered() {
		at := ended.EndedAt.Format("15:04")
		length := fmt.Sprintf("%02d:%02d", secs/60, secs%60)
		callerNote = fmt.Sprintf("Call with %s ended at %s. Duration: %s", ended.Callee, at, length)
		calleeNote = fmt.Sprintf("Call with %s ended at %s. Duration: %s", ended.Caller, at, length)
		entry.StartedAt = ended.AcceptedAt
	} else {
		callerNote = fmt.Sprintf("Call with %s was not answered", ended.Callee)
		calleeNote = fmt.Sprintf("Missed call from %s", ended.Caller)
		entry.Status = store.CallMissed
		entry.NotificationSeen = false
	}

	notices := []store.Message{
		{Sender: store.SystemSender, Receiver: ended.Caller, Content: callerNote, Read: true},
		{Sender: store.SystemSender, Receiver: ended.Callee, Content: calleeNote, Read: true},
	}

	ctx, cancel := s.dbContext()
	defer cancel()
	log := logrus.WithFields(logrus.Fields{
		"function": "finishCall",
		"caller":   ended.Caller,
		"callee":   ended.Callee,
		"duration": ended.Duration,
	})
	if err := s.store.RecordCallEnd(ctx, entry, notices); err != nil {
		log.WithError(err).Error("Failed to record call end")
	}

	s.sendTo(RoleControl, ended.Caller, signal)
	s.sendTo(RoleControl, ended.Caller, protocol.Notice(callerNote))
	s.sendTo(RoleControl, ended.Callee, signal)
	s.sendTo(RoleControl, ended.Callee, protocol.Notice(calleeNote))
	log.Info("Call ended")
}

func (s *Server) relayCallSignal(peer string, cmd protocol.Command) {
	if !s.sendTo(RoleControl, peer, protocol.Text(cmd.Raw)) {
		logrus.WithFields(logrus.Fields{
			"function": "relayCallSignal",
			"peer":     peer,
		}).Debug("Call peer not reachable")
	}
}

func (s *Server) saveCallLog(entry store.CallLog) error {
	ctx, cancel := s.dbContext()
	defer cancel()
	if err := s.store.SaveCallLog(ctx, entry); err != nil {
		return persistence("save call log", err)
	}
	return nil
}

func callError(err error) error {
	return routingf("%v", err)
}

// handleCallMute sets a mute flag for the sender.
// Format: CALL_MUTE:<user>:<mic|speaker>:<0|1>
func (s *Server) handleCallMute(c *Conn, cmd protocol.Command) error {
	args, err := cmd.Args(3)
	if err != nil {
		return malformed(err)
	}
	user, flag := args[0], args[1]
	if err := requireUser(c, user); err != nil {
		return err
	}
	var on bool
	switch args[2] {
	case "1":
		on = true
	case "0":
	default:
		return protocolErrorf("bad mute value %q", args[2])
	}
	if err := s.presence.SetMute(user, flag, on); err != nil {
		if errors.Is(err, presence.ErrUnknownMute) {
			return malformed(err)
		}
		return routingf("set mute: %v", err)
	}
	return nil
}

// relayCallAudio forwards a binary frame from a control connection to the
// active call partner.
func (s *Server) relayCallAudio(c *Conn, f protocol.Frame) error {
	user, err := boundUser(c)
	if err != nil {
		return err
	}
	peer, ok := s.calls.Partner(user)
	if !ok {
		return routingf("%s has no active call", user)
	}
	if s.presence.Mute(user).Mic || s.presence.Mute(peer).Speaker {
		return nil
	}
	target, ok := s.registry.Lookup(RoleControl, peer)
	if !ok {
		return routingf("call partner %s not connected", peer)
	}
	if s.safeSend(target, f) {
		s.metrics.FrameRelayed("audio", f.Size())
	}
	return nil
}
