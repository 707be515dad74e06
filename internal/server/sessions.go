package server

import (
	"sort"
	"time"

	"github.com/Tyrowin/relaychat/internal/presence"
)

// SessionInfo describes one user's live state.
type SessionInfo struct {
	User         string    `json:"user"`
	Online       bool      `json:"online"`
	Since        time.Time `json:"since,omitempty"`
	Channels     []string  `json:"channels"`
	CallPartner  string    `json:"call_partner,omitempty"`
	CallState    string    `json:"call_state,omitempty"`
	GroupCall    int64     `json:"group_call,omitempty"`
	MicMuted     bool      `json:"mic_muted"`
	SpeakerMuted bool      `json:"speaker_muted"`
	JoinedGroups []int64   `json:"joined_groups,omitempty"`
}

// Sessions returns a snapshot of every user with a bound connection or a
// presence entry, sorted by user.
func (s *Server) Sessions() []SessionInfo {
	byUser := make(map[string]*SessionInfo)
	get := func(user string) *SessionInfo {
		info, ok := byUser[user]
		if !ok {
			info = &SessionInfo{User: user, Channels: []string{}}
			byUser[user] = info
		}
		return info
	}

	for _, e := range s.presence.Snapshot() {
		info := get(e.User)
		info.Online = e.Status == presence.Online
		info.Since = e.Since
		info.MicMuted = e.Mute.Mic
		info.SpeakerMuted = e.Mute.Speaker
	}
	for role := Role(0); role < roleCount; role++ {
		for _, c := range s.registry.Bound(role) {
			info := get(c.User())
			info.Channels = append(info.Channels, role.String())
			if role == RoleGroupChat {
				info.JoinedGroups = c.joinedGroups()
			}
		}
	}
	for _, c := range s.calls.Snapshot() {
		for _, user := range []string{c.Caller, c.Callee} {
			info := get(user)
			info.CallPartner = c.Peer(user)
			info.CallState = c.State.String()
		}
	}
	for _, gc := range s.groupCalls.Snapshot() {
		for _, user := range gc.Participants {
			get(user).GroupCall = gc.GroupID
		}
	}

	out := make([]SessionInfo, 0, len(byUser))
	for _, info := range byUser {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}
