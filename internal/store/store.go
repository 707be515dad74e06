// Package store is the persistence gateway used by the relay: friendship and
// membership checks plus chat, call and presence history. The relay only
// talks to the Gateway interface; Memory backs tests and development and
// Postgres backs production.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist or does not
// belong to the caller (for example editing someone else's message).
var ErrNotFound = errors.New("store: not found")

// SystemSender is the sender recorded on server-generated history rows.
const SystemSender = "System"

// DeletedContent replaces the content of deleted messages.
const DeletedContent = "Message deleted"

// Role is a user's role within a group.
type Role string

const (
	RoleMember  Role = "member"
	RoleAdmin   Role = "admin"
	RoleCreator Role = "creator"
)

// CanModerate reports whether the role may delete other members' messages
// and exclude members.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleCreator
}

// CallStatus is the outcome stored in a call log row.
type CallStatus string

const (
	CallMissed   CallStatus = "missed"
	CallRejected CallStatus = "rejected"
	CallEnded    CallStatus = "ended"
)

// Message is a direct chat message or a system notice addressed to a user.
type Message struct {
	Sender   string
	Receiver string
	Content  string
	Read     bool
}

// GroupMessage is a chat message posted to a group.
type GroupMessage struct {
	GroupID int64
	Sender  string
	Content string
}

// CallLog is one row of call history.
type CallLog struct {
	Caller           string
	Callee           string
	StartedAt        time.Time
	EndedAt          time.Time
	Duration         time.Duration
	Status           CallStatus
	NotificationSeen bool
}

// Gateway is everything the relay needs from persistent storage. All methods
// must be safe for concurrent use.
type Gateway interface {
	UserExists(ctx context.Context, user string) (bool, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
	Friends(ctx context.Context, user string) ([]string, error)

	IsGroupMember(ctx context.Context, groupID int64, user string) (bool, error)
	GroupMembers(ctx context.Context, groupID int64) ([]string, error)
	// MemberRole returns ErrNotFound when user is not a member.
	MemberRole(ctx context.Context, groupID int64, user string) (Role, error)

	SaveMessage(ctx context.Context, msg Message) (int64, error)
	// EditMessage and DeleteMessage return ErrNotFound unless id was sent
	// by sender to receiver.
	EditMessage(ctx context.Context, id int64, sender, receiver, content string) error
	DeleteMessage(ctx context.Context, id int64, sender, receiver string) error

	SaveGroupMessage(ctx context.Context, msg GroupMessage) (int64, error)
	GroupMessageSender(ctx context.Context, groupID, id int64) (string, error)
	EditGroupMessage(ctx context.Context, groupID, id int64, sender, content string) error
	DeleteGroupMessage(ctx context.Context, groupID, id int64) error

	SaveCallLog(ctx context.Context, log CallLog) error
	// RecordCallEnd stores the call log and the end notices atomically.
	RecordCallEnd(ctx context.Context, log CallLog, notices []Message) error

	SetStatus(ctx context.Context, user, status string) error

	Close() error
}
