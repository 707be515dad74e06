package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

type pair struct{ a, b string }

func friendKey(a, b string) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

type storedMessage struct {
	Message
	ID      int64
	Edited  bool
	Deleted bool
}

type storedGroupMessage struct {
	GroupMessage
	ID      int64
	Edited  bool
	Deleted bool
}

// Memory is an in-process Gateway. It is used in tests and when no database
// is configured. Fail can be set to make every call return an error.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]struct{}
	friends       map[pair]struct{}
	groups        map[int64]map[string]Role
	messages      []storedMessage
	groupMessages []storedGroupMessage
	callLogs      []CallLog
	statuses      map[string]string
	failWith      error
}

// NewMemory returns an empty Memory gateway.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]struct{}),
		friends:  make(map[pair]struct{}),
		groups:   make(map[int64]map[string]Role),
		statuses: make(map[string]string),
	}
}

// AddUser registers users.
func (m *Memory) AddUser(users ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		m.users[u] = struct{}{}
	}
}

// AddFriendship registers both users and the friendship between them.
func (m *Memory) AddFriendship(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[a] = struct{}{}
	m.users[b] = struct{}{}
	m.friends[friendKey(a, b)] = struct{}{}
}

// AddGroupMember registers user in groupID with role.
func (m *Memory) AddGroupMember(groupID int64, user string, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user] = struct{}{}
	if m.groups[groupID] == nil {
		m.groups[groupID] = make(map[string]Role)
	}
	m.groups[groupID][user] = role
}

// Fail makes every subsequent call return err. Pass nil to recover.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Messages returns every stored direct message and notice.
func (m *Memory) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, 0, len(m.messages))
	for _, sm := range m.messages {
		out = append(out, sm.Message)
	}
	return out
}

// Message returns the stored direct message with id.
func (m *Memory) Message(id int64) (Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sm := range m.messages {
		if sm.ID == id {
			return sm.Message, true
		}
	}
	return Message{}, false
}

// GroupMessages returns every stored message of groupID.
func (m *Memory) GroupMessages(groupID int64) []GroupMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []GroupMessage
	for _, gm := range m.groupMessages {
		if gm.GroupID == groupID {
			out = append(out, gm.GroupMessage)
		}
	}
	return out
}

// CallLogs returns every stored call log.
func (m *Memory) CallLogs() []CallLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.callLogs)
}

// StatusOf returns the last persisted status of user.
func (m *Memory) StatusOf(user string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[user]
}

func (m *Memory) UserExists(_ context.Context, user string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	_, ok := m.users[user]
	return ok, nil
}

func (m *Memory) AreFriends(_ context.Context, a, b string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	_, ok := m.friends[friendKey(a, b)]
	return ok, nil
}

func (m *Memory) Friends(_ context.Context, user string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []string
	for p := range m.friends {
		switch user {
		case p.a:
			out = append(out, p.b)
		case p.b:
			out = append(out, p.a)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) IsGroupMember(_ context.Context, groupID int64, user string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	_, ok := m.groups[groupID][user]
	return ok, nil
}

func (m *Memory) GroupMembers(_ context.Context, groupID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make([]string, 0, len(m.groups[groupID]))
	for u := range m.groups[groupID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) MemberRole(_ context.Context, groupID int64, user string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	role, ok := m.groups[groupID][user]
	if !ok {
		return "", fmt.Errorf("%w: %s in group %d", ErrNotFound, user, groupID)
	}
	return role, nil
}

func (m *Memory) SaveMessage(_ context.Context, msg Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	id := int64(len(m.messages) + 1)
	m.messages = append(m.messages, storedMessage{Message: msg, ID: id})
	return id, nil
}

func (m *Memory) EditMessage(_ context.Context, id int64, sender, receiver, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	sm := m.ownedMessage(id, sender, receiver)
	if sm == nil {
		return fmt.Errorf("%w: message %d from %s to %s", ErrNotFound, id, sender, receiver)
	}
	sm.Content = content
	sm.Edited = true
	return nil
}

func (m *Memory) DeleteMessage(_ context.Context, id int64, sender, receiver string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	sm := m.ownedMessage(id, sender, receiver)
	if sm == nil {
		return fmt.Errorf("%w: message %d from %s to %s", ErrNotFound, id, sender, receiver)
	}
	sm.Content = DeletedContent
	sm.Deleted = true
	return nil
}

func (m *Memory) ownedMessage(id int64, sender, receiver string) *storedMessage {
	for i := range m.messages {
		sm := &m.messages[i]
		if sm.ID == id && sm.Sender == sender && sm.Receiver == receiver {
			return sm
		}
	}
	return nil
}

func (m *Memory) SaveGroupMessage(_ context.Context, msg GroupMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	id := int64(len(m.groupMessages) + 1)
	m.groupMessages = append(m.groupMessages, storedGroupMessage{GroupMessage: msg, ID: id})
	return id, nil
}

func (m *Memory) GroupMessageSender(_ context.Context, groupID, id int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	gm := m.groupMessage(groupID, id)
	if gm == nil {
		return "", fmt.Errorf("%w: group message %d in group %d", ErrNotFound, id, groupID)
	}
	return gm.Sender, nil
}

func (m *Memory) EditGroupMessage(_ context.Context, groupID, id int64, sender, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	gm := m.groupMessage(groupID, id)
	if gm == nil || gm.Sender != sender {
		return fmt.Errorf("%w: group message %d of %s", ErrNotFound, id, sender)
	}
	gm.Content = content
	gm.Edited = true
	return nil
}

func (m *Memory) DeleteGroupMessage(_ context.Context, groupID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	gm := m.groupMessage(groupID, id)
	if gm == nil {
		return fmt.Errorf("%w: group message %d in group %d", ErrNotFound, id, groupID)
	}
	gm.Content = DeletedContent
	gm.Deleted = true
	return nil
}

func (m *Memory) groupMessage(groupID, id int64) *storedGroupMessage {
	for i := range m.groupMessages {
		if m.groupMessages[i].ID == id && m.groupMessages[i].GroupID == groupID {
			return &m.groupMessages[i]
		}
	}
	return nil
}

func (m *Memory) SaveCallLog(_ context.Context, log CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.callLogs = append(m.callLogs, log)
	return nil
}

func (m *Memory) RecordCallEnd(_ context.Context, log CallLog, notices []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	for _, n := range notices {
		id := int64(len(m.messages) + 1)
		m.messages = append(m.messages, storedMessage{Message: n, ID: id})
	}
	m.callLogs = append(m.callLogs, log)
	return nil
}

func (m *Memory) SetStatus(_ context.Context, user, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.statuses[user] = status
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

var _ Gateway = (*Memory)(nil)
