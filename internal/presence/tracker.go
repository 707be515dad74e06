// Package presence keeps the online status and call mute flags of users.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/clock"
)

// Status is a user's presence as reported to friends.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Mute flag names accepted by SetMute.
const (
	MuteMic     = "mic"
	MuteSpeaker = "speaker"
)

// ErrUnknownMute indicates a mute flag other than mic or speaker.
var ErrUnknownMute = errors.New("presence: unknown mute flag")

// Mute holds the call mute flags of a user. A mic-muted user's audio is not
// forwarded; a speaker-muted user receives none.
type Mute struct {
	Mic     bool
	Speaker bool
}

// Entry is a snapshot of one user's presence.
type Entry struct {
	User   string
	Status Status
	Mute   Mute
	Since  time.Time
}

// Tracker maps usernames to presence. Unknown users are offline.
type Tracker struct {
	mu           sync.RWMutex
	users        map[string]*Entry
	timeProvider clock.TimeProvider
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		users:        make(map[string]*Entry),
		timeProvider: clock.DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the time provider for deterministic testing.
func (t *Tracker) SetTimeProvider(tp clock.TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = clock.OrDefault(tp)
}

// SetOnline marks user online and reports whether that is a change.
func (t *Tracker) SetOnline(user string) bool {
	return t.set(user, Online)
}

// SetOffline marks user offline, clears their mute flags and reports
// whether that is a change.
func (t *Tracker) SetOffline(user string) bool {
	return t.set(user, Offline)
}

func (t *Tracker) set(user string, status Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[user]
	if ok && e.Status == status {
		return false
	}
	if status == Offline {
		if !ok {
			return false
		}
		delete(t.users, user)
		return true
	}
	t.users[user] = &Entry{User: user, Status: status, Since: t.timeProvider.Now()}
	return true
}

// Status returns the presence of user.
func (t *Tracker) Status(user string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.users[user]; ok {
		return e.Status
	}
	return Offline
}

// IsOnline reports whether user is online.
func (t *Tracker) IsOnline(user string) bool {
	return t.Status(user) == Online
}

// SetMute sets a mute flag of an online user.
func (t *Tracker) SetMute(user, flag string, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[user]
	if !ok {
		return nil
	}
	switch flag {
	case MuteMic:
		e.Mute.Mic = on
	case MuteSpeaker:
		e.Mute.Speaker = on
	default:
		return ErrUnknownMute
	}
	return nil
}

// Mute returns the mute flags of user.
func (t *Tracker) Mute(user string) Mute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.users[user]; ok {
		return e.Mute
	}
	return Mute{}
}

// Online returns the online users, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := make([]string, 0, len(t.users))
	for u := range t.users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Snapshot returns every online entry, sorted by user.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]Entry, 0, len(t.users))
	for _, e := range t.users {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].User < entries[j].User })
	return entries
}
