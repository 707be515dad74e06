// Package groupcall tracks group call rosters. A group call exists exactly
// while its roster is non-empty, and a user is in at most one group call.
package groupcall

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/clock"
)

// ErrNotParticipant indicates the user is not in the named group call.
var ErrNotParticipant = errors.New("groupcall: user is not a participant")

// Call is a snapshot of a group call.
type Call struct {
	GroupID      int64
	Initiator    string
	StartedAt    time.Time
	Participants []string
}

// Change describes the roster of a group after a mutation. Active is false
// once the roster became empty and the call was removed.
type Change struct {
	GroupID      int64
	Active       bool
	Participants []string
}

// Registry holds the active group calls. Participants keep join order.
type Registry struct {
	mu           sync.Mutex
	calls        map[int64]*Call
	byUser       map[string]int64
	timeProvider clock.TimeProvider
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		calls:        make(map[int64]*Call),
		byUser:       make(map[string]int64),
		timeProvider: clock.DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the time provider for deterministic testing.
func (r *Registry) SetTimeProvider(tp clock.TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeProvider = clock.OrDefault(tp)
}

// Join adds user to the call of groupID, creating it if needed. If user was
// in another group call they leave it first; the returned changes list that
// group before groupID. Joining a call one is already in changes nothing but
// still reports the current roster.
func (r *Registry) Join(groupID int64, user string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []Change
	if current, ok := r.byUser[user]; ok {
		if current == groupID {
			return []Change{r.changeLocked(groupID)}
		}
		changes = append(changes, r.leaveLocked(current, user))
	}

	c, ok := r.calls[groupID]
	if !ok {
		c = &Call{GroupID: groupID, Initiator: user, StartedAt: r.timeProvider.Now()}
		r.calls[groupID] = c
	}
	c.Participants = append(c.Participants, user)
	r.byUser[user] = groupID
	return append(changes, r.changeLocked(groupID))
}

// Leave removes user from the call of groupID.
func (r *Registry) Leave(groupID int64, user string) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byUser[user]; !ok || current != groupID {
		return Change{}, fmt.Errorf("%w: %s in group %d", ErrNotParticipant, user, groupID)
	}
	return r.leaveLocked(groupID, user), nil
}

// LeaveAll removes user from whatever group call they are in.
func (r *Registry) LeaveAll(user string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byUser[user]
	if !ok {
		return nil
	}
	return []Change{r.leaveLocked(current, user)}
}

// End removes the whole call of groupID and returns its final snapshot.
func (r *Registry) End(groupID int64) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[groupID]
	if !ok {
		return Call{}, false
	}
	for _, p := range c.Participants {
		delete(r.byUser, p)
	}
	delete(r.calls, groupID)
	return copyCall(c), true
}

// Current returns the group whose call user is in.
func (r *Registry) Current(user string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gid, ok := r.byUser[user]
	return gid, ok
}

// Participants returns the roster of groupID in join order.
func (r *Registry) Participants(groupID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[groupID]
	if !ok {
		return nil
	}
	return slices.Clone(c.Participants)
}

// Others returns every participant of groupID except user.
func (r *Registry) Others(groupID int64, user string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[groupID]
	if !ok {
		return nil
	}
	others := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != user {
			others = append(others, p)
		}
	}
	return others
}

// Get returns a snapshot of the call of groupID.
func (r *Registry) Get(groupID int64) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[groupID]
	if !ok {
		return Call{}, false
	}
	return copyCall(c), true
}

// Snapshot returns every active group call.
func (r *Registry) Snapshot() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, copyCall(c))
	}
	slices.SortFunc(calls, func(a, b Call) int {
		switch {
		case a.GroupID < b.GroupID:
			return -1
		case a.GroupID > b.GroupID:
			return 1
		}
		return 0
	})
	return calls
}

// Len returns the number of active group calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Registry) leaveLocked(groupID int64, user string) Change {
	delete(r.byUser, user)
	c, ok := r.calls[groupID]
	if !ok {
		return Change{GroupID: groupID}
	}
	c.Participants = slices.DeleteFunc(c.Participants, func(p string) bool { return p == user })
	if len(c.Participants) == 0 {
		delete(r.calls, groupID)
	}
	return r.changeLocked(groupID)
}

func (r *Registry) changeLocked(groupID int64) Change {
	c, ok := r.calls[groupID]
	if !ok {
		return Change{GroupID: groupID}
	}
	return Change{GroupID: groupID, Active: true, Participants: slices.Clone(c.Participants)}
}

func copyCall(c *Call) Call {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	return out
}
