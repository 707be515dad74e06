// Package server tracks open connections and the username bound to each
// channel role via the Registry type.
package server

import (
	"sort"
	"sync"
)

// Registry holds every open connection and, per role, the connection each
// username is bound to. A user has at most one bound connection per role.
type Registry struct {
	mutex  sync.RWMutex
	conns  map[*Conn]struct{}
	byUser [roleCount]map[string]*Conn
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{conns: make(map[*Conn]struct{})}
	for i := range r.byUser {
		r.byUser[i] = make(map[string]*Conn)
	}
	return r
}

// Add registers an accepted connection.
func (r *Registry) Add(c *Conn) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.conns[c] = struct{}{}
	return len(r.conns)
}

// Remove forgets c and reports whether it was the bound connection of its
// user, meaning session cleanup is due.
func (r *Registry) Remove(c *Conn) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.conns, c)
	return r.unbindLocked(c)
}

// Bind makes c the connection of user for c's role. A different connection
// previously bound to user is returned so the caller can close it.
func (r *Registry) Bind(c *Conn, user string) *Conn {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if old := c.User(); old != "" && old != user {
		if r.byUser[c.role][old] == c {
			delete(r.byUser[c.role], old)
		}
	}
	prev := r.byUser[c.role][user]
	r.byUser[c.role][user] = c
	c.setUser(user)
	if prev == c {
		return nil
	}
	return prev
}

// Unbind detaches c from its user without forgetting the connection.
func (r *Registry) Unbind(c *Conn) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	bound := r.unbindLocked(c)
	c.setUser("")
	return bound
}

func (r *Registry) unbindLocked(c *Conn) bool {
	user := c.User()
	if user == "" || r.byUser[c.role][user] != c {
		return false
	}
	delete(r.byUser[c.role], user)
	return true
}

// Lookup returns the connection user has bound on role.
func (r *Registry) Lookup(role Role, user string) (*Conn, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	c, ok := r.byUser[role][user]
	return c, ok
}

// Bound returns a snapshot of the bound connections of role.
func (r *Registry) Bound(role Role) []*Conn {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conns := make([]*Conn, 0, len(r.byUser[role]))
	for _, c := range r.byUser[role] {
		conns = append(conns, c)
	}
	return conns
}

// Users returns the sorted usernames bound on role.
func (r *Registry) Users(role Role) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	users := make([]string, 0, len(r.byUser[role]))
	for u := range r.byUser[role] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// getConnSnapshot returns a thread-safe snapshot of all current connections
func (r *Registry) getConnSnapshot() []*Conn {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.conns)
}
