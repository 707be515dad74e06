// Package transfer tracks in-flight chunked transfers (files and screen
// frames) so that stalled ones can be expired. Payloads are never stored or
// reassembled here; the relay forwards chunks as they arrive.
package transfer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/clock"
)

// Kind identifies what is being transferred and to whom.
type Kind uint8

const (
	KindFile Kind = iota
	KindGroupFile
	KindScreen
	KindGroupScreen
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindGroupFile:
		return "group_file"
	case KindScreen:
		return "screen"
	case KindGroupScreen:
		return "group_screen"
	default:
		return "unknown"
	}
}

// ErrUnknown indicates a chunk or end for a transfer that was never started
// or already finished.
var ErrUnknown = errors.New("transfer: no such transfer")

// Key identifies a transfer. Dest is a username or a group id; ID is the
// frame id of a screen frame and empty for files, which are keyed by
// sender and destination alone.
type Key struct {
	Kind   Kind
	Sender string
	Dest   string
	ID     string
}

func (k Key) String() string {
	if k.ID == "" {
		return fmt.Sprintf("%s:%s->%s", k.Kind, k.Sender, k.Dest)
	}
	return fmt.Sprintf("%s:%s->%s#%s", k.Kind, k.Sender, k.Dest, k.ID)
}

// Transfer is a snapshot of an in-flight transfer. Recipients caches the
// authorized destinations resolved when the transfer started.
type Transfer struct {
	Key
	Name         string
	Size         int64
	Expected     int
	Received     int
	StartedAt    time.Time
	LastActivity time.Time
	Recipients   []string
}

// Tracker holds in-flight transfers.
type Tracker struct {
	mu           sync.Mutex
	active       map[Key]*Transfer
	timeProvider clock.TimeProvider
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:       make(map[Key]*Transfer),
		timeProvider: clock.DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the time provider for deterministic testing.
func (t *Tracker) SetTimeProvider(tp clock.TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = clock.OrDefault(tp)
}

// Start registers tr, replacing any transfer with the same key. The
// replaced transfer is returned so the caller can abort it.
func (t *Tracker) Start(tr Transfer) (Transfer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.timeProvider.Now()
	stored := tr
	stored.Received = 0
	stored.StartedAt = now
	stored.LastActivity = now
	stored.Recipients = slices.Clone(tr.Recipients)

	prev, replaced := t.active[tr.Key]
	t.active[tr.Key] = &stored
	if replaced {
		return copyTransfer(prev), true
	}
	return Transfer{}, false
}

// Chunk records one chunk for key.
func (t *Tracker) Chunk(key Key) (Transfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.active[key]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s", ErrUnknown, key)
	}
	tr.Received++
	tr.LastActivity = t.timeProvider.Now()
	return copyTransfer(tr), nil
}

// End finishes the transfer for key and removes it.
func (t *Tracker) End(key Key) (Transfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.active[key]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s", ErrUnknown, key)
	}
	delete(t.active, key)
	return copyTransfer(tr), nil
}

// Get returns the transfer for key.
func (t *Tracker) Get(key Key) (Transfer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.active[key]
	if !ok {
		return Transfer{}, false
	}
	return copyTransfer(tr), true
}

// Expire removes and returns every transfer idle for at least timeout.
func (t *Tracker) Expire(timeout time.Duration) []Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Transfer
	for key, tr := range t.active {
		if t.timeProvider.Since(tr.LastActivity) >= timeout {
			expired = append(expired, copyTransfer(tr))
			delete(t.active, key)
		}
	}
	return expired
}

// RemoveBySender drops every transfer sent by sender of the given kinds,
// as when their connection closes.
func (t *Tracker) RemoveBySender(sender string, kinds ...Kind) []Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Transfer
	for key, tr := range t.active {
		if key.Sender != sender || !slices.Contains(kinds, key.Kind) {
			continue
		}
		removed = append(removed, copyTransfer(tr))
		delete(t.active, key)
	}
	return removed
}

// Len returns the number of in-flight transfers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func copyTransfer(tr *Transfer) Transfer {
	out := *tr
	out.Recipients = slices.Clone(tr.Recipients)
	return out
}
