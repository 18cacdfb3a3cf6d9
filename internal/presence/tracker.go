// Package presence tracks which users are online, gated by connection epoch
// so updates from a dead connection cannot overwrite state seeded by a newer
// one.
package presence

import "sync"

// Entry is one user's presence state.
type Entry struct {
	UserID   string
	Online   bool
	LastSeen int64 // unix millis, 0 when never seen
}

// Tracker holds the presence map. Unknown users read as offline. Every write
// carries the epoch of the connection it arrived on; writes tagged with an
// epoch older than the tracker's current one are discarded.
type Tracker struct {
	mu      sync.RWMutex
	epoch   uint64
	entries map[string]Entry
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]Entry)}
}

// Seed replaces the whole map with a bulk snapshot fetched on epoch start.
// A seed from an older epoch is ignored.
func (t *Tracker) Seed(epoch uint64, entries []Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch < t.epoch {
		return false
	}
	t.epoch = epoch
	t.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		t.entries[e.UserID] = e
	}
	return true
}

// Apply records a single presence change. Returns false when the update is
// from a stale epoch and was discarded.
func (t *Tracker) Apply(epoch uint64, e Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch < t.epoch {
		return false
	}
	t.epoch = epoch
	t.entries[e.UserID] = e
	return true
}

// IsOnline reports whether the user is known to be online. Absent users are
// offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[userID].Online
}

// LastSeen returns the user's last-seen timestamp, 0 when unknown.
func (t *Tracker) LastSeen(userID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[userID].LastSeen
}

// Get returns the entry for a user.
func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return e, ok
}

// Snapshot returns a copy of every tracked entry.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Epoch returns the newest epoch the tracker has seen.
func (t *Tracker) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}
