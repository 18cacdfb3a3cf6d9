// Package typing tracks remote typing indicators and throttles the local
// user's outgoing ones.
package typing

import (
	"sync"
	"time"
)

// Tracker records who is typing in which conversation. Indicators decay: a
// "started" event arms a TTL, and the user stops showing as typing when an
// explicit stop arrives or the TTL lapses, whichever comes first.
type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]map[string]time.Time // conversation -> user -> expiry
}

// NewTracker creates a tracker whose indicators decay after ttl.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:     ttl,
		entries: make(map[string]map[string]time.Time),
	}
}

// Apply records an indicator. A started indicator (re)arms the user's TTL
// from now; a stopped one clears the user immediately.
func (t *Tracker) Apply(conversationID, userID string, typing bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv := t.entries[conversationID]
	if typing {
		if conv == nil {
			conv = make(map[string]time.Time)
			t.entries[conversationID] = conv
		}
		conv[userID] = now.Add(t.ttl)
		return
	}
	if conv != nil {
		delete(conv, userID)
		if len(conv) == 0 {
			delete(t.entries, conversationID)
		}
	}
}

// Active returns the users currently typing in a conversation, dropping any
// whose TTL has lapsed.
func (t *Tracker) Active(conversationID string, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv := t.entries[conversationID]
	var out []string
	for user, expiry := range conv {
		if now.Before(expiry) {
			out = append(out, user)
		} else {
			delete(conv, user)
		}
	}
	if len(conv) == 0 {
		delete(t.entries, conversationID)
	}
	return out
}

// IsTyping reports whether one user is currently typing in a conversation.
func (t *Tracker) IsTyping(conversationID, userID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv := t.entries[conversationID]
	expiry, ok := conv[userID]
	if !ok {
		return false
	}
	if !now.Before(expiry) {
		delete(conv, userID)
		if len(conv) == 0 {
			delete(t.entries, conversationID)
		}
		return false
	}
	return true
}

// Sweep removes every expired indicator and returns the conversations that
// changed. Called from the session tick.
func (t *Tracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []string
	for convID, conv := range t.entries {
		dirty := false
		for user, expiry := range conv {
			if !now.Before(expiry) {
				delete(conv, user)
				dirty = true
			}
		}
		if dirty {
			changed = append(changed, convID)
		}
		if len(conv) == 0 {
			delete(t.entries, convID)
		}
	}
	return changed
}

// ClearConversation drops all indicators for a conversation.
func (t *Tracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, conversationID)
}

// Clear drops everything. Used when the session resets.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]map[string]time.Time)
}
