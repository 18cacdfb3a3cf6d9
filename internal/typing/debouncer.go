package typing

import (
	"sync"
	"time"
)

// Debouncer throttles the local user's outgoing typing indicators. Keystrokes
// arrive on every input event, but at most one "started" signal goes out per
// debounce interval, and a "stopped" signal fires once input has been quiet
// for the quiet interval.
type Debouncer struct {
	mu        sync.Mutex
	debounce  time.Duration
	quiet     time.Duration
	convID    string
	lastStart time.Time
	lastInput time.Time
	active    bool
}

// NewDebouncer creates a debouncer. debounce bounds how often "started" may
// be re-sent; quiet is how long input must pause before "stopped" fires.
func NewDebouncer(debounce, quiet time.Duration) *Debouncer {
	return &Debouncer{debounce: debounce, quiet: quiet}
}

// NoteInput records a keystroke in a conversation. It returns true when a
// "started" indicator should be sent now. Switching conversations mid-typing
// implicitly stops the previous one; the caller should emit that stop when
// ConversationChanged reports the old id.
func (d *Debouncer) NoteInput(conversationID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active && d.convID != conversationID {
		// Caller is expected to have stopped the old conversation first.
		d.active = false
	}
	d.convID = conversationID
	d.lastInput = now

	if !d.active || now.Sub(d.lastStart) >= d.debounce {
		d.active = true
		d.lastStart = now
		return true
	}
	return false
}

// IdleStop returns the conversation to send a "stopped" indicator for when
// input has been quiet long enough, clearing the active state. Empty string
// means nothing to send.
func (d *Debouncer) IdleStop(now time.Time) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active || now.Sub(d.lastInput) < d.quiet {
		return ""
	}
	d.active = false
	return d.convID
}

// Stop force-clears the active indicator, returning the conversation that
// needs a "stopped" signal. Used when a message is sent or the conversation
// is closed.
func (d *Debouncer) Stop() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return ""
	}
	d.active = false
	return d.convID
}

// Current returns the conversation with an outstanding started indicator,
// empty when none.
func (d *Debouncer) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return ""
	}
	return d.convID
}

// Active reports whether a started indicator is outstanding.
func (d *Debouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
