// Package msglog holds the in-memory message window for the active
// conversation: an ordered, deduplicated log of mirrored and optimistic
// entries.
package msglog

import (
	"sort"
	"sync"

	"github.com/hirelink/chatsync/internal/store"
)

// Log is the ordered message window for one conversation. Entries are kept
// sorted by (sentAt, id) at all times; the id breaks timestamp ties. Readers
// get copies, so a snapshot never observes a half-applied mutation.
type Log struct {
	mu             sync.RWMutex
	conversationID string
	entries        []store.Message
	pending        map[string]struct{} // client tokens currently in the log
}

// New creates an empty log for a conversation.
func New(conversationID string) *Log {
	return &Log{
		conversationID: conversationID,
		pending:        make(map[string]struct{}),
	}
}

// ConversationID returns the conversation this log belongs to.
func (l *Log) ConversationID() string {
	return l.conversationID
}

// Load replaces the window contents with a fetched batch. Pending entries
// already in the log survive the load; they are local state the server does
// not know about yet.
func (l *Log) Load(msgs []store.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept []store.Message
	for _, m := range l.entries {
		if _, ok := l.pending[m.MsgID]; ok {
			kept = append(kept, m)
		}
	}
	l.entries = kept
	for _, m := range msgs {
		l.insertLocked(m)
	}
}

// Insert adds a message, deduplicating by wire id. Returns false when the id
// is already present (at-least-once delivery makes duplicates routine).
func (l *Log) Insert(m store.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertLocked(m)
}

// InsertPending adds an optimistic entry keyed by its client token.
func (l *Log) InsertPending(m store.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.insertLocked(m) {
		return false
	}
	l.pending[m.MsgID] = struct{}{}
	return true
}

// Confirm resolves an optimistic entry against its server acknowledgement:
// the token entry is removed and the confirmed message reinserted under its
// durable id and authoritative timestamp, so the log re-sorts if the server
// time differs from the optimistic guess. If the durable id is already
// present (push beat the ack) the token entry is simply dropped and the
// existing entry's status advanced. Returns false when the token is unknown.
func (l *Log) Confirm(clientToken, durableID string, sentAt int64, st store.Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(clientToken)
	if idx < 0 {
		return false
	}
	m := l.entries[idx]
	l.removeAt(idx)
	delete(l.pending, clientToken)

	if dup := l.indexOf(durableID); dup >= 0 {
		if l.entries[dup].Status.Advances(st) {
			l.entries[dup].Status = st
		}
		return true
	}

	m.MsgID = durableID
	m.SentAt = sentAt
	m.Status = st
	l.insertLocked(m)
	return true
}

// Advance applies a status update under the monotonic-advance rule.
// Returns false for unknown ids or regressions, both of which the caller
// discards.
func (l *Log) Advance(msgID string, st store.Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(msgID)
	if idx < 0 {
		return false
	}
	if !l.entries[idx].Status.Advances(st) {
		return false
	}
	l.entries[idx].Status = st
	return true
}

// Fail marks an optimistic entry failed. Only pending or sent entries can
// fail.
func (l *Log) Fail(clientToken string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(clientToken)
	if idx < 0 {
		return false
	}
	if !l.entries[idx].Status.Advances(store.StatusFailed) {
		return false
	}
	l.entries[idx].Status = store.StatusFailed
	return true
}

// Rekey swaps a failed entry's token for a fresh one and resets it to
// pending with a new client timestamp, re-sorting the log.
func (l *Log) Rekey(oldToken, newToken string, sentAt int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(oldToken)
	if idx < 0 {
		return false
	}
	m := l.entries[idx]
	l.removeAt(idx)
	delete(l.pending, oldToken)

	m.MsgID = newToken
	m.SentAt = sentAt
	m.Status = store.StatusPending
	l.insertLocked(m)
	l.pending[newToken] = struct{}{}
	return true
}

// Get returns a copy of the entry with the given id.
func (l *Log) Get(msgID string) (store.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.indexOf(msgID)
	if idx < 0 {
		return store.Message{}, false
	}
	return l.entries[idx], true
}

// Messages returns a sorted copy of the window.
func (l *Log) Messages() []store.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]store.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Pending returns copies of the optimistic entries still awaiting an ack.
func (l *Log) Pending() []store.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []store.Message
	for _, m := range l.entries {
		if _, ok := l.pending[m.MsgID]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of entries in the window.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Newest returns a copy of the newest entry, if any.
func (l *Log) Newest() (store.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return store.Message{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l *Log) insertLocked(m store.Message) bool {
	if l.indexOf(m.MsgID) >= 0 {
		return false
	}
	pos := sort.Search(len(l.entries), func(i int) bool {
		return m.Less(l.entries[i])
	})
	l.entries = append(l.entries, store.Message{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = m
	return true
}

func (l *Log) indexOf(msgID string) int {
	for i := range l.entries {
		if l.entries[i].MsgID == msgID {
			return i
		}
	}
	return -1
}

func (l *Log) removeAt(idx int) {
	l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
}
