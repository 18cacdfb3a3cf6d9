package sync

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hirelink/chatsync/internal/bus"
	"github.com/hirelink/chatsync/internal/presence"
	"github.com/hirelink/chatsync/internal/protocol"
)

// startResync re-fetches authoritative state after a connection is
// accepted: the conversation list, the active conversation's message window
// and a presence snapshot. The fetch runs off-loop; the merge is delivered
// back into the loop and discarded if the epoch moved on while the fetch was
// in flight.
func (e *Engine) startResync(ctx context.Context, epoch uint64) {
	activeConv := e.activeConv
	participantIDs, err := e.db.AllParticipantIDs()
	if err != nil {
		e.log.Error("list participants for resync", zap.Error(err))
	}

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		convs, err := e.api.ListConversations(fetchCtx)
		if err != nil {
			e.log.Error("resync: fetch conversations", zap.Error(err), zap.Uint64("epoch", epoch))
			return
		}

		var msgs []fetchedMessage
		if activeConv != "" {
			page, err := e.api.ListMessages(fetchCtx, activeConv, "", e.cfg.WindowSize)
			if err != nil {
				e.log.Warn("resync: fetch active window", zap.Error(err))
			} else {
				for _, p := range page {
					msgs = append(msgs, fetchedMessage{conversationID: activeConv, payload: p})
				}
			}
		}

		var statuses []presenceStatus
		if len(participantIDs) > 0 {
			entries, err := e.api.GetPresence(fetchCtx, participantIDs)
			if err != nil {
				e.log.Warn("resync: fetch presence", zap.Error(err))
			} else {
				for _, p := range entries {
					statuses = append(statuses, presenceStatus{userID: p.UserID, online: p.IsOnline, lastSeen: p.LastSeen})
				}
			}
		}

		e.submit(func() {
			e.applyResync(epoch, convs, msgs, statuses)
		})
	}()
}

// submit delivers fn to the loop without waiting for it.
func (e *Engine) submit(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

type fetchedMessage struct {
	conversationID string
	payload        protocol.MessagePayload
}

// applyResync merges a fetch result on the loop goroutine. The server
// snapshot is authoritative for summaries and history; local pending sends
// survive the merge untouched, their fates are decided by acks.
func (e *Engine) applyResync(epoch uint64, convs []protocol.ConversationPayload, msgs []fetchedMessage, statuses []presenceStatus) {
	if epoch != e.epoch {
		e.log.Info("discarding stale resync", zap.Uint64("fetch_epoch", epoch), zap.Uint64("epoch", e.epoch))
		return
	}

	for _, c := range convs {
		if err := e.db.UpsertConversation(c.ToStoreConversation()); err != nil {
			e.log.Error("resync: upsert conversation", zap.Error(err), zap.String("id", c.ID))
		}
	}

	merged := 0
	for _, fm := range msgs {
		m := fm.payload.ToStoreMessage(e.userID)
		if err := e.db.UpsertMessage(m); err != nil {
			e.log.Error("resync: upsert message", zap.Error(err), zap.String("msg_id", m.MsgID))
			continue
		}
		merged++
	}
	if e.window != nil && e.window.ConversationID() != "" && merged > 0 {
		fresh, err := e.db.ListMessages(e.window.ConversationID(), 0, e.cfg.WindowSize)
		if err != nil {
			e.log.Error("resync: reload window", zap.Error(err))
		} else {
			e.window.Load(fresh)
		}
	}

	if len(statuses) > 0 {
		entries := make([]presence.Entry, 0, len(statuses))
		for _, s := range statuses {
			entries = append(entries, presence.Entry{UserID: s.userID, Online: s.online, LastSeen: s.lastSeen})
		}
		e.presence.Seed(epoch, entries)
	}

	if err := e.db.SetSyncState("last_resync_at", strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		e.log.Warn("resync: record checkpoint", zap.Error(err))
	}

	pendingKept := 0
	if e.window != nil {
		pendingKept = len(e.window.Pending())
	}

	e.resyncs++
	e.log.Info("resync completed",
		zap.Uint64("epoch", epoch),
		zap.Int("conversations", len(convs)),
		zap.Int("messages", merged),
		zap.Int("pending_kept", pendingKept))
	e.bus.Emit(bus.KindResyncCompleted, ResyncResult{
		Epoch:         epoch,
		Conversations: len(convs),
		Messages:      merged,
		PendingKept:   pendingKept,
	})
}

type presenceStatus struct {
	userID   string
	online   bool
	lastSeen int64
}
