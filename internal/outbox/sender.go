// Package outbox implements optimistic sends: every outgoing message is
// journaled with a client token, mirrored locally as pending, dispatched to
// the gateway, and resolved by the server acknowledgement that carries the
// durable id. Unacknowledged dispatches are re-queued under the same token
// on reconnect, so a retry after a dropped connection never duplicates the
// message server-side.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hirelink/chatsync/internal/bus"
	"github.com/hirelink/chatsync/internal/protocol"
	"github.com/hirelink/chatsync/internal/store"
)

// ErrNotFailed is returned by Retry when the entry is not in a retryable
// state. Only failed sends may be resubmitted; an in-flight send is left
// alone.
var ErrNotFailed = errors.New("outbox entry is not failed")

// GatewaySender dispatches command frames to the realtime gateway.
type GatewaySender interface {
	Send(ctx context.Context, cmdType string, payload any) error
}

type inflight struct {
	deadline time.Time
	epoch    uint64
}

// Sender owns the outbox lifecycle. All mutating methods are called from the
// session engine goroutine; the inflight set still carries a lock so the
// control API can report queue depth.
type Sender struct {
	db         *store.DB
	gw         GatewaySender
	bus        *bus.Bus
	log        *zap.Logger
	ackTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]inflight
}

// NewSender creates an outbox sender. ackTimeout bounds how long a
// dispatched send may wait for its acknowledgement.
func NewSender(db *store.DB, gw GatewaySender, b *bus.Bus, log *zap.Logger, ackTimeout time.Duration) *Sender {
	return &Sender{
		db:         db,
		gw:         gw,
		bus:        b,
		log:        log.Named("outbox"),
		ackTimeout: ackTimeout,
		inflight:   make(map[string]inflight),
	}
}

// Enqueue journals a new outgoing message and mirrors it locally as pending.
// The caller supplies the client token so it can track the send; sentAt is
// the optimistic client timestamp the mirror sorts by until the ack replaces
// it.
func (s *Sender) Enqueue(e *store.OutboxEntry, sentAt int64) error {
	if e.ClientToken == "" {
		e.ClientToken = uuid.NewString()
	}
	if err := s.db.QueueOutbox(e); err != nil {
		return fmt.Errorf("queue outbox: %w", err)
	}

	msg := &store.Message{
		ConversationID: e.ConversationID,
		MsgID:          e.ClientToken,
		Body:           e.Body,
		AttachmentRef:  e.AttachmentRef,
		ReplyToID:      e.ReplyToID,
		MessageType:    e.MessageType,
		FromMe:         true,
		Status:         store.StatusPending,
		SentAt:         sentAt,
	}
	if err := s.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("mirror pending message: %w", err)
	}
	s.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"conversation_id": e.ConversationID,
		"msg_id":          e.ClientToken,
	})
	return nil
}

// Flush dispatches every queued entry over the gateway. A dispatch that
// cannot be written falls back to queued and waits for the next flush; a
// written one enters the inflight set tagged with the connection epoch.
func (s *Sender) Flush(ctx context.Context, epoch uint64) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.log.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientToken); err != nil {
			s.log.Error("failed to mark sending", zap.Error(err), zap.String("token", entry.ClientToken))
			continue
		}

		err := s.gw.Send(ctx, protocol.CmdSendMessage, protocol.SendMessagePayload{
			ConversationID: entry.ConversationID,
			Content:        entry.Body,
			AttachmentRef:  entry.AttachmentRef,
			MessageType:    entry.MessageType,
			ClientToken:    entry.ClientToken,
			ReplyToID:      entry.ReplyToID,
		})
		if err != nil {
			s.log.Warn("dispatch failed, re-queueing", zap.Error(err), zap.String("token", entry.ClientToken))
			_ = s.db.RequeueOutbox(entry.ClientToken)
			continue
		}

		s.mu.Lock()
		s.inflight[entry.ClientToken] = inflight{
			deadline: time.Now().Add(s.ackTimeout),
			epoch:    epoch,
		}
		s.mu.Unlock()
		s.log.Debug("dispatched", zap.String("token", entry.ClientToken), zap.Uint64("epoch", epoch))
	}
}

// RequeueUnacked moves every dispatched-but-unacknowledged entry back to
// queued under its original token and clears the inflight set. Called on
// reconnect: the old connection can no longer deliver those acks.
func (s *Sender) RequeueUnacked() error {
	unacked, err := s.db.UnackedOutbox()
	if err != nil {
		return fmt.Errorf("read unacked outbox: %w", err)
	}
	for _, entry := range unacked {
		if err := s.db.RequeueOutbox(entry.ClientToken); err != nil {
			return fmt.Errorf("requeue %s: %w", entry.ClientToken, err)
		}
		s.log.Info("re-queued unacked send", zap.String("token", entry.ClientToken))
	}
	s.mu.Lock()
	s.inflight = make(map[string]inflight)
	s.mu.Unlock()
	return nil
}

// Ack resolves a dispatched send with the server's acknowledgement. The
// mirror swaps the client token for the durable id and takes the server's
// authoritative timestamp.
func (s *Sender) Ack(clientToken, durableID string, sentAt int64, st store.Status) error {
	entry, err := s.db.GetOutbox(clientToken)
	if err != nil {
		return err
	}
	if entry == nil {
		// Ack for a token we never sent, or a duplicate ack after rekey.
		s.log.Warn("ack for unknown token", zap.String("token", clientToken))
		return nil
	}

	if err := s.db.MarkOutboxSent(clientToken, durableID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if err := s.db.ConfirmSend(entry.ConversationID, clientToken, durableID, sentAt, st); err != nil {
		return fmt.Errorf("confirm send: %w", err)
	}

	s.mu.Lock()
	delete(s.inflight, clientToken)
	s.mu.Unlock()

	s.log.Info("send acknowledged", zap.String("token", clientToken), zap.String("msg_id", durableID))
	s.bus.Emit(bus.KindMessageAcked, map[string]string{
		"conversation_id": entry.ConversationID,
		"client_token":    clientToken,
		"msg_id":          durableID,
	})
	return nil
}

// Fail marks a send as failed. The entry stays in the outbox until the user
// explicitly resubmits it; nothing retries a failed send on its own.
func (s *Sender) Fail(clientToken, reason string) error {
	entry, err := s.db.GetOutbox(clientToken)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	if err := s.db.MarkOutboxFailed(clientToken, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if _, err := s.db.MarkMessageFailed(entry.ConversationID, clientToken); err != nil {
		return fmt.Errorf("fail mirror: %w", err)
	}

	s.mu.Lock()
	delete(s.inflight, clientToken)
	s.mu.Unlock()

	s.log.Warn("send failed", zap.String("token", clientToken), zap.String("reason", reason))
	s.bus.Emit(bus.KindMessageSendFailed, map[string]string{
		"conversation_id": entry.ConversationID,
		"client_token":    clientToken,
		"error":           reason,
	})
	return nil
}

// CheckTimeouts fails every inflight send whose ack deadline passed on the
// current connection, and returns the failed tokens. Entries from an older
// epoch are dropped without failing; RequeueUnacked handles those on
// reconnect.
func (s *Sender) CheckTimeouts(now time.Time, currentEpoch uint64) []string {
	s.mu.Lock()
	var expired []string
	for token, fl := range s.inflight {
		if fl.epoch != currentEpoch {
			delete(s.inflight, token)
			continue
		}
		if now.After(fl.deadline) {
			expired = append(expired, token)
		}
	}
	s.mu.Unlock()

	for _, token := range expired {
		if err := s.Fail(token, "acknowledgement timeout"); err != nil {
			s.log.Error("failed to time out send", zap.Error(err), zap.String("token", token))
		}
	}
	return expired
}

// Retry resubmits a failed send under a fresh client token and returns the
// new token. Anything not in the failed state is refused: queued and
// inflight sends must resolve first.
func (s *Sender) Retry(oldToken string, sentAt int64) (string, error) {
	entry, err := s.db.GetOutbox(oldToken)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", fmt.Errorf("outbox entry %s: %w", oldToken, errNotFound)
	}
	if entry.Status != "failed" {
		return "", ErrNotFailed
	}

	newToken := uuid.NewString()
	if err := s.db.RekeyOutbox(oldToken, newToken); err != nil {
		return "", fmt.Errorf("rekey outbox: %w", err)
	}
	if err := s.db.RekeyMessage(entry.ConversationID, oldToken, newToken, sentAt); err != nil {
		return "", fmt.Errorf("rekey mirror: %w", err)
	}

	s.log.Info("send resubmitted", zap.String("old_token", oldToken), zap.String("token", newToken))
	s.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"conversation_id": entry.ConversationID,
		"msg_id":          newToken,
	})
	return newToken, nil
}

// InflightCount reports how many dispatched sends are awaiting their ack.
func (s *Sender) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

var errNotFound = errors.New("not found")

// IsNotFound reports whether err means the outbox entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}
