// Package sync runs the session engine: a single goroutine that owns all
// conversation state and serializes every mutation. Gateway frames, control
// commands and timer ticks all funnel into one loop, so ordering rules
// (monotonic status, epoch gating, ack resolution) never need cross-cutting
// locks.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hirelink/chatsync/internal/bus"
	"github.com/hirelink/chatsync/internal/config"
	"github.com/hirelink/chatsync/internal/msglog"
	"github.com/hirelink/chatsync/internal/outbox"
	"github.com/hirelink/chatsync/internal/presence"
	"github.com/hirelink/chatsync/internal/protocol"
	"github.com/hirelink/chatsync/internal/store"
	"github.com/hirelink/chatsync/internal/transport"
	"github.com/hirelink/chatsync/internal/typing"
)

// ErrStopped is returned by commands submitted after the engine shut down.
var ErrStopped = errors.New("engine stopped")

// ErrNoActiveConversation is returned by operations that need one open.
var ErrNoActiveConversation = errors.New("no active conversation")

// Gateway is the slice of the transport the engine dispatches through.
type Gateway interface {
	Send(ctx context.Context, cmdType string, payload any) error
	Epoch() uint64
}

// Fetcher pulls snapshots from the platform HTTP API.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]protocol.ConversationPayload, error)
	ListMessages(ctx context.Context, conversationID, before string, limit int) ([]protocol.MessagePayload, error)
	GetPresence(ctx context.Context, userIDs []string) ([]protocol.PresenceEntryPayload, error)
}

// TypingChange is the payload of a typing.changed bus event.
type TypingChange struct {
	ConversationID string
	Users          []string
}

// ResyncResult is the payload of a resync.completed bus event. PendingKept
// counts the optimistic sends in the active window that survived the merge.
type ResyncResult struct {
	Epoch         uint64
	Conversations int
	Messages      int
	PendingKept   int
}

// Engine is the per-session event loop.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	gw       Gateway
	sender   *outbox.Sender
	api      Fetcher
	presence *presence.Tracker
	typers   *typing.Tracker
	debounce *typing.Debouncer
	cfg      *config.Session
	log      *zap.Logger

	cmds   chan func()
	cancel context.CancelFunc
	done   chan struct{}

	// Loop-owned state. Only the loop goroutine touches these.
	userID     string
	epoch      uint64
	activeConv string
	window     *msglog.Log
	resyncs    uint64
}

// NewEngine wires the engine. Start must be called before any command.
func NewEngine(db *store.DB, b *bus.Bus, gw Gateway, sender *outbox.Sender, api Fetcher, pr *presence.Tracker, cfg *config.Session, log *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		bus:      b,
		gw:       gw,
		sender:   sender,
		api:      api,
		presence: pr,
		typers:   typing.NewTracker(cfg.TypingTTL()),
		debounce: typing.NewDebouncer(cfg.TypingQuiet(), cfg.TypingQuiet()),
		cfg:      cfg,
		log:      log.Named("engine"),
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
	}
}

// Start launches the loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	// One subscription for the whole gateway namespace: connects,
	// disconnects and frames arrive in publish order, so a frame can never
	// outrun the connected event that set its epoch.
	gwCh, unsub := e.bus.Subscribe("gateway.", 256)

	go func() {
		defer close(e.done)
		defer unsub()

		ticker := time.NewTicker(e.cfg.Tick())
		defer ticker.Stop()

		for {
			select {
			case evt := <-gwCh:
				e.handleGatewayEvent(ctx, evt)
			case fn := <-e.cmds:
				fn()
			case now := <-ticker.C:
				e.tick(ctx, now)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts the loop down and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		fn()
		close(ran)
	}
	select {
	case e.cmds <- wrapped:
	case <-e.done:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// ---------------------------------------------------------------------------
// Control commands
// ---------------------------------------------------------------------------

// SendMessage journals an optimistic send and dispatches it if connected.
// Returns the client token the caller can use to track the send.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body, attachmentRef, replyToID, msgType string) (string, error) {
	var token string
	var opErr error
	err := e.do(func() {
		entry := &store.OutboxEntry{
			ConversationID: conversationID,
			Body:           body,
			AttachmentRef:  attachmentRef,
			ReplyToID:      replyToID,
			MessageType:    protocol.ParseMessageType(msgType),
		}
		now := time.Now().UnixMilli()
		if opErr = e.sender.Enqueue(entry, now); opErr != nil {
			return
		}
		token = entry.ClientToken

		if conversationID == e.activeConv && e.window != nil {
			e.window.InsertPending(store.Message{
				ConversationID: conversationID,
				MsgID:          token,
				SenderID:       e.userID,
				Body:           body,
				AttachmentRef:  attachmentRef,
				ReplyToID:      replyToID,
				MessageType:    entry.MessageType,
				FromMe:         true,
				Status:         store.StatusPending,
				SentAt:         now,
			})
		}

		// Sending implicitly stops the typing indicator.
		if conv := e.debounce.Stop(); conv != "" {
			e.sendTyping(ctx, conv, false)
		}
		e.sender.Flush(ctx, e.epoch)
	})
	if err != nil {
		return "", err
	}
	return token, opErr
}

// RetrySend resubmits a failed send under a fresh token.
func (e *Engine) RetrySend(ctx context.Context, clientToken string) (string, error) {
	var newToken string
	var opErr error
	err := e.do(func() {
		now := time.Now().UnixMilli()
		newToken, opErr = e.sender.Retry(clientToken, now)
		if opErr != nil {
			return
		}
		if e.window != nil {
			e.window.Rekey(clientToken, newToken, now)
		}
		e.sender.Flush(ctx, e.epoch)
	})
	if err != nil {
		return "", err
	}
	return newToken, opErr
}

// OpenConversation makes a conversation active: loads its message window
// from the mirror, joins it on the gateway and clears its unread count.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) ([]store.Message, error) {
	var snapshot []store.Message
	var opErr error
	err := e.do(func() {
		if e.activeConv != "" && e.activeConv != conversationID {
			e.closeActiveLocked(ctx)
		}
		e.activeConv = conversationID
		e.window = msglog.New(conversationID)

		msgs, err := e.db.ListMessages(conversationID, 0, e.cfg.WindowSize)
		if err != nil {
			opErr = fmt.Errorf("load window: %w", err)
			return
		}
		for _, m := range msgs {
			e.window.Insert(m)
		}

		e.joinActive(ctx)
		opErr = e.markReadLocked(ctx, conversationID)
		snapshot = e.window.Messages()
	})
	if err != nil {
		return nil, err
	}
	return snapshot, opErr
}

// CloseConversation leaves the active conversation.
func (e *Engine) CloseConversation(ctx context.Context) error {
	return e.do(func() {
		e.closeActiveLocked(ctx)
	})
}

// MarkRead clears a conversation's unread count and tells the gateway.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	var opErr error
	err := e.do(func() {
		opErr = e.markReadLocked(ctx, conversationID)
	})
	if err != nil {
		return err
	}
	return opErr
}

// NoteTyping records local input in a conversation, sending a throttled
// typing indicator to the gateway.
func (e *Engine) NoteTyping(ctx context.Context, conversationID string) error {
	return e.do(func() {
		if prev := e.debounce.Current(); prev != "" && prev != conversationID {
			e.debounce.Stop()
			e.sendTyping(ctx, prev, false)
		}
		if e.debounce.NoteInput(conversationID, time.Now()) {
			e.sendTyping(ctx, conversationID, true)
		}
	})
}

// ActiveConversation returns the id of the open conversation, if any.
func (e *Engine) ActiveConversation() string {
	var id string
	_ = e.do(func() { id = e.activeConv })
	return id
}

// ActiveWindow returns the in-memory message window of the open
// conversation.
func (e *Engine) ActiveWindow() []store.Message {
	var msgs []store.Message
	_ = e.do(func() {
		if e.window != nil {
			msgs = e.window.Messages()
		}
	})
	return msgs
}

// Typers returns who is typing in a conversation right now.
func (e *Engine) Typers(conversationID string) []string {
	return e.typers.Active(conversationID, time.Now())
}

// Resyncs reports how many reconnect resyncs have completed.
func (e *Engine) Resyncs() uint64 {
	var n uint64
	_ = e.do(func() { n = e.resyncs })
	return n
}

// ---------------------------------------------------------------------------
// Loop internals
// ---------------------------------------------------------------------------

func (e *Engine) handleGatewayEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindGatewayConnected:
		if conn, ok := evt.Payload.(transport.Connected); ok {
			e.handleConnected(ctx, conn)
		}
		return
	case bus.KindGatewayDisconnected:
		// Outbound typing state is meaningless on a dead connection.
		e.debounce.Stop()
		return
	case bus.KindGatewayAuthFailed:
		return
	}

	in, ok := evt.Payload.(transport.Inbound)
	if !ok {
		return
	}
	e.handleFrame(ctx, in)
}

func (e *Engine) handleConnected(ctx context.Context, conn transport.Connected) {
	e.epoch = conn.Epoch
	if conn.UserID != "" {
		e.userID = conn.UserID
	}
	e.log.Info("session connected", zap.Uint64("epoch", conn.Epoch))

	// Unacked sends from the dead connection go back to the queue under
	// their original tokens, then everything queued is dispatched.
	if err := e.sender.RequeueUnacked(); err != nil {
		e.log.Error("requeue unacked", zap.Error(err))
	}
	e.sender.Flush(ctx, e.epoch)
	e.joinActive(ctx)
	e.requestPresence(ctx)
	e.startResync(ctx, conn.Epoch)
}

// requestPresence asks the gateway for a presence snapshot of every known
// participant. The statuses event that answers it seeds the tracker under
// the current epoch.
func (e *Engine) requestPresence(ctx context.Context) {
	ids, err := e.db.AllParticipantIDs()
	if err != nil {
		e.log.Error("load participants", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := e.gw.Send(ctx, protocol.CmdPresenceGet, protocol.PresenceGetPayload{UserIDs: ids}); err != nil {
		e.log.Debug("presence get", zap.Error(err))
	}
}

func (e *Engine) handleFrame(ctx context.Context, in transport.Inbound) {
	if in.Epoch != e.epoch {
		e.log.Debug("discarding stale frame",
			zap.Uint64("frame_epoch", in.Epoch), zap.Uint64("epoch", e.epoch),
			zap.String("type", in.Envelope.Type))
		return
	}

	env := in.Envelope
	switch env.Type {
	case protocol.EvtMessageNew:
		var p protocol.MessageNewPayload
		if decode(env.Payload, &p) {
			e.handleInboundMessage(ctx, p.Message)
		}
	case protocol.EvtMessageAck:
		var p protocol.MessageAckPayload
		if decode(env.Payload, &p) {
			e.handleAck(p)
		}
	case protocol.EvtMessageStatus:
		var p protocol.MessageStatusPayload
		if decode(env.Payload, &p) {
			e.handleStatus(p)
		}
	case protocol.EvtTypingIndicator:
		var p protocol.TypingIndicatorPayload
		if decode(env.Payload, &p) {
			e.typers.Apply(p.ConversationID, p.UserID, p.IsTyping, time.Now())
			e.bus.Emit(bus.KindTypingChanged, TypingChange{
				ConversationID: p.ConversationID,
				Users:          e.typers.Active(p.ConversationID, time.Now()),
			})
		}
	case protocol.EvtPresenceChanged:
		var p protocol.PresenceEntryPayload
		if decode(env.Payload, &p) {
			entry := presence.Entry{UserID: p.UserID, Online: p.IsOnline, LastSeen: p.LastSeen}
			if e.presence.Apply(in.Epoch, entry) {
				e.bus.Emit(bus.KindPresenceUpdated, entry)
			}
		}
	case protocol.EvtPresenceStatuses:
		var p protocol.PresenceStatusesPayload
		if decode(env.Payload, &p) {
			e.presence.Seed(in.Epoch, presenceEntries(p.Statuses))
		}
	case protocol.EvtConversationUpdated:
		var p protocol.ConversationUpdatedPayload
		if decode(env.Payload, &p) {
			if err := e.db.UpsertConversation(p.Conversation.ToStoreConversation()); err != nil {
				e.log.Error("upsert conversation", zap.Error(err))
				return
			}
			e.bus.Emit(bus.KindConversationUpdated, map[string]string{"conversation_id": p.Conversation.ID})
		}
	case protocol.EvtError:
		var p protocol.ErrorPayload
		if decode(env.Payload, &p) {
			e.log.Warn("gateway error", zap.String("message", p.Message))
		}
	}
}

// handleInboundMessage mirrors a pushed message. Duplicates collapse on the
// durable id; a push for the open conversation also lands in the window and
// is immediately read, anything else bumps the unread count.
func (e *Engine) handleInboundMessage(ctx context.Context, p protocol.MessagePayload) {
	msg := p.ToStoreMessage(e.userID)

	existing, err := e.db.GetMessage(msg.ConversationID, msg.MsgID)
	if err != nil {
		e.log.Error("lookup message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		return
	}
	if err := e.db.UpsertMessage(msg); err != nil {
		e.log.Error("upsert message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		return
	}
	if existing != nil {
		// Duplicate push: the upsert already reconciled the status, nothing
		// else changes. In particular the unread count is not bumped again.
		return
	}

	active := msg.ConversationID == e.activeConv
	unreadDelta := 1
	if active || msg.FromMe {
		unreadDelta = 0
	}
	if err := e.db.TouchConversation(msg.ConversationID, msg.SentAt, p.Preview(), unreadDelta); err != nil {
		e.log.Error("touch conversation", zap.Error(err))
	}

	if active && e.window != nil {
		if e.window.Insert(*msg) && !msg.FromMe {
			// Viewing the conversation counts as reading it.
			if err := e.markReadLocked(ctx, msg.ConversationID); err != nil {
				e.log.Warn("mark read", zap.Error(err))
			}
		}
	}

	e.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"conversation_id": msg.ConversationID,
		"msg_id":          msg.MsgID,
	})
	e.bus.Emit(bus.KindConversationUpdated, map[string]string{"conversation_id": msg.ConversationID})
}

func (e *Engine) handleAck(p protocol.MessageAckPayload) {
	st := protocol.ParseStatus(p.Status)
	if err := e.sender.Ack(p.ClientToken, p.MessageID, p.SentAt, st); err != nil {
		e.log.Error("resolve ack", zap.Error(err), zap.String("token", p.ClientToken))
		return
	}
	if e.window != nil {
		e.window.Confirm(p.ClientToken, p.MessageID, p.SentAt, st)
	}
}

func (e *Engine) handleStatus(p protocol.MessageStatusPayload) {
	st := protocol.ParseStatus(p.Status)
	msg, err := e.db.FindByDurableID(p.MessageID)
	if err != nil {
		e.log.Error("lookup message", zap.Error(err))
		return
	}
	if msg == nil {
		e.log.Debug("status for unknown message", zap.String("msg_id", p.MessageID))
		return
	}

	changed, err := e.db.AdvanceMessageStatus(msg.ConversationID, p.MessageID, st)
	if err != nil {
		e.log.Error("advance status", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	if e.window != nil {
		e.window.Advance(p.MessageID, st)
	}
	e.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"conversation_id": msg.ConversationID,
		"msg_id":          p.MessageID,
	})
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	for _, token := range e.sender.CheckTimeouts(now, e.epoch) {
		if e.window != nil {
			e.window.Fail(token)
		}
	}

	for _, convID := range e.typers.Sweep(now) {
		e.bus.Emit(bus.KindTypingChanged, TypingChange{
			ConversationID: convID,
			Users:          e.typers.Active(convID, now),
		})
	}

	if conv := e.debounce.IdleStop(now); conv != "" {
		e.sendTyping(ctx, conv, false)
	}
}

func (e *Engine) closeActiveLocked(ctx context.Context) {
	if e.activeConv == "" {
		return
	}
	if conv := e.debounce.Stop(); conv != "" {
		e.sendTyping(ctx, conv, false)
	}
	if err := e.gw.Send(ctx, protocol.CmdLeaveConversation, protocol.ConversationRefPayload{ConversationID: e.activeConv}); err != nil {
		e.log.Debug("leave conversation", zap.Error(err))
	}
	// Inbound typing entries for the conversation being left are dropped
	// rather than waiting out their TTL.
	e.typers.ClearConversation(e.activeConv)
	e.activeConv = ""
	e.window = nil
}

func (e *Engine) joinActive(ctx context.Context) {
	if e.activeConv == "" {
		return
	}
	if err := e.gw.Send(ctx, protocol.CmdJoinConversation, protocol.ConversationRefPayload{ConversationID: e.activeConv}); err != nil {
		e.log.Debug("join conversation", zap.Error(err))
	}
}

func (e *Engine) markReadLocked(ctx context.Context, conversationID string) error {
	if err := e.db.ResetUnread(conversationID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}

	var newestID string
	if e.window != nil && e.window.ConversationID() == conversationID {
		if m, ok := e.window.Newest(); ok {
			newestID = m.MsgID
		}
	}
	if err := e.gw.Send(ctx, protocol.CmdMarkRead, protocol.MarkReadPayload{
		ConversationID: conversationID,
		MessageID:      newestID,
	}); err != nil {
		e.log.Debug("mark read", zap.Error(err))
	}
	e.bus.Emit(bus.KindConversationUpdated, map[string]string{"conversation_id": conversationID})
	return nil
}

func (e *Engine) sendTyping(ctx context.Context, conversationID string, isTyping bool) {
	err := e.gw.Send(ctx, protocol.CmdTyping, protocol.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		e.log.Debug("send typing", zap.Error(err))
	}
}

func decode(data []byte, v any) bool {
	return json.Unmarshal(data, v) == nil
}

func presenceEntries(statuses []protocol.PresenceEntryPayload) []presence.Entry {
	out := make([]presence.Entry, len(statuses))
	for i, s := range statuses {
		out[i] = presence.Entry{UserID: s.UserID, Online: s.IsOnline, LastSeen: s.LastSeen}
	}
	return out
}
