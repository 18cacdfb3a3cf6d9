package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hirelink/chatsync/internal/bus"
	"github.com/hirelink/chatsync/internal/protocol"
	"github.com/hirelink/chatsync/internal/store"
)

// mockGateway records dispatched frames and returns a configurable error.
type mockGateway struct {
	calls []protocol.SendMessagePayload
	err   error
}

func (m *mockGateway) Send(_ context.Context, cmdType string, payload any) error {
	if cmdType != protocol.CmdSendMessage {
		return fmt.Errorf("unexpected command %s", cmdType)
	}
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, payload.(protocol.SendMessagePayload))
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSender(t *testing.T, gw GatewaySender) (*Sender, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	s := NewSender(db, gw, b, zap.NewNop(), 10*time.Second)
	return s, db, b
}

func entry(token string) *store.OutboxEntry {
	return &store.OutboxEntry{
		ClientToken:    token,
		ConversationID: "conv-1",
		Body:           "hello",
		MessageType:    "text",
	}
}

func TestEnqueueMirrorsPendingMessage(t *testing.T) {
	mock := &mockGateway{}
	s, db, b := testSender(t, mock)

	ch, unsub := b.Subscribe("message.upserted", 10)
	defer unsub()

	if err := s.Enqueue(entry("tok-1"), 100); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no message.upserted event")
	}

	m, err := db.GetMessage("conv-1", "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Status != store.StatusPending || !m.FromMe {
		t.Fatalf("mirror = %+v", m)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

func TestFlushDispatchesQueued(t *testing.T) {
	mock := &mockGateway{}
	s, db, _ := testSender(t, mock)

	s.Enqueue(entry("tok-1"), 100)
	s.Flush(context.Background(), 1)

	if len(mock.calls) != 1 || mock.calls[0].ClientToken != "tok-1" {
		t.Fatalf("calls = %+v", mock.calls)
	}
	if s.InflightCount() != 1 {
		t.Fatalf("inflight = %d, want 1", s.InflightCount())
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Fatal("dispatched entry still queued")
	}
}

func TestFlushRequeuesOnDispatchError(t *testing.T) {
	mock := &mockGateway{err: errors.New("not connected")}
	s, db, _ := testSender(t, mock)

	s.Enqueue(entry("tok-1"), 100)
	s.Flush(context.Background(), 1)

	if s.InflightCount() != 0 {
		t.Fatal("failed dispatch entered inflight set")
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].ClientToken != "tok-1" {
		t.Fatalf("pending = %+v", pending)
	}
	// Still pending in the mirror, not failed.
	m, _ := db.GetMessage("conv-1", "tok-1")
	if m.Status != store.StatusPending {
		t.Fatalf("mirror status = %s", m.Status)
	}
}

func TestAckSwapsTokenForDurableID(t *testing.T) {
	mock := &mockGateway{}
	s, db, b := testSender(t, mock)

	ch, unsub := b.Subscribe("message.send_ack", 10)
	defer unsub()

	s.Enqueue(entry("tok-1"), 100)
	s.Flush(context.Background(), 1)

	if err := s.Ack("tok-1", "m-9", 95, store.StatusSent); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no send_ack event")
	}
	if s.InflightCount() != 0 {
		t.Fatal("acked entry still inflight")
	}
	if m, _ := db.GetMessage("conv-1", "tok-1"); m != nil {
		t.Fatal("token row survived the ack")
	}
	m, _ := db.GetMessage("conv-1", "m-9")
	if m == nil || m.Status != store.StatusSent || m.SentAt != 95 {
		t.Fatalf("durable row = %+v", m)
	}
}

func TestAckUnknownTokenIgnored(t *testing.T) {
	mock := &mockGateway{}
	s, _, _ := testSender(t, mock)

	if err := s.Ack("tok-ghost", "m-1", 10, store.StatusSent); err != nil {
		t.Fatalf("unknown ack errored: %v", err)
	}
}

func TestRequeueUnackedKeepsToken(t *testing.T) {
	mock := &mockGateway{}
	s, db, _ := testSender(t, mock)

	s.Enqueue(entry("tok-1"), 100)
	s.Flush(context.Background(), 1)

	if err := s.RequeueUnacked(); err != nil {
		t.Fatal(err)
	}
	if s.InflightCount() != 0 {
		t.Fatal("inflight set not cleared")
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].ClientToken != "tok-1" {
		t.Fatalf("pending = %+v, want original token", pending)
	}

	// Second flush re-dispatches under the same token.
	s.Flush(context.Background(), 2)
	if len(mock.calls) != 2 || mock.calls[1].ClientToken != "tok-1" {
		t.Fatalf("calls = %+v", mock.calls)
	}
}

func TestCheckTimeoutsFailsExpired(t *testing.T) {
	mock := &mockGateway{}
	s, db, b := testSender(t, mock)

	ch, unsub := b.Subscribe("message.send_failed", 10)
	defer unsub()

	s.Enqueue(entry("tok-1"), 100)
	s.Flush(context.Background(), 1)

	expired := s.CheckTimeouts(time.Now().Add(11*time.Second), 1)
	if len(expired) != 1 || expired[0] != "tok-1" {
		t.Fatalf("expired = %v", expired)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no send_failed event")
	}
	m, _ := db.GetMessage("conv-1", "tok-1")
	if m.Status != store.StatusFailed {
		t.Fatalf("mirror status = %s, want failed", m.Status)
	}
}

func TestCheckTimeoutsDropsStaleEpoch(t *testing.T) {
	mock := &mockGateway{}
	s, db, _ := testSender(t, mock)

	s.Enqueue(entry("tok-1"), 100)
	s.Flush(context.Background(), 1)

	// Epoch moved on; the entry belongs to the reconnect path, not a timeout.
	expired := s.CheckTimeouts(time.Now().Add(11*time.Second), 2)
	if len(expired) != 0 {
		t.Fatalf("expired = %v, want none", expired)
	}
	m, _ := db.GetMessage("conv-1", "tok-1")
	if m.Status == store.StatusFailed {
		t.Fatal("stale-epoch entry was failed")
	}
}

func TestCheckTimeoutsBeforeDeadline(t *testing.T) {
	mock := &mockGateway{}
	s, _, _ := testSender(t, mock)

	s.Enqueue(entry("tok-1"), 100)
	s.Flush(context.Background(), 1)

	if expired := s.CheckTimeouts(time.Now().Add(time.Second), 1); len(expired) != 0 {
		t.Fatalf("expired = %v before deadline", expired)
	}
	if s.InflightCount() != 1 {
		t.Fatal("entry dropped before deadline")
	}
}

func TestRetryRekeysFailedSend(t *testing.T) {
	mock := &mockGateway{}
	s, db, _ := testSender(t, mock)

	s.Enqueue(entry("tok-1"), 100)
	s.Flush(context.Background(), 1)
	s.Fail("tok-1", "acknowledgement timeout")

	newToken, err := s.Retry("tok-1", 200)
	if err != nil {
		t.Fatal(err)
	}
	if newToken == "" || newToken == "tok-1" {
		t.Fatalf("newToken = %q", newToken)
	}

	if e, _ := db.GetOutbox("tok-1"); e != nil {
		t.Fatal("old token still in outbox")
	}
	e, _ := db.GetOutbox(newToken)
	if e == nil || e.Status != "queued" {
		t.Fatalf("rekeyed entry = %+v", e)
	}
	m, _ := db.GetMessage("conv-1", newToken)
	if m == nil || m.Status != store.StatusPending || m.SentAt != 200 {
		t.Fatalf("rekeyed mirror = %+v", m)
	}
}

func TestRetryRefusesInflightSend(t *testing.T) {
	mock := &mockGateway{}
	s, _, _ := testSender(t, mock)

	s.Enqueue(entry("tok-1"), 100)
	s.Flush(context.Background(), 1)

	if _, err := s.Retry("tok-1", 200); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("err = %v, want ErrNotFailed", err)
	}
}

func TestRetryUnknownToken(t *testing.T) {
	mock := &mockGateway{}
	s, _, _ := testSender(t, mock)

	if _, err := s.Retry("tok-ghost", 200); !IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}
