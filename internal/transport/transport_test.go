package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/hirelink/chatsync/internal/bus"
	"github.com/hirelink/chatsync/internal/config"
	"github.com/hirelink/chatsync/internal/protocol"
	"github.com/hirelink/chatsync/internal/status"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(500*time.Millisecond, 15*time.Second)

	d0 := b.next()
	if d0 < 500*time.Millisecond || d0 >= 750*time.Millisecond {
		t.Fatalf("first delay %v outside [500ms, 750ms)", d0)
	}
	d1 := b.next()
	if d1 < time.Second || d1 >= 1250*time.Millisecond {
		t.Fatalf("second delay %v outside [1s, 1.25s)", d1)
	}
	for i := 0; i < 10; i++ {
		b.next()
	}
	if d := b.next(); d != 15*time.Second {
		t.Fatalf("delay %v not capped at 15s", d)
	}
}

func TestBackoffResetsAfterStableConnection(t *testing.T) {
	b := newBackoff(500*time.Millisecond, 15*time.Second)
	for i := 0; i < 8; i++ {
		b.next()
	}
	b.connectedAt = time.Now().Add(-2 * time.Minute)

	if d := b.next(); d >= 750*time.Millisecond {
		t.Fatalf("delay %v did not reset after stable connection", d)
	}

	// The reset applies once; if the outage continues the delay must
	// keep growing instead of re-resetting on every attempt.
	d1 := b.next()
	if d1 < time.Second || d1 >= 1250*time.Millisecond {
		t.Fatalf("second delay %v outside [1s, 1.25s): backoff re-resetting", d1)
	}
	for i := 0; i < 10; i++ {
		b.next()
	}
	if d := b.next(); d != 15*time.Second {
		t.Fatalf("delay %v did not reach cap after reset consumed", d)
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(500*time.Millisecond, 15*time.Second)
	b.next()
	b.next()
	b.reset()
	if d := b.next(); d >= 750*time.Millisecond {
		t.Fatalf("delay %v after reset", d)
	}
}

// fakeGateway is an in-process websocket gateway. Accepted connections are
// handed to the test over the conns channel after the handshake frame is
// written.
type fakeGateway struct {
	srv     *httptest.Server
	authOK  bool
	conns   chan *websocket.Conn
}

func newFakeGateway(t *testing.T, authOK bool) *fakeGateway {
	t.Helper()
	g := &fakeGateway{authOK: authOK, conns: make(chan *websocket.Conn, 4)}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		var frame []byte
		if g.authOK {
			frame = mustFrame(t, protocol.EvtAuthenticated, protocol.AuthenticatedPayload{UserID: "u-admin"})
		} else {
			frame = mustFrame(t, protocol.EvtError, protocol.ErrorPayload{Message: "bad token"})
		}
		if err := c.Write(r.Context(), websocket.MessageText, frame); err != nil {
			return
		}
		// Hand the hijacked connection to the test; it drives both sides.
		g.conns <- c
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) accepted(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("gateway accepted no connection")
		return nil
	}
}

func mustFrame(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(protocol.Envelope{Type: typ, Payload: raw})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func testManager(t *testing.T, url string) (*Manager, *bus.Bus, *status.Machine) {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	cfg := &config.Session{
		GatewayURL:      url,
		Token:           "tok",
		ReconnectBaseMs: 10,
		ReconnectCapMs:  50,
	}
	m := NewManager(cfg, b, machine, zap.NewNop())
	return m, b, machine
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestConnectHandshakeAndInbound(t *testing.T) {
	g := newFakeGateway(t, true)
	m, b, machine := testManager(t, g.srv.URL)

	connCh, unsub := b.Subscribe("gateway.", 16)
	defer unsub()
	gwCh, unsubGw := b.Subscribe("gateway.", 16)
	defer unsubGw()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	evt := waitEvent(t, connCh, bus.KindGatewayConnected)
	conn := evt.Payload.(Connected)
	if conn.Epoch != 1 || conn.UserID != "u-admin" {
		t.Fatalf("connected payload = %+v", conn)
	}
	if machine.Current() != status.Connected {
		t.Fatalf("state = %s", machine.Current())
	}

	srvConn := g.accepted(t)
	frame := mustFrame(t, protocol.EvtMessageNew, protocol.MessageNewPayload{
		Message: protocol.MessagePayload{ID: "m-1", ConversationID: "conv-1"},
	})
	if err := srvConn.Write(context.Background(), websocket.MessageText, frame); err != nil {
		t.Fatalf("server write: %v", err)
	}

	in := waitEvent(t, gwCh, bus.KindGatewayEvent).Payload.(Inbound)
	if in.Epoch != 1 || in.Envelope.Type != protocol.EvtMessageNew {
		t.Fatalf("inbound = %+v", in)
	}
}

func TestAuthRejectionIsFatal(t *testing.T) {
	g := newFakeGateway(t, false)
	m, b, machine := testManager(t, g.srv.URL)

	connCh, unsub := b.Subscribe("gateway.", 16)
	defer unsub()

	err := m.Start(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("start err = %v, want ErrAuthFailed", err)
	}
	waitEvent(t, connCh, bus.KindGatewayAuthFailed)
	if machine.Current() != status.Disconnected {
		t.Fatalf("state = %s, want Disconnected", machine.Current())
	}
}

func TestReconnectBumpsEpoch(t *testing.T) {
	g := newFakeGateway(t, true)
	m, b, _ := testManager(t, g.srv.URL)

	connCh, unsub := b.Subscribe("gateway.", 16)
	defer unsub()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	waitEvent(t, connCh, bus.KindGatewayConnected)

	srvConn := g.accepted(t)
	srvConn.Close(websocket.StatusGoingAway, "kick")

	disc := waitEvent(t, connCh, bus.KindGatewayDisconnected).Payload.(Disconnected)
	if disc.Epoch != 1 {
		t.Fatalf("disconnected epoch = %d", disc.Epoch)
	}
	re := waitEvent(t, connCh, bus.KindGatewayConnected).Payload.(Connected)
	if re.Epoch != 2 {
		t.Fatalf("reconnect epoch = %d, want 2", re.Epoch)
	}
	if m.Epoch() != 2 {
		t.Fatalf("manager epoch = %d", m.Epoch())
	}
}

func TestSendRequiresConnection(t *testing.T) {
	g := newFakeGateway(t, true)
	m, _, _ := testManager(t, g.srv.URL)

	err := m.Send(context.Background(), protocol.CmdTyping, protocol.TypingPayload{ConversationID: "conv-1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendWritesFrame(t *testing.T) {
	g := newFakeGateway(t, true)
	m, b, _ := testManager(t, g.srv.URL)

	connCh, unsub := b.Subscribe("gateway.", 16)
	defer unsub()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	waitEvent(t, connCh, bus.KindGatewayConnected)
	srvConn := g.accepted(t)

	err := m.Send(context.Background(), protocol.CmdSendMessage, protocol.SendMessagePayload{
		ConversationID: "conv-1",
		Content:        "hello",
		MessageType:    "text",
		ClientToken:    "tok-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := srvConn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var cmd struct {
		Type    string                       `json:"type"`
		Payload protocol.SendMessagePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Type != protocol.CmdSendMessage || cmd.Payload.ClientToken != "tok-1" {
		t.Fatalf("server received %+v", cmd)
	}
}
