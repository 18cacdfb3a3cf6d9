// Package transport owns the websocket connection to the realtime gateway:
// dialing, the authentication handshake, the read loop, and reconnection
// with capped exponential backoff. Every accepted connection gets a new
// epoch; inbound frames are published on the bus tagged with the epoch they
// arrived on so downstream consumers can discard state from dead
// connections.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/hirelink/chatsync/internal/bus"
	"github.com/hirelink/chatsync/internal/config"
	"github.com/hirelink/chatsync/internal/protocol"
	"github.com/hirelink/chatsync/internal/status"
)

// ErrAuthFailed means the gateway rejected the session token. Fatal: no
// retry loop can fix a bad credential.
var ErrAuthFailed = errors.New("gateway rejected credentials")

// ErrNotConnected is returned by Send when no connection is up.
var ErrNotConnected = errors.New("not connected")

const handshakeTimeout = 10 * time.Second

// Connected is the payload of a conn.connected bus event.
type Connected struct {
	Epoch  uint64
	UserID string
}

// Disconnected is the payload of a conn.disconnected bus event.
type Disconnected struct {
	Epoch  uint64
	Reason string
}

// Inbound is the payload of a gateway.event bus event: one decoded frame
// plus the epoch of the connection it arrived on.
type Inbound struct {
	Epoch    uint64
	Envelope protocol.Envelope
}

// Manager runs the gateway connection for a session.
type Manager struct {
	cfg     *config.Session
	bus     *bus.Bus
	machine *status.Machine
	log     *zap.Logger
	backoff *backoff

	mu     sync.Mutex
	conn   *websocket.Conn
	epoch  uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a transport manager. Start must be called before Send.
func NewManager(cfg *config.Session, b *bus.Bus, machine *status.Machine, log *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     b,
		machine: machine,
		log:     log.Named("transport"),
		backoff: newBackoff(cfg.ReconnectBase(), cfg.ReconnectCap()),
	}
}

// Epoch returns the epoch of the newest accepted connection, 0 before the
// first one.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Start performs the initial connect synchronously, then hands the
// connection to the background read/reconnect loop. An authentication
// rejection on the initial connect is returned to the caller; the daemon
// must not come up with a bad token.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connecting); err != nil {
		cancel()
		return err
	}
	m.backoff.reset()
	if err := m.connect(runCtx); err != nil {
		if errors.Is(err, ErrAuthFailed) {
			m.machine.Transition(status.Disconnected)
			m.bus.Emit(bus.KindGatewayAuthFailed, err.Error())
			cancel()
			return err
		}
		// First dial failed for a transient reason; let the loop retry.
		m.log.Warn("initial connect failed, retrying", zap.Error(err))
		m.machine.Transition(status.Reconnecting)
	}

	go m.loop(runCtx)
	return nil
}

// Stop tears the connection down and stops the reconnect loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.conn = nil
	m.mu.Unlock()

	m.machine.Transition(status.Closed)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if done != nil {
		<-done
	}
}

// Send encodes and writes one command frame. Fails fast when disconnected;
// the caller decides whether to queue.
func (m *Manager) Send(ctx context.Context, cmdType string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeCommand(cmdType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmdType, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	for {
		m.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		if !m.reconnect(ctx) {
			return
		}
	}
}

// reconnect runs the backoff cycle until a connection is accepted. Returns
// false when the loop should stop (teardown or fatal auth rejection).
func (m *Manager) reconnect(ctx context.Context) bool {
	for {
		delay := m.backoff.next()
		m.log.Info("reconnect scheduled", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := m.machine.Transition(status.Connecting); err != nil {
			return false
		}
		err := m.connect(ctx)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrAuthFailed) {
			m.log.Error("credentials rejected during reconnect")
			m.machine.Transition(status.Disconnected)
			m.bus.Emit(bus.KindGatewayAuthFailed, err.Error())
			return false
		}
		m.log.Warn("reconnect attempt failed", zap.Error(err))
		if err := m.machine.Transition(status.Reconnecting); err != nil {
			return false
		}
	}
}

// connect dials the gateway and runs the handshake: the first frame must be
// an authenticated event, anything else is a credential rejection. On
// success the epoch is bumped and conn.connected published.
func (m *Manager) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, m.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_, data, err := conn.Read(hsCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read handshake: %w", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil || env.Type != protocol.EvtAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return fmt.Errorf("%w: handshake frame %q", ErrAuthFailed, env.Type)
	}
	var auth protocol.AuthenticatedPayload
	decodePayload(env.Payload, &auth)

	m.mu.Lock()
	m.conn = conn
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connected); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return err
	}
	m.backoff.markConnected()
	m.log.Info("connected", zap.Uint64("epoch", epoch), zap.String("user", auth.UserID))
	m.bus.Emit(bus.KindGatewayConnected, Connected{Epoch: epoch, UserID: auth.UserID})
	return nil
}

// readLoop pumps frames onto the bus until the connection drops.
func (m *Manager) readLoop(ctx context.Context) {
	conn := m.current()
	if conn == nil {
		return
	}
	epoch := m.Epoch()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			m.log.Warn("connection lost", zap.Uint64("epoch", epoch), zap.Error(err))
			m.machine.Transition(status.Reconnecting)
			m.bus.Emit(bus.KindGatewayDisconnected, Disconnected{Epoch: epoch, Reason: err.Error()})
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			m.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		m.bus.Emit(bus.KindGatewayEvent, Inbound{Epoch: epoch, Envelope: env})
	}
}

func (m *Manager) current() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func decodePayload(data json.RawMessage, v any) {
	_ = json.Unmarshal(data, v)
}

func (m *Manager) wsURL() string {
	u := strings.Replace(m.cfg.GatewayURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + m.cfg.Token
}
