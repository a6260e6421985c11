// Package client maintains a single long-lived gateway connection on
// behalf of an application: it dials, authenticates, keeps the desired
// channel joined across reconnects, and fans inbound events out to
// registered listeners.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cjp0116/discord/pkg/config"
	"github.com/cjp0116/discord/pkg/protocol"
	"github.com/cjp0116/discord/pkg/retry"
)

// Synthetic events dispatched to listeners alongside server frames.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Conn is one live transport connection. Frames is closed when the
// connection dies, however it dies.
type Conn interface {
	Send(event string, payload any) error
	Frames() <-chan protocol.Frame
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Manager owns at most one connection at a time. All methods are safe
// for concurrent use.
type Manager struct {
	logger *slog.Logger
	dialer Dialer
	cfg    config.ClientConfig

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         int
	token       string
	userID      string
	desired     string
	current     string
	awaitingAck bool
	voluntary   bool
	redial      *time.Timer

	listeners map[string]map[int]func(json.RawMessage)
	nextID    int
}

func NewManager(logger *slog.Logger, dialer Dialer, cfg config.ClientConfig) *Manager {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &Manager{
		logger:    logger.With(slog.String("component", "client")),
		dialer:    dialer,
		cfg:       cfg,
		listeners: make(map[string]map[int]func(json.RawMessage)),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a transport connection is established,
// authenticated or not.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected || m.state == StateAuthenticated
}

func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateAuthenticated
}

func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// CurrentChannel is the channel the server has confirmed, not the one
// most recently requested.
func (m *Manager) CurrentChannel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Connect dials the gateway and authenticates with token. It is a no-op
// when a connection attempt is already underway or established, so
// overlapping callers cannot open duplicate connections. Dial failures
// are retried with a fixed delay up to the configured attempt budget.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.token = token
	m.voluntary = false
	if m.redial != nil {
		m.redial.Stop()
		m.redial = nil
	}
	m.mu.Unlock()

	conn, err := retry.Do(ctx, func(ctx context.Context) (Conn, error) {
		dctx := ctx
		if m.cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
			defer cancel()
		}
		return m.dialer.Dial(dctx, m.cfg.URL)
	}, retry.Options{
		MaxAttempts: m.cfg.ReconnectAttempts,
		BaseDelay:   m.cfg.ReconnectDelay,
		MaxDelay:    m.cfg.ReconnectDelay,
		Factor:      1,
	})
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.logger.Error("Failed to connect", slog.String("url", m.cfg.URL), slog.Any("error", err))
		return err
	}

	m.mu.Lock()
	if m.voluntary {
		// Disconnect was called while the dial was in flight; the
		// explicit intent wins over the late connection.
		m.state = StateDisconnected
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.state = StateConnected
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.readLoop(conn, gen)

	m.dispatch(EventConnected, nil)
	if err := conn.Send(protocol.EventAuthenticate, protocol.Authenticate{Token: token}); err != nil {
		m.logger.Error("Failed to send authenticate", slog.Any("error", err))
	}
	return nil
}

// Disconnect closes the connection and suppresses any automatic
// reconnect until the next Connect call.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.voluntary = true
	if m.redial != nil {
		m.redial.Stop()
		m.redial = nil
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// SetChannel records the channel the application wants to watch. The
// manager converges on it whenever it can: immediately if
// authenticated, otherwise as soon as authentication completes, leaving
// the previous channel first. An empty id means watch nothing.
func (m *Manager) SetChannel(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.desired = channelID
	m.reconcileLocked()
}

// On registers fn for an event and returns its unsubscribe function. A
// panicking listener is logged and does not affect other listeners.
func (m *Manager) On(event string, fn func(payload json.RawMessage)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[event] == nil {
		m.listeners[event] = make(map[int]func(json.RawMessage))
	}
	id := m.nextID
	m.nextID++
	m.listeners[event][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[event], id)
	}
}

// SendMessage reports whether the frame was handed to the transport.
// The result arrives as a message_received broadcast, not a reply.
func (m *Manager) SendMessage(channelID, content string) bool {
	return m.sendOp(protocol.EventNewMessage, protocol.NewMessage{Content: content, ChannelID: channelID})
}

func (m *Manager) EditMessage(messageID, content, channelID string) bool {
	return m.sendOp(protocol.EventEditMessage, protocol.EditMessage{MessageID: messageID, Content: content, ChannelID: channelID})
}

func (m *Manager) DeleteMessage(messageID, channelID string) bool {
	return m.sendOp(protocol.EventDeleteMessage, protocol.DeleteMessage{MessageID: messageID, ChannelID: channelID})
}

func (m *Manager) AddReaction(messageID, emoji, channelID string) bool {
	return m.sendOp(protocol.EventAddReaction, protocol.AddReaction{MessageID: messageID, Emoji: emoji, ChannelID: channelID})
}

func (m *Manager) sendOp(event string, payload any) bool {
	m.mu.Lock()
	conn := m.conn
	ok := m.state == StateAuthenticated && conn != nil
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("Dropping operation while not authenticated", slog.String("event", event))
		return false
	}
	if err := conn.Send(event, payload); err != nil {
		m.logger.Error("Failed to send frame", slog.String("event", event), slog.Any("error", err))
		return false
	}
	return true
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for frame := range conn.Frames() {
		m.handleFrame(frame)
	}
	m.handleDisconnect(gen)
}

func (m *Manager) handleFrame(frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventAuthenticated:
		var res protocol.AuthResult
		if err := json.Unmarshal(frame.Payload, &res); err != nil {
			m.logger.Error("Malformed authenticated payload", slog.Any("error", err))
			break
		}
		m.mu.Lock()
		m.state = StateAuthenticated
		m.userID = res.UserID
		m.reconcileLocked()
		m.mu.Unlock()
		m.logger.Info("Authenticated", slog.String("userID", res.UserID))

	case protocol.EventAuthError:
		m.logger.Warn("Authentication rejected", slog.String("payload", string(frame.Payload)))

	case protocol.EventJoinedChannel:
		var ref protocol.ChannelRef
		if err := json.Unmarshal(frame.Payload, &ref); err == nil {
			m.mu.Lock()
			m.current = ref.ChannelID
			m.awaitingAck = false
			m.reconcileLocked()
			m.mu.Unlock()
		}

	case protocol.EventLeftChannel:
		m.mu.Lock()
		m.current = ""
		m.awaitingAck = false
		m.reconcileLocked()
		m.mu.Unlock()
	}

	m.dispatch(frame.Event, frame.Payload)
}

// reconcileLocked drives current toward desired one acknowledged step
// at a time: leave the confirmed channel, then join the desired one.
// Each server ack calls back in here to take the next step.
func (m *Manager) reconcileLocked() {
	if m.state != StateAuthenticated || m.conn == nil || m.awaitingAck {
		return
	}
	if m.current == m.desired {
		return
	}
	if m.current != "" {
		m.awaitingAck = true
		if err := m.conn.Send(protocol.EventLeaveChannel, protocol.ChannelRef{ChannelID: m.current}); err != nil {
			m.awaitingAck = false
			m.logger.Error("Failed to send leave_channel", slog.Any("error", err))
		}
		return
	}
	m.awaitingAck = true
	if err := m.conn.Send(protocol.EventJoinChannel, protocol.ChannelRef{ChannelID: m.desired}); err != nil {
		m.awaitingAck = false
		m.logger.Error("Failed to send join_channel", slog.Any("error", err))
	}
}

func (m *Manager) handleDisconnect(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		// A newer connection has already replaced this one.
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.current = ""
	m.awaitingAck = false
	voluntary := m.voluntary
	token := m.token
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.dispatch(EventDisconnected, nil)

	if voluntary || token == "" {
		return
	}
	m.logger.Warn("Connection lost, scheduling reconnect",
		slog.Duration("delay", m.cfg.ReconnectDelay))
	m.mu.Lock()
	m.redial = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		if err := m.Connect(context.Background(), token); err != nil {
			m.logger.Error("Reconnect failed", slog.Any("error", err))
		}
	})
	m.mu.Unlock()
}

func (m *Manager) dispatch(event string, payload json.RawMessage) {
	m.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(m.listeners[event]))
	for _, fn := range m.listeners[event] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.invoke(event, fn, payload)
	}
}

func (m *Manager) invoke(event string, fn func(json.RawMessage), payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Listener panicked", slog.String("event", event), slog.Any("panic", r))
		}
	}()
	fn(payload)
}
