// Package socket owns the single real-time transport session per user:
// connect, authenticated handshake, transparent reconnection with backoff,
// and low-level event dispatch to subscribers.
package socket

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/status"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 20 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 1 << 20
)

// ErrNotConnected is returned by emits while no live connection exists.
var ErrNotConnected = errors.New("socket: not connected")

// Handler receives the raw payload of a subscribed event. Handlers for one
// connection run serially on the read goroutine, so two events never
// interleave their state updates.
type Handler func(data json.RawMessage)

// Subscription is a handle for one registered event handler.
type Subscription struct {
	m     *Manager
	event string
	id    uint64
}

// Cancel removes the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.m == nil {
		return
	}
	s.m.mu.Lock()
	if hs, ok := s.m.handlers[s.event]; ok {
		delete(hs, s.id)
	}
	s.m.mu.Unlock()
	s.m = nil
}

// Manager maintains exactly one live session against the realtime
// endpoint. Open is idempotent; transport drops reconnect internally with
// backoff, while handshake failures and server-forced disconnects schedule
// a full reinitialization. Network errors are never fatal to callers: the
// only caller-visible failure is the status machine's state plus a
// human-readable error string.
type Manager struct {
	url     string
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	// onConnect runs after every successful (re)connect, once the join
	// signal is out. Set before Open.
	onConnect func()

	// reconnect tuning, defaulted in New and shortened by tests
	reconnectBase   time.Duration
	reconnectCap    time.Duration
	forcedReinit    time.Duration
	handshakeRetry  time.Duration
	ackTimeout      time.Duration
	pingEvery       time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	gen      uint64
	open     bool
	userID   string
	token    string
	handlers map[string]map[uint64]Handler
	nextSub  uint64
	acks     map[uint64]chan json.RawMessage
	nextAck  uint64

	writeMu sync.Mutex
}

// New creates a manager for the given websocket URL.
func New(rawURL string, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		url:            rawURL,
		machine:        machine,
		bus:            b,
		logger:         logger,
		reconnectBase:  time.Second,
		reconnectCap:   5 * time.Second,
		forcedReinit:   time.Second,
		handshakeRetry: 5 * time.Second,
		ackTimeout:     5 * time.Second,
		pingEvery:      pingPeriod,
		handlers:       make(map[string]map[uint64]Handler),
		acks:           make(map[uint64]chan json.RawMessage),
	}
}

// SetOnConnect registers the reconnect hook (directory refresh, thread
// rejoin). Must be called before Open.
func (m *Manager) SetOnConnect(fn func()) {
	m.onConnect = fn
}

// Open starts the session for the given user. If a session already exists
// it is torn down first.
func (m *Manager) Open(userID, token string) {
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	g := m.gen
	m.open = true
	m.userID = userID
	m.token = token
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connecting)
	go m.run(g)
}

// Close releases the transport unconditionally and removes all event
// subscriptions. Safe to call when already closed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.gen++
	m.open = false
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.handlers = make(map[string]map[uint64]Handler)
	for id, ch := range m.acks {
		close(ch)
		delete(m.acks, id)
	}
	m.mu.Unlock()

	if m.machine.Current() != status.Disconnected {
		_ = m.machine.Transition(status.Disconnected)
	}
}

// Status returns the connection state.
func (m *Manager) Status() status.State {
	return m.machine.Current()
}

// LastError returns the last connection error for display.
func (m *Manager) LastError() string {
	return m.machine.LastError()
}

// Subscribe registers a handler for a named server event and returns its
// handle. All handles are invalidated by Close.
func (m *Manager) Subscribe(event string, h Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[uint64]Handler)
	}
	m.nextSub++
	m.handlers[event][m.nextSub] = h
	return &Subscription{m: m, event: event, id: m.nextSub}
}

// Emit sends a fire-and-forget signal.
func (m *Manager) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.write(frame{Event: event, Data: data})
}

// EmitWithAck sends a signal and waits for the server's acknowledgment.
// A non-empty error field in the ack payload, a closed session, the
// context, or the ack timeout all fail the call.
func (m *Manager) EmitWithAck(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ch := make(chan json.RawMessage, 1)
	m.mu.Lock()
	m.nextAck++
	id := m.nextAck
	m.acks[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.acks, id)
		m.mu.Unlock()
	}()

	if err := m.write(frame{Event: event, Data: data, Ack: id}); err != nil {
		return err
	}

	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()

	select {
	case raw, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		var ack ackPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ack); err != nil {
				return fmt.Errorf("parse %s ack: %w", event, err)
			}
		}
		if ack.Error != "" {
			return fmt.Errorf("%s rejected: %s", event, ack.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: no acknowledgment within %s", event, m.ackTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) alive(g uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open && m.gen == g
}

func (m *Manager) write(f frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (m *Manager) dial() (*websocket.Conn, error) {
	u, err := url.Parse(m.url)
	if err != nil {
		return nil, fmt.Errorf("socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", m.token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{"Authorization": {"Bearer " + m.token}}

	conn, resp, err := dialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// run owns one session generation: initial handshake, then a read loop
// with internal reconnection until the generation is invalidated.
func (m *Manager) run(g uint64) {
	conn, err := m.dial()
	if err != nil {
		if !m.alive(g) {
			return
		}
		// Initial handshake error: surface the error state and schedule a
		// full manual reinitialization.
		_ = m.machine.Fail(err.Error())
		m.logger.Warn("socket handshake failed", zap.Error(err))
		m.scheduleReinit(g, m.handshakeRetry)
		return
	}
	if !m.adopt(g, conn) {
		return
	}
	m.connected(g)
	stopPing := m.startPing(conn)

	for {
		forced := m.readLoop(g, conn)
		stopPing()
		if !m.alive(g) {
			return
		}
		if forced {
			// The server forced the disconnect; transport-level retry will
			// not help. Tear down and reinitialize shortly.
			_ = m.machine.Transition(status.Disconnected)
			m.logger.Warn("server forced disconnect, scheduling reinitialization")
			m.scheduleReinit(g, m.forcedReinit)
			return
		}

		_ = m.machine.Transition(status.Connecting)
		delay := m.reconnectBase
		for {
			time.Sleep(jitter(delay))
			if !m.alive(g) {
				return
			}
			conn, err = m.dial()
			if err == nil {
				break
			}
			m.logger.Warn("reconnect attempt failed", zap.Error(err), zap.Duration("next_delay", delay))
			delay *= 2
			if delay > m.reconnectCap {
				delay = m.reconnectCap
			}
		}
		if !m.adopt(g, conn) {
			return
		}
		m.connected(g)
		stopPing = m.startPing(conn)
	}
}

// adopt installs the connection if the generation is still current.
func (m *Manager) adopt(g uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open || m.gen != g {
		_ = conn.Close()
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) connected(g uint64) {
	_ = m.machine.Transition(status.Connected)
	m.logger.Info("socket connected")
	m.bus.Emit("session.connected", nil)

	if err := m.Emit(SignalJoinUser, map[string]string{"userId": m.userID}); err != nil {
		m.logger.Warn("join as user failed", zap.Error(err))
	}
	if m.onConnect != nil {
		go m.onConnect()
	}
}

// startPing keeps one connection's read deadline fed with client pings.
// The loop is bound to the connection, not the session, so every
// reconnect gets a fresh one; the returned stop func ends it.
func (m *Manager) startPing(conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				m.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// readLoop pumps frames until the connection drops. Returns true when the
// close was forced by the server.
func (m *Manager) readLoop(g uint64, conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			_ = conn.Close()
			if !m.alive(g) {
				return false
			}
			if isServerForcedClose(err) {
				return true
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("socket read failed", zap.Error(err))
			}
			m.bus.Emit("session.disconnected", nil)
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		m.dispatch(f)
	}
}

func (m *Manager) dispatch(f frame) {
	if f.Event == "" && f.Ack != 0 {
		m.mu.Lock()
		ch, ok := m.acks[f.Ack]
		if ok {
			delete(m.acks, f.Ack)
		}
		m.mu.Unlock()
		if ok {
			ch <- f.Data
			close(ch)
		}
		return
	}

	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers[f.Event]))
	for _, h := range m.handlers[f.Event] {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(f.Data)
	}
}

// isServerForcedClose matches the backend's deliberate disconnect, which
// must not be retried at the transport level.
func isServerForcedClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseServiceRestart || ce.Text == "io server disconnect"
}

func (m *Manager) scheduleReinit(g uint64, after time.Duration) {
	time.AfterFunc(after, func() {
		m.mu.Lock()
		if !m.open || m.gen != g {
			m.mu.Unlock()
			return
		}
		m.gen++
		next := m.gen
		if m.conn != nil {
			_ = m.conn.Close()
			m.conn = nil
		}
		m.mu.Unlock()

		if m.machine.Current() != status.Connecting {
			_ = m.machine.Transition(status.Connecting)
		}
		go m.run(next)
	})
}

// jitter spreads a delay by ±50% so parallel sessions do not reconnect
// in lockstep.
func jitter(d time.Duration) time.Duration {
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(int64(d)))
}
