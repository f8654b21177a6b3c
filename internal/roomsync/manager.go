package roomsync

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/cortexuvula/notesync/internal/eventloop"
	"github.com/cortexuvula/notesync/internal/notify"
	"github.com/cortexuvula/notesync/internal/protocol"
)

const outboxSize = 64

// socket is one connection attempt. Events carry its generation so that
// callbacks from a replaced socket are ignored.
type socket struct {
	gen     uint64
	conn    Conn // nil while dialing
	outbox  chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	closing bool // local close requested
	failed  bool // writer already reported the fault that ends the socket
}

// Manager owns the socket of one channel: opening, closing and reconnecting
// it, and delivering its frames. All fields below opts are owned by the
// event loop.
type Manager struct {
	loop    *eventloop.Loop
	purpose Purpose
	opts    Options
	logger  *slog.Logger

	room           string
	state          ConnectionState
	retryCount     int
	policy         backoff.BackOff
	gen            uint64
	sock           *socket
	reconnectTimer *eventloop.Timer
	released       bool

	onFrame func(data []byte)
	onState func(ConnectionState)
}

// NewManager creates a disconnected manager running on loop.
func NewManager(loop *eventloop.Loop, purpose Purpose, opts Options) (*Manager, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		loop:    loop,
		purpose: purpose,
		opts:    opts,
		logger:  slog.Default().With("purpose", string(purpose)),
	}
	m.policy = m.newPolicy()
	return m, nil
}

func (m *Manager) newPolicy() backoff.BackOff {
	if m.opts.MaxRetries == 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.ReconnectDelay), uint64(m.opts.MaxRetries))
}

// Connect opens the channel to room. It is a no-op while a socket for the
// same room is open or opening; a different room replaces the current
// socket. A Failed channel is re-armed with a fresh retry budget.
func (m *Manager) Connect(room string) error {
	if room == "" {
		return ErrNoRoom
	}
	return m.loop.Post(func() { m.connect(room) })
}

// Disconnect closes the channel intentionally. No reconnect follows.
func (m *Manager) Disconnect() error {
	return m.loop.Post(m.disconnect)
}

// Reconnect checks that the server answers HTTP before reconnecting. When
// it does not, the user is told the server is down and no socket is opened.
func (m *Manager) Reconnect(ctx context.Context) error {
	var room string
	if err := m.loop.Call(func() { room = m.room }); err != nil {
		return err
	}
	if room == "" {
		return ErrNoRoom
	}
	if !m.opts.Probe.CheckReachability(ctx) {
		_ = m.loop.Post(func() {
			m.notify(notify.KindUnreachable, "sync server is not reachable at "+m.opts.Probe.Target())
		})
		return ErrServerUnreachable
	}
	return m.Connect(room)
}

// Send queues a frame on the open socket.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	var err error
	if callErr := m.loop.Call(func() { err = m.send(frame) }); callErr != nil {
		return callErr
	}
	return err
}

// State returns the connection state and retry count.
func (m *Manager) State() (ConnectionState, int) {
	var st ConnectionState
	var retries int
	_ = m.loop.Call(func() { st, retries = m.state, m.retryCount })
	return st, retries
}

// loopSender sends from code already running on the loop.
type loopSender struct{ m *Manager }

func (s loopSender) Send(_ context.Context, frame []byte) error { return s.m.send(frame) }

func (m *Manager) connect(room string) {
	if m.released {
		m.logger.Debug("connect ignored on released channel", "room", room)
		return
	}
	if room == m.room && m.state.Active() {
		return
	}
	if room != m.room {
		m.drop("switching room")
		m.resetRetries()
	}
	if m.state == StateFailed {
		m.resetRetries()
	}
	m.stopReconnect()
	m.room = room
	m.dial()
}

func (m *Manager) resetRetries() {
	m.retryCount = 0
	m.policy = m.newPolicy()
}

func (m *Manager) stopReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) dial() {
	url, err := Endpoint(m.opts.ServerURL, m.purpose, m.room)
	if err != nil {
		m.notify(notify.KindTransport, err.Error())
		m.setState(StateFailed)
		return
	}

	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &socket{
		gen:    m.gen,
		outbox: make(chan []byte, outboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	m.sock = s
	m.setState(StateConnecting)

	header := http.Header{}
	if m.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+m.opts.AuthToken)
	}
	room := m.room
	m.logger.Debug("dialing", "room", room, "url", url)

	go func() {
		dialCtx, dialCancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		conn, err := m.opts.Dialer.Dial(dialCtx, url, header)
		dialCancel()
		if err != nil {
			_ = m.loop.Post(func() {
				m.onError(s.gen, &TransportError{Op: "dial", Room: room, Err: err})
				m.onClose(s.gen, false, protocol.CloseAbnormal)
			})
			return
		}
		if postErr := m.loop.Post(func() { m.onOpen(s.gen, conn) }); postErr != nil {
			conn.CloseNow()
			cancel()
		}
	}()
}

func (m *Manager) current(gen uint64) *socket {
	if m.sock == nil || m.sock.gen != gen {
		return nil
	}
	return m.sock
}

func (m *Manager) onOpen(gen uint64, conn Conn) {
	s := m.current(gen)
	if s == nil {
		go func() {
			conn.Close(protocol.CloseIntentional, "superseded")
		}()
		return
	}
	s.conn = conn
	m.stopReconnect()
	m.resetRetries()
	m.setState(StateOpen)
	m.logger.Info("channel open", "room", m.room)

	go m.readLoop(s)
	go m.writeLoop(s)

	if err := m.opts.Probe.Ping(s.ctx, loopSender{m}); err != nil {
		m.logger.Debug("liveness ping not sent", "room", m.room, "error", err)
	}
}

func (m *Manager) readLoop(s *socket) {
	for {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			code := CloseCode(err)
			_ = m.loop.Post(func() { m.onSocketClosed(s.gen, code, err) })
			return
		}
		if m.loop.Post(func() { m.onFrameReceived(s.gen, data) }) != nil {
			return
		}
	}
}

func (m *Manager) writeLoop(s *socket) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.outbox:
			ctx, cancel := context.WithTimeout(s.ctx, m.opts.WriteTimeout)
			err := s.conn.Write(ctx, frame)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					_ = m.loop.Post(func() {
						m.onError(s.gen, &TransportError{Op: "write", Room: m.room, Err: err})
						s.failed = true
					})
				}
				// The reader sees the broken socket and reports the close;
				// the task above is queued first, so the fault is reported once.
				s.conn.CloseNow()
				return
			}
		}
	}
}

func (m *Manager) onFrameReceived(gen uint64, data []byte) {
	if m.current(gen) == nil {
		return
	}
	if m.onFrame != nil {
		m.onFrame(data)
	}
}

func (m *Manager) onSocketClosed(gen uint64, code int, err error) {
	s := m.current(gen)
	if s == nil {
		return
	}
	intentional := s.closing || code == protocol.CloseIntentional
	if !intentional && code == protocol.CloseAbnormal && !s.failed {
		m.onError(gen, &TransportError{Op: "read", Room: m.room, Err: err})
	}
	m.onClose(gen, intentional, code)
}

func (m *Manager) onError(gen uint64, err error) {
	if m.current(gen) == nil {
		return
	}
	m.notify(notify.KindTransport, err.Error())
}

// onClose applies the reconnect policy: intentional closes settle in
// Disconnected, abnormal ones retry at a fixed delay until the budget is
// spent, then the channel fails and the user is told once.
func (m *Manager) onClose(gen uint64, intentional bool, code int) {
	s := m.current(gen)
	if s == nil {
		return
	}
	s.cancel()
	m.sock = nil

	if intentional {
		m.logger.Info("channel closed", "room", m.room, "code", code)
		m.setState(StateDisconnected)
		return
	}

	delay := m.policy.NextBackOff()
	if delay != backoff.Stop {
		m.retryCount++
		m.setState(StateReconnecting)
		m.logger.Warn("channel closed abnormally, reconnecting",
			"room", m.room,
			"code", code,
			"attempt", m.retryCount,
			"max_retries", m.opts.MaxRetries,
			"delay", delay,
		)
		if m.opts.Metrics != nil {
			m.opts.Metrics.ReconnectsTotal.WithLabelValues(string(m.purpose)).Inc()
		}
		m.reconnectTimer = m.loop.AfterFunc(delay, func() {
			m.reconnectTimer = nil
			m.dial()
		})
		return
	}

	m.setState(StateFailed)
	cerr := &CapacityError{Room: m.room, Attempts: m.retryCount + 1}
	m.logger.Error("channel failed", "room", m.room, "code", code, "error", cerr)
	m.notify(notify.KindCapacity, "Unable to connect to "+string(m.purpose)+" server: "+cerr.Error())
}

// disconnect closes the current socket with a normal close code.
func (m *Manager) disconnect() {
	m.stopReconnect()
	s := m.sock
	switch {
	case s == nil:
		if m.state != StateDisconnected {
			m.setState(StateDisconnected)
		}
	case s.conn == nil:
		s.cancel()
		m.sock = nil
		m.setState(StateDisconnected)
	default:
		s.closing = true
		m.setState(StateClosing)
		go func() {
			s.conn.Close(protocol.CloseIntentional, "client disconnect")
			s.cancel()
		}()
	}
}

// drop abandons the current socket without a state change; its late events
// are ignored by generation.
func (m *Manager) drop(reason string) {
	m.stopReconnect()
	s := m.sock
	if s == nil {
		return
	}
	m.sock = nil
	if s.conn == nil {
		s.cancel()
		return
	}
	s.closing = true
	go func() {
		s.conn.Close(protocol.CloseIntentional, reason)
		s.cancel()
	}()
}

// release disconnects and refuses further connects.
func (m *Manager) release() {
	m.released = true
	m.disconnect()
}

func (m *Manager) send(frame []byte) error {
	s := m.sock
	if m.state != StateOpen || s == nil || s.conn == nil {
		return ErrNotConnected
	}
	select {
	case s.outbox <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (m *Manager) setState(st ConnectionState) {
	if m.state == st {
		return
	}
	m.logger.Debug("channel state", "room", m.room, "from", m.state.String(), "to", st.String())
	m.state = st
	if m.opts.Metrics != nil {
		m.opts.Metrics.StateTransitions.WithLabelValues(string(m.purpose), st.String()).Inc()
	}
	if m.onState != nil {
		m.onState(st)
	}
}

func (m *Manager) notify(kind notify.Kind, msg string) {
	m.opts.Sink.Notify(notify.Notification{
		Time:    time.Now(),
		Kind:    kind,
		Room:    m.room,
		Purpose: string(m.purpose),
		Message: msg,
	})
}

