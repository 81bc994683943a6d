package chatws

import (
	"context"
	"net/http"
	"net/url"
	"runtime/debug"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

// Manager keeps one chat session connected. It sequences connection attempts per
// session, reconnects with exponential backoff, queues outbound frames while
// disconnected and fans inbound frames out to the registered handlers.
//
// All state lives behind mu. Transport callbacks and timers are the events driving
// the state machine; anything that may call back into the manager (closing a
// transport, emitting events) is collected in effects and run after mu is released.
type Manager struct {
	cfg     Config
	logger  logger
	clock   clock
	factory TransportFactory
	delay   backoffCalculator

	messages *EventEmitterCallback[EventType, Frame]
	events   *EventEmitterCallback[EventType, StateChange]

	mu     sync.Mutex
	state  State
	reason CloseReason
	// session is the last requested session, kept after exhaustion or a remote close
	// so that Send can start a new cycle. Disconnect clears it.
	session  string
	req      *connectRequest
	live     *attempt
	wantOpen bool
	retry    *scheduled
	attempts int
	gen      uint64
	queue    []OutboundMessage
}

// connectRequest is the intent to have session open. Concurrent ConnectToSession calls
// for the same session wait on the same request.
type connectRequest struct {
	session string
	done    chan struct{}
	err     error
}

func newConnectRequest(session string) *connectRequest {
	return &connectRequest{session: session, done: make(chan struct{})}
}

// resolve must be called with Manager.mu held.
func (r *connectRequest) resolve(err error) {
	select {
	case <-r.done:
		return
	default:
	}
	r.err = err
	close(r.done)
}

func (r *connectRequest) resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// attempt is one transport instance. An abandoned attempt is never promoted: it is
// closed as soon as it settles.
type attempt struct {
	id        uint64
	session   string
	transport Transport
	timeout   timer
	ready     bool
	abandoned bool
	broken    bool
}

type scheduled struct {
	timer timer
}

type effects struct {
	closes []func()
	events []emission
}

type emission struct {
	event  EventType
	change StateChange
}

func (fx *effects) close(t Transport, code int, reason string) {
	fx.closes = append(fx.closes, func() { t.Close(code, reason) })
}

func (fx *effects) emit(event EventType, change StateChange) {
	fx.events = append(fx.events, emission{event: event, change: change})
}

// NewManager builds a Manager from opts. Without WithTransportFactory it dials
// websockets to the configured URL.
func NewManager(opts ...Option) (*Manager, error) {
	o := &options{
		cfg:   DefaultConfig(),
		clock: realClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = NewNoopLogger()
	}

	cfg := o.cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := o.logger.WithField("type", "connection_manager")

	factory := o.factory
	if factory == nil {
		base, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, err.Error())
		}
		dialer := o.dialer
		if dialer == nil {
			dialer = &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: cfg.HandshakeTimeout,
			}
		}
		repo := NewOpenConnectionParamsRepo(l, NewSessionParamsGetter(*base, cfg.PathPrefix, o.header))
		factory = NewWebsocketFactory(o.logger, dialer, repo, o.adapters, cfg.WriteTimeout)
	}
	if cfg.KeepAliveInterval > 0 {
		msg := o.keepAlive
		if msg == nil {
			msg = NewKeepAliveMessageFactory()
		}
		factory = NewActiveKeepAliveTransportFactory(o.logger, factory, cfg.KeepAliveInterval, msg)
	}

	return &Manager{
		cfg:      cfg,
		logger:   l,
		clock:    o.clock,
		factory:  factory,
		delay:    cfg.backoff().calculator(),
		messages: NewEventEmitter[EventType, Frame](),
		events:   NewEventEmitter[EventType, StateChange](),
		state:    StateIdle,
	}, nil
}

// ConnectToSession connects to session and waits until it is open. A call for the
// session already requested joins the pending request instead of dialing again. A
// call for another session supersedes the previous one: its callers get
// ErrSessionSuperseded and its transport is closed before the new one is opened.
//
// The returned error satisfies errors.Is with ErrReconnectExhausted when attempts ran
// out. ctx only bounds the wait; cancelling it does not cancel the connection.
func (m *Manager) ConnectToSession(ctx context.Context, session string) error {
	if session == "" {
		return ErrEmptySession
	}

	fx := &effects{}
	m.mu.Lock()
	req := m.req
	switch {
	case req == nil || req.session != session:
		if req != nil {
			m.logger.Infof("switching session %s -> %s", req.session, session)
			m.abandonLocked(fx, ErrSessionSuperseded, "session switch")
		}
		req = m.newRequestLocked(session)
		m.openLocked(fx)
	case req.resolved() && m.live != nil && m.live.broken:
		// the open transport failed a write and its replacement starts once it closes
		req = m.newRequestLocked(session)
	}
	m.mu.Unlock()
	m.run(fx)

	select {
	case <-req.done:
		return req.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send transmits payload right away when the connection is open, otherwise it is
// queued and sent in order once the connection opens. Payloads that cannot be encoded
// as JSON are rejected with ErrNotSerializable.
func (m *Manager) Send(payload any) error {
	data, err := EncodePayload(payload)
	if err != nil {
		return err
	}

	fx := &effects{}
	m.mu.Lock()
	msg := OutboundMessage{Payload: payload, Data: data, EnqueuedAt: m.clock.Now()}

	if a := m.live; m.state == StateOpen && a != nil && !a.abandoned && !a.broken && len(m.queue) == 0 {
		err := a.transport.Send(data)
		if err == nil {
			m.mu.Unlock()
			return nil
		}
		m.logger.Warnf("send on session %s failed, queueing: %s", a.session, err)
		m.breakLocked(fx, a)
	}

	m.enqueueLocked(msg)
	if m.req == nil && m.session != "" {
		m.logger.Infof("reconnecting session %s to deliver queued messages", m.session)
		m.newRequestLocked(m.session)
		m.openLocked(fx)
	}
	m.mu.Unlock()
	m.run(fx)

	return nil
}

// SendMessage sends a chat message with the given content stamped with the current time.
func (m *Manager) SendMessage(content string) error {
	return m.Send(NewChatMessage(content, m.clock.Now()))
}

// AddMessageHandler registers h for every inbound frame except transport pings.
// A panicking handler is logged and does not affect the others.
func (m *Manager) AddMessageHandler(h MessageHandler) ListenerID {
	return m.messages.On(EventMessage, func(f Frame) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Errorf("message handler panicked: %v\n%s", r, debug.Stack())
			}
		}()
		h(f)
	})
}

// RemoveMessageHandler unregisters a message handler. Unknown ids are ignored.
func (m *Manager) RemoveMessageHandler(id ListenerID) {
	m.messages.Off(id)
}

// On registers a listener for lifecycle events.
func (m *Manager) On(event EventType, h EventHandler) ListenerID {
	return m.events.On(event, callback[StateChange](h))
}

// Off removes a lifecycle listener registered with On.
func (m *Manager) Off(id ListenerID) {
	m.events.Off(id)
}

// Disconnect closes the connection, cancels pending retries and drops queued
// messages. Calling it again is a no-op.
func (m *Manager) Disconnect() {
	fx := &effects{}
	m.mu.Lock()
	m.abandonLocked(fx, ErrDisconnected, "client disconnect")
	m.session = ""
	if n := len(m.queue); n > 0 {
		m.logger.Infof("dropping %d queued messages on disconnect", n)
	}
	m.queue = nil

	switch {
	case m.live != nil:
		m.setStateLocked(fx, StateClosing, ReasonNone, nil)
	case m.state == StateClosing:
	default:
		m.setStateLocked(fx, StateClosed, ReasonNormal, nil)
	}
	m.mu.Unlock()
	m.run(fx)
}

// State returns the connection state and, when closed, why.
func (m *Manager) State() (State, CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

// Session returns the last requested session, empty after Disconnect.
func (m *Manager) Session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// QueueLen returns the number of messages waiting for an open connection.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) newRequestLocked(session string) *connectRequest {
	m.req = newConnectRequest(session)
	m.session = session
	m.attempts = 0
	return m.req
}

// openLocked starts a transport for the current request, or defers it until the
// previous transport has settled so that two transports never coexist.
func (m *Manager) openLocked(fx *effects) {
	if m.req == nil {
		return
	}
	m.setStateLocked(fx, StateConnecting, ReasonNone, nil)
	if m.live != nil {
		m.wantOpen = true
		return
	}
	m.wantOpen = false

	m.gen++
	a := &attempt{id: m.gen, session: m.req.session}
	a.transport = m.factory(a.session, m.callbacks(a))
	a.timeout = m.clock.AfterFunc(m.cfg.ConnectTimeout, func() { m.handleConnectTimeout(a) })
	m.live = a

	m.logger.Debugf("opening attempt #%d to session %s", a.id, a.session)

	go func() {
		_ = a.transport.Open(context.Background())
	}()
}

func (m *Manager) callbacks(a *attempt) TransportCallbacks {
	return TransportCallbacks{
		OnReady:  func() { m.handleReady(a) },
		OnFrame:  func(data []byte) { m.handleFrame(a, data) },
		OnError:  func(err error) { m.handleError(a, err) },
		OnClosed: func(code int, reason string) { m.handleClosed(a, code, reason) },
	}
}

func (m *Manager) handleReady(a *attempt) {
	fx := &effects{}
	m.mu.Lock()
	a.ready = true
	stopTimer(a.timeout)

	if a.abandoned || m.live != a {
		m.mu.Unlock()
		m.logger.Infof("closing stale transport #%d for session %s", a.id, a.session)
		a.transport.Close(CloseNormalClosure, "superseded")
		return
	}

	m.logger.Infof("session %s open", a.session)
	m.attempts = 0
	m.setStateLocked(fx, StateOpen, ReasonNone, nil)
	m.flushLocked(fx, a)
	if m.req != nil && m.req.session == a.session {
		m.req.resolve(nil)
	}
	m.mu.Unlock()
	m.run(fx)
}

func (m *Manager) handleError(a *attempt, err error) {
	fx := &effects{}
	m.mu.Lock()
	stopTimer(a.timeout)
	if m.live == a {
		m.live = nil
	}

	if a.abandoned {
		m.settledLocked(fx)
	} else {
		m.logger.Warnf("connect to session %s failed: %s", a.session, err)
		m.retryLocked(fx, err)
	}
	m.mu.Unlock()
	m.run(fx)
}

func (m *Manager) handleClosed(a *attempt, code int, reason string) {
	fx := &effects{}
	m.mu.Lock()
	stopTimer(a.timeout)
	if m.live == a {
		m.live = nil
	}

	switch {
	case a.abandoned:
		m.settledLocked(fx)
	case code == CloseNormalClosure && !a.broken:
		m.logger.Infof("session %s closed by remote: %s", a.session, reason)
		m.req = nil
		m.setStateLocked(fx, StateClosed, ReasonRemote, nil)
	default:
		m.logger.Warnf("session %s closed unexpectedly: %d %s", a.session, code, reason)
		if m.req == nil || m.req.resolved() {
			m.req = newConnectRequest(a.session)
		}
		// losing an open connection is not a failed attempt
		m.scheduleLocked(fx, errors.Wrapf(ErrConnectionClosed, "code %d: %s", code, reason))
	}
	m.mu.Unlock()
	m.run(fx)
}

// settledLocked runs once an abandoned transport is gone for good.
func (m *Manager) settledLocked(fx *effects) {
	if m.wantOpen {
		m.openLocked(fx)
		return
	}
	if m.req == nil && m.state == StateClosing {
		m.setStateLocked(fx, StateClosed, ReasonNormal, nil)
	}
}

func (m *Manager) handleConnectTimeout(a *attempt) {
	fx := &effects{}
	m.mu.Lock()
	if a.ready || a.abandoned || m.live != a {
		m.mu.Unlock()
		return
	}

	m.logger.Warnf("attempt #%d to session %s timed out after %s", a.id, a.session, m.cfg.ConnectTimeout)
	a.abandoned = true
	fx.close(a.transport, CloseNormalClosure, "connect timeout")
	m.setStateLocked(fx, StateClosed, ReasonTimeout, ErrConnectTimeout)
	m.retryLocked(fx, ErrConnectTimeout)
	m.mu.Unlock()
	m.run(fx)
}

func (m *Manager) handleRetry(s *scheduled) {
	fx := &effects{}
	m.mu.Lock()
	if m.retry != s {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.openLocked(fx)
	m.mu.Unlock()
	m.run(fx)
}

func (m *Manager) handleFrame(a *attempt, data []byte) {
	m.mu.Lock()
	current := m.live == a && !a.abandoned
	m.mu.Unlock()

	if !current {
		m.logger.Debugf("dropping frame from stale transport #%d", a.id)
		return
	}

	f, err := decodeFrame(data, m.clock.Now())
	if err != nil {
		m.logger.Warnf("dropping inbound frame on session %s: %s", a.session, err)
		return
	}
	m.messages.Emit(EventMessage, f)
}

// retryLocked records a failed attempt and schedules the next one, or gives up once
// MaxAttempts is reached.
func (m *Manager) retryLocked(fx *effects, cause error) {
	if m.req == nil {
		return
	}
	m.attempts++

	if m.attempts >= m.cfg.MaxAttempts {
		err := errors.Wrapf(ErrReconnectExhausted, "session %s after %d attempts: %s", m.req.session, m.attempts, cause)
		m.logger.Errorf("giving up: %s", err)
		m.req.resolve(err)
		m.req = nil
		m.wantOpen = false
		m.attempts = 0
		m.setStateLocked(fx, StateClosed, ReasonExhausted, err)
		return
	}

	m.scheduleLocked(fx, cause)
}

// scheduleLocked arms the timer for the next attempt without counting a failure.
func (m *Manager) scheduleLocked(fx *effects, cause error) {
	if m.req == nil {
		return
	}

	delay := m.delay(m.attempts)
	s := &scheduled{}
	s.timer = m.clock.AfterFunc(delay, func() { m.handleRetry(s) })
	m.retry = s

	m.logger.Infof("retrying session %s in %s (attempt %d/%d): %s", m.req.session, delay, m.attempts, m.cfg.MaxAttempts, cause)
	m.setStateLocked(fx, StateConnecting, ReasonNone, cause)
	fx.emit(EventReconnect, StateChange{
		State:   StateConnecting,
		Session: m.req.session,
		Attempt: m.attempts,
		Delay:   delay,
		Err:     cause,
	})
}

// abandonLocked drops the current request: its callers get err, pending retries stop
// and the live transport, if any, is closed and never promoted.
func (m *Manager) abandonLocked(fx *effects, err error, reason string) {
	if m.req != nil {
		m.req.resolve(err)
		m.req = nil
	}
	if m.retry != nil {
		stopTimer(m.retry.timer)
		m.retry = nil
	}
	m.wantOpen = false
	m.attempts = 0

	if a := m.live; a != nil && !a.abandoned {
		a.abandoned = true
		stopTimer(a.timeout)
		fx.close(a.transport, CloseNormalClosure, reason)
	}
}

// breakLocked closes a transport that failed a write so that it gets replaced.
func (m *Manager) breakLocked(fx *effects, a *attempt) {
	if a.broken {
		return
	}
	a.broken = true
	fx.close(a.transport, CloseGoingAway, "write failure")
}

// flushLocked drains the queue in order. Nothing else can send while mu is held,
// so queued messages always precede later ones.
func (m *Manager) flushLocked(fx *effects, a *attempt) {
	if len(m.queue) > 0 {
		m.logger.Infof("flushing %d queued messages to session %s", len(m.queue), a.session)
	}
	for len(m.queue) > 0 {
		if err := a.transport.Send(m.queue[0].Data); err != nil {
			m.logger.Warnf("flush to session %s failed, %d messages kept: %s", a.session, len(m.queue), err)
			m.breakLocked(fx, a)
			return
		}
		m.queue[0] = OutboundMessage{}
		m.queue = m.queue[1:]
	}
	m.queue = nil
}

func (m *Manager) enqueueLocked(msg OutboundMessage) {
	if limit := m.cfg.MaxQueueSize; limit > 0 && len(m.queue) >= limit {
		dropped := len(m.queue) - limit + 1
		m.logger.Warnf("outbound queue full (%d), dropping %d oldest messages", limit, dropped)
		m.queue = append(m.queue[:0], m.queue[dropped:]...)
	}
	m.queue = append(m.queue, msg)
}

func (m *Manager) setStateLocked(fx *effects, state State, reason CloseReason, err error) {
	if m.state == state && m.reason == reason {
		return
	}
	m.state, m.reason = state, reason

	change := StateChange{State: state, Reason: reason, Session: m.session, Err: err}
	switch state {
	case StateConnecting:
		fx.emit(EventConnecting, change)
	case StateOpen:
		fx.emit(EventConnect, change)
	case StateClosing:
		fx.emit(EventClosing, change)
	case StateClosed:
		fx.emit(EventClose, change)
		if reason == ReasonExhausted {
			fx.emit(EventExhausted, change)
		}
	}
}

func (m *Manager) run(fx *effects) {
	for _, c := range fx.closes {
		c()
	}
	for _, e := range fx.events {
		m.events.Emit(e.event, e.change)
	}
}

var _ Client = (*Manager)(nil)
