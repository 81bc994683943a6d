package chatws

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testConnectTimeout = time.Hour

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = testConnectTimeout
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	cfg.MaxAttempts = 10
	return cfg
}

type testManager struct {
	*Manager
	factory *fakeFactory
	clock   *manualClock
	logs    *syncBuffer
}

func newTestManager(t *testing.T, cfg Config) *testManager {
	t.Helper()

	ff := newFakeFactory()
	return newTestManagerWithFactory(t, cfg, ff)
}

func newTestManagerWithFactory(t *testing.T, cfg Config, ff *fakeFactory) *testManager {
	t.Helper()

	clk := newManualClock()
	logs := &syncBuffer{}
	m, err := NewManager(
		WithConfig(cfg),
		WithTransportFactory(ff.factory()),
		WithLogger(newTestLogger(logs)),
		withClock(clk),
	)
	require.NoError(t, err)

	return &testManager{Manager: m, factory: ff, clock: clk, logs: logs}
}

func (tm *testManager) connect(session string) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- tm.ConnectToSession(context.Background(), session)
	}()
	return ch
}

// open connects to session and completes the open.
func (tm *testManager) open(t *testing.T, session string) *fakeTransport {
	t.Helper()

	errC := tm.connect(session)
	tr := tm.factory.next(t)
	tr.Ready()
	require.NoError(t, waitErr(t, errC))
	return tr
}

// retryTimers returns the pending timers that are not connect timeouts.
func (tm *testManager) retryTimers() []*manualTimer {
	return tm.clock.pending(testConnectTimeout)
}

func (tm *testManager) fireRetry(t *testing.T) time.Duration {
	t.Helper()

	timers := tm.retryTimers()
	require.Len(t, timers, 1, "expected exactly one pending retry")
	tm.clock.fire(timers[0])
	return timers[0].d
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()

	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("ConnectToSession did not return")
		return nil
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []StateChange
	kinds  []EventType
}

func recordEvents(m *Manager, kinds ...EventType) *eventRecorder {
	r := &eventRecorder{}
	for _, k := range kinds {
		k := k
		m.On(k, func(c StateChange) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, c)
			r.kinds = append(r.kinds, k)
		})
	}
	return r
}

func (r *eventRecorder) count(kind EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) all() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.events...)
}

func TestManager_CoalescesConcurrentConnects(t *testing.T) {
	tm := newTestManager(t, testConfig())

	first := tm.connect("abc")
	second := tm.connect("abc")

	tr := tm.factory.next(t)
	tr.Ready()

	require.NoError(t, waitErr(t, first))
	require.NoError(t, waitErr(t, second))
	assert.Equal(t, 1, tm.factory.count())
	assert.Equal(t, "abc", tr.session)

	// connecting again to the open session is a no-op
	require.NoError(t, tm.ConnectToSession(context.Background(), "abc"))
	assert.Equal(t, 1, tm.factory.count())
}

func TestManager_SendBeforeOpenIsQueuedAndFlushed(t *testing.T) {
	tm := newTestManager(t, testConfig())

	errC := tm.connect("abc")
	tr := tm.factory.next(t)

	require.NoError(t, tm.Send(map[string]any{"content": "hi"}))
	assert.Empty(t, tr.Sent())
	assert.Equal(t, 1, tm.QueueLen())

	tr.Ready()
	require.NoError(t, waitErr(t, errC))

	assert.Equal(t, []string{`{"content":"hi"}`}, tr.Sent())
	assert.Equal(t, 0, tm.QueueLen())
}

func TestManager_QueueIsFlushedInOrderBeforeNewSends(t *testing.T) {
	tm := newTestManager(t, testConfig())

	// sending before any connect is queued, not rejected
	require.NoError(t, tm.Send(map[string]any{"content": "m1"}))

	errC := tm.connect("abc")
	tr := tm.factory.next(t)
	require.NoError(t, tm.Send(map[string]any{"content": "m2"}))
	require.NoError(t, tm.Send(map[string]any{"content": "m3"}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-errC
		_ = tm.Send(map[string]any{"content": "m4"})
	}()

	tr.Ready()
	wg.Wait()

	assert.Equal(t, []string{
		`{"content":"m1"}`,
		`{"content":"m2"}`,
		`{"content":"m3"}`,
		`{"content":"m4"}`,
	}, tr.Sent())
}

func TestManager_SessionSwitchClosesPreviousTransport(t *testing.T) {
	tm := newTestManager(t, testConfig())

	a := tm.open(t, "A")
	require.NoError(t, tm.Send(map[string]any{"content": "to-a"}))

	errB := tm.connect("B")
	b := tm.factory.next(t)

	assert.True(t, a.Closed())
	assert.Equal(t, CloseNormalClosure, a.CloseCode())
	assert.Equal(t, "B", b.session)

	require.NoError(t, tm.Send(map[string]any{"content": "to-b"}))
	b.Ready()
	require.NoError(t, waitErr(t, errB))

	assert.Equal(t, []string{`{"content":"to-a"}`}, a.Sent())
	assert.Equal(t, []string{`{"content":"to-b"}`}, b.Sent())
	assert.Equal(t, "B", tm.Session())
}

func TestManager_SwitchWhileConnectingNeverPromotesStaleTransport(t *testing.T) {
	ff := newFakeFactory()
	ff.lingerOnClose = true
	tm := newTestManagerWithFactory(t, testConfig(), ff)

	errA := tm.connect("A")
	a := ff.next(t)

	errB := tm.connect("B")
	require.ErrorIs(t, waitErr(t, errA), ErrSessionSuperseded)

	// B waits until A has settled
	assert.Equal(t, 1, ff.count())
	state, _ := tm.State()
	assert.Equal(t, StateConnecting, state)
	require.NoError(t, tm.Send(map[string]any{"content": "for-b"}))

	a.Ready()
	assert.True(t, a.Closed())
	assert.Empty(t, a.Sent())

	b := ff.next(t)
	assert.Equal(t, "B", b.session)
	b.Ready()
	require.NoError(t, waitErr(t, errB))

	assert.Equal(t, []string{`{"content":"for-b"}`}, b.Sent())
	assert.Equal(t, 2, ff.count())
}

func TestManager_BackoffGrowsExponentiallyUpToCap(t *testing.T) {
	tm := newTestManager(t, testConfig())
	reconnects := recordEvents(tm.Manager, EventReconnect)

	errC := tm.connect("abc")

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		tm.factory.next(t).Fail(errors.New("connection refused"))
		delays = append(delays, tm.fireRetry(t))
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}

	events := reconnects.all()
	require.Len(t, events, 6)
	for i, e := range events {
		assert.Equal(t, i+1, e.Attempt)
		assert.Equal(t, delays[i], e.Delay)
	}

	tm.factory.next(t).Ready()
	require.NoError(t, waitErr(t, errC))
}

func TestManager_ExhaustionIsTerminalAndReportedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	tm := newTestManager(t, cfg)
	events := recordEvents(tm.Manager, EventExhausted, EventClose)

	errC := tm.connect("abc")

	tm.factory.next(t).Fail(errors.New("refused"))
	tm.fireRetry(t)
	tm.factory.next(t).Fail(errors.New("refused"))
	tm.fireRetry(t)
	tm.factory.next(t).Fail(errors.New("refused"))

	err := waitErr(t, errC)
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Contains(t, err.Error(), "refused")

	assert.Empty(t, tm.retryTimers())
	assert.Equal(t, 3, tm.factory.count())
	assert.Equal(t, 1, events.count(EventExhausted))
	assert.Equal(t, 1, events.count(EventClose))

	state, reason := tm.State()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, ReasonExhausted, reason)
	assert.Contains(t, tm.logs.String(), "ERROR")
}

func TestManager_SendAfterExhaustionStartsNewCycle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	tm := newTestManager(t, cfg)

	errC := tm.connect("abc")
	tm.factory.next(t).Fail(errors.New("refused"))
	require.ErrorIs(t, waitErr(t, errC), ErrReconnectExhausted)

	require.NoError(t, tm.Send(map[string]any{"content": "retry"}))
	tr := tm.factory.next(t)
	tr.Ready()

	assert.Equal(t, []string{`{"content":"retry"}`}, tr.Sent())
	state, _ := tm.State()
	assert.Equal(t, StateOpen, state)
}

func TestManager_ConnectTimeoutAbortsAttemptAndRetries(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 5 * time.Second
	tm := newTestManager(t, cfg)
	events := recordEvents(tm.Manager, EventClose, EventReconnect)

	errC := tm.connect("abc")
	first := tm.factory.next(t)

	timers := tm.clock.pending()
	require.Len(t, timers, 1)
	require.Equal(t, 5*time.Second, timers[0].d)
	tm.clock.fire(timers[0])

	assert.True(t, first.Closed())
	all := events.all()
	require.Len(t, all, 2)
	assert.Equal(t, ReasonTimeout, all[0].Reason)
	assert.ErrorIs(t, all[0].Err, ErrConnectTimeout)
	assert.Equal(t, 1, all[1].Attempt)

	retries := tm.clock.pending(5 * time.Second)
	require.Len(t, retries, 1)
	assert.Equal(t, 100*time.Millisecond, retries[0].d)
	tm.clock.fire(retries[0])

	second := tm.factory.next(t)
	second.Ready()
	require.NoError(t, waitErr(t, errC))
}

func TestManager_LateReadyAfterTimeoutIsClosed(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 5 * time.Second
	ff := newFakeFactory()
	ff.lingerOnClose = true
	tm := newTestManagerWithFactory(t, cfg, ff)

	errC := tm.connect("abc")
	first := ff.next(t)
	tm.clock.fire(tm.clock.pending()[0])

	// the retry fires before the timed out transport settles
	tm.clock.fire(tm.clock.pending(5 * time.Second)[0])
	assert.Equal(t, 1, ff.count())

	first.Ready()
	assert.True(t, first.Closed())

	second := ff.next(t)
	second.Ready()
	require.NoError(t, waitErr(t, errC))
	assert.Equal(t, 2, ff.count())
}

func TestManager_UnexpectedCloseReconnectsToSameSession(t *testing.T) {
	tm := newTestManager(t, testConfig())
	first := tm.open(t, "abc")

	first.Drop(CloseAbnormalClosure, "connection reset")

	state, _ := tm.State()
	assert.Equal(t, StateConnecting, state)
	require.NoError(t, tm.Send(map[string]any{"content": "while-down"}))

	// a caller asking for the same session waits for the reconnect
	errC := tm.connect("abc")

	assert.Equal(t, 100*time.Millisecond, tm.fireRetry(t))
	second := tm.factory.next(t)
	assert.Equal(t, "abc", second.session)
	second.Ready()
	require.NoError(t, waitErr(t, errC))

	assert.Equal(t, []string{`{"content":"while-down"}`}, second.Sent())
	assert.Empty(t, first.Sent())
}

func TestManager_LostConnectionDoesNotSpendAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	tm := newTestManager(t, cfg)
	reconnects := recordEvents(tm.Manager, EventReconnect)
	first := tm.open(t, "abc")

	first.Drop(CloseAbnormalClosure, "connection reset")

	state, _ := tm.State()
	assert.Equal(t, StateConnecting, state)
	assert.Equal(t, 100*time.Millisecond, tm.fireRetry(t))

	events := reconnects.all()
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Attempt)

	second := tm.factory.next(t)
	second.Ready()
	state, _ = tm.State()
	assert.Equal(t, StateOpen, state)
	assert.Equal(t, 2, tm.factory.count())
}

func TestManager_AttemptBudgetStartsAfterLostConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	tm := newTestManager(t, cfg)
	first := tm.open(t, "abc")

	first.Drop(CloseAbnormalClosure, "connection reset")

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		delays = append(delays, tm.fireRetry(t))
		tm.factory.next(t).Fail(errors.New("refused"))
	}

	// three reconnect dials, the lost connection itself is not counted
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}, delays)
	assert.Equal(t, 4, tm.factory.count())
	assert.Empty(t, tm.retryTimers())

	state, reason := tm.State()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, ReasonExhausted, reason)
}

func TestManager_RemoteNormalCloseStaysClosed(t *testing.T) {
	tm := newTestManager(t, testConfig())
	first := tm.open(t, "abc")

	first.Drop(CloseNormalClosure, "bye")

	state, reason := tm.State()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, ReasonRemote, reason)
	assert.Empty(t, tm.retryTimers())

	// a later send reopens the session
	require.NoError(t, tm.Send(map[string]any{"content": "again"}))
	second := tm.factory.next(t)
	second.Ready()
	assert.Equal(t, []string{`{"content":"again"}`}, second.Sent())
}

func TestManager_WriteFailureReplacesTransport(t *testing.T) {
	tm := newTestManager(t, testConfig())
	first := tm.open(t, "abc")

	first.FailSends(errors.New("broken pipe"))
	require.NoError(t, tm.Send(map[string]any{"content": "lost?"}))

	assert.True(t, first.Closed())
	assert.Equal(t, CloseGoingAway, first.CloseCode())
	assert.Equal(t, 1, tm.QueueLen())

	tm.fireRetry(t)
	second := tm.factory.next(t)
	second.Ready()
	assert.Equal(t, []string{`{"content":"lost?"}`}, second.Sent())
}

func TestManager_ConnectWaitsForReplacementOfBrokenTransport(t *testing.T) {
	ff := newFakeFactory()
	ff.holdClose = true
	tm := newTestManagerWithFactory(t, testConfig(), ff)
	first := tm.open(t, "abc")

	first.FailSends(errors.New("broken pipe"))
	require.NoError(t, tm.Send(map[string]any{"content": "pending"}))
	require.True(t, first.Closed())

	errC := tm.connect("abc")
	select {
	case err := <-errC:
		t.Fatalf("connect returned %v while the broken transport was still closing", err)
	case <-time.After(50 * time.Millisecond):
	}

	first.FinishClose()
	tm.fireRetry(t)
	second := ff.next(t)
	second.Ready()

	require.NoError(t, waitErr(t, errC))
	assert.Equal(t, []string{`{"content":"pending"}`}, second.Sent())
	assert.Equal(t, 2, ff.count())
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	tm := newTestManager(t, testConfig())
	events := recordEvents(tm.Manager, EventClose, EventClosing)
	tr := tm.open(t, "abc")

	tm.Disconnect()
	tm.Disconnect()

	assert.Equal(t, 1, tr.CloseCalls())
	assert.Equal(t, 1, events.count(EventClose))
	assert.Equal(t, 1, events.count(EventClosing))

	state, reason := tm.State()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, ReasonNormal, reason)
	assert.Equal(t, "", tm.Session())
}

func TestManager_DisconnectCancelsRetriesAndClearsQueue(t *testing.T) {
	tm := newTestManager(t, testConfig())

	errC := tm.connect("abc")
	tm.factory.next(t).Fail(errors.New("refused"))
	require.Len(t, tm.retryTimers(), 1)
	require.NoError(t, tm.Send(map[string]any{"content": "dropped"}))

	tm.Disconnect()

	require.ErrorIs(t, waitErr(t, errC), ErrDisconnected)
	assert.Empty(t, tm.retryTimers())
	assert.Equal(t, 0, tm.QueueLen())

	// no automatic reconnect after an explicit disconnect
	require.NoError(t, tm.Send(map[string]any{"content": "parked"}))
	assert.Equal(t, 1, tm.factory.count())
	assert.Equal(t, 1, tm.QueueLen())
}

func TestManager_PingNeverReachesHandlers(t *testing.T) {
	tm := newTestManager(t, testConfig())
	handler := &mockMessageHandler{}
	handler.On("Handle", mock.MatchedBy(func(f Frame) bool {
		return f.Type == MessageFrame
	})).Return().Once()
	tm.AddMessageHandler(handler.Handle)

	tr := tm.open(t, "abc")
	tr.Frame(`{"type":"ping"}`)
	tr.Frame(`{"type":"message","sender":"Muntu","content":"hello"}`)

	handler.AssertExpectations(t)
	assert.Equal(t, []string{`{"type":"pong"}`}, tr.Sent())
}

func TestManager_MalformedFramesAreDropped(t *testing.T) {
	tm := newTestManager(t, testConfig())
	handler := &mockMessageHandler{}
	handler.On("Handle", mock.Anything).Return().Once()
	tm.AddMessageHandler(handler.Handle)

	tr := tm.open(t, "abc")
	tr.Frame(`{"content":`)
	tr.Frame(`not json`)
	tr.Frame(`{"type":"ping"`)
	tr.Frame(`{"content":"ok","time":"now"}`)

	handler.AssertExpectations(t)
	frame := handler.Calls[0].Arguments.Get(0).(Frame)
	msg, err := frame.ChatMessage()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Contains(t, tm.logs.String(), "dropping inbound frame")
	// a truncated ping is malformed, not a ping
	assert.Empty(t, tr.Sent())
}

func TestManager_HandlersCanBeRemovedDuringDispatch(t *testing.T) {
	tm := newTestManager(t, testConfig())

	var calls atomic.Int32
	var first, second ListenerID
	first = tm.AddMessageHandler(func(Frame) {
		calls.Add(1)
		tm.RemoveMessageHandler(first)
		tm.RemoveMessageHandler(second)
	})
	second = tm.AddMessageHandler(func(Frame) {
		calls.Add(1)
	})

	tr := tm.open(t, "abc")
	tr.Frame(`{"content":"one"}`)
	assert.Equal(t, int32(2), calls.Load())

	tr.Frame(`{"content":"two"}`)
	assert.Equal(t, int32(2), calls.Load())

	// removing twice is harmless
	tm.RemoveMessageHandler(first)
}

func TestManager_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	tm := newTestManager(t, testConfig())

	var got atomic.Int32
	tm.AddMessageHandler(func(Frame) { panic("boom") })
	tm.AddMessageHandler(func(Frame) { got.Add(1) })

	tr := tm.open(t, "abc")
	tr.Frame(`{"content":"x"}`)

	assert.Equal(t, int32(1), got.Load())
	assert.Contains(t, tm.logs.String(), "boom")
}

func TestManager_QueueBoundDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	tm := newTestManager(t, cfg)

	for _, c := range []string{"m1", "m2", "m3"} {
		require.NoError(t, tm.Send(map[string]any{"content": c}))
	}
	assert.Equal(t, 2, tm.QueueLen())

	tr := tm.open(t, "abc")
	assert.Equal(t, []string{`{"content":"m2"}`, `{"content":"m3"}`}, tr.Sent())
}

func TestManager_RejectsMisuse(t *testing.T) {
	tm := newTestManager(t, testConfig())

	require.ErrorIs(t, tm.Send(make(chan int)), ErrNotSerializable)
	require.ErrorIs(t, tm.Send([]byte(`{"broken"`)), ErrNotSerializable)
	require.ErrorIs(t, tm.ConnectToSession(context.Background(), ""), ErrEmptySession)
	assert.Equal(t, 0, tm.QueueLen())
	assert.Equal(t, 0, tm.factory.count())
}

func TestManager_ConnectReturnsOnContextCancel(t *testing.T) {
	tm := newTestManager(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() {
		errC <- tm.ConnectToSession(ctx, "abc")
	}()
	tr := tm.factory.next(t)
	cancel()
	require.ErrorIs(t, waitErr(t, errC), context.Canceled)

	// the connection itself keeps going
	tr.Ready()
	state, _ := tm.State()
	assert.Equal(t, StateOpen, state)
}

func TestManager_SendMessageUsesChatEnvelope(t *testing.T) {
	tm := newTestManager(t, testConfig())
	tr := tm.open(t, "abc")

	require.NoError(t, tm.SendMessage("hello"))
	assert.Equal(t, []string{`{"content":"hello","time":"2024-01-01T00:00:00Z"}`}, tr.Sent())
}

func TestNewManager_ValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "http://localhost:8000"
	_, err := NewManager(WithConfig(cfg))
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxAttempts = -1
	_, err = NewManager(WithConfig(cfg))
	require.ErrorIs(t, err, ErrInvalidConfig)

	m, err := NewManager()
	require.NoError(t, err)
	state, _ := m.State()
	assert.Equal(t, StateIdle, state)
}
