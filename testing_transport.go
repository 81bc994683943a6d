package chatws

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scriptable Transport. Open only records the call; tests drive
// the lifecycle through Ready, Fail, Drop and Frame.
type fakeTransport struct {
	session string
	cb      TransportCallbacks
	// lingerOnClose keeps an opening transport alive after Close, like a dial that
	// completes anyway. The close takes effect once the transport is ready.
	lingerOnClose bool
	// holdClose keeps OnClosed of a ready transport pending until FinishClose.
	holdClose bool

	opened   chan struct{}
	openOnce sync.Once

	mu          sync.Mutex
	sent        []string
	sendErr     error
	ready       bool
	settled     bool
	closed      bool
	closeCalls  int
	closeCode   int
	closeReason string
	closePend   bool
}

func (f *fakeTransport) Open(context.Context) error {
	f.openOnce.Do(func() { close(f.opened) })
	return nil
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.ready || f.closed {
		return ErrTransportNotReady
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(frame))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) {
	f.mu.Lock()
	f.closeCalls++
	if f.closed || (f.lingerOnClose && !f.ready) {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeCode, f.closeReason = code, reason
	wasReady, wasSettled := f.ready, f.settled
	f.settled = true
	if wasReady && f.holdClose {
		f.closePend = true
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	switch {
	case wasReady:
		f.cb.OnClosed(code, reason)
	case !wasSettled:
		f.cb.OnError(ErrTerminated)
	}
}

// FinishClose delivers a close held back by holdClose.
func (f *fakeTransport) FinishClose() {
	f.mu.Lock()
	if !f.closePend {
		f.mu.Unlock()
		return
	}
	f.closePend = false
	code, reason := f.closeCode, f.closeReason
	f.mu.Unlock()

	f.cb.OnClosed(code, reason)
}

// Ready completes the open.
func (f *fakeTransport) Ready() {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.ready, f.settled = true, true
	f.mu.Unlock()

	f.cb.OnReady()
}

// Fail fails the open.
func (f *fakeTransport) Fail(err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.mu.Unlock()

	f.cb.OnError(err)
}

// Drop simulates the peer closing an open transport.
func (f *fakeTransport) Drop(code int, reason string) {
	f.mu.Lock()
	if f.closed || !f.ready {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeCode, f.closeReason = code, reason
	f.mu.Unlock()

	f.cb.OnClosed(code, reason)
}

// Frame delivers an inbound frame the way WsTransport does.
func (f *fakeTransport) Frame(data string) {
	if KeepAliveHandlerReplyPingWithPong(f, []byte(data)) {
		return
	}
	f.cb.OnFrame([]byte(data))
}

func (f *fakeTransport) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakeTransport) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

type fakeFactory struct {
	lingerOnClose bool
	holdClose     bool

	mu         sync.Mutex
	transports []*fakeTransport
	created    chan *fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakeTransport, 64)}
}

func (ff *fakeFactory) factory() TransportFactory {
	return func(session string, cb TransportCallbacks) Transport {
		t := &fakeTransport{
			session:       session,
			cb:            cb,
			lingerOnClose: ff.lingerOnClose,
			holdClose:     ff.holdClose,
			opened:        make(chan struct{}),
		}
		ff.mu.Lock()
		ff.transports = append(ff.transports, t)
		ff.mu.Unlock()
		ff.created <- t
		return t
	}
}

// next waits for the next transport to be created and opened.
func (ff *fakeFactory) next(t *testing.T) *fakeTransport {
	t.Helper()

	select {
	case tr := <-ff.created:
		select {
		case <-tr.opened:
			return tr
		case <-time.After(time.Second):
			t.Fatalf("transport for session %s was never opened", tr.session)
		}
	case <-time.After(time.Second):
		t.Fatal("no transport was created")
	}
	return nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.transports)
}
