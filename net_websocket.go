package chatws

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

type (
	openConnectionParamsRepo interface {
		Get(ctx context.Context, session string) (OpenConnectionParams, error)
	}

	ErrAdapter func(*websocket.Conn, *http.Response, error) error

	ErrorAdapters struct {
		OnDial ErrAdapter
	}

	// WsTransport is the websocket implementation of Transport.
	WsTransport struct {
		session                  string
		errAdapters              ErrorAdapters
		openConnectionParamsRepo openConnectionParamsRepo
		logger                   logger
		dialer                   *websocket.Dialer
		callbacks                TransportCallbacks
		keepAlive                PassiveKeepAliveHandler
		writeTimeout             time.Duration

		mu         sync.Mutex
		conn       *websocket.Conn
		cancelDial context.CancelFunc
		closing    bool
		localCode  int
		localText  string

		writeMu    sync.Mutex
		openOnce   sync.Once
		closeOnce  sync.Once
		closedOnce sync.Once
	}
)

func NewWebsocketTransport(
	session string,
	dialer *websocket.Dialer,
	openParamsRepo openConnectionParamsRepo,
	logger logger,
	callbacks TransportCallbacks,
	errorHandlers ErrorAdapters,
	writeTimeout time.Duration,
) *WsTransport {
	return &WsTransport{
		session:                  session,
		errAdapters:              errorHandlers,
		dialer:                   dialer,
		openConnectionParamsRepo: openParamsRepo,
		callbacks:                callbacks,
		keepAlive:                KeepAliveHandlerReplyPingWithPong,
		writeTimeout:             writeTimeout,
		logger:                   logger.WithField("net", "ws_transport").WithField("session", session),
	}
}

func NewWebsocketFactory(
	logger logger,
	dialer *websocket.Dialer,
	openConnectionParamsRepo openConnectionParamsRepo,
	errorHandlers ErrorAdapters,
	writeTimeout time.Duration,
) TransportFactory {
	return func(session string, cb TransportCallbacks) Transport {
		return NewWebsocketTransport(
			session,
			dialer,
			openConnectionParamsRepo,
			logger,
			cb,
			errorHandlers,
			writeTimeout,
		)
	}
}

// Open initiates the websocket connection.
// This method is blocking and returns when the connection is ready or an error occurs.
// Only the first call dials; later calls fail with ErrTerminated.
func (w *WsTransport) Open(ctx context.Context) error {
	err := ErrTerminated
	w.openOnce.Do(func() {
		err = w.start(ctx)
	})
	return err
}

// Send writes a text frame over the websocket connection.
func (w *WsTransport) Send(frame []byte) error {
	w.mu.Lock()
	conn, closing := w.conn, w.closing
	w.mu.Unlock()

	if conn == nil || closing {
		return ErrTransportNotReady
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(ErrConnectionClosed, err.Error())
	}
	w.logger.Debugf("=> [DATA] %s", frame)
	return nil
}

// Close terminates the websocket connection, aborting the dial when still opening.
func (w *WsTransport) Close(code int, reason string) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closing = true
		w.localCode, w.localText = code, reason
		conn, cancel := w.conn, w.cancelDial
		w.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn == nil {
			return
		}

		w.logger.Infof("closing connection from our side: %d %s", code, reason)
		w.writeMu.Lock()
		deadline := time.Now().Add(w.writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		w.writeMu.Unlock()
		// the read loop observes the closed socket and reports OnClosed
		_ = conn.Close()
	})
}

func (w *WsTransport) start(ctx context.Context) error {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return w.fail(ErrTerminated)
	}
	w.cancelDial = cancel
	w.mu.Unlock()

	p, err := w.openConnectionParamsRepo.Get(dialCtx, w.session)
	if err != nil {
		w.logger.Errorf("cannot get connection params due to %s: ", err)
		return w.fail(err)
	}

	conn, resp, err := w.dialer.DialContext(dialCtx, p.URL.String(), p.Header)

	if err = w.handleDialError(conn, resp, err); err != nil {
		w.logger.Errorf("connection err to %s: %s", p.URL.String(), err)
		return w.fail(WrapDialError(err, p.URL))
	}

	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		_ = conn.Close()
		return w.fail(ErrTerminated)
	}
	w.conn = conn
	w.cancelDial = nil
	w.mu.Unlock()

	w.logger.Debugf("success opening connection to %s", p.URL.String())

	w.callbacks.OnReady()
	go w.read(conn)

	return nil
}

func (w *WsTransport) fail(err error) error {
	w.callbacks.OnError(err)
	return err
}

func (w *WsTransport) read(conn *websocket.Conn) {
	for {
		messageType, bts, err := conn.ReadMessage()
		if err != nil {
			w.finish(err)
			return
		}

		if messageType != websocket.TextMessage {
			w.logger.Debugf("<= [BIN] %d bytes", len(bts))
		}

		if w.keepAlive(w, bts) {
			w.logger.Debugln("<= [PING]")
			continue
		}

		w.logger.Debugf("<= [DATA] %s", bts)
		w.callbacks.OnFrame(bts)
	}
}

// finish reports the closure exactly once. A close started on our side wins over
// whatever error the read loop observed.
func (w *WsTransport) finish(readErr error) {
	w.closedOnce.Do(func() {
		w.mu.Lock()
		w.closing = true
		local, code, text := w.localCode != 0, w.localCode, w.localText
		conn := w.conn
		w.mu.Unlock()

		_ = conn.Close()

		if !local {
			var ce *websocket.CloseError
			if errors.As(readErr, &ce) {
				code, text = ce.Code, ce.Text
			} else {
				code, text = CloseAbnormalClosure, readErr.Error()
			}
			w.logger.Infof("connection closed by remote: %d %s", code, text)
		}

		w.callbacks.OnClosed(code, text)
	})
}

func (w *WsTransport) handleDialError(conn *websocket.Conn, resp *http.Response, err error) error {
	if w.errAdapters.OnDial != nil {
		return w.errAdapters.OnDial(conn, resp, err)
	}

	// 1. Check HTTP errors first
	var msg string

	if resp != nil && err != nil {
		if resp.Body != nil {
			bts, err := io.ReadAll(resp.Body)
			if err == nil {
				msg = string(bts)
			}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return errors.Wrap(ErrRateLimit, msg)
		}
	}

	// 2. Network errors
	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	return nil
}
