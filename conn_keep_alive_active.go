package chatws

import (
	"sync"
	"time"
)

type KeepAliveMessageFactory func() []byte

// activeKeepAliveTransport is a Transport that sends a keep-alive frame at a fixed
// interval while the wrapped transport is ready.
// It embeds the Transport interface to inherit its methods.
type activeKeepAliveTransport struct {
	Transport
	pingInterval            time.Duration
	keepAliveMessageFactory KeepAliveMessageFactory
	logger                  logger

	startOnce sync.Once
	stopOnce  sync.Once
	closeC    chan struct{}
}

// Close stops the keep-alive routine and closes the wrapped transport.
func (t *activeKeepAliveTransport) Close(code int, reason string) {
	t.stop()
	t.Transport.Close(code, reason)
}

func (t *activeKeepAliveTransport) start() {
	t.startOnce.Do(func() {
		go t.run()
	})
}

func (t *activeKeepAliveTransport) stop() {
	t.stopOnce.Do(func() {
		close(t.closeC)
	})
}

// run sends keep-alive frames at regular intervals defined by pingInterval until the
// transport stops.
func (t *activeKeepAliveTransport) run() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Transport.Send(t.keepAliveMessageFactory()); err != nil {
				t.logger.Debugf("keep-alive send failed: %s", err)
			}
		case <-t.closeC:
			return
		}
	}
}

// wrap intercepts the lifecycle callbacks to start and stop the routine.
func (t *activeKeepAliveTransport) wrap(cb TransportCallbacks) TransportCallbacks {
	wrapped := cb
	wrapped.OnReady = func() {
		t.start()
		cb.OnReady()
	}
	wrapped.OnError = func(err error) {
		t.stop()
		cb.OnError(err)
	}
	wrapped.OnClosed = func(code int, reason string) {
		t.stop()
		cb.OnClosed(code, reason)
	}
	return wrapped
}

// NewActiveKeepAliveTransportFactory returns a factory that decorates the transports
// created by factory with periodic keep-alive frames.
func NewActiveKeepAliveTransportFactory(
	logger logger,
	factory TransportFactory,
	interval time.Duration,
	keepAliveMessageFactory KeepAliveMessageFactory,
) TransportFactory {
	return func(session string, cb TransportCallbacks) Transport {
		t := &activeKeepAliveTransport{
			logger:                  logger.WithField("subtype", "activeKeepAliveTransport"),
			pingInterval:            interval,
			keepAliveMessageFactory: keepAliveMessageFactory,
			closeC:                  make(chan struct{}),
		}
		t.Transport = factory(session, t.wrap(cb))
		return t
	}
}

// NewKeepAliveMessageFactory returns a factory producing {"type":"ping"} frames.
func NewKeepAliveMessageFactory() KeepAliveMessageFactory {
	return func() []byte {
		return pingFrameData
	}
}
