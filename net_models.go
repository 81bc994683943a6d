package chatws

import (
	"context"
)

type (
	// Transport owns a single streaming connection bound to one session.
	Transport interface {
		// Open establishes the connection. It blocks until the transport is ready or
		// failed; exactly one of TransportCallbacks.OnReady and OnError fires per call.
		Open(ctx context.Context) error

		// Send writes one encoded frame. It is only valid once the transport is ready.
		Send(frame []byte) error

		// Close requests an orderly shutdown. Closing twice is a no-op, and OnClosed
		// fires at most once per opened transport.
		Close(code int, reason string)
	}

	// TransportCallbacks are invoked from the transport goroutines, never while the
	// transport holds a lock a Transport method would need.
	TransportCallbacks struct {
		OnReady  func()
		OnFrame  func(data []byte)
		OnError  func(err error)
		OnClosed func(code int, reason string)
	}

	TransportFactory func(session string, cb TransportCallbacks) Transport
)
