package chatws

import (
	"fmt"
	"net/url"

	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed   = errors.New("connection has been closed")
	ErrCannotConnect      = errors.New("connection cannot be established")
	ErrTerminated         = errors.New("program exit")
	ErrRateLimit          = errors.New("rate limit exceeded")
	ErrConnectTimeout     = errors.New("connection attempt timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSessionSuperseded  = errors.New("session superseded by a newer connect request")
	ErrDisconnected       = errors.New("client disconnected")
	ErrNotSerializable    = errors.New("payload is not JSON serializable")
	ErrTransportNotReady  = errors.New("transport is not ready")
	ErrEmptySession       = errors.New("session id is empty")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// DialError carries the target a failed dial was aimed at.
type DialError struct {
	err error
	url url.URL
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial error: %s to %s", e.err, e.url.String())
}

func (e *DialError) Unwrap() error { return e.err }

func (e *DialError) URL() url.URL { return e.url }

func WrapDialError(err error, url url.URL) error {
	if err == nil {
		return nil
	}
	return &DialError{
		err: err,
		url: url,
	}
}
