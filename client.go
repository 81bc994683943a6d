package chatws

import (
	"context"
	"time"
)

type (
	// Client is the interface that defines the behavior of a chat session client. This
	// includes connecting to a session, sending messages and managing inbound handlers.
	Client interface {
		// ConnectToSession connects to the given session, replacing any other session. It
		// returns once the connection is open or failed for good.
		ConnectToSession(ctx context.Context, session string) error
		// Send transmits the payload, or queues it until the connection is open
		Send(payload any) error
		// AddMessageHandler registers a handler for inbound frames
		AddMessageHandler(h MessageHandler) ListenerID
		// RemoveMessageHandler removes a handler. Unknown ids are ignored.
		RemoveMessageHandler(id ListenerID)
		// Disconnect closes the connection and stops reconnecting
		Disconnect()
	}

	MessageHandler func(Frame)

	EventHandler func(StateChange)
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type CloseReason int

const (
	ReasonNone CloseReason = iota
	// ReasonNormal follows an explicit Disconnect.
	ReasonNormal
	// ReasonTimeout marks an attempt aborted by the connect timeout. A retry follows.
	ReasonTimeout
	// ReasonExhausted is terminal: reconnect attempts ran out.
	ReasonExhausted
	// ReasonRemote means the server closed the connection with a normal close code.
	ReasonRemote
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonNormal:
		return "normal"
	case ReasonTimeout:
		return "timeout"
	case ReasonExhausted:
		return "exhausted"
	case ReasonRemote:
		return "remote"
	default:
		return "unknown"
	}
}

type EventType int

const (
	EventMessage EventType = iota
	EventConnecting
	EventConnect
	EventReconnect
	EventClosing
	EventClose
	EventExhausted
)

// StateChange describes a lifecycle event of a Manager.
type StateChange struct {
	State   State
	Reason  CloseReason
	Session string
	// Attempt and Delay are set on EventReconnect. Attempt counts the failed attempts so
	// far; it is zero when an open connection was lost.
	Attempt int
	Delay   time.Duration
	Err     error
}
