package chatws

import (
	"github.com/tidwall/gjson"
)

type (
	// PassiveKeepAliveHandler inspects an inbound frame before it is surfaced and reports
	// whether it was a control frame consumed at the transport level.
	PassiveKeepAliveHandler func(t Transport, data []byte) (consumed bool)
)

// KeepAliveHandlerReplyPingWithPong answers {"type":"ping"} with {"type":"pong"} and
// consumes the ping. Every other frame, pongs and malformed pings included, is surfaced.
func KeepAliveHandlerReplyPingWithPong(t Transport, data []byte) bool {
	if !gjson.ValidBytes(data) || !frameType(data).IsPing() {
		return false
	}
	_ = t.Send(pongFrameData)
	return true
}
