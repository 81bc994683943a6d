package chatws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Close codes threaded through Transport.Close and TransportCallbacks.OnClosed.
// They mirror RFC 6455 so that transports can pass them through unchanged.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseAbnormalClosure = 1006
)

type FrameType string

const (
	PingFrame    FrameType = "ping"
	PongFrame    FrameType = "pong"
	MessageFrame FrameType = "message"
	ErrorFrame   FrameType = "error"
)

func (t FrameType) Is(other FrameType) bool {
	return t == other
}

func (t FrameType) IsPing() bool {
	return t.Is(PingFrame)
}

func (t FrameType) IsPong() bool {
	return t.Is(PongFrame)
}

func (t FrameType) IsError() bool {
	return t.Is(ErrorFrame)
}

var (
	pingFrameData = []byte(`{"type":"ping"}`)
	pongFrameData = []byte(`{"type":"pong"}`)
)

// Frame is one inbound JSON frame. Data is kept verbatim; Type is the value of the
// top-level "type" field, empty when the frame carries none.
type Frame struct {
	Type       FrameType
	Data       []byte
	ReceivedAt time.Time
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{type=%s,data=%s}", f.Type, f.Data)
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

// Get looks a gjson path up in the frame.
func (f Frame) Get(path string) gjson.Result {
	return gjson.GetBytes(f.Data, path)
}

func (f Frame) IsError() bool {
	return f.Type.IsError()
}

// ChatMessage decodes the frame as the backend chat envelope.
func (f Frame) ChatMessage() (ChatMessage, error) {
	var m ChatMessage
	if err := f.Decode(&m); err != nil {
		return ChatMessage{}, err
	}
	return m, nil
}

// ChatMessage is the envelope exchanged with the chat backend. Only Content and Time
// are set on outbound messages; the backend fills Type and Sender.
type ChatMessage struct {
	Type    string `json:"type,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content"`
	Time    string `json:"time,omitempty"`
}

func NewChatMessage(content string, now time.Time) ChatMessage {
	return ChatMessage{Content: content, Time: now.UTC().Format(time.RFC3339)}
}

// OutboundMessage is a payload waiting in the manager queue. Data holds the encoded
// frame computed when the payload was handed over.
type OutboundMessage struct {
	Payload    any
	Data       []byte
	EnqueuedAt time.Time
}

// EncodePayload turns a caller payload into a frame. Raw byte payloads must already be
// valid JSON and are sent as is.
func EncodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, errors.Wrap(ErrNotSerializable, "nil payload")
	case json.RawMessage:
		return validRaw(p)
	case []byte:
		return validRaw(p)
	}

	bts, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(ErrNotSerializable, err.Error())
	}
	return bts, nil
}

func validRaw(bts []byte) ([]byte, error) {
	if !gjson.ValidBytes(bts) {
		return nil, errors.Wrap(ErrNotSerializable, "raw payload is not valid JSON")
	}
	return bts, nil
}

func frameType(data []byte) FrameType {
	return FrameType(gjson.GetBytes(data, "type").String())
}

func decodeFrame(data []byte, receivedAt time.Time) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, errors.Errorf("malformed frame: %.64q", data)
	}
	return Frame{
		Type:       frameType(data),
		Data:       data,
		ReceivedAt: receivedAt,
	}, nil
}
