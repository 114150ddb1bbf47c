// Package protocol defines the messages clients send over the push channel and
// the acknowledgements the server answers them with. Server pushes are
// event.Event values; everything here is the request side.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type discriminates client messages.
type Type string

const (
	TypeChat             Type = "chat"
	TypeCancel           Type = "cancel"
	TypeSubscribeSession Type = "subscribe_session"
	TypePing             Type = "ping"

	// TypeAck is the server's reply to chat, cancel and malformed input.
	TypeAck Type = "ack"
)

// ErrEmptyMessage is returned for a chat request with no text.
var ErrEmptyMessage = errors.New("message is empty")

// ClientMessage is any message a client may send. Fields unused by Type are ignored.
type ClientMessage struct {
	Type      Type              `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// Chat submits a request to an agent.
type Chat struct {
	SessionID string            `json:"session_id,omitempty"`
	Message   string            `json:"message"`
	Options   map[string]string `json:"options,omitempty"`
}

// AgentOption selects the agent that answers a chat request.
const AgentOption = "agent"

// Agent returns the requested agent name, if any.
func (c Chat) Agent() string { return c.Options[AgentOption] }

// Decode parses one client frame and checks the fields its type requires.
func Decode(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	return m, m.Validate()
}

// Validate checks that the fields required by the message type are present.
func (m ClientMessage) Validate() error {
	switch m.Type {
	case TypeChat:
		if strings.TrimSpace(m.Message) == "" {
			return ErrEmptyMessage
		}
	case TypeCancel:
		if m.TaskID == "" {
			return errors.New("cancel requires task_id")
		}
	case TypeSubscribeSession:
		if m.SessionID == "" {
			return errors.New("subscribe_session requires session_id")
		}
	case TypePing:
	case "":
		return errors.New("message type is required")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Chat returns the chat request carried by m.
func (m ClientMessage) Chat() Chat {
	return Chat{SessionID: m.SessionID, Message: m.Message, Options: m.Options}
}

// Ack answers a chat or cancel request, or reports a malformed one.
type Ack struct {
	Type      Type   `json:"type"`
	Request   Type   `json:"request"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status,omitempty"` // task status after a chat
	Result    string `json:"result,omitempty"` // outcome of a cancel
	Warning   string `json:"warning,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewAck returns an acknowledgement for a request of type req.
func NewAck(req Type) Ack {
	return Ack{Type: TypeAck, Request: req}
}

// ErrorAck reports a request that could not be served. The connection stays open.
func ErrorAck(req Type, err error) Ack {
	a := NewAck(req)
	a.Error = err.Error()
	return a
}

// Frame is the minimal view used to route an incoming server frame by type.
type Frame struct {
	Type string `json:"type"`
}

// PeekType returns the type field of a JSON frame without decoding the rest.
func PeekType(data []byte) (string, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", err
	}
	return f.Type, nil
}
