package socketio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the Socket.IO packet type carried inside an Engine.IO message.
type MessageType byte

const (
	MessageConnect MessageType = iota
	MessageDisconnect
	MessageEvent
	MessageAck
	MessageConnectError
	MessageBinaryEvent
	MessageBinaryAck
)

const defaultNamespace = "/"

// Message is a decoded Socket.IO packet.
type Message struct {
	Type      MessageType
	Namespace string
	Data      json.RawMessage
}

func (m Message) Encode() []byte {
	buf := []byte{'0' + byte(m.Type)}
	if m.Namespace != "" && m.Namespace != defaultNamespace {
		buf = append(buf, m.Namespace...)
		buf = append(buf, ',')
	}
	return append(buf, m.Data...)
}

// DecodeMessage parses a Socket.IO packet. Ack ids are skipped.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, errors.New("socketio: empty message")
	}
	if b[0] < '0' || b[0] > '0'+byte(MessageBinaryAck) {
		return Message{}, fmt.Errorf("socketio: invalid message type %q", b[0])
	}
	msg := Message{Type: MessageType(b[0] - '0'), Namespace: defaultNamespace}
	rest := b[1:]
	if msg.Type == MessageBinaryEvent || msg.Type == MessageBinaryAck {
		idx := bytes.IndexByte(rest, '-')
		if idx < 0 {
			return Message{}, errors.New("socketio: binary message without attachment count")
		}
		rest = rest[idx+1:]
	}
	if len(rest) > 0 && rest[0] == '/' {
		idx := bytes.IndexByte(rest, ',')
		if idx < 0 {
			msg.Namespace = string(rest)
			rest = nil
		} else {
			msg.Namespace = string(rest[:idx])
			rest = rest[idx+1:]
		}
	}
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i < len(rest) {
		msg.Data = append(json.RawMessage(nil), rest[i:]...)
	}
	return msg, nil
}

// NewEvent builds an EVENT message `["name", payload]`.
func NewEvent(namespace, name string, payload any) (Message, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Message{}, fmt.Errorf("socketio: encode event %q: %w", name, err)
	}
	return Message{Type: MessageEvent, Namespace: namespace, Data: data}, nil
}

// Event splits an EVENT message into its name and arguments.
func (m Message) Event() (string, []json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(m.Data, &items); err != nil {
		return "", nil, fmt.Errorf("socketio: decode event: %w", err)
	}
	if len(items) == 0 {
		return "", nil, errors.New("socketio: event without name")
	}
	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return "", nil, fmt.Errorf("socketio: decode event name: %w", err)
	}
	return name, items[1:], nil
}
