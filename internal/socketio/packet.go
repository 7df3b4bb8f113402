// Package socketio is a small Socket.IO v5 client (Engine.IO protocol 4) for
// talking to agent backends built on flask-socketio or the Node server.
// Only the default-namespace event flow is implemented: no acks, no binary
// attachments, no transport upgrades.
package socketio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// PacketType is the Engine.IO packet type.
type PacketType byte

const (
	PacketOpen PacketType = iota
	PacketClose
	PacketPing
	PacketPong
	PacketMessage
	PacketUpgrade
	PacketNoop
)

var packetNames = [...]string{"open", "close", "ping", "pong", "message", "upgrade", "noop"}

func (t PacketType) String() string {
	if int(t) < len(packetNames) {
		return packetNames[t]
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// recordSeparator joins packets in a long-polling payload.
const recordSeparator = 0x1e

var ErrEmptyPacket = errors.New("socketio: empty packet")

// Packet is one Engine.IO frame.
type Packet struct {
	Type   PacketType
	Data   []byte
	Binary bool
}

// Encode renders the text form: a type digit followed by the data.
func (p Packet) Encode() []byte {
	buf := make([]byte, 0, len(p.Data)+1)
	buf = append(buf, '0'+byte(p.Type))
	return append(buf, p.Data...)
}

// DecodePacket parses the text form of a packet.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, ErrEmptyPacket
	}
	if b[0] < '0' || b[0] > '0'+byte(PacketNoop) {
		return Packet{}, fmt.Errorf("socketio: invalid packet type %q", b[0])
	}
	return Packet{Type: PacketType(b[0] - '0'), Data: append([]byte(nil), b[1:]...)}, nil
}

// EncodePayload joins packets for an HTTP long-polling body.
func EncodePayload(packets []Packet) []byte {
	var buf bytes.Buffer
	for i, p := range packets {
		if i > 0 {
			buf.WriteByte(recordSeparator)
		}
		if p.Binary {
			buf.WriteByte('b')
			buf.WriteString(base64.StdEncoding.EncodeToString(p.Data))
			continue
		}
		buf.Write(p.Encode())
	}
	return buf.Bytes()
}

// DecodePayload splits an HTTP long-polling body into packets.
func DecodePayload(b []byte) ([]Packet, error) {
	if len(b) == 0 {
		return nil, nil
	}
	parts := bytes.Split(b, []byte{recordSeparator})
	packets := make([]Packet, 0, len(parts))
	for _, part := range parts {
		if len(part) > 0 && part[0] == 'b' {
			data, err := base64.StdEncoding.DecodeString(string(part[1:]))
			if err != nil {
				return nil, fmt.Errorf("socketio: decode binary packet: %w", err)
			}
			packets = append(packets, Packet{Type: PacketMessage, Data: data, Binary: true})
			continue
		}
		p, err := DecodePacket(part)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// Handshake is the JSON body of the open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

func parseHandshake(p Packet) (Handshake, error) {
	if p.Type != PacketOpen {
		return Handshake{}, fmt.Errorf("socketio: expected open packet, got %s", p.Type)
	}
	var hs Handshake
	if err := json.Unmarshal(p.Data, &hs); err != nil {
		return Handshake{}, fmt.Errorf("socketio: decode handshake: %w", err)
	}
	if hs.SID == "" {
		return Handshake{}, errors.New("socketio: handshake without sid")
	}
	return hs, nil
}

// heartbeat is how long the client waits for any packet before giving up.
func (hs Handshake) heartbeat() time.Duration {
	interval, timeout := hs.PingInterval, hs.PingTimeout
	if interval <= 0 {
		interval = 25000
	}
	if timeout <= 0 {
		timeout = 20000
	}
	return time.Duration(interval+timeout) * time.Millisecond
}
