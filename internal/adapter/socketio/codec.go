// Package socketio is a minimal Socket.IO v5 client over the Engine.IO v4
// websocket transport. It supports namespaces, a connect auth payload, events
// and server pings; binary packets and the polling transport are not supported.
package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrBinaryUnsupported = errors.New("binary packets are not supported")
	ErrClosed            = errors.New("connection closed")
)

// Engine.IO packet types, sent as the first byte of every websocket message.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// PacketType is a Socket.IO packet type.
type PacketType int

const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
	PacketBinaryEvent
	PacketBinaryAck
)

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketEvent:
		return "EVENT"
	case PacketAck:
		return "ACK"
	case PacketConnectError:
		return "CONNECT_ERROR"
	case PacketBinaryEvent:
		return "BINARY_EVENT"
	case PacketBinaryAck:
		return "BINARY_ACK"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

// Packet is one Socket.IO packet carried inside an Engine.IO message.
type Packet struct {
	Type      PacketType
	Namespace string
	ID        *int
	Data      json.RawMessage
}

// Encode renders the packet in the text wire format, e.g. `42/chat,["hello"]`.
// The default namespace "/" is omitted.
func (p Packet) Encode() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(p.Type)))
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.Itoa(*p.ID))
	}
	b.Write(p.Data)
	return b.String()
}

// DecodePacket parses a text Socket.IO packet.
func DecodePacket(s string) (Packet, error) {
	if s == "" {
		return Packet{}, fmt.Errorf("%w: empty", ErrMalformedPacket)
	}
	if s[0] < '0' || s[0] > '6' {
		return Packet{}, fmt.Errorf("%w: type %q", ErrMalformedPacket, s[0])
	}

	p := Packet{Type: PacketType(s[0] - '0'), Namespace: "/"}
	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		return p, ErrBinaryUnsupported
	}

	rest := s[1:]
	if strings.HasPrefix(rest, "/") {
		if i := strings.IndexByte(rest, ','); i >= 0 {
			p.Namespace, rest = rest[:i], rest[i+1:]
		} else {
			p.Namespace, rest = rest, ""
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		p.ID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("%w: invalid payload", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EncodeEvent builds the data of an EVENT packet: ["name", args...].
func EncodeEvent(name string, args ...any) (json.RawMessage, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", name, err)
	}
	return data, nil
}

// DecodeEvent splits EVENT packet data into the event name and its raw arguments.
func DecodeEvent(data json.RawMessage) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: event payload: %v", ErrMalformedPacket, err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", ErrMalformedPacket, err)
	}
	return name, parts[1:], nil
}

// openPayload is the body of the Engine.IO open packet.
type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}
