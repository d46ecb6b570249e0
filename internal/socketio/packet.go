package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EngineType is an Engine.IO v4 packet type.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// PacketType is a Socket.IO v5 packet type carried in an Engine.IO message.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
	PacketBinaryEvent  PacketType = '5'
	PacketBinaryAck    PacketType = '6'
)

// ErrBadPacket is returned for frames that are not valid Engine.IO or
// Socket.IO packets.
var ErrBadPacket = errors.New("malformed packet")

// OpenInfo is the Engine.IO handshake sent by the server.
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	ID        int // -1 when the packet carries no ack id
	Data      json.RawMessage
}

// ParseEngine splits a text frame into its Engine.IO type and payload.
func ParseEngine(frame string) (EngineType, string, error) {
	if frame == "" {
		return 0, "", fmt.Errorf("%w: empty frame", ErrBadPacket)
	}
	t := EngineType(frame[0])
	if t < EngineOpen || t > EngineNoop {
		return 0, "", fmt.Errorf("%w: engine type %q", ErrBadPacket, frame[0])
	}
	return t, frame[1:], nil
}

// ParseOpen decodes the payload of an open packet.
func ParseOpen(payload string) (OpenInfo, error) {
	var info OpenInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		return OpenInfo{}, fmt.Errorf("%w: open payload: %v", ErrBadPacket, err)
	}
	return info, nil
}

// ParsePacket decodes the payload of an Engine.IO message packet.
// Format: <type>[<attachments>-][<namespace>,][<id>][<json>]
func ParsePacket(s string) (Packet, error) {
	p := Packet{Namespace: "/", ID: -1}
	if s == "" {
		return p, fmt.Errorf("%w: empty message", ErrBadPacket)
	}
	p.Type = PacketType(s[0])
	if p.Type < PacketConnect || p.Type > PacketBinaryAck {
		return p, fmt.Errorf("%w: packet type %q", ErrBadPacket, s[0])
	}
	rest := s[1:]

	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		i := strings.IndexByte(rest, '-')
		if i < 0 {
			return p, fmt.Errorf("%w: binary packet without attachment count", ErrBadPacket)
		}
		rest = rest[i+1:]
	}

	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace = rest
			rest = ""
		} else {
			p.Namespace = rest[:i]
			rest = rest[i+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return p, fmt.Errorf("%w: ack id: %v", ErrBadPacket, err)
		}
		p.ID = id
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return p, fmt.Errorf("%w: invalid JSON data", ErrBadPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Event decodes an event packet's name and arguments.
func (p Packet) Event() (string, []any, error) {
	var items []any
	if err := json.Unmarshal(p.Data, &items); err != nil {
		return "", nil, fmt.Errorf("%w: event data: %v", ErrBadPacket, err)
	}
	if len(items) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrBadPacket)
	}
	name, ok := items[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: event name is %T", ErrBadPacket, items[0])
	}
	return name, items[1:], nil
}

// EncodeConnect builds the frame that opens a namespace, with optional auth.
func EncodeConnect(namespace string, auth any) (string, error) {
	var b strings.Builder
	b.WriteByte(byte(EngineMessage))
	b.WriteByte(byte(PacketConnect))
	writeNamespace(&b, namespace)
	if auth != nil {
		data, err := json.Marshal(auth)
		if err != nil {
			return "", fmt.Errorf("failed to encode auth: %w", err)
		}
		b.Write(data)
	}
	return b.String(), nil
}

// EncodeEvent builds the frame for an event emitted on namespace.
func EncodeEvent(namespace, event string, args ...any) (string, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, event)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode event %s: %w", event, err)
	}

	var b strings.Builder
	b.WriteByte(byte(EngineMessage))
	b.WriteByte(byte(PacketEvent))
	writeNamespace(&b, namespace)
	b.Write(data)
	return b.String(), nil
}

func writeNamespace(b *strings.Builder, namespace string) {
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
}
