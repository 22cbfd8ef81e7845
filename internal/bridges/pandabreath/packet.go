package pandabreath

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MQTT 3.1.1 control packet types (fixed header bits 7-4).
const (
	PacketConnect    byte = 1
	PacketConnack    byte = 2
	PacketPublish    byte = 3
	PacketSubscribe  byte = 8
	PacketSuback     byte = 9
	PacketPingreq    byte = 12
	PacketPingresp   byte = 13
	PacketDisconnect byte = 14
)

const (
	protocolName  = "MQTT"
	protocolLevel = 4

	flagCleanSession = 0x02
	flagPassword     = 0x40
	flagUsername     = 0x80

	// subscribeHeader is SUBSCRIBE with the reserved flags 0b0010.
	subscribeHeader = PacketSubscribe<<4 | 0x02

	// publishHeader is PUBLISH with QoS 0, no DUP, no RETAIN.
	publishHeader = PacketPublish << 4

	// MaxRemainingLength is the largest value four length bytes can carry.
	MaxRemainingLength = 268435455

	remainingLengthBytes = 4

	// DefaultMaxPacketBody bounds the body of a single inbound packet.
	DefaultMaxPacketBody = 1 << 20
)

// Packet is one MQTT control packet as read from the wire.
type Packet struct {
	Type  byte
	Flags byte
	Body  []byte
}

// ConnectOptions holds the CONNECT fields the client sends.
type ConnectOptions struct {
	ClientID  string
	KeepAlive uint16
	Username  string
	Password  string
}

// EncodeRemainingLength encodes n as an MQTT variable byte integer:
// seven data bits per byte, least significant group first, with the high
// bit set on every byte except the last.
func EncodeRemainingLength(n int) ([]byte, error) {
	if n < 0 || n > MaxRemainingLength {
		return nil, fmt.Errorf("%w: %d", ErrRemainingLength, n)
	}

	out := make([]byte, 0, remainingLengthBytes)
	for {
		b := byte(n % 128) //nolint:mnd
		n /= 128           //nolint:mnd
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out, nil
		}
	}
}

// DecodeRemainingLength reads a variable byte integer from r.
// More than four bytes is a malformed packet.
func DecodeRemainingLength(r io.ByteReader) (int, error) {
	value := 0
	multiplier := 1
	for range remainingLengthBytes {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128 //nolint:mnd
	}
	return 0, fmt.Errorf("%w: remaining length longer than %d bytes", ErrMalformedPacket, remainingLengthBytes)
}

// appendString appends an MQTT UTF-8 string: 2-byte big-endian length
// followed by the bytes. Callers check lengths with checkStrings first.
func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s))) //nolint:gosec // checked by checkStrings
	return append(dst, s...)
}

func checkStrings(values ...string) error {
	for _, v := range values {
		if len(v) > math.MaxUint16 {
			return fmt.Errorf("%w: string of %d bytes exceeds %d", ErrMalformedPacket, len(v), math.MaxUint16)
		}
	}
	return nil
}

// buildPacket prefixes body with the fixed header byte and remaining length.
func buildPacket(header byte, body []byte) ([]byte, error) {
	rl, err := EncodeRemainingLength(len(body))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(rl)+len(body))
	out = append(out, header)
	out = append(out, rl...)
	return append(out, body...), nil
}

// EncodeConnect builds a CONNECT packet with the clean-session flag set.
//
// The password flag is only set together with a username, which MQTT 3.1.1
// requires.
func EncodeConnect(opts ConnectOptions) ([]byte, error) {
	if err := checkStrings(opts.ClientID, opts.Username, opts.Password); err != nil {
		return nil, err
	}

	flags := byte(flagCleanSession)
	withPassword := false
	if opts.Username != "" {
		flags |= flagUsername
		if opts.Password != "" {
			flags |= flagPassword
			withPassword = true
		}
	}

	body := make([]byte, 0, 16+len(opts.ClientID)+len(opts.Username)+len(opts.Password)) //nolint:mnd
	body = appendString(body, protocolName)
	body = append(body, protocolLevel, flags)
	body = binary.BigEndian.AppendUint16(body, opts.KeepAlive)
	body = appendString(body, opts.ClientID)
	if opts.Username != "" {
		body = appendString(body, opts.Username)
	}
	if withPassword {
		body = appendString(body, opts.Password)
	}
	return buildPacket(PacketConnect<<4, body)
}

// EncodeSubscribe builds a SUBSCRIBE packet for one topic at QoS 0.
func EncodeSubscribe(packetID uint16, topic string) ([]byte, error) {
	if err := checkStrings(topic); err != nil {
		return nil, err
	}
	body := make([]byte, 0, 5+len(topic)) //nolint:mnd
	body = binary.BigEndian.AppendUint16(body, packetID)
	body = appendString(body, topic)
	body = append(body, 0) // requested QoS
	return buildPacket(subscribeHeader, body)
}

// EncodePublish builds a QoS 0 PUBLISH packet. QoS 0 carries no packet id.
func EncodePublish(topic string, payload []byte) ([]byte, error) {
	if err := checkStrings(topic); err != nil {
		return nil, err
	}
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body = appendString(body, topic)
	body = append(body, payload...)
	return buildPacket(publishHeader, body)
}

// EncodePingreq returns a PINGREQ packet.
func EncodePingreq() []byte {
	return []byte{PacketPingreq << 4, 0x00}
}

// EncodeDisconnect returns a DISCONNECT packet.
func EncodeDisconnect() []byte {
	return []byte{PacketDisconnect << 4, 0x00}
}

// packetReader is what ReadPacket needs from its source; *bufio.Reader
// satisfies it.
type packetReader interface {
	io.Reader
	io.ByteReader
}

// ReadPacket reads one control packet: the fixed header, the remaining
// length and exactly that many body bytes.
//
// Parameters:
//   - r: Source positioned at a packet boundary
//   - maxBody: Largest accepted remaining length (0 means unbounded)
//
// Returns:
//   - Packet: Type, flags and body
//   - error: I/O errors from r, or ErrMalformedPacket
func ReadPacket(r packetReader, maxBody int) (Packet, error) {
	header, err := r.ReadByte()
	if err != nil {
		return Packet{}, err
	}
	length, err := DecodeRemainingLength(r)
	if err != nil {
		return Packet{}, err
	}
	if maxBody > 0 && length > maxBody {
		return Packet{}, fmt.Errorf("%w: body of %d bytes exceeds limit %d", ErrMalformedPacket, length, maxBody)
	}

	p := Packet{
		Type:  header >> 4,
		Flags: header & 0x0F,
		Body:  make([]byte, length),
	}
	if _, err := io.ReadFull(r, p.Body); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// ParsePublish splits a PUBLISH body into topic and payload.
//
// For QoS 1 and 2 the 2-byte packet id after the topic is skipped. The
// payload is returned with surrounding whitespace trimmed. ok is false when
// the body is too short for the lengths it declares.
func ParsePublish(flags byte, body []byte) (topic string, payload []byte, ok bool) {
	if len(body) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(body))
	offset := 2
	if offset+n > len(body) {
		return "", nil, false
	}
	topic = string(body[offset : offset+n])
	offset += n

	if qos := (flags >> 1) & 0x03; qos > 0 {
		offset += 2
		if offset > len(body) {
			return "", nil, false
		}
	}
	return topic, bytes.TrimSpace(body[offset:]), true
}

// packetName returns a readable name for log and error messages.
func packetName(t byte) string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketConnack:
		return "CONNACK"
	case PacketPublish:
		return "PUBLISH"
	case PacketSubscribe:
		return "SUBSCRIBE"
	case PacketSuback:
		return "SUBACK"
	case PacketPingreq:
		return "PINGREQ"
	case PacketPingresp:
		return "PINGRESP"
	case PacketDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("type %d", t)
	}
}
