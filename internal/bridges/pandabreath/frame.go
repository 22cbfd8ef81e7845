package pandabreath

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// WebSocket opcodes handled on the device link (RFC 6455 §5.2).
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

// Frame header layout.
const (
	finBit      = 0x80
	maskBit     = 0x80
	opcodeMask  = 0x0F
	lengthMask  = 0x7F
	len16Marker = 126
	len64Marker = 127

	// maxLen16 is the first payload length that needs the 64-bit form.
	maxLen16 = 65536

	maskKeySize = 4

	// maxFrameHeaderSize is 2 base bytes, 8 extended length bytes and the mask key.
	maxFrameHeaderSize = 2 + 8 + maskKeySize

	// DefaultMaxFramePayload bounds the payload of a single inbound frame.
	// The device sends small JSON documents; anything larger means the
	// stream is out of sync.
	DefaultMaxFramePayload = 1 << 20
)

// Frame is one decoded WebSocket frame.
// Payloads are already unmasked.
type Frame struct {
	Fin     bool
	Opcode  byte
	Payload []byte
}

// EncodeFrame builds a single client frame with FIN set.
//
// Client frames are always masked with a fresh random 4-byte key. The length
// uses the 7-bit form below 126 bytes, the 16-bit form below 65536 bytes and
// the 64-bit form above that.
//
// Parameters:
//   - opcode: Frame opcode (OpText for commands, OpPong for ping replies)
//   - payload: Unmasked payload bytes (not modified)
//
// Returns:
//   - []byte: Wire-ready frame
//   - error: If the mask key could not be generated
func EncodeFrame(opcode byte, payload []byte) ([]byte, error) {
	var key [maskKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generating mask key: %w", err)
	}
	return encodeFrameWithKey(opcode, payload, key), nil
}

func encodeFrameWithKey(opcode byte, payload []byte, key [maskKeySize]byte) []byte {
	n := len(payload)
	buf := make([]byte, 0, maxFrameHeaderSize+n)
	buf = append(buf, finBit|opcode&opcodeMask)

	switch {
	case n < len16Marker:
		buf = append(buf, maskBit|byte(n))
	case n < maxLen16:
		buf = append(buf, maskBit|len16Marker)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n)) //nolint:gosec // n < 65536
	default:
		buf = append(buf, maskBit|len64Marker)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n))
	}

	buf = append(buf, key[:]...)
	start := len(buf)
	buf = append(buf, payload...)
	maskBytes(buf[start:], key)
	return buf
}

// maskBytes XORs b with the key, cycling every four bytes. Masking and
// unmasking are the same operation.
func maskBytes(b []byte, key [maskKeySize]byte) {
	for i := range b {
		b[i] ^= key[i%maskKeySize]
	}
}

// ReadFrame reads and decodes exactly one frame from r.
//
// Parameters:
//   - r: Source positioned at a frame boundary
//   - maxPayload: Largest accepted payload length (0 means unbounded)
//
// Returns:
//   - Frame: Decoded frame with the payload unmasked
//   - error: I/O errors from r, or ErrFrameTooLarge
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Fin:    hdr[0]&finBit != 0,
		Opcode: hdr[0] & opcodeMask,
	}
	masked := hdr[1]&maskBit != 0
	length := uint64(hdr[1] & lengthMask)

	switch length {
	case len16Marker:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case len64Marker:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if maxPayload > 0 && length > uint64(maxPayload) {
		return Frame{}, fmt.Errorf("%w: %d bytes declared, limit %d", ErrFrameTooLarge, length, maxPayload)
	}

	var key [maskKeySize]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return Frame{}, err
		}
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	if masked {
		maskBytes(f.Payload, key)
	}
	return f, nil
}
