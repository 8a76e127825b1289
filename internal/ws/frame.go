package ws

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies a WebSocket frame type per RFC 6455 Section 5.2.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control frame opcode.
func (o Opcode) IsControl() bool {
	switch o {
	case OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// IsData reports whether the opcode carries application data.
func (o Opcode) IsData() bool {
	return o == OpText || o == OpBinary
}

// String returns the opcode name for logs.
func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "CONTINUATION"
	case OpText:
		return "TEXT"
	case OpBinary:
		return "BINARY"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	default:
		return fmt.Sprintf("OPCODE(%#x)", byte(o))
	}
}

// Codec errors.
var (
	ErrInvalidOpcode  = errors.New("invalid opcode")
	ErrFragmentation  = errors.New("fragmented frames not supported")
	ErrReservedBits   = errors.New("reserved bits set")
	ErrControlTooLong = errors.New("control frame payload exceeds 125 bytes")
	ErrFrameTooLarge  = errors.New("frame payload exceeds limit")
)

// maxControlPayload is the control-frame payload cap per RFC 6455.
const maxControlPayload = 125

// Frame is one decoded wire frame. Decoded payloads are always unmasked;
// Masked records whether the frame arrived masked so the connection can
// enforce its role's masking policy.
type Frame struct {
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// AppendFrame encodes a single final frame and appends it to dst.
// When mask is set a fresh random mask key is generated and the payload
// is XORed with key[i%4] on the wire; payload itself is not modified.
func AppendFrame(dst []byte, op Opcode, payload []byte, mask bool) []byte {
	dst = append(dst, 0x80|byte(op&0x0F))

	var maskBit byte
	if mask {
		maskBit = 0x80
	}

	n := len(payload)
	switch {
	case n <= 125:
		dst = append(dst, maskBit|byte(n))
	case n <= 65535:
		dst = append(dst, maskBit|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, maskBit|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if !mask {
		return append(dst, payload...)
	}

	var key [4]byte
	rand.Read(key[:])
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	body := dst[start:]
	for i := range body {
		body[i] ^= key[i%4]
	}
	return dst
}

// ParseFrame attempts to decode one frame from the front of buf.
//
// A short buffer is not an error: ParseFrame returns (nil, 0, nil) and the
// caller retries once more bytes have arrived. On success it returns the
// frame and the number of bytes consumed. The payload is copied out of buf
// (and unmasked), so buf may be reused immediately.
//
// Errors are structural: FIN clear, reserved bits, unknown opcode,
// an oversized control frame, or a payload above maxPayload.
func ParseFrame(buf []byte, maxPayload int64) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}

	b0, b1 := buf[0], buf[1]

	if b0&0x80 == 0 {
		return nil, 0, ErrFragmentation
	}
	if b0&0x70 != 0 {
		return nil, 0, ErrReservedBits
	}

	op := Opcode(b0 & 0x0F)
	switch op {
	case OpText, OpBinary, OpClose, OpPing, OpPong:
	case OpContinuation:
		return nil, 0, ErrFragmentation
	default:
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidOpcode, op)
	}

	masked := b1&0x80 != 0
	length := uint64(b1 & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
	}

	// Reject oversized frames before waiting for their payload.
	if op.IsControl() && length > maxControlPayload {
		return nil, 0, fmt.Errorf("%w: %s with %d bytes", ErrControlTooLong, op, length)
	}
	if maxPayload > 0 && length > uint64(maxPayload) {
		return nil, 0, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, maxPayload)
	}

	var key [4]byte
	if masked {
		if len(buf) < offset+4 {
			return nil, 0, nil
		}
		copy(key[:], buf[offset:])
		offset += 4
	}

	total := uint64(offset) + length
	if uint64(len(buf)) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:total])
	if masked {
		for i := range payload {
			payload[i] ^= key[i%4]
		}
	}

	return &Frame{Opcode: op, Masked: masked, Payload: payload}, int(total), nil
}
