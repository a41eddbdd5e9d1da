// Package wire implements the fixed-layout binary packet exchanged between
// heartbeat clients and the collector.
//
// All multi-byte fields are big-endian:
//
//	-------- ------------------------ ------------------------ ------------------------------------------
//	| Kind |     Unix Timestamp     |    Process ID (pid)    |       *REGISTER ONLY: Identifier        |
//	-------- ------------------------ ------------------------ ------------------------------------------
//	2 Bytes          8 Bytes                  4 Bytes                         *12 Bytes
//
// Byte 0 is reserved and always zero; the kind lives in byte 1. Heartbeat
// and Deregister frames are 14 bytes, Register frames are 26 bytes. Any
// other length is malformed.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind tags a packet.
type Kind byte

const (
	KindHeartbeat  Kind = 1
	KindRegister   Kind = 2
	KindDeregister Kind = 3
)

const (
	kindOffset       = 1
	timestampOffset  = 2
	pidOffset        = 10
	identifierOffset = 14

	// HeartbeatFrameSize is the length of Heartbeat and Deregister frames.
	HeartbeatFrameSize = 14
	// RegisterFrameSize is the length of Register frames, which append a
	// null-padded 12-byte identifier field.
	RegisterFrameSize = 26

	// MaxIdentifierLen bounds the identifier to the fixed field width,
	// counted in bytes after UTF-8 encoding.
	MaxIdentifierLen = 12
)

var (
	// ErrMalformedPacket reports a frame with an unexpected length or an
	// unknown kind. Receivers log and drop, they never propagate it past
	// the dispatch boundary.
	ErrMalformedPacket = errors.New("procbeat: malformed packet")

	// ErrInvalidIdentifier reports an identifier that does not fit the
	// 12-byte register field. Enforced before any transmission, the wire
	// layer never truncates.
	ErrInvalidIdentifier = errors.New("procbeat: invalid identifier")
)

// Packet is the decoded form of one frame. It is transient: built at send
// time, parsed and discarded at receive time.
type Packet struct {
	Kind      Kind
	Timestamp float64 // seconds since the Unix epoch
	PID       int32

	// Identifier is only meaningful when HasIdentifier is true, which
	// holds exactly for Register packets. The distinction keeps an absent
	// identifier apart from an empty one.
	Identifier    string
	HasIdentifier bool
}

func (k Kind) valid() bool {
	return k == KindHeartbeat || k == KindRegister || k == KindDeregister
}

// String returns the lower-case packet kind name.
func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindRegister:
		return "register"
	case KindDeregister:
		return "deregister"
	}
	return fmt.Sprintf("unknown(%d)", byte(k))
}

// FrameSize returns the encoded length of a packet of kind k.
func (k Kind) FrameSize() int {
	if k == KindRegister {
		return RegisterFrameSize
	}
	return HeartbeatFrameSize
}

// Timestamp converts t to the wire representation.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ValidateIdentifier checks that id fits the register identifier field:
// 1 to 12 bytes after UTF-8 encoding.
func ValidateIdentifier(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("%w: identifier is empty", ErrInvalidIdentifier)
	}
	if len(id) > MaxIdentifierLen {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidIdentifier, id, MaxIdentifierLen)
	}
	return nil
}

// AppendEncode appends the encoded frame for p to dst and returns the
// extended slice, so callers can reuse pooled buffers across sends.
func AppendEncode(dst []byte, p Packet) ([]byte, error) {
	if !p.Kind.valid() {
		return dst, fmt.Errorf("%w: unknown kind %d", ErrMalformedPacket, byte(p.Kind))
	}
	if p.Kind == KindRegister {
		if err := ValidateIdentifier(p.Identifier); err != nil {
			return dst, err
		}
	}

	start := len(dst)
	dst = append(dst, make([]byte, p.Kind.FrameSize())...)
	frame := dst[start:]

	frame[kindOffset] = byte(p.Kind)
	binary.BigEndian.PutUint64(frame[timestampOffset:], math.Float64bits(p.Timestamp))
	binary.BigEndian.PutUint32(frame[pidOffset:], uint32(p.PID))
	if p.Kind == KindRegister {
		copy(frame[identifierOffset:], p.Identifier)
	}
	return dst, nil
}

// Encode returns the encoded frame for p.
func Encode(p Packet) ([]byte, error) {
	return AppendEncode(nil, p)
}

// Decode parses one frame. It is the exact inverse of Encode for
// well-formed input and fails with ErrMalformedPacket otherwise.
func Decode(data []byte) (Packet, error) {
	switch len(data) {
	case HeartbeatFrameSize, RegisterFrameSize:
	default:
		return Packet{}, fmt.Errorf("%w: unexpected length %d", ErrMalformedPacket, len(data))
	}

	kind := Kind(data[kindOffset])
	if !kind.valid() {
		return Packet{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedPacket, data[kindOffset])
	}
	if len(data) != kind.FrameSize() {
		return Packet{}, fmt.Errorf("%w: %s frame has length %d", ErrMalformedPacket, kind, len(data))
	}

	p := Packet{
		Kind:      kind,
		Timestamp: math.Float64frombits(binary.BigEndian.Uint64(data[timestampOffset:pidOffset])),
		PID:       int32(binary.BigEndian.Uint32(data[pidOffset:identifierOffset])),
	}
	if kind == KindRegister {
		field := data[identifierOffset:RegisterFrameSize]
		p.Identifier = string(bytes.TrimRight(field, "\x00"))
		p.HasIdentifier = true
	}
	return p, nil
}
