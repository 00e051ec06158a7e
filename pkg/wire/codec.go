package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Framing constants.
const (
	// DefaultMaxChannel is the default channel name limit enforced by the relay.
	DefaultMaxChannel = 255

	// DefaultMaxPayload keeps a full Nudge comfortably under a 512 byte datagram.
	DefaultMaxPayload = 480

	// MaxFieldLen is the largest length a u16 length prefix can carry.
	MaxFieldLen = 1<<16 - 1

	headerSize = 3 // kind + chanLen
	ttlSize    = 4
	payLenSize = 2
	ackSize    = 2
	kindSize   = 1
)

// Decode errors. Errors returned by Decode wrap one of these.
var (
	ErrMalformed = errors.New("malformed datagram")
	ErrTruncated = errors.New("truncated datagram")
)

// DecodeError describes where a datagram failed to parse.
type DecodeError struct {
	Err    error // ErrMalformed or ErrTruncated
	Kind   Kind  // tag byte, 0 if the buffer was empty
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Kind == 0 {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("%v: %s at offset %d (%s)", e.Err, e.Reason, e.Offset, e.Kind)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Limits bounds what Decode accepts.
type Limits struct {
	// MaxPayload is the largest Nudge payload accepted. Zero means DefaultMaxPayload.
	MaxPayload int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxPayload: DefaultMaxPayload}
}

func (l Limits) maxPayload() int {
	if l.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	if l.MaxPayload > MaxFieldLen {
		return MaxFieldLen
	}
	return l.MaxPayload
}

// Decode parses a single datagram.
func Decode(b []byte, lim Limits) (Message, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Err: ErrTruncated, Reason: "empty datagram"}
	}
	k := Kind(b[0])
	switch k {
	case KindAck:
		if len(b) < ackSize {
			return nil, truncated(k, len(b), "missing status")
		}
		if len(b) > ackSize {
			return nil, malformed(k, ackSize, "trailing bytes")
		}
		st := AckStatus(b[1])
		if st != StatusOK && st != StatusRejected {
			return nil, malformed(k, 1, "unknown status")
		}
		return Ack{Status: st}, nil
	case KindRegister, KindUnregister, KindNudge:
	default:
		return nil, malformed(k, 0, "unknown kind")
	}

	if len(b) < headerSize {
		return nil, truncated(k, len(b), "short header")
	}
	chanLen := int(binary.BigEndian.Uint16(b[kindSize:]))
	off := headerSize
	if len(b) < off+chanLen {
		return nil, truncated(k, len(b), "channel shorter than declared")
	}
	channel := string(b[off : off+chanLen])
	off += chanLen

	switch k {
	case KindRegister:
		if len(b) < off+ttlSize {
			return nil, truncated(k, len(b), "missing ttl")
		}
		ttl := binary.BigEndian.Uint32(b[off:])
		off += ttlSize
		if len(b) != off {
			return nil, malformed(k, off, "trailing bytes")
		}
		return Register{Channel: channel, TTLSeconds: ttl}, nil

	case KindUnregister:
		if len(b) != off {
			return nil, malformed(k, off, "trailing bytes")
		}
		return Unregister{Channel: channel}, nil

	default: // KindNudge
		if len(b) < off+payLenSize {
			return nil, truncated(k, len(b), "missing payload length")
		}
		payLen := int(binary.BigEndian.Uint16(b[off:]))
		if payLen > lim.maxPayload() {
			return nil, malformed(k, off, fmt.Sprintf("payload %d exceeds max %d", payLen, lim.maxPayload()))
		}
		off += payLenSize
		if len(b) < off+payLen {
			return nil, truncated(k, len(b), "payload shorter than declared")
		}
		if len(b) != off+payLen {
			return nil, malformed(k, off+payLen, "trailing bytes")
		}
		payload := make([]byte, payLen)
		copy(payload, b[off:])
		return Nudge{Channel: channel, Payload: payload}, nil
	}
}

// Encode returns the datagram for m. Channel and payload must already be
// within bounds; oversized fields are truncated to MaxFieldLen.
func Encode(m Message) []byte {
	return Append(make([]byte, 0, Size(m)), m)
}

// Append appends the encoding of m to dst.
func Append(dst []byte, m Message) []byte {
	switch v := m.(type) {
	case Register:
		dst = appendHeader(dst, KindRegister, v.Channel)
		return binary.BigEndian.AppendUint32(dst, v.TTLSeconds)
	case Unregister:
		return appendHeader(dst, KindUnregister, v.Channel)
	case Nudge:
		dst = appendHeader(dst, KindNudge, v.Channel)
		p := v.Payload
		if len(p) > MaxFieldLen {
			p = p[:MaxFieldLen]
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(p)))
		return append(dst, p...)
	case Ack:
		return append(dst, byte(KindAck), byte(v.Status))
	default:
		return dst
	}
}

// Size returns the encoded size of m.
func Size(m Message) int {
	switch v := m.(type) {
	case Register:
		return headerSize + fieldLen(len(v.Channel)) + ttlSize
	case Unregister:
		return headerSize + fieldLen(len(v.Channel))
	case Nudge:
		return headerSize + fieldLen(len(v.Channel)) + payLenSize + fieldLen(len(v.Payload))
	case Ack:
		return ackSize
	default:
		return 0
	}
}

func appendHeader(dst []byte, k Kind, channel string) []byte {
	if len(channel) > MaxFieldLen {
		channel = channel[:MaxFieldLen]
	}
	dst = append(dst, byte(k))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(channel)))
	return append(dst, channel...)
}

func fieldLen(n int) int {
	if n > MaxFieldLen {
		return MaxFieldLen
	}
	return n
}

func truncated(k Kind, off int, reason string) error {
	return &DecodeError{Err: ErrTruncated, Kind: k, Offset: off, Reason: reason}
}

func malformed(k Kind, off int, reason string) error {
	return &DecodeError{Err: ErrMalformed, Kind: k, Offset: off, Reason: reason}
}
