package capture

import (
	"fmt"
	"time"

	"nudge/pkg/wire"
)

// Direction of a captured datagram relative to the relay.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// ParseDirection accepts "in" or "out" in any case.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "in", "IN", "In":
		return DirectionIn, nil
	case "out", "OUT", "Out":
		return DirectionOut, nil
	}
	return 0, fmt.Errorf("unknown direction %q (use in or out)", s)
}

// Event is one captured datagram. CBOR uses integer keys for compactness.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Session   string    `cbor:"2,keyasint"`
	Direction Direction `cbor:"3,keyasint"`
	Remote    string    `cbor:"4,keyasint,omitempty"`
	Frame     []byte    `cbor:"5,keyasint,omitempty"`
	// Error is the decode error for inbound frames or the send error for
	// outbound ones.
	Error string `cbor:"6,keyasint,omitempty"`
}

// Describe renders the decoded message, or why it could not be decoded.
func (e Event) Describe(lim wire.Limits) string {
	m, err := wire.Decode(e.Frame, lim)
	if err != nil {
		return "malformed: " + err.Error()
	}
	return wire.Summary(m)
}
