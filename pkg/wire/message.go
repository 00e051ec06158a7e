package wire

import "fmt"

// Kind is the one-byte message tag.
type Kind uint8

const (
	KindRegister   Kind = 1
	KindUnregister Kind = 2
	KindNudge      Kind = 3
	KindAck        Kind = 4
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "REGISTER"
	case KindUnregister:
		return "UNREGISTER"
	case KindNudge:
		return "NUDGE"
	case KindAck:
		return "ACK"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// AckStatus is the status byte carried by an Ack.
type AckStatus uint8

const (
	// StatusOK confirms a Register or Unregister.
	StatusOK AckStatus = 0

	// StatusRejected indicates the request failed validation.
	StatusRejected AckStatus = 1
)

// String returns the status name.
func (s AckStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// Message is one of Register, Unregister, Nudge or Ack.
type Message interface {
	Kind() Kind
}

// Register asks the relay to deliver nudges on Channel to the sender's
// address for TTLSeconds. The relay clamps the TTL to its configured bounds.
type Register struct {
	Channel    string
	TTLSeconds uint32
}

// Unregister removes the sender's subscription to Channel.
type Unregister struct {
	Channel string
}

// Nudge signals an event on Channel. The relay forwards Payload unchanged.
type Nudge struct {
	Channel string
	Payload []byte
}

// Ack is the relay's reply to Register and Unregister.
type Ack struct {
	Status AckStatus
}

func (Register) Kind() Kind   { return KindRegister }
func (Unregister) Kind() Kind { return KindUnregister }
func (Nudge) Kind() Kind      { return KindNudge }
func (Ack) Kind() Kind        { return KindAck }

// Compile-time interface checks.
var (
	_ Message = Register{}
	_ Message = Unregister{}
	_ Message = Nudge{}
	_ Message = Ack{}
)

// ChannelOf returns the channel named by m, or "" for an Ack.
func ChannelOf(m Message) string {
	switch v := m.(type) {
	case Register:
		return v.Channel
	case Unregister:
		return v.Channel
	case Nudge:
		return v.Channel
	default:
		return ""
	}
}

// Summary renders m as a single short line for logs and capture dumps.
func Summary(m Message) string {
	switch v := m.(type) {
	case Register:
		return fmt.Sprintf("REGISTER channel=%q ttl=%ds", v.Channel, v.TTLSeconds)
	case Unregister:
		return fmt.Sprintf("UNREGISTER channel=%q", v.Channel)
	case Nudge:
		return fmt.Sprintf("NUDGE channel=%q payload=%dB", v.Channel, len(v.Payload))
	case Ack:
		return "ACK " + v.Status.String()
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", m)
	}
}
