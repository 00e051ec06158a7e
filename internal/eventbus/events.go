package eventbus

import "time"

// Event types published by the relay.
const (
	TypeSubscriptionCreated = "registry.created"
	TypeSubscriptionRemoved = "registry.removed"
	TypeSubscriptionExpired = "registry.expired"
	TypeRegisterRejected    = "register.rejected"
)

// SubscriptionEvent is the Data of every registry.* and register.* event.
type SubscriptionEvent struct {
	Channel  string        `json:"channel"`
	Endpoint string        `json:"endpoint"`
	TTL      time.Duration `json:"ttl,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}

// IsSubscription reports whether typ is one of the subscription lifecycle
// event types.
func IsSubscription(typ string) bool {
	switch typ {
	case TypeSubscriptionCreated, TypeSubscriptionRemoved, TypeSubscriptionExpired, TypeRegisterRejected:
		return true
	}
	return false
}
