package dispatch

import (
	"errors"
	"net/netip"
	"time"

	"nudge/internal/debounce"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch stopped")
)

// PacketConn is the socket the engine reads from and writes to.
// *udp.Conn satisfies it; tests use an in-memory fake.
type PacketConn interface {
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	WriteTo(b []byte, dst netip.AddrPort) (int, error)
	// Interrupt unblocks a pending ReadFrom and makes later reads fail
	// while writes keep working.
	Interrupt() error
	Close() error
}

// Subscriptions is the part of the registry the engine needs.
type Subscriptions interface {
	Register(channel string, ep netip.AddrPort, ttl time.Duration) bool
	Unregister(channel string, ep netip.AddrPort) bool
	SubscribersOf(channel string) []netip.AddrPort
}

// Admitter decides whether a nudge is forwarded.
type Admitter interface {
	Admit(channel string, now time.Time) debounce.Decision
}

// Recorder observes raw frames. The capture writer implements it.
// Implementations must not retain frame after returning.
type Recorder interface {
	RecordInbound(at time.Time, src netip.AddrPort, frame []byte, decodeErr error)
	RecordOutbound(at time.Time, dst netip.AddrPort, frame []byte, sendErr error)
}

// Config controls the engine. Zero values fall back to defaults.
type Config struct {
	MaxChannel int
	MaxPayload int

	// Workers route decoded datagrams; QueueSize bounds the inbound queue.
	Workers   int
	QueueSize int

	// FanoutWorkers send outbound nudges; FanoutQueueSize bounds their queue.
	FanoutWorkers   int
	FanoutQueueSize int

	// RatePerSec caps outbound fan-out datagrams per second. 0 = unlimited.
	RatePerSec float64
	// Burst is the token bucket size when RatePerSec > 0.
	Burst int

	// ReadBuffer is the per-datagram receive buffer. Datagrams larger than
	// this are truncated by the kernel and then fail to decode.
	ReadBuffer int
}

const (
	DefaultWorkers         = 4
	DefaultQueueSize       = 1024
	DefaultFanoutWorkers   = 4
	DefaultFanoutQueueSize = 4096
	DefaultReadBuffer      = 64 * 1024
)

func (c Config) withDefaults() Config {
	if c.MaxChannel <= 0 {
		c.MaxChannel = 255
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 480
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = DefaultFanoutWorkers
	}
	if c.FanoutQueueSize <= 0 {
		c.FanoutQueueSize = DefaultFanoutQueueSize
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RatePerSec)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = DefaultReadBuffer
	}
	return c
}

// Stats is a point-in-time view of queue depths.
type Stats struct {
	InboundQueued int  `json:"inbound_queued"`
	InboundCap    int  `json:"inbound_cap"`
	FanoutQueued  int  `json:"fanout_queued"`
	FanoutCap     int  `json:"fanout_cap"`
	Workers       int  `json:"workers"`
	FanoutWorkers int  `json:"fanout_workers"`
	Running       bool `json:"running"`
}
