// Package client talks to a nudge relay: it registers for channels, sends
// nudges and receives the nudges the relay fans out.
//
// A Client owns one UDP socket connected to the relay, so acks and fanned-out
// nudges arrive on the same port the subscription was made from. Delivery is
// best effort in both directions; Register and Unregister resend until an Ack
// arrives or the attempts run out.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"nudge/pkg/wire"
)

var (
	ErrClosed   = errors.New("client closed")
	ErrNoAck    = errors.New("no ack from relay")
	ErrRejected = errors.New("relay rejected request")
)

const (
	DefaultAckTimeout = 500 * time.Millisecond
	DefaultAttempts   = 3
	DefaultInbox      = 64
	maxDatagram       = 64 * 1024
)

// Options tune a Client. Zero values fall back to defaults.
type Options struct {
	// AckTimeout bounds one Register/Unregister attempt.
	AckTimeout time.Duration
	// Attempts is how many times a request is sent before ErrNoAck.
	Attempts int
	// Inbox buffers received nudges; a full inbox drops the newest.
	Inbox int
	// Limits apply when decoding datagrams from the relay.
	Limits wire.Limits
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Inbox <= 0 {
		o.Inbox = DefaultInbox
	}
	return o
}

type Client struct {
	conn *net.UDPConn
	opt  Options

	// reqMu serializes request/ack round trips; acks carry no correlation id.
	reqMu  sync.Mutex
	acks   chan wire.Ack
	nudges chan wire.Nudge

	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the relay at addr ("host:port").
func Dial(addr string, opt Options) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	opt = opt.withDefaults()
	c := &Client{
		conn:   conn,
		opt:    opt,
		acks:   make(chan wire.Ack, 1),
		nudges: make(chan wire.Nudge, opt.Inbox),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// LocalAddr is the address the relay sees for this client.
func (c *Client) LocalAddr() netip.AddrPort {
	ap := c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Dropped counts nudges discarded because the inbox was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if c.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable surfaces here on a connected socket; keep reading.
			continue
		}
		msg, err := wire.Decode(buf[:n], c.opt.Limits)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case wire.Ack:
			// keep only the newest ack
			select {
			case c.acks <- m:
			default:
				select {
				case <-c.acks:
				default:
				}
				select {
				case c.acks <- m:
				default:
				}
			}
		case wire.Nudge:
			m.Payload = append([]byte(nil), m.Payload...)
			select {
			case c.nudges <- m:
			default:
				c.dropped.Add(1)
			}
		}
	}
}

func (c *Client) send(m wire.Message) error {
	if c.closed() {
		return ErrClosed
	}
	if _, err := c.conn.Write(wire.Encode(m)); err != nil {
		if c.closed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// request sends m until an Ack arrives, ctx ends or attempts run out.
func (c *Client) request(ctx context.Context, m wire.Message) (wire.AckStatus, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// discard a late ack from an earlier request
	select {
	case <-c.acks:
	default:
	}

	var lastErr error = ErrNoAck
	for attempt := 0; attempt < c.opt.Attempts; attempt++ {
		if err := c.send(m); err != nil {
			lastErr = err
			if errors.Is(err, ErrClosed) {
				return 0, err
			}
		}
		t := time.NewTimer(c.opt.AckTimeout)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-c.done:
			t.Stop()
			return 0, ErrClosed
		case ack := <-c.acks:
			t.Stop()
			if ack.Status == wire.StatusRejected {
				return ack.Status, ErrRejected
			}
			return ack.Status, nil
		case <-t.C:
		}
	}
	return 0, lastErr
}

// Register subscribes this client to channel for ttl. The relay clamps ttl
// to its configured bounds. A rejection returns StatusRejected and
// ErrRejected.
func (c *Client) Register(ctx context.Context, channel string, ttl time.Duration) (wire.AckStatus, error) {
	return c.request(ctx, wire.Register{Channel: channel, TTLSeconds: ttlSeconds(ttl)})
}

func (c *Client) Unregister(ctx context.Context, channel string) (wire.AckStatus, error) {
	return c.request(ctx, wire.Unregister{Channel: channel})
}

// Nudge sends a nudge. There is no reply.
func (c *Client) Nudge(channel string, payload []byte) error {
	return c.send(wire.Nudge{Channel: channel, Payload: payload})
}

// Receive blocks for the next nudge fanned out to this client.
func (c *Client) Receive(ctx context.Context) (wire.Nudge, error) {
	select {
	case n := <-c.nudges:
		return n, nil
	case <-ctx.Done():
		return wire.Nudge{}, ctx.Err()
	case <-c.done:
		return wire.Nudge{}, ErrClosed
	}
}

// ttlSeconds rounds up to whole seconds and saturates at the field width.
func ttlSeconds(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}
	s := ttl / time.Second
	if ttl%time.Second != 0 {
		s++
	}
	if s > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(s)
}
