package dispatch

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

type packet struct {
	addr  netip.AddrPort
	frame []byte
}

// fakeConn is an in-memory PacketConn. Inbound packets are pushed with
// deliver; everything written is recorded.
type fakeConn struct {
	in        chan packet
	closed    chan struct{}
	closeOnce sync.Once
	stopRead  chan struct{}
	stopOnce  sync.Once

	mu     sync.Mutex
	sent   []packet
	failTo map[netip.AddrPort]bool
	gate   chan struct{} // when non-nil, WriteTo waits on it
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan packet, 64),
		closed:   make(chan struct{}),
		stopRead: make(chan struct{}),
		failTo:   map[netip.AddrPort]bool{},
	}
}

func (c *fakeConn) deliver(src netip.AddrPort, frame []byte) {
	c.in <- packet{addr: src, frame: frame}
}

func (c *fakeConn) ReadFrom(b []byte) (n int, src netip.AddrPort, err error) {
	// Queued packets win over close so tests see every delivery.
	select {
	case p := <-c.in:
		return copy(b, p.frame), p.addr, nil
	default:
	}
	select {
	case p := <-c.in:
		return copy(b, p.frame), p.addr, nil
	case <-c.stopRead:
		err = os.ErrDeadlineExceeded
	case <-c.closed:
		err = net.ErrClosed
	}
	select {
	case p := <-c.in:
		return copy(b, p.frame), p.addr, nil
	default:
		return 0, netip.AddrPort{}, err
	}
}

func (c *fakeConn) WriteTo(b []byte, dst netip.AddrPort) (int, error) {
	c.mu.Lock()
	gate := c.gate
	fail := c.failTo[dst]
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if fail {
		return 0, errors.New("host unreachable")
	}
	cp := append([]byte(nil), b...)
	c.mu.Lock()
	c.sent = append(c.sent, packet{addr: dst, frame: cp})
	c.mu.Unlock()
	return len(b), nil
}

func (c *fakeConn) Interrupt() error {
	c.stopOnce.Do(func() { close(c.stopRead) })
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentTo(dst netip.AddrPort) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, p := range c.sent {
		if p.addr == dst {
			out = append(out, p.frame)
		}
	}
	return out
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type recordedFrame struct {
	inbound bool
	addr    netip.AddrPort
	err     error
}

type fakeRecorder struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (r *fakeRecorder) RecordInbound(_ time.Time, src netip.AddrPort, _ []byte, err error) {
	r.mu.Lock()
	r.frames = append(r.frames, recordedFrame{inbound: true, addr: src, err: err})
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordOutbound(_ time.Time, dst netip.AddrPort, _ []byte, err error) {
	r.mu.Lock()
	r.frames = append(r.frames, recordedFrame{addr: dst, err: err})
	r.mu.Unlock()
}

func (r *fakeRecorder) count(inbound bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.inbound == inbound {
			n++
		}
	}
	return n
}
