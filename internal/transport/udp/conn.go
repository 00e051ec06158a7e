// Package udp is the socket adapter behind the dispatch engine.
//
// It binds one UDP socket and exposes address-typed read and write
// primitives. Addresses are always unmapped so an IPv4 peer compares equal
// whether it arrived on a v4 or dual-stack socket.
package udp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Config describes the socket to bind.
type Config struct {
	Host        string
	Port        int
	ReadBuffer  int // SO_RCVBUF bytes, 0 keeps the OS default
	WriteBuffer int // SO_SNDBUF bytes, 0 keeps the OS default
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port))
}

// Conn wraps a bound *net.UDPConn.
type Conn struct {
	pc *net.UDPConn
}

// Listen binds the socket described by cfg.
func Listen(ctx context.Context, cfg Config) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	network := "udp"
	if ip, err := netip.ParseAddr(strings.TrimSpace(cfg.Host)); err == nil && ip.Is4() {
		network = "udp4"
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.Addr(), err)
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("bind %s: unexpected conn type %T", cfg.Addr(), pc)
	}
	if cfg.ReadBuffer > 0 {
		if err := uc.SetReadBuffer(cfg.ReadBuffer); err != nil {
			_ = uc.Close()
			return nil, fmt.Errorf("set read buffer: %w", err)
		}
	}
	if cfg.WriteBuffer > 0 {
		if err := uc.SetWriteBuffer(cfg.WriteBuffer); err != nil {
			_ = uc.Close()
			return nil, fmt.Errorf("set write buffer: %w", err)
		}
	}
	return &Conn{pc: uc}, nil
}

// ReadFrom blocks for the next datagram.
func (c *Conn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, src, err := c.pc.ReadFromUDPAddrPort(b)
	if err != nil {
		return n, src, err
	}
	return n, unmap(src), nil
}

// WriteTo sends one datagram to dst.
func (c *Conn) WriteTo(b []byte, dst netip.AddrPort) (int, error) {
	return c.pc.WriteToUDPAddrPort(b, dst)
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() netip.AddrPort {
	if ua, ok := c.pc.LocalAddr().(*net.UDPAddr); ok {
		return unmap(ua.AddrPort())
	}
	return netip.AddrPort{}
}

// Interrupt stops reads by moving the read deadline into the past. The
// socket stays open for writes so queued replies can still go out.
func (c *Conn) Interrupt() error { return c.pc.SetReadDeadline(time.Now()) }

func (c *Conn) Close() error { return c.pc.Close() }

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
