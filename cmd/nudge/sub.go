package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nudge/pkg/client"
)

// maxRefresh bounds the refresh period so a TTL clamped down by the relay
// does not lapse between refreshes.
const maxRefresh = 30 * time.Second

func refreshInterval(ttl time.Duration) time.Duration {
	return min(ttl/2, maxRefresh)
}

func runSub(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sub", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", defaultAddr, "relay address")
	ttl := fs.Duration("ttl", time.Minute, "requested subscription TTL; the relay may clamp it, so refreshes run at half of it and at least every 30s")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	channels := fs.Args()
	if len(channels) == 0 {
		fmt.Fprintln(stderr, "usage: nudge sub [-addr host:port] [-ttl 60s] channel...")
		return 2
	}
	if *ttl < 2*time.Second {
		*ttl = 2 * time.Second
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := client.Dial(*addr, client.Options{})
	if err != nil {
		return fatalf(stderr, "%v", err)
	}
	defer c.Close()

	register := func() error {
		for _, ch := range channels {
			if _, err := c.Register(ctx, ch, *ttl); err != nil {
				return fmt.Errorf("register %q: %w", ch, err)
			}
		}
		return nil
	}
	if err := register(); err != nil {
		return fatalf(stderr, "%v", err)
	}
	fmt.Fprintf(stderr, "subscribed to %d channel(s) on %s as %s\n", len(channels), *addr, c.LocalAddr())

	go func() {
		t := time.NewTicker(refreshInterval(*ttl))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := register(); err != nil && ctx.Err() == nil {
					fmt.Fprintf(stderr, "refresh failed: %v\n", err)
				}
			}
		}
	}()

	for {
		n, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return fatalf(stderr, "receive: %v", err)
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", time.Now().Format(time.RFC3339Nano), n.Channel, n.Payload)
	}

	// Best effort: the relay would expire us anyway.
	uctx, ucancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ucancel()
	for _, ch := range channels {
		if _, err := c.Unregister(uctx, ch); err != nil {
			fmt.Fprintf(stderr, "unregister %q: %v\n", ch, err)
		}
	}
	return 0
}
