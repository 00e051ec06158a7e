package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"nudge/pkg/client"
	"nudge/pkg/wire"
)

const defaultAddr = "127.0.0.1:4000"

func runPub(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pub", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", defaultAddr, "relay address")
	count := fs.Int("count", 1, "number of nudges to send")
	interval := fs.Duration("interval", 0, "pause between nudges when count > 1")
	maxPayload := fs.Int("max-payload", wire.DefaultMaxPayload, "refuse payloads larger than this")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: nudge pub [-addr host:port] channel [payload...]")
		return 2
	}
	channel := fs.Arg(0)
	payload := []byte(strings.Join(fs.Args()[1:], " "))
	if len(payload) > *maxPayload {
		return fatalf(stderr, "payload is %d bytes, limit %d", len(payload), *maxPayload)
	}

	c, err := client.Dial(*addr, client.Options{})
	if err != nil {
		return fatalf(stderr, "%v", err)
	}
	defer c.Close()

	for i := 0; i < max(*count, 1); i++ {
		if i > 0 && *interval > 0 {
			time.Sleep(*interval)
		}
		if err := c.Nudge(channel, payload); err != nil {
			return fatalf(stderr, "send: %v", err)
		}
	}
	fmt.Fprintf(stdout, "sent %d nudge(s) to %s on %q\n", max(*count, 1), *addr, channel)
	return 0
}
