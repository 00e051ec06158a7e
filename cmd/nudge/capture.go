package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"nudge/internal/capture"
	"nudge/pkg/wire"
)

func runCapture(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("capture", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "nudge.capture.cbor", "capture file to read")
	session := fs.String("session", "", "only this session id")
	direction := fs.String("direction", "", "only in or out")
	remote := fs.String("remote", "", "only this remote host:port")
	since := fs.Duration("since", 0, "only events newer than this")
	maxPayload := fs.Int("max-payload", 65535, "payload limit used to decode frames")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	filter := capture.Filter{Session: *session, Remote: *remote}
	if *direction != "" {
		d, err := capture.ParseDirection(*direction)
		if err != nil {
			return fatalf(stderr, "%v", err)
		}
		filter.Direction = &d
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}

	r, err := capture.Open(*file, filter)
	if err != nil {
		return fatalf(stderr, "%v", err)
	}
	defer r.Close()

	lim := wire.Limits{MaxPayload: *maxPayload}
	n := 0
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fatalf(stderr, "read %s: %v", *file, err)
		}
		n++
		line := fmt.Sprintf("%s %-3s %s %s", e.Timestamp.Format(time.RFC3339Nano), e.Direction, e.Remote, e.Describe(lim))
		if e.Error != "" {
			line += " err=" + e.Error
		}
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintf(stderr, "%d event(s)\n", n)
	return 0
}
