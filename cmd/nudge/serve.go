package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nudge/internal/app"
)

const stopTimeout = 10 * time.Second

// serveFlags are applied on top of file and env config on every reload.
type serveFlags struct {
	config   string
	host     string
	port     int
	logLevel string
}

func (f *serveFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "path to config file (json or yaml); empty uses defaults")
	fs.StringVar(&f.host, "host", "", "listen host (overrides config and NUDGE_HOST)")
	fs.IntVar(&f.port, "port", -1, "listen port (overrides config and NUDGE_PORT)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func (f *serveFlags) overlay(c *app.Config) {
	if h := strings.TrimSpace(f.host); h != "" {
		c.Listen.Host = h
	}
	if f.port >= 0 {
		c.Listen.Port = f.port
	}
	if lv := strings.TrimSpace(f.logLevel); lv != "" {
		c.Logging.Level = lv
	}
}

func runServe(args []string, stderr io.Writer) int {
	var sf serveFlags
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(sf.config, app.Options{Overlay: sf.overlay})
	if err != nil {
		return fatalf(stderr, "%v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		stopApp(a, app.StopFatalError)
		return fatalf(stderr, "start: %v", err)
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopApp(a, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return fatalf(stderr, "%v", err)
		}
	}
	return 0
}

func stopApp(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
