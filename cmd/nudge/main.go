// Command nudge runs the relay and talks to it.
//
//	nudge serve   [-config path] [-host h] [-port p] [-log-level l]
//	nudge pub     [-addr host:port] channel [payload...]
//	nudge sub     [-addr host:port] [-ttl 60s] channel...
//	nudge capture -file path [-session id] [-direction in|out] [-remote addr] [-since 10m]
//	nudge stats   [-config path] [-limit n] [-audit]
//	nudge version
package main

import (
	"fmt"
	"io"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(rest, stderr)
	case "pub":
		return runPub(rest, stdout, stderr)
	case "sub":
		return runSub(rest, stdout, stderr)
	case "capture":
		return runCapture(rest, stdout, stderr)
	case "stats":
		return runStats(rest, stdout, stderr)
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, "nudge", version)
		return 0
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: nudge <command> [flags]

commands:
  serve     run the relay
  pub       send a nudge
  sub       register for channels and print nudges
  capture   print a datagram capture file
  stats     show recent stats snapshots from storage
  version   print the version
`)
}

func fatalf(w io.Writer, format string, args ...any) int {
	fmt.Fprintf(w, "fatal: "+format+"\n", args...)
	return 1
}
