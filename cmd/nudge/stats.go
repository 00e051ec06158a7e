package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"nudge/internal/app"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to the relay config file")
	limit := fs.Int("limit", 10, "number of rows")
	audit := fs.Bool("audit", false, "show the subscription audit trail instead of counters")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := app.NewConfigManager(*cfgPath).Load()
	if err != nil {
		return fatalf(stderr, "load config: %v", err)
	}
	store, err := app.OpenStore(cfg, logx.NewConsole("warn"))
	if errors.Is(err, storage.ErrDisabled) {
		return fatalf(stderr, "storage is not configured in %q", *cfgPath)
	}
	if err != nil {
		return fatalf(stderr, "open storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	if *audit {
		rows, err := store.RecentAudit(ctx, *limit)
		if err != nil {
			return fatalf(stderr, "read audit: %v", err)
		}
		fmt.Fprintln(tw, "AT\tACTION\tCHANNEL\tENDPOINT\tTTL\tREASON")
		for _, e := range rows {
			ttl := "-"
			if e.TTLMS > 0 {
				ttl = (time.Duration(e.TTLMS) * time.Millisecond).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.At.Format(time.RFC3339), e.Action, e.Channel, e.Endpoint, ttl, e.Reason)
		}
		return 0
	}

	rows, err := store.RecentStats(ctx, *limit)
	if err != nil {
		return fatalf(stderr, "read stats: %v", err)
	}
	fmt.Fprintln(tw, "AT\tCHANNELS\tSUBS\tCOUNTERS")
	for _, s := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.At.Format(time.RFC3339), s.Channels, s.Subscriptions, formatCounters(s.Counters))
	}
	return 0
}

// formatCounters renders non-zero counters as sorted key=value pairs.
func formatCounters(c map[string]int64) string {
	keys := make([]string, 0, len(c))
	for k, v := range c {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, c[k]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
