package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "nudge/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	name := "nudge.db"
	if driver == "file" {
		name = "nudge"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "data", name)}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		assert.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestStoreDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTestStore(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			for i, action := range []string{ActionCreated, ActionRejected, ActionExpired} {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					At:       base.Add(time.Duration(i) * time.Second),
					Instance: "i-1",
					Action:   action,
					Channel:  "alerts",
					Endpoint: "10.0.0.1:5000",
					TTLMS:    60000,
				}))
			}
			audit, err := st.RecentAudit(ctx, 2)
			require.NoError(t, err)
			require.Len(t, audit, 2)
			assert.Equal(t, ActionExpired, audit[0].Action)
			assert.Equal(t, ActionRejected, audit[1].Action)
			assert.Equal(t, "alerts", audit[0].Channel)
			assert.True(t, audit[0].At.Equal(base.Add(2*time.Second)))

			for i := 0; i < 5; i++ {
				require.NoError(t, st.AppendStats(ctx, StatsSnapshot{
					At:            base.Add(time.Duration(i) * time.Minute),
					Channels:      i,
					Subscriptions: i * 2,
					Counters:      map[string]int64{"received": int64(i * 10)},
				}))
			}
			stats, err := st.RecentStats(ctx, 3)
			require.NoError(t, err)
			require.Len(t, stats, 3)
			assert.Equal(t, 4, stats[0].Channels)
			assert.Equal(t, 2, stats[2].Channels)
			assert.EqualValues(t, 40, stats[0].Counters["received"])

			all, err := st.RecentStats(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestFileStoreLayoutAndBadLines(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.log")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.AppendStats(context.Background(), StatsSnapshot{Channels: 1}))
	statsPath := filepath.Join(dir, "relay.stats.jsonl")
	assert.FileExists(t, filepath.Join(dir, "relay.audit.jsonl"))
	assert.FileExists(t, statsPath)

	f, err := os.OpenFile(statsPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.AppendStats(context.Background(), StatsSnapshot{Channels: 2}))

	got, err := st.RecentStats(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Channels)
}

func TestClosedFileStore(t *testing.T) {
	st := openTestStore(t, "file")
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendAudit(context.Background(), AuditEntry{}), ErrDisabled)
}
