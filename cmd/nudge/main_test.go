package main

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/app"
	"nudge/internal/capture"
	"nudge/internal/config"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
	"nudge/pkg/wire"
)

func runCmd(args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRunDispatch(t *testing.T) {
	code, out, _ := runCmd("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "nudge dev")

	code, _, errOut := runCmd("bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `unknown command "bogus"`)

	code, _, _ = runCmd()
	assert.Equal(t, 2, code)

	code, _, errOut = runCmd("pub")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "usage: nudge pub")

	code, _, errOut = runCmd("sub")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "usage: nudge sub")
}

func TestPubRefusesOversizedPayload(t *testing.T) {
	code, _, errOut := runCmd("pub", "-max-payload", "4", "alerts", "too long")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "limit 4")
}

func TestServeFlagsOverlay(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	sf := serveFlags{port: -1}
	sf.overlay(cfg)
	assert.Equal(t, config.DefaultPort, cfg.Listen.Port)
	assert.Equal(t, config.DefaultHost, cfg.Listen.Host)

	sf = serveFlags{host: " 127.0.0.1 ", port: 0, logLevel: "debug"}
	sf.overlay(cfg)
	assert.Equal(t, "127.0.0.1", cfg.Listen.Host)
	assert.Equal(t, 0, cfg.Listen.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestServeConfigFailureExitsOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  port: -3\n"), 0o644))
	code, _, errOut := runCmd("serve", "-config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "listen.port")
}

func TestCaptureCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.cbor")
	w, err := capture.NewWriter(path, "s1")
	require.NoError(t, err)
	peer := netip.MustParseAddrPort("10.0.0.1:5000")
	now := time.Now()
	w.RecordInbound(now, peer, wire.Encode(wire.Nudge{Channel: "alerts", Payload: []byte("hi")}), nil)
	w.RecordOutbound(now, peer, wire.Encode(wire.Ack{Status: wire.StatusOK}), nil)
	w.RecordInbound(now, peer, []byte{9}, fmt.Errorf("bad"))
	require.NoError(t, w.Close())

	code, out, errOut := runCmd("capture", "-file", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `NUDGE channel="alerts" payload=2B`)
	assert.Contains(t, out, "ACK OK")
	assert.Contains(t, out, "malformed")
	assert.Contains(t, out, "err=bad")
	assert.Contains(t, errOut, "3 event(s)")

	code, out, errOut = runCmd("capture", "-file", path, "-direction", "out")
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "NUDGE")
	assert.Contains(t, errOut, "1 event(s)")

	code, _, _ = runCmd("capture", "-file", path, "-direction", "sideways")
	assert.Equal(t, 1, code)
}

func TestStatsCommand(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "nudge")
	cfgPath := filepath.Join(dir, "nudge.json")
	require.NoError(t, os.WriteFile(cfgPath,
		[]byte(fmt.Sprintf(`{"storage": {"driver": "file", "path": %q}}`, prefix)), 0o644))

	cfg, err := app.NewConfigManager(cfgPath).Load()
	require.NoError(t, err)
	store, err := app.OpenStore(cfg, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.AppendStats(ctx, storage.StatsSnapshot{
		At: time.Now(), Channels: 2, Subscriptions: 3,
		Counters: map[string]int64{"received": 7, "swept": 0},
	}))
	require.NoError(t, store.AppendAudit(ctx, storage.AuditEntry{
		At: time.Now(), Action: storage.ActionCreated, Channel: "alerts", Endpoint: "10.0.0.1:5000", TTLMS: 60000,
	}))
	require.NoError(t, store.Close())

	code, out, errOut := runCmd("stats", "-config", cfgPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "received=7")
	assert.NotContains(t, out, "swept=")

	code, out, _ = runCmd("stats", "-config", cfgPath, "-audit")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "alerts")
	assert.Contains(t, out, "1m0s")

	code, _, errOut = runCmd("stats")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "storage is not configured")
}

func TestFormatCounters(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "-", formatCounters(nil))
	assert.Equal(t, "a=1 b=2", formatCounters(map[string]int64{"b": 2, "a": 1, "c": 0}))
}

func TestSubRefreshInterval(t *testing.T) {
	assert.Equal(t, time.Second, refreshInterval(2*time.Second))
	assert.Equal(t, 20*time.Second, refreshInterval(40*time.Second))
	assert.Equal(t, maxRefresh, refreshInterval(2*time.Hour))
}
