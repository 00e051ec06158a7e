package sdnotify

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "nudge/pkg/logx"
)

// notifySocket binds a unixgram socket and points NOTIFY_SOCKET at it.
func notifySocket(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func readState(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 512)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestDisabledIsNoop(t *testing.T) {
	notifySocket(t)
	n := New(false, true, logx.Nop())
	assert.False(t, n.Ready("up"))
	assert.Zero(t, n.WatchdogInterval())

	var nilNotifier *Notifier
	assert.False(t, nilNotifier.Stopping())
}

func TestNoSocketOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.False(t, New(true, false, logx.Nop()).Ready(""))
}

func TestStatesReachSocket(t *testing.T) {
	conn := notifySocket(t)
	n := New(true, false, logx.Nop())

	require.True(t, n.Ready("listening on 0.0.0.0:4000"))
	assert.Equal(t, "READY=1\nSTATUS=listening on 0.0.0.0:4000", readState(t, conn))

	require.True(t, n.Reloading())
	assert.Equal(t, "RELOADING=1", readState(t, conn))

	require.True(t, n.Stopping())
	assert.Equal(t, "STOPPING=1", readState(t, conn))
}

func TestWatchdogPings(t *testing.T) {
	conn := notifySocket(t)
	t.Setenv("WATCHDOG_USEC", "100000") // 100ms, ping every 50ms
	t.Setenv("WATCHDOG_PID", "")
	n := New(true, true, logx.Nop())
	assert.Equal(t, 50*time.Millisecond, n.WatchdogInterval())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.RunWatchdog(ctx, func() bool { return true }) }()

	assert.True(t, strings.HasPrefix(readState(t, conn), "WATCHDOG=1"))
	cancel()
	assert.NoError(t, <-done)
}

func TestWatchdogOffReturnsOnCancel(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	n := New(true, true, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, n.RunWatchdog(ctx, nil))
}
