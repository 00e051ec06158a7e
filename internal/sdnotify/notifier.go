// Package sdnotify reports relay lifecycle to systemd via the notify socket
// and keeps the service watchdog fed. Outside systemd every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "nudge/pkg/logx"
)

// Notifier sends sd_notify states. The zero value is disabled.
type Notifier struct {
	log      logx.Logger
	enabled  bool
	watchdog bool
}

func New(enabled, watchdog bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, enabled: enabled, watchdog: watchdog}
}

// send reports whether the state was delivered. Failures are logged, never returned.
func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready tells systemd the socket is bound and serving.
func (n *Notifier) Ready(status string) bool {
	if status != "" {
		return n.send(daemon.SdNotifyReady + "\nSTATUS=" + status)
	}
	return n.send(daemon.SdNotifyReady)
}

func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Status(status string) bool { return n.send("STATUS=" + status) }

// WatchdogInterval returns the ping interval (half of WATCHDOG_USEC), or 0
// when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled || !n.watchdog {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog env invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// RunWatchdog pings until ctx is done. A ping is skipped while healthy
// reports false so systemd can restart a wedged relay.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	every := n.WatchdogInterval()
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	n.log.Info("watchdog enabled", logx.Duration("interval", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping withheld: relay unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
