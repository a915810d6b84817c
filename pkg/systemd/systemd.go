// Package systemd reports service state to systemd through the sd_notify
// protocol. Every call is a no-op when the process was not started by a
// systemd unit with NOTIFY_SOCKET set.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "signboard/pkg/logx"
)

// Notifier sends state updates. The zero value is usable.
type Notifier struct {
	Log logx.Logger

	// notify defaults to daemon.SdNotify.
	notify func(unsetEnv bool, state string) (bool, error)
	// watchdog defaults to daemon.SdWatchdogEnabled.
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func (n *Notifier) send(state string) bool {
	fn := n.notify
	if fn == nil {
		fn = daemon.SdNotify
	}
	ok, err := fn(false, state)
	if err != nil && !n.Log.IsZero() {
		n.Log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return ok
}

// Ready reports that startup finished. It returns false when not running
// under systemd.
func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool  { return n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// RunWatchdog pings the watchdog at half the configured interval until ctx
// ends. healthy is consulted before every ping; an unhealthy process stops
// pinging and lets systemd restart it. It returns immediately when the unit
// has no WatchdogSec.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	fn := n.watchdog
	if fn == nil {
		fn = daemon.SdWatchdogEnabled
	}
	interval, err := fn(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if healthy != nil && !healthy() {
				if !n.Log.IsZero() {
					n.Log.Warn("watchdog ping withheld: unhealthy")
				}
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
