// Package systemd speaks the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "triggerd/pkg/logx"
)

type Notifier struct {
	enabled  bool
	watchdog bool
	log      logx.Logger
}

// NewNotifier returns a notifier. With notify=false every method is a no-op;
// watchdog additionally enables the keep-alive loop in Watchdog.
func NewNotifier(notify, watchdog bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: notify, watchdog: notify && watchdog, log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) { n.notify("STATUS=" + msg) }

func (n *Notifier) notify(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. It returns at once when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	if n == nil || !n.watchdog {
		return nil
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		n.log.Debug("watchdog not requested by unit")
		return nil
	}
	every /= 2
	n.log.Debug("watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
