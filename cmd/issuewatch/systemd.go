package main

import (
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Every notification is a no-op when NOTIFY_SOCKET is unset, so the binary
// behaves the same outside systemd.

func notifyReady() {
	sdNotify(daemon.SdNotifyReady)
}

func notifyStopping() {
	sdNotify(daemon.SdNotifyStopping)
}

func sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("systemd notify failed", "state", state, "error", err)
		return
	}
	if sent {
		slog.Debug("systemd notified", "state", state)
	}
}

// watchdog pings the systemd watchdog once per completed poll cycle, so a
// wedged loop gets the unit restarted.
type watchdog struct {
	enabled bool
}

func newWatchdog(pollInterval time.Duration) *watchdog {
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		slog.Warn("reading systemd watchdog settings failed", "error", err)
		return &watchdog{}
	}
	if timeout == 0 {
		return &watchdog{}
	}

	if timeout <= pollInterval {
		slog.Warn("systemd WatchdogSec is shorter than the poll interval, the unit will be restarted between cycles",
			"watchdog", timeout, "poll_interval", pollInterval)
	}
	return &watchdog{enabled: true}
}

func (w *watchdog) beat() {
	if w.enabled {
		sdNotify(daemon.SdNotifyWatchdog)
	}
}
