package systemd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Listener names expected in the talktime.socket unit (FileDescriptorName=).
const (
	ListenerAPI     = "api"
	ListenerMetrics = "metrics"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	API       net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns nil listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listenersMap, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	return fromNamed(listenersMap), nil
}

func fromNamed(named map[string][]net.Listener) *Listeners {
	listeners := &Listeners{Activated: len(named) > 0}

	if lns, ok := named[ListenerAPI]; ok && len(lns) > 0 {
		listeners.API = lns[0]
	}
	if lns, ok := named[ListenerMetrics]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners
}

// NotifyReady sends READY=1 notification to systemd
func NotifyReady() error {
	return notify(daemon.SdNotifyReady)
}

// NotifyReloading sends RELOADING=1 notification to systemd
func NotifyReloading() error {
	return notify(daemon.SdNotifyReloading)
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	return notify(daemon.SdNotifyStopping)
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd.
// This should be called periodically to prevent watchdog timeout.
func NotifyWatchdog() error {
	return notify(daemon.SdNotifyWatchdog)
}

// NotifyStatus publishes a free-form status line shown by systemctl status.
func NotifyStatus(status string) error {
	return notify("STATUS=" + status)
}

func notify(state string) error {
	// sent is false when not running under systemd, which is not an error
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("failed to send sd_notify %s: %w", state, err)
	}
	return nil
}

// WatchdogInterval returns how often NotifyWatchdog should be sent, or zero
// when the watchdog is disabled.
func WatchdogInterval() time.Duration {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return 0
	}
	return interval / 2
}

// IsSystemdService returns true if running as a systemd service
func IsSystemdService() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
