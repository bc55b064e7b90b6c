package systemd

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Listeners holds systemd-activated listeners for the main process.
type Listeners struct {
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns nil listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{
		Activated: false,
	}

	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}

	listeners.Activated = true

	// Named file descriptors come from the timegate.socket unit via
	// FileDescriptorName= directives (requires systemd 227+).
	listenersMap, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := listenersMap["metrics"]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners, nil
}

// NotifyReady sends READY=1 notification to systemd
// This tells systemd that the service has finished starting up
func NotifyReady() error {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	if !sent {
		// Not running under systemd, or notification not sent
		// This is not an error
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
// This tells systemd that the service is shutting down
func NotifyStopping() error {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	if !sent {
		// Not running under systemd
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
// This should be called periodically to prevent watchdog timeout
func NotifyWatchdog() error {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	if err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	if !sent {
		// Not running under systemd
	}
	return nil
}
