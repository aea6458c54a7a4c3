package drover

import (
	"strings"
	"time"
)

// DeviceStateMonitor is the default StateMonitor: it polls the transport's
// phase query until the target phase holds or the timeout elapses. Timeouts
// signal absence - the engine reads a false return as "recovery needed".
type DeviceStateMonitor struct {
	serial       string
	transport    Transport
	pollInterval time.Duration
}

// NewDeviceStateMonitor builds a polling monitor over the given transport.
func NewDeviceStateMonitor(serial string, transport Transport) *DeviceStateMonitor {
	return &DeviceStateMonitor{
		serial:       serial,
		transport:    transport,
		pollInterval: time.Second,
	}
}

// waitFor polls until cond holds or timeout elapses.
func (m *DeviceStateMonitor) waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		interval := m.pollInterval
		if interval > remaining {
			interval = remaining
		}
		time.Sleep(interval)
	}
}

// WaitForDeviceOnline blocks until the device reaches the online phase.
func (m *DeviceStateMonitor) WaitForDeviceOnline(timeout time.Duration) bool {
	ok := m.waitFor(timeout, func() bool {
		return m.transport.State() == StateOnline
	})
	if !ok {
		LogDebug("monitor").Str("serial", m.serial).Dur("timeout", timeout).
			Msg("Timed out waiting for device online")
	}
	return ok
}

// WaitForDeviceAvailable blocks until the device is online, fully booted and
// has its external storage mounted.
func (m *DeviceStateMonitor) WaitForDeviceAvailable(timeout time.Duration) bool {
	if !m.WaitForDeviceOnline(timeout) {
		return false
	}
	ok := m.waitFor(timeout, m.deviceAvailable)
	if !ok {
		LogDebug("monitor").Str("serial", m.serial).Dur("timeout", timeout).
			Msg("Timed out waiting for device available")
	}
	return ok
}

// deviceAvailable checks boot completion and external storage. Boot
// completion is a property the platform sets once init has finished.
func (m *DeviceStateMonitor) deviceAvailable() bool {
	if m.transport.State() != StateOnline {
		return false
	}
	if v, ok := m.transport.GetProperty("dev.bootcomplete"); !ok || strings.TrimSpace(v) != "1" {
		return false
	}
	return m.transport.GetMountPoint(MountPointExternalStorage) != ""
}

// WaitForDeviceNotAvailable blocks until the device leaves the online phase,
// which is the expected signal during reboots and adbd restarts.
func (m *DeviceStateMonitor) WaitForDeviceNotAvailable(timeout time.Duration) bool {
	return m.waitFor(timeout, func() bool {
		return m.transport.State() != StateOnline
	})
}

// WaitForDeviceBootloader blocks until the device is in fastboot mode.
func (m *DeviceStateMonitor) WaitForDeviceBootloader(timeout time.Duration) bool {
	ok := m.waitFor(timeout, func() bool {
		return m.transport.State() == StateFastboot
	})
	if !ok {
		LogDebug("monitor").Str("serial", m.serial).Dur("timeout", timeout).
			Msg("Timed out waiting for bootloader")
	}
	return ok
}

// GetMountPoint resolves a named mount point through the transport.
func (m *DeviceStateMonitor) GetMountPoint(name string) string {
	return m.transport.GetMountPoint(name)
}
