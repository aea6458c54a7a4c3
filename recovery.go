package drover

import (
	"time"

	"golang.org/x/time/rate"
)

// WaitDeviceRecovery is the default Recovery: it waits for the device to
// come back on its own, nudging the host transport with a reconnect when it
// does not. Reconnect nudges are rate limited per device - a device that is
// genuinely rebooting gets waited on, not hammered.
type WaitDeviceRecovery struct {
	serial           string
	runner           CommandRunner
	onlineTimeout    time.Duration
	availableTimeout time.Duration
	reconnectLimit   *rate.Limiter
}

// NewWaitDeviceRecovery builds the default recovery strategy for a device.
func NewWaitDeviceRecovery(serial string, runner CommandRunner) *WaitDeviceRecovery {
	return &WaitDeviceRecovery{
		serial:           serial,
		runner:           runner,
		onlineTimeout:    time.Minute,
		availableTimeout: 4 * time.Minute,
		// One reconnect nudge per 30s, small burst for back-to-back
		// recoveries after a genuine disconnect.
		reconnectLimit: rate.NewLimiter(rate.Every(30*time.Second), 2),
	}
}

// RecoverDevice waits for shell connectivity. With untilOnline set, the
// online phase is enough; otherwise the device must finish booting.
func (r *WaitDeviceRecovery) RecoverDevice(monitor StateMonitor, untilOnline bool) error {
	RecoveryLog().Str("serial", r.serial).Bool("until_online", untilOnline).
		Msg("Attempting device recovery")

	if !monitor.WaitForDeviceOnline(r.onlineTimeout) {
		r.nudgeReconnect()
		if !monitor.WaitForDeviceOnline(r.onlineTimeout) {
			return &DeviceNotAvailableError{
				Serial: r.serial,
				Reason: "device did not return to online state",
			}
		}
	}
	if untilOnline {
		return nil
	}
	if !monitor.WaitForDeviceAvailable(r.availableTimeout) {
		return &DeviceNotAvailableError{
			Serial: r.serial,
			Reason: "device online but did not become fully available",
		}
	}
	return nil
}

// RecoverBootloader waits for bootloader-mode connectivity, rebooting the
// bootloader once if the device does not show up.
func (r *WaitDeviceRecovery) RecoverBootloader(monitor StateMonitor) error {
	RecoveryLog().Str("serial", r.serial).Msg("Attempting bootloader recovery")

	if monitor.WaitForDeviceBootloader(r.onlineTimeout) {
		return nil
	}
	if r.reconnectLimit.Allow() {
		r.runner.RunTimedCmd(r.onlineTimeout, "fastboot", "-s", r.serial, "reboot-bootloader")
	}
	if !monitor.WaitForDeviceBootloader(r.onlineTimeout) {
		return &DeviceNotAvailableError{
			Serial: r.serial,
			Reason: "device did not return to bootloader state",
		}
	}
	return nil
}

// nudgeReconnect asks the host adb server to re-establish the connection.
// Throttled: repeated recoveries within the limiter window skip the nudge
// and just keep waiting.
func (r *WaitDeviceRecovery) nudgeReconnect() {
	if !r.reconnectLimit.Allow() {
		LogDebug("recovery").Str("serial", r.serial).Msg("Reconnect throttled")
		return
	}
	RecoveryLog().Str("serial", r.serial).Msg("Nudging adb reconnect")
	r.runner.RunTimedCmd(30*time.Second, "adb", "reconnect", r.serial)
}
