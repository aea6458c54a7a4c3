package drover

import "time"

// ShellOutputReceiver consumes byte chunks produced by a shell command as
// they arrive. Implementations must tolerate being called from the
// transport's goroutine.
type ShellOutputReceiver interface {
	AddOutput(p []byte)
	Flush()
}

// Transport is the device protocol capability set injected into a Device at
// construction. The engine never talks to a device except through it.
type Transport interface {
	// ExecuteShellCommand runs cmd on the device, streaming output into
	// receiver. A zero timeout means the transport default. Failures are
	// classified by wrapping one of the transport sentinel errors.
	ExecuteShellCommand(cmd string, receiver ShellOutputReceiver, timeout time.Duration) error

	// GetProperty returns a cached device property, or ok=false when the
	// transport has no value for it.
	GetProperty(name string) (value string, ok bool)

	// State reports the device's current connectivity phase.
	State() DeviceState

	// GetMountPoint resolves a named mount point (for example
	// MountPointExternalStorage) to a device path, or "" when unknown.
	GetMountPoint(name string) string
}

// StateMonitor tracks a device's connectivity phase and blocks until a
// target phase is reached. All waits return false on timeout; a timeout is
// the expected "recovery needed" signal, not an error.
type StateMonitor interface {
	WaitForDeviceOnline(timeout time.Duration) bool
	WaitForDeviceAvailable(timeout time.Duration) bool
	WaitForDeviceNotAvailable(timeout time.Duration) bool
	WaitForDeviceBootloader(timeout time.Duration) bool
	GetMountPoint(name string) string
}

// Recovery attempts to bring a device back to a usable phase. An
// implementation either leaves the device in the requested phase before
// returning nil, or returns a DeviceNotAvailableError - it never silently
// returns having failed.
type Recovery interface {
	// RecoverDevice restores shell connectivity. With untilOnline set,
	// reaching the online phase is enough; otherwise the device must be
	// fully available (booted).
	RecoverDevice(monitor StateMonitor, untilOnline bool) error

	// RecoverBootloader restores bootloader-mode connectivity.
	RecoverBootloader(monitor StateMonitor) error
}

// CommandRunner executes host-side binaries (adb, fastboot) with a timeout.
// Split out of Transport so tests can substitute it independently.
type CommandRunner interface {
	RunTimedCmd(timeout time.Duration, bin string, args ...string) *CommandResult
}

// WifiHelper answers network questions about a device; used by the
// IP-mode-switching operations.
type WifiHelper interface {
	// IPAddress returns the device's current wifi address, or "" when the
	// device has none.
	IPAddress() string
}
