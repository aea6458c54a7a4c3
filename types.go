package drover

import "time"

// DeviceState is the connectivity phase of a device as seen by the engine.
// Exactly one state is current at any instant.
type DeviceState int

const (
	// StateOnline - the device is visible on the transport and accepts shell commands.
	StateOnline DeviceState = iota
	// StateOffline - the device is enumerated but not responding to the transport.
	StateOffline
	// StateFastboot - the device is in bootloader/fastboot mode.
	StateFastboot
	// StateNotAvailable - the device is gone or in an unknown state.
	StateNotAvailable
	// StateRecovering - a recovery attempt is in flight.
	StateRecovering
)

func (s DeviceState) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateFastboot:
		return "fastboot"
	case StateNotAvailable:
		return "not_available"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// RecoveryMode controls what the engine does when a command hits a
// transient transport failure.
type RecoveryMode int

const (
	// RecoveryFull - recovery must bring the device back to a fully
	// available (booted) state. This is the default.
	RecoveryFull RecoveryMode = iota
	// RecoveryUntilOnline - recovery succeeds as soon as the device is
	// online again, even if it has not finished booting.
	RecoveryUntilOnline
	// RecoveryDisabled - never recover; the caller wants immediate failure.
	RecoveryDisabled
)

func (m RecoveryMode) String() string {
	switch m {
	case RecoveryFull:
		return "full"
	case RecoveryUntilOnline:
		return "until_online"
	case RecoveryDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// CommandStatus is the outcome of a binary (adb/fastboot) invocation.
type CommandStatus int

const (
	CommandSuccess CommandStatus = iota
	CommandFailed
	CommandTimedOut
	CommandException
)

func (s CommandStatus) String() string {
	switch s {
	case CommandSuccess:
		return "success"
	case CommandFailed:
		return "failed"
	case CommandTimedOut:
		return "timed_out"
	case CommandException:
		return "exception"
	default:
		return "unknown"
	}
}

// CommandResult holds the captured output of a binary invocation.
type CommandResult struct {
	Status CommandStatus
	Stdout string
	Stderr string
}

// Engine-wide limits and defaults.
const (
	// MaxRetryAttempts is the number of additional attempts a shell command
	// gets after its first transient failure. Exceeding it yields a
	// DeviceUnresponsiveError.
	MaxRetryAttempts = 2

	// maxAdbRootAttempts bounds re-issuing "adb root" when the transport
	// echoes stale or empty output.
	maxAdbRootAttempts = 3

	// maxDialogClearRounds bounds the query/dismiss/requery loop in
	// ClearErrorDialogs. Dialogs still present after this many rounds are
	// reported as not cleared rather than looping forever.
	maxDialogClearRounds = 4

	defaultCommandTimeout    = 2 * time.Minute
	defaultRebootTimeout     = 4 * time.Minute
	defaultLogcatSegmentSize = 5 * 1024 * 1024

	// MountPointExternalStorage is the named mount point resolved through
	// the state monitor for free-space queries.
	MountPointExternalStorage = "EXTERNAL_STORAGE"
)
