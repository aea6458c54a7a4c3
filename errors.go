package drover

import (
	"errors"
	"fmt"
)

// Transport-level failure classes. A transport implementation wraps one of
// these sentinels into the errors it returns so the engine can classify them.
var (
	// ErrTransportIO - the transport hit an I/O failure mid-command.
	ErrTransportIO = errors.New("transport i/o failure")
	// ErrCommandTimeout - the command did not complete within its timeout.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrShellUnresponsive - the shell stopped producing output.
	ErrShellUnresponsive = errors.New("shell unresponsive")
	// ErrMalformedCommand - the command was rejected outright. Never retried.
	ErrMalformedCommand = errors.New("malformed command")
)

// DeviceNotAvailableError means recovery itself failed: the device is
// presumed lost and upstream scheduling should move the work elsewhere.
type DeviceNotAvailableError struct {
	Serial string
	Reason string
}

func (e *DeviceNotAvailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("device %s is not available", e.Serial)
	}
	return fmt.Sprintf("device %s is not available: %s", e.Serial, e.Reason)
}

// DeviceUnresponsiveError means the retry budget was exhausted: the device
// still answers the recovery protocol but not commands. Distinct from
// DeviceNotAvailableError so callers can tell "gone" from "slow but present".
type DeviceUnresponsiveError struct {
	Serial   string
	Command  string
	Attempts int
}

func (e *DeviceUnresponsiveError) Error() string {
	return fmt.Sprintf("device %s unresponsive: %q failed after %d attempts",
		e.Serial, e.Command, e.Attempts)
}

// UnsupportedOperationError means the capability is not present on this
// device or configuration. Surfaced immediately, no transport I/O attempted.
type UnsupportedOperationError struct {
	Serial    string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("operation %q not supported on device %s", e.Operation, e.Serial)
}

// isRecoverableTransportError reports whether err is a transient transport
// failure eligible for recovery plus retry. Anything else (malformed command,
// unsupported operation, already-classified device errors) is fatal.
func isRecoverableTransportError(err error) bool {
	return errors.Is(err, ErrTransportIO) ||
		errors.Is(err, ErrCommandTimeout) ||
		errors.Is(err, ErrShellUnresponsive)
}

// IsDeviceNotAvailable reports whether err carries a DeviceNotAvailableError.
func IsDeviceNotAvailable(err error) bool {
	var dnae *DeviceNotAvailableError
	return errors.As(err, &dnae)
}

// IsDeviceUnresponsive reports whether err carries a DeviceUnresponsiveError.
func IsDeviceUnresponsive(err error) bool {
	var due *DeviceUnresponsiveError
	return errors.As(err, &due)
}

// IsUnsupportedOperation reports whether err carries an UnsupportedOperationError.
func IsUnsupportedOperation(err error) bool {
	var uoe *UnsupportedOperationError
	return errors.As(err, &uoe)
}
