package drover

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Device wraps a single physical or virtual Android device behind the
// command-execution contract the rest of the harness depends on: every shell
// or fastboot command goes through failure classification, recovery and a
// bounded retry before the caller sees an error.
//
// A Device owns no transport state of its own; the transport, state monitor
// and recovery strategy are injected at construction and fully determine its
// behavior. Only one command-execution flow should be active per Device at a
// time - ordering concurrent callers is the caller's responsibility.
type Device struct {
	serial    string
	transport Transport
	monitor   StateMonitor
	recovery  Recovery
	runner    CommandRunner
	wifi      WifiHelper
	events    *DeviceEventStore

	fastbootEnabled bool
	recoveryMode    RecoveryMode
	cmdTimeout      time.Duration
	rebootTimeout   time.Duration
	logcatSegSize   int

	stateMu sync.Mutex
	state   DeviceState

	// nil until the first encryption-support probe.
	encryptionSupported *bool
}

// DeviceOption configures a Device at construction.
type DeviceOption func(*Device)

// WithCommandRunner substitutes the host binary runner (adb/fastboot).
func WithCommandRunner(r CommandRunner) DeviceOption {
	return func(d *Device) { d.runner = r }
}

// WithRecovery sets the recovery strategy.
func WithRecovery(r Recovery) DeviceOption {
	return func(d *Device) { d.recovery = r }
}

// WithWifiHelper substitutes the wifi helper used by SwitchToAdbTcp.
func WithWifiHelper(w WifiHelper) DeviceOption {
	return func(d *Device) { d.wifi = w }
}

// WithFastbootEnabled toggles fastboot support for this device instance.
// Disabled by default configuration only when the device has no bootloader
// transport; fastboot calls on a disabled instance fail fast.
func WithFastbootEnabled(enabled bool) DeviceOption {
	return func(d *Device) { d.fastbootEnabled = enabled }
}

// WithCommandTimeout overrides the default per-command timeout.
func WithCommandTimeout(timeout time.Duration) DeviceOption {
	return func(d *Device) { d.cmdTimeout = timeout }
}

// WithLogcatSegmentSize caps each of the two logcat capture segments.
func WithLogcatSegmentSize(n int) DeviceOption {
	return func(d *Device) { d.logcatSegSize = n }
}

// WithEventStore attaches a journal that receives state transitions,
// recovery attempts and retry exhaustion events.
func WithEventStore(s *DeviceEventStore) DeviceOption {
	return func(d *Device) { d.events = s }
}

// NewDevice builds the execution engine for one device handle. The serial is
// immutable for the Device's lifetime.
func NewDevice(serial string, transport Transport, monitor StateMonitor, opts ...DeviceOption) *Device {
	d := &Device{
		serial:          serial,
		transport:       transport,
		monitor:         monitor,
		fastbootEnabled: true,
		recoveryMode:    RecoveryFull,
		cmdTimeout:      defaultCommandTimeout,
		rebootTimeout:   defaultRebootTimeout,
		logcatSegSize:   defaultLogcatSegmentSize,
		state:           transport.State(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.runner == nil {
		d.runner = execCommandRunner{}
	}
	if d.recovery == nil {
		d.recovery = NewWaitDeviceRecovery(serial, d.runner)
	}
	return d
}

// Serial returns the device's immutable identifier.
func (d *Device) Serial() string { return d.serial }

// SetRecoveryMode changes how transient failures are handled. Owner-only;
// not safe to call concurrently with an in-flight command.
func (d *Device) SetRecoveryMode(mode RecoveryMode) { d.recoveryMode = mode }

// RecoveryMode returns the configured recovery mode.
func (d *Device) RecoveryMode() RecoveryMode { return d.recoveryMode }

// SetDeviceState records a phase transition observed by the monitor layer.
func (d *Device) SetDeviceState(state DeviceState) {
	d.stateMu.Lock()
	prev := d.state
	d.state = state
	d.stateMu.Unlock()
	if prev != state {
		DeviceLog().Str("serial", d.serial).
			Str("from", prev.String()).Str("to", state.String()).
			Msg("Device state changed")
		d.recordEvent("state_change", "info", fmt.Sprintf("%s -> %s", prev, state), nil)
	}
}

// DeviceState returns the last recorded connectivity phase.
func (d *Device) DeviceState() DeviceState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// bufferReceiver collects shell output into memory for the string-returning
// command variants.
type bufferReceiver struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *bufferReceiver) AddOutput(p []byte) {
	r.mu.Lock()
	r.buf.Write(p)
	r.mu.Unlock()
}

func (r *bufferReceiver) Flush() {}

func (r *bufferReceiver) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *bufferReceiver) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	return out
}

// ExecuteShellCommand runs cmd with the default timeout, streaming output
// into receiver. Transient transport failures are absorbed by recovery plus
// retry; only unavailable, unresponsive or fatal classifications reach the
// caller.
func (d *Device) ExecuteShellCommand(cmd string, receiver ShellOutputReceiver) error {
	return d.ExecuteShellCommandTimeout(cmd, receiver, 0)
}

// ExecuteShellCommandString runs cmd and returns its collected output.
func (d *Device) ExecuteShellCommandString(cmd string) (string, error) {
	rec := &bufferReceiver{}
	if err := d.ExecuteShellCommand(cmd, rec); err != nil {
		return "", err
	}
	return rec.String(), nil
}

// ExecuteShellCommandTimeout is the retry primitive every shell operation is
// built on. A zero timeout means the transport default.
//
// The loop: invoke the transport; on a transient failure run recovery in the
// configured mode, then retry, at most MaxRetryAttempts additional times.
// A recovery failure propagates immediately - recovery is already the
// strongest remediation, so it is never itself retried. Exhausting the
// budget yields a DeviceUnresponsiveError, distinct from unavailability.
func (d *Device) ExecuteShellCommandTimeout(cmd string, receiver ShellOutputReceiver, timeout time.Duration) error {
	if timeout == 0 {
		timeout = d.cmdTimeout
	}
	for attempt := 0; ; attempt++ {
		err := d.transport.ExecuteShellCommand(cmd, receiver, timeout)
		if err == nil {
			return nil
		}
		if !isRecoverableTransportError(err) {
			LogError("device").Str("serial", d.serial).Str("cmd", cmd).Err(err).
				Msg("Shell command failed fatally")
			return err
		}
		LogWarn("device").Str("serial", d.serial).Str("cmd", cmd).
			Int("attempt", attempt+1).Err(err).
			Msg("Shell command hit transient transport failure")
		if rerr := d.recoverDevice(); rerr != nil {
			return rerr
		}
		if attempt >= MaxRetryAttempts {
			d.recordEvent("retry_exhausted", "error", cmd, map[string]interface{}{
				"attempts": attempt + 1,
			})
			return &DeviceUnresponsiveError{Serial: d.serial, Command: cmd, Attempts: attempt + 1}
		}
	}
}

// recoverDevice invokes the recovery strategy in the configured mode.
// With recovery disabled the device is reported unavailable immediately.
func (d *Device) recoverDevice() error {
	if d.recoveryMode == RecoveryDisabled {
		return &DeviceNotAvailableError{Serial: d.serial, Reason: "recovery disabled"}
	}
	untilOnline := d.recoveryMode == RecoveryUntilOnline
	d.SetDeviceState(StateRecovering)
	timer := StartOperation("device", "recover").AddDetail("serial", d.serial).
		AddDetail("until_online", untilOnline)
	if err := d.recovery.RecoverDevice(d.monitor, untilOnline); err != nil {
		timer.EndWithError(err)
		d.SetDeviceState(StateNotAvailable)
		d.recordEvent("recovery_failed", "error", err.Error(), nil)
		return err
	}
	timer.End()
	d.SetDeviceState(StateOnline)
	d.recordEvent("recovered", "info", "device recovered", map[string]interface{}{
		"until_online": untilOnline,
	})
	return nil
}

// ExecuteFastbootCommand runs a bootloader command. Devices configured
// without fastboot support fail fast with no transport I/O. A failed command
// triggers bootloader recovery and exactly one retry; the retried result is
// returned as-is, so a second failure is surfaced without a third attempt.
func (d *Device) ExecuteFastbootCommand(args ...string) (*CommandResult, error) {
	if !d.fastbootEnabled {
		return nil, &UnsupportedOperationError{Serial: d.serial, Operation: "fastboot"}
	}
	result := d.fastbootCommand(args)
	if result.Status == CommandSuccess {
		return result, nil
	}
	LogWarn("device").Str("serial", d.serial).Strs("args", args).
		Str("status", result.Status.String()).
		Msg("Fastboot command failed, attempting bootloader recovery")
	if err := d.recovery.RecoverBootloader(d.monitor); err != nil {
		d.recordEvent("recovery_failed", "error", err.Error(), nil)
		return nil, err
	}
	result = d.fastbootCommand(args)
	if result.Status != CommandSuccess {
		LogError("device").Str("serial", d.serial).Strs("args", args).
			Str("status", result.Status.String()).Str("stderr", result.Stderr).
			Msg("Fastboot command failed after recovery")
	}
	return result, nil
}

func (d *Device) fastbootCommand(args []string) *CommandResult {
	full := append([]string{"-s", d.serial}, args...)
	return d.runner.RunTimedCmd(d.cmdTimeout, "fastboot", full...)
}

// adbCommand runs the host adb binary against this device.
func (d *Device) adbCommand(args ...string) *CommandResult {
	full := append([]string{"-s", d.serial}, args...)
	return d.runner.RunTimedCmd(d.cmdTimeout, "adb", full...)
}

// Reboot reboots into the normal adb mode and blocks until the device is
// fully available again, falling back to recovery when the boot wait times
// out.
func (d *Device) Reboot() error {
	d.doReboot("")
	if !d.monitor.WaitForDeviceAvailable(d.rebootTimeout) {
		LogWarn("device").Str("serial", d.serial).
			Msg("Device did not become available after reboot")
		return d.recoverDevice()
	}
	d.SetDeviceState(StateOnline)
	return nil
}

// RebootIntoBootloader reboots into fastboot mode. Requires fastboot support.
func (d *Device) RebootIntoBootloader() error {
	if !d.fastbootEnabled {
		return &UnsupportedOperationError{Serial: d.serial, Operation: "reboot-bootloader"}
	}
	d.doReboot("bootloader")
	if !d.monitor.WaitForDeviceBootloader(d.rebootTimeout) {
		if err := d.recovery.RecoverBootloader(d.monitor); err != nil {
			return err
		}
	}
	d.SetDeviceState(StateFastboot)
	return nil
}

// doReboot issues the reboot without waiting. An empty mode is a normal
// reboot.
func (d *Device) doReboot(mode string) {
	args := []string{"reboot"}
	if mode != "" {
		args = append(args, mode)
	}
	d.recordEvent("reboot", "info", strings.Join(args, " "), nil)
	d.adbCommand(args...)
	d.monitor.WaitForDeviceNotAvailable(30 * time.Second)
}

// Bugreport collects a diagnostic bugreport, best effort: output gathered
// before a device loss is still returned, and unavailability during
// collection is swallowed rather than surfaced.
func (d *Device) Bugreport() []byte {
	rec := &bufferReceiver{}
	if err := d.ExecuteShellCommandTimeout("bugreport", rec, d.rebootTimeout); err != nil {
		LogWarn("device").Str("serial", d.serial).Err(err).
			Msg("Bugreport collection interrupted, returning partial output")
	}
	return rec.Bytes()
}

func (d *Device) recordEvent(eventType, level, title string, details map[string]interface{}) {
	if d.events == nil {
		return
	}
	if err := d.events.Record(d.serial, eventType, level, title, details); err != nil {
		LogWarn("events").Str("serial", d.serial).Err(err).Msg("Failed to record device event")
	}
}
