package drover

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// scriptedMonitor returns a per-call sequence of online/bootloader answers,
// falling back to the embedded fake once the sequence is exhausted.
type scriptedMonitor struct {
	fakeMonitor
	onlineSeq     []bool
	bootloaderSeq []bool
}

func (m *scriptedMonitor) WaitForDeviceOnline(timeout time.Duration) bool {
	if len(m.onlineSeq) > 0 {
		v := m.onlineSeq[0]
		m.onlineSeq = m.onlineSeq[1:]
		return v
	}
	return m.fakeMonitor.WaitForDeviceOnline(timeout)
}

func (m *scriptedMonitor) WaitForDeviceBootloader(timeout time.Duration) bool {
	if len(m.bootloaderSeq) > 0 {
		v := m.bootloaderSeq[0]
		m.bootloaderSeq = m.bootloaderSeq[1:]
		return v
	}
	return m.fakeMonitor.WaitForDeviceBootloader(timeout)
}

func newTestRecovery() (*WaitDeviceRecovery, *fakeRunner) {
	runner := newFakeRunner()
	r := NewWaitDeviceRecovery("serial", runner)
	r.onlineTimeout = 10 * time.Millisecond
	r.availableTimeout = 10 * time.Millisecond
	return r, runner
}

func TestRecoverDevice(t *testing.T) {
	r, runner := newTestRecovery()
	monitor := &scriptedMonitor{fakeMonitor: *newFakeMonitor()}

	if err := r.RecoverDevice(monitor, false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("A responsive device needs no reconnect nudge, got %v", runner.calls)
	}
}

func TestRecoverDevice_nudge(t *testing.T) {
	r, runner := newTestRecovery()
	monitor := &scriptedMonitor{fakeMonitor: *newFakeMonitor(), onlineSeq: []bool{false, true}}

	if err := r.RecoverDevice(monitor, false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := runner.callCount("adb", "reconnect", "serial"); got != 1 {
		t.Errorf("Expected 1 reconnect nudge, got %d", got)
	}
}

func TestRecoverDevice_deviceDown(t *testing.T) {
	r, _ := newTestRecovery()
	monitor := &scriptedMonitor{fakeMonitor: *newFakeMonitor(), onlineSeq: []bool{false, false}}

	err := r.RecoverDevice(monitor, false)
	if !IsDeviceNotAvailable(err) {
		t.Fatalf("Expected DeviceNotAvailableError, got %v", err)
	}
}

func TestRecoverDevice_untilOnline(t *testing.T) {
	r, _ := newTestRecovery()
	monitor := &scriptedMonitor{fakeMonitor: *newFakeMonitor()}
	monitor.available = false

	if err := r.RecoverDevice(monitor, true); err != nil {
		t.Fatalf("Online-only recovery must not wait for full boot: %v", err)
	}
	if monitor.availableCalls != 0 {
		t.Errorf("Expected no availability wait, got %d", monitor.availableCalls)
	}
}

func TestRecoverDevice_notAvailable(t *testing.T) {
	r, _ := newTestRecovery()
	monitor := &scriptedMonitor{fakeMonitor: *newFakeMonitor()}
	monitor.available = false

	err := r.RecoverDevice(monitor, false)
	if !IsDeviceNotAvailable(err) {
		t.Fatalf("Expected DeviceNotAvailableError, got %v", err)
	}
}

func TestRecoverBootloader(t *testing.T) {
	r, runner := newTestRecovery()
	monitor := &scriptedMonitor{fakeMonitor: *newFakeMonitor()}

	if err := r.RecoverBootloader(monitor); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("A device already in bootloader needs no reboot, got %v", runner.calls)
	}
}

func TestRecoverBootloader_reboot(t *testing.T) {
	r, runner := newTestRecovery()
	monitor := &scriptedMonitor{fakeMonitor: *newFakeMonitor(), bootloaderSeq: []bool{false, true}}

	if err := r.RecoverBootloader(monitor); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := runner.callCount("fastboot", "-s", "serial", "reboot-bootloader"); got != 1 {
		t.Errorf("Expected 1 reboot-bootloader, got %d", got)
	}
}

func TestRecoverBootloader_deviceDown(t *testing.T) {
	r, _ := newTestRecovery()
	monitor := &scriptedMonitor{fakeMonitor: *newFakeMonitor(), bootloaderSeq: []bool{false, false}}

	err := r.RecoverBootloader(monitor)
	if !IsDeviceNotAvailable(err) {
		t.Fatalf("Expected DeviceNotAvailableError, got %v", err)
	}
}

func TestRecoverDevice_nudgeThrottled(t *testing.T) {
	r, runner := newTestRecovery()
	r.reconnectLimit = rate.NewLimiter(rate.Every(time.Hour), 1)
	monitor := &scriptedMonitor{
		fakeMonitor: *newFakeMonitor(),
		onlineSeq:   []bool{false, false, false, false},
	}

	_ = r.RecoverDevice(monitor, false)
	_ = r.RecoverDevice(monitor, false)

	// Back-to-back recoveries within the limiter window wait instead of
	// issuing another reconnect.
	if got := runner.callCount("adb", "reconnect", "serial"); got != 1 {
		t.Errorf("Expected 1 reconnect within the throttle window, got %d", got)
	}
}
