package drover

import (
	"testing"
	"time"
)

func (t *fakeTransport) setState(state DeviceState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

func newTestMonitor(transport *fakeTransport) *DeviceStateMonitor {
	m := NewDeviceStateMonitor("serial", transport)
	m.pollInterval = time.Millisecond
	return m
}

func TestWaitForDeviceOnline(t *testing.T) {
	transport := newFakeTransport()
	m := newTestMonitor(transport)

	if !m.WaitForDeviceOnline(50 * time.Millisecond) {
		t.Error("Expected online device to be reported immediately")
	}
}

func TestWaitForDeviceOnline_timeout(t *testing.T) {
	transport := newFakeTransport()
	transport.setState(StateOffline)
	m := newTestMonitor(transport)

	if m.WaitForDeviceOnline(20 * time.Millisecond) {
		t.Error("Expected timeout for an offline device")
	}
}

func TestWaitForDeviceOnline_transition(t *testing.T) {
	transport := newFakeTransport()
	transport.setState(StateOffline)
	m := newTestMonitor(transport)

	go func() {
		time.Sleep(10 * time.Millisecond)
		transport.setState(StateOnline)
	}()
	if !m.WaitForDeviceOnline(2 * time.Second) {
		t.Error("Expected wait to observe the online transition")
	}
}

func TestWaitForDeviceAvailable(t *testing.T) {
	transport := newFakeTransport()
	transport.props["dev.bootcomplete"] = "1"
	transport.mounts[MountPointExternalStorage] = "/mnt/sdcard"
	m := newTestMonitor(transport)

	if !m.WaitForDeviceAvailable(50 * time.Millisecond) {
		t.Error("Expected booted device with storage to be available")
	}
}

func TestWaitForDeviceAvailable_notBooted(t *testing.T) {
	transport := newFakeTransport()
	transport.mounts[MountPointExternalStorage] = "/mnt/sdcard"
	m := newTestMonitor(transport)

	if m.WaitForDeviceAvailable(20 * time.Millisecond) {
		t.Error("Online but not booted must not count as available")
	}
}

func TestWaitForDeviceAvailable_noStorage(t *testing.T) {
	transport := newFakeTransport()
	transport.props["dev.bootcomplete"] = "1"
	m := newTestMonitor(transport)

	if m.WaitForDeviceAvailable(20 * time.Millisecond) {
		t.Error("Missing external storage must not count as available")
	}
}

func TestWaitForDeviceNotAvailable(t *testing.T) {
	transport := newFakeTransport()
	m := newTestMonitor(transport)

	go func() {
		time.Sleep(10 * time.Millisecond)
		transport.setState(StateOffline)
	}()
	if !m.WaitForDeviceNotAvailable(2 * time.Second) {
		t.Error("Expected wait to observe the device dropping off")
	}
}

func TestWaitForDeviceBootloader(t *testing.T) {
	transport := newFakeTransport()
	transport.setState(StateFastboot)
	m := newTestMonitor(transport)

	if !m.WaitForDeviceBootloader(50 * time.Millisecond) {
		t.Error("Expected fastboot device to be reported immediately")
	}
	if m.WaitForDeviceOnline(20 * time.Millisecond) {
		t.Error("Fastboot device must not count as online")
	}
}

func TestMonitorGetMountPoint(t *testing.T) {
	transport := newFakeTransport()
	transport.mounts[MountPointExternalStorage] = "/mnt/sdcard"
	m := newTestMonitor(transport)

	if got := m.GetMountPoint(MountPointExternalStorage); got != "/mnt/sdcard" {
		t.Errorf("Expected /mnt/sdcard, got %q", got)
	}
}
