package drover

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Shell/host commands and output markers used by the convenience operations.
const (
	productBoardProp  = "ro.product.board"
	productDeviceProp = "ro.product.device"

	dialogQueryCmd    = "dumpsys window windows"
	dismissDialogCmd  = "input keyevent 23"
	errorDialogMark   = "com.android.server.am.AppErrorDialog"
	anrDialogMark     = "com.android.server.am.AppNotRespondingDialog"
	adbRootConfirmOut = "restarting adbd as root"

	cryptfsProbeCmd = "vdc cryptfs enablecrypto"
)

// EnableAdbRoot escalates the adb daemon to root. Idempotent: a device whose
// `id` already reports uid 0 performs no elevation. The elevation restarts
// adbd, so success is declared only after the device has left and re-entered
// the online phase. Some transports echo stale or empty output from
// `adb root`, so the elevation itself is retried a bounded number of times.
func (d *Device) EnableAdbRoot() (bool, error) {
	output, err := d.ExecuteShellCommandString("id")
	if err != nil {
		return false, err
	}
	if strings.Contains(output, "uid=0(root)") {
		LogDebug("device").Str("serial", d.serial).Msg("adbd already running as root")
		return true, nil
	}

	confirmed := false
	for attempt := 0; attempt < maxAdbRootAttempts; attempt++ {
		result := d.adbCommand("root")
		if strings.Contains(result.Stdout, adbRootConfirmOut) {
			confirmed = true
			break
		}
		LogWarn("device").Str("serial", d.serial).Int("attempt", attempt+1).
			Str("stdout", result.Stdout).
			Msg("Unexpected output from adb root, retrying elevation")
	}
	if !confirmed {
		return false, nil
	}

	// adbd restarts; the device drops off and comes back.
	d.monitor.WaitForDeviceNotAvailable(20 * time.Second)
	if !d.monitor.WaitForDeviceOnline(d.cmdTimeout) {
		if err := d.recoverDevice(); err != nil {
			return false, err
		}
	}
	d.recordEvent("adb_root", "info", "adbd restarted as root", nil)
	return true, nil
}

// fastbootProductPattern matches the "product: <token>" line fastboot getvar
// writes to its diagnostic stream.
var fastbootProductPattern = regexp.MustCompile(`product:\s*(\S+)`)

// GetProductType resolves the device's product type. The cached transport
// property wins; otherwise the query goes over whichever transport matches
// the current phase. An empty product type is unrecoverable information loss,
// reported as unavailability rather than retried.
func (d *Device) GetProductType() (string, error) {
	if v, ok := d.transport.GetProperty(productBoardProp); ok && v != "" {
		return v, nil
	}

	if d.DeviceState() == StateFastboot {
		return d.getProductTypeFastboot()
	}
	return d.getProductTypeAdb()
}

func (d *Device) getProductTypeFastboot() (string, error) {
	result, err := d.ExecuteFastbootCommand("getvar", "product")
	if err != nil {
		return "", err
	}
	// getvar output goes to the diagnostic stream, not stdout.
	if m := fastbootProductPattern.FindStringSubmatch(result.Stderr); m != nil {
		return m[1], nil
	}
	return "", &DeviceNotAvailableError{
		Serial: d.serial,
		Reason: "device could not report its product type over fastboot",
	}
}

func (d *Device) getProductTypeAdb() (string, error) {
	for _, prop := range []string{productBoardProp, productDeviceProp} {
		output, err := d.ExecuteShellCommandString("getprop " + prop)
		if err != nil {
			return "", err
		}
		if v := strings.TrimSpace(output); v != "" {
			return v, nil
		}
	}
	return "", &DeviceNotAvailableError{
		Serial: d.serial,
		Reason: "device could not report its product type",
	}
}

// GetExternalStoreFreeSpace returns the free space, in KB, on the external
// storage mount. Unparseable df output yields 0 - callers treat the value as
// advisory, so "unknown" must not become an error.
func (d *Device) GetExternalStoreFreeSpace() (int64, error) {
	mountPoint := d.monitor.GetMountPoint(MountPointExternalStorage)
	output, err := d.ExecuteShellCommandString("df " + mountPoint)
	if err != nil {
		return 0, err
	}
	return parseFreeSpace(mountPoint, output), nil
}

// dfAvailablePattern matches the single-line df format:
// "/mnt/sdcard: 3864064K total, 1282880K used, 2581184K available (...)".
var dfAvailablePattern = regexp.MustCompile(`(\d+)K available`)

// parseFreeSpace understands both df output shapes seen in the wild: the
// colon-delimited single-line report and the whitespace table with unit
// suffixes. Anything else parses to 0.
func parseFreeSpace(mountPoint, output string) int64 {
	if m := dfAvailablePattern.FindStringSubmatch(output); m != nil {
		kb, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			return kb
		}
	}
	// Table format: "Filesystem  Size  Used  Free  Blksize" rows.
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[0] == mountPoint {
			if kb, ok := parseSizeToKB(fields[3]); ok {
				return kb
			}
		}
	}
	LogDebug("device").Str("mount", mountPoint).Msg("Unparseable df output, reporting 0 free")
	return 0
}

// parseSizeToKB converts df size tokens ("2G", "787M", "4096K", "512") to
// KB, base 1024. Bare numbers are taken as KB.
func parseSizeToKB(token string) (int64, bool) {
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(token, "K"):
		token = strings.TrimSuffix(token, "K")
	case strings.HasSuffix(token, "M"):
		token = strings.TrimSuffix(token, "M")
		multiplier = 1024
	case strings.HasSuffix(token, "G"):
		token = strings.TrimSuffix(token, "G")
		multiplier = 1024 * 1024
	}
	value, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, false
	}
	return int64(value * float64(multiplier)), true
}

// ClearErrorDialogs dismisses crash and ANR modal dialogs that block the UI.
// Each round queries the window diagnostics, sends one dismissal key event
// per dialog found, then requeries to confirm convergence. Rounds are
// bounded: dialogs that keep reappearing are reported as not cleared instead
// of looping.
func (d *Device) ClearErrorDialogs() (bool, error) {
	for round := 0; round < maxDialogClearRounds; round++ {
		output, err := d.ExecuteShellCommandString(dialogQueryCmd)
		if err != nil {
			return false, err
		}
		count := strings.Count(output, errorDialogMark) + strings.Count(output, anrDialogMark)
		if count == 0 {
			return true, nil
		}
		LogInfo("device").Str("serial", d.serial).Int("dialogs", count).
			Int("round", round+1).Msg("Dismissing error dialogs")
		for i := 0; i < count; i++ {
			if err := d.ExecuteShellCommand(dismissDialogCmd, &bufferReceiver{}); err != nil {
				return false, err
			}
		}
	}
	LogWarn("device").Str("serial", d.serial).
		Msg("Error dialogs still present after bounded dismissal rounds")
	return false, nil
}

// SwitchToAdbTcp switches the device's adb connection to TCP mode and
// returns the "ip:5555" address used. A device with no wifi address cannot
// be switched; that is reported as an empty address, not an error.
func (d *Device) SwitchToAdbTcp() (string, error) {
	ip := d.wifiHelper().IPAddress()
	if ip == "" {
		return "", nil
	}
	result := d.adbCommand("tcpip", "5555")
	if result.Status != CommandSuccess {
		return "", fmt.Errorf("failed to switch %s to tcp mode: %s", d.serial, result.Stderr)
	}
	addr := ip + ":5555"
	d.recordEvent("adb_tcp", "info", addr, nil)
	return addr, nil
}

// SwitchToAdbUsb switches the device's adb connection back to USB mode.
func (d *Device) SwitchToAdbUsb() error {
	result := d.adbCommand("usb")
	if result.Status != CommandSuccess {
		return fmt.Errorf("failed to switch %s to usb mode: %s", d.serial, result.Stderr)
	}
	return nil
}

func (d *Device) wifiHelper() WifiHelper {
	if d.wifi == nil {
		d.wifi = &shellWifiHelper{device: d}
	}
	return d.wifi
}

// shellWifiHelper answers the wifi address question over the device shell.
type shellWifiHelper struct {
	device *Device
}

func (w *shellWifiHelper) IPAddress() string {
	output, err := w.device.ExecuteShellCommandString("getprop dhcp.wlan0.ipaddress")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(output)
}

// isEncryptionSupported probes once whether the device's cryptfs tooling is
// present; the result is cached for the Device's lifetime. A device that
// prints nothing for the probe has no encryption support.
func (d *Device) isEncryptionSupported() (bool, error) {
	if d.encryptionSupported != nil {
		return *d.encryptionSupported, nil
	}
	output, err := d.ExecuteShellCommandString(cryptfsProbeCmd)
	if err != nil {
		return false, err
	}
	supported := strings.Contains(output, "500 ") ||
		strings.Contains(strings.ToLower(output), "usage: cryptfs")
	d.encryptionSupported = &supported
	return supported, nil
}

// checkEncryptionSupport fails fast with unsupported-operation when the
// device lacks encryption tooling, before any further transport call.
func (d *Device) checkEncryptionSupport(op string) error {
	supported, err := d.isEncryptionSupported()
	if err != nil {
		return err
	}
	if !supported {
		return &UnsupportedOperationError{Serial: d.serial, Operation: op}
	}
	return nil
}

// EncryptDevice encrypts the device's userdata partition. inPlace selects
// in-place encryption over the wipe variant.
func (d *Device) EncryptDevice(inPlace bool) error {
	if err := d.checkEncryptionSupport("encrypt"); err != nil {
		return err
	}
	method := "wipe"
	if inPlace {
		method = "inplace"
	}
	if _, err := d.ExecuteShellCommandString("vdc cryptfs enablecrypto " + method); err != nil {
		return err
	}
	return d.Reboot()
}

// UnencryptDevice removes encryption by wiping userdata.
func (d *Device) UnencryptDevice() error {
	if err := d.checkEncryptionSupport("unencrypt"); err != nil {
		return err
	}
	if _, err := d.ExecuteShellCommandString("vdc cryptfs wipe"); err != nil {
		return err
	}
	return d.Reboot()
}

// UnlockDevice unlocks an encrypted device with the default password.
func (d *Device) UnlockDevice() error {
	if err := d.checkEncryptionSupport("unlock"); err != nil {
		return err
	}
	output, err := d.ExecuteShellCommandString(`vdc cryptfs checkpw ""`)
	if err != nil {
		return err
	}
	if strings.Contains(output, "200") {
		return nil
	}
	return fmt.Errorf("failed to unlock device %s: %s", d.serial, strings.TrimSpace(output))
}
