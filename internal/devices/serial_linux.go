//go:build linux

package devices

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ListSerial walks /sys/class/tty instead of shelling out to an external
// listing tool. Entries without an attached device node (the
// virtual ttyN consoles) are skipped; unknown vendor/product IDs render as
// zero rather than failing the whole enumeration.
func (Host) ListSerial() ([]SerialPort, error) {
	const root = "/sys/class/tty"
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []SerialPort
	for _, e := range entries {
		devLink := filepath.Join(root, e.Name(), "device")
		if _, err := os.Lstat(devLink); err != nil {
			continue
		}
		usbRoot, err := filepath.EvalSymlinks(devLink)
		if err != nil {
			continue
		}
		vid := readHexID(filepath.Join(usbRoot, "idVendor"))
		pid := readHexID(filepath.Join(usbRoot, "idProduct"))
		if vid == 0 && pid == 0 {
			// Walk up to two more directories; USB-serial adapters place
			// idVendor/idProduct on the parent USB device, not the tty leaf.
			parent := usbRoot
			for i := 0; i < 2 && vid == 0 && pid == 0; i++ {
				parent = filepath.Dir(parent)
				vid = readHexID(filepath.Join(parent, "idVendor"))
				pid = readHexID(filepath.Join(parent, "idProduct"))
			}
		}
		out = append(out, SerialPort{
			Name: "/dev/" + e.Name(),
			VID:  vid,
			PID:  pid,
		})
	}
	return out, nil
}

func readHexID(path string) uint16 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}
