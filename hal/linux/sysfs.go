//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/softuac/pkg"
)

// sysfsRoot is where List looks for devices. Tests point it at a fake tree.
var sysfsRoot = SysfsUSBPath

// =============================================================================
// USB Device Information
// =============================================================================

// DeviceInfo describes a USB device discovered via sysfs.
type DeviceInfo struct {
	Path         string // Device node, e.g. /dev/bus/usb/001/004
	SysfsPath    string // Directory under /sys/bus/usb/devices
	Bus          uint8  // Bus number
	Address      uint8  // Device number on the bus
	VendorID     uint16 // idVendor
	ProductID    uint16 // idProduct
	Manufacturer string // iManufacturer string, if the device reports one
	Product      string // iProduct string, if the device reports one
	Speed        string // Link speed in Mbit/s as reported by sysfs
	Audio        bool   // At least one interface has the audio class

	interfaces []interfaceInfo
}

// String returns a one-line summary in the style of lsusb.
func (d DeviceInfo) String() string {
	s := fmt.Sprintf("Bus %03d Device %03d: ID %04x:%04x", d.Bus, d.Address, d.VendorID, d.ProductID)
	if name := strings.TrimSpace(d.Manufacturer + " " + d.Product); name != "" {
		s += " " + name
	}
	return s
}

// interfaceInfo holds the number and class of one interface.
type interfaceInfo struct {
	number uint8 // bInterfaceNumber
	class  uint8 // bInterfaceClass
}

// List returns every USB device visible in sysfs. Root hubs are skipped.
func List() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return nil, err
	}

	var devices []DeviceInfo
	for _, entry := range entries {
		name := entry.Name()

		// Devices are named like "1-1" or "1-1.2". Root hubs are "usbN" and
		// interfaces are "1-1:1.0".
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		info, err := parseDevice(filepath.Join(sysfsRoot, name))
		if err != nil {
			pkg.LogDebug(pkg.ComponentTransport, "skipping sysfs entry",
				"name", name, "error", err)
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// Find returns the first device with the given vendor and product IDs.
func Find(vid, pid uint16) (DeviceInfo, error) {
	devices, err := List()
	if err != nil {
		return DeviceInfo{}, err
	}
	for _, d := range devices {
		if d.VendorID == vid && d.ProductID == pid {
			return d, nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("%04x:%04x: %w", vid, pid, pkg.ErrNoDevice)
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// parseDevice reads the attributes of one device directory.
func parseDevice(sysfsPath string) (DeviceInfo, error) {
	info := DeviceInfo{SysfsPath: sysfsPath}

	bus, err := readSysfsUint8(filepath.Join(sysfsPath, "busnum"))
	if err != nil {
		return info, err
	}
	dev, err := readSysfsUint8(filepath.Join(sysfsPath, "devnum"))
	if err != nil {
		return info, err
	}
	info.Bus, info.Address = bus, dev
	info.Path = formatDevfsPath(bus, dev)

	if v, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idVendor")); err == nil {
		info.VendorID = v
	}
	if v, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idProduct")); err == nil {
		info.ProductID = v
	}
	info.Manufacturer, _ = readSysfsString(filepath.Join(sysfsPath, "manufacturer"))
	info.Product, _ = readSysfsString(filepath.Join(sysfsPath, "product"))
	info.Speed, _ = readSysfsString(filepath.Join(sysfsPath, "speed"))

	info.interfaces = scanInterfaces(sysfsPath)
	for _, iface := range info.interfaces {
		if iface.class == USBClassAudio {
			info.Audio = true
		}
	}
	return info, nil
}

// scanInterfaces reads the interface directories of a device, named
// <device>:<config>.<interface>.
func scanInterfaces(devicePath string) []interfaceInfo {
	entries, err := os.ReadDir(devicePath)
	if err != nil {
		return nil
	}

	var interfaces []interfaceInfo
	prefix := filepath.Base(devicePath) + ":"
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		path := filepath.Join(devicePath, entry.Name())
		num, err := readSysfsHexUint8(filepath.Join(path, "bInterfaceNumber"))
		if err != nil {
			continue
		}
		iface := interfaceInfo{number: num}
		iface.class, _ = readSysfsHexUint8(filepath.Join(path, "bInterfaceClass"))
		interfaces = append(interfaces, iface)
	}
	return interfaces
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint8 reads an unsigned decimal uint8 from a sysfs attribute file.
func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}

// readSysfsHex reads a hexadecimal value from a sysfs attribute file.
func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bitSize)
}

// readSysfsHexUint8 reads a hexadecimal uint8 from a sysfs attribute file.
func readSysfsHexUint8(path string) (uint8, error) {
	v, err := readSysfsHex(path, 8)
	return uint8(v), err
}

// readSysfsHexUint16 reads a hexadecimal uint16 from a sysfs attribute file.
func readSysfsHexUint16(path string) (uint16, error) {
	v, err := readSysfsHex(path, 16)
	return uint16(v), err
}

// formatDevfsPath constructs a /dev/bus/usb path from bus and device numbers.
func formatDevfsPath(bus, dev uint8) string {
	return fmt.Sprintf("%s/%03d/%03d", DevfsUSBPath, bus, dev)
}
