//go:build linux

package linux

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ardnew/softuac/pkg"
)

// fakeSysfs builds a sysfs device tree under a temp dir and points
// sysfsRoot at it for the duration of the test.
func fakeSysfs(t *testing.T, devices map[string]map[string]string) {
	t.Helper()
	root := t.TempDir()
	for name, attrs := range devices {
		for attr, value := range attrs {
			path := filepath.Join(root, name, attr)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(path, []byte(value+"\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	prev := sysfsRoot
	sysfsRoot = root
	t.Cleanup(func() { sysfsRoot = prev })
}

func referenceSysfs(t *testing.T) {
	fakeSysfs(t, map[string]map[string]string{
		"usb1": {"busnum": "1", "devnum": "1", "idVendor": "1d6b", "idProduct": "0002"},
		"1-1": {
			"busnum": "1", "devnum": "4",
			"idVendor": "0d8c", "idProduct": "0014",
			"manufacturer": "C-Media Electronics Inc.",
			"product":      "USB Audio Device",
			"speed":        "12",
			"1-1:1.0/bInterfaceNumber": "00",
			"1-1:1.0/bInterfaceClass":  "01",
			"1-1:1.3/bInterfaceNumber": "03",
			"1-1:1.3/bInterfaceClass":  "03",
		},
		"1-2": {
			"busnum": "1", "devnum": "7",
			"idVendor": "046d", "idProduct": "c52b",
			"1-2:1.0/bInterfaceNumber": "00",
			"1-2:1.0/bInterfaceClass":  "03",
		},
		"2-1": {"devnum": "2"},
	})
}

// =============================================================================
// List Tests
// =============================================================================

func TestList(t *testing.T) {
	referenceSysfs(t)

	devices, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("List() returned %d devices, want 2: %+v", len(devices), devices)
	}

	byName := map[string]DeviceInfo{}
	for _, d := range devices {
		byName[filepath.Base(d.SysfsPath)] = d
	}

	audio := byName["1-1"]
	if audio.Path != "/dev/bus/usb/001/004" {
		t.Errorf("Path = %q", audio.Path)
	}
	if audio.VendorID != 0x0d8c || audio.ProductID != 0x0014 {
		t.Errorf("ID = %04x:%04x", audio.VendorID, audio.ProductID)
	}
	if !audio.Audio || len(audio.interfaces) != 2 {
		t.Errorf("Audio = %v, interfaces = %+v", audio.Audio, audio.interfaces)
	}
	if audio.Speed != "12" {
		t.Errorf("Speed = %q", audio.Speed)
	}
	want := "Bus 001 Device 004: ID 0d8c:0014 C-Media Electronics Inc. USB Audio Device"
	if got := audio.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	if mouse := byName["1-2"]; mouse.Audio {
		t.Error("HID-only device reported as audio")
	}
}

func TestFind(t *testing.T) {
	referenceSysfs(t)

	d, err := Find(0x046d, 0xc52b)
	if err != nil {
		t.Fatal(err)
	}
	if d.Address != 7 {
		t.Errorf("Address = %d, want 7", d.Address)
	}

	if _, err := Find(0xdead, 0xbeef); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("Find(missing) = %v, want ErrNoDevice", err)
	}
}

func TestList_MissingRoot(t *testing.T) {
	prev := sysfsRoot
	sysfsRoot = filepath.Join(t.TempDir(), "absent")
	defer func() { sysfsRoot = prev }()

	if _, err := List(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("List() = %v, want ErrNotExist", err)
	}
}

// =============================================================================
// Path Helper Tests
// =============================================================================

func TestFormatDevfsPath(t *testing.T) {
	tests := []struct {
		bus, dev uint8
		want     string
	}{
		{1, 1, "/dev/bus/usb/001/001"},
		{1, 123, "/dev/bus/usb/001/123"},
		{12, 34, "/dev/bus/usb/012/034"},
		{255, 255, "/dev/bus/usb/255/255"},
	}

	for _, tt := range tests {
		if got := formatDevfsPath(tt.bus, tt.dev); got != tt.want {
			t.Errorf("formatDevfsPath(%d, %d) = %q, want %q", tt.bus, tt.dev, got, tt.want)
		}
	}
}
