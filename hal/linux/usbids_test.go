//go:build linux

package linux

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testIDs = `# usb.ids excerpt
#
0d8c  C-Media Electronics, Inc.
	000c  Audio Adapter
	0014  Audio Adapter (Unitek Y-247A)
		00  Interface 0
046d  Logitech, Inc.
	c52b  Unifying Receiver
bad!  Not a vendor
	1234  Orphan product

C 01  Audio
	01  Control Device
`

// =============================================================================
// Parse Tests
// =============================================================================

func TestParseIDs(t *testing.T) {
	ids, err := ParseIDs(strings.NewReader(testIDs))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		vid, pid uint16
		vendor   string
		product  string
	}{
		{0x0d8c, 0x0014, "C-Media Electronics, Inc.", "Audio Adapter (Unitek Y-247A)"},
		{0x0d8c, 0x000c, "C-Media Electronics, Inc.", "Audio Adapter"},
		{0x046d, 0xc52b, "Logitech, Inc.", "Unifying Receiver"},
		{0x046d, 0x0000, "Logitech, Inc.", ""},
		{0xffff, 0x1234, "", ""},
	}
	for _, tt := range tests {
		if got := ids.Vendor(tt.vid); got != tt.vendor {
			t.Errorf("Vendor(%04x) = %q, want %q", tt.vid, got, tt.vendor)
		}
		if got := ids.Product(tt.vid, tt.pid); got != tt.product {
			t.Errorf("Product(%04x, %04x) = %q, want %q", tt.vid, tt.pid, got, tt.product)
		}
	}

	// The class table and the product under a malformed vendor are skipped.
	if v, p := ids.Len(); v != 2 || p != 3 {
		t.Errorf("Len() = %d, %d, want 2, 3", v, p)
	}
}

func TestIDs_Nil(t *testing.T) {
	var ids *IDs
	if ids.Vendor(1) != "" || ids.Product(1, 2) != "" {
		t.Error("nil database returned a name")
	}
	if v, p := ids.Len(); v != 0 || p != 0 {
		t.Errorf("Len() = %d, %d", v, p)
	}
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoadIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	if err := os.WriteFile(path, []byte(testIDs), 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := LoadIDs(filepath.Join(dir, "missing.ids"), path)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids.Vendor(0x0d8c); got == "" {
		t.Error("second path not used")
	}

	if _, err := LoadIDs(filepath.Join(dir, "missing.ids")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("LoadIDs(missing) = %v, want fs.ErrNotExist", err)
	}
}

func TestResolveNames(t *testing.T) {
	ids, err := ParseIDs(strings.NewReader(testIDs))
	if err != nil {
		t.Fatal(err)
	}

	d := DeviceInfo{VendorID: 0x046d, ProductID: 0xc52b}
	d.ResolveNames(ids)
	if d.Manufacturer != "Logitech, Inc." || d.Product != "Unifying Receiver" {
		t.Errorf("ResolveNames() = %q, %q", d.Manufacturer, d.Product)
	}

	// Strings reported by the device win.
	d = DeviceInfo{VendorID: 0x0d8c, ProductID: 0x0014, Product: "USB Audio Device"}
	d.ResolveNames(ids)
	if d.Manufacturer != "C-Media Electronics, Inc." || d.Product != "USB Audio Device" {
		t.Errorf("ResolveNames() = %q, %q", d.Manufacturer, d.Product)
	}
}
