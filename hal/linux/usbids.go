//go:build linux

package linux

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// IDPaths are the usual locations of the usb.ids database.
var IDPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// IDs maps vendor and product IDs to names. The zero value and nil are
// empty databases.
type IDs struct {
	vendors  map[uint16]string
	products map[uint32]string
}

// LoadIDs parses the first database found in paths, or in IDPaths when
// paths is empty. A missing database is reported as [fs.ErrNotExist].
func LoadIDs(paths ...string) (*IDs, error) {
	if len(paths) == 0 {
		paths = IDPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ParseIDs(f)
	}
	return nil, fs.ErrNotExist
}

// ParseIDs reads the vendor and product sections of a usb.ids stream.
// Interface lines and the class tables that follow the vendor list are
// skipped.
func ParseIDs(r io.Reader) (*IDs, error) {
	ids := &IDs{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	var vid uint16
	inVendor := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		switch {
		case strings.HasPrefix(line, "\t\t"):
			// Interface of the current product.
		case line[0] == '\t':
			if !inVendor {
				continue
			}
			if id, name, ok := idLine(line[1:]); ok {
				ids.products[uint32(vid)<<16|uint32(id)] = name
			}
		default:
			id, name, ok := idLine(line)
			inVendor = ok
			if ok {
				vid = id
				ids.vendors[vid] = name
			}
		}
	}
	return ids, sc.Err()
}

// idLine splits "xxxx  Name".
func idLine(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	v, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(v), strings.TrimSpace(s[5:]), true
}

// Vendor returns the name of vid, or "".
func (ids *IDs) Vendor(vid uint16) string {
	if ids == nil {
		return ""
	}
	return ids.vendors[vid]
}

// Product returns the name of the vid:pid product, or "".
func (ids *IDs) Product(vid, pid uint16) string {
	if ids == nil {
		return ""
	}
	return ids.products[uint32(vid)<<16|uint32(pid)]
}

// Len returns the number of vendors and products known.
func (ids *IDs) Len() (vendors, products int) {
	if ids == nil {
		return 0, 0
	}
	return len(ids.vendors), len(ids.products)
}

// ResolveNames fills the manufacturer and product strings the device did
// not report from ids.
func (d *DeviceInfo) ResolveNames(ids *IDs) {
	if d.Manufacturer == "" {
		d.Manufacturer = ids.Vendor(d.VendorID)
	}
	if d.Product == "" {
		d.Product = ids.Product(d.VendorID, d.ProductID)
	}
}
