//go:build linux

package main

import (
	"fmt"

	"github.com/ardnew/softuac/config"
	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/hal/linux"
	"github.com/ardnew/softuac/pkg"
)

// openHardware opens the device selected by c: an explicit node, then a
// vendor/product pair, then the first audio device on the system.
func openHardware(c config.DeviceConfig) (hal.Transport, error) {
	switch {
	case c.Path != "":
		return linux.Open(c.Path)
	case c.VendorID != 0 || c.ProductID != 0:
		return linux.OpenVIDPID(c.VendorID, c.ProductID)
	}

	devices, err := linux.List()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Audio {
			pkg.LogInfo(pkg.ComponentCLI, "using first audio device", "device", d.String())
			return linux.Open(d.Path)
		}
	}
	return nil, fmt.Errorf("no audio device found: %w", pkg.ErrNoDevice)
}

// listDevices returns one line per USB device. Names the device does not
// report are looked up in the system usb.ids database when one exists.
func listDevices() ([]string, error) {
	devices, err := linux.List()
	if err != nil {
		return nil, err
	}
	ids, err := linux.LoadIDs()
	if err != nil {
		pkg.LogDebug(pkg.ComponentCLI, "usb.ids unavailable", "error", err)
	}
	lines := make([]string, 0, len(devices))
	for _, d := range devices {
		d.ResolveNames(ids)
		line := d.String()
		if d.Audio {
			line += " [audio]"
		}
		lines = append(lines, line)
	}
	return lines, nil
}
