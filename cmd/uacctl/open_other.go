//go:build !linux

package main

import (
	"runtime"

	"github.com/ardnew/softuac/config"
	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pkg"
)

func openHardware(config.DeviceConfig) (hal.Transport, error) {
	return nil, pkg.Unsupported("os", runtime.GOOS, "only the simulated device is available; use -sim")
}

func listDevices() ([]string, error) {
	return nil, pkg.Unsupported("os", runtime.GOOS, "device listing needs Linux sysfs")
}
