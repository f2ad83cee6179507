package main

import (
	"fmt"
	"io"
	"time"

	"github.com/ardnew/softuac/config"
	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/hal/sim"
	"github.com/ardnew/softuac/pkg"
	"github.com/ardnew/softuac/uac"
)

// env is what every command receives.
type env struct {
	cfg config.Config
	out io.Writer

	// transport overrides the configured device; tests use it to inspect
	// the simulated device after a command.
	transport hal.Transport
}

// descriptorSource is implemented by transports that can read their
// configuration descriptor for topology discovery.
type descriptorSource interface {
	Descriptors() ([]byte, error)
}

// open opens the configured device and claims its interfaces. The returned
// function releases the device and closes the transport.
func (e *env) open() (*uac.Device, func(), error) {
	t := e.transport
	if t == nil {
		var err error
		if e.cfg.Device.Simulate {
			t = newSimDevice(e.cfg.Topology)
		} else if t, err = openHardware(e.cfg.Device); err != nil {
			return nil, nil, err
		}
	}

	var topo *uac.Topology
	if e.cfg.Device.Discover {
		src, ok := t.(descriptorSource)
		if !ok {
			t.Close()
			return nil, nil, pkg.Unsupported("discover", true, "transport has no descriptors")
		}
		raw, err := src.Descriptors()
		if err != nil {
			t.Close()
			return nil, nil, err
		}
		found, err := uac.DiscoverTopology(raw)
		if err != nil {
			t.Close()
			return nil, nil, fmt.Errorf("discover topology: %w", err)
		}
		pkg.LogInfo(pkg.ComponentCLI, "topology discovered",
			"output_endpoint", found.Output.Endpoint, "input_endpoint", found.Input.Endpoint)
		topo = &found
	}

	d, err := uac.Open(t, e.cfg.DeviceOptions(topo)...)
	if err != nil {
		t.Close()
		return nil, nil, err
	}
	return d, func() {
		if err := d.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "release failed", "error", err)
		}
		if err := t.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "close failed", "error", err)
		}
	}, nil
}

// newSimDevice returns a simulated device laid out like topo: volume and
// mute controls on both feature units, 48 kHz on both endpoints, and a
// 440 Hz tone on the capture endpoint. Packets complete in real time.
func newSimDevice(topo uac.Topology) *sim.Device {
	return sim.New(
		sim.WithPacketInterval(time.Millisecond),
		sim.WithVolume(topo.Output.Unit, topo.Output.Interface, 0, -60*256, 0),
		sim.WithVolume(topo.Input.Unit, topo.Input.Interface, 0, -30*256, 30*256),
		sim.WithMute(topo.Output.Unit, topo.Output.Interface, false),
		sim.WithMute(topo.Input.Unit, topo.Input.Interface, false),
		sim.WithSampleRate(topo.Output.Endpoint, 48000, uac.DefaultProbeRates...),
		sim.WithSampleRate(topo.Input.Endpoint, 48000, 48000, 96000),
		sim.WithTone(48000, 440),
	)
}
