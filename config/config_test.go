package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ardnew/softuac/engine"
	"github.com/ardnew/softuac/hal/sim"
	"github.com/ardnew/softuac/pcm"
	"github.com/ardnew/softuac/pkg"
	"github.com/ardnew/softuac/uac"
)

// =============================================================================
// Parse Tests
// =============================================================================

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Topology != uac.DefaultTopology() {
		t.Errorf("default topology = %+v", cfg.Topology)
	}
	if cfg.Output.Format != pcm.Playback || cfg.Input.Format != pcm.Capture {
		t.Errorf("default formats = %+v / %+v", cfg.Output.Format, cfg.Input.Format)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Errorf("Parse(nil) = %+v, want defaults", cfg)
	}
}

func TestParse_Overrides(t *testing.T) {
	data := []byte(`
device:
  vendor_id: 0x0d8c
  product_id: 0x0014
  discover: true
topology:
  control_interface: 3
  output:
    unit: 9
    control_interface: 5
    endpoint: 0x02
    streaming_interface: 4
    alt_setting: 2
engine:
  slots: 16
  packets_per_transfer: 4
  event_timeout: 250ms
input:
  sample_rate: 96000
  packet_size: 288
log:
  level: debug
  format: json
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Device.VendorID != 0x0d8c || cfg.Device.ProductID != 0x0014 || !cfg.Device.Discover {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.Topology.ControlInterface != 3 {
		t.Errorf("control interface = %d", cfg.Topology.ControlInterface)
	}
	if out := cfg.Topology.Output; out.Unit != 9 || out.Interface != 5 || out.Endpoint != 0x02 ||
		out.Streaming != 4 || out.AltSetting != 2 {
		t.Errorf("output target = %+v", out)
	}
	if cfg.Topology.Input != uac.DefaultTopology().Input {
		t.Errorf("input target changed: %+v", cfg.Topology.Input)
	}
	if cfg.Engine.Slots != 16 || cfg.Engine.PacketsPerTransfer != 4 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.EventTimeout != 250*time.Millisecond {
		t.Errorf("event timeout = %v", cfg.Engine.EventTimeout)
	}
	if cfg.Engine.ControlTimeout != uac.DefaultControlTimeout {
		t.Errorf("control timeout = %v", cfg.Engine.ControlTimeout)
	}
	if cfg.Input.SampleRate != 96000 || cfg.Input.Channels != 1 || cfg.Input.PacketSize != 288 {
		t.Errorf("input = %+v", cfg.Input)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"zero slots", "engine: {slots: 0}", pkg.ErrInvalidParameter},
		{"too many packets", "engine: {packets_per_transfer: 33}", pkg.ErrInvalidParameter},
		{"negative transfer timeout", "engine: {transfer_timeout: -1s}", pkg.ErrInvalidParameter},
		{"fractional rate", "output: {sample_rate: 44100}", pkg.ErrNotSupported},
		{"three channels", "input: {channels: 3}", pkg.ErrNotSupported},
		{"negative packet", "input: {packet_size: -1}", pkg.ErrInvalidParameter},
		{"in endpoint as output", "topology: {output: {endpoint: 0x81}}", pkg.ErrInvalidParameter},
		{"bad level", "log: {level: loud}", pkg.ErrInvalidParameter},
		{"bad format", "log: {format: xml}", pkg.ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() = %v, want %v", err, tt.want)
			}
			var ce *pkg.ConfigurationError
			if !errors.As(err, &ce) {
				t.Errorf("Parse() error %T is not a ConfigurationError", err)
			}
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, data := range []string{
		"engine: [",
		"engine: {slotz: 3}",
		// Endpoint targets name their interfaces explicitly.
		"topology: {output: {interface: 1}}",
		"topology: {input: {control: 0}}",
	} {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("Parse(%q) succeeded", data)
		}
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Engine.Slots = 12
	cfg.Engine.EventTimeout = 300 * time.Millisecond
	cfg.Device.Path = "/dev/bus/usb/001/004"

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Marshal()) = %v\n%s", err, data)
	}
	if got != cfg {
		t.Errorf("round trip = %+v, want %+v", got, cfg)
	}
}

func TestMarshal_TopologyKeys(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"control_interface: 0",
		"    control_interface: 0",
		"    streaming_interface: 1",
		"    streaming_interface: 2",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("marshalled config missing %q:\n%s", want, data)
		}
	}
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "softuac.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  slots: 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.Slots != 4 {
		t.Errorf("slots = %d", cfg.Engine.Slots)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) = %v", err)
	}
}

// =============================================================================
// Conversion Tests
// =============================================================================

func TestEngineOptions(t *testing.T) {
	cfg := Default()
	cfg.Engine.Slots = 3
	cfg.Engine.PacketsPerTransfer = 5

	e := engine.New(sim.New(), cfg.EngineOptions()...)
	got := e.Config()
	if got.Slots != 3 || got.PacketsPerTransfer != 5 {
		t.Errorf("engine config = %+v", got)
	}
	if got.EventTimeout != cfg.Engine.EventTimeout {
		t.Errorf("event timeout = %v", got.EventTimeout)
	}
}

func TestDeviceOptions(t *testing.T) {
	cfg := Default()
	cfg.Topology.Output.Unit = 0x0A

	dev := sim.New()
	d, err := uac.Open(dev, cfg.DeviceOptions(nil)...)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if d.Topology().Output.Unit != 0x0A {
		t.Errorf("topology = %+v", d.Topology())
	}

	discovered := uac.DefaultTopology()
	discovered.ControlInterface = 0
	discovered.Input.Unit = 0x0B
	d2, err := uac.Open(sim.New(), cfg.DeviceOptions(&discovered)...)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	if d2.Topology().Input.Unit != 0x0B {
		t.Errorf("override topology = %+v", d2.Topology())
	}
}

func TestApplyLogging(t *testing.T) {
	prevLevel := pkg.GetLogLevel()
	prevLogger := pkg.DefaultLogger
	defer func() {
		pkg.SetLogLevel(prevLevel)
		pkg.SetLogger(prevLogger)
	}()

	cfg := Default()
	cfg.Log.Level = "error"
	if err := cfg.ApplyLogging(); err != nil {
		t.Fatal(err)
	}
	if pkg.GetLogLevel() != slog.LevelError {
		t.Errorf("level = %v", pkg.GetLogLevel())
	}

	cfg.Log.Format = "yaml"
	if err := cfg.ApplyLogging(); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("ApplyLogging(bad format) = %v", err)
	}
}
