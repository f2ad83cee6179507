// Package config loads softuac settings from YAML.
//
// A configuration file only needs the fields it changes; everything else
// keeps the value from [Default]:
//
//	device:
//	  vendor_id: 0x0d8c
//	  product_id: 0x0014
//	engine:
//	  slots: 16
//	  event_timeout: 500ms
//	log:
//	  level: debug
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softuac/engine"
	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pcm"
	"github.com/ardnew/softuac/pkg"
	"github.com/ardnew/softuac/uac"
)

// Config is the complete configuration.
type Config struct {
	Device   DeviceConfig `yaml:"device"`
	Topology uac.Topology `yaml:"topology"`
	Engine   EngineConfig `yaml:"engine"`
	Output   StreamConfig `yaml:"output"`
	Input    StreamConfig `yaml:"input"`
	Log      LogConfig    `yaml:"log"`
}

// DeviceConfig selects the device to open.
type DeviceConfig struct {
	// Path is a usbfs device node such as /dev/bus/usb/001/004.
	// Takes precedence over VendorID and ProductID.
	Path string `yaml:"path"`

	// VendorID and ProductID select the first matching device.
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`

	// Simulate uses the in-memory device instead of real hardware.
	Simulate bool `yaml:"simulate"`

	// Discover reads the topology from the device's configuration
	// descriptor instead of the topology section.
	Discover bool `yaml:"discover"`
}

// EngineConfig tunes the transfer engine.
type EngineConfig struct {
	Slots              int           `yaml:"slots"`
	PacketsPerTransfer int           `yaml:"packets_per_transfer"`
	BufferSize         int           `yaml:"buffer_size"`
	EventTimeout       time.Duration `yaml:"event_timeout"`
	TransferTimeout    time.Duration `yaml:"transfer_timeout"`
	ControlTimeout     time.Duration `yaml:"control_timeout"`
}

// StreamConfig describes the PCM layout of one direction.
type StreamConfig struct {
	pcm.Format `yaml:",inline"`

	// PacketSize overrides the packet size derived from the sample rate.
	// Zero derives it.
	PacketSize int `yaml:"packet_size"`
}

// LogConfig configures the pkg logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration of the reference device.
func Default() Config {
	return Config{
		Topology: uac.DefaultTopology(),
		Engine: EngineConfig{
			Slots:              engine.DefaultSlots,
			PacketsPerTransfer: engine.DefaultPacketsPerTransfer,
			BufferSize:         engine.DefaultBufferSize,
			EventTimeout:       engine.DefaultEventTimeout,
			TransferTimeout:    engine.DefaultTransferTimeout,
			ControlTimeout:     uac.DefaultControlTimeout,
		},
		Output: StreamConfig{Format: pcm.Playback},
		Input:  StreamConfig{Format: pcm.Capture},
		Log:    LogConfig{Level: "warn", Format: "text"},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	pkg.LogDebug(pkg.ComponentConfig, "configuration loaded", "path", path)
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown fields
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks that c describes a usable setup.
func (c *Config) Validate() error {
	if err := c.Topology.Validate(); err != nil {
		return err
	}

	e := c.Engine
	switch {
	case e.Slots < 1:
		return pkg.Invalid("engine.slots", e.Slots, "must be positive")
	case e.PacketsPerTransfer < 1 || e.PacketsPerTransfer > hal.MaxIsoPackets:
		return pkg.Invalid("engine.packets_per_transfer", e.PacketsPerTransfer,
			fmt.Sprintf("must be 1 to %d", hal.MaxIsoPackets))
	case e.BufferSize < 1:
		return pkg.Invalid("engine.buffer_size", e.BufferSize, "must be positive")
	case e.EventTimeout <= 0:
		return pkg.Invalid("engine.event_timeout", e.EventTimeout, "must be positive")
	case e.TransferTimeout < 0:
		return pkg.Invalid("engine.transfer_timeout", e.TransferTimeout, "must not be negative")
	case e.ControlTimeout <= 0:
		return pkg.Invalid("engine.control_timeout", e.ControlTimeout, "must be positive")
	}

	for _, s := range []struct {
		name string
		cfg  StreamConfig
	}{{"output", c.Output}, {"input", c.Input}} {
		if err := s.cfg.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		if s.cfg.SampleRate%1000 != 0 {
			return pkg.Unsupported(s.name+".sample_rate", s.cfg.SampleRate,
				"fractional samples per packet")
		}
		if s.cfg.PacketSize < 0 {
			return pkg.Invalid(s.name+".packet_size", s.cfg.PacketSize, "must not be negative")
		}
	}

	if _, ok := pkg.ParseLogLevel(c.Log.Level); !ok {
		return pkg.Invalid("log.level", c.Log.Level, "unknown level")
	}
	if _, ok := pkg.ParseLogFormat(c.Log.Format); !ok {
		return pkg.Invalid("log.format", c.Log.Format, "unknown format")
	}
	return nil
}

// EngineOptions returns engine options for c. Slot buffers are sized by
// the streams that use them, so BufferSize only applies to engines created
// directly from these options.
func (c *Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithSlots(c.Engine.Slots),
		engine.WithPacketsPerTransfer(c.Engine.PacketsPerTransfer),
		engine.WithBufferSize(hal.DirectionOut, c.Engine.BufferSize),
		engine.WithBufferSize(hal.DirectionIn, c.Engine.BufferSize),
		engine.WithEventTimeout(c.Engine.EventTimeout),
		engine.WithTransferTimeout(c.Engine.TransferTimeout),
	}
}

// DeviceOptions returns the uac.Open options for c, using topo in place of
// the configured topology when it is non-nil.
func (c *Config) DeviceOptions(topo *uac.Topology) []uac.Option {
	t := c.Topology
	if topo != nil {
		t = *topo
	}
	return []uac.Option{
		uac.WithTopology(t),
		uac.WithControlTimeout(c.Engine.ControlTimeout),
		uac.WithEngineOptions(c.EngineOptions()...),
		uac.WithOutputFormat(c.Output.Format),
		uac.WithInputFormat(c.Input.Format),
	}
}

// ApplyLogging configures the pkg logger from the log section.
func (c *Config) ApplyLogging() error {
	level, ok := pkg.ParseLogLevel(c.Log.Level)
	if !ok {
		return pkg.Invalid("log.level", c.Log.Level, "unknown level")
	}
	format, ok := pkg.ParseLogFormat(c.Log.Format)
	if !ok {
		return pkg.Invalid("log.format", c.Log.Format, "unknown format")
	}
	pkg.SetLogFormat(format)
	pkg.SetLogLevel(level)
	return nil
}
