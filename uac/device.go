package uac

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/softuac/engine"
	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pcm"
	"github.com/ardnew/softuac/pkg"
)

// Device is a USB audio device with claimed interfaces.
//
// Control methods may be called concurrently. At most one stream (PlayBuffer,
// RecordInto or a loopback session) runs at a time; starting another returns
// [pkg.ErrBusy].
type Device struct {
	t    hal.Transport
	topo Topology
	ctrl *Controller

	controlTimeout time.Duration
	engineOpts     []engine.Option
	output         pcm.Format
	input          pcm.Format

	mu      sync.Mutex
	claimed []uint8
	busy    bool
	loop    *Loopback
}

// Option is a functional option for configuring a Device.
type Option func(*Device)

// WithTopology overrides DefaultTopology.
func WithTopology(topo Topology) Option {
	return func(d *Device) {
		d.topo = topo
	}
}

// WithControlTimeout sets the timeout of each control request.
func WithControlTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		d.controlTimeout = timeout
	}
}

// WithEngineOptions passes options to every engine the device creates.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(d *Device) {
		d.engineOpts = append(d.engineOpts, opts...)
	}
}

// WithOutputFormat sets the sample layout of played buffers. The sample
// rate is always read from the device.
func WithOutputFormat(f pcm.Format) Option {
	return func(d *Device) {
		d.output = f
	}
}

// WithInputFormat sets the sample layout of recorded buffers.
func WithInputFormat(f pcm.Format) Option {
	return func(d *Device) {
		d.input = f
	}
}

// Open claims the control, output and input interfaces of t in that order.
// If any claim fails the interfaces already claimed are released.
func Open(t hal.Transport, opts ...Option) (*Device, error) {
	d := &Device{
		t:      t,
		topo:   DefaultTopology(),
		output: pcm.Playback,
		input:  pcm.Capture,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.topo.Validate(); err != nil {
		return nil, err
	}
	if err := d.output.Validate(); err != nil {
		return nil, err
	}
	if err := d.input.Validate(); err != nil {
		return nil, err
	}
	d.ctrl = NewController(t, d.topo, d.controlTimeout)

	for _, iface := range d.topo.Interfaces() {
		if err := t.ClaimInterface(iface); err != nil {
			d.release()
			return nil, pkg.NewTransportError("claim interface", err)
		}
		d.claimed = append(d.claimed, iface)
	}

	pkg.LogInfo(pkg.ComponentControl, "device opened", "interfaces", d.claimed)
	return d, nil
}

// Close stops any loopback session and releases the claimed interfaces in
// the order they were claimed. The transport itself stays open.
func (d *Device) Close() error {
	var err error
	if d.Loopback() != nil {
		err = d.StopLoopback()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if rerr := d.release(); err == nil {
		err = rerr
	}
	pkg.LogInfo(pkg.ComponentControl, "device closed")
	return err
}

// release releases claimed interfaces and returns the first error.
func (d *Device) release() error {
	var first error
	for _, iface := range d.claimed {
		if err := d.t.ReleaseInterface(iface); err != nil {
			pkg.LogWarn(pkg.ComponentControl, "release interface failed",
				"interface", iface, "error", err)
			if first == nil {
				first = pkg.NewTransportError("release interface", err)
			}
		}
	}
	d.claimed = nil
	return first
}

// Topology returns the device topology.
func (d *Device) Topology() Topology {
	return d.topo
}

// Controller returns the device's control request issuer.
func (d *Device) Controller() *Controller {
	return d.ctrl
}

// PrepareOutput selects the streaming alternate setting of the output
// interface.
func (d *Device) PrepareOutput() error {
	return d.prepare(Output)
}

// PrepareInput selects the streaming alternate setting of the input
// interface.
func (d *Device) PrepareInput() error {
	return d.prepare(Input)
}

func (d *Device) prepare(ch Channel) error {
	target, err := d.topo.Target(ch)
	if err != nil {
		return err
	}
	if err := d.t.SetAltSetting(target.Streaming, target.AltSetting); err != nil {
		return pkg.NewTransportError("set alt setting", err)
	}
	pkg.LogDebug(pkg.ComponentControl, "streaming interface prepared",
		"channel", ch, "interface", target.Streaming, "alt", target.AltSetting)
	return nil
}

// =============================================================================
// Channel Controls
// =============================================================================

// SetChannelVolume sets the volume of ch in 1/256 dB steps.
func (d *Device) SetChannelVolume(ctx context.Context, ch Channel, v int16) error {
	return d.ctrl.SetVolume(ctx, ch, v)
}

// ChannelVolume returns the current volume of ch.
func (d *Device) ChannelVolume(ctx context.Context, ch Channel) (int16, error) {
	return d.ctrl.Volume(ctx, ch)
}

// ChannelMinVolume returns the minimum volume of ch.
func (d *Device) ChannelMinVolume(ctx context.Context, ch Channel) (int16, error) {
	return d.ctrl.MinVolume(ctx, ch)
}

// ChannelMaxVolume returns the maximum volume of ch.
func (d *Device) ChannelMaxVolume(ctx context.Context, ch Channel) (int16, error) {
	return d.ctrl.MaxVolume(ctx, ch)
}

// ChannelMute returns the mute byte of ch.
func (d *Device) ChannelMute(ctx context.Context, ch Channel) (uint8, error) {
	return d.ctrl.Mute(ctx, ch)
}

// SetChannelMute mutes or unmutes ch.
func (d *Device) SetChannelMute(ctx context.Context, ch Channel, muted bool) error {
	return d.ctrl.SetMute(ctx, ch, muted)
}

// SetChannelSampleRate sets the sampling frequency of ch.
func (d *Device) SetChannelSampleRate(ctx context.Context, ch Channel, rate uint32) error {
	return d.ctrl.SetSampleRate(ctx, ch, rate)
}

// ChannelSampleRate returns the sampling frequency of ch.
func (d *Device) ChannelSampleRate(ctx context.Context, ch Channel) (uint32, error) {
	return d.ctrl.SampleRate(ctx, ch)
}

// ProbeSampleRate returns the first candidate rate ch accepts.
func (d *Device) ProbeSampleRate(ctx context.Context, ch Channel, candidates ...uint32) (uint32, error) {
	return d.ctrl.ProbeSampleRate(ctx, ch, candidates...)
}

// =============================================================================
// Stream Ownership
// =============================================================================

// acquireStream marks the device busy with a stream.
func (d *Device) acquireStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed == nil {
		return pkg.ErrClosed
	}
	if d.busy {
		return pkg.ErrBusy
	}
	d.busy = true
	return nil
}

func (d *Device) releaseStream() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

func (d *Device) streamBusy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// newEngine creates an engine with the device's options followed by opts.
func (d *Device) newEngine(opts ...engine.Option) *engine.Engine {
	all := make([]engine.Option, 0, len(d.engineOpts)+len(opts))
	all = append(all, d.engineOpts...)
	all = append(all, opts...)
	return engine.New(d.t, all...)
}

// packetsPerTransfer returns the packet count the device's engines use.
func (d *Device) packetsPerTransfer() int {
	cfg := engine.DefaultConfig()
	for _, opt := range d.engineOpts {
		opt(&cfg)
	}
	if cfg.PacketsPerTransfer < 1 || cfg.PacketsPerTransfer > hal.MaxIsoPackets {
		return engine.DefaultPacketsPerTransfer
	}
	return cfg.PacketsPerTransfer
}
