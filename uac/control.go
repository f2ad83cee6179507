package uac

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pkg"
)

// DefaultProbeRates are the sample rates tried by ProbeSampleRate when the
// caller supplies none, in order of preference.
var DefaultProbeRates = []uint32{32000, 44100, 48000, 88200, 96000}

// Controller issues audio class control requests over a transport.
// It holds no state besides its configuration and is safe for concurrent
// use if the transport is.
type Controller struct {
	t       hal.Transport
	topo    Topology
	timeout time.Duration
}

// NewController creates a controller addressing topo through t. A
// non-positive timeout selects DefaultControlTimeout.
func NewController(t hal.Transport, topo Topology, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultControlTimeout
	}
	return &Controller{t: t, topo: topo, timeout: timeout}
}

// Topology returns the addressed topology.
func (c *Controller) Topology() Topology {
	return c.topo
}

// =============================================================================
// Volume
// =============================================================================

// SetVolume sets the current volume of ch in 1/256 dB steps.
func (c *Controller) SetVolume(ctx context.Context, ch Channel, v int16) error {
	return c.setUnit(ctx, RequestSetCur, ch, SelectorVolume, uint32(uint16(v)), VolumeSize)
}

// SetMinVolume sets the minimum volume of ch.
func (c *Controller) SetMinVolume(ctx context.Context, ch Channel, v int16) error {
	return c.setUnit(ctx, RequestSetMin, ch, SelectorVolume, uint32(uint16(v)), VolumeSize)
}

// SetMaxVolume sets the maximum volume of ch.
func (c *Controller) SetMaxVolume(ctx context.Context, ch Channel, v int16) error {
	return c.setUnit(ctx, RequestSetMax, ch, SelectorVolume, uint32(uint16(v)), VolumeSize)
}

// Volume returns the current volume of ch.
func (c *Controller) Volume(ctx context.Context, ch Channel) (int16, error) {
	v, err := c.getUnit(ctx, RequestGetCur, ch, SelectorVolume, VolumeSize)
	return int16(uint16(v)), err
}

// MinVolume returns the minimum volume of ch.
func (c *Controller) MinVolume(ctx context.Context, ch Channel) (int16, error) {
	v, err := c.getUnit(ctx, RequestGetMin, ch, SelectorVolume, VolumeSize)
	return int16(uint16(v)), err
}

// MaxVolume returns the maximum volume of ch.
func (c *Controller) MaxVolume(ctx context.Context, ch Channel) (int16, error) {
	v, err := c.getUnit(ctx, RequestGetMax, ch, SelectorVolume, VolumeSize)
	return int16(uint16(v)), err
}

// =============================================================================
// Mute
// =============================================================================

// Mute returns the raw mute byte of ch (0 unmuted, 1 muted).
func (c *Controller) Mute(ctx context.Context, ch Channel) (uint8, error) {
	v, err := c.getUnit(ctx, RequestGetCur, ch, SelectorMute, MuteSize)
	return uint8(v), err
}

// SetMute mutes or unmutes ch.
func (c *Controller) SetMute(ctx context.Context, ch Channel, muted bool) error {
	var v uint32
	if muted {
		v = 1
	}
	return c.setUnit(ctx, RequestSetCur, ch, SelectorMute, v, MuteSize)
}

// =============================================================================
// Sampling Frequency
// =============================================================================

// SampleRate returns the sampling frequency of ch's streaming endpoint in Hz.
func (c *Controller) SampleRate(ctx context.Context, ch Channel) (uint32, error) {
	target, err := c.topo.Target(ch)
	if err != nil {
		return 0, err
	}
	setup := rateSetup(RequestTypeIn, RequestGetCur, target.Endpoint)
	return c.get(ctx, setup)
}

// SetSampleRate sets the sampling frequency of ch's streaming endpoint.
// Devices commonly ignore unsupported rates; read the rate back to confirm.
func (c *Controller) SetSampleRate(ctx context.Context, ch Channel, rate uint32) error {
	if rate == 0 || rate > 0xFFFFFF {
		return pkg.Invalid("sample_rate", rate, "must fit in 24 bits")
	}
	target, err := c.topo.Target(ch)
	if err != nil {
		return err
	}
	setup := rateSetup(RequestTypeOut, RequestSetCur, target.Endpoint)
	return c.set(ctx, setup, rate)
}

// ProbeSampleRate sets each candidate rate in turn and returns the first one
// the device reports back. With no candidates DefaultProbeRates is used.
// Returns a ConfigurationError if the device accepts none.
func (c *Controller) ProbeSampleRate(ctx context.Context, ch Channel, candidates ...uint32) (uint32, error) {
	if len(candidates) == 0 {
		candidates = DefaultProbeRates
	}
	for _, rate := range candidates {
		if err := c.SetSampleRate(ctx, ch, rate); err != nil {
			return 0, err
		}
		got, err := c.SampleRate(ctx, ch)
		if err != nil {
			return 0, err
		}
		if got == rate {
			pkg.LogDebug(pkg.ComponentControl, "sample rate accepted", "channel", ch, "rate", rate)
			return rate, nil
		}
		pkg.LogDebug(pkg.ComponentControl, "sample rate rejected",
			"channel", ch, "rate", rate, "reported", got)
	}
	return 0, pkg.Unsupported("sample_rate", candidates, "device accepted none of the candidates")
}

// =============================================================================
// Request Encoding
// =============================================================================

// unitSetup builds a feature unit control request for ch.
func (c *Controller) unitSetup(dir, req uint8, ch Channel, selector uint8, size uint16) (hal.SetupPacket, error) {
	target, err := c.topo.Target(ch)
	if err != nil {
		return hal.SetupPacket{}, err
	}
	return hal.SetupPacket{
		RequestType: dir | RequestTypeClass | RequestTypeInterface,
		Request:     req,
		Value:       uint16(selector) << 8,
		Index:       uint16(target.Unit)<<8 | uint16(target.Interface),
		Length:      size,
	}, nil
}

// rateSetup builds a sampling frequency request addressed to endpoint.
func rateSetup(dir, req, endpoint uint8) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: dir | RequestTypeClass | RequestTypeEndpoint,
		Request:     req,
		Value:       uint16(SelectorSamplingFrequency) << 8,
		Index:       uint16(endpoint),
		Length:      SamplingFrequencySize,
	}
}

func (c *Controller) getUnit(ctx context.Context, req uint8, ch Channel, selector uint8, size uint16) (uint32, error) {
	setup, err := c.unitSetup(RequestTypeIn, req, ch, selector, size)
	if err != nil {
		return 0, err
	}
	return c.get(ctx, setup)
}

func (c *Controller) setUnit(ctx context.Context, req uint8, ch Channel, selector uint8, v uint32, size uint16) error {
	setup, err := c.unitSetup(RequestTypeOut, req, ch, selector, size)
	if err != nil {
		return err
	}
	return c.set(ctx, setup, v)
}

// get performs an IN request and zero-extends the little-endian payload.
func (c *Controller) get(ctx context.Context, setup hal.SetupPacket) (uint32, error) {
	var buf [4]byte
	n, err := c.t.ControlTransfer(ctx, &setup, buf[:setup.Length], c.timeout)
	if err != nil {
		return 0, c.wrap(setup, err)
	}
	if n < int(setup.Length) {
		pkg.LogDebug(pkg.ComponentControl, "short control response",
			"request", requestName(setup.Request), "got", n, "want", setup.Length)
	}
	clear(buf[n:])
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// set performs an OUT request carrying the low setup.Length bytes of v.
func (c *Controller) set(ctx context.Context, setup hal.SetupPacket, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := c.t.ControlTransfer(ctx, &setup, buf[:setup.Length], c.timeout); err != nil {
		return c.wrap(setup, err)
	}
	return nil
}

func (c *Controller) wrap(setup hal.SetupPacket, err error) error {
	op := fmt.Sprintf("%s value=0x%04X index=0x%04X",
		requestName(setup.Request), setup.Value, setup.Index)
	pkg.LogWarn(pkg.ComponentControl, "control request failed", "op", op, "error", err)
	return pkg.NewTransportError(op, err)
}
