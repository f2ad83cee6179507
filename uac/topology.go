package uac

import (
	"fmt"

	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pkg"
)

// ChannelControlTarget addresses the controls of one channel.
type ChannelControlTarget struct {
	Unit       uint8 `yaml:"unit"`                // Feature unit id
	Interface  uint8 `yaml:"control_interface"`   // Audio control interface owning Unit
	Endpoint   uint8 `yaml:"endpoint"`            // Isochronous streaming endpoint address
	Streaming  uint8 `yaml:"streaming_interface"` // Streaming interface number
	AltSetting uint8 `yaml:"alt_setting"`         // Alternate setting that enables streaming
	MaxPacket  int   `yaml:"max_packet"`          // Endpoint wMaxPacketSize, zero if unknown
}

// Topology describes where a device's controls and streams live.
type Topology struct {
	ControlInterface uint8                `yaml:"control_interface"`
	Output           ChannelControlTarget `yaml:"output"`
	Input            ChannelControlTarget `yaml:"input"`
}

// DefaultTopology returns the layout of the reference two-channel device:
// control interface 0, playback on interface 1 endpoint 0x01 through
// feature unit 2, capture on interface 2 endpoint 0x82 through feature
// unit 6.
func DefaultTopology() Topology {
	return Topology{
		ControlInterface: 0,
		Output: ChannelControlTarget{
			Unit:       0x02,
			Endpoint:   0x01,
			Streaming:  1,
			AltSetting: 1,
		},
		Input: ChannelControlTarget{
			Unit:       0x06,
			Endpoint:   0x82,
			Streaming:  2,
			AltSetting: 1,
		},
	}
}

// Target returns the control target of ch.
func (t Topology) Target(ch Channel) (ChannelControlTarget, error) {
	switch ch {
	case Output:
		return t.Output, nil
	case Input:
		return t.Input, nil
	default:
		return ChannelControlTarget{}, pkg.Invalid("channel", ch, "unknown channel")
	}
}

// Interfaces returns the interfaces to claim: control first, then the
// streaming interfaces.
func (t Topology) Interfaces() []uint8 {
	return []uint8{t.ControlInterface, t.Output.Streaming, t.Input.Streaming}
}

// Validate checks endpoint directions.
func (t Topology) Validate() error {
	if hal.DirectionOf(t.Output.Endpoint) != hal.DirectionOut {
		return pkg.Invalid("output.endpoint", fmt.Sprintf("0x%02X", t.Output.Endpoint), "not an OUT endpoint")
	}
	if hal.DirectionOf(t.Input.Endpoint) != hal.DirectionIn {
		return pkg.Invalid("input.endpoint", fmt.Sprintf("0x%02X", t.Input.Endpoint), "not an IN endpoint")
	}
	return nil
}

// EndpointBinding describes how one direction is streamed.
type EndpointBinding struct {
	Direction          hal.Direction
	Endpoint           uint8
	PacketSize         int // Bytes per isochronous packet
	PacketsPerTransfer int
}

// TransferSize returns the bytes carried by one full transfer.
func (b EndpointBinding) TransferSize() int {
	return b.PacketSize * b.PacketsPerTransfer
}

// Validate checks that b is usable.
func (b EndpointBinding) Validate() error {
	switch {
	case hal.DirectionOf(b.Endpoint) != b.Direction:
		return pkg.Invalid("endpoint", fmt.Sprintf("0x%02X", b.Endpoint), "direction mismatch")
	case b.PacketSize <= 0:
		return pkg.Invalid("packet_size", b.PacketSize, "must be positive")
	case b.PacketsPerTransfer < 1 || b.PacketsPerTransfer > hal.MaxIsoPackets:
		return pkg.Invalid("packets_per_transfer", b.PacketsPerTransfer, "out of range")
	}
	return nil
}
