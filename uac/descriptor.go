package uac

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pkg"
)

// Descriptor sizes.
const (
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// featureUnit is a parsed audio control feature unit.
type featureUnit struct {
	id     uint8
	source uint8
}

// discovery accumulates what DiscoverTopology has seen so far.
type discovery struct {
	control   int // Audio control interface, -1 if not seen
	terminals map[uint8]uint16
	sources   map[uint8]uint8 // Unit or terminal id to its source id
	units     []featureUnit
	streams   [2]*ChannelControlTarget
}

// DiscoverTopology derives a Topology from a raw configuration descriptor.
//
// The audio control interface supplies the feature units: a unit fed,
// directly or through other units, by a USB streaming input terminal
// controls Output, and any other unit controls Input. Each streaming
// interface is bound to a channel by the direction of the isochronous
// endpoint at its first non-zero alternate setting.
func DiscoverTopology(data []byte) (Topology, error) {
	if len(data) < ConfigurationDescriptorSize || data[1] != DescriptorTypeConfiguration {
		return Topology{}, pkg.ErrDescriptorTooShort
	}
	total := int(binary.LittleEndian.Uint16(data[2:4]))
	if total > len(data) {
		total = len(data)
	}

	d := discovery{
		control:   -1,
		terminals: make(map[uint8]uint16),
		sources:   make(map[uint8]uint8),
	}

	var iface, alt, class, subclass uint8
	offset := int(data[0])
	for offset+2 <= total {
		length := int(data[offset])
		descType := data[offset+1]
		if length < 2 || offset+length > total {
			break
		}
		desc := data[offset : offset+length]

		switch descType {
		case DescriptorTypeInterface:
			if length < InterfaceDescriptorSize {
				return Topology{}, pkg.ErrDescriptorTooShort
			}
			iface, alt = desc[2], desc[3]
			class, subclass = desc[5], desc[6]
			if class == ClassAudio && subclass == SubclassAudioControl && d.control < 0 {
				d.control = int(iface)
			}

		case DescriptorTypeCSInterface:
			if class == ClassAudio && subclass == SubclassAudioControl {
				d.controlDescriptor(desc)
			}

		case DescriptorTypeEndpoint:
			if length < EndpointDescriptorSize {
				return Topology{}, pkg.ErrDescriptorTooShort
			}
			if class == ClassAudio && subclass == SubclassAudioStreaming && alt != 0 {
				d.streamingEndpoint(iface, alt, desc)
			}
		}

		offset += length
	}

	return d.topology()
}

// controlDescriptor records terminals and feature units.
func (d *discovery) controlDescriptor(desc []byte) {
	if len(desc) < 5 {
		return
	}
	switch desc[2] {
	case ACSubtypeInputTerminal:
		if len(desc) >= 6 {
			d.terminals[desc[3]] = binary.LittleEndian.Uint16(desc[4:6])
		}
	case ACSubtypeOutputTerminal:
		if len(desc) >= 8 {
			d.sources[desc[3]] = desc[7]
		}
	case ACSubtypeFeatureUnit:
		d.sources[desc[3]] = desc[4]
		d.units = append(d.units, featureUnit{id: desc[3], source: desc[4]})
	}
}

// streamingEndpoint binds the first isochronous endpoint of a streaming
// interface to a channel.
func (d *discovery) streamingEndpoint(iface, alt uint8, desc []byte) {
	ep := hal.EndpointDescriptor{
		Address:       desc[2],
		Attributes:    desc[3],
		MaxPacketSize: binary.LittleEndian.Uint16(desc[4:6]),
		Interval:      desc[6],
	}
	if ep.TransferType() != hal.TransferIsochronous {
		return
	}
	i := 0
	if ep.IsIn() {
		i = 1
	}
	if d.streams[i] != nil {
		return
	}
	d.streams[i] = &ChannelControlTarget{
		Endpoint:   ep.Address,
		Streaming:  iface,
		AltSetting: alt,
		MaxPacket:  int(ep.MaxPacketSize & 0x07FF),
	}
}

// fedByHost reports whether id is fed by a USB streaming input terminal.
func (d *discovery) fedByHost(id uint8) bool {
	for i := 0; i < 16; i++ {
		if kind, ok := d.terminals[id]; ok {
			return kind == TerminalUSBStreaming
		}
		src, ok := d.sources[id]
		if !ok {
			return false
		}
		id = src
	}
	return false
}

func (d *discovery) topology() (Topology, error) {
	if d.control < 0 {
		return Topology{}, fmt.Errorf("%w: no audio control interface", pkg.ErrNotSupported)
	}
	for i, s := range d.streams {
		if s == nil {
			return Topology{}, fmt.Errorf("%w: no %s streaming endpoint",
				pkg.ErrNotSupported, Channel(i))
		}
	}

	topo := Topology{
		ControlInterface: uint8(d.control),
		Output:           *d.streams[0],
		Input:            *d.streams[1],
	}
	var found [2]bool
	for _, u := range d.units {
		t := &topo.Input
		i := 1
		if d.fedByHost(u.source) {
			t, i = &topo.Output, 0
		}
		if !found[i] {
			t.Unit = u.id
			t.Interface = topo.ControlInterface
			found[i] = true
		}
	}
	for i, ok := range found {
		if !ok {
			return Topology{}, fmt.Errorf("%w: no %s feature unit", pkg.ErrNotSupported, Channel(i))
		}
	}

	pkg.LogDebug(pkg.ComponentControl, "topology discovered",
		"control", topo.ControlInterface,
		"outUnit", topo.Output.Unit, "outEndpoint", topo.Output.Endpoint,
		"inUnit", topo.Input.Unit, "inEndpoint", topo.Input.Endpoint)
	return topo, nil
}
