package hal

import (
	"context"
	"time"

	"github.com/ardnew/softuac/pkg"
)

// Direction is the data direction of an endpoint, encoded as the direction
// bit of the endpoint address.
type Direction uint8

// Direction constants.
const (
	DirectionOut Direction = 0x00 // Host to device (playback)
	DirectionIn  Direction = 0x80 // Device to host (capture)
)

// DirectionOf returns the direction encoded in an endpoint address.
func DirectionOf(endpoint uint8) Direction {
	return Direction(endpoint & 0x80)
}

// String returns "in" or "out".
func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports whether the data stage flows from device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// EndpointDescriptor describes an endpoint found in a configuration.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// MaxIsoPackets is the largest number of packets a single isochronous
// transfer may carry.
const MaxIsoPackets = 32

// IsoPacket is the per-packet descriptor of an isochronous transfer.
type IsoPacket struct {
	Length       int                // Requested length in bytes
	ActualLength int                // Bytes actually transferred
	Status       pkg.TransferStatus // Per-packet completion status
}

// IsoTransfer describes one asynchronous isochronous transfer.
//
// The caller owns Buffer for the lifetime of the descriptor. A transport
// owns the descriptor from a successful SubmitIsochronous until Callback
// runs; the callback always runs on the goroutine inside HandleEvents.
type IsoTransfer struct {
	Endpoint   uint8                // Endpoint address including direction bit
	Buffer     []byte               // Backing storage for all packets
	Length     int                  // Bytes to transfer, at most len(Buffer)
	NumPackets int                  // Number of packets, at most MaxIsoPackets
	Packets    []IsoPacket          // Packet descriptors, NumPackets long
	Timeout    time.Duration        // Zero means no timeout
	Callback   func(x *IsoTransfer) // Completion callback
	UserData   any                  // Opaque caller data

	// Completion results, valid inside Callback.
	Status       pkg.TransferStatus
	ActualLength int

	// Transport-private state.
	Handle any
}

// Direction returns the direction of the transfer's endpoint.
func (x *IsoTransfer) Direction() Direction {
	return DirectionOf(x.Endpoint)
}

// Reset prepares the descriptor for a new submission with n packets.
func (x *IsoTransfer) Reset(endpoint uint8, length, n int) {
	x.Endpoint = endpoint
	x.Length = length
	x.NumPackets = n
	if cap(x.Packets) < n {
		x.Packets = make([]IsoPacket, n)
	}
	x.Packets = x.Packets[:n]
	for i := range x.Packets {
		x.Packets[i] = IsoPacket{}
	}
	x.Status = pkg.TransferStatusSuccess
	x.ActualLength = 0
}

// PacketOffset returns the byte offset of packet i within Buffer. Packets
// are laid out back to back using their requested lengths.
func (x *IsoTransfer) PacketOffset(i int) int {
	off := 0
	for j := 0; j < i && j < len(x.Packets); j++ {
		off += x.Packets[j].Length
	}
	return off
}

// PacketBuffer returns the bytes actually transferred by packet i.
func (x *IsoTransfer) PacketBuffer(i int) []byte {
	if i < 0 || i >= len(x.Packets) {
		return nil
	}
	off := x.PacketOffset(i)
	end := off + x.Packets[i].ActualLength
	if end > len(x.Buffer) {
		end = len(x.Buffer)
	}
	if off > end {
		return nil
	}
	return x.Buffer[off:end]
}

// SetPacketLengths gives every packet the same requested length. The last
// packet is shortened so the packets sum to Length.
func (x *IsoTransfer) SetPacketLengths(size int) {
	remaining := x.Length
	for i := range x.Packets {
		n := size
		if n > remaining {
			n = remaining
		}
		if n < 0 {
			n = 0
		}
		x.Packets[i].Length = n
		remaining -= n
	}
}

// Transport is the device capability the streaming core consumes.
//
// A Transport is opened and configured by its constructor. ControlTransfer,
// ClaimInterface, ReleaseInterface and SetAltSetting may be called from any
// goroutine. SubmitIsochronous, CancelTransfer and HandleEvents are driven
// by a single dispatch goroutine, and completion callbacks only ever run
// inside HandleEvents.
type Transport interface {
	// ControlTransfer performs a synchronous control transfer on endpoint 0.
	// For IN requests data is filled with the response. Returns the number
	// of bytes transferred in the data stage.
	ControlTransfer(ctx context.Context, setup *SetupPacket, data []byte, timeout time.Duration) (int, error)

	// SubmitIsochronous queues an isochronous transfer. The descriptor's
	// Callback runs exactly once from a later HandleEvents call.
	SubmitIsochronous(x *IsoTransfer) error

	// SetIsoPacketLengths assigns every packet of x the given length.
	SetIsoPacketLengths(x *IsoTransfer, size int)

	// CancelTransfer requests cancellation of a submitted transfer. The
	// callback still runs, with TransferStatusCancelled.
	CancelTransfer(x *IsoTransfer) error

	// HandleEvents waits up to timeout for completions and runs their
	// callbacks on the calling goroutine. A timeout with no events is not
	// an error.
	HandleEvents(timeout time.Duration) error

	// ClaimInterface claims exclusive access to an interface, detaching any
	// kernel driver bound to it.
	ClaimInterface(iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(iface uint8) error

	// SetAltSetting selects an alternate setting of a claimed interface.
	SetAltSetting(iface, alt uint8) error

	// Close releases all resources associated with the transport.
	Close() error
}
