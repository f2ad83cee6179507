package uac

import (
	"fmt"
	"time"
)

// Channel selects the logical audio path a control request addresses.
type Channel uint8

// Channels.
const (
	Output Channel = 0 // Host to device playback path
	Input  Channel = 1 // Device to host capture path
)

// String returns a human-readable channel name.
func (c Channel) String() string {
	switch c {
	case Output:
		return "output"
	case Input:
		return "input"
	default:
		return fmt.Sprintf("channel(%d)", c)
	}
}

// Request type bits (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeInterface = 0x01 // Recipient is an interface
	RequestTypeEndpoint  = 0x02 // Recipient is an endpoint
)

// Audio class request codes (bRequest).
const (
	RequestSetCur = 0x01
	RequestSetMin = 0x02
	RequestSetMax = 0x03
	RequestGetCur = 0x81
	RequestGetMin = 0x82
	RequestGetMax = 0x83
)

// Control selectors.
const (
	SelectorMute              = 0x01 // Feature unit mute control
	SelectorVolume            = 0x02 // Feature unit volume control
	SelectorSamplingFrequency = 0x01 // Endpoint sampling frequency control
)

// Control payload widths in bytes.
const (
	VolumeSize            = 2
	MuteSize              = 1
	SamplingFrequencySize = 3
)

// DefaultControlTimeout bounds every control request.
const DefaultControlTimeout = 1000 * time.Millisecond

// requestName returns the mnemonic of an audio class request code.
func requestName(req uint8) string {
	switch req {
	case RequestSetCur:
		return "SET_CUR"
	case RequestSetMin:
		return "SET_MIN"
	case RequestSetMax:
		return "SET_MAX"
	case RequestGetCur:
		return "GET_CUR"
	case RequestGetMin:
		return "GET_MIN"
	case RequestGetMax:
		return "GET_MAX"
	default:
		return fmt.Sprintf("request(0x%02X)", req)
	}
}

// Descriptor constants used by topology discovery.
const (
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
	DescriptorTypeCSInterface   = 0x24

	ClassAudio              = 0x01
	SubclassAudioControl    = 0x01
	SubclassAudioStreaming  = 0x02
	ACSubtypeHeader         = 0x01
	ACSubtypeInputTerminal  = 0x02
	ACSubtypeOutputTerminal = 0x03
	ACSubtypeFeatureUnit    = 0x06
	ASSubtypeGeneral        = 0x01
	ASSubtypeFormatType     = 0x02

	TerminalUSBStreaming = 0x0101
)
