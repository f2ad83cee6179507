package linux

// =============================================================================
// Limits
// =============================================================================

// MaxInterfacesPerDevice is the number of interfaces a Transport tracks for
// claiming and driver reattachment.
const MaxInterfacesPerDevice = 32

// MaxControlTransferSize is the largest control data stage usbfs accepts.
const MaxControlTransferSize = 4096

// DeviceDescriptorSize is the length of a standard device descriptor.
const DeviceDescriptorSize = 18

// =============================================================================
// System Paths
// =============================================================================

// SysfsUSBPath is the base path for USB devices in sysfs.
const SysfsUSBPath = "/sys/bus/usb/devices"

// DevfsUSBPath is the base path for USB device nodes.
const DevfsUSBPath = "/dev/bus/usb"

// =============================================================================
// URB Constants
// =============================================================================

// URB transfer types for USBDEVFS_SUBMITURB.
const (
	URBTypeISO       = 0 // Isochronous
	URBTypeInterrupt = 1 // Interrupt
	URBTypeControl   = 2 // Control
	URBTypeBulk      = 3 // Bulk
)

// URB flags.
const (
	URBShortNotOK = 0x01 // Short read is an error
	URBISOAsap    = 0x02 // Schedule ISO transfer after the last queued one
)

// =============================================================================
// Audio Class
// =============================================================================

// USBClassAudio is the interface class code of USB audio functions.
const USBClassAudio = 0x01
