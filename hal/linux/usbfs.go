//go:build linux

package linux

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pkg"
)

// =============================================================================
// Kernel Structures
// =============================================================================

// urb mirrors the fixed part of struct usbdevfs_urb. The iso packet
// descriptors follow it directly in memory; see isoURB.
type urb struct {
	typ             uint8   // URB type (control, bulk, interrupt, iso)
	endpoint        uint8   // Endpoint address
	status          int32   // Negative errno after completion
	flags           uint32  // URB flags
	buffer          uintptr // Pointer to data buffer
	bufferLength    int32   // Length of data buffer
	actualLength    int32   // Actual bytes transferred
	startFrame      int32   // Start frame for ISO transfers
	numberOfPackets int32   // ISO packet count (union with stream_id)
	errorCount      int32   // Number of failed ISO packets
	signr           uint32  // Signal number for async notification
	userContext     uintptr // Opaque user pointer
}

// isoPacketDesc mirrors struct usbdevfs_iso_packet_desc.
type isoPacketDesc struct {
	length       uint32 // Requested length
	actualLength uint32 // Bytes transferred
	status       uint32 // Negative errno stored as unsigned
}

// isoURB is a URB followed by its flexible iso_frame_desc array.
type isoURB struct {
	urb
	packets [hal.MaxIsoPackets]isoPacketDesc
}

// ctrlTransfer mirrors struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8   // bmRequestType
	request     uint8   // bRequest
	value       uint16  // wValue
	index       uint16  // wIndex
	length      uint16  // wLength
	timeout     uint32  // Timeout in milliseconds
	data        uintptr // Data buffer pointer
}

// setInterface mirrors struct usbdevfs_setinterface.
type setInterface struct {
	iface      uint32
	altSetting uint32
}

// usbIoctl mirrors struct usbdevfs_ioctl, used to address a driver ioctl
// to one interface.
type usbIoctl struct {
	ifno int32
	code int32
	data uintptr
}

// =============================================================================
// Syscall Wrappers
// =============================================================================

// openDevice opens a USB device node for read/write access.
func openDevice(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

// ioctlRetval performs an ioctl and returns its result value.
func ioctlRetval(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// ioctlRaw performs an ioctl and discards its result value.
func ioctlRaw(fd int, req uintptr, arg unsafe.Pointer) error {
	_, err := ioctlRetval(fd, req, arg)
	return err
}

// =============================================================================
// USBDEVFS Operations
// =============================================================================

// doControlTransfer performs a synchronous control transfer.
func doControlTransfer(fd int, setup *hal.SetupPacket, data []byte, timeoutMs uint32) (int, error) {
	ctrl := ctrlTransfer{
		requestType: setup.RequestType,
		request:     setup.Request,
		value:       setup.Value,
		index:       setup.Index,
		length:      setup.Length,
		timeout:     timeoutMs,
	}
	if len(data) > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctlRetval(fd, ioctlUsbdevfsControl, unsafe.Pointer(&ctrl))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// claimInterface claims exclusive access to an interface.
func claimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	return ioctlRaw(fd, ioctlUsbdevfsClaimInterface, unsafe.Pointer(&n))
}

// releaseInterface releases a previously claimed interface.
func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	return ioctlRaw(fd, ioctlUsbdevfsReleaseInterface, unsafe.Pointer(&n))
}

// setAltSetting selects an alternate setting of a claimed interface.
func setAltSetting(fd int, iface, alt uint8) error {
	s := setInterface{iface: uint32(iface), altSetting: uint32(alt)}
	return ioctlRaw(fd, ioctlUsbdevfsSetInterface, unsafe.Pointer(&s))
}

// disconnectDriver detaches the kernel driver bound to an interface.
// ENODATA means no driver was bound.
func disconnectDriver(fd int, iface uint8) error {
	cmd := usbIoctl{ifno: int32(iface), code: int32(ioctlUsbdevfsDisconnect)}
	return ioctlRaw(fd, ioctlUsbdevfsIoctl, unsafe.Pointer(&cmd))
}

// connectDriver asks the kernel to probe drivers for an interface again.
func connectDriver(fd int, iface uint8) error {
	cmd := usbIoctl{ifno: int32(iface), code: int32(ioctlUsbdevfsConnect)}
	return ioctlRaw(fd, ioctlUsbdevfsIoctl, unsafe.Pointer(&cmd))
}

// submitURB submits a URB for asynchronous processing.
func submitURB(fd int, u *isoURB) error {
	return ioctlRaw(fd, ioctlUsbdevfsSubmitURB, unsafe.Pointer(u))
}

// reapURBNDelay retrieves the address of a completed URB without blocking.
// Returns EAGAIN if no URB is available.
func reapURBNDelay(fd int) (uintptr, error) {
	var addr uintptr
	if err := ioctlRaw(fd, ioctlUsbdevfsReapURBNDelay, unsafe.Pointer(&addr)); err != nil {
		return 0, err
	}
	return addr, nil
}

// discardURB cancels a pending URB.
func discardURB(fd int, u *isoURB) error {
	return ioctlRaw(fd, ioctlUsbdevfsDiscardURB, unsafe.Pointer(u))
}

// =============================================================================
// Error Helpers
// =============================================================================

// mapErrno translates an errno from a usbfs ioctl into the matching pkg
// sentinel. The errno stays in the chain.
func mapErrno(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	var sentinel error
	switch errno {
	case unix.ENODEV, unix.ESHUTDOWN, unix.ENXIO:
		sentinel = pkg.ErrNoDevice
	case unix.ETIMEDOUT:
		sentinel = pkg.ErrTimeout
	case unix.EPIPE:
		sentinel = pkg.ErrStall
	case unix.EBUSY:
		sentinel = pkg.ErrBusy
	case unix.EINTR:
		sentinel = pkg.ErrInterrupted
	case unix.ENOSPC:
		sentinel = pkg.ErrBandwidth
	case unix.ENOMEM:
		sentinel = pkg.ErrNoResources
	case unix.EINVAL:
		sentinel = pkg.ErrInvalidParameter
	case unix.EOVERFLOW:
		sentinel = pkg.ErrOverrun
	case unix.EPROTO, unix.EILSEQ:
		sentinel = pkg.ErrProtocol
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, errno)
}

// urbStatus translates the negative errno a URB or iso packet completed
// with into a transfer status.
func urbStatus(code int32) pkg.TransferStatus {
	switch unix.Errno(-code) {
	case 0:
		return pkg.TransferStatusSuccess
	case unix.ENOENT, unix.ECONNRESET:
		return pkg.TransferStatusCancelled
	case unix.ENODEV, unix.ESHUTDOWN:
		return pkg.TransferStatusNoDevice
	case unix.EPIPE:
		return pkg.TransferStatusStall
	case unix.ETIMEDOUT:
		return pkg.TransferStatusTimeout
	case unix.EOVERFLOW, unix.ECOMM:
		return pkg.TransferStatusOverrun
	case unix.ENOSR:
		return pkg.TransferStatusUnderrun
	case unix.EXDEV, unix.EREMOTEIO:
		// Some iso packets failed or came back short; the packet
		// descriptors carry the detail.
		return pkg.TransferStatusSuccess
	}
	return pkg.TransferStatusError
}

func isAgain(err error) bool   { return errors.Is(err, unix.EAGAIN) }
func isNoData(err error) bool  { return errors.Is(err, unix.ENODATA) }
func isInvalid(err error) bool { return errors.Is(err, unix.EINVAL) }
