//go:build linux && (386 || amd64 || arm || arm64 || riscv64 || loong64 || s390x)

package linux

import "unsafe"

// ioctl encoding shared by the architectures that use the generic _IOC
// layout:
//
//	bits 0-7:   command number (nr)
//	bits 8-15:  ioctl type (type)
//	bits 16-29: argument size (size)
//	bits 30-31: direction (dir)

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// ioc constructs an ioctl number from direction, type, number, and size.
func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func ior(typ, nr, size uintptr) uintptr { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }
func ion(typ, nr uintptr) uintptr { return ioc(iocNone, typ, nr, 0) }

// usbdevfs ioctl type character.
const usbdevfsType = 'U'

// usbdevfs ioctl command numbers.
const (
	ioctlControl          = 0
	ioctlSetInterface     = 4
	ioctlSubmitURB        = 10
	ioctlDiscardURB       = 11
	ioctlReapURBNDelay    = 13
	ioctlClaimInterface   = 15
	ioctlReleaseInterface = 16
	ioctlIoctl            = 18
	ioctlDisconnect       = 22
	ioctlConnect          = 23
)

// Argument sizes follow the Go mirrors of the kernel structures, which have
// the same layout as their C counterparts on every architecture above.
const (
	sizeofCtrlTransfer = unsafe.Sizeof(ctrlTransfer{})
	sizeofSetInterface = unsafe.Sizeof(setInterface{})
	sizeofURB          = unsafe.Sizeof(urb{})
	sizeofIoctl        = unsafe.Sizeof(usbIoctl{})
	sizeofInt          = 4
	sizeofPointer      = unsafe.Sizeof(uintptr(0))
)

// Usbdevfs ioctl numbers.
var (
	ioctlUsbdevfsControl          = iowr(usbdevfsType, ioctlControl, sizeofCtrlTransfer)
	ioctlUsbdevfsSetInterface     = ior(usbdevfsType, ioctlSetInterface, sizeofSetInterface)
	ioctlUsbdevfsSubmitURB        = ior(usbdevfsType, ioctlSubmitURB, sizeofURB)
	ioctlUsbdevfsDiscardURB       = ion(usbdevfsType, ioctlDiscardURB)
	ioctlUsbdevfsReapURBNDelay    = iow(usbdevfsType, ioctlReapURBNDelay, sizeofPointer)
	ioctlUsbdevfsClaimInterface   = ior(usbdevfsType, ioctlClaimInterface, sizeofInt)
	ioctlUsbdevfsReleaseInterface = ior(usbdevfsType, ioctlReleaseInterface, sizeofInt)
	ioctlUsbdevfsIoctl            = iowr(usbdevfsType, ioctlIoctl, sizeofIoctl)
	ioctlUsbdevfsDisconnect       = ion(usbdevfsType, ioctlDisconnect)
	ioctlUsbdevfsConnect          = ion(usbdevfsType, ioctlConnect)
)
