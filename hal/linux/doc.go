// Package linux implements [hal.Transport] on the Linux usbfs interface.
//
// Devices are opened through their /dev/bus/usb/BBB/DDD node and discovered
// through sysfs (/sys/bus/usb/devices). No cgo is involved; every kernel
// request is an ioctl issued through golang.org/x/sys/unix.
//
// # Requirements
//
// The calling user needs read/write access to the device node. That usually
// means running as root or installing a udev rule for the device, e.g.
//
//	SUBSYSTEM=="usb", ATTR{idVendor}=="0d8c", MODE="0666"
//
// Claiming an interface detaches the kernel driver bound to it (normally
// snd-usb-audio). The driver is reattached when the interface is released.
//
// # Isochronous Transfers
//
//   - Transfers are submitted as USBDEVFS_URB_TYPE_ISO URBs with the
//     ISO_ASAP flag, so the host controller schedules them back to back.
//   - HandleEvents polls the device descriptor and reaps completions with
//     USBDEVFS_REAPURBNDELAY on the calling goroutine.
//   - usbfs has no per-URB timeout. A transfer with a Timeout that is still
//     pending when it expires is discarded and completes with
//     TransferStatusTimeout.
//
// Submission descriptors are recycled through a free list, and the transfer
// buffers are pinned for as long as the kernel holds them.
package linux
