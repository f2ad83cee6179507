//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pkg"
)

// closeDrainTimeout bounds how long Close waits for discarded URBs.
const closeDrainTimeout = time.Second

// Transport implements [hal.Transport] over one usbfs device node.
type Transport struct {
	fd   int
	path string

	mu       sync.Mutex
	pending  map[uintptr]*submission // keyed by URB address
	free     []*submission
	claimed  uint32 // bitmask of claimed interfaces
	detached uint32 // interfaces whose kernel driver we detached
	gone     bool
	closed   bool
}

var _ hal.Transport = (*Transport)(nil)

// submission is one URB owned by the kernel between SubmitIsochronous and
// the reap that completes it.
type submission struct {
	u        isoURB
	x        *hal.IsoTransfer
	pin      runtime.Pinner
	deadline time.Time
	timedOut bool
}

func (s *submission) addr() uintptr {
	return uintptr(unsafe.Pointer(&s.u))
}

// Open opens the usbfs device node at path, e.g. /dev/bus/usb/001/004.
func Open(path string) (*Transport, error) {
	fd, err := openDevice(path)
	if err != nil {
		return nil, pkg.NewTransportError("open "+path, mapErrno(err))
	}
	pkg.LogDebug(pkg.ComponentTransport, "device opened", "path", path, "fd", fd)
	return &Transport{
		fd:      fd,
		path:    path,
		pending: make(map[uintptr]*submission),
	}, nil
}

// OpenVIDPID opens the first device with the given vendor and product IDs.
func OpenVIDPID(vid, pid uint16) (*Transport, error) {
	info, err := Find(vid, pid)
	if err != nil {
		return nil, pkg.NewTransportError("find", err)
	}
	return Open(info.Path)
}

// Path returns the device node the transport was opened on.
func (t *Transport) Path() string {
	return t.path
}

// Descriptors returns the raw descriptors of the active configuration,
// starting with the configuration descriptor.
func (t *Transport) Descriptors() ([]byte, error) {
	buf := make([]byte, 64*1024)
	n, err := unix.Pread(t.fd, buf, 0)
	if err != nil {
		return nil, pkg.NewTransportError("read descriptors", mapErrno(err))
	}
	return configDescriptor(buf[:n])
}

// configDescriptor extracts the first configuration from the device
// descriptor plus configurations blob usbfs returns on read.
func configDescriptor(raw []byte) ([]byte, error) {
	if len(raw) < DeviceDescriptorSize || int(raw[0]) > len(raw) {
		return nil, pkg.ErrDescriptorTooShort
	}
	cfg := raw[raw[0]:]
	if len(cfg) < 4 {
		return nil, pkg.ErrDescriptorTooShort
	}
	total := int(cfg[2]) | int(cfg[3])<<8
	if total > len(cfg) {
		return nil, pkg.ErrDescriptorTooShort
	}
	return cfg[:total], nil
}

// =============================================================================
// Control Transfers and Interfaces
// =============================================================================

// ControlTransfer implements hal.Transport.
func (t *Transport) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := t.check(); err != nil {
		return 0, err
	}
	if int(setup.Length) > len(data) || setup.Length > MaxControlTransferSize {
		return 0, pkg.ErrBufferTooSmall
	}
	if d, ok := ctx.Deadline(); ok {
		timeout = max(min(timeout, time.Until(d)), time.Millisecond)
	}
	n, err := doControlTransfer(t.fd, setup, data[:setup.Length], uint32(timeout.Milliseconds()))
	if err != nil {
		return 0, t.noteErr(mapErrno(err))
	}
	return n, nil
}

// ClaimInterface implements hal.Transport. A kernel driver bound to the
// interface is detached first and remembered for ReleaseInterface.
func (t *Transport) ClaimInterface(iface uint8) error {
	if iface >= MaxInterfacesPerDevice {
		return pkg.ErrInvalidParameter
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return err
	}
	mask := uint32(1) << iface
	if t.claimed&mask != 0 {
		return nil
	}

	switch err := disconnectDriver(t.fd, iface); {
	case err == nil:
		t.detached |= mask
		pkg.LogInfo(pkg.ComponentTransport, "kernel driver detached", "interface", iface)
	case isNoData(err):
	default:
		pkg.LogDebug(pkg.ComponentTransport, "driver detach failed",
			"interface", iface, "error", err)
	}

	if err := claimInterface(t.fd, iface); err != nil {
		return t.noteErrLocked(mapErrno(err))
	}
	t.claimed |= mask
	return nil
}

// ReleaseInterface implements hal.Transport.
func (t *Transport) ReleaseInterface(iface uint8) error {
	if iface >= MaxInterfacesPerDevice {
		return pkg.ErrInvalidParameter
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(iface)
}

func (t *Transport) releaseLocked(iface uint8) error {
	mask := uint32(1) << iface
	if t.claimed&mask == 0 {
		return nil
	}
	t.claimed &^= mask
	err := releaseInterface(t.fd, iface)

	if t.detached&mask != 0 && !t.gone {
		t.detached &^= mask
		if cerr := connectDriver(t.fd, iface); cerr != nil {
			pkg.LogWarn(pkg.ComponentTransport, "driver reattach failed",
				"interface", iface, "error", cerr)
		}
	}
	if err != nil {
		return t.noteErrLocked(mapErrno(err))
	}
	return nil
}

// SetAltSetting implements hal.Transport.
func (t *Transport) SetAltSetting(iface, alt uint8) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := setAltSetting(t.fd, iface, alt); err != nil {
		return t.noteErr(mapErrno(err))
	}
	return nil
}

// =============================================================================
// Isochronous Transfers
// =============================================================================

// SetIsoPacketLengths implements hal.Transport.
func (t *Transport) SetIsoPacketLengths(x *hal.IsoTransfer, size int) {
	x.SetPacketLengths(size)
}

// SubmitIsochronous implements hal.Transport.
func (t *Transport) SubmitIsochronous(x *hal.IsoTransfer) error {
	if x.Callback == nil || x.NumPackets < 1 || x.NumPackets > hal.MaxIsoPackets ||
		x.NumPackets != len(x.Packets) || x.Length < 1 || x.Length > len(x.Buffer) {
		return pkg.ErrInvalidParameter
	}
	total := 0
	for _, p := range x.Packets {
		total += p.Length
	}
	if total != x.Length {
		return pkg.ErrInvalidParameter
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return err
	}
	if s, ok := x.Handle.(*submission); ok && s.x == x {
		return pkg.ErrBusy
	}

	s := t.alloc()
	s.x = x
	s.timedOut = false
	s.deadline = time.Time{}
	if x.Timeout > 0 {
		s.deadline = time.Now().Add(x.Timeout)
	}

	u := &s.u
	u.urb = urb{
		typ:             URBTypeISO,
		endpoint:        x.Endpoint,
		flags:           URBISOAsap,
		buffer:          uintptr(unsafe.Pointer(&x.Buffer[0])),
		bufferLength:    int32(x.Length),
		numberOfPackets: int32(x.NumPackets),
	}
	for i := 0; i < x.NumPackets; i++ {
		u.packets[i] = isoPacketDesc{length: uint32(x.Packets[i].Length)}
	}

	s.pin.Pin(&x.Buffer[0])
	s.pin.Pin(s)
	if err := submitURB(t.fd, u); err != nil {
		s.pin.Unpin()
		s.x = nil
		t.free = append(t.free, s)
		return t.noteErrLocked(mapErrno(err))
	}

	x.Handle = s
	t.pending[s.addr()] = s
	return nil
}

// CancelTransfer implements hal.Transport.
func (t *Transport) CancelTransfer(x *hal.IsoTransfer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := x.Handle.(*submission)
	if !ok || s.x != x {
		return pkg.ErrInvalidState
	}
	if _, ok := t.pending[s.addr()]; !ok {
		return pkg.ErrInvalidState
	}
	// EINVAL means the URB already completed and waits to be reaped.
	if err := discardURB(t.fd, &s.u); err != nil && !isInvalid(err) {
		return t.noteErrLocked(mapErrno(err))
	}
	return nil
}

// HandleEvents implements hal.Transport. It waits up to timeout for the
// device to report completions, then reaps every completed URB and runs
// its callback.
func (t *Transport) HandleEvents(timeout time.Duration) error {
	done, err := t.reap()
	if err != nil || len(done) > 0 {
		t.finish(done)
		return err
	}

	hangup, perr := pollCompletions(t.fd, t.pollTimeout(timeout))
	switch {
	case errors.Is(perr, unix.EINTR):
		return nil
	case perr != nil:
		return pkg.NewTransportError("poll", mapErrno(perr))
	}
	if hangup {
		t.mu.Lock()
		if !t.gone {
			pkg.LogWarn(pkg.ComponentTransport, "device disconnected", "path", t.path)
		}
		t.gone = true
		t.mu.Unlock()
	}

	t.expire()
	done, err = t.reap()
	t.finish(done)
	return err
}

// pollTimeout shortens timeout to the earliest pending transfer deadline.
// pollCompletions waits up to wait for fd to turn writable, which is how
// usbfs signals reapable URBs. It reports whether the device went away.
func pollCompletions(fd int, wait time.Duration) (hangup bool, err error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, int(wait.Milliseconds()))
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0, nil
}

func (t *Transport) pollTimeout(timeout time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, s := range t.pending {
		if s.deadline.IsZero() || s.timedOut {
			continue
		}
		timeout = min(timeout, max(s.deadline.Sub(now), 0))
	}
	return timeout
}

// expire discards pending transfers whose deadline has passed.
func (t *Transport) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, s := range t.pending {
		if s.deadline.IsZero() || s.timedOut || now.Before(s.deadline) {
			continue
		}
		s.timedOut = true
		_ = discardURB(t.fd, &s.u)
	}
}

// reap collects every URB the kernel has completed. A vanished device is
// reported once nothing is left to reap.
func (t *Transport) reap() ([]*submission, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, pkg.ErrClosed
	}

	var done []*submission
	for {
		addr, err := reapURBNDelay(t.fd)
		if err != nil {
			if isAgain(err) {
				break
			}
			if errors.Is(err, unix.ENODEV) {
				t.gone = true
				break
			}
			return done, pkg.NewTransportError("reap", mapErrno(err))
		}
		s, ok := t.pending[addr]
		if !ok {
			pkg.LogWarn(pkg.ComponentTransport, "reaped unknown URB", "addr", addr)
			continue
		}
		delete(t.pending, addr)
		done = append(done, s)
	}

	if len(done) == 0 && t.gone {
		return nil, pkg.ErrNoDevice
	}
	return done, nil
}

// finish copies completion results into each transfer, recycles the
// submission and runs the callback. Callers do not hold t.mu.
func (t *Transport) finish(done []*submission) {
	for _, s := range done {
		x := s.x
		u := &s.u

		x.Status = urbStatus(u.status)
		if s.timedOut && x.Status == pkg.TransferStatusCancelled {
			x.Status = pkg.TransferStatusTimeout
		}
		x.ActualLength = 0
		for i := range x.Packets {
			p := &x.Packets[i]
			p.ActualLength = int(u.packets[i].actualLength)
			p.Status = urbStatus(int32(u.packets[i].status))
			x.ActualLength += p.ActualLength
		}

		s.pin.Unpin()
		s.x = nil
		x.Handle = nil

		t.mu.Lock()
		t.free = append(t.free, s)
		t.mu.Unlock()

		x.Callback(x)
	}
}

// alloc pops a submission from the free list. Callers hold t.mu.
func (t *Transport) alloc() *submission {
	if n := len(t.free); n > 0 {
		s := t.free[n-1]
		t.free = t.free[:n-1]
		return s
	}
	return new(submission)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close implements hal.Transport. Pending transfers are discarded without
// completion, claimed interfaces are released, and the device node is
// closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	for _, s := range t.pending {
		_ = discardURB(t.fd, &s.u)
	}
	// Discarded URBs must be reaped before their memory is released.
	deadline := time.Now().Add(closeDrainTimeout)
	for len(t.pending) > 0 && time.Now().Before(deadline) {
		addr, err := reapURBNDelay(t.fd)
		if err != nil {
			if isAgain(err) {
				time.Sleep(time.Millisecond)
				continue
			}
			break
		}
		if s, ok := t.pending[addr]; ok {
			s.pin.Unpin()
			delete(t.pending, addr)
		}
	}
	for addr, s := range t.pending {
		s.pin.Unpin()
		delete(t.pending, addr)
	}

	for i := uint8(0); i < MaxInterfacesPerDevice; i++ {
		_ = t.releaseLocked(i)
	}

	t.closed = true
	err := unix.Close(t.fd)
	pkg.LogDebug(pkg.ComponentTransport, "device closed", "path", t.path)
	if err != nil {
		return fmt.Errorf("close %s: %w", t.path, err)
	}
	return nil
}

// check is usable for callers that do not hold t.mu.
func (t *Transport) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usable()
}

// usable reports why the transport cannot be used, if it cannot.
func (t *Transport) usable() error {
	switch {
	case t.closed:
		return pkg.ErrClosed
	case t.gone:
		return pkg.ErrNoDevice
	}
	return nil
}

// noteErr records a disconnect reported by a synchronous request.
func (t *Transport) noteErr(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noteErrLocked(err)
}

func (t *Transport) noteErrLocked(err error) error {
	if errors.Is(err, pkg.ErrNoDevice) {
		t.gone = true
	}
	return err
}
