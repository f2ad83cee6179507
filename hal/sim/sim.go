package sim

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gopxl/beep"

	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pcm"
	"github.com/ardnew/softuac/pkg"
)

// Audio class encodings understood by the simulated device.
const (
	requestKindMask   = 0x0F
	kindCur           = 0x01
	kindMin           = 0x02
	kindMax           = 0x03
	selectorMute      = 0x01
	selectorVolume    = 0x02
	selectorFrequency = 0x01
)

// controlKey addresses one register: the wValue and wIndex of the request
// and whether it holds the current, minimum or maximum value.
type controlKey struct {
	value uint16
	index uint16
	kind  uint8
}

// Request is a recorded control request.
type Request struct {
	Setup hal.SetupPacket
	Data  []byte // Payload sent, or response returned
	Err   error
}

// pendingTransfer is an isochronous transfer owned by the device.
type pendingTransfer struct {
	x      *hal.IsoTransfer
	due    time.Time
	status pkg.TransferStatus
}

// Device is an in-memory USB audio device implementing [hal.Transport].
// It is safe for concurrent use; completion callbacks run on the goroutine
// calling HandleEvents.
type Device struct {
	mu        sync.Mutex
	controls  map[controlKey][]byte
	supported map[controlKey][][]byte
	requests  []Request
	claimed   map[uint8]bool
	alts      map[uint8]uint8

	pending  []*pendingTransfer
	wake     chan struct{}
	interval time.Duration
	latency  [2]time.Duration
	clock    [2]time.Time

	source       func(p []byte)
	counter      byte
	played       []byte
	shortBy      int
	submissions  [2]int
	inFlight     [2]int
	maxInFlight  [2]int
	nextStatus   [2][]pkg.TransferStatus
	failControl  error
	failEvents   []error
	failSubmit   error
	disconnected bool
	closed       bool
}

var _ hal.Transport = (*Device)(nil)

// Option configures a simulated device.
type Option func(*Device)

// New creates a simulated device. Without options it completes one packet
// per millisecond, fills captures with a byte ramp, and has no controls.
func New(opts ...Option) *Device {
	d := &Device{
		controls:  make(map[controlKey][]byte),
		supported: make(map[controlKey][][]byte),
		claimed:   make(map[uint8]bool),
		alts:      make(map[uint8]uint8),
		wake:      make(chan struct{}, 1),
		interval:  time.Millisecond,
	}
	d.source = d.ramp
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// =============================================================================
// Options
// =============================================================================

// WithPacketInterval sets how long the device takes per isochronous packet.
// Zero completes transfers on the next HandleEvents call.
func WithPacketInterval(d time.Duration) Option {
	return func(dev *Device) {
		dev.interval = d
	}
}

// WithLatency adds a fixed delay to every transfer of one direction.
func WithLatency(dir hal.Direction, d time.Duration) Option {
	return func(dev *Device) {
		dev.latency[dirIndex(dir)] = d
	}
}

// WithControl seeds a raw control register.
func WithControl(value, index uint16, kind uint8, data []byte) Option {
	return func(dev *Device) {
		dev.controls[controlKey{value, index, kind}] = slices.Clone(data)
	}
}

// WithVolume seeds the volume registers of a feature unit.
func WithVolume(unit, iface uint8, cur, lo, hi int16) Option {
	return func(dev *Device) {
		value := uint16(selectorVolume) << 8
		index := uint16(unit)<<8 | uint16(iface)
		dev.controls[controlKey{value, index, kindCur}] = le16(cur)
		dev.controls[controlKey{value, index, kindMin}] = le16(lo)
		dev.controls[controlKey{value, index, kindMax}] = le16(hi)
	}
}

// WithMute seeds the mute register of a feature unit.
func WithMute(unit, iface uint8, muted bool) Option {
	return func(dev *Device) {
		value := uint16(selectorMute) << 8
		index := uint16(unit)<<8 | uint16(iface)
		var b byte
		if muted {
			b = 1
		}
		dev.controls[controlKey{value, index, kindCur}] = []byte{b}
	}
}

// WithSampleRate seeds the sampling frequency of an endpoint. When rates
// are given, SET requests for any other rate are accepted but ignored.
func WithSampleRate(endpoint uint8, rate uint32, rates ...uint32) Option {
	return func(dev *Device) {
		key := controlKey{uint16(selectorFrequency) << 8, uint16(endpoint), kindCur}
		dev.controls[key] = le24(rate)
		if len(rates) > 0 {
			for _, r := range rates {
				dev.supported[key] = append(dev.supported[key], le24(r))
			}
		}
	}
}

// WithCaptureSource replaces the capture generator. fn fills p with the
// next captured bytes.
func WithCaptureSource(fn func(p []byte)) Option {
	return func(dev *Device) {
		dev.source = fn
	}
}

// WithTone captures a 24-bit mono sine wave.
func WithTone(rate int, freq float64) Option {
	return func(dev *Device) {
		dev.source = StreamerSource(pcm.Tone(rate, freq, 0.5), pcm.Format{
			SampleRate: rate, Channels: 1, BytesPerSample: 3,
		})
	}
}

// WithShortPackets makes every IN packet deliver n bytes fewer than
// requested.
func WithShortPackets(n int) Option {
	return func(dev *Device) {
		dev.shortBy = n
	}
}

// StreamerSource adapts a beep streamer into a capture source producing
// PCM in format f.
func StreamerSource(s beep.Streamer, f pcm.Format) func(p []byte) {
	var carry []byte
	frame := f.FrameSize()
	return func(p []byte) {
		for len(carry) < len(p) {
			n := (len(p)-len(carry))/frame + 1
			data, err := pcm.Encode(beep.Take(n, s), f)
			if err != nil || len(data) == 0 {
				clear(p)
				return
			}
			carry = append(carry, data...)
		}
		copy(p, carry)
		carry = carry[len(p):]
	}
}

func (d *Device) ramp(p []byte) {
	for i := range p {
		p[i] = d.counter
		d.counter++
	}
}

// =============================================================================
// Control Transfers
// =============================================================================

// ControlTransfer implements hal.Transport.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	req := Request{Setup: *setup}
	n, err := d.control(setup, data)
	if n > 0 {
		req.Data = slices.Clone(data[:n])
	}
	req.Err = err
	d.requests = append(d.requests, req)
	return n, err
}

func (d *Device) control(setup *hal.SetupPacket, data []byte) (int, error) {
	switch {
	case d.closed:
		return 0, pkg.ErrClosed
	case d.disconnected:
		return 0, pkg.ErrNoDevice
	case d.failControl != nil:
		err := d.failControl
		d.failControl = nil
		return 0, err
	}

	length := min(int(setup.Length), len(data))
	key := controlKey{setup.Value, setup.Index, setup.Request & requestKindMask}
	if setup.IsIn() {
		reg, ok := d.controls[key]
		if !ok {
			return 0, pkg.ErrStall
		}
		return copy(data[:length], reg), nil
	}

	if key.kind < kindCur || key.kind > kindMax {
		return 0, pkg.ErrStall
	}
	val := slices.Clone(data[:length])
	if rates, ok := d.supported[key]; ok {
		if !slices.ContainsFunc(rates, func(r []byte) bool { return slices.Equal(r, val) }) {
			return length, nil
		}
	}
	d.controls[key] = val
	return length, nil
}

// Requests returns every control request received, in order.
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.requests)
}

// Control returns the raw bytes of a control register.
func (d *Device) Control(value, index uint16, kind uint8) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.controls[controlKey{value, index, kind}]
	return slices.Clone(reg), ok
}

// =============================================================================
// Interfaces
// =============================================================================

// ClaimInterface implements hal.Transport.
func (d *Device) ClaimInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	d.claimed[iface] = true
	return nil
}

// ReleaseInterface implements hal.Transport.
func (d *Device) ReleaseInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return pkg.ErrClosed
	}
	if !d.claimed[iface] {
		return pkg.ErrInvalidState
	}
	delete(d.claimed, iface)
	delete(d.alts, iface)
	return nil
}

// SetAltSetting implements hal.Transport.
func (d *Device) SetAltSetting(iface, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	if !d.claimed[iface] {
		return pkg.ErrInvalidState
	}
	d.alts[iface] = alt
	return nil
}

// Claimed reports whether iface is claimed.
func (d *Device) Claimed(iface uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimed[iface]
}

// AltSetting returns the selected alternate setting of iface.
func (d *Device) AltSetting(iface uint8) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alts[iface]
}

// =============================================================================
// Isochronous Transfers
// =============================================================================

// SetIsoPacketLengths implements hal.Transport.
func (d *Device) SetIsoPacketLengths(x *hal.IsoTransfer, size int) {
	x.SetPacketLengths(size)
}

// SubmitIsochronous implements hal.Transport.
func (d *Device) SubmitIsochronous(x *hal.IsoTransfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.usable(); err != nil {
		return err
	}
	if d.failSubmit != nil {
		err := d.failSubmit
		d.failSubmit = nil
		return err
	}
	if x.Callback == nil || x.Length > len(x.Buffer) || x.NumPackets != len(x.Packets) {
		return pkg.ErrInvalidParameter
	}
	if d.find(x) >= 0 {
		return pkg.ErrBusy
	}

	i := dirIndex(x.Direction())
	now := time.Now()
	start := d.clock[i]
	if start.Before(now) {
		start = now
	}
	d.clock[i] = start.Add(d.interval * time.Duration(x.NumPackets))

	status := pkg.TransferStatusSuccess
	if q := d.nextStatus[i]; len(q) > 0 {
		status, d.nextStatus[i] = q[0], q[1:]
	}

	d.pending = append(d.pending, &pendingTransfer{
		x:      x,
		due:    d.clock[i].Add(d.latency[i]),
		status: status,
	})
	d.submissions[i]++
	d.inFlight[i]++
	d.maxInFlight[i] = max(d.maxInFlight[i], d.inFlight[i])
	d.signal()
	return nil
}

// CancelTransfer implements hal.Transport.
func (d *Device) CancelTransfer(x *hal.IsoTransfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.find(x)
	if i < 0 {
		return pkg.ErrInvalidState
	}
	d.pending[i].status = pkg.TransferStatusCancelled
	d.pending[i].due = time.Time{}
	d.signal()
	return nil
}

// HandleEvents implements hal.Transport. It runs the callbacks of every
// transfer due before the timeout expires, returning as soon as at least
// one has run.
func (d *Device) HandleEvents(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return pkg.ErrClosed
		}
		if len(d.failEvents) > 0 {
			err := d.failEvents[0]
			d.failEvents = d.failEvents[1:]
			d.mu.Unlock()
			return err
		}

		now := time.Now()
		due := d.takeDue(now)
		gone := d.disconnected
		var next time.Time
		for _, p := range d.pending {
			if next.IsZero() || p.due.Before(next) {
				next = p.due
			}
		}
		d.mu.Unlock()

		if len(due) > 0 {
			for _, p := range due {
				p.x.Callback(p.x)
			}
			return nil
		}
		if gone {
			return pkg.ErrNoDevice
		}
		if !now.Before(deadline) {
			return nil
		}

		wait := deadline.Sub(now)
		if !next.IsZero() && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(max(wait, 0))
		select {
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// takeDue removes and finishes every transfer due at now, or every transfer
// when the device is gone. Callers hold d.mu.
func (d *Device) takeDue(now time.Time) []*pendingTransfer {
	var due []*pendingTransfer
	kept := d.pending[:0]
	for _, p := range d.pending {
		if d.disconnected || !p.due.After(now) {
			due = append(due, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(d.pending); i++ {
		d.pending[i] = nil
	}
	d.pending = kept

	for _, p := range due {
		if d.disconnected && p.status != pkg.TransferStatusCancelled {
			p.status = pkg.TransferStatusNoDevice
		}
		d.finish(p)
		d.inFlight[dirIndex(p.x.Direction())]--
	}
	return due
}

// finish fills in the completion results of p.
func (d *Device) finish(p *pendingTransfer) {
	x := p.x
	x.Status = p.status
	x.ActualLength = 0
	if p.status != pkg.TransferStatusSuccess {
		for i := range x.Packets {
			x.Packets[i].ActualLength = 0
			x.Packets[i].Status = p.status
		}
		return
	}

	in := x.Direction() == hal.DirectionIn
	for i := range x.Packets {
		pk := &x.Packets[i]
		off := x.PacketOffset(i)
		n := pk.Length
		if in {
			n = max(n-d.shortBy, 0)
			d.source(x.Buffer[off : off+n])
		} else {
			d.played = append(d.played, x.Buffer[off:off+n]...)
		}
		pk.ActualLength = n
		pk.Status = pkg.TransferStatusSuccess
		x.ActualLength += n
	}
}

func (d *Device) find(x *hal.IsoTransfer) int {
	for i, p := range d.pending {
		if p.x == x {
			return i
		}
	}
	return -1
}

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Device) usable() error {
	switch {
	case d.closed:
		return pkg.ErrClosed
	case d.disconnected:
		return pkg.ErrNoDevice
	}
	return nil
}

// =============================================================================
// Inspection and Fault Injection
// =============================================================================

// Played returns every byte delivered to OUT endpoints, in completion order.
func (d *Device) Played() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.played)
}

// Submissions returns the number of transfers submitted in one direction.
func (d *Device) Submissions(dir hal.Direction) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submissions[dirIndex(dir)]
}

// InFlight returns the number of transfers the device holds in one
// direction.
func (d *Device) InFlight(dir hal.Direction) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[dirIndex(dir)]
}

// MaxInFlight returns the most transfers held at once in one direction.
func (d *Device) MaxInFlight(dir hal.Direction) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight[dirIndex(dir)]
}

// FailNextControl makes the next control request fail with err.
func (d *Device) FailNextControl(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failControl = err
}

// FailNextSubmit makes the next isochronous submission fail with err.
func (d *Device) FailNextSubmit(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSubmit = err
}

// FailHandleEvents queues errors returned by the next HandleEvents calls.
func (d *Device) FailHandleEvents(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failEvents = append(d.failEvents, errs...)
	d.signal()
}

// CompleteNext makes the next transfers submitted in one direction
// complete with the given statuses.
func (d *Device) CompleteNext(dir hal.Direction, statuses ...pkg.TransferStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := dirIndex(dir)
	d.nextStatus[i] = append(d.nextStatus[i], statuses...)
}

// Disconnect simulates unplugging the device. Pending transfers complete
// with TransferStatusNoDevice and later calls fail with pkg.ErrNoDevice.
func (d *Device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = true
	d.signal()
}

// Close implements hal.Transport. Pending transfers are dropped without
// completion.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.pending = nil
	d.inFlight = [2]int{}
	d.signal()
	return nil
}

func dirIndex(dir hal.Direction) int {
	if dir == hal.DirectionIn {
		return 1
	}
	return 0
}

func le16(v int16) []byte {
	return []byte{byte(v), byte(uint16(v) >> 8)}
}

func le24(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}
