package uac

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ardnew/softuac/engine"
	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pcm"
	"github.com/ardnew/softuac/pkg"
)

// dropLogInterval limits backpressure drop warnings.
const dropLogInterval = time.Second

// LoopbackState is the lifecycle state of a loopback session.
type LoopbackState uint32

// Loopback states.
const (
	LoopbackIdle LoopbackState = iota
	LoopbackRunning
	LoopbackStopping
	LoopbackStopped
)

// String returns a human-readable state name.
func (s LoopbackState) String() string {
	switch s {
	case LoopbackIdle:
		return "idle"
	case LoopbackRunning:
		return "running"
	case LoopbackStopping:
		return "stopping"
	case LoopbackStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// LoopbackStats is a snapshot of a session's counters.
type LoopbackStats struct {
	Captured      uint64 // Sample frames received from the input endpoint
	Played        uint64 // Sample frames accepted by the output endpoint
	Dropped       uint64 // Capture transfers discarded for want of an output slot
	InputStarved  uint64 // Times the pipeline was left with no capture in flight
	CaptureErrors uint64 // Capture transfers that completed unsuccessfully
	PlayErrors    uint64 // Playback transfers that completed unsuccessfully
	Peak          int    // Peak absolute 16-bit level seen on the output
}

// Loopback is a running capture to playback session. Captured 24-bit mono
// frames are widened to 16-bit stereo and sent to the output endpoint as
// soon as each capture transfer completes. When every output slot is busy
// the captured transfer is dropped rather than waiting.
type Loopback struct {
	id       uuid.UUID
	in       EndpointBinding
	out      EndpointBinding
	channels int
	e        *engine.Engine
	state    atomic.Uint32
	limiter  *rate.Limiter

	// Dispatch goroutine only
	level   pcm.Level
	lengths []int

	captured      atomic.Uint64
	played        atomic.Uint64
	dropped       atomic.Uint64
	starved       atomic.Uint64
	captureErrors atomic.Uint64
	playErrors    atomic.Uint64
	peak          atomic.Int64

	stopOnce sync.Once
	err      error
	release  func() // returns the device's stream; runs once
}

// LoopbackBindings derives capture and playback bindings from the current
// sample rates of both channels and the device's formats.
func (d *Device) LoopbackBindings(ctx context.Context) (in, out EndpointBinding, err error) {
	inSize, err := d.InputPacketSize(ctx)
	if err != nil {
		return in, out, err
	}
	outSize, err := d.OutputPacketSize(ctx)
	if err != nil {
		return in, out, err
	}
	ppt := d.packetsPerTransfer()
	in = EndpointBinding{
		Direction:          hal.DirectionIn,
		Endpoint:           d.topo.Input.Endpoint,
		PacketSize:         inSize,
		PacketsPerTransfer: ppt,
	}
	out = EndpointBinding{
		Direction:          hal.DirectionOut,
		Endpoint:           d.topo.Output.Endpoint,
		PacketSize:         outSize,
		PacketsPerTransfer: ppt,
	}
	return in, out, nil
}

// StartLoopback starts a loopback session from in to out and primes
// capture. channels is the capture channel count; zero means mono, which is
// the only layout the converter accepts.
//
// The session runs until StopLoopback, ctx is cancelled, or a fatal
// transport error ends it. However it ends, the session then reads
// [LoopbackStopped] and the device accepts new streams; StopLoopback still
// reports the terminal error of a session that died on its own.
func (d *Device) StartLoopback(ctx context.Context, in, out EndpointBinding, channels int) (*Loopback, error) {
	if channels == 0 {
		channels = 1
	}
	if err := validateLoopback(in, out, channels); err != nil {
		return nil, err
	}
	if err := d.acquireStream(); err != nil {
		return nil, err
	}

	l := &Loopback{
		id:       uuid.New(),
		in:       in,
		out:      out,
		channels: channels,
		limiter:  rate.NewLimiter(rate.Every(dropLogInterval), 1),
		lengths:  make([]int, 0, in.PacketsPerTransfer),
		release:  sync.OnceFunc(d.releaseStream),
	}
	l.e = d.newEngine(
		engine.WithPacketsPerTransfer(in.PacketsPerTransfer),
		engine.WithBufferSize(hal.DirectionIn, in.TransferSize()),
		engine.WithBufferSize(hal.DirectionOut, pcm.ConvertedLen(in.TransferSize())),
		engine.WithOnComplete(hal.DirectionIn, l.onCapture),
		engine.WithOnComplete(hal.DirectionOut, l.onPlayback),
		engine.WithPump(l.pump),
	)

	if err := l.e.Start(ctx); err != nil {
		d.releaseStream()
		return nil, err
	}
	l.state.Store(uint32(LoopbackRunning))

	d.mu.Lock()
	d.loop = l
	d.mu.Unlock()
	go l.settle()

	pkg.LogInfo(pkg.ComponentLoopback, "loopback started",
		"session", l.id,
		"in", fmt.Sprintf("0x%02X", in.Endpoint), "inPacket", in.PacketSize,
		"out", fmt.Sprintf("0x%02X", out.Endpoint), "outPacket", out.PacketSize,
		"packets", in.PacketsPerTransfer, "channels", channels)
	return l, nil
}

// StopLoopback stops the running session and returns its terminal error.
// Returns [pkg.ErrNotRunning] if no session is running.
func (d *Device) StopLoopback() error {
	d.mu.Lock()
	l := d.loop
	d.loop = nil
	d.mu.Unlock()

	if l == nil {
		return pkg.ErrNotRunning
	}
	err := l.Stop()
	l.release()
	return err
}

// Loopback returns the current session, or nil. A session that ended on its
// own stays current until StopLoopback or the next StartLoopback.
func (d *Device) Loopback() *Loopback {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loop
}

func validateLoopback(in, out EndpointBinding, channels int) error {
	if in.Direction != hal.DirectionIn {
		return pkg.Invalid("in.direction", in.Direction, "capture binding must be IN")
	}
	if out.Direction != hal.DirectionOut {
		return pkg.Invalid("out.direction", out.Direction, "playback binding must be OUT")
	}
	if err := in.Validate(); err != nil {
		return err
	}
	if err := out.Validate(); err != nil {
		return err
	}
	if channels != 1 {
		return pkg.Unsupported("channels", channels, "loopback converts mono capture only")
	}
	if in.PacketSize%pcm.CaptureFrameSize != 0 {
		return pkg.Invalid("in.packet_size", in.PacketSize, "not a whole number of capture frames")
	}
	if pcm.ConvertedLen(in.PacketSize) > out.PacketSize {
		return pkg.Invalid("out.packet_size", out.PacketSize,
			fmt.Sprintf("smaller than converted capture packet (%d)", pcm.ConvertedLen(in.PacketSize)))
	}
	return nil
}

// =============================================================================
// Session
// =============================================================================

// ID returns the session identifier.
func (l *Loopback) ID() uuid.UUID {
	return l.id
}

// State returns the current lifecycle state.
func (l *Loopback) State() LoopbackState {
	return LoopbackState(l.state.Load())
}

// Done returns a channel closed when the dispatch goroutine exits, either
// after Stop or because of a fatal error.
func (l *Loopback) Done() <-chan struct{} {
	return l.e.Done()
}

// Err returns the terminal error, if the session died.
func (l *Loopback) Err() error {
	return l.e.Err()
}

// Wait blocks until the dispatch goroutine exits or ctx is done, and returns
// the terminal error.
func (l *Loopback) Wait(ctx context.Context) error {
	select {
	case <-l.e.Done():
		return l.e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop moves the session through Stopping to Stopped and returns the
// terminal error. Further calls return the same error.
func (l *Loopback) Stop() error {
	l.stopOnce.Do(func() {
		l.state.Store(uint32(LoopbackStopping))
		l.err = l.e.Stop()
		l.state.Store(uint32(LoopbackStopped))

		st := l.Stats()
		pkg.LogInfo(pkg.ComponentLoopback, "loopback stopped",
			"session", l.id,
			"captured", st.Captured,
			"played", st.Played,
			"dropped", st.Dropped,
			"starved", st.InputStarved,
			"error", l.err)
	})
	return l.err
}

// settle completes a session whose dispatch goroutine exited without Stop,
// after a fatal error or ctx cancellation.
func (l *Loopback) settle() {
	<-l.e.Done()
	_ = l.Stop()
	l.release()
}

// Stats returns a snapshot of the session counters.
func (l *Loopback) Stats() LoopbackStats {
	return LoopbackStats{
		Captured:      l.captured.Load(),
		Played:        l.played.Load(),
		Dropped:       l.dropped.Load(),
		InputStarved:  l.starved.Load(),
		CaptureErrors: l.captureErrors.Load(),
		PlayErrors:    l.playErrors.Load(),
		Peak:          int(l.peak.Load()),
	}
}

// Engine returns the session's dispatch engine.
func (l *Loopback) Engine() *engine.Engine {
	return l.e
}

// =============================================================================
// Dispatch Hooks
// =============================================================================

// pump keeps every available capture slot submitted.
func (l *Loopback) pump(e *engine.Engine) {
	for {
		s, ok := e.Acquire(hal.DirectionIn)
		if !ok {
			break
		}
		err := e.Submit(s, l.in.Endpoint, l.in.TransferSize(), l.in.PacketSize)
		if err == nil {
			continue
		}
		_ = e.Release(s)
		if pkg.IsFatal(err) {
			e.Fail(err)
			return
		}
		pkg.LogDebug(pkg.ComponentLoopback, "capture submit failed", "session", l.id, "error", err)
		break
	}
	if !e.Stopping() && e.Pool(hal.DirectionIn).InFlight() == 0 {
		l.starved.Add(1)
	}
}

// onCapture converts a completed capture transfer into a playback transfer.
// The capture slot is recycled by the engine once this returns.
func (l *Loopback) onCapture(e *engine.Engine, s *engine.Slot) {
	x := s.Transfer()
	switch x.Status {
	case pkg.TransferStatusSuccess:
	case pkg.TransferStatusCancelled:
		return
	default:
		l.captureErrors.Add(1)
		return
	}
	if e.Stopping() || x.ActualLength == 0 {
		return
	}
	l.captured.Add(uint64(x.ActualLength / pcm.CaptureFrameSize))

	out, ok := e.Acquire(hal.DirectionOut)
	if !ok {
		n := l.dropped.Add(1)
		if l.limiter.Allow() {
			pkg.LogWarn(pkg.ComponentLoopback, "backpressure drop",
				"session", l.id, "dropped", n)
		}
		return
	}

	buf := out.Buffer()
	off := 0
	l.lengths = l.lengths[:0]
	for i := range x.Packets {
		src := x.PacketBuffer(i)
		src = src[:len(src)-len(src)%pcm.CaptureFrameSize]
		n, err := pcm.Convert(buf[off:], src)
		if err != nil {
			_ = e.Release(out)
			pkg.LogWarn(pkg.ComponentLoopback, "conversion failed", "session", l.id, "error", err)
			return
		}
		l.lengths = append(l.lengths, n)
		off += n
	}
	l.level.Observe(buf[:off])
	l.peak.Store(int64(l.level.Peak()))

	if err := e.SubmitPackets(out, l.out.Endpoint, l.lengths); err != nil {
		_ = e.Release(out)
		if pkg.IsFatal(err) {
			e.Fail(err)
			return
		}
		pkg.LogDebug(pkg.ComponentLoopback, "playback submit failed", "session", l.id, "error", err)
	}
}

// onPlayback accounts a completed playback transfer.
func (l *Loopback) onPlayback(_ *engine.Engine, s *engine.Slot) {
	x := s.Transfer()
	switch x.Status {
	case pkg.TransferStatusSuccess:
		l.played.Add(uint64(x.ActualLength / pcm.PlaybackFrameSize))
	case pkg.TransferStatusCancelled:
	default:
		l.playErrors.Add(1)
	}
}
