package uac

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ardnew/softuac/engine"
	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/hal/sim"
	"github.com/ardnew/softuac/pcm"
	"github.com/ardnew/softuac/pkg"
)

var (
	captureBinding  = EndpointBinding{Direction: hal.DirectionIn, Endpoint: 0x82, PacketSize: 144, PacketsPerTransfer: 2}
	playbackBinding = EndpointBinding{Direction: hal.DirectionOut, Endpoint: 0x01, PacketSize: 192, PacketsPerTransfer: 2}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func assertPoolsAvailable(t *testing.T, e *engine.Engine) {
	t.Helper()
	for _, dir := range []hal.Direction{hal.DirectionOut, hal.DirectionIn} {
		p := e.Pool(dir)
		if p.Available() != p.Cap() {
			t.Errorf("%s pool: %d of %d available", dir, p.Available(), p.Cap())
		}
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestLoopback_StateMachine(t *testing.T) {
	_, d := openReference(t, sim.WithPacketInterval(100*time.Microsecond))

	if d.Loopback() != nil {
		t.Fatal("session exists before start")
	}
	if err := d.StopLoopback(); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("StopLoopback() before start = %v", err)
	}

	l, err := d.StartLoopback(t.Context(), captureBinding, playbackBinding, 0)
	if err != nil {
		t.Fatal(err)
	}
	if l.ID() == uuid.Nil {
		t.Error("session has no id")
	}
	if l.State() != LoopbackRunning {
		t.Errorf("state = %s, want running", l.State())
	}
	if d.Loopback() != l {
		t.Error("Loopback() does not return the running session")
	}
	if _, err := d.StartLoopback(t.Context(), captureBinding, playbackBinding, 1); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second StartLoopback() = %v, want ErrBusy", err)
	}

	waitFor(t, "played frames", func() bool { return l.Stats().Played > 0 })

	if err := d.StopLoopback(); err != nil {
		t.Fatal(err)
	}
	if l.State() != LoopbackStopped {
		t.Errorf("state = %s, want stopped", l.State())
	}
	if d.Loopback() != nil {
		t.Error("session still registered after stop")
	}
	if err := l.Stop(); err != nil {
		t.Errorf("repeated Stop() = %v", err)
	}
	assertPoolsAvailable(t, l.Engine())

	// The device can start a new session afterwards.
	l2, err := d.StartLoopback(t.Context(), captureBinding, playbackBinding, 1)
	if err != nil {
		t.Fatal(err)
	}
	if l2.ID() == l.ID() {
		t.Error("session ids repeat")
	}
	if err := d.StopLoopback(); err != nil {
		t.Fatal(err)
	}
}

func TestLoopbackState_String(t *testing.T) {
	tests := map[LoopbackState]string{
		LoopbackIdle:     "idle",
		LoopbackRunning:  "running",
		LoopbackStopping: "stopping",
		LoopbackStopped:  "stopped",
		LoopbackState(9): "state(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestLoopback_Validation(t *testing.T) {
	oddIn := captureBinding
	oddIn.PacketSize = 100
	smallOut := playbackBinding
	smallOut.PacketSize = 100

	tests := []struct {
		name     string
		in, out  EndpointBinding
		channels int
		want     error
	}{
		{"swapped", playbackBinding, captureBinding, 1, pkg.ErrInvalidParameter},
		{"stereo capture", captureBinding, playbackBinding, 2, pkg.ErrNotSupported},
		{"partial frame packets", oddIn, playbackBinding, 1, pkg.ErrInvalidParameter},
		{"output too small", captureBinding, smallOut, 1, pkg.ErrInvalidParameter},
	}

	_, d := openReference(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.StartLoopback(t.Context(), tt.in, tt.out, tt.channels)
			if !errors.Is(err, tt.want) {
				t.Errorf("StartLoopback() = %v, want %v", err, tt.want)
			}
			if d.Loopback() != nil {
				t.Error("session registered despite invalid bindings")
			}
		})
	}
}

// =============================================================================
// Pipeline Tests
// =============================================================================

func TestLoopback_ConvertsCapture(t *testing.T) {
	dev, d := openReference(t, sim.WithPacketInterval(200*time.Microsecond))

	l, err := d.StartLoopback(t.Context(), captureBinding, playbackBinding, 1)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two playback transfers", func() bool { return len(dev.Played()) >= 2*384 })
	if err := d.StopLoopback(); err != nil {
		t.Fatal(err)
	}

	// The first capture transfer carries ramp bytes 0..287 and is the first
	// one converted and played.
	want := make([]byte, pcm.ConvertedLen(288))
	if _, err := pcm.Convert(want, ramp(288)); err != nil {
		t.Fatal(err)
	}
	got := dev.Played()
	if !bytes.Equal(got[:len(want)], want) {
		t.Errorf("first playback transfer = % X...\nwant % X...", got[:8], want[:8])
	}
	if !bytes.Equal(got[:4], []byte{0x01, 0x02, 0x01, 0x02}) {
		t.Errorf("first frame = % X, want 01 02 01 02", got[:4])
	}

	st := l.Stats()
	if st.Captured == 0 || st.Played == 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.Played > st.Captured {
		t.Errorf("played %d frames but captured only %d", st.Played, st.Captured)
	}
	if st.Peak == 0 {
		t.Error("peak level not tracked")
	}
}

func TestLoopback_ShortCapturePackets(t *testing.T) {
	// Packets arrive 3 bytes short: one frame fewer per packet.
	dev, d := openReference(t, sim.WithPacketInterval(200*time.Microsecond), sim.WithShortPackets(3))

	_, err := d.StartLoopback(t.Context(), captureBinding, playbackBinding, 1)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "playback", func() bool { return len(dev.Played()) >= 2*pcm.ConvertedLen(282) })
	if err := d.StopLoopback(); err != nil {
		t.Fatal(err)
	}

	// Two packets of 47 frames each become 2 * 188 bytes of output.
	want := make([]byte, 2*188)
	src := ramp(282)
	if _, err := pcm.Convert(want, src); err != nil {
		t.Fatal(err)
	}
	if got := dev.Played(); !bytes.Equal(got[:len(want)], want) {
		t.Error("short packets were not converted frame by frame")
	}
}

func TestLoopback_BackpressureDrop(t *testing.T) {
	// Playback never completes, so once both output slots are taken every
	// further capture is dropped instead of blocking capture.
	dev, d := openReference(t,
		sim.WithPacketInterval(200*time.Microsecond),
		sim.WithLatency(hal.DirectionOut, time.Hour))
	d.engineOpts = append(d.engineOpts, engine.WithSlots(2))

	l, err := d.StartLoopback(t.Context(), captureBinding, playbackBinding, 1)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "backpressure drops", func() bool { return l.Stats().Dropped >= 5 })

	if got := dev.InFlight(hal.DirectionOut); got != 2 {
		t.Errorf("output in flight = %d, want 2", got)
	}
	if dev.Submissions(hal.DirectionIn) < 7 {
		t.Errorf("capture stalled after %d submissions", dev.Submissions(hal.DirectionIn))
	}
	if l.Err() != nil {
		t.Errorf("drops surfaced as error: %v", l.Err())
	}

	if err := d.StopLoopback(); err != nil {
		t.Fatalf("StopLoopback() = %v, drops must not be errors", err)
	}
	if dev.InFlight(hal.DirectionOut) != 0 || dev.InFlight(hal.DirectionIn) != 0 {
		t.Error("transfers left on the device after stop")
	}
	assertPoolsAvailable(t, l.Engine())
	if st := l.Stats(); st.Played != 0 {
		t.Errorf("Played = %d, want 0", st.Played)
	}
}

func TestLoopback_InputStarvation(t *testing.T) {
	dev, d := openReference(t, sim.WithPacketInterval(200*time.Microsecond))
	d.engineOpts = append(d.engineOpts, engine.WithSlots(1), engine.WithEventTimeout(10*time.Millisecond))
	dev.FailNextSubmit(pkg.ErrTimeout)

	l, err := d.StartLoopback(t.Context(), captureBinding, playbackBinding, 1)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "capture to resume", func() bool { return l.Stats().Played > 0 })
	if err := d.StopLoopback(); err != nil {
		t.Fatal(err)
	}
	if st := l.Stats(); st.InputStarved == 0 {
		t.Errorf("InputStarved = 0 after a failed capture submission")
	}
}

func TestLoopback_FatalError(t *testing.T) {
	dev, d := openReference(t, sim.WithPacketInterval(200*time.Microsecond))

	l, err := d.StartLoopback(t.Context(), captureBinding, playbackBinding, 1)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "capture", func() bool { return l.Stats().Captured > 0 })
	dev.Disconnect()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = l.Wait(ctx)
	var te *pkg.TransportError
	if !errors.As(err, &te) || !errors.Is(err, pkg.ErrNoDevice) {
		t.Fatalf("Wait() = %v, want TransportError wrapping ErrNoDevice", err)
	}

	// The dead session settles without StopLoopback and frees the device.
	waitFor(t, "stopped state", func() bool { return l.State() == LoopbackStopped })
	waitFor(t, "stream release", func() bool { return !d.streamBusy() })

	if err := d.StopLoopback(); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("StopLoopback() = %v, want the terminal error", err)
	}
	if l.State() != LoopbackStopped {
		t.Errorf("state = %s", l.State())
	}
	assertPoolsAvailable(t, l.Engine())
}

func TestLoopback_ContextCancel(t *testing.T) {
	_, d := openReference(t, sim.WithPacketInterval(200*time.Microsecond))
	ctx, cancel := context.WithCancel(t.Context())

	l, err := d.StartLoopback(ctx, captureBinding, playbackBinding, 1)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session ignored context cancellation")
	}
	waitFor(t, "stopped state", func() bool { return l.State() == LoopbackStopped })

	// Playback is accepted once the cancelled session has settled.
	waitFor(t, "stream release", func() bool { return !d.streamBusy() })
	if err := d.PlayBuffer(t.Context(), make([]byte, 192)); err != nil {
		t.Errorf("PlayBuffer() after cancelled loopback = %v", err)
	}

	if err := d.StopLoopback(); err != nil {
		t.Errorf("StopLoopback() = %v", err)
	}
	// The session's release must not free a stream it no longer owns.
	if err := d.acquireStream(); err != nil {
		t.Fatalf("acquireStream() = %v", err)
	}
	if err := d.StopLoopback(); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("second StopLoopback() = %v, want ErrNotRunning", err)
	}
	if !d.streamBusy() {
		t.Error("stale session released another stream")
	}
	d.releaseStream()
}

func TestDevice_LoopbackBindings(t *testing.T) {
	_, d := openReference(t)
	in, out, err := d.LoopbackBindings(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if in != captureBinding {
		t.Errorf("in = %+v, want %+v", in, captureBinding)
	}
	if out != playbackBinding {
		t.Errorf("out = %+v, want %+v", out, playbackBinding)
	}
}

func TestDevice_CloseStopsLoopback(t *testing.T) {
	dev := referenceDevice(sim.WithPacketInterval(200 * time.Microsecond))
	d, err := Open(dev)
	if err != nil {
		t.Fatal(err)
	}
	l, err := d.StartLoopback(t.Context(), captureBinding, playbackBinding, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if l.State() != LoopbackStopped {
		t.Errorf("state after Close = %s", l.State())
	}
	if dev.Claimed(0) {
		t.Error("interfaces still claimed")
	}
}
