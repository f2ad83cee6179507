package uac

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/softuac/engine"
	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pkg"
)

// PacketSize returns the bytes in one millisecond of audio. Rates that are
// not a whole number of samples per millisecond are rejected, since every
// packet would then need a different length.
func PacketSize(rate uint32, bytesPerSample, channels int) (int, error) {
	switch {
	case rate == 0:
		return 0, pkg.Invalid("sample_rate", rate, "must be positive")
	case rate%1000 != 0:
		return 0, pkg.Unsupported("sample_rate", rate, "fractional samples per packet")
	case bytesPerSample <= 0:
		return 0, pkg.Invalid("bytes_per_sample", bytesPerSample, "must be positive")
	case channels <= 0:
		return 0, pkg.Invalid("channels", channels, "must be positive")
	}
	return int(rate/1000) * bytesPerSample * channels, nil
}

// OutputPacketSize reads the output sample rate and returns the packet size
// of the output format at that rate.
func (d *Device) OutputPacketSize(ctx context.Context) (int, error) {
	rate, err := d.ChannelSampleRate(ctx, Output)
	if err != nil {
		return 0, err
	}
	return PacketSize(rate, d.output.BytesPerSample, d.output.Channels)
}

// InputPacketSize reads the input sample rate and returns the packet size
// of the input format at that rate.
func (d *Device) InputPacketSize(ctx context.Context) (int, error) {
	rate, err := d.ChannelSampleRate(ctx, Input)
	if err != nil {
		return 0, err
	}
	return PacketSize(rate, d.input.BytesPerSample, d.input.Channels)
}

// itemErrors collects the first failure reported by work item callbacks.
type itemErrors struct {
	mu    sync.Mutex
	err   error
	bytes int
}

func (c *itemErrors) done(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes += n
	if err != nil && c.err == nil {
		c.err = err
	}
}

func (c *itemErrors) result() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes, c.err
}

// PlayBuffer streams data to the output endpoint and returns once every
// byte has been sent.
//
// The packet size is derived from the device's current output rate, which
// must be a multiple of 1000 Hz. data is sent in transfers of packet size
// times packets per transfer; the last transfer and its final packet may be
// short. The first error from the control request, any transfer, or ctx is
// returned.
func (d *Device) PlayBuffer(ctx context.Context, data []byte) error {
	if err := d.acquireStream(); err != nil {
		return err
	}
	defer d.releaseStream()

	size, err := d.OutputPacketSize(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	chunk := size * d.packetsPerTransfer()
	ep := d.topo.Output.Endpoint

	e := d.newEngine(engine.WithBufferSize(hal.DirectionOut, chunk))
	if err := e.Start(ctx); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentStream, "playback started",
		"bytes", len(data), "packetSize", size, "transferSize", chunk)

	var results itemErrors
	var enqueueErr error
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		enqueueErr = e.Enqueue(engine.WorkItem{
			Endpoint:   ep,
			Data:       data[off:end],
			PacketSize: size,
			Done:       results.done,
		})
		if enqueueErr != nil {
			break
		}
	}

	waitErr := e.Wait(ctx)
	stopErr := e.Stop()
	sent, itemErr := results.result()

	err = firstError(stopErr, waitErr, itemErr, enqueueErr)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	pkg.LogInfo(pkg.ComponentStream, "playback finished", "sent", sent, "error", err)
	return err
}

// RecordInto fills buf with captured audio in transfers of packetSize times
// packets per transfer. Received bytes are packed contiguously, so buf[:n]
// is the captured stream even when the device sends short packets; more
// transfers are scheduled until buf is full. It returns early when
// maxIdleTransfers transfers in a row deliver nothing.
func (d *Device) RecordInto(ctx context.Context, buf []byte, packetSize int) (int, error) {
	if packetSize <= 0 {
		return 0, pkg.Invalid("packet_size", packetSize, "must be positive")
	}
	if err := d.acquireStream(); err != nil {
		return 0, err
	}
	defer d.releaseStream()

	if len(buf) == 0 {
		return 0, nil
	}
	chunk := packetSize * d.packetsPerTransfer()

	e := d.newEngine(engine.WithBufferSize(hal.DirectionIn, chunk))
	if err := e.Start(ctx); err != nil {
		return 0, err
	}

	pkg.LogInfo(pkg.ComponentStream, "recording started",
		"bytes", len(buf), "packetSize", packetSize, "transferSize", chunk)

	c := &capture{
		e:          e,
		ep:         d.topo.Input.Endpoint,
		buf:        buf,
		chunk:      chunk,
		packetSize: packetSize,
	}
	c.mu.Lock()
	c.schedule()
	c.mu.Unlock()

	waitErr := e.Wait(ctx)
	stopErr := e.Stop()
	n, itemErr := c.result()

	err := firstError(stopErr, waitErr, itemErr)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	pkg.LogInfo(pkg.ComponentStream, "recording finished", "received", n, "error", err)
	return n, err
}

// maxIdleTransfers is the number of consecutive empty input transfers after
// which RecordInto stops scheduling.
const maxIdleTransfers = 8

// capture packs input transfers into buf in completion order. Transfers on
// one endpoint complete in submission order, so the packed bytes are the
// device stream in order.
type capture struct {
	mu         sync.Mutex
	e          *engine.Engine
	ep         uint8
	buf        []byte
	chunk      int
	packetSize int

	filled    int      // bytes packed into buf
	requested int      // bytes asked of transfers still in flight
	idle      int      // consecutive transfers that delivered nothing
	free      [][]byte // staging buffers of completed transfers
	itemErr   error
	enqErr    error
}

// schedule enqueues transfers until the in-flight requests cover the rest
// of buf. c.mu must be held.
func (c *capture) schedule() {
	for c.itemErr == nil && c.enqErr == nil && c.idle < maxIdleTransfers {
		want := min(c.chunk, len(c.buf)-c.filled-c.requested)
		if want <= 0 {
			return
		}
		var stage []byte
		if k := len(c.free); k > 0 {
			stage, c.free = c.free[k-1], c.free[:k-1]
		} else {
			stage = make([]byte, c.chunk)
		}
		stage = stage[:want]
		err := c.e.Enqueue(engine.WorkItem{
			Endpoint:   c.ep,
			Data:       stage,
			PacketSize: c.packetSize,
			Done: func(n int, err error) {
				c.done(stage, n, err)
			},
		})
		if err != nil {
			c.free = append(c.free, stage[:0])
			c.enqErr = err
			return
		}
		c.requested += want
	}
}

// done runs on the dispatch goroutine for each completed transfer.
func (c *capture) done(stage []byte, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requested -= len(stage)
	c.filled += copy(c.buf[c.filled:], stage[:n])
	c.free = append(c.free, stage[:0])
	if n == 0 {
		c.idle++
	} else {
		c.idle = 0
	}
	if err != nil {
		if c.itemErr == nil {
			c.itemErr = err
		}
		return
	}
	c.schedule()
}

func (c *capture) result() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filled, firstError(c.itemErr, c.enqErr)
}

// firstError returns the first non-nil error, preferring transport errors
// over the cancellations they cause.
func firstError(errs ...error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		var te *pkg.TransportError
		if errors.As(err, &te) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}
