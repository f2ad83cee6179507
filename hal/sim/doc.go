// Package sim provides an in-memory USB audio device implementing
// [hal.Transport].
//
// The simulated device keeps audio class control registers keyed by the
// request's wValue and wIndex, records every control request, and services
// isochronous transfers on a per-direction clock: each packet takes one
// packet interval. Captured data comes from a byte ramp, a tone, or any
// caller-supplied source; played data is recorded.
//
// Faults can be injected to exercise error paths:
//
//	dev := sim.New(sim.WithPacketInterval(0))
//	dev.FailNextControl(pkg.ErrStall)
//	dev.CompleteNext(hal.DirectionOut, pkg.TransferStatusTimeout)
//	dev.Disconnect()
package sim
