// Package hal defines the transport capability consumed by the softuac
// streaming core.
//
// The [Transport] interface is the only contract between the engine and the
// hardware. It provides synchronous control transfers for the audio control
// protocol and asynchronous isochronous transfers whose completions are
// delivered by [Transport.HandleEvents] on the caller's goroutine.
//
// # Isochronous Transfers
//
// An [IsoTransfer] carries a fixed buffer split into packets. The caller
// fills in the endpoint, length, packet count and callback, submits it,
// and then pumps HandleEvents until the callback runs:
//
//	x := &hal.IsoTransfer{Buffer: buf}
//	x.Reset(0x82, len(buf), 2)
//	t.SetIsoPacketLengths(x, len(buf)/2)
//	x.Callback = func(x *hal.IsoTransfer) {
//	    for i := range x.Packets {
//	        consume(x.PacketBuffer(i))
//	    }
//	}
//	if err := t.SubmitIsochronous(x); err != nil {
//	    return err
//	}
//	_ = t.HandleEvents(time.Second)
//
// # Implementations
//
// A simulated device for tests and demos lives in
// [github.com/ardnew/softuac/hal/sim]. The Linux usbfs transport lives in
// [github.com/ardnew/softuac/hal/linux].
package hal
