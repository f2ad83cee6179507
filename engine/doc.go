// Package engine implements the isochronous transfer pool and its dispatch
// loop.
//
// An [Engine] owns a fixed arena of [Slot] values per direction. Each slot
// pairs a buffer with an [hal.IsoTransfer] and is always in exactly one of
// two states: available in its [Pool], or in flight. A single dispatch
// goroutine moves slots between the two:
//
//  1. Queued [WorkItem] values are paired with available slots and
//     submitted. Items that find no slot stay queued; the loop never blocks
//     on an empty pool.
//  2. The optional pump hook runs, letting a pipeline keep capture
//     transfers outstanding.
//  3. [hal.Transport.HandleEvents] delivers completions on the same
//     goroutine. Each completion runs the item's Done callback and the
//     direction's hook, then recycles the slot.
//
// Because every slot transition happens on the dispatch goroutine, the pools
// need no locks. The work queue is the only shared structure.
//
// # Usage
//
//	e := engine.New(transport, engine.WithSlots(10))
//	if err := e.Start(ctx); err != nil {
//	    return err
//	}
//	defer e.Stop()
//
//	err := e.Enqueue(engine.WorkItem{
//	    Endpoint:   0x01,
//	    Data:       chunk,
//	    PacketSize: 192,
//	})
//	...
//	err = e.Wait(ctx)
//
// # Failures
//
// Transient HandleEvents errors are retried for up to the event timeout. A
// disconnected device, or any error that is not transient, stops the loop;
// the error is returned by [Engine.Stop], [Engine.Wait] and [Engine.Err]
// as a [*pkg.TransportError].
package engine
