package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/pkg"
)

// shutdownPoll bounds each HandleEvents call while draining cancelled
// transfers.
const shutdownPoll = 50 * time.Millisecond

// WorkItem is a caller request to move one buffer through the engine.
//
// Data is lent to the engine from Enqueue until Done runs: OUT data is
// copied into a slot at submission, IN data is filled at completion.
type WorkItem struct {
	Endpoint   uint8                  // Endpoint address including direction bit
	Data       []byte                 // Bytes to send, or room for bytes to receive
	PacketSize int                    // Bytes per packet; zero splits Data evenly
	Done       func(n int, err error) // Runs on the dispatch goroutine; may be nil
}

// Engine owns a pool of transfer slots per direction and a single dispatch
// goroutine that submits work and recycles completed slots.
//
// Enqueue, Start, Stop, Wait, Stats, Err and Done are safe for concurrent
// use. Acquire, Submit, SubmitPackets, Release and Fail may only be called
// from a completion or pump hook, which run on the dispatch goroutine.
type Engine struct {
	t     hal.Transport
	cfg   Config
	pools [2]*Pool
	ready []*Slot

	// Work queue and lifecycle, protected by mu
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*WorkItem
	pending  int
	running  bool
	err      error
	done     chan struct{}
	stopCtx  func() bool
	stopping atomic.Bool

	stats counters
}

// New creates an engine over t and warms up its pools.
func New(t hal.Transport, opts ...Option) *Engine {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()

	e := &Engine{
		t:     t,
		cfg:   cfg,
		ready: make([]*Slot, 0, cfg.Slots),
		done:  make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	close(e.done)

	for _, dir := range []hal.Direction{hal.DirectionOut, hal.DirectionIn} {
		d := dirIndex(dir)
		p := newPool(dir, cfg.Slots, cfg.BufferSize[d], cfg.PacketsPerTransfer)
		for i := range p.slots {
			s := &p.slots[i]
			s.xfer.Callback = func(*hal.IsoTransfer) { e.complete(s) }
		}
		e.pools[d] = p
	}
	return e
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start spawns the dispatch goroutine. Cancelling ctx requests the same
// cooperative stop as Stop; Stop must still be called to join.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return pkg.ErrAlreadyRunning
	}
	for _, p := range e.pools {
		if err := p.check(); err != nil {
			return err
		}
	}

	e.stopping.Store(false)
	e.err = nil
	e.queue = e.queue[:0]
	e.pending = 0
	e.done = make(chan struct{})
	e.running = true
	if ctx != nil {
		e.stopCtx = context.AfterFunc(ctx, e.requestStop)
	}

	go e.run(e.done)

	pkg.LogInfo(pkg.ComponentEngine, "engine started",
		"slots", e.cfg.Slots,
		"packets", e.cfg.PacketsPerTransfer,
		"eventTimeout", e.cfg.EventTimeout)
	return nil
}

// Stop requests the dispatch goroutine to exit and waits for it. Every
// in-flight transfer is cancelled and every queued item fails with
// [pkg.ErrCancelled] before Stop returns, so all slots are available
// afterwards and no further completion fires.
//
// Stop returns the terminal error if the engine died of a fatal transport
// error. It must not be called from a hook.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		err := e.err
		e.mu.Unlock()
		return err
	}
	e.stopping.Store(true)
	e.cond.Broadcast()
	done := e.done
	e.mu.Unlock()

	<-done

	e.mu.Lock()
	e.running = false
	if e.stopCtx != nil {
		e.stopCtx()
		e.stopCtx = nil
	}
	err := e.err
	e.cond.Broadcast()
	e.mu.Unlock()

	pkg.LogInfo(pkg.ComponentEngine, "engine stopped", "error", err)
	return err
}

// requestStop sets the cancellation flag and wakes the dispatch goroutine.
func (e *Engine) requestStop() {
	e.stopping.Store(true)
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Running reports whether the engine has been started and not stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stopping reports whether the cancellation flag is set.
func (e *Engine) Stopping() bool {
	return e.stopping.Load()
}

// Err returns the terminal error, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done returns a channel closed when the dispatch goroutine exits.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// =============================================================================
// Work Queue
// =============================================================================

// Enqueue hands item to the dispatch goroutine. It never blocks on the pool:
// items wait in the queue until a slot of their direction is available.
func (e *Engine) Enqueue(item WorkItem) error {
	dir := hal.DirectionOf(item.Endpoint)
	switch {
	case len(item.Data) == 0:
		return pkg.Invalid("data", 0, "work item has no data")
	case len(item.Data) > e.cfg.BufferSize[dirIndex(dir)]:
		return pkg.ErrBufferTooSmall
	case item.PacketSize < 0:
		return pkg.Invalid("packet_size", item.PacketSize, "must not be negative")
	}
	if n := e.packetCount(len(item.Data), item.PacketSize); n > hal.MaxIsoPackets {
		return pkg.Invalid("packet_size", item.PacketSize, "too many packets per transfer")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.stopping.Load() {
		return pkg.ErrNotRunning
	}
	it := item
	e.queue = append(e.queue, &it)
	e.pending++
	e.cond.Broadcast()
	return nil
}

// Wait blocks until every enqueued item has completed and its slot is back
// in the pool, the engine stops, or ctx is done. Returns the terminal error
// if the engine died.
func (e *Engine) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	for e.pending > 0 && ctx.Err() == nil {
		e.cond.Wait()
	}
	if e.err != nil {
		return e.err
	}
	if e.pending > 0 {
		return ctx.Err()
	}
	return nil
}

// packetCount returns the number of packets needed for n bytes.
func (e *Engine) packetCount(n, size int) int {
	if size <= 0 {
		return e.cfg.PacketsPerTransfer
	}
	return (n + size - 1) / size
}

// dispatchQueue moves queued items onto available slots and submits them.
// Items of one direction keep their order: once an item finds no slot,
// later items of the same direction stay queued behind it.
func (e *Engine) dispatchQueue() {
	if e.stopping.Load() {
		return
	}

	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	var blocked [2]bool
	ready := e.ready[:0]
	kept := e.queue[:0]
	for _, it := range e.queue {
		d := dirIndex(hal.DirectionOf(it.Endpoint))
		if !blocked[d] {
			if s := e.acquire(d); s != nil {
				s.item = it
				ready = append(ready, s)
				continue
			}
			blocked[d] = true
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = nil
	}
	e.queue = kept
	e.mu.Unlock()

	for i, s := range ready {
		e.submitItem(s)
		ready[i] = nil
	}
	e.ready = ready[:0]
}

// submitItem submits the work item attached to s.
func (e *Engine) submitItem(s *Slot) {
	it := s.item
	if s.dir == hal.DirectionOut {
		copy(s.buf, it.Data)
	}
	size := it.PacketSize
	n := e.packetCount(len(it.Data), size)
	if size <= 0 {
		size = (len(it.Data) + n - 1) / n
	}

	err := e.submit(s, it.Endpoint, len(it.Data), n, size, nil)
	if err == nil {
		return
	}

	pkg.LogWarn(pkg.ComponentEngine, "work item submit failed",
		"endpoint", it.Endpoint, "error", err)
	e.recycle(s)
	e.finishItem(it, 0, err)
	if isDeviceGone(err) {
		e.fail(err)
	}
}

// finishItem reports an item's outcome and wakes Wait.
func (e *Engine) finishItem(it *WorkItem, n int, err error) {
	if it.Done != nil {
		it.Done(n, err)
	}
	e.mu.Lock()
	e.pending--
	e.cond.Broadcast()
	e.mu.Unlock()
}

// =============================================================================
// Dispatch Loop
// =============================================================================

func (e *Engine) run(done chan struct{}) {
	defer close(done)

	var failingSince time.Time
	for !e.stopping.Load() {
		e.dispatchQueue()
		if pump := e.cfg.Pump; pump != nil && !e.stopping.Load() {
			pump(e)
		}
		if e.stopping.Load() {
			break
		}

		// A pump gets another chance every event timeout, so a session
		// whose submissions all failed does not stall.
		if e.inFlight() == 0 && e.cfg.Pump == nil {
			e.mu.Lock()
			for !e.stopping.Load() && len(e.queue) == 0 {
				e.cond.Wait()
			}
			e.mu.Unlock()
			continue
		}

		err := e.t.HandleEvents(e.cfg.EventTimeout)
		if err == nil {
			failingSince = time.Time{}
			continue
		}
		e.stats.eventErrors.Add(1)
		if pkg.IsRecoverable(err) {
			now := time.Now()
			if failingSince.IsZero() {
				failingSince = now
			}
			if now.Sub(failingSince) < e.cfg.EventTimeout {
				pkg.LogWarn(pkg.ComponentEngine, "event handling failed, retrying", "error", err)
				continue
			}
		}
		e.fail(pkg.NewTransportError("handle events", err))
	}

	e.shutdown()
	pkg.LogDebug(pkg.ComponentEngine, "dispatch loop exited")
}

// complete is the completion callback of every slot and the single point
// where a submitted slot becomes available again.
func (e *Engine) complete(s *Slot) {
	if s.state != SlotInFlight || !s.submitted {
		pkg.LogWarn(pkg.ComponentEngine, "spurious completion ignored",
			"dir", s.dir, "slot", s.id, "state", s.state)
		return
	}
	s.submitted = false
	e.stats.completed.Add(1)

	x := &s.xfer
	err := x.Status.Error()
	switch x.Status {
	case pkg.TransferStatusSuccess:
	case pkg.TransferStatusTimeout:
		e.stats.timeouts.Add(1)
		if pkg.LogEnabled(slog.LevelDebug) {
			pkg.LogDebug(pkg.ComponentEngine, "transfer timed out", "dir", s.dir, "slot", s.id)
		}
	case pkg.TransferStatusCancelled:
		e.stats.cancelled.Add(1)
	case pkg.TransferStatusNoDevice:
		e.stats.errors.Add(1)
		e.fail(pkg.NewTransportError("transfer", err))
	default:
		e.stats.errors.Add(1)
		if pkg.LogEnabled(slog.LevelDebug) {
			pkg.LogDebug(pkg.ComponentEngine, "transfer failed",
				"dir", s.dir, "slot", s.id, "status", x.Status)
		}
	}

	it := s.item
	s.item = nil
	n := 0
	if it != nil {
		if s.dir == hal.DirectionIn {
			for i := range x.Packets {
				n += copy(it.Data[n:], x.PacketBuffer(i))
			}
		} else {
			n = x.ActualLength
		}
	}

	if hook := e.cfg.OnComplete[dirIndex(s.dir)]; hook != nil {
		hook(e, s)
	}

	e.recycle(s)
	if it != nil {
		e.finishItem(it, n, err)
	}

	if !e.stopping.Load() {
		e.dispatchQueue()
		if pump := e.cfg.Pump; pump != nil && !e.stopping.Load() {
			pump(e)
		}
	}
}

// fail records the terminal error and sets the cancellation flag.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
		pkg.LogError(pkg.ComponentEngine, "engine failed", "error", err)
	}
	e.mu.Unlock()
	e.stopping.Store(true)
}

// shutdown cancels and drains in-flight transfers and fails queued items.
func (e *Engine) shutdown() {
	for _, p := range e.pools {
		for i := range p.slots {
			s := &p.slots[i]
			if !s.submitted {
				continue
			}
			if err := e.t.CancelTransfer(&s.xfer); err != nil {
				pkg.LogDebug(pkg.ComponentEngine, "cancel failed",
					"dir", s.dir, "slot", s.id, "error", err)
			}
		}
	}

	deadline := time.Now().Add(e.cfg.EventTimeout)
	for e.submittedCount() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := e.t.HandleEvents(min(remaining, shutdownPoll)); pkg.IsFatal(err) {
			break
		}
	}

	for _, p := range e.pools {
		for i := range p.slots {
			s := &p.slots[i]
			if s.state != SlotInFlight {
				continue
			}
			if s.submitted {
				pkg.LogWarn(pkg.ComponentEngine, "abandoning uncompleted transfer",
					"dir", s.dir, "slot", s.id)
			}
			it := s.item
			e.recycle(s)
			if it != nil {
				e.finishItem(it, 0, pkg.ErrCancelled)
			}
		}
	}

	e.mu.Lock()
	queued := e.queue
	e.queue = nil
	e.mu.Unlock()
	for _, it := range queued {
		e.finishItem(it, 0, pkg.ErrCancelled)
	}
}

// =============================================================================
// Dispatch Goroutine API
// =============================================================================

// Acquire takes an available slot of the given direction. Returns false when
// the pool is exhausted or the engine is stopping. The caller must either
// Submit the slot or Release it before the hook returns.
func (e *Engine) Acquire(dir hal.Direction) (*Slot, bool) {
	if e.stopping.Load() {
		return nil, false
	}
	s := e.acquire(dirIndex(dir))
	return s, s != nil
}

// Release returns an acquired slot that was never submitted.
func (e *Engine) Release(s *Slot) error {
	if s.submitted {
		return pkg.ErrInvalidState
	}
	if !e.recycle(s) {
		return pkg.ErrInvalidState
	}
	return nil
}

// Submit submits an acquired slot as PacketsPerTransfer packets of
// packetSize bytes, the last one shortened to fit length.
func (e *Engine) Submit(s *Slot, endpoint uint8, length, packetSize int) error {
	if packetSize <= 0 {
		return pkg.Invalid("packet_size", packetSize, "must be positive")
	}
	return e.submit(s, endpoint, length, e.cfg.PacketsPerTransfer, packetSize, nil)
}

// SubmitPackets submits an acquired slot with explicit packet lengths laid
// out back to back in the slot buffer.
func (e *Engine) SubmitPackets(s *Slot, endpoint uint8, lengths []int) error {
	length := 0
	for _, n := range lengths {
		if n < 0 {
			return pkg.Invalid("packet_length", n, "must not be negative")
		}
		length += n
	}
	return e.submit(s, endpoint, length, len(lengths), 0, lengths)
}

// Fail stops the engine with err as its terminal error.
func (e *Engine) Fail(err error) {
	e.fail(err)
}

// Pool returns the pool for dir. Pools may only be inspected from a hook or
// while the engine is stopped.
func (e *Engine) Pool(dir hal.Direction) *Pool {
	return e.pools[dirIndex(dir)]
}

func (e *Engine) submit(s *Slot, endpoint uint8, length, n, size int, lengths []int) error {
	switch {
	case s.state != SlotInFlight || s.submitted:
		return pkg.ErrInvalidState
	case hal.DirectionOf(endpoint) != s.dir:
		return pkg.ErrInvalidEndpoint
	case length > len(s.buf):
		return pkg.ErrBufferTooSmall
	case n < 1 || n > hal.MaxIsoPackets:
		return pkg.Invalid("packets", n, "out of range")
	}

	x := &s.xfer
	x.Buffer = s.buf
	x.Reset(endpoint, length, n)
	x.Timeout = e.cfg.TransferTimeout
	x.UserData = s.id
	if lengths != nil {
		for i, l := range lengths {
			x.Packets[i].Length = l
		}
	} else {
		e.t.SetIsoPacketLengths(x, size)
	}

	s.submitted = true
	if err := e.t.SubmitIsochronous(x); err != nil {
		s.submitted = false
		e.stats.submitErrors.Add(1)
		return pkg.NewTransportError("submit", err)
	}
	e.stats.submitted.Add(1)
	return nil
}

func (e *Engine) acquire(d int) *Slot {
	s := e.pools[d].acquire()
	if s != nil {
		e.stats.inFlight[d].Add(1)
	}
	return s
}

func (e *Engine) recycle(s *Slot) bool {
	if !e.pools[dirIndex(s.dir)].recycle(s) {
		return false
	}
	e.stats.inFlight[dirIndex(s.dir)].Add(-1)
	return true
}

func (e *Engine) inFlight() int {
	return e.pools[0].InFlight() + e.pools[1].InFlight()
}

func (e *Engine) submittedCount() int {
	n := 0
	for _, p := range e.pools {
		for i := range p.slots {
			if p.slots[i].submitted {
				n++
			}
		}
	}
	return n
}

func isDeviceGone(err error) bool {
	return errors.Is(err, pkg.ErrNoDevice) || errors.Is(err, pkg.ErrClosed)
}
