package engine

import (
	"sync/atomic"
)

// counters holds the engine's atomic statistics.
type counters struct {
	submitted    atomic.Uint64
	completed    atomic.Uint64
	errors       atomic.Uint64
	timeouts     atomic.Uint64
	cancelled    atomic.Uint64
	submitErrors atomic.Uint64
	eventErrors  atomic.Uint64
	inFlight     [2]atomic.Int32
}

// Stats is a snapshot of engine activity.
type Stats struct {
	Submitted    uint64 // Transfers accepted by the transport
	Completed    uint64 // Completion callbacks run
	Errors       uint64 // Completions with an error status
	Timeouts     uint64 // Completions that timed out
	Cancelled    uint64 // Completions that were cancelled
	SubmitErrors uint64 // Transfers the transport refused
	EventErrors  uint64 // HandleEvents calls that failed
	InFlightOut  int    // OUT slots not available
	InFlightIn   int    // IN slots not available
	Slots        int    // Slots per direction
	Queued       int    // Work items waiting for a slot
}

// Stats returns a snapshot of the engine's counters. Safe for concurrent
// use.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	queued := len(e.queue)
	e.mu.Unlock()

	return Stats{
		Submitted:    e.stats.submitted.Load(),
		Completed:    e.stats.completed.Load(),
		Errors:       e.stats.errors.Load(),
		Timeouts:     e.stats.timeouts.Load(),
		Cancelled:    e.stats.cancelled.Load(),
		SubmitErrors: e.stats.submitErrors.Load(),
		EventErrors:  e.stats.eventErrors.Load(),
		InFlightOut:  int(e.stats.inFlight[0].Load()),
		InFlightIn:   int(e.stats.inFlight[1].Load()),
		Slots:        e.cfg.Slots,
		Queued:       queued,
	}
}
