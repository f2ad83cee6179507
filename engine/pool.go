package engine

import (
	"fmt"

	"github.com/ardnew/softuac/hal"
)

// =============================================================================
// Transfer Slots
// =============================================================================

// SlotID identifies a slot within its pool. IDs are stable for the life of
// the engine.
type SlotID int

// SlotState is the ownership state of a slot.
type SlotState uint8

// Slot states.
const (
	SlotAvailable SlotState = iota // Owned by the pool
	SlotInFlight                   // Owned by the dispatch goroutine or the transport
)

// String returns a human-readable state name.
func (s SlotState) String() string {
	switch s {
	case SlotAvailable:
		return "available"
	case SlotInFlight:
		return "in-flight"
	default:
		return "unknown"
	}
}

// Slot pairs a fixed-capacity buffer with the transfer descriptor that
// carries it. Slots are only touched on the dispatch goroutine.
type Slot struct {
	id        SlotID
	dir       hal.Direction
	state     SlotState
	submitted bool
	buf       []byte
	xfer      hal.IsoTransfer
	item      *WorkItem
}

// ID returns the slot's stable identifier.
func (s *Slot) ID() SlotID { return s.id }

// Direction returns the direction of the slot's pool.
func (s *Slot) Direction() hal.Direction { return s.dir }

// State returns the slot's ownership state.
func (s *Slot) State() SlotState { return s.state }

// Buffer returns the slot's full backing buffer.
func (s *Slot) Buffer() []byte { return s.buf }

// Transfer returns the slot's transfer descriptor. Inside a completion hook
// it holds the completed packet lengths and status.
func (s *Slot) Transfer() *hal.IsoTransfer { return &s.xfer }

// Submitted reports whether the transport currently owns the slot.
func (s *Slot) Submitted() bool { return s.submitted }

// =============================================================================
// Pool
// =============================================================================

// Pool is a fixed arena of slots for one direction. Available slots are kept
// on a LIFO free stack so the most recently recycled buffer, which is most
// likely still in cache, is reused first.
type Pool struct {
	dir   hal.Direction
	slots []Slot
	free  []SlotID
}

// newPool warms up n slots of size bytes each.
func newPool(dir hal.Direction, n, size, packets int) *Pool {
	p := &Pool{
		dir:   dir,
		slots: make([]Slot, n),
		free:  make([]SlotID, 0, n),
	}
	for i := range p.slots {
		s := &p.slots[i]
		s.id = SlotID(i)
		s.dir = dir
		s.buf = make([]byte, size)
		s.xfer.Buffer = s.buf
		s.xfer.Packets = make([]hal.IsoPacket, 0, packets)
	}
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, SlotID(i))
	}
	return p
}

// Direction returns the pool's direction.
func (p *Pool) Direction() hal.Direction { return p.dir }

// Cap returns the number of slots in the pool.
func (p *Pool) Cap() int { return len(p.slots) }

// Available returns the number of available slots.
func (p *Pool) Available() int { return len(p.free) }

// InFlight returns the number of slots not available.
func (p *Pool) InFlight() int { return len(p.slots) - len(p.free) }

// Slot returns the slot with the given id, or nil.
func (p *Pool) Slot(id SlotID) *Slot {
	if id < 0 || int(id) >= len(p.slots) {
		return nil
	}
	return &p.slots[id]
}

// acquire pops an available slot and marks it in flight.
// Returns nil if the pool is exhausted.
func (p *Pool) acquire() *Slot {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	id := p.free[n-1]
	p.free = p.free[:n-1]
	s := &p.slots[id]
	s.state = SlotInFlight
	return s
}

// recycle returns s to the free stack. Returns false if s was already
// available.
func (p *Pool) recycle(s *Slot) bool {
	if s.state != SlotInFlight {
		return false
	}
	s.state = SlotAvailable
	s.submitted = false
	s.item = nil
	p.free = append(p.free, s.id)
	return true
}

// check verifies the conservation invariant: every slot is either on the
// free stack exactly once and available, or absent and in flight.
func (p *Pool) check() error {
	seen := make([]bool, len(p.slots))
	for _, id := range p.free {
		if id < 0 || int(id) >= len(p.slots) {
			return fmt.Errorf("%s pool: free id %d out of range", p.dir, id)
		}
		if seen[id] {
			return fmt.Errorf("%s pool: slot %d free twice", p.dir, id)
		}
		seen[id] = true
		if p.slots[id].state != SlotAvailable {
			return fmt.Errorf("%s pool: free slot %d is %s", p.dir, id, p.slots[id].state)
		}
	}
	for i := range p.slots {
		if !seen[i] && p.slots[i].state != SlotInFlight {
			return fmt.Errorf("%s pool: slot %d missing from free stack", p.dir, i)
		}
	}
	return nil
}
