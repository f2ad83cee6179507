package engine

import (
	"time"

	"github.com/ardnew/softuac/hal"
)

// Engine defaults.
const (
	DefaultSlots              = 10
	DefaultBufferSize         = 1024
	DefaultPacketsPerTransfer = 2
	DefaultEventTimeout       = 1000 * time.Millisecond
	DefaultTransferTimeout    = 1000 * time.Millisecond
)

// CompleteFunc is a per-direction completion hook. It runs on the dispatch
// goroutine after any work item callback and before the slot is recycled,
// so the slot's buffer and packet results are still valid.
type CompleteFunc func(e *Engine, s *Slot)

// PumpFunc runs on the dispatch goroutine at start, after every completion,
// and after every event wait while the engine is not stopping.
type PumpFunc func(e *Engine)

// Config holds engine tuning. Use functional options (WithXxx) to set
// these values.
type Config struct {
	Slots              int
	BufferSize         [2]int
	PacketsPerTransfer int
	EventTimeout       time.Duration
	TransferTimeout    time.Duration
	OnComplete         [2]CompleteFunc
	Pump               PumpFunc
}

// Option is a functional option for configuring an engine.
type Option func(*Config)

// DefaultConfig returns the reference engine configuration.
func DefaultConfig() Config {
	return Config{
		Slots:              DefaultSlots,
		BufferSize:         [2]int{DefaultBufferSize, DefaultBufferSize},
		PacketsPerTransfer: DefaultPacketsPerTransfer,
		EventTimeout:       DefaultEventTimeout,
		TransferTimeout:    DefaultTransferTimeout,
	}
}

// WithSlots sets the number of slots per direction.
func WithSlots(n int) Option {
	return func(c *Config) {
		c.Slots = n
	}
}

// WithBufferSize sets the slot buffer size for one direction.
func WithBufferSize(dir hal.Direction, n int) Option {
	return func(c *Config) {
		c.BufferSize[dirIndex(dir)] = n
	}
}

// WithPacketsPerTransfer sets the number of isochronous packets per
// transfer.
func WithPacketsPerTransfer(n int) Option {
	return func(c *Config) {
		c.PacketsPerTransfer = n
	}
}

// WithEventTimeout bounds each HandleEvents call and the time the engine
// keeps retrying a failing one.
func WithEventTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.EventTimeout = d
	}
}

// WithTransferTimeout sets the per-transfer timeout passed to the
// transport.
func WithTransferTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.TransferTimeout = d
	}
}

// WithOnComplete installs a completion hook for one direction.
func WithOnComplete(dir hal.Direction, fn CompleteFunc) Option {
	return func(c *Config) {
		c.OnComplete[dirIndex(dir)] = fn
	}
}

// WithPump installs a pump hook.
func WithPump(fn PumpFunc) Option {
	return func(c *Config) {
		c.Pump = fn
	}
}

// normalize replaces out-of-range values with defaults.
func (c *Config) normalize() {
	if c.Slots < 1 {
		c.Slots = DefaultSlots
	}
	for i := range c.BufferSize {
		if c.BufferSize[i] < 1 {
			c.BufferSize[i] = DefaultBufferSize
		}
	}
	if c.PacketsPerTransfer < 1 || c.PacketsPerTransfer > hal.MaxIsoPackets {
		c.PacketsPerTransfer = DefaultPacketsPerTransfer
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = DefaultEventTimeout
	}
	if c.TransferTimeout < 0 {
		c.TransferTimeout = 0
	}
}

func dirIndex(d hal.Direction) int {
	if d == hal.DirectionIn {
		return 1
	}
	return 0
}
