package pkg

import (
	"errors"
	"fmt"
)

// Transport and protocol errors.
var (
	// ErrStall indicates an endpoint or control request stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrInterrupted indicates a blocking transport call was interrupted
	// before it could complete and may be retried.
	ErrInterrupted = errors.New("interrupted")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates a data underrun condition.
	ErrUnderrun = errors.New("data underrun")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or configuration.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrBandwidth indicates insufficient bandwidth for isochronous transfer.
	ErrBandwidth = errors.New("insufficient bandwidth")

	// ErrFrameOverrun indicates a frame overrun for isochronous transfer.
	ErrFrameOverrun = errors.New("frame overrun")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrAlreadyRunning indicates the engine or pipeline is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the engine or pipeline is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoResources indicates no transfer slot was available.
	ErrNoResources = errors.New("no resources available")

	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport closed")
)

// TransportError reports a failed transport call. It is fatal to the
// operation that issued it.
type TransportError struct {
	Op  string // Operation that failed, e.g. "control GET_CUR"
	Err error  // Underlying cause, usually one of the sentinel errors
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Op == "" {
		return "transport: " + e.Err.Error()
	}
	return "transport: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a [TransportError] for op.
// A nil err yields nil, and an existing TransportError is returned as is.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// ConfigurationError reports an unsupported parameter combination. It is
// returned before any transfer is attempted.
type ConfigurationError struct {
	Param  string // Parameter name, e.g. "sample_rate"
	Value  any    // Rejected value
	Reason string // Human-readable reason
	Err    error  // ErrNotSupported or ErrInvalidParameter
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s=%v: %s", e.Param, e.Value, e.Reason)
}

// Unwrap returns [ErrNotSupported] or [ErrInvalidParameter].
func (e *ConfigurationError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidParameter
	}
	return e.Err
}

// Unsupported returns a [ConfigurationError] wrapping [ErrNotSupported].
func Unsupported(param string, value any, reason string) error {
	return &ConfigurationError{Param: param, Value: value, Reason: reason, Err: ErrNotSupported}
}

// Invalid returns a [ConfigurationError] wrapping [ErrInvalidParameter].
func Invalid(param string, value any, reason string) error {
	return &ConfigurationError{Param: param, Value: value, Reason: reason, Err: ErrInvalidParameter}
}

// IsRecoverable reports whether err is a transient transport condition the
// dispatch loop may log and retry past.
func IsRecoverable(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrInterrupted),
		errors.Is(err, ErrOverrun),
		errors.Is(err, ErrUnderrun),
		errors.Is(err, ErrFrameOverrun),
		errors.Is(err, ErrCancelled):
		return true
	}
	return false
}

// IsFatal reports whether err must stop the engine. Any error that is not
// recoverable is fatal; a missing device always is.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoDevice) || errors.Is(err, ErrClosed) {
		return true
	}
	return !IsRecoverable(err)
}

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusNoDevice                        // Device disconnected
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusOverrun                         // Data overrun
	TransferStatusUnderrun                        // Data underrun
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNoDevice:
		return "no-device"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusUnderrun:
		return "underrun"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNoDevice:
		return ErrNoDevice
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusUnderrun:
		return ErrUnderrun
	default:
		return ErrProtocol
	}
}
