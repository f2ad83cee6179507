// Package pkg provides shared utilities for the softuac streaming stack.
//
// This package contains common functionality used by the engine, the audio
// class layer and the transports, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for transport and protocol failures
//   - Typed [TransportError] and [ConfigurationError] values
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentEngine, "engine started", "slots", 10)
//
// # Errors
//
// Transport failures are wrapped in [TransportError] and unwrap to a
// sentinel value:
//
//	if errors.Is(err, pkg.ErrNoDevice) {
//	    // Device was unplugged
//	}
//
// Unsupported parameter combinations are reported as [ConfigurationError]
// before any transfer is attempted:
//
//	var cfgErr *pkg.ConfigurationError
//	if errors.As(err, &cfgErr) {
//	    // e.g. a 44100 Hz rate that does not divide into whole milliseconds
//	}
package pkg
