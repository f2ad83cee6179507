package prof

import "errors"

// ErrCPUProfileActive is returned by Start when another session is already
// recording a CPU profile.
var ErrCPUProfileActive = errors.New("cpu profile already active")

// Options selects what a Session records. Empty paths are skipped.
type Options struct {
	CPU   string // CPU profile, streamed while the session runs
	Heap  string // Heap snapshot, written on Stop
	Block string // Block profile, written on Stop; enables block sampling
	Mutex string // Mutex profile, written on Stop; enables mutex sampling
	HTTP  string // Listen address for /debug/pprof/, e.g. localhost:6060
}

// Enabled reports whether any profile is requested.
func (o Options) Enabled() bool {
	return o != Options{}
}
