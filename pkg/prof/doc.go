// Package prof records runtime profiles of a uacctl run.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/uacctl
//
// Without the tag [Start] returns a session that records nothing, so callers
// keep the same code path in both builds.
//
// A [Session] streams the CPU profile while it runs and writes the heap,
// block and mutex snapshots when stopped:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//		return err
//	}
//	defer s.Stop()
//
// Setting [Options.HTTP] also serves the standard /debug/pprof/ endpoints
// for the lifetime of the session, which is the practical way to look at a
// long loopback run.
package prof
