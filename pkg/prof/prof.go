//go:build profile

package prof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Registers /debug/pprof/ on http.DefaultServeMux
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/ardnew/softuac/pkg"
)

const shutdownTimeout = time.Second

var (
	cpuMu     sync.Mutex
	cpuActive bool
)

// Session is a running set of profiles.
type Session struct {
	opts Options

	mu      sync.Mutex
	cpu     *os.File
	server  *http.Server
	addr    string
	stopped bool
}

// Start begins recording the profiles selected by o.
func Start(o Options) (*Session, error) {
	s := &Session{opts: o}

	if o.CPU != "" {
		if err := s.startCPU(o.CPU); err != nil {
			return nil, err
		}
	}
	if o.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if o.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if o.HTTP != "" {
		if err := s.serve(o.HTTP); err != nil {
			s.Stop()
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) startCPU(path string) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuActive {
		return ErrCPUProfileActive
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	s.cpu = f
	cpuActive = true
	pkg.LogDebug(pkg.ComponentCLI, "cpu profile started", "path", path)
	return nil
}

func (s *Session) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pkg.LogWarn(pkg.ComponentCLI, "pprof server stopped", "error", err)
		}
	}()
	pkg.LogInfo(pkg.ComponentCLI, "pprof listening", "url", "http://"+s.addr+"/debug/pprof/")
	return nil
}

// Addr returns the address of the pprof server, or "" if none is running.
func (s *Session) Addr() string {
	return s.addr
}

// Stop ends the CPU profile, writes the snapshot profiles and shuts down
// the pprof server. Calls after the first do nothing.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if s.cpu != nil {
		pprof.StopCPUProfile()
		errs = append(errs, s.cpu.Close())
		cpuMu.Lock()
		cpuActive = false
		cpuMu.Unlock()
	}

	for _, snap := range []struct{ name, path string }{
		{"heap", s.opts.Heap},
		{"block", s.opts.Block},
		{"mutex", s.opts.Mutex},
	} {
		if snap.path != "" {
			errs = append(errs, writeProfile(snap.name, snap.path))
		}
	}
	if s.opts.Block != "" {
		runtime.SetBlockProfileRate(0)
	}
	if s.opts.Mutex != "" {
		runtime.SetMutexProfileFraction(0)
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, s.server.Shutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

func writeProfile(name, path string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("unknown profile %q", name)
	}
	if name == "heap" {
		runtime.GC()
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return fmt.Errorf("write %s profile: %w", name, err)
	}
	return f.Close()
}
