//go:build profile

package prof

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestSession_WritesProfiles(t *testing.T) {
	dir := t.TempDir()
	o := Options{
		CPU:   filepath.Join(dir, "cpu.prof"),
		Heap:  filepath.Join(dir, "heap.prof"),
		Block: filepath.Join(dir, "block.prof"),
		Mutex: filepath.Join(dir, "mutex.prof"),
	}
	s, err := Start(o)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}

	for _, path := range []string{o.CPU, o.Heap, o.Block, o.Mutex} {
		fi, err := os.Stat(path)
		if err != nil {
			t.Errorf("%s: %v", filepath.Base(path), err)
			continue
		}
		if fi.Size() == 0 {
			t.Errorf("%s is empty", filepath.Base(path))
		}
	}
}

func TestSession_CPUExclusive(t *testing.T) {
	dir := t.TempDir()
	s, err := Start(Options{CPU: filepath.Join(dir, "a.prof")})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if _, err := Start(Options{CPU: filepath.Join(dir, "b.prof")}); !errors.Is(err, ErrCPUProfileActive) {
		t.Errorf("second Start() = %v, want ErrCPUProfileActive", err)
	}
}

func TestSession_InvalidPath(t *testing.T) {
	if _, err := Start(Options{CPU: filepath.Join(t.TempDir(), "missing", "cpu.prof")}); err == nil {
		t.Error("Start() accepted an unwritable path")
	}
	// The failed start must not leave the CPU profiler claimed.
	s, err := Start(Options{CPU: filepath.Join(t.TempDir(), "cpu.prof")})
	if err != nil {
		t.Fatal(err)
	}
	s.Stop()
}

func TestSession_HTTP(t *testing.T) {
	s, err := Start(Options{HTTP: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/goroutine?debug=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Errorf("GET goroutine profile = %d, %d bytes", resp.StatusCode, len(body))
	}
}
