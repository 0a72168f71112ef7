//go:build profile

package prof

import (
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"

	"github.com/pkg/errors"

	"github.com/ardnew/softscsi/pkg"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Enabled reports whether the profile build tag is set.
const Enabled = true

// Profile represents a pprof profile type.
type Profile string

// Profile type constants.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

func (p Profile) String() string {
	return string(p)
}

var (
	cpuMutex  sync.Mutex
	cpuFile   *os.File
	cpuActive bool
)

// StartCPU starts CPU profiling into the file at path.
// Returns [ErrCPUProfileActive] if CPU profiling is already active.
func StartCPU(path string) error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuActive {
		return ErrCPUProfileActive
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "cpu profile")
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return errors.Wrap(err, "cpu profile")
	}

	cpuFile = f
	cpuActive = true
	return nil
}

// StopCPU stops CPU profiling. It is safe to call when profiling is not
// active.
func StopCPU() {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if !cpuActive {
		return
	}
	rpprof.StopCPUProfile()
	if cpuFile != nil {
		cpuFile.Close()
		cpuFile = nil
	}
	cpuActive = false
}

// IsCPUActive reports whether CPU profiling is currently active.
func IsCPUActive() bool {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	return cpuActive
}

// Write writes a snapshot of profile to the file at path.
func Write(profile Profile, path string) error {
	if profile == ProfileCPU {
		return errors.Wrap(ErrInvalidProfile, "cpu profile needs StartCPU/StopCPU")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "%s profile", profile)
	}
	defer f.Close()
	return WriteTo(profile, f)
}

// WriteTo writes a snapshot of profile to w in protobuf form.
func WriteTo(profile Profile, w io.Writer) error {
	if profile == ProfileCPU {
		return errors.Wrap(ErrInvalidProfile, "cpu profile needs StartCPU/StopCPU")
	}
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return errors.Wrapf(ErrInvalidProfile, "%q", string(profile))
	}
	return p.WriteTo(w, 0)
}

// Serve starts an HTTP server exposing /debug/pprof/ on addr and returns
// the address it is listening on.
func Serve(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Wrap(err, "pprof listener")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		if err := http.Serve(ln, mux); err != nil {
			pkg.LogWarn(pkg.ComponentProf, "pprof server stopped", "error", err)
		}
	}()
	pkg.LogInfo(pkg.ComponentProf, "pprof server listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Options names the files a session writes. Empty fields are skipped.
type Options struct {
	CPU   string
	Heap  string
	Mutex string
	Block string
	HTTP  string // address for Serve
}

// Session is a set of profiles collected over one run.
type Session struct {
	opts Options
	addr string
}

// Start begins a profiling session.
func Start(opts Options) (*Session, error) {
	s := &Session{opts: opts}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if opts.HTTP != "" {
		addr, err := Serve(opts.HTTP)
		if err != nil {
			return nil, err
		}
		s.addr = addr
	}
	if opts.CPU != "" {
		if err := StartCPU(opts.CPU); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Addr returns the pprof HTTP address, or "" if none was requested.
func (s *Session) Addr() string { return s.addr }

// Stop ends CPU profiling and writes the snapshot profiles. All snapshots
// are attempted; the first error is returned.
func (s *Session) Stop() error {
	if s.opts.CPU != "" {
		StopCPU()
	}

	var first error
	for _, snap := range []struct {
		profile Profile
		path    string
	}{
		{ProfileHeap, s.opts.Heap},
		{ProfileMutex, s.opts.Mutex},
		{ProfileBlock, s.opts.Block},
	} {
		if snap.path == "" {
			continue
		}
		if err := Write(snap.profile, snap.path); err != nil && first == nil {
			first = err
		}
	}

	if s.opts.Mutex != "" {
		runtime.SetMutexProfileFraction(0)
	}
	if s.opts.Block != "" {
		runtime.SetBlockProfileRate(0)
	}
	return first
}
