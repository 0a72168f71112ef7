//go:build !profile

package prof

import "io"

// Profiling errors. The stubs never return them.
var (
	ErrCPUProfileActive error
	ErrInvalidProfile   error
)

// Enabled reports whether the profile build tag is set.
const Enabled = false

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

func StartCPU(_ string) error { return nil }

func StopCPU() {}

func IsCPUActive() bool { return false }

func Write(_ Profile, _ string) error { return nil }

func WriteTo(_ Profile, _ io.Writer) error { return nil }

func Serve(_ string) (string, error) { return "", nil }

// Options names the files a session writes.
type Options struct {
	CPU   string
	Heap  string
	Mutex string
	Block string
	HTTP  string
}

// Session does nothing without the "profile" tag.
type Session struct{}

func Start(_ Options) (*Session, error) { return &Session{}, nil }

func (s *Session) Addr() string { return "" }

func (s *Session) Stop() error { return nil }
