// Package prof wraps [runtime/pprof] for the softscsi tools.
//
// It is conditionally compiled using the "profile" build tag:
//
//	go build -tags profile ./cmd/scsisim
//	go test -tags profile ./pkg/prof
//
// Without the tag every exported function is a no-op, so the calls can stay
// in place in normal builds.
//
// # Sessions
//
// A [Session] collects the profiles a run asked for. CPU samples stream for
// the whole session; the heap, mutex and block snapshots are taken when it
// stops:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Mutex: "mutex.prof"})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Asking for a mutex or block profile turns on the matching runtime sampling,
// which is where contention on the channel lock shows up.
//
// # HTTP Profiling
//
// [Serve] exposes the /debug/pprof/ handlers on the given address. It is only
// started when a caller asks for it:
//
//	addr, err := prof.Serve("localhost:6060")
//
// # Snapshot Profiles
//
// [Write] and [WriteTo] capture a single point-in-time profile:
//
//	prof.Write(prof.ProfileGoroutine, "goroutine.prof")
//
// [ProfileCPU] cannot be written as a snapshot; use [StartCPU]/[StopCPU].
package prof
