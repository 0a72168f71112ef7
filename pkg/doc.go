// Package pkg provides shared utilities for the softscsi stack.
//
// This package contains common functionality used by the SCSI middle layer,
// the emulated adapter and the emulated targets, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for API misuse and lifecycle failures
//   - Errno extraction for command results
//
// # Logging
//
// Every record carries a component key naming the layer that emitted it.
// Records about a logical unit also carry its SCSI address: the bus the
// channel was attached as, the target ID and the LUN, under the [KeyBus],
// [KeyTarget] and [KeyLUN] keys. The middle layer adds [KeyNexus], an
// identifier that stays with one periph across its lifetime, so the
// records of a LUN that was detached and reattached can be told apart.
// [Addr] builds the address attributes:
//
//	pkg.LogInfo(pkg.ComponentAdapter, "unit attached", pkg.Addr(0, 3, 0)...)
//	// level=INFO msg="unit attached" component=adapter bus=0 target=3 lun=0
//
// A global level applies to every component. [SetComponentLevel] and
// [ParseComponentLevels] raise or lower it for one component, so dispatch
// traces can be turned on without the rest of the stack:
//
//	pkg.SetLogLevel(slog.LevelWarn)
//	_ = pkg.ParseComponentLevels("xfer=debug")
//
// # Errors
//
// Command results are errno values from golang.org/x/sys/unix, possibly
// wrapped with context. Match them with [errors.Is] or extract them with
// [Errno]:
//
//	if err := ch.Execute(xs); errors.Is(err, unix.EIO) {
//	    // Handle the I/O error
//	}
package pkg
