// Package scsipi implements a SCSI middle layer: the command lifecycle and
// queueing engine that sits between peripheral drivers and host bus
// adapters.
//
// # Overview
//
// An [Adapter] owns one or more [Channel] instances (buses). Each channel
// holds the attached [Periph] endpoints (target/LUN pairs), a pending
// command queue, a completion queue and a completion goroutine. Commands are
// carried by [Xfer] descriptors drawn from a per-channel arena.
//
// The life of a command:
//
//	xs, err := periph.GetXfer(scsipi.CtlDataIn)   // admission (may block)
//	xs.CDB = cdb
//	xs.Data = buf
//	err = ch.Execute(xs)                           // queue, dispatch, wait
//
// The adapter receives the descriptor through [AdapterDriver.Request] with
// [ReqRunXfer], fills in the result fields and calls [Channel.Done], possibly
// from another goroutine standing in for interrupt context.
//
// # Execution modes
//
// A descriptor runs in exactly one of three modes:
//
//   - Synchronous: Execute blocks until the command completes, retries
//     included, and returns the final errno.
//   - Asynchronous ([CtlAsync]): Execute returns at once; the result is
//     delivered through [PeriphHooks.Done] and the descriptor is released
//     by the engine.
//   - Polled ([CtlPoll]): Execute re-checks the done flag instead of
//     sleeping. Polled commands require an empty channel queue.
//
// # Locking
//
// A single mutex owned by the adapter guards every queue, counter and flag
// of its channels and periphs. Completion calls from adapter goroutines take
// the same mutex. The adapter driver and the periph hooks are always called
// with the mutex released, so both may call back into the engine.
//
// # Errors
//
// Command results are errno values from golang.org/x/sys/unix. Retryable
// conditions (busy, queue full, selection timeout, bus reset, unit
// attention) are resolved internally up to the descriptor's retry budget.
package scsipi
