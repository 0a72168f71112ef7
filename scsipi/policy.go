package scsipi

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softscsi/pkg"
)

// OutcomeKind is the decision taken for a finished command.
type OutcomeKind uint8

// Outcome kinds.
const (
	OutcomeRecovered OutcomeKind = iota // Success; deliver to the caller
	OutcomeRestart                      // Queue the command again
	OutcomeError                        // Deliver Err to the caller
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRecovered:
		return "recovered"
	case OutcomeRestart:
		return "restart"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// Outcome is the result of classifying a finished command.
type Outcome struct {
	Kind OutcomeKind
	Err  error // set for OutcomeError
}

func recovered() Outcome       { return Outcome{Kind: OutcomeRecovered} }
func restart() Outcome         { return Outcome{Kind: OutcomeRestart} }
func failed(err error) Outcome { return Outcome{Kind: OutcomeError, Err: err} }

// outcomeOf maps a sense handler result onto an Outcome.
func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return recovered()
	case errors.Is(err, ErrRestart):
		return restart()
	default:
		return failed(err)
	}
}

// classify decides what to do with a finished command given the adapter's
// classification and status. It consumes retry budget and applies the
// busy back-off and queue-full adjustments as side effects.
func (ch *Channel) classify(xs *Xfer, code XferError, status Status) Outcome {
	p := xs.periph
	switch code {
	case XSNoError:
		return recovered()

	case XSSense, XSShortSense:
		return outcomeOf(ch.interpretSense(xs))

	case XSResourceShortage:
		pkg.LogWarn(pkg.ComponentAdapter, "adapter resource shortage", p.logAttrs()...)
		return ch.classifyBusy(xs, code, status)

	case XSBusy:
		return ch.classifyBusy(xs, code, status)

	case XSRequeue:
		return restart()

	case XSSelTimeout, XSTimeout:
		// A periph being probed is not attached yet, so it gets no retries.
		if ch.LookupPeriph(p.target, p.lun) != nil && xs.Retries != 0 {
			xs.Retries--
			return restart()
		}
		return failed(unix.EIO)

	case XSReset:
		if xs.Flags&CtlRequestSense != 0 {
			return failed(unix.EINTR)
		}
		if xs.Retries != 0 {
			xs.Retries--
			return restart()
		}
		return failed(unix.EIO)

	case XSDriverStuffup:
		pkg.LogError(pkg.ComponentAdapter, "generic adapter error", p.logAttrs()...)
		return failed(errors.Wrapf(unix.EIO, "adapter error on %s", p))

	default:
		pkg.LogError(pkg.ComponentAdapter, "invalid return code from adapter",
			p.logAttrs("code", code)...)
		return failed(errors.Wrapf(unix.EIO, "invalid adapter result %d on %s", code, p))
	}
}

// classifyBusy handles busy, queue full and resource shortage.
func (ch *Channel) classifyBusy(xs *Xfer, code XferError, status Status) Outcome {
	p := xs.periph
	if code == XSBusy && status == StatusQueueFull {
		ch.mu.Lock()
		// Assume the command that got us here is the first that does not fit.
		mo := MaxOpenings{Target: p.target, LUN: p.lun}
		if p.active < p.openings {
			mo.Openings = p.active - 1
		} else {
			mo.Openings = p.openings - 1
		}
		if mo.Openings <= 0 {
			pkg.LogWarn(pkg.ComponentPeriph, "queue full resulted in 0 openings", p.logAttrs()...)
			mo.Openings = 1
		}
		ch.maxOpeningsLocked(&mo)
		ch.mu.Unlock()
		pkg.LogInfo(pkg.ComponentPeriph, "queue full, openings reduced",
			p.logAttrs("openings", mo.Openings)...)
		return restart()
	}

	if xs.Retries == 0 {
		return failed(unix.EBUSY)
	}
	xs.Retries--

	ch.mu.Lock()
	if xs.Flags&CtlPoll != 0 || !ch.tactive {
		ch.mu.Unlock()
		time.Sleep(ch.busyDelay)
		return restart()
	}
	if p.thaw == nil {
		p.qfreeze++
		p.armThawLocked(ch.busyDelay)
	}
	ch.mu.Unlock()
	return restart()
}
