package scsipi

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softscsi/pkg"
)

// Done is called by the adapter when a dispatched descriptor finishes. The
// adapter sets Error, Status, Resid and Sense first. Done may be called from
// any goroutine, including from inside Request for polled commands. A second
// Done for the same completion only re-runs the queue.
//
// Done cannot tell a late second call from the completion of a newer command
// that reuses the same slot. Adapters that may complete twice use DoneGen.
func (ch *Channel) Done(xs *Xfer) {
	ch.mu.Lock()
	ch.doneLocked(xs)
}

// DoneGen is Done for the command dispatched when xs had generation gen. It
// drops the completion if the slot has since been released, even if it has
// been handed out again.
func (ch *Channel) DoneGen(xs *Xfer, gen uint64) {
	ch.mu.Lock()
	if xs.gen != gen {
		cur := xs.gen
		ch.mu.Unlock()
		pkg.LogWarn(pkg.ComponentXfer, "stale completion",
			pkg.KeyBus, ch.bus, "slot", xs.slot, "gen", gen, "current", cur)
		return
	}
	ch.doneLocked(xs)
}

// doneLocked is called with the engine lock held and releases it.
func (ch *Channel) doneLocked(xs *Xfer) {
	p := xs.periph
	if !xs.inUse || p == nil || p.ch != ch {
		ch.mu.Unlock()
		pkg.LogWarn(pkg.ComponentXfer, "completion of a free descriptor",
			pkg.KeyBus, ch.bus, "slot", xs.slot)
		return
	}
	if xs.done {
		ch.mu.Unlock()
		ch.runQueue()
		return
	}
	if !xs.busy {
		ch.mu.Unlock()
		pkg.LogWarn(pkg.ComponentXfer, "completion of a descriptor not in flight",
			p.logAttrs("slot", xs.slot)...)
		return
	}

	xs.busy = false
	ch.putResourceLocked()
	p.sent--
	if xs.tagged {
		p.putTagLocked(xs)
		xs.tagged = false
	} else {
		p.flags &^= periphUntag
	}
	xs.done = true

	// An error freezes the periph until the error has been handled.
	freeze := 0
	if xs.Error != XSNoError {
		freeze++
	}
	if xs.Flags&CtlFreezePeriph != 0 {
		freeze++
	}
	p.qfreeze += freeze

	// Remember the pending sense in case a bus reset comes in before the
	// sense is fetched.
	if xs.Error == XSBusy && xs.Status == StatusCheck {
		p.flags |= periphSense
		p.xscheck = xs
	}

	if xs.Flags&CtlAsync == 0 {
		if xs.Flags&CtlPoll != 0 {
			ch.mu.Unlock()
			return
		}
		ch.xsCond.Broadcast()
		ch.mu.Unlock()
		ch.runQueue()
		return
	}

	if xs.Error == XSNoError {
		ch.mu.Unlock()
		ch.complete(xs)
		ch.runQueue()
		return
	}

	if !ch.tactive {
		ch.mu.Unlock()
		pkg.LogWarn(pkg.ComponentThread, "completion thread gone, handling error inline",
			p.logAttrs("xfer", xs.String())...)
		ch.complete(xs)
		ch.runQueue()
		return
	}

	xs.queue = queueComplete
	ch.completeq = append(ch.completeq, xs)
	ch.tcond.Broadcast()
	ch.mu.Unlock()
	ch.runQueue()
}

// complete runs the error policy on a finished descriptor. It returns
// ErrRestart when the descriptor went back on the queue, in which case the
// caller still owns it. Otherwise the periph Done hook has run and an async
// descriptor has been released.
func (ch *Channel) complete(xs *Xfer) error {
	p := xs.periph

	ch.mu.Lock()
	check := xs.Error == XSBusy && xs.Status == StatusCheck
	ch.mu.Unlock()

	if check {
		if xs.Flags&CtlRequestSense != 0 {
			pkg.LogWarn(pkg.ComponentXfer, "request sense for a request sense", p.logAttrs()...)
			ch.mu.Lock()
			p.thawLocked(1)
			ch.mu.Unlock()
			if n := xs.Transferred(); n > 0 {
				pkg.LogDebug(pkg.ComponentXfer, "partial sense read anyway",
					p.logAttrs("bytes", n)...)
			}
			return unix.EINVAL
		}
		ch.requestSense(xs)
	}

	ch.mu.Lock()
	code, status := xs.Error, xs.Status
	ch.mu.Unlock()
	frozen := code != XSNoError

	out := ch.classify(xs, code, status)

	ch.mu.Lock()
	if out.Kind == OutcomeRestart {
		// The periph was frozen by Done, and possibly again by recovery or
		// a timed thaw. Requeue and give back the Done freeze.
		xs.Error = XSNoError
		xs.Status = StatusGood
		xs.done = false
		xs.requeue++
		err := ch.enqueueLocked(xs)
		if err == nil {
			p.thawLocked(1)
			ch.mu.Unlock()
			return ErrRestart
		}
		out = failed(errors.Wrapf(err, "requeue on %s", p))
	}
	if frozen {
		p.thawLocked(1)
	}
	async := xs.Flags&CtlAsync != 0
	ch.mu.Unlock()

	if p.hooks.Done != nil && xs.Flags&CtlRequestSense == 0 {
		p.hooks.Done(xs, out.Err)
	}

	if async {
		ch.mu.Lock()
		start := p.putXferLocked(xs)
		ch.mu.Unlock()
		if start {
			p.hooks.Start(p)
		}
	}
	return out.Err
}
