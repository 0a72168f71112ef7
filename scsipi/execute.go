package scsipi

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softscsi/pkg"
)

// Execute runs a descriptor obtained from GetXfer.
//
// Without CtlAsync it blocks until the command has finished, retries
// included, releases the descriptor and returns the result. With CtlAsync it
// returns nil once the command is queued; the result goes to the periph Done
// hook and the engine releases the descriptor. A command that asked for
// CtlAsync but had to run synchronously (polling, or no completion thread)
// also returns nil, since its result has already gone to the hook.
func (ch *Channel) Execute(xs *Xfer) error {
	ch.mu.Lock()
	p := xs.periph
	if !xs.inUse || p == nil || p.ch != ch {
		ch.mu.Unlock()
		return pkg.ErrInvalidParameter
	}

	xs.done = false
	xs.Error = XSNoError
	xs.Resid = len(xs.Data)
	xs.Status = StatusGood

	if p.mode&CapTQing == 0 || xs.Flags&CtlRequestSense != 0 || p.quirks&QuirkNoTags != 0 {
		xs.Flags &^= CtlTagMask
		xs.TagType = 0
	} else {
		if xs.Flags&CtlTagMask == 0 {
			if xs.Flags&CtlUrgent != 0 {
				xs.Flags |= CtlHeadTag
			} else {
				xs.Flags |= CtlOrderedTag
			}
		}
		switch xs.Flags & CtlTagMask {
		case CtlOrderedTag:
			xs.TagType = TagOrdered
		case CtlSimpleTag:
			xs.TagType = TagSimple
		case CtlHeadTag:
			xs.TagType = TagHead
		default:
			pkg.LogError(pkg.ComponentXfer, "invalid tag mask",
				p.logAttrs("flags", xs.Flags&CtlTagMask)...)
			start := p.putXferLocked(xs)
			ch.mu.Unlock()
			if start {
				p.hooks.Start(p)
			}
			return errors.Wrapf(unix.EINVAL, "invalid tag mask %s", xs.Flags&CtlTagMask)
		}
	}

	if ch.adapt.pollOnly {
		xs.Flags |= CtlPoll
	}
	oasync := xs.Flags&CtlAsync != 0
	if !ch.tactive || xs.Flags&CtlPoll != 0 {
		xs.Flags &^= CtlAsync
	}
	async := xs.Flags&CtlAsync != 0
	poll := xs.Flags&CtlPoll != 0

	if err := ch.enqueueLocked(xs); err != nil {
		if poll {
			pkg.LogWarn(pkg.ComponentChannel, "polled command with a busy queue",
				p.logAttrs("error", err)...)
		} else {
			pkg.LogError(pkg.ComponentChannel, "enqueue failed",
				p.logAttrs("error", err)...)
		}
		start := p.putXferLocked(xs)
		ch.mu.Unlock()
		if start {
			p.hooks.Start(p)
		}
		ch.runQueue()
		return err
	}
	ch.mu.Unlock()

	var err error
	for {
		ch.runQueue()
		if async {
			return nil
		}
		ch.waitDone(xs, poll)
		if err = ch.complete(xs); !errors.Is(err, ErrRestart) {
			break
		}
	}

	if oasync {
		err = nil
	}
	p.PutXfer(xs)
	ch.runQueue()
	return err
}

// waitDone blocks until Done has been called for xs. A polled command is
// normally done by the time the adapter returns from Request; if not, the
// queue is re-run until it is.
func (ch *Channel) waitDone(xs *Xfer, poll bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	warned := false
	for !xs.done {
		if !poll {
			ch.xsCond.Wait()
			continue
		}
		if !warned {
			pkg.LogWarn(pkg.ComponentXfer, "polling command not done",
				xs.periph.logAttrs("xfer", xs.String())...)
			warned = true
		}
		ch.mu.Unlock()
		time.Sleep(ch.pollInterval)
		ch.runQueue()
		ch.mu.Lock()
	}
}
