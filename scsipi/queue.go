package scsipi

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softscsi/pkg"
)

// enqueueLocked puts xs on the pending queue.
//
// Urgent descriptors go to the head. A requeued descriptor goes right after
// the first queued descriptor of the same periph with a lower requeue
// count, so descriptors requeued earlier keep running first. Everything else
// goes to the tail. A polled descriptor needs an empty queue.
func (ch *Channel) enqueueLocked(xs *Xfer) error {
	if xs.queue != queueNone || xs.busy {
		return errors.Wrapf(unix.EINVAL, "enqueue of active descriptor %d", xs.slot)
	}
	if xs.Flags&CtlPoll != 0 && len(ch.queue) != 0 {
		xs.Error = XSDriverStuffup
		return unix.EAGAIN
	}

	switch {
	case xs.Flags&CtlUrgent != 0:
		ch.queue = append(ch.queue, nil)
		copy(ch.queue[1:], ch.queue)
		ch.queue[0] = xs
	case xs.requeue != 0 && ch.insertRequeuedLocked(xs):
		// placed behind an earlier requeue of the same periph
	default:
		ch.queue = append(ch.queue, xs)
	}
	xs.queue = queuePending

	if xs.Flags&CtlThawPeriph != 0 {
		xs.periph.thawLocked(1)
	}
	return nil
}

func (ch *Channel) insertRequeuedLocked(xs *Xfer) bool {
	for i, q := range ch.queue {
		if q.periph == xs.periph && q.requeue < xs.requeue {
			ch.queue = append(ch.queue, nil)
			copy(ch.queue[i+2:], ch.queue[i+1:])
			ch.queue[i+1] = xs
			return true
		}
	}
	return false
}

// removeLocked takes xs off whichever queue it is on.
func (ch *Channel) removeLocked(xs *Xfer) {
	var q *[]*Xfer
	switch xs.queue {
	case queuePending:
		q = &ch.queue
	case queueComplete:
		q = &ch.completeq
	default:
		return
	}
	for i, e := range *q {
		if e == xs {
			copy((*q)[i:], (*q)[i+1:])
			(*q)[len(*q)-1] = nil
			*q = (*q)[:len(*q)-1]
			break
		}
	}
	xs.queue = queueNone
}

// runnableLocked reports whether xs may be dispatched now.
func (ch *Channel) runnableLocked(xs *Xfer) bool {
	p := xs.periph
	if p.sent >= p.openings || p.qfreeze != 0 || p.flags&periphUntag != 0 {
		return false
	}
	if p.flags&(periphRecovering|periphSense) != 0 && xs.Flags&CtlUrgent == 0 {
		return false
	}
	if xs.Flags&CtlTagMask != 0 && !p.hasFreeTagLocked() {
		return false
	}
	return true
}

// runQueue dispatches as many queued descriptors as the openings allow. It
// is safe to call from any goroutine at any time; a descriptor leaves the
// queue only under the lock, so it is dispatched once.
func (ch *Channel) runQueue() {
	for {
		ch.mu.Lock()
		if ch.qfreeze != 0 {
			ch.mu.Unlock()
			return
		}

		var xs *Xfer
		for _, q := range ch.queue {
			if ch.runnableLocked(q) {
				xs = q
				break
			}
		}
		if xs == nil {
			ch.mu.Unlock()
			return
		}

		if !ch.getResourceLocked() {
			if !ch.growResourcesLocked() {
				if xs.Flags&CtlPoll != 0 {
					pkg.LogWarn(pkg.ComponentChannel, "polling command but no adapter resources",
						xs.periph.logAttrs()...)
				}
				ch.mu.Unlock()
				return
			}
			// Growth ran without the lock; start over if things moved.
			if xs.queue != queuePending || ch.qfreeze != 0 || !ch.runnableLocked(xs) {
				ch.putResourceLocked()
				ch.mu.Unlock()
				continue
			}
		}

		ch.removeLocked(xs)
		p := xs.periph
		if xs.Flags&CtlTagMask != 0 {
			p.getTagLocked(xs)
			xs.tagged = true
		} else {
			p.flags |= periphUntag
		}
		p.sent++
		xs.busy = true
		ch.mu.Unlock()

		if pkg.DebugEnabled(pkg.ComponentXfer) {
			pkg.LogDebug(pkg.ComponentXfer, "dispatch", p.logAttrs("xfer", xs.String())...)
		}
		ch.adapt.driver.Request(ch, ReqRunXfer, xs)
	}
}
