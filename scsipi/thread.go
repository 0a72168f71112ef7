package scsipi

import (
	"time"

	"github.com/ardnew/softscsi/pkg"
)

// Init starts the channel's completion goroutine and waits until it is
// taking work. Until then async commands run synchronously.
func (ch *Channel) Init() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.trunning {
		return pkg.ErrAlreadyRunning
	}
	ch.trunning = true
	ch.tflags = 0
	go ch.completionThread()
	for !ch.tactive && ch.trunning {
		ch.tcond.Wait()
	}
	pkg.LogDebug(pkg.ComponentThread, "completion thread started", pkg.KeyBus, ch.bus)
	return nil
}

// Shutdown stops the completion goroutine and waits for it to exit. Failed
// async commands still queued for it are completed before it exits.
func (ch *Channel) Shutdown() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.trunning {
		return pkg.ErrNotRunning
	}
	ch.tflags |= threadShutdown
	ch.tcond.Broadcast()
	for ch.trunning {
		ch.tcond.Wait()
	}
	pkg.LogDebug(pkg.ComponentThread, "completion thread stopped", pkg.KeyBus, ch.bus)
	return nil
}

// ThreadCallCallback asks the completion goroutine to run cb. The channel
// is frozen by one until then, and thawed just before cb runs.
func (ch *Channel) ThreadCallCallback(cb func(*Channel)) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.tactive {
		return pkg.ErrNoThread
	}
	if ch.tflags&threadCallback != 0 {
		return pkg.ErrCallbackPending
	}
	ch.qfreeze++
	ch.callback = cb
	ch.tflags |= threadCallback
	ch.tcond.Broadcast()
	return nil
}

func (ch *Channel) completionThread() {
	if ch.initCB != nil {
		ch.initCB(ch)
	}

	ch.mu.Lock()
	ch.tactive = true
	ch.tcond.Broadcast()

	for {
		if len(ch.completeq) == 0 && ch.tflags == 0 {
			ch.tcond.Wait()
			continue
		}

		if ch.tflags&threadCallback != 0 {
			ch.tflags &^= threadCallback
			cb := ch.callback
			ch.callback = nil
			ch.thawLocked(1)
			ch.mu.Unlock()
			if cb != nil {
				cb(ch)
			}
			ch.runQueue()
			ch.mu.Lock()
			continue
		}

		if ch.tflags&threadGrowRes != 0 {
			ch.tflags &^= threadGrowRes
			ch.mu.Unlock()
			ch.adapt.driver.Request(ch, ReqGrowResources, nil)
			ch.Thaw(1)
			ch.mu.Lock()
			if ch.tflags&threadGrowRes != 0 {
				// Growth failed again; don't spin on it.
				ch.mu.Unlock()
				time.Sleep(ch.growDelay)
				ch.mu.Lock()
			}
			continue
		}

		if ch.tflags&threadKick != 0 {
			ch.tflags &^= threadKick
			ch.mu.Unlock()
			ch.runQueue()
			ch.mu.Lock()
			continue
		}

		if ch.tflags&threadShutdown != 0 {
			break
		}

		if len(ch.completeq) != 0 {
			xs := ch.completeq[0]
			ch.removeLocked(xs)
			check := xs.Error == XSBusy && xs.Status == StatusCheck
			ch.mu.Unlock()
			ch.completeQueued(xs, check)
			ch.mu.Lock()
		}
	}

	ch.tactive = false
	left := append([]*Xfer(nil), ch.completeq...)
	checks := make([]bool, len(left))
	for i, xs := range left {
		ch.removeLocked(xs)
		checks[i] = xs.Error == XSBusy && xs.Status == StatusCheck
	}
	ch.mu.Unlock()

	for i, xs := range left {
		ch.completeQueued(xs, checks[i])
	}
	ch.sensewg.Wait()

	ch.mu.Lock()
	ch.trunning = false
	ch.tcond.Broadcast()
	ch.mu.Unlock()
}

// completeQueued finishes a descriptor taken off the completion queue. One
// that needs its sense fetched finishes on its own goroutine: the fetch only
// dispatches once the periph thaws, and the thaw can belong to a completion
// still queued behind it.
func (ch *Channel) completeQueued(xs *Xfer, check bool) {
	if !check {
		ch.complete(xs)
		ch.runQueue()
		return
	}
	ch.sensewg.Add(1)
	go func() {
		defer ch.sensewg.Done()
		ch.complete(xs)
		ch.runQueue()
	}()
}
