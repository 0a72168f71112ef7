package hba

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ardnew/softscsi/pkg"
	"github.com/ardnew/softscsi/scsipi"
	"github.com/ardnew/softscsi/target"
)

// abort reasons
const (
	abortNone int32 = iota
	abortKill
	abortReset
)

// job is one command held by the controller.
type job struct {
	xs     *scsipi.Xfer
	gen    uint64 // xs.Gen() at submit
	ch     *scsipi.Channel
	key    unitKey
	ctx    context.Context
	cancel context.CancelFunc
	reason atomic.Int32
}

// abort stops the job early. The first reason wins.
func (j *job) abort(reason int32) {
	j.reason.CompareAndSwap(abortNone, reason)
	j.cancel()
}

// Start starts the worker pool.
func (c *Controller) Start(ctx context.Context) error {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()

	if c.running {
		return pkg.ErrAlreadyRunning
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.jobs = make(chan *job, c.cfg.QueueDepth)
	c.running = true

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i, c.jobs)
	}

	pkg.LogDebug(pkg.ComponentAdapter, "controller started",
		"adapter", c.adapt.Name(),
		"workers", c.cfg.Workers)
	return nil
}

// Stop stops the worker pool. Queued commands are handed back to the
// engine for requeue.
func (c *Controller) Stop() error {
	c.poolMu.Lock()
	if !c.running {
		c.poolMu.Unlock()
		return pkg.ErrNotRunning
	}
	c.running = false
	c.cancel()
	close(c.jobs)
	c.poolMu.Unlock()

	c.wg.Wait()

	pkg.LogDebug(pkg.ComponentAdapter, "controller stopped",
		"adapter", c.adapt.Name())
	return nil
}

// Running reports whether the worker pool is running.
func (c *Controller) Running() bool {
	c.poolMu.RLock()
	defer c.poolMu.RUnlock()
	return c.running
}

// submit hands xs to a worker, or executes it inline when it is polled or
// no worker pool is running.
func (c *Controller) submit(ch *scsipi.Channel, xs *scsipi.Xfer) {
	p := xs.Periph()
	j := &job{
		xs:  xs,
		gen: xs.Gen(),
		ch:  ch,
		key: unitKey{p.Target(), p.LUN()},
	}

	c.poolMu.RLock()
	inline := !c.running || xs.Flags&scsipi.CtlPoll != 0
	base := context.Background()
	if c.running {
		base = c.ctx
	}
	j.ctx, j.cancel = context.WithCancel(base)

	c.mu.Lock()
	c.pending[xs] = j
	c.mu.Unlock()

	if !inline {
		select {
		case c.jobs <- j:
			c.poolMu.RUnlock()
			return
		default:
			c.poolMu.RUnlock()
			pkg.LogWarn(pkg.ComponentAdapter, "command queue full",
				"periph", p.String())
			xs.Error = scsipi.XSResourceShortage
			xs.Resid = len(xs.Data)
			c.finish(j)
			return
		}
	}
	c.poolMu.RUnlock()

	c.stats.polled.Add(1)
	c.execute(j)
	c.finish(j)
}

// worker executes queued commands.
func (c *Controller) worker(id int, jobs <-chan *job) {
	defer c.wg.Done()
	pkg.LogDebug(pkg.ComponentAdapter, "worker started", "id", id)

	for j := range jobs {
		c.execute(j)
		c.finish(j)
	}

	pkg.LogDebug(pkg.ComponentAdapter, "worker stopped", "id", id)
}

// finish hands the result to the engine, the way an interrupt handler
// would.
func (c *Controller) finish(j *job) {
	j.cancel()
	c.mu.Lock()
	delete(c.pending, j.xs)
	c.mu.Unlock()

	c.stats.completed.Add(1)
	j.ch.DoneGen(j.xs, j.gen)
}

// aborted sets the result of a job stopped early and reports whether it
// was.
func (c *Controller) aborted(j *job) bool {
	xs := j.xs
	switch j.reason.Load() {
	case abortKill:
		xs.Error = scsipi.XSDriverStuffup
	case abortReset:
		xs.Error = scsipi.XSReset
	default:
		if j.ctx.Err() == nil {
			return false
		}
		// The pool is shutting down.
		xs.Error = scsipi.XSRequeue
	}
	xs.Resid = len(xs.Data)
	return true
}

// wait sleeps for d or until the job is aborted.
func (j *job) wait(d time.Duration) bool {
	if d <= 0 {
		return j.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-j.ctx.Done():
		return false
	}
}

// execute runs one command against its unit and fills in the result.
func (c *Controller) execute(j *job) {
	xs := j.xs
	xs.Error = scsipi.XSNoError
	xs.Status = scsipi.StatusGood

	if c.aborted(j) {
		return
	}
	if f, inj, ok := c.nextFault(j); ok {
		c.applyFault(j, f, inj)
		return
	}

	u, present := c.lookup(j.key)
	if !present {
		c.stats.selTimeouts.Add(1)
		xs.Error = scsipi.XSSelTimeout
		xs.Resid = len(xs.Data)
		return
	}
	if u == nil {
		c.noUnit(j)
		return
	}

	if !c.enter(j.key) {
		c.stats.queueFull.Add(1)
		xs.Error = scsipi.XSBusy
		xs.Status = scsipi.StatusQueueFull
		xs.Resid = len(xs.Data)
		return
	}
	defer c.leave(j.key)

	latency := c.cfg.Latency
	if xs.Timeout > 0 && latency > xs.Timeout {
		if !j.wait(xs.Timeout) && c.aborted(j) {
			return
		}
		c.stats.timeouts.Add(1)
		pkg.LogDebug(pkg.ComponentAdapter, "command timed out",
			"periph", xs.Periph().String(),
			"opcode", xs.CDB[0],
			"timeout", xs.Timeout)
		xs.Error = scsipi.XSTimeout
		xs.Resid = len(xs.Data)
		return
	}
	if !j.wait(latency) && c.aborted(j) {
		return
	}

	if xs.CDB[0] == scsipi.OpRequestSense && c.heldSense(j) {
		return
	}
	c.setResult(j, u.Execute(xs.CDB, xs.Data))
}

// enter admits a command to the unit queue.
func (c *Controller) enter(key unitKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.UnitQueueDepth > 0 && c.active[key] >= c.cfg.UnitQueueDepth {
		return false
	}
	c.active[key]++
	return true
}

func (c *Controller) leave(key unitKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[key]--; c.active[key] <= 0 {
		delete(c.active, key)
	}
}

// heldSense answers REQUEST SENSE from the sense kept since the last
// CHECK CONDITION of the unit, if any.
func (c *Controller) heldSense(j *job) bool {
	c.mu.Lock()
	sense, ok := c.ca[j.key]
	delete(c.ca, j.key)
	c.mu.Unlock()
	if !ok {
		return false
	}
	xs := j.xs
	n := min(int(xs.CDB[4]), len(xs.Data), senseLength)
	copy(xs.Data[:n], sense[:n])
	xs.Resid = len(xs.Data) - n
	return true
}

// noUnit answers for a LUN the target does not have.
func (c *Controller) noUnit(j *job) {
	xs := j.xs
	switch xs.CDB[0] {
	case scsipi.OpInquiry:
		n := target.NoUnitInquiry(xs.Data)
		xs.Resid = len(xs.Data) - n
	case scsipi.OpRequestSense:
		if c.heldSense(j) {
			return
		}
		var sense scsipi.SenseData
		sense.Set(scsipi.SenseIllegalRequest, scsipi.ASCLUNNotSupported, 0)
		n := min(int(xs.CDB[4]), len(xs.Data), senseLength)
		copy(xs.Data[:n], sense[:n])
		xs.Resid = len(xs.Data) - n
	default:
		var sense scsipi.SenseData
		sense.Set(scsipi.SenseIllegalRequest, scsipi.ASCLUNNotSupported, 0)
		c.setResult(j, target.Result{
			Status: scsipi.StatusCheck,
			Resid:  len(xs.Data),
			Sense:  sense,
		})
	}
}

// setResult translates a unit result into the descriptor. A CHECK
// CONDITION carries its sense with autosense; otherwise the sense is held
// for the engine's REQUEST SENSE.
func (c *Controller) setResult(j *job, res target.Result) {
	xs := j.xs
	xs.Status = res.Status
	xs.Resid = res.Resid

	switch res.Status {
	case scsipi.StatusGood:
		xs.Error = scsipi.XSNoError
	case scsipi.StatusCheck:
		if c.cfg.AutoSense {
			c.stats.autosense.Add(1)
			xs.Error = scsipi.XSSense
			xs.Sense = res.Sense
			return
		}
		c.mu.Lock()
		c.ca[j.key] = res.Sense
		c.mu.Unlock()
		xs.Error = scsipi.XSBusy
	default:
		xs.Error = scsipi.XSBusy
	}
}

// fixed-format sense length
const senseLength = 18
