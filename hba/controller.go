package hba

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softscsi/pkg"
	"github.com/ardnew/softscsi/scsipi"
	"github.com/ardnew/softscsi/target"
)

// unitKey addresses a logical unit on the bus.
type unitKey struct {
	target int
	lun    int
}

// Stats holds controller counters.
type Stats struct {
	Submitted   uint64 // Commands handed to the controller
	Completed   uint64 // Commands finished through Channel.Done
	Polled      uint64 // Commands executed inline
	Faults      uint64 // Injected faults
	SelTimeouts uint64 // Selections of absent targets
	Timeouts    uint64 // Commands slower than their timeout
	QueueFull   uint64 // Commands refused by a full unit queue
	Autosense   uint64 // CHECK CONDITIONs returned with sense
	Killed      uint64 // Commands aborted by KillPending
	Resets      uint64 // Bus resets
	Grown       uint64 // Openings added on request
}

type counters struct {
	submitted   atomic.Uint64
	completed   atomic.Uint64
	polled      atomic.Uint64
	faults      atomic.Uint64
	selTimeouts atomic.Uint64
	timeouts    atomic.Uint64
	queueFull   atomic.Uint64
	autosense   atomic.Uint64
	killed      atomic.Uint64
	resets      atomic.Uint64
	grown       atomic.Uint64
}

// Controller is an emulated host bus adapter with one channel. It
// implements scsipi.AdapterDriver, scsipi.PendingKiller and
// scsipi.Enabler.
type Controller struct {
	cfg   Config
	adapt *scsipi.Adapter
	ch    *scsipi.Channel

	mu      sync.Mutex
	units   map[unitKey]*target.Unit
	ca      map[unitKey]scsipi.SenseData // sense held for REQUEST SENSE
	active  map[unitKey]int
	pending map[*scsipi.Xfer]*job
	grown   int
	enabled bool

	// Fault injection
	faults  []*Injection
	rate    float64
	rateSet []Fault
	rng     *rand.Rand

	// Worker pool
	poolMu  sync.RWMutex
	jobs    chan *job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats counters
}

// New creates a controller and attaches its adapter and channel.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.GrowStep > 0 {
		cfg.Channel.CanGrow = true
		if cfg.MaxGrow <= 0 {
			cfg.MaxGrow = cfg.GrowStep
		}
	}

	c := &Controller{
		cfg:     cfg,
		units:   make(map[unitKey]*target.Unit),
		ca:      make(map[unitKey]scsipi.SenseData),
		active:  make(map[unitKey]int),
		pending: make(map[*scsipi.Xfer]*job),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
	c.adapt = scsipi.NewAdapter(c, cfg.Adapter)
	c.ch = scsipi.NewChannel(c.adapt, cfg.Channel)

	pkg.LogDebug(pkg.ComponentAdapter, "controller created",
		"adapter", c.adapt.Name(),
		"workers", cfg.Workers,
		"autosense", cfg.AutoSense)
	return c
}

// Adapter returns the scsipi adapter of the controller.
func (c *Controller) Adapter() *scsipi.Adapter { return c.adapt }

// Channel returns the scsipi channel of the controller.
func (c *Controller) Channel() *scsipi.Channel { return c.ch }

// Config returns the controller settings.
func (c *Controller) Config() Config { return c.cfg }

// Attach places u at target/lun.
func (c *Controller) Attach(tgt, lun int, u *target.Unit) error {
	if u == nil || tgt < 0 || tgt >= c.ch.NTargets() || tgt == c.ch.ID() ||
		lun < 0 || lun >= c.ch.NLUNs() {
		return errors.Wrapf(pkg.ErrInvalidParameter, "attach at %d:%d", tgt, lun)
	}
	key := unitKey{tgt, lun}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.units[key]; ok {
		return errors.Wrapf(unix.EEXIST, "unit at %d:%d", tgt, lun)
	}
	c.units[key] = u

	pkg.LogInfo(pkg.ComponentAdapter, "unit attached", pkg.Addr(c.ch.Bus(), tgt, lun)...)
	return nil
}

// Detach removes the unit at target/lun. Commands already executing on it
// finish normally.
func (c *Controller) Detach(tgt, lun int) *target.Unit {
	key := unitKey{tgt, lun}

	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.units[key]
	delete(c.units, key)
	delete(c.ca, key)
	return u
}

// Unit returns the unit at target/lun, or nil.
func (c *Controller) Unit(tgt, lun int) *target.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units[unitKey{tgt, lun}]
}

// lookup returns the unit at key and whether any unit answers at the
// target.
func (c *Controller) lookup(key unitKey) (*target.Unit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.units[key]; ok {
		return u, true
	}
	for k := range c.units {
		if k.target == key.target {
			return nil, true
		}
	}
	return nil, false
}

// Request implements scsipi.AdapterDriver.
func (c *Controller) Request(ch *scsipi.Channel, req scsipi.AdapterRequest, arg any) {
	switch req {
	case scsipi.ReqRunXfer:
		xs, ok := arg.(*scsipi.Xfer)
		if !ok {
			break
		}
		c.stats.submitted.Add(1)
		c.submit(ch, xs)
		return

	case scsipi.ReqGrowResources:
		c.growResources(ch)
		return

	case scsipi.ReqSetXferMode:
		xm, ok := arg.(*scsipi.XferMode)
		if !ok {
			break
		}
		c.setXferMode(ch, xm)
		return
	}
	pkg.LogWarn(pkg.ComponentAdapter, "bad adapter request",
		pkg.KeyBus, ch.Bus(), "request", req)
}

// growResources adds GrowStep openings until MaxGrow have been added.
func (c *Controller) growResources(ch *scsipi.Channel) {
	c.mu.Lock()
	n := min(c.cfg.GrowStep, c.cfg.MaxGrow-c.grown)
	if n > 0 {
		c.grown += n
	}
	c.mu.Unlock()

	if n <= 0 {
		pkg.LogDebug(pkg.ComponentAdapter, "cannot grow openings", pkg.KeyBus, ch.Bus())
		return
	}
	c.stats.grown.Add(uint64(n))
	ch.GrowOpenings(n)
}

// unitCaps reports the transfer features a unit advertises in INQUIRY.
func unitCaps(u *target.Unit) scsipi.Cap {
	inq := u.Inquiry()
	var caps scsipi.Cap
	if inq.Flags[2]&target.InquiryCmdQue != 0 {
		caps |= scsipi.CapTQing
	}
	if inq.Flags[2]&target.InquirySync != 0 {
		caps |= scsipi.CapSync
	}
	if inq.Flags[2]&target.InquiryWBus16 != 0 {
		caps |= scsipi.CapWide16
	}
	return caps
}

// setXferMode negotiates the requested mode with the target and reports
// the result.
func (c *Controller) setXferMode(ch *scsipi.Channel, xm *scsipi.XferMode) {
	mode := xm.Mode & c.cfg.Caps

	c.mu.Lock()
	var tcaps scsipi.Cap
	found := false
	for k, u := range c.units {
		if k.target == xm.Target {
			tcaps |= unitCaps(u)
			found = true
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}
	mode &= tcaps

	reply := scsipi.XferMode{Target: xm.Target, Mode: mode}
	if mode&scsipi.CapSync != 0 {
		reply.Period = max(xm.Period, c.cfg.SyncFactor)
		reply.Offset = c.cfg.SyncOffset
		if xm.Offset > 0 {
			reply.Offset = min(reply.Offset, xm.Offset)
		}
	}
	ch.AsyncEvent(scsipi.EventXferMode, &reply)
}

// SetMaxOpenings reports a new queue depth for target/lun, or for every
// LUN of target when lun is -1.
func (c *Controller) SetMaxOpenings(tgt, lun, openings int) {
	c.ch.AsyncEvent(scsipi.EventMaxOpenings, &scsipi.MaxOpenings{
		Target:   tgt,
		LUN:      lun,
		Openings: openings,
	})
}

// Enable implements scsipi.Enabler by starting and stopping the worker
// pool.
func (c *Controller) Enable(enable bool) error {
	c.mu.Lock()
	c.enabled = enable
	c.mu.Unlock()

	if enable {
		err := c.Start(context.Background())
		if err != nil && !errors.Is(err, pkg.ErrAlreadyRunning) {
			return err
		}
		return nil
	}
	err := c.Stop()
	if err != nil && !errors.Is(err, pkg.ErrNotRunning) {
		return err
	}
	return nil
}

// Enabled reports whether the adapter has been enabled.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// KillPending implements scsipi.PendingKiller. Commands of p that have
// not finished are aborted and complete with a driver error.
func (c *Controller) KillPending(p *scsipi.Periph) {
	c.mu.Lock()
	var kill []*job
	for xs, j := range c.pending {
		if xs.Periph() == p {
			kill = append(kill, j)
		}
	}
	c.mu.Unlock()

	for _, j := range kill {
		j.abort(abortKill)
	}
	c.stats.killed.Add(uint64(len(kill)))

	pkg.LogDebug(pkg.ComponentAdapter, "pending commands killed",
		"periph", p.String(),
		"count", len(kill))
}

// ResetBus resets every unit and aborts the commands in progress, which
// complete with XSReset.
func (c *Controller) ResetBus() {
	c.resetBus(nil)
}

func (c *Controller) resetBus(except *job) {
	c.mu.Lock()
	for _, u := range c.units {
		u.Reset()
	}
	clear(c.ca)
	var aborted []*job
	for _, j := range c.pending {
		if j != except {
			aborted = append(aborted, j)
		}
	}
	c.mu.Unlock()

	for _, j := range aborted {
		j.abort(abortReset)
	}
	c.stats.resets.Add(1)

	pkg.LogInfo(pkg.ComponentAdapter, "bus reset",
		pkg.KeyBus, c.ch.Bus(),
		"aborted", len(aborted))
	c.ch.AsyncEvent(scsipi.EventReset, nil)
}

// Pending returns the number of commands the controller holds.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Submitted:   c.stats.submitted.Load(),
		Completed:   c.stats.completed.Load(),
		Polled:      c.stats.polled.Load(),
		Faults:      c.stats.faults.Load(),
		SelTimeouts: c.stats.selTimeouts.Load(),
		Timeouts:    c.stats.timeouts.Load(),
		QueueFull:   c.stats.queueFull.Load(),
		Autosense:   c.stats.autosense.Load(),
		Killed:      c.stats.killed.Load(),
		Resets:      c.stats.resets.Load(),
		Grown:       c.stats.grown.Load(),
	}
}

// Ensure Controller implements the adapter interfaces
var (
	_ scsipi.AdapterDriver = (*Controller)(nil)
	_ scsipi.PendingKiller = (*Controller)(nil)
	_ scsipi.Enabler       = (*Controller)(nil)
)
