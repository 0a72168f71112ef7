package scsipi

import (
	"sync"
	"time"

	"github.com/ardnew/softscsi/pkg"
)

// ChannelConfig holds per-bus settings.
type ChannelConfig struct {
	Bus      int // Bus number, for logging
	ID       int // The adapter's own target ID on this bus
	NTargets int // Number of target IDs
	NLUNs    int // Number of LUNs per target

	// Openings, when positive, gives the channel its own opening count
	// instead of sharing the adapter's.
	Openings int

	// CanGrow lets the engine ask the adapter for more openings.
	CanGrow bool

	// PoolLimit caps the number of descriptors. Zero is unlimited.
	PoolLimit int

	BusyDelay    time.Duration // Back-off before retrying a busy device
	GrowDelay    time.Duration // Pause between failed growth attempts
	PollInterval time.Duration // Done-flag re-check interval for polled commands

	// InitCallback runs on the completion goroutine before it starts
	// taking work.
	InitCallback func(ch *Channel)
}

// DefaultChannelConfig returns the default bus settings.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		ID:           7,
		NTargets:     8,
		NLUNs:        8,
		BusyDelay:    time.Second,
		GrowDelay:    100 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
}

type periphKey struct {
	target int
	lun    int
}

// Channel is one bus of an adapter.
type Channel struct {
	adapt *Adapter
	mu    *sync.Mutex

	bus          int
	id           int
	ntargets     int
	nluns        int
	ownOpenings  bool
	canGrow      bool
	busyDelay    time.Duration
	growDelay    time.Duration
	pollInterval time.Duration
	initCB       func(*Channel)

	// Guarded by mu.
	openings  int
	queue     []*Xfer
	completeq []*Xfer
	qfreeze   int
	thaw      *time.Timer
	thawGen   uint64
	periphs   map[periphKey]*Periph
	pool      *xferPool
	xsCond    *sync.Cond // synchronous completion waiters
	tcond     *sync.Cond // completion goroutine wakeups and exit
	tflags    threadFlag
	tactive   bool
	trunning  bool
	callback  func(*Channel)

	// Completions finishing off the completion goroutine.
	sensewg sync.WaitGroup
}

// NewChannel attaches a channel to the adapter.
func NewChannel(a *Adapter, cfg ChannelConfig) *Channel {
	def := DefaultChannelConfig()
	if cfg.NTargets <= 0 {
		cfg.NTargets = def.NTargets
	}
	if cfg.NLUNs <= 0 {
		cfg.NLUNs = def.NLUNs
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = def.BusyDelay
	}
	if cfg.GrowDelay <= 0 {
		cfg.GrowDelay = def.GrowDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	ch := &Channel{
		adapt:        a,
		mu:           &a.mu,
		bus:          cfg.Bus,
		id:           cfg.ID,
		ntargets:     cfg.NTargets,
		nluns:        cfg.NLUNs,
		ownOpenings:  cfg.Openings > 0,
		openings:     cfg.Openings,
		canGrow:      cfg.CanGrow,
		busyDelay:    cfg.BusyDelay,
		growDelay:    cfg.GrowDelay,
		pollInterval: cfg.PollInterval,
		initCB:       cfg.InitCallback,
		periphs:      make(map[periphKey]*Periph),
	}
	ch.pool = newXferPool(ch.mu, cfg.PoolLimit)
	ch.xsCond = sync.NewCond(ch.mu)
	ch.tcond = sync.NewCond(ch.mu)

	a.mu.Lock()
	a.channels = append(a.channels, ch)
	a.mu.Unlock()

	pkg.LogDebug(pkg.ComponentChannel, "channel attached",
		"adapter", a.name,
		pkg.KeyBus, cfg.Bus,
		"targets", cfg.NTargets,
		"luns", cfg.NLUNs)
	return ch
}

// Adapter returns the owning adapter.
func (ch *Channel) Adapter() *Adapter { return ch.adapt }

// Bus returns the bus number.
func (ch *Channel) Bus() int { return ch.bus }

// ID returns the adapter's own target ID on the bus.
func (ch *Channel) ID() int { return ch.id }

// NTargets returns the number of target IDs on the bus.
func (ch *Channel) NTargets() int { return ch.ntargets }

// NLUNs returns the number of LUNs per target.
func (ch *Channel) NLUNs() int { return ch.nluns }

// InsertPeriph makes p visible to lookups.
func (ch *Channel) InsertPeriph(p *Periph) error {
	if p.ch != ch {
		return pkg.ErrWrongChannel
	}
	if p.target < 0 || p.target >= ch.ntargets || p.lun < 0 || p.lun >= ch.nluns {
		return pkg.ErrInvalidParameter
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	key := periphKey{p.target, p.lun}
	if _, ok := ch.periphs[key]; ok {
		return pkg.ErrPeriphExists
	}
	ch.periphs[key] = p
	pkg.LogDebug(pkg.ComponentPeriph, "periph attached", p.logAttrs("openings", p.openings)...)
	return nil
}

// RemovePeriph hides p from lookups.
func (ch *Channel) RemovePeriph(p *Periph) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	key := periphKey{p.target, p.lun}
	if ch.periphs[key] == p {
		delete(ch.periphs, key)
	}
	if p.thaw != nil {
		p.thaw.Stop()
		p.thaw = nil
		p.thawGen++
	}
	pkg.LogDebug(pkg.ComponentPeriph, "periph detached", p.logAttrs()...)
}

// LookupPeriph returns the periph at target/lun, or nil.
func (ch *Channel) LookupPeriph(target, lun int) *Periph {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lookupPeriphLocked(target, lun)
}

func (ch *Channel) lookupPeriphLocked(target, lun int) *Periph {
	if target < 0 || target >= ch.ntargets || lun < 0 || lun >= ch.nluns {
		return nil
	}
	return ch.periphs[periphKey{target, lun}]
}

// Periphs returns every attached periph.
func (ch *Channel) Periphs() []*Periph {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Periph, 0, len(ch.periphs))
	for _, p := range ch.periphs {
		out = append(out, p)
	}
	return out
}

// ChannelStats is a snapshot of a channel's counters.
type ChannelStats struct {
	Openings    int // Free openings counted for this channel
	Freeze      int
	Queued      int
	Completing  int
	XfersInUse  int
	XfersTotal  int
	ThreadAlive bool
}

// Stats returns a snapshot of the channel's counters.
func (ch *Channel) Stats() ChannelStats {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	openings := ch.adapt.openings
	if ch.ownOpenings {
		openings = ch.openings
	}
	return ChannelStats{
		Openings:    openings,
		Freeze:      ch.qfreeze,
		Queued:      len(ch.queue),
		Completing:  len(ch.completeq),
		XfersInUse:  ch.pool.inUse,
		XfersTotal:  ch.pool.total,
		ThreadAlive: ch.tactive,
	}
}

// getResourceLocked takes one opening from the channel or the adapter.
func (ch *Channel) getResourceLocked() bool {
	if ch.ownOpenings {
		if ch.openings > 0 {
			ch.openings--
			return true
		}
		return false
	}
	if ch.adapt.openings > 0 {
		ch.adapt.openings--
		return true
	}
	return false
}

func (ch *Channel) putResourceLocked() {
	if ch.ownOpenings {
		ch.openings++
	} else {
		ch.adapt.openings++
	}
}

// GrowOpenings adds n openings. Adapters call it while serving
// ReqGrowResources.
func (ch *Channel) GrowOpenings(n int) {
	if n <= 0 {
		return
	}
	ch.mu.Lock()
	if ch.ownOpenings {
		ch.openings += n
	} else {
		ch.adapt.openings += n
	}
	ch.mu.Unlock()
	pkg.LogDebug(pkg.ComponentChannel, "openings grown", pkg.KeyBus, ch.bus, "count", n)
}

// growResourcesLocked asks the adapter for more openings. Without a running
// completion goroutine the request is made inline, dropping the lock, and a
// resource is taken on success. Otherwise the channel is frozen and the
// goroutine is asked to do it, and this attempt fails.
func (ch *Channel) growResourcesLocked() bool {
	if !ch.canGrow {
		return false
	}
	if ch.tactive {
		if ch.tflags&threadGrowRes == 0 {
			ch.qfreeze++
			ch.tflags |= threadGrowRes
			ch.tcond.Broadcast()
		}
		return false
	}
	ch.mu.Unlock()
	ch.adapt.driver.Request(ch, ReqGrowResources, nil)
	ch.mu.Lock()
	return ch.getResourceLocked()
}

// Freeze stops dispatch on the channel until a matching Thaw.
func (ch *Channel) Freeze(n int) {
	ch.mu.Lock()
	ch.qfreeze += n
	ch.mu.Unlock()
}

// Thaw undoes n freezes, never going below zero. Dispatch resumes when the
// count reaches zero.
func (ch *Channel) Thaw(n int) {
	ch.mu.Lock()
	ch.thawLocked(n)
	zero := ch.qfreeze == 0
	ch.mu.Unlock()
	if zero {
		ch.runQueue()
	}
}

func (ch *Channel) thawLocked(n int) {
	ch.qfreeze -= n
	if ch.qfreeze < 0 {
		ch.qfreeze = 0
	}
}

// FreezeFor freezes the channel by one and thaws it after d. If a timed
// thaw is already pending, its deadline moves to d from now instead.
func (ch *Channel) FreezeFor(d time.Duration) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.thaw != nil {
		ch.thaw.Reset(d)
		return
	}
	ch.qfreeze++
	ch.thawGen++
	gen := ch.thawGen
	ch.thaw = time.AfterFunc(d, func() { ch.timedThaw(gen) })
}

// CancelTimedThaw stops a pending timed thaw and applies its thaw now.
// Returns false if none was pending.
func (ch *Channel) CancelTimedThaw() bool {
	ch.mu.Lock()
	if ch.thaw == nil {
		ch.mu.Unlock()
		return false
	}
	ch.thaw.Stop()
	ch.thaw = nil
	ch.thawGen++
	ch.thawLocked(1)
	zero := ch.qfreeze == 0
	ch.mu.Unlock()
	if zero {
		ch.runQueue()
	}
	return true
}

func (ch *Channel) timedThaw(gen uint64) {
	ch.mu.Lock()
	if ch.thaw == nil || ch.thawGen != gen {
		ch.mu.Unlock()
		return
	}
	ch.thaw = nil
	ch.thawLocked(1)
	zero := ch.qfreeze == 0
	ch.mu.Unlock()
	if zero {
		ch.runQueue()
	}
}

// Kick runs the queue, on the completion goroutine when it is active.
func (ch *Channel) Kick() {
	ch.mu.Lock()
	if ch.tactive {
		ch.tflags |= threadKick
		ch.tcond.Broadcast()
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	ch.runQueue()
}
