package scsipi

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/ardnew/softscsi/pkg"
)

// PeriphHooks are the periph driver callbacks. All are optional and are
// called with the engine lock released.
type PeriphHooks struct {
	// Start is called when a descriptor is released and nobody is waiting
	// for the opening, so the driver can queue more work.
	Start func(p *Periph)

	// Done receives the final result of each command: once per command,
	// after retries. Internally issued REQUEST SENSE fetches are not
	// reported.
	Done func(xs *Xfer, err error)

	// Error is consulted before the default sense interpretation. Returning
	// ErrDefaultSense selects the default; any other value is the result.
	Error func(xs *Xfer) error
}

// PeriphConfig describes a logical unit to attach.
type PeriphConfig struct {
	Target int
	LUN    int

	// Openings is the number of commands the periph may have in flight.
	// Zero selects the adapter's MaxPeriph.
	Openings int

	Cap          Cap   // Capabilities the device supports
	Quirks       Quirk // Device quirks
	Removable    bool  // Removable medium
	GrowOpenings bool  // Allow MAX_OPENINGS events to raise openings

	Hooks PeriphHooks
}

// Periph is one target/LUN endpoint on a channel.
type Periph struct {
	ch     *Channel
	target int
	lun    int
	nexus  uuid.UUID
	cap    Cap
	quirks Quirk
	hooks  PeriphHooks

	// Guarded by the engine lock.
	mode      Cap
	period    int
	offset    int
	openings  int
	active    int
	sent      int
	flags     periphFlag
	qfreeze   int
	waiting   int
	freetags  [tagWords]uint32
	xfers     map[*Xfer]struct{}
	xscheck   *Xfer
	sensewait int // commands waiting for the sense fetch in flight
	thaw      *time.Timer
	thawGen   uint64
	cond      *sync.Cond // opening waiters
	drain     *sync.Cond // drain waiters
	senseq    *sync.Cond // sense fetch waiters
}

// NewPeriph creates a periph on the channel. It is not visible to lookups
// until InsertPeriph.
func (ch *Channel) NewPeriph(cfg PeriphConfig) *Periph {
	openings := cfg.Openings
	if openings <= 0 {
		openings = ch.adapt.maxPer
	}
	if openings > MaxTags {
		openings = MaxTags
	}
	p := &Periph{
		ch:       ch,
		target:   cfg.Target,
		lun:      cfg.LUN,
		nexus:    uuid.NewV4(),
		cap:      cfg.Cap,
		quirks:   cfg.Quirks,
		hooks:    cfg.Hooks,
		openings: openings,
		xfers:    make(map[*Xfer]struct{}),
		cond:     sync.NewCond(ch.mu),
		senseq:   sync.NewCond(ch.mu),
		drain:    sync.NewCond(ch.mu),
	}
	for i := range p.freetags {
		p.freetags[i] = 0xffffffff
	}
	if cfg.Removable {
		p.flags |= periphRemovable
	} else {
		p.flags |= periphMediaLoaded
	}
	if cfg.GrowOpenings {
		p.flags |= periphGrowOpenings
	}
	return p
}

// Channel returns the channel the periph is attached to.
func (p *Periph) Channel() *Channel { return p.ch }

// Target returns the target ID.
func (p *Periph) Target() int { return p.target }

// LUN returns the logical unit number.
func (p *Periph) LUN() int { return p.lun }

// Nexus returns the I_T_L nexus identifier assigned at creation.
func (p *Periph) Nexus() uuid.UUID { return p.nexus }

// Cap returns the device capabilities.
func (p *Periph) Cap() Cap { return p.cap }

// Quirks returns the device quirks.
func (p *Periph) Quirks() Quirk { return p.quirks }

// String returns the bus:target:lun address.
func (p *Periph) String() string {
	return fmt.Sprintf("%d:%d:%d", p.ch.bus, p.target, p.lun)
}

func (p *Periph) logAttrs(kv ...any) []any {
	return pkg.Addr(p.ch.bus, p.target, p.lun, append([]any{pkg.KeyNexus, p.nexus.String()}, kv...)...)
}

// PeriphStats is a snapshot of a periph's counters.
type PeriphStats struct {
	Openings       int
	Active         int
	Sent           int
	Freeze         int
	TagsInUse      int
	Mode           Cap
	Sense          bool
	Recovering     bool
	RecoveryActive bool
	Untagged       bool
	MediaLoaded    bool
}

// Stats returns a snapshot of the periph's counters.
func (p *Periph) Stats() PeriphStats {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	inUse := 0
	for _, w := range p.freetags {
		inUse += 32 - bits.OnesCount32(w)
	}
	return PeriphStats{
		Openings:       p.openings,
		Active:         p.active,
		Sent:           p.sent,
		Freeze:         p.qfreeze,
		TagsInUse:      inUse,
		Mode:           p.mode,
		Sense:          p.flags&periphSense != 0,
		Recovering:     p.flags&periphRecovering != 0,
		RecoveryActive: p.flags&periphRecoveryActive != 0,
		Untagged:       p.flags&periphUntag != 0,
		MediaLoaded:    p.flags&periphMediaLoaded != 0,
	}
}

// Mode returns the negotiated transfer mode.
func (p *Periph) Mode() Cap {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	return p.mode
}

// SyncParams returns the negotiated sync factor and offset.
func (p *Periph) SyncParams() (factor, offset int) {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	return p.period, p.offset
}

// SetRecovering marks the periph as running error recovery. While set, only
// urgent commands are admitted or dispatched.
func (p *Periph) SetRecovering(on bool) {
	p.ch.mu.Lock()
	if on {
		p.flags |= periphRecovering
	} else {
		p.flags &^= periphRecovering
		if p.waiting > 0 {
			p.cond.Broadcast()
		}
	}
	p.ch.mu.Unlock()
	if !on {
		p.ch.runQueue()
	}
}

// SetMediaLoaded records whether removable media is loaded.
func (p *Periph) SetMediaLoaded(loaded bool) {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	if loaded {
		p.flags |= periphMediaLoaded
	} else {
		p.flags &^= periphMediaLoaded
	}
}

func (p *Periph) mediaUnloaded() {
	p.ch.mu.Lock()
	if p.flags&periphRemovable != 0 {
		p.flags &^= periphMediaLoaded
	}
	p.ch.mu.Unlock()
}

func (p *Periph) removable() bool {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	return p.flags&periphRemovable != 0
}

// admitLocked applies the admission rules for a new descriptor, taking an
// opening or the recovery slot on success.
func (p *Periph) admitLocked(flags Control) bool {
	if flags&CtlUrgent != 0 {
		// Urgent commands borrow the opening of the command they recover.
		if p.active > p.openings {
			return false
		}
		if p.flags&periphSense != 0 {
			return flags&CtlRequestSense != 0
		}
		if p.flags&periphRecoveryActive != 0 {
			return false
		}
		p.flags |= periphRecoveryActive
		return true
	}
	if p.active >= p.openings || p.flags&(periphRecovering|periphSense) != 0 {
		return false
	}
	p.active++
	return true
}

// unadmitLocked returns what admitLocked took.
func (p *Periph) unadmitLocked(flags Control) {
	if flags&CtlUrgent != 0 {
		if flags&CtlRequestSense == 0 {
			p.flags &^= periphRecoveryActive
		}
		return
	}
	p.active--
}

// GetXfer allocates a descriptor for the periph, waiting for an opening
// unless CtlNoSleep is set.
func (p *Periph) GetXfer(flags Control) (*Xfer, error) {
	if flags&(CtlUrgent|CtlAsync) == CtlUrgent|CtlAsync {
		pkg.LogWarn(pkg.ComponentXfer, "urgent command cannot be async", p.logAttrs()...)
		return nil, pkg.ErrInvalidParameter
	}

	ch := p.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for !p.admitLocked(flags) {
		if flags&CtlNoSleep != 0 {
			return nil, pkg.ErrNoOpenings
		}
		p.waiting++
		p.flags |= periphWaiting
		p.cond.Wait()
		p.waiting--
		if p.waiting == 0 {
			p.flags &^= periphWaiting
		}
	}

	xs := ch.pool.get(flags&CtlNoSleep != 0)
	if xs == nil {
		p.unadmitLocked(flags)
		urgent := ""
		if flags&CtlUrgent != 0 {
			urgent = "urgent "
		}
		pkg.LogWarn(pkg.ComponentXfer, "unable to allocate "+urgent+"descriptor", p.logAttrs()...)
		return nil, pkg.ErrNoMemory
	}
	xs.periph = p
	xs.Flags = flags
	p.xfers[xs] = struct{}{}
	return xs, nil
}

// PutXfer releases a descriptor that is not queued or in flight, returning
// its opening. Descriptors handed to Execute are released by the engine.
func (p *Periph) PutXfer(xs *Xfer) {
	p.ch.mu.Lock()
	start := p.putXferLocked(xs)
	p.ch.mu.Unlock()
	if start {
		p.hooks.Start(p)
	}
}

// putXferLocked releases xs and reports whether the Start hook should run.
func (p *Periph) putXferLocked(xs *Xfer) bool {
	if !xs.inUse || xs.periph != p {
		pkg.LogWarn(pkg.ComponentXfer, "release of a free descriptor",
			p.logAttrs("slot", xs.slot)...)
		return false
	}
	if xs.queue != queueNone || xs.busy {
		pkg.LogError(pkg.ComponentXfer, "release of a queued descriptor",
			p.logAttrs("slot", xs.slot)...)
		return false
	}
	flags := xs.Flags
	delete(p.xfers, xs)
	if p.xscheck == xs {
		p.xscheck = nil
	}
	p.ch.pool.put(xs)

	if p.flags&periphRecoveryActive != 0 && p.active == 0 {
		pkg.LogWarn(pkg.ComponentPeriph, "recovery without a command to recover", p.logAttrs()...)
	}
	p.unadmitLocked(flags)

	if p.active == 0 && p.flags&periphWaitDrain != 0 {
		p.flags &^= periphWaitDrain
		p.drain.Broadcast()
	}
	if p.waiting > 0 {
		// Every waiter re-checks admission; one claims the opening.
		p.cond.Broadcast()
		return false
	}
	return p.hooks.Start != nil
}

// Freeze stops dispatch to the periph until a matching Thaw.
func (p *Periph) Freeze(n int) {
	p.ch.mu.Lock()
	p.qfreeze += n
	p.ch.mu.Unlock()
}

// Thaw undoes n freezes, never going below zero, and restarts dispatch when
// the periph is fully thawed.
func (p *Periph) Thaw(n int) {
	p.ch.mu.Lock()
	p.thawLocked(n)
	zero := p.qfreeze == 0
	p.ch.mu.Unlock()
	if zero {
		p.ch.runQueue()
	}
}

func (p *Periph) thawLocked(n int) {
	p.qfreeze -= n
	if p.qfreeze < 0 {
		pkg.LogWarn(pkg.ComponentPeriph, "periph freeze count < 0", p.logAttrs()...)
		p.qfreeze = 0
	}
	if p.qfreeze == 0 && p.waiting > 0 {
		p.cond.Broadcast()
	}
}

// FreezeFor freezes the periph by one and thaws it after d. If a timed
// thaw is already pending, its deadline moves to d from now instead.
func (p *Periph) FreezeFor(d time.Duration) {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	if p.thaw != nil {
		p.thaw.Reset(d)
		return
	}
	p.qfreeze++
	p.armThawLocked(d)
}

func (p *Periph) armThawLocked(d time.Duration) {
	p.thawGen++
	gen := p.thawGen
	p.thaw = time.AfterFunc(d, func() { p.timedThaw(gen) })
}

// CancelTimedThaw stops a pending timed thaw and applies its thaw now.
// Returns false if none was pending.
func (p *Periph) CancelTimedThaw() bool {
	p.ch.mu.Lock()
	if p.thaw == nil {
		p.ch.mu.Unlock()
		return false
	}
	p.thaw.Stop()
	p.thaw = nil
	p.thawGen++
	p.thawLocked(1)
	p.ch.mu.Unlock()
	p.ch.runQueue()
	return true
}

func (p *Periph) timedThaw(gen uint64) {
	ch := p.ch
	ch.mu.Lock()
	if p.thaw == nil || p.thawGen != gen {
		ch.mu.Unlock()
		return
	}
	p.thaw = nil
	p.thawLocked(1)
	if ch.tactive {
		ch.tflags |= threadKick
		ch.tcond.Broadcast()
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	ch.runQueue()
}

// WaitDrain blocks until the periph has no active descriptors.
func (p *Periph) WaitDrain() {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	for p.active != 0 {
		p.flags |= periphWaitDrain
		p.drain.Wait()
	}
}

// KillPending asks the adapter to abort the periph's outstanding commands,
// if it can, and waits for them to drain.
func (p *Periph) KillPending() {
	if k, ok := p.ch.adapt.driver.(PendingKiller); ok {
		k.KillPending(p)
	}
	p.WaitDrain()
}

// Xfers returns the descriptors currently allocated to the periph.
func (p *Periph) Xfers() []*Xfer {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	out := make([]*Xfer, 0, len(p.xfers))
	for xs := range p.xfers {
		out = append(out, xs)
	}
	return out
}

func (p *Periph) hasFreeTagLocked() bool {
	for _, w := range p.freetags {
		if w != 0 {
			return true
		}
	}
	return false
}

// getTagLocked assigns the lowest free tag ID to xs.
func (p *Periph) getTagLocked(xs *Xfer) {
	for word := range p.freetags {
		if p.freetags[word] == 0 {
			continue
		}
		bit := bits.TrailingZeros32(p.freetags[word])
		p.freetags[word] &^= 1 << bit
		xs.TagID = word<<5 | bit
		if xs.TagID >= p.openings {
			pkg.LogWarn(pkg.ComponentPeriph, "tag greater than available openings",
				p.logAttrs("tag", xs.TagID, "openings", p.openings)...)
		}
		return
	}
	pkg.LogError(pkg.ComponentPeriph, "no free tags", p.logAttrs()...)
}

func (p *Periph) putTagLocked(xs *Xfer) {
	p.freetags[xs.TagID>>5] |= 1 << (xs.TagID & 0x1f)
}
