package scsipi

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softscsi/pkg"
)

// MaxOpenings is the argument of EventMaxOpenings.
type MaxOpenings struct {
	Target   int
	LUN      int // -1 for every LUN of the target
	Openings int
}

// XferMode is the argument of EventXferMode and ReqSetXferMode.
type XferMode struct {
	Target int
	Mode   Cap
	Period int // sync factor
	Offset int // sync offset; zero means async
}

// AsyncEvent delivers an adapter notification. It may be called from any
// goroutine, but not with the engine lock held.
func (ch *Channel) AsyncEvent(ev AsyncEvent, arg any) {
	switch ev {
	case EventMaxOpenings:
		mo, ok := arg.(*MaxOpenings)
		if !ok {
			break
		}
		ch.mu.Lock()
		ch.maxOpeningsLocked(mo)
		ch.mu.Unlock()
		return
	case EventXferMode:
		xm, ok := arg.(*XferMode)
		if !ok {
			break
		}
		ch.xferModeEvent(xm)
		return
	case EventReset:
		ch.resetEvent()
		return
	}
	pkg.LogWarn(pkg.ComponentChannel, "bad async event",
		pkg.KeyBus, ch.bus, "event", ev, "arg", fmt.Sprintf("%T", arg))
}

// maxOpeningsLocked lowers the openings of the addressed periphs, or raises
// them for periphs that allow it.
func (ch *Channel) maxOpeningsLocked(mo *MaxOpenings) {
	minLUN, maxLUN := mo.LUN, mo.LUN
	if mo.LUN == -1 {
		minLUN, maxLUN = 0, ch.nluns-1
	}
	openings := mo.Openings
	if openings > MaxTags {
		openings = MaxTags
	}
	for lun := minLUN; lun <= maxLUN; lun++ {
		p := ch.lookupPeriphLocked(mo.Target, lun)
		if p == nil {
			continue
		}
		switch {
		case openings < p.openings:
			p.openings = openings
		case openings > p.openings && p.flags&periphGrowOpenings != 0:
			p.openings = openings
			if p.waiting > 0 {
				p.cond.Broadcast()
			}
		}
	}
}

// xferModeEvent records the mode the adapter negotiated with a target.
func (ch *Channel) xferModeEvent(xm *XferMode) {
	ch.mu.Lock()
	var first *Periph
	var mode Cap
	for lun := 0; lun < ch.nluns; lun++ {
		p := ch.lookupPeriphLocked(xm.Target, lun)
		if p == nil {
			continue
		}
		p.mode = xm.Mode & p.cap
		p.period = xm.Period
		p.offset = xm.Offset
		if first == nil {
			first, mode = p, p.mode
		}
	}
	ch.mu.Unlock()

	if first == nil {
		return
	}

	var desc []string
	if mode&(CapSync|CapDT) != 0 && xm.Offset != 0 {
		period := SyncFactorToPeriod(xm.Period)
		freq := SyncFactorToFreq(xm.Period)
		s := fmt.Sprintf("sync (%d.%02dns, %d.%03dMHz, offset %d)",
			period/100, period%100, freq/1000, freq%1000, xm.Offset)
		if mode&CapDT != 0 {
			s = "dt " + s
		}
		desc = append(desc, s)
	}
	switch {
	case mode&CapWide32 != 0:
		desc = append(desc, "32-bit wide")
	case mode&CapWide16 != 0:
		desc = append(desc, "16-bit wide")
	}
	if mode&CapTQing != 0 {
		desc = append(desc, "tagged queueing")
	}
	if len(desc) == 0 {
		desc = append(desc, "async")
	}
	pkg.LogInfo(pkg.ComponentPeriph, "transfer mode negotiated",
		first.logAttrs("mode", strings.Join(desc, ", "))...)
}

// resetEvent handles a bus reset. Queued sense fetches can no longer
// succeed and are finished with XSReset without reaching the adapter.
// Commands waiting for their sense fetch are marked the same way.
func (ch *Channel) resetEvent() {
	ch.mu.Lock()
	var pulled []*Xfer
	for _, xs := range ch.queue {
		if xs.Flags&CtlRequestSense != 0 {
			pulled = append(pulled, xs)
		}
	}
	for _, xs := range pulled {
		ch.removeLocked(xs)
		xs.Error = XSReset
		xs.done = true
		// Same freezes Done would have applied.
		xs.periph.qfreeze++
		if xs.Flags&CtlFreezePeriph != 0 {
			xs.periph.qfreeze++
		}
		if xs.Flags&CtlAsync != 0 {
			xs.queue = queueComplete
			ch.completeq = append(ch.completeq, xs)
		}
	}
	ch.xsCond.Broadcast()
	ch.tcond.Broadcast()

	for key, p := range ch.periphs {
		if key.target == ch.id {
			continue
		}
		if p.xscheck != nil {
			p.xscheck.Error = XSReset
		}
	}
	ch.mu.Unlock()

	pkg.LogInfo(pkg.ComponentChannel, "bus reset", pkg.KeyBus, ch.bus, "sense_aborted", len(pulled))
}

// TargetDetach aborts and removes the periphs at target/lun. Either may be
// -1 to select all.
func (ch *Channel) TargetDetach(target, lun int) error {
	minT, maxT := 0, ch.ntargets
	if target != -1 {
		if target == ch.id || target < 0 || target >= ch.ntargets {
			return errors.Wrapf(unix.EINVAL, "detach of target %d", target)
		}
		minT, maxT = target, target+1
	}
	minL, maxL := 0, ch.nluns
	if lun != -1 {
		if lun < 0 || lun >= ch.nluns {
			return errors.Wrapf(unix.EINVAL, "detach of lun %d", lun)
		}
		minL, maxL = lun, lun+1
	}

	for t := minT; t < maxT; t++ {
		if t == ch.id {
			continue
		}
		for l := minL; l < maxL; l++ {
			p := ch.LookupPeriph(t, l)
			if p == nil {
				continue
			}
			p.KillPending()
			ch.RemovePeriph(p)
		}
	}
	return nil
}

// SetXferMode asks the adapter to negotiate the best mode the target's
// first known LUN supports. With immed a TEST UNIT READY follows, since
// most adapters only negotiate while running a command.
func (ch *Channel) SetXferMode(target int, immed bool) {
	var p *Periph
	ch.mu.Lock()
	for lun := 0; lun < ch.nluns && p == nil; lun++ {
		p = ch.lookupPeriphLocked(target, lun)
	}
	ch.mu.Unlock()
	if p == nil {
		return
	}

	ch.adapt.driver.Request(ch, ReqSetXferMode, &XferMode{Target: target, Mode: p.cap})

	if immed {
		_ = p.TestUnitReady(CtlDiscovery | CtlIgnoreIllegalRequest |
			CtlIgnoreNotReady | CtlIgnoreMediaChange)
	}
}
