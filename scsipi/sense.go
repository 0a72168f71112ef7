package scsipi

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softscsi/pkg"
)

// interpretSense consults the periph Error hook, then the default handler.
func (ch *Channel) interpretSense(xs *Xfer) error {
	if h := xs.periph.hooks.Error; h != nil {
		if err := h(xs); !errors.Is(err, ErrDefaultSense) {
			return err
		}
	}
	return InterpretSense(xs)
}

// InterpretSense is the default sense handler. It maps the sense data of a
// failed command to nil, ErrRestart or an errno, honoring the command's
// ignore and silent flags. Periph Error hooks may call it for sense data
// they do not handle themselves.
func InterpretSense(xs *Xfer) error {
	p := xs.periph
	sense := &xs.Sense

	switch rcode := sense.ResponseCode(); rcode {
	// Old SCSI-1 and SASI devices use codes other than 0x70.
	case 0x00:
		return nil
	case 0x04:
		p.mediaUnloaded()
		if xs.Flags&CtlIgnoreNotReady != 0 {
			return nil
		}
		return unix.EIO
	case 0x20:
		if xs.Flags&CtlIgnoreIllegalRequest != 0 {
			return nil
		}
		return unix.EINVAL
	case 0x25:
		return unix.EACCES

	case SenseRCodeDeferred, SenseRCodeCurrent:
		key := sense.Key()
		if rcode == SenseRCodeDeferred {
			pkg.LogWarn(pkg.ComponentPeriph, "deferred error",
				p.logAttrs("key", SenseKeyString(key))...)
		}
		quiet, err := decodeSenseKey(xs, key)
		if quiet || key == SenseNoSense || xs.Flags&CtlSilent != 0 {
			return err
		}
		pkg.LogWarn(pkg.ComponentPeriph, senseMessage(xs, key), p.logAttrs()...)
		return err

	default:
		attrs := p.logAttrs("code", fmt.Sprintf("0x%02x", rcode))
		if sense.Valid() {
			block := int(sense[1]&0x1f)<<16 | int(sense[2])<<8 | int(sense[3])
			attrs = append(attrs, "block", block)
		}
		pkg.LogWarn(pkg.ComponentPeriph, "undecodable sense error", attrs...)
		return unix.EIO
	}
}

// decodeSenseKey handles fixed-format sense. quiet is set when the result
// must be returned without logging.
func decodeSenseKey(xs *Xfer, key uint8) (quiet bool, err error) {
	p := xs.periph
	sense := &xs.Sense
	silent := xs.Flags&CtlSilent != 0

	switch key {
	case SenseNoSense, SenseRecoveredError:
		if xs.Resid == len(xs.Data) && len(xs.Data) != 0 {
			xs.Resid = 0
		}
		return false, nil
	case SenseEqual:
		return false, nil

	case SenseNotReady:
		p.mediaUnloaded()
		if xs.Flags&CtlIgnoreNotReady != 0 {
			return true, nil
		}
		if sense.ASC() == ASCMediumNotPresent {
			if xs.Flags&CtlSilentNoDev != 0 {
				return true, unix.ENODEV
			}
			return silent, unix.ENODEV
		}
		return silent, unix.EIO

	case SenseIllegalRequest:
		if xs.Flags&CtlIgnoreIllegalRequest != 0 {
			return true, nil
		}
		// Probing a LUN the target does not have.
		if xs.Flags&CtlDiscovery != 0 && sense.ASC() == ASCLUNNotSupported && sense.ASCQ() == 0 {
			return true, unix.EINVAL
		}
		if silent {
			return true, unix.EIO
		}
		return false, unix.EINVAL

	case SenseUnitAttention:
		if sense.ASC() == ASCPowerOnReset && sense.ASCQ() == 0 {
			return true, ErrRestart
		}
		p.mediaUnloaded()
		if xs.Flags&CtlIgnoreMediaChange != 0 || !p.removable() {
			return true, ErrRestart
		}
		return silent, unix.EIO

	case SenseDataProtect:
		return false, unix.EROFS
	case SenseBlankCheck:
		return false, nil
	case SenseAbortedCommand:
		if xs.Retries != 0 {
			xs.Retries--
			return false, ErrRestart
		}
		return false, unix.EIO
	case SenseVolumeOverflow:
		return false, unix.ENOSPC
	default:
		return false, unix.EIO
	}
}

var senseKeyMessages = [...]string{
	"soft error (corrected)",
	"not ready",
	"medium error",
	"non-media hardware failure",
	"illegal request",
	"unit attention",
	"readonly device",
	"no data found",
	"vendor unique",
	"copy aborted",
	"command aborted",
	"search returned equal",
	"volume overflow",
	"verify miscompare",
	"unknown error key",
}

func senseMessage(xs *Xfer, key uint8) string {
	sense := &xs.Sense
	i := int(key) - 1
	if i < 0 || i >= len(senseKeyMessages) {
		i = len(senseKeyMessages) - 1
	}
	var b strings.Builder
	b.WriteString(senseKeyMessages[i])
	if sense.Valid() {
		info := sense.Info()
		switch key {
		case SenseNotReady, SenseIllegalRequest, SenseUnitAttention, SenseDataProtect:
		case SenseBlankCheck:
			fmt.Fprintf(&b, ", requested size: %d", info)
		case SenseAbortedCommand:
			if xs.Retries != 0 {
				b.WriteString(", retrying")
			}
			var op byte
			if len(xs.CDB) > 0 {
				op = xs.CDB[0]
			}
			fmt.Fprintf(&b, ", cmd 0x%x, info 0x%x", op, info)
		default:
			fmt.Fprintf(&b, ", info = %d", info)
		}
	}
	if extra := sense.Extra(); len(extra) != 0 {
		b.WriteString(", data =")
		for _, c := range extra {
			fmt.Fprintf(&b, " %02x", c)
		}
	}
	return b.String()
}

// requestSense fetches sense data for a command that ended in CHECK
// CONDITION and records the outcome in xs.Error.
func (ch *Channel) requestSense(xs *Xfer) {
	p := xs.periph

	ch.mu.Lock()
	p.flags |= periphSense
	if p.flags&periphSenseFetch != 0 {
		// One fetch at a time. The freeze Done put on this command would
		// keep the fetch in flight from dispatching, so give it back until
		// our turn comes; the sense flag keeps normal commands out.
		p.sensewait++
		p.thawLocked(1)
		ch.mu.Unlock()
		ch.runQueue()
		ch.mu.Lock()
		for p.flags&periphSenseFetch != 0 {
			p.senseq.Wait()
		}
		p.qfreeze++
		p.sensewait--
	}
	p.flags |= periphSenseFetch
	ch.mu.Unlock()

	// A polled command gets a polled sense fetch, which cannot sleep.
	flags := xs.Flags & CtlPoll
	if flags != 0 {
		flags |= CtlNoSleep
	}
	flags |= CtlRequestSense | CtlUrgent | CtlDataIn | CtlThawPeriph | CtlFreezePeriph

	cdb := []byte{OpRequestSense, 0, 0, 0, SenseDataSize, 0}
	err := p.Command(cdb, xs.Sense[:], 0, time.Second, nil, flags)

	ch.mu.Lock()
	p.flags &^= periphSenseFetch
	if p.sensewait == 0 {
		p.flags &^= periphSense
		p.xscheck = nil
	}
	p.senseq.Broadcast()
	if p.waiting > 0 {
		p.cond.Broadcast()
	}
	errno := pkg.Errno(err)
	switch {
	case err == nil:
		xs.Error = XSSense
	case errno == unix.EINTR:
		// Interrupted by a bus reset.
		xs.Error = XSReset
	default:
		xs.Error = XSDriverStuffup
	}
	ch.mu.Unlock()

	if err != nil && errno != unix.EINTR && errno != unix.EIO {
		pkg.LogWarn(pkg.ComponentXfer, "request sense failed", p.logAttrs("error", err)...)
	}
}
