package hba

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ardnew/softscsi/pkg"
	"github.com/ardnew/softscsi/scsipi"
	"github.com/ardnew/softscsi/target"
)

// Fault is an injected command failure.
type Fault uint8

// Injectable faults.
const (
	FaultNone             Fault = iota
	FaultBusy                   // BUSY status
	FaultQueueFull              // QUEUE FULL status
	FaultSelTimeout             // Selection timeout
	FaultTimeout                // Command timeout
	FaultReset                  // Bus reset during the command
	FaultResourceShortage       // Adapter out of resources
	FaultRequeue                // Adapter asks for a requeue
	FaultStuffup                // Adapter internal error
	FaultCheck                  // CHECK CONDITION with Injection.Sense
)

var faultNames = [...]string{
	FaultNone:             "none",
	FaultBusy:             "busy",
	FaultQueueFull:        "qfull",
	FaultSelTimeout:       "seltimeout",
	FaultTimeout:          "timeout",
	FaultReset:            "reset",
	FaultResourceShortage: "shortage",
	FaultRequeue:          "requeue",
	FaultStuffup:          "stuffup",
	FaultCheck:            "check",
}

// String returns the fault name.
func (f Fault) String() string {
	if int(f) < len(faultNames) {
		return faultNames[f]
	}
	return fmt.Sprintf("Fault(%d)", uint8(f))
}

// ParseFault returns the fault named s.
func ParseFault(s string) (Fault, error) {
	for i, name := range faultNames {
		if strings.EqualFold(s, name) {
			return Fault(i), nil
		}
	}
	return FaultNone, errors.Wrapf(pkg.ErrInvalidParameter, "unknown fault %q", s)
}

// ParseFaults parses a comma separated list of fault names.
func ParseFaults(s string) ([]Fault, error) {
	var out []Fault
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, err := ParseFault(name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Any matches every target, LUN or opcode in an Injection.
const Any = -1

// Injection scripts a fault for the commands it matches.
type Injection struct {
	Target int // Any for every target
	LUN    int // Any for every LUN
	Opcode int // Any for every opcode

	Fault Fault
	Count int // Number of commands to fail; less than 1 means one

	// Sense for FaultCheck. Zero means ABORTED COMMAND.
	Sense scsipi.SenseData

	fired int
}

func (inj *Injection) matches(key unitKey, op byte) bool {
	return (inj.Target == Any || inj.Target == key.target) &&
		(inj.LUN == Any || inj.LUN == key.lun) &&
		(inj.Opcode == Any || inj.Opcode == int(op))
}

// Inject queues a scripted fault. Scripted faults fire in the order they
// were injected, and before random faults.
func (c *Controller) Inject(inj Injection) {
	if inj.Count < 1 {
		inj.Count = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, &inj)
}

// ClearFaults drops scripted faults and disables random faults.
func (c *Controller) ClearFaults() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = nil
	c.rate = 0
	c.rateSet = nil
}

// SetFaultRate fails the given fraction of commands with faults picked at
// random from faults. Only commands that have retries left and are not
// sense fetches are picked, so random faults are recoverable.
func (c *Controller) SetFaultRate(rate float64, faults ...Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = min(max(rate, 0), 1)
	c.rateSet = append([]Fault(nil), faults...)
}

// nextFault picks the fault for the job, if any.
func (c *Controller) nextFault(j *job) (Fault, *Injection, bool) {
	xs := j.xs
	op := xs.CDB[0]

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, inj := range c.faults {
		if !inj.matches(j.key, op) {
			continue
		}
		inj.fired++
		if inj.fired >= inj.Count {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
		}
		return inj.Fault, inj, true
	}

	if c.rate == 0 || len(c.rateSet) == 0 || xs.Retries == 0 ||
		xs.Flags&scsipi.CtlRequestSense != 0 {
		return FaultNone, nil, false
	}
	if c.rng.Float64() >= c.rate {
		return FaultNone, nil, false
	}
	return c.rateSet[c.rng.Intn(len(c.rateSet))], nil, true
}

// applyFault fails the job with f.
func (c *Controller) applyFault(j *job, f Fault, inj *Injection) {
	xs := j.xs
	c.stats.faults.Add(1)
	xs.Resid = len(xs.Data)

	pkg.LogDebug(pkg.ComponentAdapter, "injecting fault",
		"periph", xs.Periph().String(),
		"opcode", xs.CDB[0],
		"fault", f)

	switch f {
	case FaultBusy:
		xs.Error = scsipi.XSBusy
		xs.Status = scsipi.StatusBusy
	case FaultQueueFull:
		xs.Error = scsipi.XSBusy
		xs.Status = scsipi.StatusQueueFull
	case FaultSelTimeout:
		xs.Error = scsipi.XSSelTimeout
	case FaultTimeout:
		xs.Error = scsipi.XSTimeout
	case FaultReset:
		xs.Error = scsipi.XSReset
		c.resetBus(j)
	case FaultResourceShortage:
		xs.Error = scsipi.XSResourceShortage
	case FaultRequeue:
		xs.Error = scsipi.XSRequeue
	case FaultStuffup:
		xs.Error = scsipi.XSDriverStuffup
	case FaultCheck:
		var sense scsipi.SenseData
		if inj != nil {
			sense = inj.Sense
		}
		if sense.ResponseCode() == 0 {
			sense.Set(scsipi.SenseAbortedCommand, scsipi.ASCNoAdditionalInfo, 0)
		}
		c.setResult(j, target.Result{
			Status: scsipi.StatusCheck,
			Resid:  len(xs.Data),
			Sense:  sense,
		})
	default:
		xs.Error = scsipi.XSNoError
	}
}
