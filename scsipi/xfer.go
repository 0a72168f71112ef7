package scsipi

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// queueID names the channel queue a descriptor sits on.
type queueID uint8

const (
	queueNone queueID = iota
	queuePending
	queueComplete
)

// Xfer is a transfer descriptor: one command on its way through the engine.
//
// The caller fills in the command fields after GetXfer. The adapter fills in
// the result fields before calling Channel.Done. Everything else is owned by
// the engine.
type Xfer struct {
	// Command
	CDB     []byte        // Command descriptor block
	Data    []byte        // Data buffer; direction from CtlDataIn/CtlDataOut
	Flags   Control       // Control flags
	Retries int           // Remaining retry budget
	Timeout time.Duration // Adapter-enforced command timeout
	Priv    any           // Caller context, handed back through the Done hook

	// Result
	Error  XferError // Adapter classification
	Status Status    // SCSI status byte
	Resid  int       // Bytes not transferred
	Sense  SenseData // Sense data for XSSense

	// Tagging, assigned by the engine
	TagType uint8 // TagSimple, TagHead, TagOrdered or 0
	TagID   int   // Tag ID when TagType != 0

	periph  *Periph
	slot    int
	gen     uint64 // bumped each time the slot is handed out
	inUse   bool
	busy    bool // handed to the adapter
	tagged  bool // holds TagID
	done    bool
	requeue int
	queue   queueID
}

// Periph returns the periph the descriptor was allocated for.
func (xs *Xfer) Periph() *Periph {
	return xs.periph
}

// Channel returns the channel of the descriptor's periph.
func (xs *Xfer) Channel() *Channel {
	if xs.periph == nil {
		return nil
	}
	return xs.periph.ch
}

// Slot returns the descriptor's arena index.
func (xs *Xfer) Slot() int {
	return xs.slot
}

// Gen returns the descriptor's generation. A slot gets a new generation
// every time it is allocated, so an adapter that remembers Gen at dispatch
// can tell its command apart from a later one reusing the slot. See DoneGen.
func (xs *Xfer) Gen() uint64 {
	return xs.gen
}

// RequeueCount returns how many times the descriptor has been requeued.
func (xs *Xfer) RequeueCount() int {
	return xs.requeue
}

// Transferred returns the number of data bytes moved.
func (xs *Xfer) Transferred() int {
	return len(xs.Data) - xs.Resid
}

// String returns a one-line summary for logs.
func (xs *Xfer) String() string {
	var op byte
	if len(xs.CDB) > 0 {
		op = xs.CDB[0]
	}
	addr := "?"
	if xs.periph != nil {
		addr = xs.periph.String()
	}
	return fmt.Sprintf("xfer %d.%d %s op=0x%02x flags=%s retries=%d requeue=%d",
		xs.slot, xs.gen, addr, op, xs.Flags, xs.Retries, xs.requeue)
}

// Dump returns a multi-line hex dump of the command, data and sense.
func (xs *Xfer) Dump() string {
	s := xs.String() + "\n"
	s += fmt.Sprintf("error=%s status=%s resid=%d tag=0x%02x/%d\n",
		xs.Error, xs.Status, xs.Resid, xs.TagType, xs.TagID)
	if len(xs.CDB) > 0 {
		s += "cdb:\n" + hex.Dump(xs.CDB)
	}
	if n := xs.Transferred(); n > 0 && n <= len(xs.Data) {
		data := xs.Data[:n]
		if len(data) > 64 {
			data = data[:64]
		}
		s += "data:\n" + hex.Dump(data)
	}
	if xs.Error == XSSense || xs.Error == XSShortSense {
		s += "sense:\n" + hex.Dump(xs.Sense[:8+len(xs.Sense.Extra())])
	}
	return s
}

const xferSlabSize = 32

// xferPool is a slab arena of descriptors. All methods require the engine
// lock.
type xferPool struct {
	slabs [][]Xfer
	free  []int
	total int
	limit int
	inUse int
	cond  *sync.Cond
}

func newXferPool(mu *sync.Mutex, limit int) *xferPool {
	return &xferPool{
		limit: limit,
		cond:  sync.NewCond(mu),
	}
}

// grow adds a slab. Returns false at the limit.
func (p *xferPool) grow() bool {
	n := xferSlabSize
	if p.limit > 0 {
		if p.total >= p.limit {
			return false
		}
		if p.limit-p.total < n {
			n = p.limit - p.total
		}
	}
	base := p.total
	p.slabs = append(p.slabs, make([]Xfer, n))
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, base+i)
	}
	p.total += n
	return true
}

// get returns a zeroed descriptor, blocking unless nosleep is set. Returns
// nil when the arena is exhausted and nosleep is set.
func (p *xferPool) get(nosleep bool) *Xfer {
	for len(p.free) == 0 {
		if p.grow() {
			break
		}
		if nosleep {
			return nil
		}
		p.cond.Wait()
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	xs := &p.slabs[idx/xferSlabSize][idx%xferSlabSize]
	*xs = Xfer{slot: idx, gen: xs.gen + 1, inUse: true}
	p.inUse++
	return xs
}

// put returns a descriptor to the arena. Returns false if it was not in use.
func (p *xferPool) put(xs *Xfer) bool {
	if !xs.inUse {
		return false
	}
	*xs = Xfer{slot: xs.slot, gen: xs.gen}
	p.free = append(p.free, xs.slot)
	p.inUse--
	p.cond.Signal()
	return true
}
