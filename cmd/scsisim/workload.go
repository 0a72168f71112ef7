package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softscsi/hba"
	"github.com/ardnew/softscsi/pkg"
	"github.com/ardnew/softscsi/scsipi"
)

const (
	lanesPerDisk = 4 // concurrent issuers per disk
	stripeBlocks = 8 // blocks owned together by one issuer
)

// diskStats counts what the workload did to one disk.
type diskStats struct {
	reads      atomic.Uint64
	writes     atomic.Uint64
	async      atomic.Uint64
	errors     atomic.Uint64
	verified   atomic.Uint64
	mismatches atomic.Uint64
}

type workload struct {
	c *hba.Controller
	o *options

	mu    sync.Mutex
	stats map[*scsipi.Periph]*diskStats
}

func newWorkload(c *hba.Controller, o *options) *workload {
	return &workload{
		c:     c,
		o:     o,
		stats: make(map[*scsipi.Periph]*diskStats),
	}
}

// hooks returns the periph hooks that hand asynchronous results back to
// the issuing goroutine through the channel passed as Priv.
func (w *workload) hooks() scsipi.PeriphHooks {
	return scsipi.PeriphHooks{
		Done: func(xs *scsipi.Xfer, err error) {
			if done, ok := xs.Priv.(chan error); ok {
				done <- err
			}
		},
	}
}

func (w *workload) statsFor(p *scsipi.Periph) *diskStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.stats[p]
	if !ok {
		st = &diskStats{}
		w.stats[p] = st
	}
	return st
}

func (w *workload) mismatches() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n uint64
	for _, st := range w.stats {
		n += st.mismatches.Load()
	}
	return n
}

// run drives every disk until each has seen o.commands commands or ctx is
// cancelled.
func (w *workload) run(ctx context.Context, disks []*disk) error {
	fmt.Printf("Running %d commands on each of %d disk(s)...\n", w.o.commands, len(disks))

	var wg sync.WaitGroup
	for i, d := range disks {
		st := w.statsFor(d.p)
		for lane := 0; lane < lanesPerDisk; lane++ {
			wg.Add(1)
			seed := w.o.seed + int64(i*lanesPerDisk+lane)
			go func(d *disk, lane int) {
				defer wg.Done()
				l := &issuer{
					w:      w,
					d:      d,
					st:     st,
					lane:   lane,
					rng:    rand.New(rand.NewSource(seed)),
					shadow: make(map[uint64]byte),
					done:   make(chan error, 1),
				}
				l.run(ctx, w.o.commands/lanesPerDisk)
			}(d, lane)
		}
	}
	wg.Wait()
	return ctx.Err()
}

// issuer is one goroutine issuing commands to the stripes of a disk it
// owns, so that what it reads back is what it last wrote.
type issuer struct {
	w    *workload
	d    *disk
	st   *diskStats
	lane int
	rng  *rand.Rand

	// Generation of the last successful write per block
	shadow map[uint64]byte
	gen    byte
	done   chan error
}

func (l *issuer) run(ctx context.Context, n int) {
	stripes := int(l.d.blocks) / stripeBlocks
	owned := (stripes - l.lane + lanesPerDisk - 1) / lanesPerDisk
	if owned <= 0 {
		return
	}
	for i := 0; i < n && ctx.Err() == nil; i++ {
		stripe := l.lane + lanesPerDisk*l.rng.Intn(owned)
		off := l.rng.Intn(stripeBlocks)
		count := 1 + l.rng.Intn(stripeBlocks-off)
		lba := uint64(stripe*stripeBlocks + off)
		if l.rng.Intn(2) == 0 {
			l.write(lba, count)
		} else {
			l.read(lba, count)
		}
	}
}

// fill writes the pattern of generation gen for block lba into buf.
func fill(buf []byte, lba uint64, gen byte) {
	binary.BigEndian.PutUint64(buf[0:8], lba)
	for i := 8; i < len(buf); i++ {
		buf[i] = gen ^ byte(i)
	}
}

// issue runs one command, asynchronously when the dice say so.
func (l *issuer) issue(op byte, lba uint64, count int, data []byte, flags scsipi.Control) error {
	cdb := make([]byte, 10)
	cdb[0] = op
	binary.BigEndian.PutUint32(cdb[2:6], uint32(lba))
	binary.BigEndian.PutUint16(cdb[7:9], uint16(count))

	if l.rng.Float64() < l.w.o.asyncRatio {
		l.st.async.Add(1)
		err := l.d.p.Command(cdb, data, scsipi.DefaultRetries, 10*time.Second, l.done, flags|scsipi.CtlAsync)
		if err != nil {
			return err
		}
		return <-l.done
	}
	return l.d.p.Command(cdb, data, scsipi.DefaultRetries, 10*time.Second, nil, flags)
}

func (l *issuer) write(lba uint64, count int) {
	bs := l.d.blockSize
	l.gen++
	buf := make([]byte, count*bs)
	for b := 0; b < count; b++ {
		fill(buf[b*bs:(b+1)*bs], lba+uint64(b), l.gen)
	}

	l.st.writes.Add(1)
	err := l.issue(scsipi.OpWrite10, lba, count, buf, scsipi.CtlDataOut|scsipi.CtlOrderedTag)
	for b := 0; b < count; b++ {
		if err != nil {
			// Contents unknown after a failed write.
			delete(l.shadow, lba+uint64(b))
		} else {
			l.shadow[lba+uint64(b)] = l.gen
		}
	}
	if err != nil {
		l.st.errors.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "write failed",
			"periph", l.d.p.String(), "lba", lba, "blocks", count, "error", err)
	}
}

func (l *issuer) read(lba uint64, count int) {
	bs := l.d.blockSize
	buf := make([]byte, count*bs)

	l.st.reads.Add(1)
	if err := l.issue(scsipi.OpRead10, lba, count, buf, scsipi.CtlDataIn|scsipi.CtlSimpleTag); err != nil {
		l.st.errors.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "read failed",
			"periph", l.d.p.String(), "lba", lba, "blocks", count, "error", err)
		return
	}

	want := make([]byte, bs)
	for b := 0; b < count; b++ {
		gen, ok := l.shadow[lba+uint64(b)]
		if !ok {
			continue
		}
		fill(want, lba+uint64(b), gen)
		l.st.verified.Add(1)
		if string(buf[b*bs:(b+1)*bs]) != string(want) {
			l.st.mismatches.Add(1)
			pkg.LogError(pkg.ComponentChannel, "data mismatch",
				"periph", l.d.p.String(), "lba", lba+uint64(b))
		}
	}
}

// report prints what happened.
func report(c *hba.Controller, disks []*disk, w *workload, elapsed time.Duration) {
	fmt.Printf("\nWorkload finished in %v\n", elapsed.Round(time.Millisecond))

	var total uint64
	for _, d := range disks {
		st := w.statsFor(d.p)
		ps := d.p.Stats()
		ops := st.reads.Load() + st.writes.Load()
		total += ops
		fmt.Printf("  %s: %d reads, %d writes (%d async), %d errors, %d blocks verified, %d mismatches, openings %d\n",
			d.p, st.reads.Load(), st.writes.Load(), st.async.Load(),
			st.errors.Load(), st.verified.Load(), st.mismatches.Load(), ps.Openings)
		if u := c.Unit(d.p.Target(), d.p.LUN()); u != nil {
			us := u.Stats()
			fmt.Printf("    unit: %d commands, %d checks, %d unit attentions, %d blocks read, %d blocks written\n",
				us.Commands, us.Checks, us.UnitAttentions, us.BlocksRead, us.BlocksWritten)
		}
	}
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Printf("  %.0f commands/s\n", float64(total)/secs)
	}

	cs := c.Stats()
	fmt.Printf("\nController: %d submitted, %d completed, %d polled, %d faults, %d resets, %d queue full, %d timeouts, %d autosense\n",
		cs.Submitted, cs.Completed, cs.Polled, cs.Faults, cs.Resets, cs.QueueFull, cs.Timeouts, cs.Autosense)
	chs := c.Channel().Stats()
	fmt.Printf("Channel: %d openings free, %d descriptors allocated, freeze %d\n",
		chs.Openings, chs.XfersTotal, chs.Freeze)
}
