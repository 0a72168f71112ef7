package main

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/ardnew/softscsi/pkg"
	"github.com/ardnew/softscsi/scsipi"
	"github.com/ardnew/softscsi/target"
)

// disk is a LUN found by the scan.
type disk struct {
	p         *scsipi.Periph
	inq       scsipi.InquiryData
	blocks    uint64
	blockSize int
}

// scan probes every target and LUN with INQUIRY and attaches a periph for
// each disk that answers.
func scan(ch *scsipi.Channel, hooks scsipi.PeriphHooks) []*disk {
	var disks []*disk
	for tgt := 0; tgt < ch.NTargets(); tgt++ {
		if tgt == ch.ID() {
			continue
		}
		for lun := 0; lun < ch.NLUNs(); lun++ {
			d, present := probe(ch, tgt, lun, hooks)
			if !present {
				break
			}
			if d != nil {
				disks = append(disks, d)
			}
		}
	}
	return disks
}

// probe inquires target/lun. present is false when nothing answers at the
// target at all.
func probe(ch *scsipi.Channel, tgt, lun int, hooks scsipi.PeriphHooks) (d *disk, present bool) {
	var inq scsipi.InquiryData
	tmp := ch.NewPeriph(scsipi.PeriphConfig{Target: tgt, LUN: lun})
	if err := tmp.Inquire(&inq, scsipi.CtlDiscovery|scsipi.CtlSilent); err != nil {
		pkg.LogDebug(pkg.ComponentChannel, "probe failed",
			pkg.Addr(ch.Bus(), tgt, lun, "error", err)...)
		return nil, false
	}
	if inq.Qualifier != scsipi.InquiryQualLUPresent || inq.DeviceType != target.DeviceTypeDisk {
		return nil, true
	}

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

	p := ch.NewPeriph(scsipi.PeriphConfig{
		Target:       tgt,
		LUN:          lun,
		Cap:          caps,
		Removable:    inq.Removable,
		GrowOpenings: true,
		Hooks:        hooks,
	})
	if err := ch.InsertPeriph(p); err != nil {
		pkg.LogWarn(pkg.ComponentChannel, "attach failed", "periph", p.String(), "error", err)
		return nil, true
	}
	ch.SetXferMode(tgt, true)

	d = &disk{p: p, inq: inq}
	if err := d.readCapacity(); err != nil {
		fmt.Printf("  %s: capacity unknown: %v\n", p, err)
		ch.RemovePeriph(p)
		return nil, true
	}

	fmt.Printf("  %s: <%s, %s, %s> ANSI %d disk, %d blocks of %d bytes, %s\n",
		p, inq.VendorString(), inq.ProductString(), inq.RevisionString(),
		inq.Version, d.blocks, d.blockSize, modeString(p))
	return d, true
}

func (d *disk) readCapacity() error {
	buf := make([]byte, 8)
	cdb := make([]byte, 10)
	cdb[0] = scsipi.OpReadCapacity10
	err := d.p.Command(cdb, buf, scsipi.DefaultRetries, 10*time.Second, nil, scsipi.CtlDataIn)
	if err != nil {
		return err
	}
	d.blocks = uint64(binary.BigEndian.Uint32(buf[0:4])) + 1
	d.blockSize = int(binary.BigEndian.Uint32(buf[4:8]))
	return nil
}

// modeString describes the negotiated transfer mode.
func modeString(p *scsipi.Periph) string {
	mode := p.Mode()
	var parts []string
	if mode&scsipi.CapSync != 0 {
		factor, offset := p.SyncParams()
		freq := scsipi.SyncFactorToFreq(factor)
		parts = append(parts, fmt.Sprintf("sync %d.%03dMHz offset %d", freq/1000, freq%1000, offset))
	}
	if mode&scsipi.CapWide16 != 0 {
		parts = append(parts, "16-bit")
	}
	if mode&scsipi.CapTQing != 0 {
		parts = append(parts, "tagged")
	}
	if len(parts) == 0 {
		return "async"
	}
	return strings.Join(parts, ", ")
}
