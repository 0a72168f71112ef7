package scsipi

import (
	"fmt"
	"strings"
)

// Control is the per-descriptor control flag set.
type Control uint32

// Descriptor control flags.
const (
	CtlNoSleep              Control = 1 << iota // Don't sleep waiting for openings or memory
	CtlPoll                                     // Poll for completion
	CtlDiscovery                                // Command issued during device discovery
	CtlAsync                                    // Complete through the periph Done hook
	CtlSilent                                   // Don't log sense errors
	CtlIgnoreNotReady                           // NOT READY is not an error
	CtlIgnoreMediaChange                        // Media change is not an error
	CtlIgnoreIllegalRequest                     // ILLEGAL REQUEST is not an error
	CtlSilentNoDev                              // Don't log medium-not-present
	CtlReset                                    // Reset the device
	CtlDataIn                                   // Data flows from the device
	CtlDataOut                                  // Data flows to the device
	CtlUrgent                                   // Error recovery command
	CtlSimpleTag                                // Use a simple queue tag
	CtlOrderedTag                               // Use an ordered queue tag
	CtlHeadTag                                  // Use a head-of-queue tag
	CtlThawPeriph                               // Thaw the periph once queued
	CtlFreezePeriph                             // Freeze the periph on completion
	CtlRequestSense                             // This is a REQUEST SENSE fetch
)

// CtlTagMask selects the tag type bits of a Control.
const CtlTagMask = CtlSimpleTag | CtlOrderedTag | CtlHeadTag

var controlNames = [...]string{
	"NOSLEEP", "POLL", "DISCOVERY", "ASYNC", "SILENT", "IGNORE_NOT_READY",
	"IGNORE_MEDIA_CHANGE", "IGNORE_ILLEGAL_REQUEST", "SILENT_NODEV", "RESET",
	"DATA_IN", "DATA_OUT", "URGENT", "SIMPLE_TAG", "ORDERED_TAG", "HEAD_TAG",
	"THAW_PERIPH", "FREEZE_PERIPH", "REQSENSE",
}

// String returns the set flag names joined by '|'.
func (c Control) String() string {
	if c == 0 {
		return "0"
	}
	var names []string
	for i, name := range controlNames {
		if c&(1<<i) != 0 {
			names = append(names, name)
			c &^= 1 << i
		}
	}
	if c != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(c)))
	}
	return strings.Join(names, "|")
}

// XferError classifies how the adapter finished a descriptor.
type XferError uint8

// Adapter result classifications.
const (
	XSNoError          XferError = iota // Command completed
	XSSense                             // Check condition, sense data valid
	XSShortSense                        // Check condition, short sense data
	XSDriverStuffup                     // Adapter internal error
	XSResourceShortage                  // Adapter ran out of resources
	XSSelTimeout                        // Device did not respond to selection
	XSTimeout                           // Command timed out
	XSBusy                              // Device busy; see Status
	XSReset                             // Bus reset interrupted the command
	XSRequeue                           // Adapter asks for a requeue
)

// String returns the classification name.
func (e XferError) String() string {
	switch e {
	case XSNoError:
		return "NOERROR"
	case XSSense:
		return "SENSE"
	case XSShortSense:
		return "SHORTSENSE"
	case XSDriverStuffup:
		return "DRIVER_STUFFUP"
	case XSResourceShortage:
		return "RESOURCE_SHORTAGE"
	case XSSelTimeout:
		return "SELTIMEOUT"
	case XSTimeout:
		return "TIMEOUT"
	case XSBusy:
		return "BUSY"
	case XSReset:
		return "RESET"
	case XSRequeue:
		return "REQUEUE"
	default:
		return fmt.Sprintf("XferError(%d)", uint8(e))
	}
}

// Status is a SCSI status byte.
type Status uint8

// SCSI status codes.
const (
	StatusGood         Status = 0x00
	StatusCheck        Status = 0x02
	StatusCondMet      Status = 0x04
	StatusBusy         Status = 0x08
	StatusIntermediate Status = 0x10
	StatusResvConflict Status = 0x18
	StatusTerminated   Status = 0x22
	StatusQueueFull    Status = 0x28
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusCheck:
		return "CHECK CONDITION"
	case StatusCondMet:
		return "CONDITION MET"
	case StatusBusy:
		return "BUSY"
	case StatusIntermediate:
		return "INTERMEDIATE"
	case StatusResvConflict:
		return "RESERVATION CONFLICT"
	case StatusTerminated:
		return "COMMAND TERMINATED"
	case StatusQueueFull:
		return "QUEUE FULL"
	default:
		return fmt.Sprintf("Status(0x%02x)", uint8(s))
	}
}

// Queue tag message codes carried in Xfer.TagType.
const (
	TagSimple  uint8 = 0x20
	TagHead    uint8 = 0x21
	TagOrdered uint8 = 0x22
)

// Cap is a periph capability or negotiated transfer mode bit set.
type Cap uint32

// Periph capabilities.
const (
	CapAnyWide  Cap = 1 << iota // Any wide transfer
	CapTQing                    // Tagged queueing
	CapSync                     // Synchronous transfer
	CapDT                       // Double transition
	CapWide16                   // 16-bit wide transfer
	CapWide32                   // 32-bit wide transfer
	CapSftReset                 // Soft reset
	CapCmd16                    // 16-byte CDBs
)

// String returns the set capability names joined by '|'.
func (c Cap) String() string {
	if c == 0 {
		return "async"
	}
	var names []string
	for _, b := range []struct {
		bit  Cap
		name string
	}{
		{CapAnyWide, "anywide"}, {CapTQing, "tqing"}, {CapSync, "sync"},
		{CapDT, "dt"}, {CapWide16, "wide16"}, {CapWide32, "wide32"},
		{CapSftReset, "sftreset"}, {CapCmd16, "cmd16"},
	} {
		if c&b.bit != 0 {
			names = append(names, b.name)
		}
	}
	return strings.Join(names, "|")
}

// Quirk flags work around broken devices.
type Quirk uint32

// Device quirks.
const (
	QuirkNoTUR       Quirk = 1 << iota // TEST UNIT READY is unsupported
	QuirkNoDoorLock                    // PREVENT ALLOW is unsupported
	QuirkNoModeSense                   // MODE SENSE is unsupported
	QuirkNoStartUnit                   // START STOP UNIT is unsupported
	QuirkNoTags                        // Tagged queueing is broken
)

// periphFlag holds periph state bits.
type periphFlag uint32

const (
	periphWaiting periphFlag = 1 << iota
	periphWaitDrain
	periphGrowOpenings
	periphMediaLoaded
	periphRemovable
	periphRecovering
	periphRecoveryActive
	periphSense
	periphSenseFetch
	periphUntag
)

// threadFlag holds pending completion goroutine requests.
type threadFlag uint32

const (
	threadShutdown threadFlag = 1 << iota
	threadCallback
	threadGrowRes
	threadKick
)

// AdapterRequest selects the operation of AdapterDriver.Request.
type AdapterRequest uint8

// Adapter requests.
const (
	ReqRunXfer       AdapterRequest = iota // arg is *Xfer
	ReqGrowResources                       // arg is nil
	ReqSetXferMode                         // arg is *XferMode
)

// String returns the request name.
func (r AdapterRequest) String() string {
	switch r {
	case ReqRunXfer:
		return "RUN_XFER"
	case ReqGrowResources:
		return "GROW_RESOURCES"
	case ReqSetXferMode:
		return "SET_XFER_MODE"
	default:
		return fmt.Sprintf("AdapterRequest(%d)", uint8(r))
	}
}

// AsyncEvent is an adapter notification kind.
type AsyncEvent uint8

// Adapter notifications.
const (
	EventMaxOpenings AsyncEvent = iota // arg is *MaxOpenings
	EventXferMode                      // arg is *XferMode
	EventReset                         // arg is nil
)

// String returns the event name.
func (e AsyncEvent) String() string {
	switch e {
	case EventMaxOpenings:
		return "MAX_OPENINGS"
	case EventXferMode:
		return "XFER_MODE"
	case EventReset:
		return "RESET"
	default:
		return fmt.Sprintf("AsyncEvent(%d)", uint8(e))
	}
}

const (
	// tagWords is the number of 32-bit words in a periph's free tag map.
	tagWords = 8

	// MaxTags is the number of tag IDs a periph can hand out.
	MaxTags = tagWords * 32
)
