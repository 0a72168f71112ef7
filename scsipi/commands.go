package scsipi

import (
	"encoding/binary"
	"time"
)

// DefaultRetries is the retry budget of the command helpers.
const DefaultRetries = 4

// PREVENT ALLOW MEDIUM REMOVAL modes.
const (
	PreventAllow  = 0x00
	PreventRemove = 0x01
)

// START STOP UNIT bits.
const (
	StartStopStart = 0x01
	StartStopLoEj  = 0x02
)

// Command allocates a descriptor, fills it in and executes it. With CtlAsync
// the call returns once the command is queued and the result goes to the
// periph Done hook along with priv.
func (p *Periph) Command(cdb, data []byte, retries int, timeout time.Duration, priv any, flags Control) error {
	xs, err := p.GetXfer(flags)
	if err != nil {
		return err
	}
	xs.CDB = cdb
	xs.Data = data
	xs.Retries = retries
	xs.Timeout = timeout
	xs.Priv = priv
	return p.ch.Execute(xs)
}

func helperRetries(flags Control) int {
	if flags&CtlDiscovery != 0 {
		return 0
	}
	return DefaultRetries
}

// TestUnitReady issues TEST UNIT READY. Devices with QuirkNoTUR always
// report ready.
func (p *Periph) TestUnitReady(flags Control) error {
	if p.quirks&QuirkNoTUR != 0 {
		return nil
	}
	cdb := make([]byte, 6)
	cdb[0] = OpTestUnitReady
	return p.Command(cdb, nil, helperRetries(flags), 10*time.Second, nil, flags)
}

// Inquire asks the device about itself. The SCSI-2 length is requested
// first; the SCSI-3 length follows only if the device reports more data,
// since some devices fail a long request outright.
func (p *Periph) Inquire(out *InquiryData, flags Control) error {
	buf := make([]byte, InquiryLengthSCSI3)
	cdb := []byte{OpInquiry, 0, 0, 0, InquiryLengthSCSI2, 0}
	retries := helperRetries(flags)

	err := p.Command(cdb, buf[:InquiryLengthSCSI2], retries, 10*time.Second, nil, flags|CtlDataIn)
	if err == nil && buf[4] > InquiryLengthSCSI2-4 && inquiry3OK(buf) {
		cdb[4] = InquiryLengthSCSI3
		err = p.Command(cdb, buf, retries, 10*time.Second, nil, flags|CtlDataIn)
	}
	if err != nil {
		return err
	}
	ParseInquiry(buf, out)
	return nil
}

// Prevent locks or unlocks the medium. Devices with QuirkNoDoorLock are
// left alone.
func (p *Periph) Prevent(how uint8, flags Control) error {
	if p.quirks&QuirkNoDoorLock != 0 {
		return nil
	}
	cdb := []byte{OpPreventAllowRemoval, 0, 0, 0, how, 0}
	return p.Command(cdb, nil, DefaultRetries, 5*time.Second, nil, flags)
}

// StartStop sends START STOP UNIT. Spinning up gets a longer timeout.
func (p *Periph) StartStop(how uint8, flags Control) error {
	timeout := 10 * time.Second
	if how&StartStopStart != 0 {
		timeout = 60 * time.Second
	}
	cdb := []byte{OpStartStopUnit, 0, 0, 0, how, 0}
	return p.Command(cdb, nil, DefaultRetries, timeout, nil, flags)
}

// ModeSense reads a mode page with MODE SENSE(6).
func (p *Periph) ModeSense(byte2, page uint8, data []byte, flags Control, retries int, timeout time.Duration) error {
	cdb := []byte{OpModeSense6, byte2, page, 0, uint8(len(data)), 0}
	return p.Command(cdb, data, retries, timeout, nil, flags|CtlDataIn)
}

// ModeSenseBig reads a mode page with MODE SENSE(10).
func (p *Periph) ModeSenseBig(byte2, page uint8, data []byte, flags Control, retries int, timeout time.Duration) error {
	cdb := make([]byte, 10)
	cdb[0] = OpModeSense10
	cdb[1] = byte2
	cdb[2] = page
	binary.BigEndian.PutUint16(cdb[7:9], uint16(len(data)))
	return p.Command(cdb, data, retries, timeout, nil, flags|CtlDataIn)
}

// ModeSelect writes mode parameters with MODE SELECT(6).
func (p *Periph) ModeSelect(byte2 uint8, data []byte, flags Control, retries int, timeout time.Duration) error {
	cdb := []byte{OpModeSelect6, byte2, 0, 0, uint8(len(data)), 0}
	return p.Command(cdb, data, retries, timeout, nil, flags|CtlDataOut)
}

// ModeSelectBig writes mode parameters with MODE SELECT(10).
func (p *Periph) ModeSelectBig(byte2 uint8, data []byte, flags Control, retries int, timeout time.Duration) error {
	cdb := make([]byte, 10)
	cdb[0] = OpModeSelect10
	cdb[1] = byte2
	binary.BigEndian.PutUint16(cdb[7:9], uint16(len(data)))
	return p.Command(cdb, data, retries, timeout, nil, flags|CtlDataOut)
}
