package scsipi

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// cmdRecord is what a command looked like when it finished.
type cmdRecord struct {
	cdb     []byte
	dataLen int
	retries int
	timeout time.Duration
	flags   Control
}

type cmdRecorder struct {
	mu   sync.Mutex
	cmds []cmdRecord
}

func (r *cmdRecorder) hook(xs *Xfer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmdRecord{
		cdb:     append([]byte(nil), xs.CDB...),
		dataLen: len(xs.Data),
		retries: xs.Retries,
		timeout: xs.Timeout,
		flags:   xs.Flags,
	})
}

func (r *cmdRecorder) last(t *testing.T) cmdRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cmds) == 0 {
		t.Fatal("no command recorded")
	}
	return r.cmds[len(r.cmds)-1]
}

func newCommandPeriph(t *testing.T, quirks Quirk) (*mockAdapter, *Periph, *cmdRecorder) {
	t.Helper()
	m := newMockAdapter()
	ch := newTestChannel(t, m, DefaultAdapterConfig(), testChannelConfig())
	rec := &cmdRecorder{}
	p := newTestPeriph(t, ch, PeriphConfig{Quirks: quirks, Hooks: PeriphHooks{Done: rec.hook}})
	return m, p, rec
}

// =============================================================================
// Command Helper Tests
// =============================================================================

func TestTestUnitReady(t *testing.T) {
	m, p, rec := newCommandPeriph(t, 0)
	if err := p.TestUnitReady(0); err != nil {
		t.Fatalf("TestUnitReady failed: %v", err)
	}
	c := rec.last(t)
	if !bytes.Equal(c.cdb, []byte{OpTestUnitReady, 0, 0, 0, 0, 0}) {
		t.Errorf("cdb = %x", c.cdb)
	}
	if c.retries != DefaultRetries || c.timeout != 10*time.Second {
		t.Errorf("retries/timeout = %d/%v", c.retries, c.timeout)
	}

	if err := p.TestUnitReady(CtlDiscovery); err != nil {
		t.Fatalf("TestUnitReady(discovery) failed: %v", err)
	}
	if c := rec.last(t); c.retries != 0 {
		t.Errorf("discovery retries = %d, want 0", c.retries)
	}
	if n := len(m.opsSeen()); n != 2 {
		t.Errorf("ops sent = %d, want 2", n)
	}
}

func TestTestUnitReady_NoTURQuirk(t *testing.T) {
	m, p, _ := newCommandPeriph(t, QuirkNoTUR)
	if err := p.TestUnitReady(0); err != nil {
		t.Fatalf("TestUnitReady failed: %v", err)
	}
	if n := len(m.opsSeen()); n != 0 {
		t.Errorf("ops sent = %d, want 0", n)
	}
}

func inquiryData(vendor, product, rev string, addLen byte) []byte {
	buf := make([]byte, InquiryLengthSCSI3)
	buf[0] = 0x00 // direct access, LU present
	buf[1] = InquiryRemovable
	buf[2] = 0x05
	buf[3] = 0x02
	buf[4] = addLen
	copy(buf[8:16], []byte(vendor + "        ")[:8])
	copy(buf[16:32], []byte(product + "                ")[:16])
	copy(buf[32:36], []byte(rev + "    ")[:4])
	return buf
}

func TestInquire(t *testing.T) {
	tests := []struct {
		name     string
		vendor   string
		addLen   byte
		wantCmds int
		wantLen  int
	}{
		{"scsi-2 length", "SOFTSCSI", 31, 1, InquiryLengthSCSI2},
		{"scsi-3 length", "SOFTSCSI", 69, 2, InquiryLengthSCSI3},
		{"scsi-3 quirk", "ES-6600", 69, 1, InquiryLengthSCSI2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, p, rec := newCommandPeriph(t, 0)
			m.data[OpInquiry] = inquiryData(tt.vendor, "RAMDISK", "0001", tt.addLen)

			var inq InquiryData
			if err := p.Inquire(&inq, 0); err != nil {
				t.Fatalf("Inquire failed: %v", err)
			}
			if n := len(m.opsSeen()); n != tt.wantCmds {
				t.Errorf("INQUIRY sent %d times, want %d", n, tt.wantCmds)
			}
			c := rec.last(t)
			if int(c.cdb[4]) != tt.wantLen || c.dataLen != tt.wantLen {
				t.Errorf("allocation length = %d (data %d), want %d", c.cdb[4], c.dataLen, tt.wantLen)
			}
			if c.flags&CtlDataIn == 0 {
				t.Error("INQUIRY not marked data-in")
			}
			if inq.VendorString() != tt.vendor {
				t.Errorf("vendor = %q, want %q", inq.VendorString(), tt.vendor)
			}
			if inq.ProductString() != "RAMDISK" || inq.RevisionString() != "0001" {
				t.Errorf("product/rev = %q/%q", inq.ProductString(), inq.RevisionString())
			}
			if !inq.Removable || inq.Version != 0x05 {
				t.Errorf("inquiry = %+v", inq)
			}
		})
	}
}

func TestInquire_Error(t *testing.T) {
	m, p, _ := newCommandPeriph(t, 0)
	m.push(OpInquiry, mockResult{err: XSDriverStuffup})
	var inq InquiryData
	if err := p.Inquire(&inq, CtlDiscovery); err == nil {
		t.Error("Inquire succeeded on a failed command")
	}
	if inq.VendorString() != "" {
		t.Error("inquiry data filled on failure")
	}
}

func TestPrevent(t *testing.T) {
	_, p, rec := newCommandPeriph(t, 0)
	if err := p.Prevent(PreventRemove, 0); err != nil {
		t.Fatalf("Prevent failed: %v", err)
	}
	c := rec.last(t)
	if !bytes.Equal(c.cdb, []byte{OpPreventAllowRemoval, 0, 0, 0, PreventRemove, 0}) {
		t.Errorf("cdb = %x", c.cdb)
	}
	if c.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", c.timeout)
	}

	m2, p2, _ := newCommandPeriph(t, QuirkNoDoorLock)
	if err := p2.Prevent(PreventRemove, 0); err != nil {
		t.Fatalf("Prevent with quirk failed: %v", err)
	}
	if len(m2.opsSeen()) != 0 {
		t.Error("PREVENT sent to a device without a door lock")
	}
}

func TestStartStop(t *testing.T) {
	tests := []struct {
		name    string
		how     uint8
		timeout time.Duration
	}{
		{"start", StartStopStart, 60 * time.Second},
		{"stop", 0, 10 * time.Second},
		{"eject", StartStopLoEj, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p, rec := newCommandPeriph(t, 0)
			if err := p.StartStop(tt.how, 0); err != nil {
				t.Fatalf("StartStop failed: %v", err)
			}
			c := rec.last(t)
			if c.cdb[0] != OpStartStopUnit || c.cdb[4] != tt.how {
				t.Errorf("cdb = %x", c.cdb)
			}
			if c.timeout != tt.timeout {
				t.Errorf("timeout = %v, want %v", c.timeout, tt.timeout)
			}
		})
	}
}

func TestModeSenseSelect(t *testing.T) {
	_, p, rec := newCommandPeriph(t, 0)
	data := make([]byte, 24)

	if err := p.ModeSense(0x08, 0x3f, data, 0, 2, time.Second); err != nil {
		t.Fatalf("ModeSense failed: %v", err)
	}
	c := rec.last(t)
	if !bytes.Equal(c.cdb, []byte{OpModeSense6, 0x08, 0x3f, 0, 24, 0}) {
		t.Errorf("MODE SENSE(6) cdb = %x", c.cdb)
	}
	if c.flags&CtlDataIn == 0 || c.retries != 2 {
		t.Errorf("flags/retries = %v/%d", c.flags, c.retries)
	}

	big := make([]byte, 300)
	if err := p.ModeSenseBig(0x00, 0x08, big, 0, 0, time.Second); err != nil {
		t.Fatalf("ModeSenseBig failed: %v", err)
	}
	want := []byte{OpModeSense10, 0, 0x08, 0, 0, 0, 0, 0x01, 0x2c, 0}
	if c := rec.last(t); !bytes.Equal(c.cdb, want) {
		t.Errorf("MODE SENSE(10) cdb = %x, want %x", c.cdb, want)
	}

	if err := p.ModeSelect(0x10, data, 0, 0, time.Second); err != nil {
		t.Fatalf("ModeSelect failed: %v", err)
	}
	c = rec.last(t)
	if !bytes.Equal(c.cdb, []byte{OpModeSelect6, 0x10, 0, 0, 24, 0}) {
		t.Errorf("MODE SELECT(6) cdb = %x", c.cdb)
	}
	if c.flags&CtlDataOut == 0 {
		t.Error("MODE SELECT not marked data-out")
	}

	if err := p.ModeSelectBig(0x11, big, 0, 0, time.Second); err != nil {
		t.Fatalf("ModeSelectBig failed: %v", err)
	}
	want = []byte{OpModeSelect10, 0x11, 0, 0, 0, 0, 0, 0x01, 0x2c, 0}
	if c := rec.last(t); !bytes.Equal(c.cdb, want) {
		t.Errorf("MODE SELECT(10) cdb = %x, want %x", c.cdb, want)
	}
}

// =============================================================================
// Sync Parameter Tests
// =============================================================================

func TestSyncConversions(t *testing.T) {
	tests := []struct {
		factor int
		period int
		freq   int
	}{
		{0x08, 625, 160000},
		{0x09, 1250, 80000},
		{0x0a, 2500, 40000},
		{0x0b, 3030, 33003},
		{0x0c, 5000, 20000},
		{0x19, 10000, 10000},
		{0x32, 20000, 5000},
	}
	for _, tt := range tests {
		if got := SyncFactorToPeriod(tt.factor); got != tt.period {
			t.Errorf("SyncFactorToPeriod(0x%02x) = %d, want %d", tt.factor, got, tt.period)
		}
		if got := SyncPeriodToFactor(tt.period); got != tt.factor {
			t.Errorf("SyncPeriodToFactor(%d) = 0x%02x, want 0x%02x", tt.period, got, tt.factor)
		}
		if got := SyncFactorToFreq(tt.factor); got != tt.freq {
			t.Errorf("SyncFactorToFreq(0x%02x) = %d, want %d", tt.factor, got, tt.freq)
		}
	}

	if got := SyncFactorToFreq(0); got != 0 {
		t.Errorf("SyncFactorToFreq(0) = %d, want 0", got)
	}
	// Periods between the special entries round up to the slower one.
	if got := SyncPeriodToFactor(2600); got != 0x0b {
		t.Errorf("SyncPeriodToFactor(2600) = 0x%02x, want 0x0b", got)
	}
}
