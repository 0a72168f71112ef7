package scsipi

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ardnew/softscsi/pkg"
)

// =============================================================================
// Descriptor Pool Tests
// =============================================================================

func TestXferPool_GrowAndReuse(t *testing.T) {
	m := newMockAdapter()
	ch := newTestChannel(t, m, DefaultAdapterConfig(), testChannelConfig())
	pool := ch.pool

	ch.mu.Lock()
	defer ch.mu.Unlock()

	a := pool.get(true)
	if a == nil {
		t.Fatal("get returned nil")
	}
	if pool.total != xferSlabSize {
		t.Errorf("total = %d, want %d", pool.total, xferSlabSize)
	}
	if pool.inUse != 1 {
		t.Errorf("inUse = %d, want 1", pool.inUse)
	}
	slot := a.slot
	a.Retries = 7

	if !pool.put(a) {
		t.Fatal("put returned false")
	}
	if pool.put(a) {
		t.Error("second put should return false")
	}

	b := pool.get(true)
	if b.slot != slot {
		t.Errorf("slot = %d, want reused slot %d", b.slot, slot)
	}
	if b.Retries != 0 {
		t.Error("reused descriptor not zeroed")
	}
}

func TestXferPool_Limit(t *testing.T) {
	m := newMockAdapter()
	cfg := testChannelConfig()
	cfg.PoolLimit = 3
	ch := newTestChannel(t, m, DefaultAdapterConfig(), cfg)
	pool := ch.pool

	ch.mu.Lock()
	defer ch.mu.Unlock()

	for i := 0; i < 3; i++ {
		if pool.get(true) == nil {
			t.Fatalf("get %d returned nil", i)
		}
	}
	if pool.get(true) != nil {
		t.Error("get beyond limit should return nil")
	}
	if pool.total != 3 {
		t.Errorf("total = %d, want 3", pool.total)
	}
}

// =============================================================================
// Admission Tests
// =============================================================================

func TestGetXfer_Openings(t *testing.T) {
	_, _, p := newTestBus(t)

	var got []*Xfer
	for i := 0; i < 4; i++ {
		xs, err := p.GetXfer(CtlNoSleep)
		if err != nil {
			t.Fatalf("GetXfer %d failed: %v", i, err)
		}
		got = append(got, xs)
	}

	if _, err := p.GetXfer(CtlNoSleep); !errors.Is(err, pkg.ErrNoOpenings) {
		t.Errorf("GetXfer beyond openings = %v, want ErrNoOpenings", err)
	}

	p.PutXfer(got[0])
	if _, err := p.GetXfer(CtlNoSleep); err != nil {
		t.Errorf("GetXfer after PutXfer failed: %v", err)
	}
	if st := p.Stats(); st.Active != 4 {
		t.Errorf("Active = %d, want 4", st.Active)
	}
}

func TestGetXfer_UrgentAsyncRejected(t *testing.T) {
	_, _, p := newTestBus(t)

	_, err := p.GetXfer(CtlUrgent | CtlAsync)
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("GetXfer(URGENT|ASYNC) = %v, want ErrInvalidParameter", err)
	}
}

func TestGetXfer_Urgent(t *testing.T) {
	m := newMockAdapter()
	ch := newTestChannel(t, m, DefaultAdapterConfig(), testChannelConfig())
	p := newTestPeriph(t, ch, PeriphConfig{Openings: 1})

	normal, err := p.GetXfer(CtlNoSleep)
	if err != nil {
		t.Fatalf("GetXfer failed: %v", err)
	}

	// One urgent descriptor may borrow the opening of the command it recovers.
	urgent, err := p.GetXfer(CtlUrgent | CtlNoSleep)
	if err != nil {
		t.Fatalf("urgent GetXfer failed: %v", err)
	}
	if !p.Stats().RecoveryActive {
		t.Error("RecoveryActive not set")
	}
	if _, err := p.GetXfer(CtlUrgent | CtlNoSleep); !errors.Is(err, pkg.ErrNoOpenings) {
		t.Errorf("second urgent GetXfer = %v, want ErrNoOpenings", err)
	}

	p.PutXfer(urgent)
	if p.Stats().RecoveryActive {
		t.Error("RecoveryActive still set after PutXfer")
	}
	if st := p.Stats(); st.Active != 1 {
		t.Errorf("Active = %d, want 1", st.Active)
	}
	p.PutXfer(normal)
}

func TestGetXfer_RecoveringBlocksNormal(t *testing.T) {
	_, _, p := newTestBus(t)

	p.SetRecovering(true)
	if _, err := p.GetXfer(CtlNoSleep); !errors.Is(err, pkg.ErrNoOpenings) {
		t.Errorf("GetXfer while recovering = %v, want ErrNoOpenings", err)
	}
	xs, err := p.GetXfer(CtlUrgent | CtlNoSleep)
	if err != nil {
		t.Fatalf("urgent GetXfer while recovering failed: %v", err)
	}
	p.PutXfer(xs)
	p.SetRecovering(false)
	if _, err := p.GetXfer(CtlNoSleep); err != nil {
		t.Errorf("GetXfer after recovery failed: %v", err)
	}
}

func TestGetXfer_SensePending(t *testing.T) {
	_, ch, p := newTestBus(t)

	ch.mu.Lock()
	p.flags |= periphSense
	ch.mu.Unlock()

	if _, err := p.GetXfer(CtlUrgent | CtlNoSleep); !errors.Is(err, pkg.ErrNoOpenings) {
		t.Errorf("urgent GetXfer with sense pending = %v, want ErrNoOpenings", err)
	}
	xs, err := p.GetXfer(CtlUrgent | CtlRequestSense | CtlNoSleep)
	if err != nil {
		t.Fatalf("sense GetXfer failed: %v", err)
	}
	p.PutXfer(xs)
}

func TestGetXfer_PoolExhausted(t *testing.T) {
	m := newMockAdapter()
	cfg := testChannelConfig()
	cfg.PoolLimit = 1
	ch := newTestChannel(t, m, DefaultAdapterConfig(), cfg)
	p := newTestPeriph(t, ch, PeriphConfig{})

	first, err := p.GetXfer(CtlNoSleep)
	if err != nil {
		t.Fatalf("GetXfer failed: %v", err)
	}
	if _, err := p.GetXfer(CtlNoSleep); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("GetXfer with empty pool = %v, want ErrNoMemory", err)
	}
	// The failed allocation must give its opening back.
	if st := p.Stats(); st.Active != 1 {
		t.Errorf("Active = %d, want 1", st.Active)
	}
	p.PutXfer(first)
}

func TestGetXfer_WaitsForOpening(t *testing.T) {
	m := newMockAdapter()
	ch := newTestChannel(t, m, DefaultAdapterConfig(), testChannelConfig())
	p := newTestPeriph(t, ch, PeriphConfig{Openings: 1})

	held, err := p.GetXfer(0)
	if err != nil {
		t.Fatalf("GetXfer failed: %v", err)
	}

	got := make(chan *Xfer)
	go func() {
		xs, err := p.GetXfer(0)
		if err != nil {
			t.Errorf("blocked GetXfer failed: %v", err)
		}
		got <- xs
	}()

	select {
	case <-got:
		t.Fatal("GetXfer did not block")
	case <-time.After(20 * time.Millisecond):
	}

	p.PutXfer(held)
	select {
	case xs := <-got:
		p.PutXfer(xs)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked GetXfer was not woken")
	}
}

func TestPutXfer_StartHook(t *testing.T) {
	m := newMockAdapter()
	ch := newTestChannel(t, m, DefaultAdapterConfig(), testChannelConfig())
	starts := 0
	p := newTestPeriph(t, ch, PeriphConfig{
		Hooks: PeriphHooks{Start: func(*Periph) { starts++ }},
	})

	xs, err := p.GetXfer(0)
	if err != nil {
		t.Fatalf("GetXfer failed: %v", err)
	}
	p.PutXfer(xs)
	if starts != 1 {
		t.Errorf("Start hook called %d times, want 1", starts)
	}

	// Releasing again is ignored.
	p.PutXfer(xs)
	if starts != 1 {
		t.Errorf("Start hook called %d times after double release, want 1", starts)
	}
	if st := ch.Stats(); st.XfersInUse != 0 {
		t.Errorf("XfersInUse = %d, want 0", st.XfersInUse)
	}
}

func TestWaitDrain(t *testing.T) {
	_, _, p := newTestBus(t)

	xs, err := p.GetXfer(0)
	if err != nil {
		t.Fatalf("GetXfer failed: %v", err)
	}

	drained := make(chan struct{})
	go func() {
		p.WaitDrain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("WaitDrain returned with an active descriptor")
	case <-time.After(20 * time.Millisecond):
	}

	p.PutXfer(xs)
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitDrain not woken")
	}
}

// =============================================================================
// Descriptor Formatting Tests
// =============================================================================

func TestXfer_StringAndDump(t *testing.T) {
	_, _, p := newTestBus(t)

	xs, err := p.GetXfer(CtlDataIn)
	if err != nil {
		t.Fatalf("GetXfer failed: %v", err)
	}
	defer p.PutXfer(xs)

	xs.CDB = cdb6(OpInquiry)
	xs.Data = []byte("ABCDEFGH")
	xs.Resid = 4
	xs.Error = XSSense
	xs.Sense.Set(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)

	s := xs.String()
	if !strings.Contains(s, "op=0x12") || !strings.Contains(s, "0:0:0") {
		t.Errorf("String() = %q", s)
	}
	d := xs.Dump()
	for _, want := range []string{"cdb:", "data:", "sense:", "ABCD"} {
		if !strings.Contains(d, want) {
			t.Errorf("Dump() missing %q:\n%s", want, d)
		}
	}
	if xs.Transferred() != 4 {
		t.Errorf("Transferred() = %d, want 4", xs.Transferred())
	}
}
