package scsipi

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Mock Adapter for Testing
// =============================================================================

// mockResult is a scripted command result.
type mockResult struct {
	err    XferError
	status Status
	resid  int
	sense  *SenseData // copied into xs.Sense for XSSense
}

// mockAdapter implements AdapterDriver, Enabler and PendingKiller.
type mockAdapter struct {
	mu sync.Mutex
	ch *Channel

	// hold keeps dispatched descriptors in pending instead of completing
	// them from inside Request.
	hold    bool
	pending []*Xfer

	// Scripted results per opcode, consumed in order. Unscripted commands
	// succeed and move all data.
	script map[byte][]mockResult

	// Sense returned by REQUEST SENSE.
	sense SenseData

	// Data returned by successful data-in commands, per opcode.
	data map[byte][]byte

	// Openings added per ReqGrowResources.
	growBy int

	// State tracking
	ops       []byte
	reqs      []AdapterRequest
	modes     []XferMode
	killed    []*Periph
	enabled   bool
	enableErr error
	maxSent   int
	inFlight  int
	dispatchC chan *Xfer

	// Dispatch-time checks. limit is the number of normal commands a periph
	// may have in flight at once; 0 skips that check.
	limit      int
	flights    map[*Periph]*flight
	violations []string
}

// flight is what one periph has in the adapter right now.
type flight struct {
	tags   map[int]bool
	normal int
	urgent int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		script:    make(map[byte][]mockResult),
		data:      make(map[byte][]byte),
		dispatchC: make(chan *Xfer, 256),
		flights:   make(map[*Periph]*flight),
	}
}

func (m *mockAdapter) Request(ch *Channel, req AdapterRequest, arg any) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	switch req {
	case ReqRunXfer:
		xs := arg.(*Xfer)
		m.mu.Lock()
		m.ops = append(m.ops, xs.CDB[0])
		m.trackLocked(xs)
		m.inFlight++
		if m.inFlight > m.maxSent {
			m.maxSent = m.inFlight
		}
		if m.hold && xs.Flags&CtlPoll == 0 {
			m.pending = append(m.pending, xs)
			m.mu.Unlock()
			select {
			case m.dispatchC <- xs:
			default:
			}
			return
		}
		m.mu.Unlock()
		m.finish(xs, m.next(xs.CDB[0]))

	case ReqGrowResources:
		m.mu.Lock()
		n := m.growBy
		m.mu.Unlock()
		ch.GrowOpenings(n)

	case ReqSetXferMode:
		xm := arg.(*XferMode)
		m.mu.Lock()
		m.modes = append(m.modes, *xm)
		m.mu.Unlock()
	}
}

func (m *mockAdapter) Enable(enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enableErr != nil {
		return m.enableErr
	}
	m.enabled = enable
	return nil
}

func (m *mockAdapter) KillPending(p *Periph) {
	m.mu.Lock()
	m.killed = append(m.killed, p)
	var kill []*Xfer
	keep := m.pending[:0]
	for _, xs := range m.pending {
		if xs.periph == p {
			kill = append(kill, xs)
		} else {
			keep = append(keep, xs)
		}
	}
	m.pending = keep
	m.mu.Unlock()
	for _, xs := range kill {
		m.finish(xs, mockResult{err: XSDriverStuffup})
	}
}

// trackLocked records a dispatch and notes any broken invariant: a tag
// handed out twice, more than one recovery command, or more normal commands
// than the periph has openings.
func (m *mockAdapter) trackLocked(xs *Xfer) {
	p := xs.periph
	f := m.flights[p]
	if f == nil {
		f = &flight{tags: make(map[int]bool)}
		m.flights[p] = f
	}
	if xs.TagType != 0 {
		if f.tags[xs.TagID] {
			m.violations = append(m.violations, fmt.Sprintf("%s: tag %d dispatched twice", p, xs.TagID))
		}
		f.tags[xs.TagID] = true
	}
	if xs.Flags&CtlUrgent != 0 {
		f.urgent++
		if f.urgent > 1 {
			m.violations = append(m.violations, fmt.Sprintf("%s: %d recovery commands in flight", p, f.urgent))
		}
		return
	}
	f.normal++
	if m.limit > 0 && f.normal > m.limit {
		m.violations = append(m.violations, fmt.Sprintf("%s: %d commands in flight, limit %d", p, f.normal, m.limit))
	}
}

func (m *mockAdapter) untrackLocked(xs *Xfer) {
	f := m.flights[xs.periph]
	if f == nil {
		return
	}
	if xs.TagType != 0 {
		delete(f.tags, xs.TagID)
	}
	if xs.Flags&CtlUrgent != 0 {
		f.urgent--
	} else {
		f.normal--
	}
}

// checkInvariants reports every broken dispatch invariant.
func (m *mockAdapter) checkInvariants(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.violations {
		t.Error(v)
	}
}

// script queues results for an opcode.
func (m *mockAdapter) push(op byte, rs ...mockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[op] = append(m.script[op], rs...)
}

func (m *mockAdapter) next(op byte) mockResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.script[op]
	if len(rs) == 0 {
		return mockResult{}
	}
	m.script[op] = rs[1:]
	return rs[0]
}

// finish completes xs with r, the way an interrupt handler would.
func (m *mockAdapter) finish(xs *Xfer, r mockResult) {
	m.mu.Lock()
	m.inFlight--
	m.untrackLocked(xs)
	if xs.CDB[0] == OpRequestSense && r.err == XSNoError {
		n := copy(xs.Data, m.sense[:])
		xs.Resid = len(xs.Data) - n
	} else if r.err == XSNoError {
		if d, ok := m.data[xs.CDB[0]]; ok && xs.Flags&CtlDataIn != 0 {
			copy(xs.Data, d)
		}
		xs.Resid = r.resid
	}
	m.mu.Unlock()

	xs.Error = r.err
	xs.Status = r.status
	if r.sense != nil {
		xs.Sense = *r.sense
	}
	xs.Periph().Channel().Done(xs)
}

// completeNext finishes the oldest held descriptor.
func (m *mockAdapter) completeNext(t *testing.T, r mockResult) *Xfer {
	t.Helper()
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		t.Fatal("no pending descriptor")
	}
	xs := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()
	m.finish(xs, r)
	return xs
}

func (m *mockAdapter) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *mockAdapter) opsSeen() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.ops...)
}

func (m *mockAdapter) requests(req AdapterRequest) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reqs {
		if r == req {
			n++
		}
	}
	return n
}

// Ensure mockAdapter implements the adapter interfaces
var (
	_ AdapterDriver = (*mockAdapter)(nil)
	_ Enabler       = (*mockAdapter)(nil)
	_ PendingKiller = (*mockAdapter)(nil)
)

// =============================================================================
// Helpers
// =============================================================================

func testChannelConfig() ChannelConfig {
	cfg := DefaultChannelConfig()
	cfg.BusyDelay = time.Millisecond
	cfg.GrowDelay = time.Millisecond
	return cfg
}

func newTestChannel(t *testing.T, m *mockAdapter, acfg AdapterConfig, ccfg ChannelConfig) *Channel {
	t.Helper()
	a := NewAdapter(m, acfg)
	ch := NewChannel(a, ccfg)
	m.ch = ch
	return ch
}

func newTestPeriph(t *testing.T, ch *Channel, cfg PeriphConfig) *Periph {
	t.Helper()
	p := ch.NewPeriph(cfg)
	if err := ch.InsertPeriph(p); err != nil {
		t.Fatalf("InsertPeriph failed: %v", err)
	}
	return p
}

// newTestBus returns a channel with one periph at 0:0 and no thread.
func newTestBus(t *testing.T) (*mockAdapter, *Channel, *Periph) {
	t.Helper()
	m := newMockAdapter()
	ch := newTestChannel(t, m, DefaultAdapterConfig(), testChannelConfig())
	p := newTestPeriph(t, ch, PeriphConfig{Target: 0, LUN: 0})
	return m, ch, p
}

// startThread starts the completion goroutine and stops it on cleanup.
func startThread(t *testing.T, ch *Channel) {
	t.Helper()
	if err := ch.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = ch.Shutdown() })
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// within runs fn and fails with every goroutine's stack if it does not
// return in d. fn must not call t.Fatal.
func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Fatalf("%s did not finish within %v\n%s", what, d, buf[:n])
	}
}

// doneRecorder collects Done hook calls.
type doneRecorder struct {
	mu   sync.Mutex
	errs []error
	priv []any
}

func (r *doneRecorder) hook(xs *Xfer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.priv = append(r.priv, xs.Priv)
}

func (r *doneRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *doneRecorder) err(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[i]
}

func cdb6(op byte) []byte {
	return []byte{op, 0, 0, 0, 0, 0}
}

func senseOf(key, asc, ascq uint8) *SenseData {
	var s SenseData
	s.Set(key, asc, ascq)
	return &s
}
