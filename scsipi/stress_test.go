package scsipi

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Concurrent Workload Tests
// =============================================================================

// randomResult picks an adapter outcome, weighted toward success.
func randomResult(r *rand.Rand) mockResult {
	switch n := r.Intn(20); {
	case n < 12:
		return mockResult{}
	case n < 14:
		return mockResult{err: XSBusy, status: StatusBusy}
	case n < 15:
		return mockResult{err: XSBusy, status: StatusQueueFull}
	case n < 16:
		return mockResult{err: XSTimeout}
	case n < 17:
		return mockResult{err: XSSense, sense: senseOf(SenseUnitAttention, ASCPowerOnReset, 0)}
	case n < 18:
		return mockResult{err: XSSense, sense: senseOf(SenseMediumError, 0x11, 0)}
	case n < 19:
		return mockResult{err: XSBusy, status: StatusCheck}
	default:
		return mockResult{err: XSDriverStuffup}
	}
}

// checkResult favors CHECK CONDITION without autosense, so sense fetches
// overlap with other failures on the same periph.
func checkResult(r *rand.Rand) mockResult {
	switch n := r.Intn(10); {
	case n < 4:
		return mockResult{}
	case n < 7:
		return mockResult{err: XSBusy, status: StatusCheck}
	case n < 9:
		return mockResult{err: XSTimeout}
	default:
		return mockResult{err: XSBusy, status: StatusBusy}
	}
}

func TestStress_RandomWorkload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	tests := []struct {
		name   string
		result func(*rand.Rand) mockResult
		seed   int64
	}{
		{"mixed", randomResult, 1},
		{"mixed reseeded", randomResult, 99},
		{"check conditions", checkResult, 7},
		{"check conditions reseeded", checkResult, 1234},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runStress(t, tt.result, tt.seed)
		})
	}
}

func runStress(t *testing.T, result func(*rand.Rand) mockResult, seed int64) {
	const (
		periphs  = 4
		workers  = 3
		commands = 25
		openings = 4
	)

	m := newMockAdapter()
	m.hold = true
	m.limit = openings
	m.sense.Set(SenseNotReady, ASCMediumNotPresent, 0)
	acfg := DefaultAdapterConfig()
	acfg.Openings = 6
	ch := newTestChannel(t, m, acfg, testChannelConfig())
	startThread(t, ch)

	var asyncDone atomic.Int64
	var ps []*Periph
	for i := 0; i < periphs; i++ {
		p := newTestPeriph(t, ch, PeriphConfig{
			Target:   i,
			Openings: openings,
			Cap:      CapTQing,
			Hooks: PeriphHooks{
				Done: func(xs *Xfer, err error) {
					if xs.Priv != nil {
						asyncDone.Add(1)
					}
				},
			},
		})
		ch.AsyncEvent(EventXferMode, &XferMode{Target: i, Mode: CapTQing})
		ps = append(ps, p)
	}

	// The adapter side: finish held descriptors in random order with random
	// results.
	stop := make(chan struct{})
	completer := make(chan struct{})
	go func() {
		defer close(completer)
		r := rand.New(rand.NewSource(seed))
		for {
			select {
			case <-stop:
				return
			default:
			}
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				time.Sleep(50 * time.Microsecond)
				continue
			}
			i := r.Intn(len(m.pending))
			xs := m.pending[i]
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.mu.Unlock()
			m.finish(xs, result(r))
		}
	}()

	var asyncIssued atomic.Int64
	var wg sync.WaitGroup
	for pi, p := range ps {
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(p *Periph, seed int64) {
				defer wg.Done()
				r := rand.New(rand.NewSource(seed))
				for i := 0; i < commands; i++ {
					flags := Control(0)
					var priv any
					if r.Intn(3) == 0 {
						flags |= CtlAsync
						priv = i
					}
					if r.Intn(4) == 0 {
						flags |= CtlSimpleTag
					}
					data := make([]byte, 512)
					err := p.Command(make10(OpRead10), data, 2, time.Second, priv, flags|CtlDataIn|CtlSilent)
					if flags&CtlAsync != 0 && err == nil {
						asyncIssued.Add(1)
					}
				}
			}(p, seed+int64(pi*workers+w+1))
		}
	}

	within(t, 30*time.Second, "workload", wg.Wait)
	waitFor(t, "async completions", func() bool { return asyncDone.Load() == asyncIssued.Load() })
	waitFor(t, "queue drain", func() bool {
		s := ch.Stats()
		return s.Queued == 0 && s.Completing == 0 && s.XfersInUse == 0
	})
	for _, p := range ps {
		waitFor(t, "periph thaw", func() bool { return p.Stats().Freeze == 0 })
	}
	close(stop)
	<-completer
	m.checkInvariants(t)

	if got := ch.Stats().Freeze; got != 0 {
		t.Errorf("channel Freeze = %d, want 0", got)
	}
	if got := ch.Adapter().Openings(); got != acfg.Openings {
		t.Errorf("adapter openings = %d, want %d", got, acfg.Openings)
	}
	for _, p := range ps {
		s := p.Stats()
		if s.Active != 0 || s.Sent != 0 || s.TagsInUse != 0 || s.Sense {
			t.Errorf("periph %s not idle: %+v", p, s)
		}
	}
	if m.pendingCount() != 0 {
		t.Errorf("adapter still holds %d descriptors", m.pendingCount())
	}
}
