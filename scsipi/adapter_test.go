package scsipi

import (
	"errors"
	"testing"

	"github.com/ardnew/softscsi/pkg"
)

// =============================================================================
// Adapter Tests
// =============================================================================

func TestAdapter_Defaults(t *testing.T) {
	a := NewAdapter(newMockAdapter(), AdapterConfig{Openings: -3})
	if a.Name() != "adapter" {
		t.Errorf("Name = %q, want adapter", a.Name())
	}
	if a.Openings() != 0 {
		t.Errorf("Openings = %d, want 0", a.Openings())
	}
	ch := NewChannel(a, ChannelConfig{})
	p := ch.NewPeriph(PeriphConfig{})
	if got := p.Stats().Openings; got != 1 {
		t.Errorf("periph openings = %d, want 1", got)
	}
	if len(a.Channels()) != 1 || a.Channels()[0] != ch {
		t.Error("channel not attached to adapter")
	}
}

func TestAdapter_RefCount(t *testing.T) {
	m := newMockAdapter()
	a := NewAdapter(m, DefaultAdapterConfig())

	if err := a.AddRef(); err != nil {
		t.Fatalf("AddRef failed: %v", err)
	}
	if !m.enabled {
		t.Error("adapter not enabled on first reference")
	}
	if err := a.AddRef(); err != nil {
		t.Fatalf("second AddRef failed: %v", err)
	}
	if a.RefCount() != 2 {
		t.Errorf("RefCount = %d, want 2", a.RefCount())
	}

	a.DelRef()
	if !m.enabled {
		t.Error("adapter disabled with a reference held")
	}
	a.DelRef()
	if m.enabled {
		t.Error("adapter enabled after last reference")
	}

	// Underflow is logged and ignored.
	a.DelRef()
	if a.RefCount() != 0 {
		t.Errorf("RefCount = %d after underflow, want 0", a.RefCount())
	}
}

func TestAdapter_EnableFailure(t *testing.T) {
	m := newMockAdapter()
	m.enableErr = pkg.ErrNoDevice
	a := NewAdapter(m, DefaultAdapterConfig())

	if err := a.AddRef(); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("AddRef = %v, want ErrNoDevice", err)
	}
	if a.RefCount() != 0 {
		t.Errorf("RefCount = %d after failed enable, want 0", a.RefCount())
	}
}

type plainDriver struct{}

func (plainDriver) Request(*Channel, AdapterRequest, any) {}

func TestAdapter_WithoutEnabler(t *testing.T) {
	a := NewAdapter(plainDriver{}, DefaultAdapterConfig())
	if err := a.AddRef(); err != nil {
		t.Fatalf("AddRef failed: %v", err)
	}
	a.DelRef()
	if a.RefCount() != 0 {
		t.Errorf("RefCount = %d, want 0", a.RefCount())
	}
}

// =============================================================================
// Channel Tests
// =============================================================================

func TestChannel_InsertPeriph(t *testing.T) {
	m := newMockAdapter()
	ch := newTestChannel(t, m, DefaultAdapterConfig(), testChannelConfig())
	other := newTestChannel(t, newMockAdapter(), DefaultAdapterConfig(), testChannelConfig())

	p := ch.NewPeriph(PeriphConfig{Target: 2, LUN: 3})
	if err := ch.InsertPeriph(p); err != nil {
		t.Fatalf("InsertPeriph failed: %v", err)
	}
	if ch.LookupPeriph(2, 3) != p {
		t.Error("LookupPeriph did not find inserted periph")
	}

	tests := []struct {
		name string
		p    *Periph
		want error
	}{
		{"duplicate", ch.NewPeriph(PeriphConfig{Target: 2, LUN: 3}), pkg.ErrPeriphExists},
		{"wrong channel", other.NewPeriph(PeriphConfig{Target: 1}), pkg.ErrWrongChannel},
		{"target range", ch.NewPeriph(PeriphConfig{Target: 8}), pkg.ErrInvalidParameter},
		{"lun range", ch.NewPeriph(PeriphConfig{LUN: -1}), pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ch.InsertPeriph(tt.p); !errors.Is(err, tt.want) {
				t.Errorf("InsertPeriph = %v, want %v", err, tt.want)
			}
		})
	}

	ch.RemovePeriph(p)
	if ch.LookupPeriph(2, 3) != nil {
		t.Error("periph still found after RemovePeriph")
	}
	if ch.LookupPeriph(-1, 0) != nil || ch.LookupPeriph(0, 99) != nil {
		t.Error("out-of-range lookup returned a periph")
	}
}

func TestChannel_PeriphIdentity(t *testing.T) {
	_, ch, p := newTestBus(t)
	q := newTestPeriph(t, ch, PeriphConfig{Target: 1})
	if p.Nexus() == q.Nexus() {
		t.Error("periphs share a nexus identifier")
	}
	if p.String() != "0:0:0" || q.String() != "0:1:0" {
		t.Errorf("String = %q/%q", p.String(), q.String())
	}
	if p.Channel() != ch || ch.Adapter().Driver() == nil {
		t.Error("back references not set")
	}
	if ch.NTargets() != 8 || ch.NLUNs() != 8 || ch.Bus() != 0 {
		t.Errorf("geometry = %d/%d bus %d", ch.NTargets(), ch.NLUNs(), ch.Bus())
	}
}

func TestChannel_OwnOpenings(t *testing.T) {
	m := newMockAdapter()
	cfg := testChannelConfig()
	cfg.Openings = 3
	ch := newTestChannel(t, m, DefaultAdapterConfig(), cfg)
	if got := ch.Stats().Openings; got != 3 {
		t.Errorf("Openings = %d, want 3", got)
	}
	ch.GrowOpenings(2)
	if got := ch.Stats().Openings; got != 5 {
		t.Errorf("Openings after grow = %d, want 5", got)
	}
	if got := ch.Adapter().Openings(); got != DefaultAdapterConfig().Openings {
		t.Errorf("adapter openings = %d, changed by channel growth", got)
	}
}

// =============================================================================
// Flag Name Tests
// =============================================================================

func TestStringers(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{Control(0).String(), "0"},
		{(CtlPoll | CtlAsync).String(), "POLL|ASYNC"},
		{(CtlRequestSense | 1<<30).String(), "REQSENSE|0x40000000"},
		{XSSelTimeout.String(), "SELTIMEOUT"},
		{XferError(99).String(), "XferError(99)"},
		{StatusQueueFull.String(), "QUEUE FULL"},
		{Status(0x7f).String(), "Status(0x7f)"},
		{Cap(0).String(), "async"},
		{(CapTQing | CapWide16).String(), "tqing|wide16"},
		{ReqGrowResources.String(), "GROW_RESOURCES"},
		{EventReset.String(), "RESET"},
		{AsyncEvent(9).String(), "AsyncEvent(9)"},
		{OutcomeRestart.String(), "restart"},
		{SenseKeyString(SenseUnitAttention), "unit attention"},
		{SenseKeyString(0x1f), "unknown error key"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String = %q, want %q", tt.got, tt.want)
		}
	}
}
