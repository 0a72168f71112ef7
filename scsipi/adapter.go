package scsipi

import (
	"sync"

	"github.com/ardnew/softscsi/pkg"
)

// AdapterDriver is the contract a host bus adapter implements.
//
// Request is called with the engine lock released. For ReqRunXfer the
// driver must eventually call Channel.Done for the descriptor, from any
// goroutine, including synchronously from inside Request. For
// ReqGrowResources the driver may call Channel.GrowOpenings before
// returning. Request must not block indefinitely.
type AdapterDriver interface {
	Request(ch *Channel, req AdapterRequest, arg any)
}

// Enabler is implemented by adapters that must be powered up while any
// periph holds a reference.
type Enabler interface {
	Enable(enable bool) error
}

// PendingKiller is implemented by adapters that can abort the commands a
// periph has outstanding. Aborted commands still complete through
// Channel.Done.
type PendingKiller interface {
	KillPending(p *Periph)
}

// AdapterConfig holds adapter-wide settings.
type AdapterConfig struct {
	// Name identifies the adapter in logs.
	Name string

	// Openings is the number of commands the adapter can run at once,
	// shared by every channel that does not count its own openings.
	Openings int

	// MaxPeriph is the default number of openings for each periph.
	MaxPeriph int

	// PollOnly forces every command to be polled.
	PollOnly bool
}

// DefaultAdapterConfig returns the default adapter settings.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Name:      "adapter",
		Openings:  16,
		MaxPeriph: 4,
	}
}

// Adapter is a host bus adapter instance. It owns the lock shared by all of
// its channels.
type Adapter struct {
	mu sync.Mutex

	driver   AdapterDriver
	name     string
	openings int
	maxPer   int
	pollOnly bool
	refcnt   int
	channels []*Channel
}

// NewAdapter creates an adapter backed by driver.
func NewAdapter(driver AdapterDriver, cfg AdapterConfig) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "adapter"
	}
	if cfg.MaxPeriph < 1 {
		cfg.MaxPeriph = 1
	}
	if cfg.Openings < 0 {
		cfg.Openings = 0
	}
	return &Adapter{
		driver:   driver,
		name:     cfg.Name,
		openings: cfg.Openings,
		maxPer:   cfg.MaxPeriph,
		pollOnly: cfg.PollOnly,
	}
}

// Name returns the adapter name.
func (a *Adapter) Name() string {
	return a.name
}

// Driver returns the adapter driver.
func (a *Adapter) Driver() AdapterDriver {
	return a.driver
}

// Openings returns the number of adapter-wide openings currently free.
func (a *Adapter) Openings() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openings
}

// Channels returns the attached channels.
func (a *Adapter) Channels() []*Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Channel(nil), a.channels...)
}

// AddRef takes a reference on the adapter, enabling it on the first
// reference when the driver implements Enabler.
func (a *Adapter) AddRef() error {
	a.mu.Lock()
	a.refcnt++
	first := a.refcnt == 1
	a.mu.Unlock()

	if !first {
		return nil
	}
	en, ok := a.driver.(Enabler)
	if !ok {
		return nil
	}
	if err := en.Enable(true); err != nil {
		a.mu.Lock()
		a.refcnt--
		a.mu.Unlock()
		pkg.LogWarn(pkg.ComponentAdapter, "enable failed",
			"adapter", a.name,
			"error", err)
		return err
	}
	return nil
}

// DelRef drops a reference on the adapter, disabling it when the last
// reference goes away.
func (a *Adapter) DelRef() {
	a.mu.Lock()
	if a.refcnt == 0 {
		a.mu.Unlock()
		pkg.LogWarn(pkg.ComponentAdapter, "reference count underflow", "adapter", a.name)
		return
	}
	a.refcnt--
	last := a.refcnt == 0
	a.mu.Unlock()

	if !last {
		return
	}
	if en, ok := a.driver.(Enabler); ok {
		if err := en.Enable(false); err != nil {
			pkg.LogWarn(pkg.ComponentAdapter, "disable failed",
				"adapter", a.name,
				"error", err)
		}
	}
}

// RefCount returns the number of references held.
func (a *Adapter) RefCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcnt
}
