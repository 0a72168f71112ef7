package hba

import (
	"time"

	"github.com/ardnew/softscsi/scsipi"
)

// Config holds controller settings.
type Config struct {
	// Adapter and Channel configure the scsipi side of the controller.
	Adapter scsipi.AdapterConfig
	Channel scsipi.ChannelConfig

	// Workers is the number of goroutines executing commands.
	Workers int

	// QueueDepth is the number of commands that can wait for a worker.
	// A command that finds the queue full completes with a resource
	// shortage.
	QueueDepth int

	// UnitQueueDepth limits the commands a unit accepts at once. Excess
	// commands complete with QUEUE FULL. Zero means unlimited.
	UnitQueueDepth int

	// Latency is the simulated execution time of every command.
	Latency time.Duration

	// AutoSense returns sense data with a CHECK CONDITION. Without it the
	// engine has to fetch the sense with REQUEST SENSE.
	AutoSense bool

	// Caps are the transfer features the controller can negotiate.
	Caps scsipi.Cap

	// SyncFactor and SyncOffset are the fastest synchronous parameters
	// the controller supports.
	SyncFactor int
	SyncOffset int

	// GrowStep openings are added per resource growth request, up to
	// MaxGrow in total.
	GrowStep int
	MaxGrow  int

	// Seed seeds the random fault generator.
	Seed int64
}

// DefaultConfig returns the default controller settings.
func DefaultConfig() Config {
	acfg := scsipi.DefaultAdapterConfig()
	acfg.Name = "hba"
	return Config{
		Adapter:    acfg,
		Channel:    scsipi.DefaultChannelConfig(),
		Workers:    4,
		QueueDepth: 256,
		AutoSense:  true,
		Caps:       scsipi.CapTQing | scsipi.CapSync | scsipi.CapWide16,
		SyncFactor: 0x0c,
		SyncOffset: 15,
		Seed:       1,
	}
}
