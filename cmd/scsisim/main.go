// Command scsisim attaches an emulated SCSI bus to the scsipi engine and
// drives a read/write workload against it.
//
// The bus is scanned the way a kernel autoconfiguration pass scans it:
// every target is probed with INQUIRY, transfer modes are negotiated and the
// capacity of each disk is read. The workload then mixes synchronous and
// asynchronous commands while the controller injects faults, and every
// block read back is checked against what was written.
//
// Usage:
//
//	go run ./cmd/scsisim [options]
//
// Options:
//
//	-units N              Number of targets with a disk attached (default: 2)
//	-luns N               LUNs per target (default: 1)
//	-size bytes           Size of each disk (default: 1 MiB)
//	-image path           Back target 0 LUN 0 with a disk image file
//	-commands N           Commands per LUN (default: 512)
//	-fault-rate f         Fraction of commands failed by injected faults
//	-faults list          Faults to inject (busy,qfull,requeue,shortage,check,...)
//	-reset-interval d     Reset the bus periodically during the workload
//	-log-level level      debug, info, warn or error (default: warn)
//	-log-format format    text or json (default: text)
//	-log-components list  Per-component levels, such as xfer=debug,target=error
//	-cpuprofile path      Write a CPU profile (build with -tags profile)
//	-mutexprofile path    Write a mutex contention profile
//	-pprof addr           Serve /debug/pprof/ while running
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/ardnew/softscsi/hba"
	"github.com/ardnew/softscsi/pkg"
	"github.com/ardnew/softscsi/pkg/prof"
	"github.com/ardnew/softscsi/scsipi"
	"github.com/ardnew/softscsi/target"
)

type options struct {
	targets    int
	luns       int
	units      int
	openings   int
	maxPeriph  int
	workers    int
	unitDepth  int
	size       int64
	blockSize  int
	image      string
	commands   int
	asyncRatio float64
	faultRate  float64
	faults     string
	resetEvery time.Duration
	autosense  bool
	tagged     bool
	poll       bool
	latency    time.Duration
	seed       int64
	logLevel   string
	logFormat  string
	logComps   string
	cpuProfile string
	memProfile string
	mutexProf  string
	pprofAddr  string
}

func parseFlags() *options {
	o := &options{}
	flag.IntVar(&o.targets, "targets", 8, "number of target IDs on the bus")
	flag.IntVar(&o.luns, "luns", 1, "LUNs per target")
	flag.IntVar(&o.units, "units", 2, "number of targets with a disk attached")
	flag.IntVar(&o.openings, "openings", 16, "adapter command openings")
	flag.IntVar(&o.maxPeriph, "max-periph", 8, "openings per LUN")
	flag.IntVar(&o.workers, "workers", 4, "controller worker goroutines")
	flag.IntVar(&o.unitDepth, "unit-queue-depth", 0, "commands a unit accepts at once (0 = unlimited)")
	flag.Int64Var(&o.size, "size", 1<<20, "size of each disk in bytes")
	flag.IntVar(&o.blockSize, "block-size", target.DefaultBlockSize, "block size in bytes")
	flag.StringVar(&o.image, "image", "", "disk image file for target 0 LUN 0")
	flag.IntVar(&o.commands, "commands", 512, "commands per LUN")
	flag.Float64Var(&o.asyncRatio, "async", 0.5, "fraction of commands issued asynchronously")
	flag.Float64Var(&o.faultRate, "fault-rate", 0.02, "fraction of commands failed by injected faults")
	flag.StringVar(&o.faults, "faults", "busy,qfull,requeue,shortage,check,timeout", "faults to inject")
	flag.DurationVar(&o.resetEvery, "reset-interval", 0, "interval between bus resets (0 = none)")
	flag.BoolVar(&o.autosense, "autosense", true, "return sense data with CHECK CONDITION")
	flag.BoolVar(&o.tagged, "tagged", true, "advertise tagged queueing")
	flag.BoolVar(&o.poll, "poll", false, "poll every command")
	flag.DurationVar(&o.latency, "latency", 50*time.Microsecond, "simulated command latency")
	flag.Int64Var(&o.seed, "seed", 1, "random seed")
	flag.StringVar(&o.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flag.StringVar(&o.logFormat, "log-format", "text", "log format (text, json)")
	flag.StringVar(&o.logComps, "log-components", "", "per-component log levels (component=level,...)")
	flag.StringVar(&o.cpuProfile, "cpuprofile", "", "write a CPU profile (needs -tags profile)")
	flag.StringVar(&o.memProfile, "memprofile", "", "write a heap profile (needs -tags profile)")
	flag.StringVar(&o.mutexProf, "mutexprofile", "", "write a mutex contention profile (needs -tags profile)")
	flag.StringVar(&o.pprofAddr, "pprof", "", "serve /debug/pprof/ on this address (needs -tags profile)")
	flag.Parse()
	return o
}

func setupLogging(o *options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return errors.Wrapf(err, "log level %q", o.logLevel)
	}
	pkg.SetLogLevel(level)
	if err := pkg.ParseComponentLevels(o.logComps); err != nil {
		return err
	}

	switch o.logFormat {
	case "text":
		pkg.SetLogFormat(pkg.LogFormatText)
	case "json":
		pkg.SetLogFormat(pkg.LogFormatJSON)
	default:
		return errors.Errorf("unknown log format %q", o.logFormat)
	}
	return nil
}

// buildController creates the controller and attaches the disks.
func buildController(o *options) (*hba.Controller, []func() error, error) {
	faults, err := hba.ParseFaults(o.faults)
	if err != nil {
		return nil, nil, err
	}

	cfg := hba.DefaultConfig()
	cfg.Adapter.Name = "scsisim"
	cfg.Adapter.Openings = o.openings
	cfg.Adapter.MaxPeriph = o.maxPeriph
	cfg.Adapter.PollOnly = o.poll
	cfg.Channel.NTargets = o.targets
	cfg.Channel.NLUNs = max(o.luns, 1)
	cfg.Channel.ID = o.targets - 1
	cfg.Channel.BusyDelay = 10 * time.Millisecond
	cfg.Workers = o.workers
	cfg.UnitQueueDepth = o.unitDepth
	cfg.Latency = o.latency
	cfg.AutoSense = o.autosense
	cfg.Seed = o.seed
	if !o.tagged {
		cfg.Caps &^= scsipi.CapTQing
	}

	c := hba.New(cfg)
	c.SetFaultRate(o.faultRate, faults...)

	var closers []func() error
	attached := 0
	for tgt := 0; tgt < o.targets && attached < o.units; tgt++ {
		if tgt == cfg.Channel.ID {
			continue
		}
		for lun := 0; lun < cfg.Channel.NLUNs; lun++ {
			var storage target.Storage
			if tgt == 0 && lun == 0 && o.image != "" {
				fs, err := target.NewFileStorage(o.image, uint32(o.blockSize), o.size, false)
				if err != nil {
					return nil, closers, err
				}
				closers = append(closers, fs.Close)
				storage = fs
			} else {
				storage = target.NewMemoryStorage(uint64(o.size), uint32(o.blockSize))
			}
			u := target.NewUnit(storage, target.Config{
				Product:        fmt.Sprintf("SIM DISK %d.%d", tgt, lun),
				SCSI3:          tgt%2 == 1,
				TaggedQueueing: o.tagged,
				Sync:           true,
				Wide:           tgt%2 == 0,
			})
			if err := c.Attach(tgt, lun, u); err != nil {
				return nil, closers, err
			}
		}
		attached++
	}
	return c, closers, nil
}

func run(ctx context.Context, o *options) error {
	c, closers, err := buildController(o)
	for _, fn := range closers {
		defer fn()
	}
	if err != nil {
		return err
	}

	ch := c.Channel()
	if err := ch.Init(); err != nil {
		return err
	}
	defer ch.Shutdown()

	if err := c.Adapter().AddRef(); err != nil {
		return err
	}
	defer c.Adapter().DelRef()

	fmt.Printf("Scanning bus %d (adapter %s, initiator ID %d)...\n",
		ch.Bus(), c.Adapter().Name(), ch.ID())
	w := newWorkload(c, o)
	disks := scan(ch, w.hooks())
	if len(disks) == 0 {
		return errors.Wrap(pkg.ErrNoDevice, "no disks found")
	}

	var stopResets func()
	if o.resetEvery > 0 {
		stopResets = resetLoop(ctx, c, o.resetEvery)
	}
	start := time.Now()
	err = w.run(ctx, disks)
	if stopResets != nil {
		stopResets()
	}
	elapsed := time.Since(start)

	report(c, disks, w, elapsed)
	if err != nil {
		return err
	}
	if n := w.mismatches(); n > 0 {
		return errors.Errorf("%d blocks read back wrong", n)
	}
	return nil
}

// resetLoop resets the bus every interval until the returned stop function
// is called.
func resetLoop(ctx context.Context, c *hba.Controller, every time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.ResetBus()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func main() {
	o := parseFlags()

	if err := setupLogging(o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	session, err := prof.Start(prof.Options{
		CPU:   o.cpuProfile,
		Heap:  o.memProfile,
		Mutex: o.mutexProf,
		HTTP:  o.pprofAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start profiling: %v\n", err)
		os.Exit(1)
	}
	if addr := session.Addr(); addr != "" {
		fmt.Printf("Profiles at http://%s/debug/pprof/\n", addr)
	}

	// Set up context for cancellation
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	err = run(ctx, o)
	cancel()

	if perr := session.Stop(); perr != nil {
		fmt.Fprintf(os.Stderr, "Failed to write profiles: %v\n", perr)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
