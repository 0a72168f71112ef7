// Package hba emulates a host bus adapter for the scsipi engine.
//
// A [Controller] owns one scsipi adapter and channel. Logical units from
// package target are attached at target/LUN addresses; commands for a
// target with no unit end in a selection timeout, and commands for a
// missing LUN of a present target are answered the way a real target
// answers them.
//
// Commands run on a worker pool and complete through Channel.DoneGen from the
// worker goroutines, the way an interrupt handler would. Polled commands,
// and all commands while the pool is stopped, run inline inside Request.
//
//	c := hba.New(hba.DefaultConfig())
//	_ = c.Attach(0, 0, target.NewUnit(target.NewMemoryStorage(1<<20, 512), target.Config{}))
//	_ = c.Start(ctx)
//	defer c.Stop()
//	ch := c.Channel()
//
// # Fault Injection
//
// Scripted faults fail the commands matching an [Injection]; random faults
// fail a fraction of the commands that can still be retried:
//
//	c.Inject(hba.Injection{Target: 0, LUN: hba.Any, Opcode: hba.Any, Fault: hba.FaultBusy})
//	c.SetFaultRate(0.01, hba.FaultBusy, hba.FaultQueueFull, hba.FaultRequeue)
package hba
