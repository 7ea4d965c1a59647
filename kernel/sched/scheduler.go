// Package sched implements the kernel's cooperative scheduler: a FIFO ready
// queue of complete actions (cactions) awaiting dispatch, and the trap
// handlers that let a running automaton hand control back to the kernel
// (finish), request a kernel-mediated operation (syscall), or request an
// operation reserved for a privileged automaton (privileged trap).
package sched

import (
	"lily/kernel"
	"lily/kernel/cpu"
	"lily/kernel/gate"
	"lily/kernel/ioa"
	"lily/kernel/mm"
	"lily/kernel/mm/vmm"
	"lily/kernel/sync"
)

// scheduler is the kernel-wide singleton; Lily runs a single ready queue
// shared by every CPU, matching the rest of the kernel's single-core scope.
var scheduler = struct {
	lock    sync.Spinlock
	ready   []ioa.CAction
	pending map[ioa.CAction]struct{}
	current *ioa.Automaton
	caction ioa.CAction
}{pending: make(map[ioa.CAction]struct{})}

// entryDispatchFn transfers control to an automaton's address space at
// entry, passing param and the two buffer ids as arguments, after pushing
// an iret frame built from the automaton's saved ring-3 context. Its body
// lives in the same hand-written entry-stub layer as gate's
// dispatchInterrupt; constructing it is outside the scope of this package.
var entryDispatchFn func(entry uintptr, param uintptr, buf1, buf2 int)

// activateFn installs a caction's automaton as the active address space
// before control transfers to it. Indirected so tests can dispatch cactions
// without exercising the real page directory table.
var activateFn = func(au *ioa.Automaton) mm.Frame { return au.Activate() }

// Init installs the scheduler's trap handlers and registers it as the
// kernel's automaton-level page fault policy. Called once during kernel
// bring-up, after gate.Init.
func Init() {
	gate.HandleInterrupt(gate.FinishTrap, 0, finishHandler)
	gate.HandleInterrupt(gate.SyscallTrap, 0, syscallHandler)
	gate.HandleInterrupt(gate.PrivilegedTrap, 0, privilegedHandler)
	vmm.SetAutomatonFaultHandler(faultHandler)
}

// Schedule enqueues ca for dispatch. Scheduling the same caction twice
// before it runs is a no-op: the I/O automaton model only cares that an
// enabled action eventually runs, not how many times it was requested.
func Schedule(ca ioa.CAction) *kernel.Error {
	scheduler.lock.Acquire()
	defer scheduler.lock.Release()

	if _, already := scheduler.pending[ca]; already {
		return nil
	}
	scheduler.pending[ca] = struct{}{}
	scheduler.ready = append(scheduler.ready, ca)
	return nil
}

// popReady removes and returns the head of the ready queue.
func popReady() (ioa.CAction, bool) {
	scheduler.lock.Acquire()
	defer scheduler.lock.Release()

	if len(scheduler.ready) == 0 {
		return ioa.CAction{}, false
	}
	ca := scheduler.ready[0]
	scheduler.ready = scheduler.ready[1:]
	delete(scheduler.pending, ca)
	return ca, true
}

// Run is the scheduler's main loop: forever dispatch the next ready
// caction. It never returns; control re-enters this package only through
// the trap handlers registered by Init, which themselves call dispatchNext
// to hand off to whichever caction is ready next.
func Run() {
	dispatchNext()
}

// dispatchNext pops the next ready caction, activates its automaton's
// address space, and transfers control to it. If the ready queue is empty
// the CPU is halted until the next interrupt repopulates it (e.g. an IRQ
// scheduling a SystemInput action).
func dispatchNext() {
	for {
		ca, ok := popReady()
		if !ok {
			haltUntilInterruptFn()
			continue
		}

		scheduler.lock.Acquire()
		scheduler.current = ca.Automaton
		scheduler.caction = ca
		scheduler.lock.Release()

		activateFn(ca.Automaton)
		entryDispatchFn(ca.Action.Entry, ca.Param, ca.Buf1, ca.Buf2)
		return
	}
}

// haltUntilInterruptFn is swapped out in tests; on real hardware it executes
// HLT and returns once an interrupt (IRQ, trap) wakes the CPU.
var haltUntilInterruptFn = cpu.Halt
