package sched

import (
	"lily/kernel/cpu"
	"lily/kernel/gate"
)

// privilegedHandler services PrivilegedTrap (0x82), reserved for the single
// designated system automaton. The only currently defined operation is TLB
// entry invalidation, requested with the virtual address in EBX. Any other
// automaton raising this trap is terminated: issuing a privileged trap at
// all is itself a contract violation for a non-privileged automaton.
func privilegedHandler(regs *gate.Registers) {
	scheduler.lock.Acquire()
	current := scheduler.current
	scheduler.lock.Release()

	if current == nil {
		return
	}

	if !current.Privileged {
		terminate(current)
		dispatchNext()
		return
	}

	cpu.FlushTLBEntry(uintptr(regs.EBX))
}
