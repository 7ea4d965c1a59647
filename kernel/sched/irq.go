package sched

import (
	"lily/kernel/gate"
	"lily/kernel/ioa"
)

// SubscribeIRQ arranges for ca, a SystemInput caction, to be scheduled every
// time irq fires. IRQs are the sole source of system-input actions: they
// may only ever add work to the ready queue, never preempt whatever
// automaton is currently dispatched.
func SubscribeIRQ(irq gate.InterruptNumber, ca ioa.CAction) {
	gate.HandleInterrupt(irq, 0, func(*gate.Registers) {
		_ = Schedule(ca)
	})
}
