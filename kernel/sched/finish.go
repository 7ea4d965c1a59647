package sched

import (
	"lily/kernel/gate"
	"lily/kernel/ioa"
)

// finishHandler is invoked when the currently dispatched automaton raises
// FinishTrap (0x80) to report that its current action ran to completion.
// The trap's six register arguments let the automaton, in a single crossing
// of the trap boundary, both request a self-scheduled continuation and hand
// off the data its just-finished output action produced:
//
//	EBX  continuation entry-point (0 if none)
//	ECX  continuation parameter
//	EDX  copy-value pointer, validated against the automaton's own memory map
//	ESI  copy-value size
//	EDI  buffer id to attach to the output, or a negative value for none
//	EBP  buffer size (informational; the buffer object is authoritative)
//
// An automaton presenting a copy-value span outside its own memory map, or a
// continuation entry-point it never registered, has violated its contract
// and is terminated rather than the kernel halting.
func finishHandler(regs *gate.Registers) {
	scheduler.lock.Acquire()
	current := scheduler.current
	finishedCA := scheduler.caction
	scheduler.lock.Release()

	if current == nil {
		dispatchNext()
		return
	}

	if size := uintptr(regs.ESI); size > 0 && !current.VerifySpan(uintptr(regs.EDX), size) {
		terminate(current)
		dispatchNext()
		return
	}

	if bufID := int(int32(regs.EDI)); bufID >= 0 {
		finishedCA.Buf1 = bufID
	}

	if pa, err := current.Action(finishedCA.Action.Number); err == nil && pa.Kind == ioa.Output {
		fanOut(current, finishedCA)
	}

	if contEntry := uintptr(regs.EBX); contEntry != 0 {
		if contPA, err := current.ActionByEntry(contEntry); err == nil {
			_ = Schedule(ioa.NewCAction(current, contPA, uintptr(regs.ECX)))
		} else {
			terminate(current)
		}
	}

	dispatchNext()
}

// fanOut schedules the input side of every binding registered against the
// output caction that just finished, cloning its attached buffer (if any)
// into each bound automaton so every input receives its own copy.
func fanOut(output *ioa.Automaton, finished ioa.CAction) {
	for _, binding := range output.BoundInputs(finished.Action.Number) {
		if binding.Output.Param != finished.Param {
			continue
		}
		input := binding.Input

		if finished.Buf1 != ioa.NoBuffer {
			if id, err := input.Automaton.BufferCopy(output, finished.Buf1); err == nil {
				input.Buf1 = id
			}
		}

		_ = Schedule(input)
	}
}
