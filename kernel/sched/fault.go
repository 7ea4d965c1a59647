package sched

// faultHandler is registered with vmm.SetAutomatonFaultHandler and gives the
// currently dispatched automaton a chance to resolve a page fault that the
// vmm's own copy-on-write logic could not. A fault inside a growable area
// (heap, stack, a mapped buffer) is accepted and execution resumes; anything
// else is a contract violation and the automaton is torn down.
func faultHandler(faultAddress uintptr, writeFault bool) bool {
	scheduler.lock.Acquire()
	current := scheduler.current
	scheduler.lock.Release()

	if current == nil {
		return false
	}

	if current.PageFault(faultAddress, writeFault) {
		return true
	}

	// The automaton violated its own memory-map contract. It is removed
	// from the registry and the scheduler moves on to the next ready
	// caction instead of resuming the faulting context; the asm-level
	// entry stub is responsible for never reissuing the iret that would
	// have returned here.
	terminate(current)
	dispatchNext()
	return true
}
