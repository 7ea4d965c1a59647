package vmm

import (
	"lily/kernel"
	"lily/kernel/gate"
	"lily/kernel/kfmt"
	"lily/kernel/mm"
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt

	// refCountFn, increfFn and decrefFn are indirected through package
	// vars, set by SetFrameManager, so the fault handler and Map/Unmap can
	// consult and update the frame manager's reference counts without vmm
	// depending on a concrete Manager type at every call site.
	refCountFn = func(mm.Frame) (int, *kernel.Error) { return 1, nil }
	increfFn   = func(mm.Frame, int) (int, *kernel.Error) { return 1, nil }
	decrefFn   = func(mm.Frame) (int, *kernel.Error) { return 0, nil }

	// automatonFaultFn gives the scheduler a chance to resolve a page
	// fault that CoW couldn't (grow a heap/stack area, map in a buffer)
	// before the kernel treats it as fatal. It is nil until the scheduler
	// calls SetAutomatonFaultHandler during init; vmm's unit tests never
	// set it, so nonRecoverablePageFault keeps panicking as before.
	automatonFaultFn func(faultAddress uintptr, writeFault bool) bool
)

// SetAutomatonFaultHandler registers the callback consulted when a page
// fault survives CoW resolution. fn receives the faulting address and
// whether the access was a write, and returns true if it resolved the
// fault (e.g. by demand-mapping the covering area) and execution may
// resume.
func SetAutomatonFaultHandler(fn func(faultAddress uintptr, writeFault bool) bool) {
	automatonFaultFn = fn
}

// FrameManager is the slice of kernel/mm/frame.Manager that the
// copy-on-write fault handler and Map/Unmap need.
type FrameManager interface {
	RefCount(mm.Frame) (int, *kernel.Error)
	Incref(mm.Frame, int) (int, *kernel.Error)
	Decref(mm.Frame) (int, *kernel.Error)
}

// SetFrameManager registers the frame manager consulted when resolving
// copy-on-write faults and when Map/Unmap adjust a frame's reference count.
func SetFrameManager(m FrameManager) {
	refCountFn = m.RefCount
	increfFn = m.Incref
	decrefFn = m.Decref
}

// Incref increments the reference count of frame by one and returns the
// resulting count. It is exposed so that callers outside this package (e.g.
// the scheduler's on-demand page fault backing) can account for a frame
// reference installed through a path other than Map.
func Incref(f mm.Frame) (int, *kernel.Error) {
	return increfFn(f, 1)
}

// Decref decrements the reference count of frame by one and returns the
// resulting count. It is exposed so that callers outside this package can
// release a reference acquired outside of Map/Unmap's own bookkeeping.
func Decref(f mm.Frame) (int, *kernel.Error) {
	return decrefFn(f)
}

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails.
func pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = mm.PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		if err := resolveCopyOnWrite(faultPage, pageEntry); err == nil {
			return
		}
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

// resolveCopyOnWrite implements the two-branch copy-on-write algorithm: a
// privately held frame (reference count of one, and not the shared zero
// frame or a buffer-owned frame) is simply reopened for writing in place;
// otherwise the page's contents are copied into a fresh frame that replaces
// the shared one in this mapping alone.
func resolveCopyOnWrite(faultPage mm.Page, pageEntry *pageTableEntry) *kernel.Error {
	oldFrame := pageEntry.Frame()
	isBuffer := pageEntry.HasFlags(FlagBuffer)

	refCount, err := refCountFn(oldFrame)
	if err != nil {
		return err
	}

	if refCount <= 1 && oldFrame != ReservedZeroedFrame && !isBuffer {
		pageEntry.ClearFlags(FlagCopyOnWrite)
		pageEntry.SetFlags(FlagRW)
		flushTLBEntryFn(faultPage.Address())
		return nil
	}

	newFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	stub, err := mapTemporaryFn(newFrame)
	if err != nil {
		return err
	}

	kernel.Memcopy(faultPage.Address(), stub.Address(), mm.PageSize)
	_ = unmapFn(stub)

	// Buffer-backed pages keep their reference count under the owning
	// buffer's control; anonymous pages drop the mapping's claim on the
	// frame they are leaving behind.
	if !isBuffer {
		if _, err := decrefFn(oldFrame); err != nil {
			return err
		}
	}

	newFlags := FlagPresent | FlagRW
	if isBuffer {
		newFlags |= FlagBuffer
	}

	return Remap(faultPage, newFrame, newFlags)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	writeFault := regs.Info&2 != 0
	if automatonFaultFn != nil && automatonFaultFn(faultAddress, writeFault) {
		return
	}

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case regs.Info == 0:
		kfmt.Printf("read from non-present page")
	case regs.Info == 1:
		kfmt.Printf("page protection violation (read)")
	case regs.Info == 2:
		kfmt.Printf("write to non-present page")
	case regs.Info == 3:
		kfmt.Printf("page protection violation (write)")
	case regs.Info == 4:
		kfmt.Printf("page-fault in user-mode")
	case regs.Info == 8:
		kfmt.Printf("page table has reserved bit set")
	case regs.Info == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(err)
}
