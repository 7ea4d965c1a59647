// Package kmain wires together the independently-testable mm/vmm/buffer,
// gate, ioa and sched packages into the boot sequence that rt0 hands
// control to.
package kmain

import (
	"lily/kernel"
	"lily/kernel/gate"
	"lily/kernel/goruntime"
	"lily/kernel/ioa"
	"lily/kernel/kfmt"
	"lily/kernel/mm"
	"lily/kernel/mm/buffer"
	"lily/kernel/mm/frame"
	"lily/kernel/mm/vmm"
	"lily/kernel/sched"
	"lily/multiboot"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	earlyAllocator frame.BootAllocator
	frameManager   frame.Manager
)

// bootFrameManager satisfies vmm.FrameManager with the same no-op behavior
// fault.go already defaults to; it is only installed for the narrow window
// between setupPDTForKernel and the construction of the real frame.Manager,
// during which no copy-on-write page can yet exist.
type bootFrameManager struct{}

func (bootFrameManager) RefCount(mm.Frame) (int, *kernel.Error)    { return 1, nil }
func (bootFrameManager) Incref(mm.Frame, int) (int, *kernel.Error) { return 1, nil }
func (bootFrameManager) Decref(mm.Frame) (int, *kernel.Error)      { return 0, nil }

// Kmain is the only Go symbol visible to the rt0 initialization code. It is
// invoked after rt0 has set up the GDT and a minimal g0 struct that lets Go
// code run on the 4K bootstrap stack.
//
// rt0 supplies the physical address of the multiboot info payload, the
// physical start/end addresses of the kernel image, and the virtual address
// at which the kernel's ELF sections were linked to run (the kernel is
// loaded at a physical address below 1MiB but linked against a higher-half
// virtual base; kernelPageOffset is that base).
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, kernelPageOffset uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	earlyAllocator.Init(kernelStart, kernelEnd)
	mm.SetFrameAllocator(earlyAllocator.AllocFrame)

	var err *kernel.Error
	if err = vmm.Init(kernelPageOffset, bootFrameManager{}); err != nil {
		kfmt.Panic(err)
	}
	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	if err = bringUpFrameManager(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	mm.SetFrameAllocator(frameManager.Alloc)
	vmm.SetFrameManager(&frameManager)
	buffer.SetMapper(vmm.BufferMapper)
	buffer.SetZeroFrame(vmm.ReservedZeroedFrame)
	buffer.SetRefcountFns(buffer.RefcountFns{
		Incref: frameManager.Incref,
		Decref: frameManager.Decref,
	})

	gate.Init()
	sched.Init()

	if _, err = ioa.Create(true); err != nil {
		kfmt.Panic(err)
	}

	sched.Run()

	// Use kfmt.Panic instead of panic to prevent the compiler from treating
	// it as dead code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// bringUpFrameManager replaces the heap-free bootstrap allocator with the
// real region-based frame.Manager now that goruntime.Init has brought up the
// Go allocator. Every available region reported by the bootloader is added
// to the manager, the kernel image's own frames are marked used, and the
// bootstrap allocator's allocation sequence is replayed so every frame it
// already handed out (page tables, the reserved zero frame, the Go heap's
// initial reservations) is marked used too.
func bringUpFrameManager(kernelStart, kernelEnd uintptr) *kernel.Error {
	var err *kernel.Error

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1

		if err = frameManager.Add(regionStartFrame, regionEndFrame); err != nil {
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	kernelStartFrame := mm.FrameFromAddress(kernelStart)
	kernelEndFrame := mm.FrameFromAddress(kernelEnd+mm.PageSize-1) - 1
	for f := kernelStartFrame; f <= kernelEndFrame; f++ {
		if err = frameManager.MarkAsUsed(f); err != nil {
			return err
		}
	}

	allocCount := earlyAllocator.AllocCount()
	earlyAllocator.Reset()
	for i := uint64(0); i < allocCount; i++ {
		f, allocErr := earlyAllocator.AllocFrame()
		if allocErr != nil {
			return allocErr
		}
		// AllocFrame never hands out a frame inside [kernelStartFrame,
		// kernelEndFrame], so this never collides with the marks above.
		if err = frameManager.MarkAsUsed(f); err != nil {
			return err
		}
	}

	return nil
}
