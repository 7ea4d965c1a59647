package frame

import (
	"lily/kernel"
	"lily/kernel/mm"
	"lily/multiboot"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// BootAllocator is a rudimentary bump allocator used to hand out frames
// before the real Manager can be constructed: it consults the multiboot
// memory map directly and needs no heap allocation of its own, which makes
// it usable while setting up the kernel's permanent page tables - long
// before the Go allocator is available.
//
// Allocations are tracked via a counter of the last frame handed out, so
// freeing individual frames is not supported. Once the real Manager is
// built, every frame this allocator handed out is marked used in it via
// MarkAsUsed and BootAllocator is never consulted again.
type BootAllocator struct {
	allocCount     uint64
	lastAllocFrame mm.Frame

	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// Init records the physical address range occupied by the kernel image so
// that AllocFrame can skip over it.
func (alloc *BootAllocator) Init(kernelStart, kernelEnd uintptr) {
	pageSizeMinus1 := uintptr(mm.PageSize - 1)
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// Reset rewinds the allocator back to its initial state so that its
// allocation sequence can be replayed (e.g. to reconcile the frames it
// handed out against the real Manager's free lists).
func (alloc *BootAllocator) Reset() {
	alloc.allocCount = 0
	alloc.lastAllocFrame = 0
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame, skipping over the kernel image.
func (alloc *BootAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1

		// Skip over already allocated regions.
		if alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		switch {
		case (alloc.lastAllocFrame <= regionStartFrame && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame):
			// The kernel image starts at (or just after) the frame we'd
			// otherwise hand out next; jump past it.
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		case alloc.lastAllocFrame < regionStartFrame || alloc.allocCount == 0:
			alloc.lastAllocFrame = regionStartFrame
		default:
			alloc.lastAllocFrame++
		}

		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}
