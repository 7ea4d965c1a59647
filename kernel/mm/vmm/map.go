package vmm

import (
	"lily/kernel"
	"lily/kernel/cpu"
	"lily/kernel/mm"
	"unsafe"
)

// ReservedZeroedFrame is a special zero-cleared frame allocated by the
// vmm package's Init function. The purpose of this frame is to assist
// in implementing on-demand mmory allocation when mapping it in
// conjunction with the CopyOnWrite flag. Here is an example of how it
// can be used:
//
//  func ReserveOnDemand(start vmm.Page, pageCount int) *kernel.Error {
//    var err *kernel.Error
//    mapFlags := vmm.FlagPresent|vmm.FlagCopyOnWrite
//    for page := start; pageCount > 0; pageCount, page = pageCount-1, page+1 {
//       if err = vmm.Map(page, vmm.ReservedZeroedFrame, mapFlags); err != nil {
//         return err
//       }
//    }
//    return nil
//  }
//
// In the above example, page mappings are set up for the requested number of
// pages but no physical mmory is reserved for their contents. A write to any
// of the above pages will trigger a page-fault causing a new frame to be
// allocated, cleared (the blank frame is copied to the new frame) and
// installed in-place with RW permissions.
var ReservedZeroedFrame mm.Frame

var (
	// protectReservedZeroedPage is set to true to prevent mapping to
	protectReservedZeroedPage bool

	// nextAddrFn is used by used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// Map establishes a mapping between a virtual page and a physical mmory frame
// using the currently active page directory table. Calls to Map will use the
// supplied physical frame allocator to initialize missing page tables at each
// paging level supported by the MMU.
//
// Unless flags carries FlagBuffer, the frame's reference count is
// incremented to account for the new PTE; buffer-backed frames are
// refcounted out-of-band by the buffer package and are left untouched here.
//
// Attempts to map ReservedZeroedFrame with a RW flag will result in an error.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next pte entry becomes available but we need to
			// make sure that the new page is properly cleared
			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			kernel.Memset(nextAddrFn(nextTableAddr), 0, mm.PageSize)
		}

		return true
	})

	if err == nil && flags&FlagBuffer == 0 {
		if _, increfErr := increfFn(frame, 1); increfErr != nil {
			return increfErr
		}
	}

	return err
}

// MapTemporary establishes a temporary RW mapping of a physical mmory frame
// to a fixed virtual address overwriting any previous mapping. The temporary
// mapping mechanism is primarily used by the kernel to access and initialize
// inactive page tables.
//
// Attempts to map ReservedZeroedFrame will result in an error.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame {
		return 0, errAttemptToRWMapReservedFrame
	}

	if err := Map(mm.PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return mm.PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via a call to Map or
// MapTemporary. Unless the page carried FlagBuffer, the frame's reference
// count is decremented to match; buffer-backed frames are refcounted
// out-of-band by the buffer package and are left untouched here.
func Unmap(page mm.Page) *kernel.Error {
	var (
		err         *kernel.Error
		frame       mm.Frame
		wasBuffer   bool
		wasUnmapped bool
	)

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
			wasBuffer = pte.HasFlags(FlagBuffer)
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			wasUnmapped = true
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err != nil {
		return err
	}

	if wasUnmapped && !wasBuffer {
		if _, decrefErr := decrefFn(frame); decrefErr != nil {
			return decrefErr
		}
	}

	return nil
}

// Remap updates the frame and flags of an already-mapped page in place,
// without reclaiming or allocating any page table frames. It is used by
// copy-on-write resolution to swap a shared frame for a private copy.
func Remap(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte, err := pteForAddress(page.Address())
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	flushTLBEntryFn(page.Address())
	return nil
}

// GetAccessed reports whether the CPU has set the accessed bit for page
// since it was last cleared.
func GetAccessed(page mm.Page) (bool, *kernel.Error) {
	pte, err := pteForAddress(page.Address())
	if err != nil {
		return false, err
	}
	return pte.HasFlags(FlagAccessed), nil
}

// SetAccessed clears or sets the accessed bit for page, e.g. after a
// scheduler pass that samples working-set activity.
func SetAccessed(page mm.Page, accessed bool) *kernel.Error {
	pte, err := pteForAddress(page.Address())
	if err != nil {
		return err
	}
	if accessed {
		pte.SetFlags(FlagAccessed)
	} else {
		pte.ClearFlags(FlagAccessed)
	}
	flushTLBEntryFn(page.Address())
	return nil
}

// bufferMapper adapts the package-level Map/Unmap functions to the narrow
// buffer.Mapper interface so that kernel/mm/buffer can install and remove
// page table entries without importing vmm directly.
//
// Every page a buffer maps is forced copy-on-write and flagged as
// buffer-backed: buffer frames may be shared between automata (clone_subrange
// increfs rather than copies), so a direct write to a mapped buffer page
// must fault and go through resolveCopyOnWrite instead of silently
// mutating a frame another buffer still shares. FlagBuffer tells both CoW
// resolution and Map/Unmap's own refcounting that the buffer package, not
// the vmm layer, owns this frame's reference count.
type bufferMapper struct{}

func (bufferMapper) Map(page mm.Page, frame mm.Frame, flags uint) *kernel.Error {
	vmmFlags := (PageTableEntryFlag(flags) &^ FlagRW) | FlagCopyOnWrite | FlagBuffer
	return Map(page, frame, vmmFlags)
}

func (bufferMapper) Unmap(page mm.Page) *kernel.Error {
	return Unmap(page)
}

func (bufferMapper) Translate(page mm.Page) (mm.Frame, *kernel.Error) {
	physAddr, err := Translate(page.Address())
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(physAddr), nil
}

// BufferMapper is passed to buffer.SetMapper during kernel initialization.
var BufferMapper bufferMapper

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	physAddr := pte.Frame().Address() + PageOffset(virtAddr)
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
