// Package frame implements the kernel's physical frame manager: a
// collection of region allocators that track, for every physical frame
// known to the system, either its place in a free list or its reference
// count.
package frame

import (
	"lily/kernel"
	"lily/kernel/mm"
	"lily/kernel/sync"
)

// maxRegionFrames bounds the number of frames tracked by a single region so
// that its entry table (2 bytes/frame) fits comfortably under 64KiB.
const maxRegionFrames = 32767

var (
	errOutOfMemory      = &kernel.Error{Module: "frame", Message: "no free frames available"}
	errUnknownFrame     = &kernel.Error{Module: "frame", Message: "frame does not belong to any registered region"}
	errDoubleFree       = &kernel.Error{Module: "frame", Message: "frame is already free"}
	errAlreadyFree      = &kernel.Error{Module: "frame", Message: "frame is already in use"}
	errRegionOutOfRange = &kernel.Error{Module: "frame", Message: "region covers too many frames"}
)

// regionEntry encodes, for a single frame slot, either its position in the
// region's free list or its reference count.
//
//   - 0            : free, and the last entry in the free list
//   - n > 0        : free, next free (region-relative) index is n-1
//   - n < 0        : allocated, reference count is -n
type regionEntry int16

// region is a contiguous interval of physical frames, indexed from 0 at
// startFrame, each with one entry describing free-list membership or
// refcount.
type region struct {
	startFrame mm.Frame
	endFrame   mm.Frame // inclusive
	entries    []regionEntry
	freeHead   regionEntry // biased (see regionEntry); 0 means the list is empty
}

func newRegion(start, end mm.Frame) (*region, *kernel.Error) {
	count := uint64(end-start) + 1
	if count > maxRegionFrames {
		return nil, errRegionOutOfRange
	}

	r := &region{
		startFrame: start,
		endFrame:   end,
		entries:    make([]regionEntry, count),
	}

	// Thread every frame onto the free list, last frame first so that
	// allocation naturally proceeds from the lowest frame number up.
	for i := len(r.entries) - 1; i >= 0; i-- {
		r.entries[i] = r.freeHead
		r.freeHead = regionEntry(i + 1)
	}

	return r, nil
}

func (r *region) contains(f mm.Frame) bool {
	return f >= r.startFrame && f <= r.endFrame
}

func (r *region) index(f mm.Frame) int {
	return int(f - r.startFrame)
}

func (r *region) full() bool {
	return r.freeHead == 0
}

func (r *region) alloc() (mm.Frame, bool) {
	if r.freeHead == 0 {
		return mm.InvalidFrame, false
	}

	idx := int(r.freeHead) - 1
	r.freeHead = r.entries[idx]
	r.entries[idx] = -1
	return r.startFrame + mm.Frame(idx), true
}

func (r *region) markAsUsed(f mm.Frame) *kernel.Error {
	idx := r.index(f)

	// Walk the free list looking for idx so we can unlink it.
	if int(r.freeHead)-1 == idx {
		r.freeHead = r.entries[idx]
		r.entries[idx] = -1
		return nil
	}

	for cur := r.freeHead; cur != 0; cur = r.entries[int(cur)-1] {
		nextIdx := int(r.entries[int(cur)-1]) - 1
		if nextIdx == idx {
			r.entries[int(cur)-1] = r.entries[idx]
			r.entries[idx] = -1
			return nil
		}
	}

	return errAlreadyFree
}

func (r *region) incref(f mm.Frame, n int) (int, *kernel.Error) {
	idx := r.index(f)
	if r.entries[idx] >= 0 {
		return 0, errDoubleFree
	}

	count := int(-r.entries[idx]) + n
	r.entries[idx] = regionEntry(-count)
	return count, nil
}

func (r *region) decref(f mm.Frame) (int, *kernel.Error) {
	idx := r.index(f)
	if r.entries[idx] >= 0 {
		return 0, errDoubleFree
	}

	count := int(-r.entries[idx]) - 1
	if count < 0 {
		return 0, errDoubleFree
	}

	if count == 0 {
		r.entries[idx] = r.freeHead
		r.freeHead = regionEntry(idx + 1)
		return 0, nil
	}

	r.entries[idx] = regionEntry(-count)
	return count, nil
}

// Manager is a collection of region allocators covering all physical memory
// known to the system. A Manager instance is safe for concurrent use by
// multiple automata contexts (guarded by an internal spinlock) even though
// the single-CPU cooperative scheduler never calls it concurrently today.
type Manager struct {
	mu      sync.Spinlock
	regions []*region
}

// Add registers the physical frame interval [begin, end] (inclusive) as
// available, splitting it into one or more regions of at most
// maxRegionFrames frames each.
func (m *Manager) Add(begin, end mm.Frame) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	for begin <= end {
		chunkEnd := begin + maxRegionFrames - 1
		if chunkEnd > end {
			chunkEnd = end
		}

		r, err := newRegion(begin, chunkEnd)
		if err != nil {
			return err
		}
		m.regions = append(m.regions, r)

		if chunkEnd == end {
			break
		}
		begin = chunkEnd + 1
	}

	return nil
}

// regionFor returns the region that owns f, or nil if f is not covered by
// any registered region.
func (m *Manager) regionFor(f mm.Frame) *region {
	for _, r := range m.regions {
		if r.contains(f) {
			return r
		}
	}
	return nil
}

// Alloc returns a free frame from the first non-full region, setting its
// reference count to 1. If no region has a free frame it returns
// errOutOfMemory; it does not halt the kernel itself.
func (m *Manager) Alloc() (mm.Frame, *kernel.Error) {
	m.mu.Acquire()
	defer m.mu.Release()

	for _, r := range m.regions {
		if r.full() {
			continue
		}
		if f, ok := r.alloc(); ok {
			r.entries[r.index(f)] = -1
			return f, nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// MarkAsUsed removes a specific frame from its region's free list without
// allocating it through the normal path. It is used while reconciling
// frames that the bootloader or an early allocator already committed.
func (m *Manager) MarkAsUsed(f mm.Frame) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	r := m.regionFor(f)
	if r == nil {
		return errUnknownFrame
	}

	if err := r.markAsUsed(f); err != nil {
		return err
	}
	r.entries[r.index(f)] = -1
	return nil
}

// Incref increments the reference count of f by n and returns the new
// count.
func (m *Manager) Incref(f mm.Frame, n int) (int, *kernel.Error) {
	m.mu.Acquire()
	defer m.mu.Release()

	r := m.regionFor(f)
	if r == nil {
		return 0, errUnknownFrame
	}
	return r.incref(f, n)
}

// Decref decrements the reference count of f. If the count reaches zero the
// frame is returned to its region's free list.
func (m *Manager) Decref(f mm.Frame) (int, *kernel.Error) {
	m.mu.Acquire()
	defer m.mu.Release()

	r := m.regionFor(f)
	if r == nil {
		return 0, errUnknownFrame
	}
	return r.decref(f)
}

// RefCount returns the current reference count of f, or 0 if f is currently
// free.
func (m *Manager) RefCount(f mm.Frame) (int, *kernel.Error) {
	m.mu.Acquire()
	defer m.mu.Release()

	r := m.regionFor(f)
	if r == nil {
		return 0, errUnknownFrame
	}

	idx := r.index(f)
	if r.entries[idx] >= 0 {
		return 0, nil
	}
	return int(-r.entries[idx]), nil
}
