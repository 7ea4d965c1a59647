package ioa

import "lily/kernel"

// AreaKind tags a virtual memory area with the policy that governs page
// faults landing inside it and whether it may be merged with an adjacent
// area of the same kind.
type AreaKind uint8

const (
	// AreaFree marks an unused hole in the memory map; it never backs a
	// mapping.
	AreaFree AreaKind = iota

	// AreaReserved is carved out of the address space (e.g. the self-map's
	// top 4MiB) and is never available for allocation.
	AreaReserved

	// AreaText, AreaRodata and AreaData back the loaded program image.
	AreaText
	AreaRodata
	AreaData

	// AreaHeap is the automaton's sbrk-managed heap.
	AreaHeap

	// AreaStack is the automaton's user-mode stack.
	AreaStack

	// AreaBuffer backs a mapped buffer object.
	AreaBuffer
)

// Area describes one non-overlapping [Begin, End) range of an automaton's
// virtual address space.
type Area struct {
	Begin, End uintptr
	Kind       AreaKind
	User       bool

	// BufferID identifies the buffer object backing an AreaBuffer entry; it
	// is meaningless for every other Kind. PageFault uses it to find the
	// buffer slot that must be backed when a page inside the area is
	// touched before it has a frame of its own.
	BufferID int
}

func (a Area) contains(addr uintptr) bool {
	return addr >= a.Begin && addr < a.End
}

func (a Area) size() uintptr {
	return a.End - a.Begin
}

// mergeable reports whether b may be folded into a: same kind, same
// privilege, and immediately adjacent. AreaBuffer entries never merge even
// when adjacent and same-kind, since each tracks a distinct buffer id that
// a merged entry could not represent.
func (a Area) mergeable(b Area) bool {
	if a.Kind == AreaBuffer {
		return false
	}
	return a.Kind == b.Kind && a.User == b.User && a.End == b.Begin
}

// areaIndex returns the index of the area covering addr, or -1.
func (au *Automaton) areaIndex(addr uintptr) int {
	for i := range au.areas {
		if au.areas[i].contains(addr) {
			return i
		}
	}
	return -1
}

// insertArea places area in the memory map provided it does not overlap any
// existing entry, keeping the map sorted by Begin. Adjacent same-kind,
// same-privilege areas are merged.
func (au *Automaton) insertArea(area Area) *kernel.Error {
	for _, existing := range au.areas {
		if area.Begin < existing.End && existing.Begin < area.End {
			return errAreaOverlap
		}
	}

	idx := len(au.areas)
	for i, existing := range au.areas {
		if area.Begin < existing.Begin {
			idx = i
			break
		}
	}

	au.areas = append(au.areas, Area{})
	copy(au.areas[idx+1:], au.areas[idx:])
	au.areas[idx] = area

	au.coalesce(idx)
	return nil
}

// coalesce merges the area at idx with its immediate neighbors if they
// share kind and privilege and are adjacent.
func (au *Automaton) coalesce(idx int) {
	if idx+1 < len(au.areas) && au.areas[idx].mergeable(au.areas[idx+1]) {
		au.areas[idx].End = au.areas[idx+1].End
		au.areas = append(au.areas[:idx+1], au.areas[idx+2:]...)
	}
	if idx > 0 && au.areas[idx-1].mergeable(au.areas[idx]) {
		au.areas[idx-1].End = au.areas[idx].End
		au.areas = append(au.areas[:idx], au.areas[idx+1:]...)
	}
}

// VerifySpan reports whether [ptr, ptr+length) lies fully within a single
// memory-map area. Used to validate pointers an automaton hands to the
// kernel across the trap boundary (finish's copy-value pointer, a syscall
// argument, ...).
func (au *Automaton) VerifySpan(ptr uintptr, length uintptr) bool {
	idx := au.areaIndex(ptr)
	if idx < 0 {
		return false
	}
	return ptr+length <= au.areas[idx].End
}

// Sbrk grows (delta > 0) or shrinks (delta < 0) the heap area. On growth it
// returns the previous break address (the start of the new space); on a
// shrink or a zero delta it returns the resulting break. Growth beyond the next area's start is rejected and the
// break is left unchanged.
func (au *Automaton) Sbrk(delta int) (uintptr, bool) {
	if au.heapArea < 0 {
		return 0, false
	}

	heap := &au.areas[au.heapArea]
	newEnd := uintptr(int(heap.End) + delta)
	if delta > 0 {
		if au.heapArea+1 < len(au.areas) && newEnd > au.areas[au.heapArea+1].Begin {
			return 0, false
		}
	} else if newEnd < heap.Begin {
		return 0, false
	}

	oldEnd := heap.End
	heap.End = newEnd
	if delta > 0 {
		return oldEnd, true
	}
	return newEnd, true
}
