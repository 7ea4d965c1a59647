// Package buffer implements the kernel's buffer object: an ordered list of
// physical frames that may optionally be mapped into a contiguous virtual
// address range. Buffers are the unit of data transfer between automata;
// binding an output action to an input action hands the input a clone of
// the caller's buffer rather than the original.
package buffer

import (
	"lily/kernel"
	"lily/kernel/mm"
)

var (
	errEmptyRange    = &kernel.Error{Module: "buffer", Message: "operation requires a non-empty buffer"}
	errAlreadyMapped = &kernel.Error{Module: "buffer", Message: "buffer is already mapped"}
	errNotMapped     = &kernel.Error{Module: "buffer", Message: "buffer is not mapped"}
	errOutOfRange    = &kernel.Error{Module: "buffer", Message: "frame index out of range"}
	errMapperNotSet  = &kernel.Error{Module: "buffer", Message: "no virtual memory mapper registered"}
)

// Mapper is the narrow slice of the virtual memory layer that a buffer
// needs in order to install or remove page table entries for its frames.
// The vmm package registers itself as the active Mapper during kernel
// init; buffer never imports vmm directly, and vmm does not import buffer.
type Mapper interface {
	Map(p mm.Page, f mm.Frame, flags uint) *kernel.Error
	Unmap(p mm.Page) *kernel.Error
	Translate(p mm.Page) (mm.Frame, *kernel.Error)
}

var activeMapper Mapper

// SetMapper registers the Mapper implementation used by Map/Unmap/Sync.
func SetMapper(m Mapper) {
	activeMapper = m
}

// zeroFrame is the shared, all-zero frame that freshly created buffer slots
// reference until a write against a mapped slot triggers copy-on-write.
var zeroFrame mm.Frame

// SetZeroFrame registers the kernel's shared zero frame, installed once
// during kernel init.
func SetZeroFrame(f mm.Frame) {
	zeroFrame = f
}

// Buffer is an ordered, ref-counted list of physical frames with an
// optional mapped virtual window.
type Buffer struct {
	frames []mm.Frame

	mapped   bool
	mapBegin mm.Page
	mapFlags uint
}

// Create allocates a new buffer backed by count references to the shared
// zero frame. Each slot is privately copy-on-write until a write against a
// mapped page gives it its own frame.
func Create(count int) (*Buffer, *kernel.Error) {
	b := &Buffer{frames: make([]mm.Frame, count)}
	for i := range b.frames {
		if _, err := frameIncref(zeroFrame); err != nil {
			b.releaseFrames(b.frames[:i])
			return nil, err
		}
		b.frames[i] = zeroFrame
	}
	return b, nil
}

// Len returns the number of frames currently held by the buffer.
func (b *Buffer) Len() int {
	return len(b.frames)
}

// Frame returns the frame at the given index.
func (b *Buffer) Frame(index int) (mm.Frame, *kernel.Error) {
	if index < 0 || index >= len(b.frames) {
		return mm.InvalidFrame, errOutOfRange
	}
	return b.frames[index], nil
}

// CloneSubrange produces a new buffer that shares frames [start, start+count)
// of b, incrementing each frame's reference count. The new buffer starts
// unmapped regardless of b's mapping state. b is synchronized first so that
// a frame a copy-on-write fault has already replaced is what gets shared,
// not the stale pre-fault frame id still sitting in b.frames.
func CloneSubrange(b *Buffer, start, count int) (*Buffer, *kernel.Error) {
	if err := b.Sync(); err != nil {
		return nil, err
	}

	if start < 0 || count < 0 || start+count > len(b.frames) {
		return nil, errOutOfRange
	}

	clone := &Buffer{frames: make([]mm.Frame, count)}
	for i := 0; i < count; i++ {
		f := b.frames[start+i]
		if _, err := frameIncref(f); err != nil {
			clone.releaseFrames(clone.frames[:i])
			return nil, err
		}
		clone.frames[i] = f
	}
	return clone, nil
}

// Clone produces a new buffer sharing every frame of b.
func Clone(b *Buffer) (*Buffer, *kernel.Error) {
	return CloneSubrange(b, 0, len(b.frames))
}

// Destroy unmaps the buffer (if mapped) and releases every frame it holds.
func (b *Buffer) Destroy() *kernel.Error {
	if b.mapped {
		if err := b.Unmap(); err != nil {
			return err
		}
	}
	b.releaseFrames(b.frames)
	b.frames = nil
	return nil
}

// Resize grows or shrinks the buffer to exactly count frames. Growth
// appends references to the shared zero frame (incrementing its reference
// count, allocating nothing); shrinkage releases the trailing frames.
// Resize requires the buffer be unmapped, the same as Append.
func (b *Buffer) Resize(count int) *kernel.Error {
	if count < 0 {
		return errOutOfRange
	}
	if b.mapped {
		return errAlreadyMapped
	}

	switch {
	case count < len(b.frames):
		b.releaseFrames(b.frames[count:])
		b.frames = b.frames[:count]
	case count > len(b.frames):
		for len(b.frames) < count {
			if _, err := frameIncref(zeroFrame); err != nil {
				return err
			}
			b.frames = append(b.frames, zeroFrame)
		}
	}
	return nil
}

// Append adds count references to the shared zero frame to the end of the
// buffer.
func (b *Buffer) Append(count int) *kernel.Error {
	return b.Resize(len(b.frames) + count)
}

// AppendFrom appends every frame currently held by other onto the end of b,
// incrementing each frame's reference count; other is left untouched.
// AppendFrom requires b be unmapped, the same as Resize.
func (b *Buffer) AppendFrom(other *Buffer) *kernel.Error {
	if b.mapped {
		return errAlreadyMapped
	}

	start := len(b.frames)
	for _, f := range other.frames {
		if _, err := frameIncref(f); err != nil {
			b.releaseFrames(b.frames[start:])
			b.frames = b.frames[:start]
			return err
		}
		b.frames = append(b.frames, f)
	}
	return nil
}

// Assign replaces the frame at index with f, incrementing f's reference
// count and decrementing the replaced frame's. If the buffer is mapped, the
// destination page is remapped to f in place so the buffer's observable
// mapping never lags its frame vector; callers do not need to follow Assign
// with a Sync. The on-demand backing of a buffer page and the assign
// syscall use it to replace one frame without disturbing the rest of the
// buffer.
func (b *Buffer) Assign(index int, f mm.Frame) *kernel.Error {
	if index < 0 || index >= len(b.frames) {
		return errOutOfRange
	}

	if _, err := frameIncref(f); err != nil {
		return err
	}

	if b.mapped {
		if activeMapper == nil {
			frameDecref(f)
			return errMapperNotSet
		}
		p := b.mapBegin + mm.Page(index)
		if err := activeMapper.Map(p, f, b.mapFlags); err != nil {
			frameDecref(f)
			return err
		}
	}

	old := b.frames[index]
	b.frames[index] = f
	b.releaseFrames([]mm.Frame{old})
	return nil
}

// Map installs the buffer's frames into the virtual address range starting
// at p, using flags for every page table entry. The buffer must not
// already be mapped.
func (b *Buffer) Map(p mm.Page, flags uint) *kernel.Error {
	if activeMapper == nil {
		return errMapperNotSet
	}
	if b.mapped {
		return errAlreadyMapped
	}
	if len(b.frames) == 0 {
		return errEmptyRange
	}

	for i, f := range b.frames {
		if err := activeMapper.Map(p+mm.Page(i), f, flags); err != nil {
			// Unwind the pages we already mapped.
			for j := 0; j < i; j++ {
				activeMapper.Unmap(p + mm.Page(j))
			}
			return err
		}
	}

	b.mapped = true
	b.mapBegin = p
	b.mapFlags = flags
	return nil
}

// Unmap removes the buffer's mapped virtual window, if any. The frame
// vector is synchronized first so that a frame a copy-on-write fault
// installed is adopted before the mapping that could have revealed it goes
// away; the buffer keeps owning every frame's reference (decref=false).
func (b *Buffer) Unmap() *kernel.Error {
	if !b.mapped {
		return errNotMapped
	}
	if activeMapper == nil {
		return errMapperNotSet
	}
	if err := b.Sync(); err != nil {
		return err
	}

	for i := range b.frames {
		if err := activeMapper.Unmap(b.mapBegin + mm.Page(i)); err != nil {
			return err
		}
	}

	b.mapped = false
	return nil
}

// Sync reconciles a mapped buffer's frame list with what is actually
// installed in the page tables. For each mapped page it compares the frame
// currently installed there with the frame id recorded in b.frames; a
// mismatch means a copy-on-write fault replaced the page with a private
// copy, so Sync adopts the installed frame into the vector (decrementing
// the stale id and incrementing the installed one) rather than overwriting
// it. Callers invoke it before handing a mapped buffer to any cross-buffer
// operation that assumes the frame list is current; CloneSubrange and Unmap
// call it themselves.
func (b *Buffer) Sync() *kernel.Error {
	if !b.mapped {
		return nil
	}
	if activeMapper == nil {
		return errMapperNotSet
	}

	for i, f := range b.frames {
		p := b.mapBegin + mm.Page(i)

		installed, err := activeMapper.Translate(p)
		if err != nil {
			return err
		}
		if installed == f {
			continue
		}

		if _, err := frameIncref(installed); err != nil {
			return err
		}
		b.frames[i] = installed
		b.releaseFrames([]mm.Frame{f})

		if err := activeMapper.Map(p, installed, b.mapFlags); err != nil {
			return err
		}
	}
	return nil
}

// MappedRange returns the virtual page range currently backing the buffer
// and whether the buffer is mapped at all.
func (b *Buffer) MappedRange() (begin mm.Page, count int, ok bool) {
	if !b.mapped {
		return 0, 0, false
	}
	return b.mapBegin, len(b.frames), true
}

func (b *Buffer) releaseFrames(frames []mm.Frame) {
	for _, f := range frames {
		frameDecref(f)
	}
}

// RefcountFns lets the kernel wire the active frame manager's Incref/Decref
// methods into the buffer package without introducing an import cycle.
type RefcountFns struct {
	Incref func(mm.Frame, int) (int, *kernel.Error)
	Decref func(mm.Frame) (int, *kernel.Error)
}

// frameIncref/frameDecref default to no-ops so Buffer is usable in unit
// tests without a real frame manager wired in; SetRefcountFns installs the
// real ones during kernel init.
var (
	frameIncref = func(f mm.Frame) (int, *kernel.Error) { return 1, nil }
	frameDecref = func(f mm.Frame) (int, *kernel.Error) { return 0, nil }
)

// SetRefcountFns registers the frame manager functions used to adjust
// reference counts whenever frames enter or leave a buffer.
func SetRefcountFns(fns RefcountFns) {
	frameIncref = func(f mm.Frame) (int, *kernel.Error) { return fns.Incref(f, 1) }
	frameDecref = fns.Decref
}
