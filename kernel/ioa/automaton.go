package ioa

import (
	"lily/kernel"
	"lily/kernel/mm"
	"lily/kernel/mm/buffer"
	"lily/kernel/mm/vmm"
	"lily/kernel/sync"
)

var (
	errAreaOverlap     = &kernel.Error{Module: "ioa", Message: "memory area overlaps an existing one"}
	errUnknownAction   = &kernel.Error{Module: "ioa", Message: "action number is not registered"}
	errDuplicateAction = &kernel.Error{Module: "ioa", Message: "action number is already registered"}
	errUnknownBuffer   = &kernel.Error{Module: "ioa", Message: "buffer id is not registered"}
	errEmptyBuffer     = &kernel.Error{Module: "ioa", Message: "cannot map an empty buffer"}
)

// defaultBufferArenaBase is the first virtual address handed out by
// MapBuffer for an automaton that has not yet mapped any buffer. It sits
// well above a typical heap/stack footprint and below the kernel's upper
// 1GiB, within the user half of the address-space layout.
const defaultBufferArenaBase = 0x40000000

// PageBackingFns lets the two primitives PageFault uses to back a heap,
// stack or buffer page on demand — installing the new mapping and clearing
// its contents — be substituted in tests. Production code never calls
// SetPageBackingFns; the defaults route through the automaton's real page
// directory and kernel.Memset, the same as every other on-demand mapping in
// the kernel.
type PageBackingFns struct {
	Map  func(au *Automaton, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	Zero func(addr uintptr)
}

var backingFns = PageBackingFns{
	Map: func(au *Automaton, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return au.Map(page, frame, flags)
	},
	Zero: func(addr uintptr) { kernel.Memset(addr, 0, mm.PageSize) },
}

// SetPageBackingFns overrides the primitives PageFault uses to back a page
// on demand. It exists for the ioa package's own tests and the scheduler's,
// which exercise NewBare automatons that have no real page directory to
// install mappings into.
func SetPageBackingFns(fns PageBackingFns) {
	backingFns = fns
}

// ID uniquely and, for the lifetime of the kernel, permanently identifies an
// automaton. Ids are never reused so a stale reference a peer automaton still
// holds after its owner is destroyed is detectable rather than silently
// rebound to an unrelated automaton.
type ID uint32

// bufferSlot is one entry of an automaton's buffer table: the buffer object
// and whether the slot is in use. The slot's index is the buffer's id.
type bufferSlot struct {
	buf  *buffer.Buffer
	used bool
}

// Automaton is the kernel's representation of one I/O automaton: an
// isolated address space, its published actions, its virtual memory map,
// the three binding tables that record how its actions are wired to its
// peers, and the buffers it currently owns.
type Automaton struct {
	ID         ID
	Privileged bool

	pdt vmm.PageDirectoryTable

	actionsByNumber map[int]*PAction
	actionsByEntry  map[uintptr]*PAction

	areas    []Area
	heapArea int

	buffers      []bufferSlot
	nextBufferVA uintptr

	// boundOutputs maps an output caction's partial action number to the
	// binding it participates in (each output may bind to many inputs, so
	// the value is a slice).
	boundOutputs map[int][]*Binding

	// boundInputs maps an input partial action number to the single
	// binding it participates in, since an input may be bound at most once.
	boundInputs map[int]*Binding

	lock sync.Spinlock
}

// New allocates a fresh page directory table for the automaton and returns
// it with empty action, area and binding tables. The caller is responsible
// for populating the memory map (InsertArea) and action table
// (RegisterAction) before the automaton is scheduled.
func New(id ID, privileged bool) (*Automaton, *kernel.Error) {
	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	au := &Automaton{
		ID:              id,
		Privileged:      privileged,
		actionsByNumber: make(map[int]*PAction),
		actionsByEntry:  make(map[uintptr]*PAction),
		heapArea:        -1,
		boundOutputs:    make(map[int][]*Binding),
		boundInputs:     make(map[int]*Binding),
	}

	if err = au.pdt.Init(pdtFrame); err != nil {
		return nil, err
	}

	return au, nil
}

// NewBare constructs an Automaton with fully initialized tables but no
// backing page directory table. Production code always goes through New;
// NewBare exists for callers in other packages' test suites (the scheduler's,
// principally) that need a schedulable automaton without the real paging
// hardware New's pdt.Init requires.
func NewBare(id ID, privileged bool) *Automaton {
	return &Automaton{
		ID:              id,
		Privileged:      privileged,
		actionsByNumber: make(map[int]*PAction),
		actionsByEntry:  make(map[uintptr]*PAction),
		heapArea:        -1,
		boundOutputs:    make(map[int][]*Binding),
		boundInputs:     make(map[int]*Binding),
	}
}

// Activate installs this automaton's page directory as the active one and
// returns the frame of the previously active PDT, so the scheduler can
// restore it on the way out.
func (au *Automaton) Activate() mm.Frame {
	return au.pdt.Activate()
}

// Map installs page into this automaton's address space, working correctly
// whether or not the automaton is currently active.
func (au *Automaton) Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	return au.pdt.Map(page, frame, flags)
}

// Unmap removes a page previously installed by Map.
func (au *Automaton) Unmap(page mm.Page) *kernel.Error {
	return au.pdt.Unmap(page)
}

// release tears down everything this automaton owns, in the order
// SPEC_FULL.md documents: release every binding it participates in (undoing
// the mirrored entry on each peer), destroy every buffer it still holds
// (decrefing their frames), unmap every remaining VM area backed by a frame
// (decrefing those too), and finally release the page-directory frame
// itself. Destroy calls this once, after removing the automaton from the
// registry, so no new binding or buffer operation can race with it.
func (au *Automaton) release() {
	au.lock.Acquire()
	var bindings []*Binding
	for _, bs := range au.boundOutputs {
		bindings = append(bindings, bs...)
	}
	for _, b := range au.boundInputs {
		bindings = append(bindings, b)
	}
	bufferIDs := make([]int, 0, len(au.buffers))
	for id, slot := range au.buffers {
		if slot.used {
			bufferIDs = append(bufferIDs, id)
		}
	}
	areas := make([]Area, len(au.areas))
	copy(areas, au.areas)
	au.lock.Release()

	for _, b := range bindings {
		Unbind(b)
	}
	for _, id := range bufferIDs {
		_ = au.BufferDestroy(id)
	}

	for _, area := range areas {
		// AreaFree and AreaReserved never carry a frame. AreaBuffer areas
		// were already unmapped above, as part of destroying the buffers
		// they back.
		if area.Kind == AreaFree || area.Kind == AreaReserved || area.Kind == AreaBuffer {
			continue
		}
		for addr := area.Begin; addr < area.End; addr += mm.PageSize {
			if err := au.Unmap(mm.PageFromAddress(addr)); err != nil && err != vmm.ErrInvalidMapping {
				break
			}
		}
	}

	_ = au.pdt.Release()
}

// InsertArea adds area to the automaton's memory map. Inserting shifts the
// index of every area already sorted after it, so the heap area's index (if
// one exists) is always recomputed, not just when area itself is the heap.
func (au *Automaton) InsertArea(area Area) *kernel.Error {
	au.lock.Acquire()
	defer au.lock.Release()

	if err := au.insertArea(area); err != nil {
		return err
	}
	for i := range au.areas {
		if au.areas[i].Kind == AreaHeap {
			au.heapArea = i
			break
		}
	}
	return nil
}

// RegisterAction adds a partial action to the automaton's action table. The
// action's Number and Entry must each be unique within the automaton.
func (au *Automaton) RegisterAction(pa *PAction) *kernel.Error {
	au.lock.Acquire()
	defer au.lock.Release()

	if _, exists := au.actionsByNumber[pa.Number]; exists {
		return errDuplicateAction
	}
	if _, exists := au.actionsByEntry[pa.Entry]; exists {
		return errDuplicateAction
	}

	au.actionsByNumber[pa.Number] = pa
	au.actionsByEntry[pa.Entry] = pa
	return nil
}

// Action looks up a registered partial action by its number.
func (au *Automaton) Action(number int) (*PAction, *kernel.Error) {
	au.lock.Acquire()
	defer au.lock.Release()

	pa, ok := au.actionsByNumber[number]
	if !ok {
		return nil, errUnknownAction
	}
	return pa, nil
}

// ActionByEntry looks up a registered partial action by its entry point,
// used when the scheduler needs to identify which action a trap's saved
// instruction pointer corresponds to.
func (au *Automaton) ActionByEntry(entry uintptr) (*PAction, *kernel.Error) {
	au.lock.Acquire()
	defer au.lock.Release()

	pa, ok := au.actionsByEntry[entry]
	if !ok {
		return nil, errUnknownAction
	}
	return pa, nil
}

// PageFault resolves a page fault whose faulting address lies inside this
// automaton, delegating to the area covering addr. AreaFree and AreaReserved
// areas, and any address not covered by an area at all, are unrecoverable:
// they indicate either an automaton referencing memory it never allocated or
// a violation of a reserved range's policy.
func (au *Automaton) PageFault(addr uintptr, writeFault bool) bool {
	au.lock.Acquire()
	idx := au.areaIndex(addr)
	if idx < 0 {
		au.lock.Release()
		return false
	}
	area := au.areas[idx]
	au.lock.Release()

	switch area.Kind {
	case AreaHeap, AreaStack:
		return au.backAnonymousPage(addr, area) == nil
	case AreaBuffer:
		return au.backBufferPage(addr, area) == nil
	case AreaData:
		// Writable at load time but not a target for demand growth; a
		// write fault here means the automaton wrote past what was
		// mapped for it.
		return !writeFault
	default:
		return false
	}
}

// backAnonymousPage backs the page of a heap or stack area covering addr
// with a freshly allocated, zeroed frame. Map's own bookkeeping increfs the
// frame to account for the new PTE on top of the 1 AllocFrame already set,
// so the balancing Decref below brings it back to the single reference the
// one PTE actually holds.
func (au *Automaton) backAnonymousPage(addr uintptr, area Area) *kernel.Error {
	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	flags := vmm.FlagPresent | vmm.FlagRW
	if area.User {
		flags |= vmm.FlagUserAccessible
	}

	page := mm.PageFromAddress(addr)
	if err := backingFns.Map(au, page, frame, flags); err != nil {
		return err
	}
	backingFns.Zero(page.Address())

	_, err = vmm.Decref(frame)
	return err
}

// backBufferPage backs the page of an AreaBuffer area covering addr with a
// freshly allocated, zeroed frame, routed through Buffer.Assign so the
// buffer's own frame vector and mapping stay the single source of truth.
// Assign increfs the new frame on top of the 1 AllocFrame already set (the
// same double-increment backAnonymousPage balances for a plain mapping), so
// the trailing Decref applies here too.
func (au *Automaton) backBufferPage(addr uintptr, area Area) *kernel.Error {
	au.lock.Acquire()
	b, err := au.bufferAt(area.BufferID)
	au.lock.Release()
	if err != nil {
		return err
	}

	index := int((addr - area.Begin) / mm.PageSize)

	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	if err := b.Assign(index, frame); err != nil {
		return err
	}
	backingFns.Zero(mm.PageFromAddress(addr).Address())

	_, err = vmm.Decref(frame)
	return err
}

// BufferCreate allocates a new zero-frame-backed buffer of count pages and
// returns the id under which the automaton will refer to it.
func (au *Automaton) BufferCreate(count int) (int, *kernel.Error) {
	b, err := buffer.Create(count)
	if err != nil {
		return -1, err
	}
	return au.adoptBuffer(b), nil
}

// bufferAt returns the buffer registered under id.
func (au *Automaton) bufferAt(id int) (*buffer.Buffer, *kernel.Error) {
	if id < 0 || id >= len(au.buffers) || !au.buffers[id].used {
		return nil, errUnknownBuffer
	}
	return au.buffers[id].buf, nil
}

// adoptBuffer assigns b the next free buffer id, reusing a hole left by a
// destroyed buffer when one is available, and returns that id. It acquires
// au.lock itself, so the caller must not hold it.
func (au *Automaton) adoptBuffer(b *buffer.Buffer) int {
	au.lock.Acquire()
	defer au.lock.Release()

	for i := range au.buffers {
		if !au.buffers[i].used {
			au.buffers[i] = bufferSlot{buf: b, used: true}
			return i
		}
	}

	au.buffers = append(au.buffers, bufferSlot{buf: b, used: true})
	return len(au.buffers) - 1
}

// BufferDestroy releases the buffer registered under id and frees its slot
// for reuse.
func (au *Automaton) BufferDestroy(id int) *kernel.Error {
	au.lock.Acquire()
	b, err := au.bufferAt(id)
	if err != nil {
		au.lock.Release()
		return err
	}
	au.buffers[id] = bufferSlot{}
	au.lock.Release()

	return b.Destroy()
}

// BufferSize returns the number of frames held by the buffer registered
// under id.
func (au *Automaton) BufferSize(id int) (int, *kernel.Error) {
	au.lock.Acquire()
	b, err := au.bufferAt(id)
	au.lock.Release()
	if err != nil {
		return 0, err
	}
	return b.Len(), nil
}

// BufferGrow resizes the buffer registered under id to count frames.
func (au *Automaton) BufferGrow(id, count int) *kernel.Error {
	au.lock.Acquire()
	b, err := au.bufferAt(id)
	au.lock.Release()
	if err != nil {
		return err
	}
	return b.Resize(count)
}

// BufferFrame returns the frame at index of the buffer registered under id.
func (au *Automaton) BufferFrame(id, index int) (mm.Frame, *kernel.Error) {
	au.lock.Acquire()
	b, err := au.bufferAt(id)
	au.lock.Release()
	if err != nil {
		return mm.InvalidFrame, err
	}
	return b.Frame(index)
}

// BufferAssignRange replaces frames [dstOff, dstOff+length) of the buffer
// registered under dstID with the frames at [srcOff, srcOff+length) of the
// buffer registered under srcID, which may be the same buffer. Each
// replaced frame is independently reference counted, matching a sequence of
// individual Buffer.Assign calls.
func (au *Automaton) BufferAssignRange(dstID, dstOff, srcID, srcOff, length int) *kernel.Error {
	au.lock.Acquire()
	dst, dstErr := au.bufferAt(dstID)
	src, srcErr := au.bufferAt(srcID)
	au.lock.Release()
	if dstErr != nil {
		return dstErr
	}
	if srcErr != nil {
		return srcErr
	}

	sub, err := buffer.CloneSubrange(src, srcOff, length)
	if err != nil {
		return err
	}

	for i := 0; i < length; i++ {
		f, err := sub.Frame(i)
		if err != nil {
			sub.Destroy()
			return err
		}
		if err := dst.Assign(dstOff+i, f); err != nil {
			sub.Destroy()
			return err
		}
	}

	// The per-slot Assign above took its own reference to each frame, and
	// remapped the destination page in place if dst is mapped; the
	// subrange clone's matching reference is no longer needed.
	sub.Destroy()
	return nil
}

// BufferAppendFrom appends a clone of frames [srcOff, srcOff+length) of the
// buffer registered under srcID onto the end of the buffer registered under
// dstID, returning the new size of dstID's buffer.
func (au *Automaton) BufferAppendFrom(dstID, srcID, srcOff, length int) (int, *kernel.Error) {
	au.lock.Acquire()
	dst, dstErr := au.bufferAt(dstID)
	src, srcErr := au.bufferAt(srcID)
	au.lock.Release()
	if dstErr != nil {
		return -1, dstErr
	}
	if srcErr != nil {
		return -1, srcErr
	}

	sub, err := buffer.CloneSubrange(src, srcOff, length)
	if err != nil {
		return -1, err
	}
	if err := dst.AppendFrom(sub); err != nil {
		sub.Destroy()
		return -1, err
	}
	sub.Destroy()

	return dst.Len(), nil
}

// BufferCopySubrange clones frames [offset, offset+length) of the buffer
// registered under srcID into a brand new buffer adopted by this same
// automaton, returning its new id.
func (au *Automaton) BufferCopySubrange(srcID, offset, length int) (int, *kernel.Error) {
	au.lock.Acquire()
	src, err := au.bufferAt(srcID)
	au.lock.Release()
	if err != nil {
		return -1, err
	}

	clone, err := buffer.CloneSubrange(src, offset, length)
	if err != nil {
		return -1, err
	}
	return au.adoptBuffer(clone), nil
}

// MapBuffer installs the buffer registered under id into this automaton's
// address space, choosing the next free span in the automaton's buffer
// arena, and records the mapping as an AreaBuffer memory-map entry. It
// returns the virtual address the buffer now starts at.
func (au *Automaton) MapBuffer(id int, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	au.lock.Acquire()
	b, err := au.bufferAt(id)
	if err != nil {
		au.lock.Release()
		return 0, err
	}
	if b.Len() == 0 {
		au.lock.Release()
		return 0, errEmptyBuffer
	}

	begin := au.nextBufferVA
	if begin == 0 {
		begin = defaultBufferArenaBase
	}
	au.nextBufferVA = begin + uintptr(b.Len())*mm.PageSize
	au.lock.Release()

	if err := b.Map(mm.PageFromAddress(begin), uint(flags)); err != nil {
		return 0, err
	}

	area := Area{Begin: begin, End: begin + uintptr(b.Len())*mm.PageSize, Kind: AreaBuffer, User: true, BufferID: id}
	if err := au.InsertArea(area); err != nil {
		return 0, err
	}
	return begin, nil
}

// BufferCopy clones the buffer registered under srcID in the source
// automaton and adopts the clone into this automaton, returning its new
// local id. This is how a completed binding hands a copy of the output's
// buffer to the input side without granting the input write access to the
// output's own copy.
func (au *Automaton) BufferCopy(src *Automaton, srcID int) (int, *kernel.Error) {
	src.lock.Acquire()
	srcBuf, err := src.bufferAt(srcID)
	src.lock.Release()
	if err != nil {
		return -1, err
	}

	clone, err := buffer.Clone(srcBuf)
	if err != nil {
		return -1, err
	}
	return au.adoptBuffer(clone), nil
}
