package mm

// Lily targets the classic 2-level x86 paging scheme: a page directory of
// 1024 entries, each pointing to a page table of 1024 entries, each mapping
// a 4KiB page. PointerShift is log2(4), the size of a page table entry on
// this architecture.
const (
	// PointerShift is equal to log2(unsafe.Sizeof(uint32)), the size of a
	// page table entry on x86.
	PointerShift = uintptr(2)

	// PageShift is equal to log2(PageSize).
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)
)
