package vmm

const (
	// pageLevels indicates the number of page table levels for the classic
	// (non-PAE) x86 paging scheme: a page directory pointing to page
	// tables pointing to 4KiB pages.
	pageLevels = 2

	// ptePhysPageMask extracts the physical frame address from a 32-bit
	// page table entry: bits 12-31.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical page mappings (e.g. when initializing an inactive PDT or
	// resolving a copy-on-write fault). It decodes to directory entry
	// 1022, table entry 1023 - just below the 4MiB self-map region
	// (directory entry 1023) so it never aliases a page table or the
	// page directory itself.
	tempMappingAddr = uintptr(0xffbff000)

	// pdtVirtualAddr is the virtual address of the page directory as
	// exposed by the last entry of the directory pointing to itself: with
	// both the directory index and table index bits set to all-ones, the
	// MMU's translation of this address lands back on the directory.
	pdtVirtualAddr = uintptr(0xfffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits consumed
	// by each page level. Classic x86 paging uses 10 bits per level (1024
	// entries per table).
	pageLevelBits = [pageLevels]uint8{10, 10}

	// pageLevelShifts defines the shift required to extract each page
	// table level's index from a virtual address.
	pageLevelShifts = [pageLevels]uint8{22, 12}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4MB pages instead of 4KiB pages. Lily
	// never sets this flag; it is only checked for so that a foreign or
	// corrupted mapping is rejected instead of silently misread.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive. It occupies one of the three
	// bits (9-11) that the x86 PTE format reserves for OS use.
	FlagCopyOnWrite = 1 << 9

	// FlagBuffer marks a page as backed by a buffer object frame rather
	// than an anonymous one. Copy-on-write resolution consults this flag
	// to decide whether the replaced frame should be decref'd (anonymous)
	// or left for the owning buffer to manage (buffer-backed).
	FlagBuffer = 1 << 10

	// FlagNoExecute is a software-only flag on classic (non-PAE) x86: the
	// hardware has no NX bit without PAE, so this flag is recorded but
	// never enforced by the MMU. It is preserved so callers that reason
	// about section permissions (e.g. the kernel's ELF section mapper)
	// keep a uniform flag vocabulary.
	FlagNoExecute = 1 << 11
)
