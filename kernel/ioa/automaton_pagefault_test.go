package ioa

import (
	"testing"

	"lily/kernel"
	"lily/kernel/mm"
	"lily/kernel/mm/vmm"
)

// withFakePageBacking installs a PageBackingFns that never touches real
// paging hardware, recording every Map/Zero call instead, and restores the
// production defaults on cleanup.
func withFakePageBacking(t *testing.T) (maps *[]struct {
	page  mm.Page
	frame mm.Frame
	flags vmm.PageTableEntryFlag
}, zeroed *[]uintptr) {
	t.Helper()

	var mapCalls []struct {
		page  mm.Page
		frame mm.Frame
		flags vmm.PageTableEntryFlag
	}
	var zeroCalls []uintptr

	SetPageBackingFns(PageBackingFns{
		Map: func(_ *Automaton, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
			mapCalls = append(mapCalls, struct {
				page  mm.Page
				frame mm.Frame
				flags vmm.PageTableEntryFlag
			}{page, frame, flags})
			return nil
		},
		Zero: func(addr uintptr) {
			zeroCalls = append(zeroCalls, addr)
		},
	})
	t.Cleanup(func() {
		SetPageBackingFns(PageBackingFns{
			Map: func(au *Automaton, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
				return au.Map(page, frame, flags)
			},
			Zero: func(addr uintptr) { kernel.Memset(addr, 0, mm.PageSize) },
		})
	})

	return &mapCalls, &zeroCalls
}

func TestAutomatonPageFaultBacksHeapPage(t *testing.T) {
	setupBufferDeps(t)
	mapCalls, zeroCalls := withFakePageBacking(t)

	au := newTestAutomaton(1)
	if err := au.InsertArea(Area{Begin: 0x10000, End: 0x11000, Kind: AreaHeap, User: true}); err != nil {
		t.Fatal(err)
	}

	if !au.PageFault(0x10200, true) {
		t.Fatal("expected the heap fault to be resolved")
	}

	if len(*mapCalls) != 1 {
		t.Fatalf("expected exactly one Map call, got %d", len(*mapCalls))
	}
	got := (*mapCalls)[0]
	if exp := mm.PageFromAddress(0x10200); got.page != exp {
		t.Fatalf("expected the faulting page %d to be backed, got %d", exp, got.page)
	}
	if got.flags&(vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible) != vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible {
		t.Fatalf("expected a present, writable, user-accessible mapping; got %v", got.flags)
	}
	if len(*zeroCalls) != 1 || (*zeroCalls)[0] != got.page.Address() {
		t.Fatalf("expected the backing page to be cleared exactly once, got %v", *zeroCalls)
	}
}

func TestAutomatonPageFaultBacksBufferPage(t *testing.T) {
	setupBufferDeps(t)
	_, zeroCalls := withFakePageBacking(t)

	au := newTestAutomaton(1)
	id, err := au.BufferCreate(2)
	if err != nil {
		t.Fatal(err)
	}
	begin, err := au.MapBuffer(id, vmm.FlagPresent|vmm.FlagUserAccessible)
	if err != nil {
		t.Fatal(err)
	}

	if !au.PageFault(begin, true) {
		t.Fatal("expected the buffer fault to be resolved")
	}

	gotFrame, err := au.BufferFrame(id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if gotFrame == zeroTestFrame {
		t.Fatal("expected slot 0 to have been reassigned a freshly allocated frame")
	}
	if len(*zeroCalls) != 1 || (*zeroCalls)[0] != mm.PageFromAddress(begin).Address() {
		t.Fatalf("expected the backing page to be cleared exactly once, got %v", *zeroCalls)
	}
}
