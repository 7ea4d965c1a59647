package sched

import (
	"testing"

	"lily/kernel/ioa"
	"lily/kernel/mm"
)

// resetScheduler clears the package-wide scheduler singleton and restores
// the dispatch seams to test-friendly defaults, so each test starts from a
// clean slate regardless of execution order.
func resetScheduler(t *testing.T) {
	t.Helper()

	scheduler.lock.Acquire()
	scheduler.ready = nil
	scheduler.pending = make(map[ioa.CAction]struct{})
	scheduler.current = nil
	scheduler.caction = ioa.CAction{}
	scheduler.lock.Release()

	originalActivate := activateFn
	originalDispatch := entryDispatchFn
	originalHalt := haltUntilInterruptFn

	activateFn = func(*ioa.Automaton) mm.Frame { return 0 }
	haltUntilInterruptFn = func() {
		t.Fatal("dispatchNext halted with nothing on the ready queue")
	}

	t.Cleanup(func() {
		activateFn = originalActivate
		entryDispatchFn = originalDispatch
		haltUntilInterruptFn = originalHalt
	})
}

// dispatchCapture records every entry point dispatchNext hands to
// entryDispatchFn, standing in for the asm entry-stub layer.
type dispatchCapture struct {
	entries []uintptr
}

func captureDispatch(t *testing.T) *dispatchCapture {
	t.Helper()
	dc := &dispatchCapture{}
	entryDispatchFn = func(entry uintptr, param uintptr, buf1, buf2 int) {
		dc.entries = append(dc.entries, entry)
	}
	return dc
}

func newAction(number int, entry uintptr, kind ioa.Kind) *ioa.PAction {
	return &ioa.PAction{Kind: kind, ParamMode: ioa.ParamScalar, Number: number, Entry: entry}
}

func TestScheduleDeduplicatesPendingCAction(t *testing.T) {
	resetScheduler(t)
	captureDispatch(t)

	au := ioa.NewBare(1, false)
	pa := newAction(1, 0x1000, ioa.Internal)
	ca := ioa.NewCAction(au, pa, 0)

	if err := Schedule(ca); err != nil {
		t.Fatal(err)
	}
	if err := Schedule(ca); err != nil {
		t.Fatal(err)
	}

	if len(scheduler.ready) != 1 {
		t.Fatalf("expected a duplicate schedule request to be absorbed, got %d ready entries", len(scheduler.ready))
	}
}

func TestPopReadyIsFIFO(t *testing.T) {
	resetScheduler(t)
	captureDispatch(t)

	au := ioa.NewBare(1, false)
	first := ioa.NewCAction(au, newAction(1, 0x1000, ioa.Internal), 0)
	second := ioa.NewCAction(au, newAction(2, 0x2000, ioa.Internal), 0)

	_ = Schedule(first)
	_ = Schedule(second)

	got1, ok := popReady()
	if !ok || got1.Action.Entry != 0x1000 {
		t.Fatalf("expected first-scheduled caction to pop first, got %+v", got1)
	}
	got2, ok := popReady()
	if !ok || got2.Action.Entry != 0x2000 {
		t.Fatalf("expected second-scheduled caction to pop second, got %+v", got2)
	}
	if _, ok := popReady(); ok {
		t.Fatal("expected the ready queue to be empty")
	}
}

func TestDispatchNextActivatesAndRunsTheHeadOfTheQueue(t *testing.T) {
	resetScheduler(t)
	dc := captureDispatch(t)

	au := ioa.NewBare(5, false)
	pa := newAction(1, 0x4000, ioa.Internal)
	ca := ioa.NewCAction(au, pa, 42)

	_ = Schedule(ca)
	dispatchNext()

	if len(dc.entries) != 1 || dc.entries[0] != 0x4000 {
		t.Fatalf("expected entryDispatchFn to be called with entry 0x4000, got %v", dc.entries)
	}
	if scheduler.current != au {
		t.Fatal("expected scheduler.current to be set to the dispatched automaton")
	}
	if scheduler.caction.Action.Number != 1 {
		t.Fatalf("expected scheduler.caction to record the dispatched action, got %+v", scheduler.caction)
	}
}

func TestDispatchNextHaltsWhenReadyQueueIsEmpty(t *testing.T) {
	halted := false
	scheduler.lock.Acquire()
	scheduler.ready = nil
	scheduler.pending = make(map[ioa.CAction]struct{})
	scheduler.lock.Release()

	originalHalt := haltUntilInterruptFn
	originalDispatch := entryDispatchFn
	originalActivate := activateFn
	defer func() {
		haltUntilInterruptFn = originalHalt
		entryDispatchFn = originalDispatch
		activateFn = originalActivate
	}()

	au := ioa.NewBare(1, false)
	pa := newAction(1, 0x9000, ioa.Internal)

	haltUntilInterruptFn = func() {
		if halted {
			t.Fatal("halted more than once")
		}
		halted = true
		_ = Schedule(ioa.NewCAction(au, pa, 0))
	}
	entryDispatchFn = func(entry uintptr, param uintptr, buf1, buf2 int) {}
	activateFn = func(*ioa.Automaton) mm.Frame { return 0 }

	dispatchNext()

	if !halted {
		t.Fatal("expected dispatchNext to halt once before a caction became ready")
	}
}
