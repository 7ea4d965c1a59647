package ioa

import (
	"testing"

	"lily/kernel"
)

// withFakeAutomatonConstructor swaps newAutomatonFn for one that builds a
// test automaton (see testutil_test.go) instead of touching the real pdt,
// restoring the original on test cleanup.
func withFakeAutomatonConstructor(t *testing.T) {
	t.Helper()
	original := newAutomatonFn
	newAutomatonFn = func(id ID, privileged bool) (*Automaton, *kernel.Error) {
		au := newTestAutomaton(id)
		au.Privileged = privileged
		return au, nil
	}
	t.Cleanup(func() { newAutomatonFn = original })
}

func TestCreateRegistersAndAssignsIncreasingIDs(t *testing.T) {
	withFakeAutomatonConstructor(t)

	first, err := Create(false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Create(true)
	if err != nil {
		t.Fatal(err)
	}

	if second.ID == first.ID {
		t.Fatalf("expected distinct ids, both got %d", first.ID)
	}
	if !second.Privileged {
		t.Fatal("expected the privileged flag to be passed through to New")
	}

	got, err := Lookup(first.ID)
	if err != nil || got != first {
		t.Fatalf("expected Lookup to return the automaton just created, got %v, %v", got, err)
	}
}

func TestLookupUnknownIDFails(t *testing.T) {
	if _, err := Lookup(ID(1 << 30)); err != errUnknownAutomaton {
		t.Fatalf("expected errUnknownAutomaton, got %v", err)
	}
}

func TestDestroyRemovesFromRegistry(t *testing.T) {
	withFakeAutomatonConstructor(t)

	au, err := Create(false)
	if err != nil {
		t.Fatal(err)
	}

	Destroy(au.ID)

	if _, err := Lookup(au.ID); err != errUnknownAutomaton {
		t.Fatalf("expected errUnknownAutomaton after destroy, got %v", err)
	}
}

// TestDestroyReleasesBindingsAndBuffers exercises release()'s binding and
// buffer teardown steps (the area-unmap and PDT-release steps touch real
// paging hardware in production and are covered by vmm's own test suite
// instead). A peer still bound to the destroyed automaton must see its side
// of the binding cleared, and a buffer the destroyed automaton held must be
// unmapped and have its frames released.
func TestDestroyReleasesBindingsAndBuffers(t *testing.T) {
	setupBufferDeps(t)
	withFakeAutomatonConstructor(t)

	victim, err := Create(false)
	if err != nil {
		t.Fatal(err)
	}
	peer, err := Create(false)
	if err != nil {
		t.Fatal(err)
	}

	out := &PAction{Kind: Output, ParamMode: ParamScalar, Number: 1}
	in := &PAction{Kind: Input, ParamMode: ParamScalar, Number: 2}
	victim.RegisterAction(out)
	peer.RegisterAction(in)

	binding, err := Bind(NewCAction(victim, out, 0), NewCAction(peer, in, 0))
	if err != nil {
		t.Fatal(err)
	}

	id, err := victim.BufferCreate(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := victim.MapBuffer(id, 0); err != nil {
		t.Fatal(err)
	}

	Destroy(victim.ID)

	if _, bound := peer.boundInputs[in.Number]; bound {
		t.Fatal("expected the peer's input binding to be cleared when the output side is destroyed")
	}
	if binding.Output.Automaton != victim {
		t.Fatal("sanity: binding should still name the destroyed automaton as output")
	}

	if _, err := victim.BufferSize(id); err != errUnknownBuffer {
		t.Fatalf("expected the destroyed automaton's buffer to be gone, got %v", err)
	}
}
