package ioa

import (
	"lily/kernel"
	"lily/kernel/sync"
)

var errUnknownAutomaton = &kernel.Error{Module: "ioa", Message: "automaton id is not registered"}

// registry is the kernel-wide table of live automata, keyed by id. Ids are
// handles, not owning references: an automaton may still be named in a
// peer's binding table after Destroy removes it from the registry, and
// lookups against a destroyed id simply fail rather than dereferencing
// freed state.
var registry = struct {
	lock   sync.Spinlock
	nextID ID
	byID   map[ID]*Automaton
}{byID: make(map[ID]*Automaton)}

// newAutomatonFn is indirected so tests can construct a registry entry
// without touching the real page directory table (New calls down into the
// vmm/cpu layer, which requires real hardware register access).
var newAutomatonFn = New

// Create allocates a new automaton, assigns it the next available id, and
// adds it to the kernel-wide registry.
func Create(privileged bool) (*Automaton, *kernel.Error) {
	registry.lock.Acquire()
	id := registry.nextID
	registry.nextID++
	registry.lock.Release()

	au, err := newAutomatonFn(id, privileged)
	if err != nil {
		return nil, err
	}

	registry.lock.Acquire()
	registry.byID[id] = au
	registry.lock.Release()

	return au, nil
}

// Lookup returns the automaton registered under id, if it is still alive.
func Lookup(id ID) (*Automaton, *kernel.Error) {
	registry.lock.Acquire()
	defer registry.lock.Release()

	au, ok := registry.byID[id]
	if !ok {
		return nil, errUnknownAutomaton
	}
	return au, nil
}

// Destroy removes id from the registry and tears down everything the
// automaton owned: every binding it participated in, every buffer it held,
// every VM area backed by a frame, and finally its page-directory frame.
// Each of those bindings is removed from both sides, so a surviving peer
// keeps no binding that names id.
func Destroy(id ID) {
	registry.lock.Acquire()
	au, ok := registry.byID[id]
	delete(registry.byID, id)
	registry.lock.Release()

	if ok {
		au.release()
	}
}
