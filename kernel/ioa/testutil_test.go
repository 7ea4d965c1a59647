package ioa

// newTestAutomaton builds an Automaton with fully initialized tables but
// without a backing page directory table, so logic that never touches pdt
// (the memory map, action table, bindings, buffer delegation) can be
// exercised without the real hardware register access that pdt.Init/Map/
// Activate require.
func newTestAutomaton(id ID) *Automaton {
	return NewBare(id, false)
}
