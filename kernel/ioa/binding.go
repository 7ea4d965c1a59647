package ioa

import "lily/kernel"

var (
	errBindSameAutomaton = &kernel.Error{Module: "ioa", Message: "cannot bind an automaton's action to itself"}
	errBindKindMismatch  = &kernel.Error{Module: "ioa", Message: "binding requires one output and one input action"}
	errBindContractMismatch = &kernel.Error{
		Module:  "ioa",
		Message: "output and input actions do not share a value contract",
	}
	errInputAlreadyBound = &kernel.Error{Module: "ioa", Message: "input action is already bound"}
	errAlreadyBoundPair  = &kernel.Error{Module: "ioa", Message: "output is already bound to this input's automaton"}
)

// Binding records a single output-to-input wiring between two distinct
// automata. Once established it is immutable; only destruction of one of
// the two automata tears it down.
type Binding struct {
	Output CAction
	Input  CAction
}

// resolvedParam computes the parameter an input caction should carry once
// bound, honoring the input action's ParamMode: ParamAutoIdentity always
// forces the output automaton's id regardless of what the binding request
// asked for.
func resolvedParam(input *PAction, output CAction, requested uintptr) uintptr {
	switch input.ParamMode {
	case ParamAutoIdentity:
		return uintptr(output.Automaton.ID)
	case ParamNone:
		return 0
	default:
		return requested
	}
}

// Bind establishes a binding between an output caction and an input caction.
// It enforces every invariant of the composition rule:
//   - the two cactions belong to different automata
//   - one side is an Output action and the other an Input action
//   - their partial actions share a value contract (ParamMode)
//   - the input side is not already bound to anything
//   - the output side is not already bound to this same input automaton
//     (rebinding the same pair is rejected rather than silently duplicated)
//
// On success it registers the binding in both automata's tables and returns
// it; the input caction's Param is recomputed per its ParamMode before being
// stored.
func Bind(output, input CAction) (*Binding, *kernel.Error) {
	if output.Automaton == input.Automaton {
		return nil, errBindSameAutomaton
	}
	if !compatible(output.Action, input.Action) {
		if output.Action.Kind != Output || input.Action.Kind != Input {
			return nil, errBindKindMismatch
		}
		return nil, errBindContractMismatch
	}

	outAu, inAu := output.Automaton, input.Automaton

	outAu.lock.Acquire()
	inAu.lock.Acquire()

	defer inAu.lock.Release()
	defer outAu.lock.Release()

	if _, bound := inAu.boundInputs[input.Action.Number]; bound {
		return nil, errInputAlreadyBound
	}
	for _, b := range outAu.boundOutputs[output.Action.Number] {
		if b.Input.Automaton == inAu {
			return nil, errAlreadyBoundPair
		}
	}

	input.Param = resolvedParam(input.Action, output, input.Param)

	b := &Binding{Output: output, Input: input}
	outAu.boundOutputs[output.Action.Number] = append(outAu.boundOutputs[output.Action.Number], b)
	inAu.boundInputs[input.Action.Number] = b

	return b, nil
}

// Unbind removes a binding previously returned by Bind from both automata's
// tables.
func Unbind(b *Binding) {
	outAu, inAu := b.Output.Automaton, b.Input.Automaton

	outAu.lock.Acquire()
	inAu.lock.Acquire()
	defer inAu.lock.Release()
	defer outAu.lock.Release()

	delete(inAu.boundInputs, b.Input.Action.Number)

	outputs := outAu.boundOutputs[b.Output.Action.Number]
	for i, candidate := range outputs {
		if candidate == b {
			outAu.boundOutputs[b.Output.Action.Number] = append(outputs[:i], outputs[i+1:]...)
			break
		}
	}
}

// BoundInputs returns every binding currently fanned out from the given
// output action number, for the scheduler's finish/fan-out step.
func (au *Automaton) BoundInputs(outputNumber int) []*Binding {
	au.lock.Acquire()
	defer au.lock.Release()

	out := au.boundOutputs[outputNumber]
	cp := make([]*Binding, len(out))
	copy(cp, out)
	return cp
}
