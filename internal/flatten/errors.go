package flatten

import "fmt"

// CyclicComposition is raised when a composition action recurses into
// itself, directly or transitively, along the current expansion path
// (§4.4 Cycle detection). Cross-branch reuse of the same composition is not
// an error and does not reach this type.
type CyclicComposition struct {
	Ref   string
	Stack []string
}

func (e *CyclicComposition) Error() string {
	return fmt.Sprintf("flatten: cyclic composition %q (stack: %v)", e.Ref, e.Stack)
}

// UnboundStepReference is raised when a step's input template references a
// composition input, or a sibling step's output, that was never bound.
type UnboundStepReference struct {
	ScopePath string
	Ref       string
}

func (e *UnboundStepReference) Error() string {
	return fmt.Sprintf("flatten: %s: unbound reference %q", e.ScopePath, e.Ref)
}

// ArityMismatch is raised when a step's positional inputs array does not
// have exactly one entry per callee-declared input port (§4.2 Normalisation,
// §9 Open Questions: positional form zips 1:1 against declared order).
type ArityMismatch struct {
	Step     string
	Declared int
	Given    int
}

func (e *ArityMismatch) Error() string {
	return fmt.Sprintf("flatten: step %q: declares %d inputs, positional form gave %d", e.Step, e.Declared, e.Given)
}

// UndeclaredPort is raised when a positional input entry cannot be matched
// to any declared port name on the callee.
type UndeclaredPort struct {
	Step string
	Port string
}

func (e *UndeclaredPort) Error() string {
	return fmt.Sprintf("flatten: step %q: undeclared port %q", e.Step, e.Port)
}
