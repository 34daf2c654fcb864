package dag

import "fmt"

// DataFlowCycle is raised when the flattened node graph contains a cycle —
// possible only through buggy template rewriting, since the flattener never
// emits a forward reference (§4.5 Cycle).
type DataFlowCycle struct {
	Nodes []string
}

func (e *DataFlowCycle) Error() string {
	return fmt.Sprintf("dag: data-flow cycle through nodes %v", e.Nodes)
}
