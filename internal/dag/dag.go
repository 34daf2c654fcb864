// Package dag computes a topological execution order over the flattened
// node list (§4.5 Data-Flow DAG): an edge M → N exists whenever one of N's
// input templates references node M's output.
package dag

import (
	"encoding/json"

	"github.com/starthubhq/cli/internal/flatten"
	"github.com/starthubhq/cli/internal/template"
)

// Order returns steps reordered so that for every template expression in a
// node referencing another node's output, that node appears first. Ties
// (nodes with no dependency relation to one another) are broken by their
// original source order in steps.
func Order(steps []flatten.ResolvedStep) ([]flatten.ResolvedStep, error) {
	indexByID := make(map[string]int, len(steps))
	for i, s := range steps {
		indexByID[s.NodeID] = i
	}

	// adjacency M -> [N, ...]; indegree[N] counts dependencies still unseen.
	adjacency := make([][]int, len(steps))
	indegree := make([]int, len(steps))

	for n, step := range steps {
		roots, err := collectRoots(step.Inputs)
		if err != nil {
			return nil, err
		}
		for root := range roots {
			m, ok := indexByID[root]
			if !ok {
				continue // "inputs" or an unrelated root: no edge
			}
			adjacency[m] = append(adjacency[m], n)
			indegree[n]++
		}
	}

	// Kahn's algorithm, source-order tie-break via a simple ready slice
	// scanned low-to-high rather than a heap — resolved_steps is typically
	// small and determinism matters more than asymptotics here.
	ready := make([]int, 0, len(steps))
	visited := make([]bool, len(steps))
	for i := range steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	var order []int
	for len(ready) > 0 {
		// pick the smallest-index ready node for deterministic source order
		minPos := 0
		for i := 1; i < len(ready); i++ {
			if ready[i] < ready[minPos] {
				minPos = i
			}
		}
		n := ready[minPos]
		ready = append(ready[:minPos], ready[minPos+1:]...)

		order = append(order, n)
		visited[n] = true

		for _, m := range adjacency[n] {
			indegree[m]--
			if indegree[m] == 0 {
				ready = append(ready, m)
			}
		}
	}

	if len(order) != len(steps) {
		var cyclic []string
		for i, v := range visited {
			if !v {
				cyclic = append(cyclic, steps[i].NodeID)
			}
		}
		return nil, &DataFlowCycle{Nodes: cyclic}
	}

	out := make([]flatten.ResolvedStep, len(steps))
	for i, n := range order {
		out[i] = steps[n]
	}
	return out, nil
}

func collectRoots(inputs map[string]json.RawMessage) (map[string]bool, error) {
	roots := make(map[string]bool)
	for _, raw := range inputs {
		r, err := template.RootsBytes(raw)
		if err != nil {
			return nil, err
		}
		for root := range r {
			roots[root] = true
		}
	}
	return roots, nil
}
