package manifest

import (
	"encoding/json"
	"fmt"
)

// Load decodes and validates a lock file (§4.2 Lock-File Model). path is used
// only for diagnostics (InvalidManifest.Path).
func Load(path string, data []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &InvalidManifest{Path: path, Reason: err.Error()}
	}

	if a.ManifestVersion != 1 {
		return nil, &InvalidManifest{
			Path:   path,
			Reason: fmt.Sprintf("unsupported manifest_version %d (only 1 is recognised)", a.ManifestVersion),
		}
	}

	a.Kind = a.Kind.Normalize()
	switch a.Kind {
	case KindWasm, KindContainer:
		if a.Distribution == nil || a.Distribution.Primary == "" {
			return nil, &InvalidManifest{Path: path, Reason: "atomic action missing distribution.primary"}
		}
		if a.Digest == "" {
			return nil, &InvalidManifest{Path: path, Reason: "atomic action missing digest"}
		}
	case KindComposition:
		// steps/wires validated below
	default:
		return nil, &InvalidManifest{Path: path, Reason: fmt.Sprintf("unknown kind %q", a.Kind)}
	}

	if err := checkTypeCycles(path, a.Types); err != nil {
		return nil, err
	}

	for _, ports := range [][]Port{a.Inputs, a.Outputs} {
		for _, p := range ports {
			if err := visitDescriptor(p.Type, a.Types, func(string) error { return nil }); err != nil {
				return nil, err
			}
		}
	}

	if a.Kind == KindComposition {
		if err := normalizeSteps(&a); err != nil {
			return nil, err
		}
	}

	return &a, nil
}

// checkTypeCycles validates that every named type in types resolves
// transitively without cycles (§3 Invariant).
func checkTypeCycles(path string, types map[string]*TypeDescriptor) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(types))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return &TypeCycle{Manifest: path, Cycle: append(append([]string{}, stack...), name)}
		}
		td, ok := types[name]
		if !ok {
			return &UnresolvedTypeReference{Manifest: path, Ref: name}
		}
		color[name] = gray
		stack = append(stack, name)
		if err := visitDescriptor(td, types, visit); err != nil {
			return err
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for name := range types {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func visitDescriptor(td *TypeDescriptor, types map[string]*TypeDescriptor, visit func(string) error) error {
	if td == nil {
		return nil
	}
	if td.Ref != "" && !primitiveNames[td.Ref] {
		if _, isNamed := types[td.Ref]; isNamed {
			return visit(td.Ref)
		}
		return &UnresolvedTypeReference{Ref: td.Ref}
	}
	if td.Element != nil {
		return visitDescriptor(td.Element, types, visit)
	}
	for _, f := range td.Fields {
		if err := visitDescriptor(f.Type, types, visit); err != nil {
			return err
		}
	}
	return nil
}

// normalizeSteps rewrites wires into step-local value templates, and decodes
// named-object-form step inputs directly. Positional-array step inputs are
// left in RawInputs for the flattener, which alone knows the callee's
// declared input order (§4.2 Normalisation, §9 Open Questions).
func normalizeSteps(a *Action) error {
	byID := make(map[string]*Step, len(a.Steps))
	for i := range a.Steps {
		byID[a.Steps[i].ID] = &a.Steps[i]
	}

	for i := range a.Steps {
		s := &a.Steps[i]
		if len(s.RawInputs) == 0 {
			continue
		}
		var asArray []json.RawMessage
		if err := json.Unmarshal(s.RawInputs, &asArray); err == nil {
			continue // positional: deferred to the flattener
		}
		var asMap map[string]json.RawMessage
		if err := json.Unmarshal(s.RawInputs, &asMap); err != nil {
			return &InvalidManifest{Reason: fmt.Sprintf("step %q: inputs must be an array or object: %v", s.ID, err)}
		}
		s.Inputs = asMap
	}

	for _, w := range a.Wires {
		target, ok := byID[w.To.Step]
		if !ok {
			return &InvalidManifest{Reason: fmt.Sprintf("wire targets unknown step %q", w.To.Step)}
		}
		if target.Inputs == nil {
			target.Inputs = make(map[string]json.RawMessage)
		}
		tmpl, _ := json.Marshal(fmt.Sprintf("{{%s}}", w.AsTemplateExpr()))
		target.Inputs[w.To.Input] = tmpl
	}

	// Composition output ports with an embedded value template are left as
	// Port.Value for the orchestrator to resolve once the run completes.
	return nil
}
