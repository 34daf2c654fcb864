// Package manifest decodes and represents the on-disk lock file format
// (starthub-lock.json, spec §6.1) as the in-memory Action manifest (§3).
//
// This mirrors flowjs-works/engine/internal/models/process.go: there, a
// Process was a flat list of typed Nodes wired by Transitions. Here, an
// Action is either atomic (wasm/container, backed by a digest + binary)
// or a composition (a list of Steps wired by value templates), and a
// Step references another Action by name instead of carrying an inline
// connector type.
package manifest

import (
	"encoding/json"
	"fmt"
)

// Kind is the execution strategy declared by a manifest.
type Kind string

const (
	KindWasm        Kind = "wasm"
	KindContainer   Kind = "container"
	KindDockerAlias Kind = "docker" // accepted alias for KindContainer
	KindComposition Kind = "composition"
)

// Normalize folds the "docker" alias into "container".
func (k Kind) Normalize() Kind {
	if k == KindDockerAlias {
		return KindContainer
	}
	return k
}

// ── Type descriptors ────────────────────────────────────────────────────────

// TypeDescriptor is a primitive, "any", a named reference, or a structural
// object/array description (§3 Type descriptor).
type TypeDescriptor struct {
	// Primitive holds one of "null","boolean","number","string","any" when
	// this descriptor is not structural.
	Primitive string
	// Ref holds a named-type identifier resolved within the declaring
	// manifest's Types map.
	Ref string
	// Fields is set when this descriptor is a structural object type.
	Fields map[string]*FieldType
	// Element is set when this descriptor is a structural sequence type.
	Element *TypeDescriptor
}

// FieldType is one field of a structural object TypeDescriptor.
type FieldType struct {
	Type     *TypeDescriptor
	Optional bool
}

var primitiveNames = map[string]bool{
	"null": true, "boolean": true, "number": true, "string": true, "any": true,
}

// UnmarshalJSON accepts either a bare string (primitive, "any", or a named
// type reference) or a structural object of the form
// {"type":"object","fields":{...}} / {"type":"array","items":<descriptor>}.
func (t *TypeDescriptor) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if primitiveNames[asString] {
			t.Primitive = asString
		} else {
			t.Ref = asString
		}
		return nil
	}

	var obj struct {
		Type   string                 `json:"type"`
		Fields map[string]*rawField   `json:"fields"`
		Items  *TypeDescriptor        `json:"items"`
		Extra  map[string]interface{} `json:"-"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("manifest: invalid type descriptor: %w", err)
	}
	switch obj.Type {
	case "object":
		t.Fields = make(map[string]*FieldType, len(obj.Fields))
		for name, rf := range obj.Fields {
			t.Fields[name] = &FieldType{Type: rf.Type, Optional: rf.Optional}
		}
	case "array":
		if obj.Items == nil {
			return fmt.Errorf("manifest: array type descriptor missing \"items\"")
		}
		t.Element = obj.Items
	default:
		if primitiveNames[obj.Type] {
			t.Primitive = obj.Type
		} else {
			t.Ref = obj.Type
		}
	}
	return nil
}

type rawField struct {
	Type     *TypeDescriptor `json:"type"`
	Optional bool            `json:"optional"`
}

// IsStructural reports whether this descriptor carries its own shape
// (object/array) rather than deferring to a primitive or named reference.
func (t *TypeDescriptor) IsStructural() bool {
	return t.Fields != nil || t.Element != nil
}

// ── Ports ───────────────────────────────────────────────────────────────────

// Port is a named input or output of an action (§3 Port).
type Port struct {
	Name        string          `json:"name"`
	Type        *TypeDescriptor `json:"type"`
	Required    bool            `json:"required"`
	Default     json.RawMessage `json:"default,omitempty"`
	Description string          `json:"description,omitempty"`
	// Value is set only on composition output ports: the value template
	// evaluated against the flattened environment to produce this output.
	Value json.RawMessage `json:"value,omitempty"`
}

// ── Distribution / permissions ──────────────────────────────────────────────

// Distribution identifies the binary artifact backing an atomic action.
type Distribution struct {
	Primary string `json:"primary"`
}

// Permissions declares the capability surface a step's sandbox may use.
type Permissions struct {
	Net []string `json:"net,omitempty"`
	Fs  []string `json:"fs,omitempty"`
}

// ── Steps & wires ────────────────────────────────────────────────────────────

// Step is a composition's reference to another action (§3 Step).
type Step struct {
	ID string `json:"id"`
	// Uses is an action reference "namespace/name:version".
	Uses string `json:"uses"`
	// RawInputs preserves the on-disk form (array = positional, object =
	// named). Load decodes the object form into Inputs; the array form is
	// zipped against the callee's ports by the flattener.
	RawInputs json.RawMessage `json:"inputs,omitempty"`
	// Types are local type assertions about the callee's ports, usable for
	// type-checking before the callee manifest is loaded (§3 Step).
	Types map[string]*TypeDescriptor `json:"types,omitempty"`
	// When is a supplemental, spec-additive JS boolean expression (see
	// SPEC_FULL.md "conditional step execution"). A step whose When
	// evaluates false is skipped entirely.
	When string `json:"when,omitempty"`

	// Inputs holds the named-form value templates. Load populates it from
	// object-form inputs and from wires; it stays nil for positional-form
	// inputs, which the flattener resolves into a separate map.
	Inputs map[string]json.RawMessage `json:"-"`
}

// WireEndpoint is one side of a legacy Wire declaration.
type WireEndpoint struct {
	Source string `json:"source,omitempty"` // "inputs"
	Key    string `json:"key,omitempty"`
	Step   string `json:"step,omitempty"`
	Output string `json:"output,omitempty"`
	Input  string `json:"input,omitempty"`
}

// Wire is a legacy explicit edge declaration (§3 Wire), isomorphic to the
// trivial value template "{{from}}" bound to the target input.
type Wire struct {
	From WireEndpoint `json:"from"`
	To   WireEndpoint `json:"to"`
}

// AsTemplateExpr renders the wire's From side as a template expression root
// path, e.g. "inputs.api_key" or "get_coords.lat".
func (w Wire) AsTemplateExpr() string {
	if w.From.Step != "" {
		return w.From.Step + "." + w.From.Output
	}
	return "inputs." + w.From.Key
}

// ── Action (the manifest itself) ────────────────────────────────────────────

// Action is the decoded contract for one action — atomic or composite (§3).
type Action struct {
	Name            string                     `json:"name"`
	Version         string                     `json:"version"`
	Description     string                     `json:"description,omitempty"`
	License         string                     `json:"license,omitempty"`
	Repository      string                     `json:"repository,omitempty"`
	Kind            Kind                       `json:"kind"`
	ManifestVersion int                        `json:"manifest_version"`
	Inputs          []Port                     `json:"inputs"`
	Outputs         []Port                     `json:"outputs"`
	Types           map[string]*TypeDescriptor `json:"types,omitempty"`
	Digest          string                     `json:"digest,omitempty"`
	Distribution    *Distribution              `json:"distribution,omitempty"`
	Steps           []Step                     `json:"-"`
	Wires           []Wire                     `json:"wires,omitempty"`
	Permissions     *Permissions               `json:"permissions,omitempty"`

	// rawSteps preserves the on-disk steps value (array or map form) for
	// UnmarshalJSON to decode after we know the field is present.
	rawSteps json.RawMessage
}

// UnmarshalJSON handles the dual array/mapping "steps" encoding (§6.1).
func (a *Action) UnmarshalJSON(data []byte) error {
	type Alias Action
	aux := &struct {
		Steps json.RawMessage `json:"steps,omitempty"`
		*Alias
	}{Alias: (*Alias)(a)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Steps) == 0 {
		return nil
	}
	var asArray []Step
	if err := json.Unmarshal(aux.Steps, &asArray); err == nil {
		a.Steps = asArray
		return nil
	}
	var asMap map[string]Step
	if err := json.Unmarshal(aux.Steps, &asMap); err != nil {
		return fmt.Errorf("manifest: steps must be an array or a mapping: %w", err)
	}
	a.Steps = make([]Step, 0, len(asMap))
	for id, s := range asMap {
		s.ID = id
		a.Steps = append(a.Steps, s)
	}
	return nil
}

// InputPort looks up a declared input port by name.
func (a *Action) InputPort(name string) (Port, bool) {
	for _, p := range a.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// IsAtomic reports whether this action is a wasm/container leaf.
func (a *Action) IsAtomic() bool {
	k := a.Kind.Normalize()
	return k == KindWasm || k == KindContainer
}
