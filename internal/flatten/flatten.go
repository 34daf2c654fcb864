// Package flatten implements the Composition Flattener (§4.4): it expands a
// top-level composite manifest into a flat, ordered sequence of atomic
// execution nodes whose input templates reference only values that exist in
// the flattened world (top-level inputs and peer atomic outputs).
//
// This generalizes flowjs-works/engine's Process, which is already flat (one
// level of Nodes wired by Transitions — see internal/engine/executor.go), to
// an arbitrarily nested tree of composition references. The recursive
// expand() below is new; the node-identity and wiring bookkeeping it does at
// each atomic leaf is the same bookkeeping executor.go does for a Process's
// nodes, just reached by recursion instead of a flat range loop.
package flatten

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/starthubhq/cli/internal/manifest"
	"github.com/starthubhq/cli/internal/template"
)

// ManifestFetcher resolves an action reference to its decoded manifest. The
// artifact store (C1) satisfies this.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, ref string) (*manifest.Action, error)
}

// ResolvedStep is one atomic execution node produced by flattening.
type ResolvedStep struct {
	NodeID string
	Ref    string
	Kind   manifest.Kind
	Inputs map[string]json.RawMessage
	When   string
	// Path is the original compositional path this node was expanded from
	// (e.g. "root/get_weather/fetch"), for diagnostics (§3 Execution state,
	// §7 Propagation policy).
	Path        string
	Permissions *manifest.Permissions
	// Manifest is the callee's own decoded action — the orchestrator needs
	// it for distribution/digest lookups and input/output type checking and
	// would otherwise have to refetch it a second time.
	Manifest *manifest.Action
}

// Result is the flattener's output: an ordered node list plus the top-level
// composition's output templates, both expressed purely in the flattened
// vocabulary (roots are "inputs" or a node's UUID).
type Result struct {
	Steps   []ResolvedStep
	Outputs map[string]json.RawMessage
}

// Flatten expands rootRef into a Result (§4.4 Algorithm). ctx bounds any
// manifest fetches the expansion performs.
func Flatten(ctx context.Context, rootRef string, fetcher ManifestFetcher) (*Result, error) {
	root, err := fetcher.FetchManifest(ctx, rootRef)
	if err != nil {
		return nil, err
	}

	bindings := make(map[string]json.RawMessage, len(root.Inputs))
	for _, p := range root.Inputs {
		raw, _ := json.Marshal(fmt.Sprintf("{{inputs.%s}}", p.Name))
		bindings[p.Name] = raw
	}

	f := &flattener{ctx: ctx, fetcher: fetcher, stack: map[string]bool{}}
	outs, err := f.expand(rootRef, root, bindings, "root", "")
	if err != nil {
		return nil, err
	}
	return &Result{Steps: f.steps, Outputs: outs}, nil
}

type flattener struct {
	ctx      context.Context
	fetcher  ManifestFetcher
	steps    []ResolvedStep
	stack    map[string]bool
	stackSeq []string
}

// expand is the expand(action_ref, binding_templates, scope_path,
// scope_env_prefix) procedure of §4.4. bindings maps the callee's declared
// input-port names to value templates already expressed in the flattened
// vocabulary; scopePath identifies this call for diagnostics and is
// extended with each step id on recursion. when is the calling step's own
// "when" gate (already rewritten into the flattened vocabulary), combined
// with any ancestor gates — since a composition has no sandbox of its own
// to skip, the gate is carried down and attached to every atomic leaf the
// composition eventually expands into.
func (f *flattener) expand(actionRef string, action *manifest.Action, bindings map[string]json.RawMessage, scopePath, when string) (map[string]json.RawMessage, error) {
	if f.stack[actionRef] {
		return nil, &CyclicComposition{Ref: actionRef, Stack: append([]string{}, f.stackSeq...)}
	}
	f.stack[actionRef] = true
	f.stackSeq = append(f.stackSeq, actionRef)
	defer func() {
		f.stackSeq = f.stackSeq[:len(f.stackSeq)-1]
		delete(f.stack, actionRef)
	}()

	if action.IsAtomic() {
		return f.expandAtomic(actionRef, action, bindings, scopePath, when)
	}
	return f.expandComposition(actionRef, action, bindings, scopePath, when)
}

func (f *flattener) expandAtomic(actionRef string, action *manifest.Action, bindings map[string]json.RawMessage, scopePath, when string) (map[string]json.RawMessage, error) {
	nodeID := uuid.NewString()

	inputs := make(map[string]json.RawMessage, len(action.Inputs))
	for _, p := range action.Inputs {
		val, ok := bindings[p.Name]
		if !ok || len(val) == 0 {
			if len(p.Default) > 0 {
				inputs[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, &manifest.InvalidManifest{
					Reason: fmt.Sprintf("%s: %s: missing required input %q", scopePath, actionRef, p.Name),
				}
			}
			continue
		}
		inputs[p.Name] = val
	}

	f.steps = append(f.steps, ResolvedStep{
		NodeID:      nodeID,
		Ref:         actionRef,
		Kind:        action.Kind.Normalize(),
		Inputs:      inputs,
		When:        when,
		Path:        scopePath,
		Permissions: action.Permissions,
		Manifest:    action,
	})

	outs := make(map[string]json.RawMessage, len(action.Outputs))
	for _, p := range action.Outputs {
		raw, _ := json.Marshal(fmt.Sprintf("{{%s.%s}}", nodeID, p.Name))
		outs[p.Name] = raw
	}
	return outs, nil
}

func (f *flattener) expandComposition(actionRef string, action *manifest.Action, bindings map[string]json.RawMessage, scopePath, when string) (map[string]json.RawMessage, error) {
	stepOutputs := make(map[string]map[string]json.RawMessage, len(action.Steps))

	rewrite := func(expr string) (string, error) {
		return rewriteAgainstScope(expr, bindings, stepOutputs, scopePath, actionRef)
	}

	for _, step := range action.Steps {
		callee, err := f.fetcher.FetchManifest(f.ctx, step.Uses)
		if err != nil {
			return nil, err
		}

		named, err := resolvePositionalInputs(step, callee)
		if err != nil {
			return nil, err
		}

		calleeInputs := make(map[string]json.RawMessage, len(named))
		for name, raw := range named {
			rewritten, err := template.RewriteTemplateBytes(raw, rewrite)
			if err != nil {
				return nil, err
			}
			calleeInputs[name] = rewritten
		}

		stepWhen := ""
		if step.When != "" {
			rewritten, err := template.RewriteTemplate(step.When, rewrite)
			if err != nil {
				return nil, err
			}
			stepWhen, _ = rewritten.(string)
		}

		childScope := scopePath + "/" + step.ID
		outs, err := f.expand(step.Uses, callee, calleeInputs, childScope, combineWhen(when, stepWhen))
		if err != nil {
			return nil, err
		}
		stepOutputs[step.ID] = outs
	}

	outs := make(map[string]json.RawMessage, len(action.Outputs))
	for _, p := range action.Outputs {
		rewritten, err := template.RewriteTemplateBytes(p.Value, rewrite)
		if err != nil {
			return nil, err
		}
		outs[p.Name] = rewritten
	}
	return outs, nil
}

// rewriteAgainstScope implements the scope-rewrite map (§4.4): a reference
// rooted at "inputs" is spliced onto the caller-supplied binding template
// for that input name; a reference rooted at a sibling step id is spliced
// onto that step's already-flattened output template.
func rewriteAgainstScope(expr string, bindings map[string]json.RawMessage, stepOutputs map[string]map[string]json.RawMessage, scopePath, actionRef string) (string, error) {
	root, rest, err := template.SplitRoot(expr)
	if err != nil {
		return "", fmt.Errorf("flatten: %s: %w", scopePath, err)
	}

	if root == "inputs" {
		key, sub, _ := strings.Cut(rest, ".")
		bound, ok := bindings[key]
		if !ok || len(bound) == 0 {
			return "", &UnboundStepReference{ScopePath: scopePath, Ref: "inputs." + rest}
		}
		boundExpr, err := exactExpr(bound)
		if err != nil {
			return "", fmt.Errorf("flatten: %s: input %q: %w", scopePath, key, err)
		}
		if sub == "" {
			return boundExpr, nil
		}
		return boundExpr + "." + sub, nil
	}

	outputName, sub, _ := strings.Cut(rest, ".")
	outs, ok := stepOutputs[root]
	if !ok {
		return "", &UnboundStepReference{ScopePath: scopePath, Ref: expr}
	}
	bound, ok := outs[outputName]
	if !ok || len(bound) == 0 {
		return "", &UnboundStepReference{ScopePath: scopePath, Ref: expr}
	}
	boundExpr, err := exactExpr(bound)
	if err != nil {
		return "", fmt.Errorf("flatten: %s: step %q output %q: %w", scopePath, root, outputName, err)
	}
	if sub == "" {
		return boundExpr, nil
	}
	return boundExpr + "." + sub, nil
}

// resolvePositionalInputs normalizes a step's raw inputs into the named
// form, zipping a positional (array) form 1:1 against the callee's declared
// input port order (§4.2 Normalisation; §9 Open Questions). Named (object)
// form and the no-inputs case pass through untouched. Every positional
// entry must be a single-key object — the key is ignored, only the sole
// value matters, since the port name comes from the callee's declared
// order rather than from the entry itself.
func resolvePositionalInputs(step manifest.Step, callee *manifest.Action) (map[string]json.RawMessage, error) {
	if step.Inputs != nil || len(step.RawInputs) == 0 {
		return step.Inputs, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(step.RawInputs, &arr); err != nil {
		return nil, fmt.Errorf("flatten: step %q: inputs is neither a named object nor a positional array: %w", step.ID, err)
	}
	if len(arr) != len(callee.Inputs) {
		return nil, &ArityMismatch{Step: step.ID, Declared: len(callee.Inputs), Given: len(arr)}
	}

	named := make(map[string]json.RawMessage, len(arr))
	for i, raw := range arr {
		var entry map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entry); err != nil || len(entry) != 1 {
			return nil, fmt.Errorf("flatten: step %q: positional input %d must be a single-key object", step.ID, i)
		}
		if i >= len(callee.Inputs) {
			return nil, &UndeclaredPort{Step: step.ID, Port: fmt.Sprintf("[%d]", i)}
		}
		portName := callee.Inputs[i].Name
		for _, v := range entry {
			named[portName] = v
		}
	}
	return named, nil
}

// combineWhen ANDs an inherited gate (from an enclosing step that used this
// composition) with a step's own gate, so a leaf several compositions deep
// is skipped if any ancestor's condition, or its own, evaluates false.
func combineWhen(inherited, own string) string {
	switch {
	case inherited == "":
		return own
	case own == "":
		return inherited
	default:
		return fmt.Sprintf("(%s) && (%s)", inherited, own)
	}
}

// exactExpr extracts the inner expression from a json.RawMessage that is
// required to be exactly a "{{expr}}" string — every binding and recorded
// output this package produces is one, by construction.
func exactExpr(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected a template expression, got %s", raw)
	}
	expr, ok := template.FullExpr(s)
	if !ok {
		return "", fmt.Errorf("expected a single {{expr}} template, got %q", s)
	}
	return expr, nil
}
