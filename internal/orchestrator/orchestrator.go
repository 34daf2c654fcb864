// Package orchestrator implements the Execution Orchestrator (§4.8): it
// ties the artifact store, composition flattener, data-flow DAG, template
// engine, and the two sandboxes together into the single public entry
// point the CLI and HTTP server both call through.
//
// This plays the role flowjs-works/engine/internal/engine/executor.go's
// ProcessExecutor.Execute plays for a flat Process: drive a graph of nodes
// to completion, publish progress, return final outputs. The difference is
// what "a node" is — there it is one of a fixed set of built-in connector
// types dispatched in-process; here it is an arbitrary sandboxed binary
// resolved from the flattener's output, with the orchestrator supplying
// only input resolution, conditional gating, type checking, and dispatch.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/starthubhq/cli/internal/dag"
	"github.com/starthubhq/cli/internal/events"
	"github.com/starthubhq/cli/internal/flatten"
	"github.com/starthubhq/cli/internal/manifest"
	"github.com/starthubhq/cli/internal/sandbox/container"
	"github.com/starthubhq/cli/internal/sandbox/wasm"
	"github.com/starthubhq/cli/internal/template"
	"github.com/starthubhq/cli/internal/typecheck"
)

const defaultMaxConcurrentFetches = 8

// ArtifactSource is the subset of artifactstore.Store the orchestrator
// needs: manifest resolution (shared with the flattener) plus binary
// resolution for atomic nodes.
type ArtifactSource interface {
	flatten.ManifestFetcher
	FetchBinary(ctx context.Context, ref string, a *manifest.Action) (string, error)
}

// Options configures a Run.
type Options struct {
	// Sink receives lifecycle events (§6.3). Defaults to events.LogSink{}.
	Sink events.Sink
	// MaxConcurrentFetches bounds the artifact-prefetch worker pool (§5
	// Suspension points). Defaults to 8.
	MaxConcurrentFetches int
}

// Result is the orchestrator's public return value (§4.8 Contract).
type Result struct {
	Outputs        map[string]interface{}
	PerNodeOutputs map[string]interface{}
}

// Run expands actionRef, orders its nodes, and executes them to completion
// (§4.8 Protocol). On a node failure the returned error wraps the
// underlying cause and the Result still reflects every node that completed
// before the failure.
func Run(ctx context.Context, actionRef string, initialInputs map[string]interface{}, src ArtifactSource, opts Options) (*Result, error) {
	sink := opts.Sink
	if sink == nil {
		sink = events.LogSink{}
	}
	maxFetches := opts.MaxConcurrentFetches
	if maxFetches <= 0 {
		maxFetches = defaultMaxConcurrentFetches
	}

	root, err := src.FetchManifest(ctx, actionRef)
	if err != nil {
		return nil, err
	}

	effectiveInputs, err := materializeInputs(initialInputs, root)
	if err != nil {
		return nil, err
	}

	flattened, err := flatten.Flatten(ctx, actionRef, src)
	if err != nil {
		return nil, err
	}

	binPaths, err := prefetchBinaries(ctx, flattened.Steps, src, sink, maxFetches)
	if err != nil {
		return nil, err
	}

	ordered, err := dag.Order(flattened.Steps)
	if err != nil {
		return nil, err
	}

	env := template.Environment{"inputs": effectiveInputs}
	perNode := make(map[string]interface{}, len(ordered))

	for _, step := range ordered {
		if err := ctx.Err(); err != nil {
			sink.Emit(events.Event{Type: events.TypeRunFailed, NodeID: step.NodeID, OriginalName: step.Path, Reason: "cancelled"})
			return &Result{Outputs: nil, PerNodeOutputs: perNode}, &Cancelled{NodeID: step.NodeID, Path: step.Path}
		}

		out, skipped, err := runStep(ctx, step, env, src, binPaths, sink)
		if err != nil {
			sink.Emit(events.Event{Type: events.TypeRunFailed, NodeID: step.NodeID, OriginalName: step.Path, Reason: err.Error()})
			return &Result{Outputs: nil, PerNodeOutputs: perNode}, err
		}
		if skipped {
			continue
		}
		env[step.NodeID] = out
		perNode[step.NodeID] = out
	}

	finalOutputs := make(map[string]interface{}, len(flattened.Outputs))
	for name, raw := range flattened.Outputs {
		val, err := template.ResolveBytes(raw, env)
		if err != nil {
			sink.Emit(events.Event{Type: events.TypeRunFailed, Reason: err.Error()})
			return &Result{Outputs: nil, PerNodeOutputs: perNode}, fmt.Errorf("orchestrator: output %q: %w", name, err)
		}
		finalOutputs[name] = val
	}

	outputsForEvent := make(map[string]json.RawMessage, len(finalOutputs))
	for name, v := range finalOutputs {
		if b, err := json.Marshal(v); err == nil {
			outputsForEvent[name] = b
		}
	}
	sink.Emit(events.Event{Type: events.TypeRunCompleted, Outputs: outputsForEvent})

	return &Result{Outputs: finalOutputs, PerNodeOutputs: perNode}, nil
}

// runStep resolves one node's inputs, evaluates its optional gate, and
// dispatches it to the matching sandbox (§4.8 step 4). skipped is true
// when a declared "when" expression evaluated false; the node then
// contributes no output to the environment, mirroring an absent optional
// input rather than an error.
func runStep(ctx context.Context, step flatten.ResolvedStep, env template.Environment, src ArtifactSource, binPaths map[string]string, sink events.Sink) (out interface{}, skipped bool, err error) {
	sink.Emit(events.Event{Type: events.TypeStepStarted, NodeID: step.NodeID, OriginalName: step.Path, Uses: step.Ref})

	if step.When != "" && !evaluateWhen(step.When, env) {
		return nil, true, nil
	}

	resolved := make(map[string]interface{}, len(step.Inputs))
	for name, raw := range step.Inputs {
		val, rerr := template.ResolveBytes(raw, env)
		if rerr != nil {
			return nil, false, fmt.Errorf("orchestrator: node %s (%s): resolve input %q: %w", step.NodeID, step.Path, name, rerr)
		}
		if port, ok := step.Manifest.InputPort(name); ok {
			if terr := typecheck.Check(val, port.Type, step.Manifest.Types, fmt.Sprintf("%s.inputs.%s", step.NodeID, name)); terr != nil {
				return nil, false, terr
			}
		}
		resolved[name] = val
	}

	var sandboxOut json.RawMessage
	var stderrTail string
	switch step.Kind {
	case manifest.KindWasm:
		res, rerr := wasm.Run(ctx, step.Ref, binPaths[step.NodeID], resolved, nil, step.Permissions)
		if rerr != nil {
			var exit *wasm.NonZeroExit
			var trap *wasm.GuestTrap
			var bad *wasm.BadOutput
			if errors.As(rerr, &exit) || errors.As(rerr, &trap) || errors.As(rerr, &bad) {
				return nil, false, fmt.Errorf("orchestrator: node %s (%s): %w", step.NodeID, step.Path, rerr)
			}
			return nil, false, &SandboxStartFailed{NodeID: step.NodeID, Path: step.Path, Err: rerr}
		}
		sandboxOut, stderrTail = res.Output, res.Stderr
	case manifest.KindContainer:
		imageRef := step.Manifest.Distribution.Primary
		res, rerr := container.Run(ctx, imageRef, nil, resolved, nil, step.Permissions)
		if rerr != nil {
			var exit *container.NonZeroExit
			var bad *container.BadOutput
			if errors.As(rerr, &exit) || errors.As(rerr, &bad) {
				return nil, false, fmt.Errorf("orchestrator: node %s (%s): %w", step.NodeID, step.Path, rerr)
			}
			return nil, false, &SandboxStartFailed{NodeID: step.NodeID, Path: step.Path, Err: rerr}
		}
		sandboxOut, stderrTail = res.Output, res.Stderr
	default:
		return nil, false, &UnknownKind{NodeID: step.NodeID, Path: step.Path, Kind: string(step.Kind)}
	}

	var outVal interface{}
	if len(sandboxOut) > 0 {
		if jerr := json.Unmarshal(sandboxOut, &outVal); jerr != nil {
			return nil, false, fmt.Errorf("orchestrator: node %s (%s): decode sandbox output: %w", step.NodeID, step.Path, jerr)
		}
	}

	if err := validateOutputs(outVal, step.Manifest, step.NodeID); err != nil {
		return nil, false, err
	}

	sink.Emit(events.Event{
		Type:         events.TypeStepCompleted,
		NodeID:       step.NodeID,
		OriginalName: step.Path,
		Uses:         step.Ref,
		Output:       sandboxOut,
		StderrTail:   stderrTail,
	})
	return outVal, false, nil
}

// validateOutputs checks the sandbox's decoded stdout value — an object
// keyed by declared output port name — against each port's type (§4.8 step
// 4d: structural match, missing optional fields and extra fields tolerated).
func validateOutputs(outVal interface{}, action *manifest.Action, nodeID string) error {
	if len(action.Outputs) == 0 {
		return nil
	}
	obj, ok := outVal.(map[string]interface{})
	if !ok {
		return &typecheck.TypeMismatch{At: nodeID, Expected: "object", Actual: fmt.Sprintf("%T", outVal)}
	}
	for _, p := range action.Outputs {
		v, present := obj[p.Name]
		if !present {
			if p.Required {
				return &typecheck.TypeMismatch{At: nodeID + ".outputs." + p.Name, Expected: "present", Actual: "absent"}
			}
			continue
		}
		if err := typecheck.Check(v, p.Type, action.Types, nodeID+".outputs."+p.Name); err != nil {
			return err
		}
	}
	return nil
}

// materializeInputs validates initialInputs against root's declared input
// ports and fills in defaults for absent optionals (§4.8 step 1).
func materializeInputs(initialInputs map[string]interface{}, root *manifest.Action) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(root.Inputs))
	for _, p := range root.Inputs {
		val, ok := initialInputs[p.Name]
		if !ok {
			if len(p.Default) > 0 {
				var def interface{}
				if err := json.Unmarshal(p.Default, &def); err != nil {
					return nil, fmt.Errorf("orchestrator: input %q: decode default: %w", p.Name, err)
				}
				out[p.Name] = def
				continue
			}
			if p.Required {
				return nil, &manifest.InvalidManifest{Reason: fmt.Sprintf("missing required input %q", p.Name)}
			}
			continue
		}
		if err := typecheck.Check(val, p.Type, root.Types, "inputs."+p.Name); err != nil {
			return nil, err
		}
		out[p.Name] = val
	}
	return out, nil
}

// prefetchBinaries downloads every atomic node's binary (wasm) or resolves
// its image reference (container) concurrently, bounded by maxConcurrent
// (§4.8 step 2, §5 Suspension points), emitting artifact_resolved as each
// completes.
func prefetchBinaries(ctx context.Context, steps []flatten.ResolvedStep, src ArtifactSource, sink events.Sink, maxConcurrent int) (map[string]string, error) {
	paths := make(map[string]string, len(steps))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, step := range steps {
		step := step
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			path, err := src.FetchBinary(ctx, step.Ref, step.Manifest)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("orchestrator: node %s (%s): %w", step.NodeID, step.Path, err)
				}
				return
			}
			paths[step.NodeID] = path
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	for _, step := range steps {
		sink.Emit(events.Event{Type: events.TypeArtifactResolved, NodeID: step.NodeID, OriginalName: step.Path, Uses: step.Ref})
	}
	return paths, nil
}
