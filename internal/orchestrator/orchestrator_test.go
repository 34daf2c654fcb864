package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starthubhq/cli/internal/events"
	"github.com/starthubhq/cli/internal/flatten"
	"github.com/starthubhq/cli/internal/manifest"
	"github.com/starthubhq/cli/internal/template"
	"github.com/starthubhq/cli/internal/typecheck"
)

func strPort(name string, required bool) manifest.Port {
	return manifest.Port{Name: name, Type: &manifest.TypeDescriptor{Primitive: "string"}, Required: required}
}

func TestMaterializeInputs_MaterialisesDefaultForAbsentOptional(t *testing.T) {
	def, _ := json.Marshal("anon")
	root := &manifest.Action{Inputs: []manifest.Port{
		{Name: "name", Type: &manifest.TypeDescriptor{Primitive: "string"}, Default: def},
	}}

	out, err := materializeInputs(map[string]interface{}{}, root)
	require.NoError(t, err)
	assert.Equal(t, "anon", out["name"])
}

func TestMaterializeInputs_MissingRequiredErrors(t *testing.T) {
	root := &manifest.Action{Inputs: []manifest.Port{strPort("name", true)}}

	_, err := materializeInputs(map[string]interface{}{}, root)
	require.Error(t, err)
	assert.IsType(t, &manifest.InvalidManifest{}, err)
}

func TestMaterializeInputs_TypeMismatchOnSuppliedValueErrors(t *testing.T) {
	root := &manifest.Action{Inputs: []manifest.Port{strPort("count", true)}}
	root.Inputs[0].Type = &manifest.TypeDescriptor{Primitive: "number"}

	_, err := materializeInputs(map[string]interface{}{"count": "seven"}, root)
	require.Error(t, err)
	var mismatch *typecheck.TypeMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestEvaluateWhen_TrueExpression(t *testing.T) {
	env := template.Environment{"check": map[string]interface{}{"score": 90.0}}
	assert.True(t, evaluateWhen("{{check.score}} > 50", env))
}

func TestEvaluateWhen_FalseExpression(t *testing.T) {
	env := template.Environment{"check": map[string]interface{}{"score": 10.0}}
	assert.False(t, evaluateWhen("{{check.score}} > 50", env))
}

func TestEvaluateWhen_StringComparison(t *testing.T) {
	env := template.Environment{"check": map[string]interface{}{"status": "ok"}}
	assert.True(t, evaluateWhen(`{{check.status}} === "ok"`, env))
}

func TestEvaluateWhen_UnresolvableReferenceYieldsFalse(t *testing.T) {
	env := template.Environment{}
	assert.False(t, evaluateWhen("{{missing.field}} > 1", env))
}

func TestEvaluateWhen_MalformedExpressionYieldsFalse(t *testing.T) {
	env := template.Environment{}
	assert.False(t, evaluateWhen("{{{{", env))
}

func TestValidateOutputs_ToleratesAbsentOptionalField(t *testing.T) {
	action := &manifest.Action{Outputs: []manifest.Port{
		{Name: "greeting", Type: &manifest.TypeDescriptor{Primitive: "string"}, Required: false},
	}}
	err := validateOutputs(map[string]interface{}{}, action, "node1")
	require.NoError(t, err)
}

func TestValidateOutputs_RequiredFieldMissingErrors(t *testing.T) {
	action := &manifest.Action{Outputs: []manifest.Port{
		{Name: "greeting", Type: &manifest.TypeDescriptor{Primitive: "string"}, Required: true},
	}}
	err := validateOutputs(map[string]interface{}{}, action, "node1")
	require.Error(t, err)
}

func TestValidateOutputs_ExtraFieldsTolerated(t *testing.T) {
	action := &manifest.Action{Outputs: []manifest.Port{
		{Name: "greeting", Type: &manifest.TypeDescriptor{Primitive: "string"}, Required: true},
	}}
	err := validateOutputs(map[string]interface{}{"greeting": "hi", "extra": 1.0}, action, "node1")
	require.NoError(t, err)
}

func TestValidateOutputs_NonObjectOutputErrorsWhenPortsDeclared(t *testing.T) {
	action := &manifest.Action{Outputs: []manifest.Port{
		{Name: "greeting", Type: &manifest.TypeDescriptor{Primitive: "string"}, Required: true},
	}}
	err := validateOutputs("just a string", action, "node1")
	require.Error(t, err)
}

// fakeSource satisfies ArtifactSource entirely in memory.
type fakeSource struct {
	manifests  map[string]*manifest.Action
	binErr     map[string]error
	fetchCount sync.Map
}

func (f *fakeSource) FetchManifest(_ context.Context, ref string) (*manifest.Action, error) {
	a, ok := f.manifests[ref]
	if !ok {
		return nil, fmt.Errorf("no such ref %q", ref)
	}
	return a, nil
}

func (f *fakeSource) FetchBinary(_ context.Context, ref string, _ *manifest.Action) (string, error) {
	v, _ := f.fetchCount.LoadOrStore(ref, new(int))
	*(v.(*int))++
	if err, ok := f.binErr[ref]; ok {
		return "", err
	}
	return "/cache/" + ref, nil
}

func TestPrefetchBinaries_ResolvesEveryNodeAndEmitsArtifactResolved(t *testing.T) {
	steps := []flatten.ResolvedStep{
		{NodeID: "n1", Ref: "ns/a:1.0.0", Kind: manifest.KindWasm, Manifest: &manifest.Action{}},
		{NodeID: "n2", Ref: "ns/b:1.0.0", Kind: manifest.KindWasm, Manifest: &manifest.Action{}},
	}
	src := &fakeSource{manifests: map[string]*manifest.Action{}}
	var recorded []events.Event
	sink := recordingSink(func(e events.Event) { recorded = append(recorded, e) })

	paths, err := prefetchBinaries(context.Background(), steps, src, sink, 4)
	require.NoError(t, err)
	assert.Equal(t, "/cache/ns/a:1.0.0", paths["n1"])
	assert.Equal(t, "/cache/ns/b:1.0.0", paths["n2"])

	var resolvedCount int
	for _, e := range recorded {
		if e.Type == events.TypeArtifactResolved {
			resolvedCount++
		}
	}
	assert.Equal(t, 2, resolvedCount)
}

func TestPrefetchBinaries_PropagatesFirstError(t *testing.T) {
	steps := []flatten.ResolvedStep{
		{NodeID: "n1", Ref: "ns/a:1.0.0", Kind: manifest.KindWasm, Manifest: &manifest.Action{}},
	}
	src := &fakeSource{
		manifests: map[string]*manifest.Action{},
		binErr:    map[string]error{"ns/a:1.0.0": fmt.Errorf("boom")},
	}
	_, err := prefetchBinaries(context.Background(), steps, src, events.LogSink{}, 4)
	require.Error(t, err)
}

type recordingSink func(events.Event)

func (r recordingSink) Emit(e events.Event) { r(e) }

func TestRun_MissingRequiredInputFailsBeforeFlattening(t *testing.T) {
	root := &manifest.Action{
		Name: "greet", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs: []manifest.Port{strPort("name", true)},
	}
	src := &fakeSource{manifests: map[string]*manifest.Action{"ns/greet:1.0.0": root}}

	_, err := Run(context.Background(), "ns/greet:1.0.0", map[string]interface{}{}, src, Options{})
	require.Error(t, err)
	assert.IsType(t, &manifest.InvalidManifest{}, err)
}

func TestRun_CancelledContextAbortsBeforeFirstStep(t *testing.T) {
	greeter := &manifest.Action{
		Name: "greet", Version: "1.0.0", Kind: manifest.KindWasm, ManifestVersion: 1,
		Inputs: []manifest.Port{strPort("name", false)}, Outputs: []manifest.Port{strPort("greeting", false)},
		Digest: "sha256:x", Distribution: &manifest.Distribution{Primary: "greet.wasm"},
	}
	src := &fakeSource{manifests: map[string]*manifest.Action{"ns/greet:1.0.0": greeter}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, "ns/greet:1.0.0", map[string]interface{}{}, src, Options{})
	require.Error(t, err)
	assert.IsType(t, &Cancelled{}, err)
}
