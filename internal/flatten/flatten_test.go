package flatten

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starthubhq/cli/internal/manifest"
)

// fakeFetcher resolves action refs from an in-memory map, mirroring what a
// populated artifact store cache would return without any network I/O.
type fakeFetcher struct {
	actions map[string]*manifest.Action
}

func (f *fakeFetcher) FetchManifest(_ context.Context, ref string) (*manifest.Action, error) {
	a, ok := f.actions[ref]
	if !ok {
		return nil, &manifest.InvalidManifest{Path: ref, Reason: "not found"}
	}
	return a, nil
}

func atomicAction(name string, kind manifest.Kind, inputs, outputs []manifest.Port) *manifest.Action {
	return &manifest.Action{
		Name: name, Version: "1.0.0", Kind: kind, ManifestVersion: 1,
		Inputs: inputs, Outputs: outputs,
		Digest:       "sha256:deadbeef",
		Distribution: &manifest.Distribution{Primary: name + ".wasm"},
	}
}

func port(name string, required bool) manifest.Port {
	return manifest.Port{Name: name, Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: required}
}

func rawTemplate(t *testing.T, s string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return b
}

func TestFlatten_SingleAtomicAction(t *testing.T) {
	action := atomicAction("greet", manifest.KindWasm,
		[]manifest.Port{port("name", true)},
		[]manifest.Port{port("greeting", true)},
	)
	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{"ns/greet:1.0.0": action}}

	result, err := Flatten(context.Background(), "ns/greet:1.0.0", fetcher)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)

	step := result.Steps[0]
	assert.Equal(t, "ns/greet:1.0.0", step.Ref)
	assert.Equal(t, manifest.KindWasm, step.Kind)

	var inExpr string
	require.NoError(t, json.Unmarshal(step.Inputs["name"], &inExpr))
	assert.Equal(t, "{{inputs.name}}", inExpr)
}

func TestFlatten_TwoStepComposition_WiresOutputToInput(t *testing.T) {
	getCoords := atomicAction("get-coords", manifest.KindWasm,
		[]manifest.Port{port("city", true)},
		[]manifest.Port{port("lat", true), port("lng", true)},
	)
	getWeather := atomicAction("get-weather", manifest.KindWasm,
		[]manifest.Port{port("lat", true), port("lng", true)},
		[]manifest.Port{port("forecast", true)},
	)

	composition := &manifest.Action{
		Name: "weather-for-city", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("city", true)},
		Outputs: []manifest.Port{{Name: "forecast", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{weather.forecast}}")}},
		Steps: []manifest.Step{
			{ID: "coords", Uses: "ns/get-coords:1.0.0", Inputs: map[string]json.RawMessage{
				"city": rawTemplate(t, "{{inputs.city}}"),
			}},
			{ID: "weather", Uses: "ns/get-weather:1.0.0", Inputs: map[string]json.RawMessage{
				"lat": rawTemplate(t, "{{coords.lat}}"),
				"lng": rawTemplate(t, "{{coords.lng}}"),
			}},
		},
	}

	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/get-coords:1.0.0":       getCoords,
		"ns/get-weather:1.0.0":      getWeather,
		"ns/weather-for-city:1.0.0": composition,
	}}

	result, err := Flatten(context.Background(), "ns/weather-for-city:1.0.0", fetcher)
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)

	coordsNode := result.Steps[0]
	weatherNode := result.Steps[1]
	assert.Equal(t, "ns/get-coords:1.0.0", coordsNode.Ref)
	assert.Equal(t, "ns/get-weather:1.0.0", weatherNode.Ref)

	var cityExpr string
	require.NoError(t, json.Unmarshal(coordsNode.Inputs["city"], &cityExpr))
	assert.Equal(t, "{{inputs.city}}", cityExpr)

	var latExpr string
	require.NoError(t, json.Unmarshal(weatherNode.Inputs["lat"], &latExpr))
	assert.Equal(t, "{{"+coordsNode.NodeID+".lat}}", latExpr)

	var outExpr string
	require.NoError(t, json.Unmarshal(result.Outputs["forecast"], &outExpr))
	assert.Equal(t, "{{"+weatherNode.NodeID+".forecast}}", outExpr)
}

func TestFlatten_NestedComposition_ScopeRewritesThroughTwoLevels(t *testing.T) {
	fetchTemp := atomicAction("fetch-temp", manifest.KindWasm,
		[]manifest.Port{port("api_key", true)},
		[]manifest.Port{port("celsius", true)},
	)
	innerComposition := &manifest.Action{
		Name: "weather-config", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("api_key", true)},
		Outputs: []manifest.Port{{Name: "celsius", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{fetch.celsius}}")}},
		Steps: []manifest.Step{
			{ID: "fetch", Uses: "ns/fetch-temp:1.0.0", Inputs: map[string]json.RawMessage{
				"api_key": rawTemplate(t, "{{inputs.api_key}}"),
			}},
		},
	}
	outerComposition := &manifest.Action{
		Name: "report", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("weather_config", true)},
		Outputs: []manifest.Port{{Name: "celsius", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{weather.celsius}}")}},
		Steps: []manifest.Step{
			{ID: "weather", Uses: "ns/weather-config:1.0.0", Inputs: map[string]json.RawMessage{
				"api_key": rawTemplate(t, "{{inputs.weather_config}}"),
			}},
		},
	}

	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/fetch-temp:1.0.0":     fetchTemp,
		"ns/weather-config:1.0.0": innerComposition,
		"ns/report:1.0.0":         outerComposition,
	}}

	result, err := Flatten(context.Background(), "ns/report:1.0.0", fetcher)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)

	var apiKeyExpr string
	require.NoError(t, json.Unmarshal(result.Steps[0].Inputs["api_key"], &apiKeyExpr))
	assert.Equal(t, "{{inputs.weather_config}}", apiKeyExpr)

	var outExpr string
	require.NoError(t, json.Unmarshal(result.Outputs["celsius"], &outExpr))
	assert.Equal(t, "{{"+result.Steps[0].NodeID+".celsius}}", outExpr)
}

func TestFlatten_MaterialisesDefaultForUnboundOptionalInput(t *testing.T) {
	greet := atomicAction("greet", manifest.KindWasm,
		[]manifest.Port{{Name: "volume", Type: &manifest.TypeDescriptor{Primitive: "string"}, Default: rawTemplate(t, "quiet")}},
		[]manifest.Port{port("greeting", true)},
	)
	composition := &manifest.Action{
		Name: "wrapper", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Outputs: []manifest.Port{{Name: "greeting", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{greeter.greeting}}")}},
		Steps: []manifest.Step{
			{ID: "greeter", Uses: "ns/greet:1.0.0"}, // "volume" never bound
		},
	}
	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/greet:1.0.0":   greet,
		"ns/wrapper:1.0.0": composition,
	}}

	result, err := Flatten(context.Background(), "ns/wrapper:1.0.0", fetcher)
	require.NoError(t, err)

	var volume string
	require.NoError(t, json.Unmarshal(result.Steps[0].Inputs["volume"], &volume))
	assert.Equal(t, "quiet", volume)
}

func TestFlatten_MissingRequiredInputErrors(t *testing.T) {
	greet := atomicAction("greet", manifest.KindWasm,
		[]manifest.Port{port("name", true)},
		[]manifest.Port{port("greeting", true)},
	)
	composition := &manifest.Action{
		Name: "wrapper", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Outputs: []manifest.Port{{Name: "greeting", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{greeter.greeting}}")}},
		Steps: []manifest.Step{
			{ID: "greeter", Uses: "ns/greet:1.0.0"}, // "name" never bound
		},
	}
	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/greet:1.0.0":   greet,
		"ns/wrapper:1.0.0": composition,
	}}

	_, err := Flatten(context.Background(), "ns/wrapper:1.0.0", fetcher)
	require.Error(t, err)
	assert.IsType(t, &manifest.InvalidManifest{}, err)
}

func TestFlatten_PositionalInputsZipAgainstDeclaredPortOrder(t *testing.T) {
	getWeather := atomicAction("get-weather", manifest.KindWasm,
		[]manifest.Port{port("lat", true), port("lng", true)},
		[]manifest.Port{port("forecast", true)},
	)
	composition := &manifest.Action{
		Name: "weather-positional", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("lat", true), port("lng", true)},
		Outputs: []manifest.Port{{Name: "forecast", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{weather.forecast}}")}},
		Steps: []manifest.Step{
			{ID: "weather", Uses: "ns/get-weather:1.0.0", RawInputs: json.RawMessage(
				`[{"value": "{{inputs.lat}}"}, {"value": "{{inputs.lng}}"}]`,
			)},
		},
	}
	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/get-weather:1.0.0":      getWeather,
		"ns/weather-positional:1.0.0": composition,
	}}

	result, err := Flatten(context.Background(), "ns/weather-positional:1.0.0", fetcher)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)

	var latExpr, lngExpr string
	require.NoError(t, json.Unmarshal(result.Steps[0].Inputs["lat"], &latExpr))
	require.NoError(t, json.Unmarshal(result.Steps[0].Inputs["lng"], &lngExpr))
	assert.Equal(t, "{{inputs.lat}}", latExpr)
	assert.Equal(t, "{{inputs.lng}}", lngExpr)
}

func TestFlatten_PositionalInputsArityMismatchErrors(t *testing.T) {
	getWeather := atomicAction("get-weather", manifest.KindWasm,
		[]manifest.Port{port("lat", true), port("lng", true)},
		[]manifest.Port{port("forecast", true)},
	)
	composition := &manifest.Action{
		Name: "weather-positional", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Outputs: []manifest.Port{{Name: "forecast", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{weather.forecast}}")}},
		Steps: []manifest.Step{
			{ID: "weather", Uses: "ns/get-weather:1.0.0", RawInputs: json.RawMessage(`[{"value": "1.0"}]`)},
		},
	}
	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/get-weather:1.0.0":      getWeather,
		"ns/weather-positional:1.0.0": composition,
	}}

	_, err := Flatten(context.Background(), "ns/weather-positional:1.0.0", fetcher)
	require.Error(t, err)
	assert.IsType(t, &ArityMismatch{}, err)
}

func TestFlatten_CyclicCompositionDetected(t *testing.T) {
	// a composition whose only step uses itself
	cyclic := &manifest.Action{
		Name: "loop", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("x", true)},
		Outputs: []manifest.Port{{Name: "x", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{inner.x}}")}},
		Steps: []manifest.Step{
			{ID: "inner", Uses: "ns/loop:1.0.0", Inputs: map[string]json.RawMessage{
				"x": rawTemplate(t, "{{inputs.x}}"),
			}},
		},
	}
	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{"ns/loop:1.0.0": cyclic}}

	_, err := Flatten(context.Background(), "ns/loop:1.0.0", fetcher)
	require.Error(t, err)
	assert.IsType(t, &CyclicComposition{}, err)
}

func TestFlatten_CrossBranchReuseOfSameCompositionAllowed(t *testing.T) {
	leaf := atomicAction("double", manifest.KindWasm,
		[]manifest.Port{port("n", true)},
		[]manifest.Port{port("result", true)},
	)
	doubler := &manifest.Action{
		Name: "doubler", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("n", true)},
		Outputs: []manifest.Port{{Name: "result", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{d.result}}")}},
		Steps: []manifest.Step{
			{ID: "d", Uses: "ns/double:1.0.0", Inputs: map[string]json.RawMessage{
				"n": rawTemplate(t, "{{inputs.n}}"),
			}},
		},
	}
	root := &manifest.Action{
		Name: "quad", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs: []manifest.Port{port("n", true)},
		Outputs: []manifest.Port{
			{Name: "result", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{second.result}}")},
		},
		Steps: []manifest.Step{
			{ID: "first", Uses: "ns/doubler:1.0.0", Inputs: map[string]json.RawMessage{
				"n": rawTemplate(t, "{{inputs.n}}"),
			}},
			{ID: "second", Uses: "ns/doubler:1.0.0", Inputs: map[string]json.RawMessage{
				"n": rawTemplate(t, "{{first.result}}"),
			}},
		},
	}

	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/double:1.0.0":  leaf,
		"ns/doubler:1.0.0": doubler,
		"ns/quad:1.0.0":    root,
	}}

	result, err := Flatten(context.Background(), "ns/quad:1.0.0", fetcher)
	require.NoError(t, err)
	assert.Len(t, result.Steps, 2)
}

func TestFlatten_PopulatesOriginalCompositionPath(t *testing.T) {
	greet := atomicAction("greet", manifest.KindWasm,
		[]manifest.Port{port("name", true)},
		[]manifest.Port{port("greeting", true)},
	)
	composition := &manifest.Action{
		Name: "wrapper", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("name", true)},
		Outputs: []manifest.Port{{Name: "greeting", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{greeter.greeting}}")}},
		Steps: []manifest.Step{
			{ID: "greeter", Uses: "ns/greet:1.0.0", Inputs: map[string]json.RawMessage{
				"name": rawTemplate(t, "{{inputs.name}}"),
			}},
		},
	}
	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/greet:1.0.0":   greet,
		"ns/wrapper:1.0.0": composition,
	}}

	result, err := Flatten(context.Background(), "ns/wrapper:1.0.0", fetcher)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "root/greeter", result.Steps[0].Path)
}

func TestFlatten_StepWhenGateAttachesToAtomicLeaf(t *testing.T) {
	check := atomicAction("check", manifest.KindWasm,
		[]manifest.Port{port("score", true)},
		[]manifest.Port{port("ok", true)},
	)
	composition := &manifest.Action{
		Name: "gated", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("score", true)},
		Outputs: []manifest.Port{{Name: "ok", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{checker.ok}}")}},
		Steps: []manifest.Step{
			{ID: "checker", Uses: "ns/check:1.0.0", When: "{{inputs.score}} > 50", Inputs: map[string]json.RawMessage{
				"score": rawTemplate(t, "{{inputs.score}}"),
			}},
		},
	}
	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/check:1.0.0": check,
		"ns/gated:1.0.0": composition,
	}}

	result, err := Flatten(context.Background(), "ns/gated:1.0.0", fetcher)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "{{inputs.score}} > 50", result.Steps[0].When)
}

func TestFlatten_NestedCompositionWhenGateAppliesToEveryLeaf(t *testing.T) {
	leaf := atomicAction("double", manifest.KindWasm,
		[]manifest.Port{port("n", true)},
		[]manifest.Port{port("result", true)},
	)
	doubler := &manifest.Action{
		Name: "doubler", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("n", true)},
		Outputs: []manifest.Port{{Name: "result", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{first.result}}")}},
		Steps: []manifest.Step{
			{ID: "first", Uses: "ns/double:1.0.0", Inputs: map[string]json.RawMessage{
				"n": rawTemplate(t, "{{inputs.n}}"),
			}},
			{ID: "second", Uses: "ns/double:1.0.0", When: "{{inputs.n}} > 0", Inputs: map[string]json.RawMessage{
				"n": rawTemplate(t, "{{first.result}}"),
			}},
		},
	}
	root := &manifest.Action{
		Name: "quad", Version: "1.0.0", Kind: manifest.KindComposition, ManifestVersion: 1,
		Inputs:  []manifest.Port{port("n", true)},
		Outputs: []manifest.Port{{Name: "result", Type: &manifest.TypeDescriptor{Primitive: "any"}, Required: true, Value: rawTemplate(t, "{{quadrupler.result}}")}},
		Steps: []manifest.Step{
			{ID: "quadrupler", Uses: "ns/doubler:1.0.0", When: "{{inputs.n}} < 100", Inputs: map[string]json.RawMessage{
				"n": rawTemplate(t, "{{inputs.n}}"),
			}},
		},
	}

	fetcher := &fakeFetcher{actions: map[string]*manifest.Action{
		"ns/double:1.0.0":  leaf,
		"ns/doubler:1.0.0": doubler,
		"ns/quad:1.0.0":    root,
	}}

	result, err := Flatten(context.Background(), "ns/quad:1.0.0", fetcher)
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)

	assert.Equal(t, "{{inputs.n}} < 100", result.Steps[0].When)
	assert.Equal(t, "({{inputs.n}} < 100) && ({{inputs.n}} > 0)", result.Steps[1].When)
}
