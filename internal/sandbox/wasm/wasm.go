// Package wasm implements the WASM Sandbox (§4.6): it runs a guest module
// against a JSON value on stdin under a declared capability surface using
// github.com/tetratelabs/wazero, an embeddable WebAssembly runtime with no
// cgo dependency — the wazero/docker split here stands in for
// flowjs-works/engine's single in-process activities.Activity dispatch
// (internal/activities/activity.go): instead of one built-in Go function per
// node type, each node type is an external sandboxed binary, and this
// package is the "wasm-kind" half of that dispatch.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/starthubhq/cli/internal/manifest"
)

const stderrTailBytes = 4096

// Result is a completed guest execution's observable outcome.
type Result struct {
	Output json.RawMessage
	Stderr string
}

// Run executes the wasm binary at binPath, feeding input as JSON on stdin
// and returning the JSON value the guest printed to stdout (§4.6 Execution
// contract). env holds exactly the variables declared for this step — the
// guest sees nothing else.
func Run(ctx context.Context, ref, binPath string, input interface{}, env map[string]string, perms *manifest.Permissions) (*Result, error) {
	wasmBytes, err := readFile(binPath)
	if err != nil {
		return nil, fmt.Errorf("wasm: %s: read module: %w", ref, err)
	}

	stdinBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("wasm: %s: marshal stdin: %w", ref, err)
	}

	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("wasm: %s: instantiate WASI: %w", ref, err)
	}

	if networkPermitted(perms) {
		if _, err := instantiateHTTPHost(ctx, runtime); err != nil {
			return nil, fmt.Errorf("wasm: %s: instantiate http host module: %w", ref, err)
		}
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasm: %s: compile module: %w", ref, err)
	}
	defer compiled.Close(ctx)

	var stdout, stderr bytes.Buffer
	config := wazero.NewModuleConfig().
		WithName(ref).
		WithStdin(bytes.NewReader(stdinBytes)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	for k, v := range env {
		config = config.WithEnv(k, v)
	}

	_, err = runtime.InstantiateModule(ctx, compiled, config)
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code != 0 {
				return nil, &NonZeroExit{Ref: ref, Code: code, StderrTail: tail(stderr.Bytes())}
			}
		} else {
			return nil, &GuestTrap{Ref: ref, Err: err}
		}
	}

	var out json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	if err := dec.Decode(&out); err != nil {
		return nil, &BadOutput{Ref: ref, ParseError: err}
	}
	if dec.More() {
		return nil, &BadOutput{Ref: ref, ParseError: fmt.Errorf("trailing data after JSON value")}
	}

	return &Result{Output: out, Stderr: stderr.String()}, nil
}

func networkPermitted(perms *manifest.Permissions) bool {
	if perms == nil {
		return false
	}
	for _, n := range perms.Net {
		if n == "http" || n == "https" {
			return true
		}
	}
	return false
}

// instantiateHTTPHost exposes a single host function, "http_fetch", to
// guests whose action declares net permissions. The guest passes a request
// descriptor and receives a response body — deliberately narrow compared to
// raw socket access, consistent with "no filesystem access" and "declared
// env vars only" (§4.6 Capabilities granted to the guest).
func instantiateHTTPHost(ctx context.Context, runtime wazero.Runtime) (api.Module, error) {
	return runtime.NewHostModuleBuilder("starthub").
		NewFunctionBuilder().
		WithFunc(httpFetch).
		Export("http_fetch").
		Instantiate(ctx)
}

// httpFetch is the host-side implementation backing the guest's
// "http_fetch" import: GET urlPtr/urlLen, write up to len(bufPtr) bytes of
// the response body into guest memory, return bytes written (or -1).
func httpFetch(ctx context.Context, mod api.Module, urlPtr, urlLen, bufPtr, bufLen uint32) int32 {
	data, ok := mod.Memory().Read(urlPtr, urlLen)
	if !ok {
		return -1
	}
	resp, err := http.Get(string(data))
	if err != nil {
		return -1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(bufLen)))
	if err != nil {
		return -1
	}
	if !mod.Memory().Write(bufPtr, body) {
		return -1
	}
	return int32(len(body))
}

func tail(b []byte) string {
	if len(b) <= stderrTailBytes {
		return string(b)
	}
	return string(b[len(b)-stderrTailBytes:])
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
