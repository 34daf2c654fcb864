// Package container implements the Container Sandbox (§4.7): one-shot
// container lifecycle (create, run to completion, remove) via the local
// container daemon, using github.com/docker/docker's client package and
// github.com/distribution/reference for image reference validation — the
// container-kind counterpart of the wasm package's guest execution, playing
// the same role flowjs-works/engine/internal/activities plays for built-in
// node types, now against an external process instead of in-process Go.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/starthubhq/cli/internal/manifest"
)

const stderrTailBytes = 4096

// Result is a completed container execution's observable outcome.
type Result struct {
	Output json.RawMessage
	Stderr string
}

// Run validates imageRef, pulls it if absent locally, and runs a one-shot
// container that reads input as JSON on stdin and is expected to print a
// single JSON value to stdout (§4.7 Execution contract).
func Run(ctx context.Context, imageRef string, cmd []string, input interface{}, env map[string]string, perms *manifest.Permissions) (*Result, error) {
	if _, err := reference.ParseNormalizedNamed(imageRef); err != nil {
		return nil, fmt.Errorf("container: %q: invalid image reference: %w", imageRef, err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &DaemonUnavailable{Err: err}
	}
	defer cli.Close()

	if _, _, err := cli.ImageInspectWithRaw(ctx, imageRef); err != nil {
		reader, pullErr := cli.ImagePull(ctx, imageRef, image.PullOptions{})
		if pullErr != nil {
			return nil, &ImagePullFailed{Image: imageRef, Err: pullErr}
		}
		if _, err := io.Copy(io.Discard, reader); err != nil {
			reader.Close()
			return nil, &ImagePullFailed{Image: imageRef, Err: err}
		}
		reader.Close()
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:        imageRef,
		Cmd:          cmd,
		Env:          envList,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: networkMode(perms),
		AutoRemove:  false,
	}

	name := "starthub-" + uuid.NewString()
	created, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container: %q: create: %w", imageRef, err)
	}
	defer cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})

	attach, err := cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container: %q: attach: %w", imageRef, err)
	}
	defer attach.Close()

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("container: %q: start: %w", imageRef, err)
	}

	stdinBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("container: %q: marshal stdin: %w", imageRef, err)
	}
	if _, err := attach.Conn.Write(stdinBytes); err != nil {
		return nil, fmt.Errorf("container: %q: write stdin: %w", imageRef, err)
	}
	attach.CloseWrite()

	var stdout, stderr bytes.Buffer
	demuxDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		demuxDone <- err
	}()

	statusCh, errCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("container: %q: wait: %w", imageRef, err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}
	<-demuxDone

	if exitCode != 0 {
		return nil, &NonZeroExit{Image: imageRef, Code: exitCode, StderrTail: tail(stderr.Bytes())}
	}

	var out json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	if err := dec.Decode(&out); err != nil {
		return nil, &BadOutput{Image: imageRef, ParseError: err}
	}
	if dec.More() {
		return nil, &BadOutput{Image: imageRef, ParseError: fmt.Errorf("trailing data after JSON value")}
	}

	return &Result{Output: out, Stderr: stderr.String()}, nil
}

// networkMode selects the container network mode from declared permissions
// (§4.7 Input: network mode): "none" by default, "bridge" if net is
// declared, "host" only if explicitly permitted via the "host" entry.
func networkMode(perms *manifest.Permissions) container.NetworkMode {
	if perms == nil {
		return "none"
	}
	for _, n := range perms.Net {
		if n == "host" {
			return "host"
		}
	}
	if len(perms.Net) > 0 {
		return "bridge"
	}
	return "none"
}

func tail(b []byte) string {
	if len(b) <= stderrTailBytes {
		return string(b)
	}
	return string(b[len(b)-stderrTailBytes:])
}
