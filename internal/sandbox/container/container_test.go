package container

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starthubhq/cli/internal/manifest"
)

func TestNetworkMode_DefaultsToNone(t *testing.T) {
	assert.Equal(t, container.NetworkMode("none"), networkMode(nil))
	assert.Equal(t, container.NetworkMode("none"), networkMode(&manifest.Permissions{}))
}

func TestNetworkMode_BridgeWhenNetDeclared(t *testing.T) {
	assert.Equal(t, container.NetworkMode("bridge"), networkMode(&manifest.Permissions{Net: []string{"https"}}))
}

func TestNetworkMode_HostWhenExplicitlyPermitted(t *testing.T) {
	assert.Equal(t, container.NetworkMode("host"), networkMode(&manifest.Permissions{Net: []string{"host"}}))
}

func TestTail_ShortInputPassesThrough(t *testing.T) {
	assert.Equal(t, "short", tail([]byte("short")))
}

func TestTail_LongInputTruncatedToWindow(t *testing.T) {
	data := make([]byte, stderrTailBytes+50)
	got := tail(data)
	assert.Len(t, got, stderrTailBytes)
}

func TestRun_RejectsInvalidImageReference(t *testing.T) {
	_, err := Run(t.Context(), "THIS IS NOT VALID :: ", nil, map[string]interface{}{}, nil, nil)
	require.Error(t, err)
}
