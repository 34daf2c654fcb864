package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArtifactPath_LockFile(t *testing.T) {
	ns, name, version, filename, err := parseArtifactPath("/artifacts/acme/get-weather/1.2.0/starthub-lock.json")
	require.NoError(t, err)
	assert.Equal(t, "acme", ns)
	assert.Equal(t, "get-weather", name)
	assert.Equal(t, "1.2.0", version)
	assert.Equal(t, "starthub-lock.json", filename)
}

func TestParseArtifactPath_BinaryFilename(t *testing.T) {
	ns, name, version, filename, err := parseArtifactPath("/artifacts/acme/get-weather/1.2.0/action.wasm")
	require.NoError(t, err)
	assert.Equal(t, "acme", ns)
	assert.Equal(t, "get-weather", name)
	assert.Equal(t, "1.2.0", version)
	assert.Equal(t, "action.wasm", filename)
}

func TestParseArtifactPath_MissingSegmentErrors(t *testing.T) {
	_, _, _, _, err := parseArtifactPath("/artifacts/acme/get-weather/starthub-lock.json")
	require.Error(t, err)
}

func TestParseArtifactPath_StripsPathTraversalFromFilename(t *testing.T) {
	_, _, _, filename, err := parseArtifactPath("/artifacts/acme/get-weather/1.2.0/../../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "passwd", filename)
}
