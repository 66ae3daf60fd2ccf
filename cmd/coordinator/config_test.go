package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  public: ":9000"
token: "secret-words"
debug: true
max_body: 1048576
`), 0o644))

	bundle, err := getConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", bundle.Listen.Public)
	assert.Equal(t, "127.0.0.1:8788", bundle.Listen.Internal)
	assert.Equal(t, "secret-words", bundle.Token)
	assert.Equal(t, "", bundle.Profiler)
	assert.True(t, bundle.Debug)
	assert.Equal(t, int64(1048576), bundle.MaxBody)
}

func TestGetConfigMissingFile(t *testing.T) {
	_, err := getConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
