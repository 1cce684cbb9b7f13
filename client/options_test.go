package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/logging"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, 5*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 100, opts.MaxConnsPerNode)
	assert.Equal(t, 55*time.Second, opts.IdleTimeout)
	assert.Equal(t, 64, opts.WorkerPoolSize)
	assert.Equal(t, 1, opts.EventLoops)
	assert.Equal(t, 8, opts.PipelineConnsPerNode)
	assert.Equal(t, "INFO", opts.LogLevel)
	assert.Equal(t, logging.FormatLogfmt, opts.LogFormat)
	assert.False(t, opts.TLSEnabled)

	// The nested batch policy gets its own defaults.
	assert.Equal(t, time.Second, opts.Policy.TotalTimeout)
	assert.Equal(t, 30*time.Second, opts.Policy.SocketTimeout)
	assert.Equal(t, 2, opts.Policy.MaxRetries)
	assert.Equal(t, cluster.ReplicaSequence, opts.Policy.Replica)
	assert.True(t, opts.Policy.AllowInline)
	assert.True(t, opts.Policy.FailFast)
}

func TestParseOptions(t *testing.T) {
	data := []byte(`
maxConnsPerNode: 16
eventLoops: 4
logLevel: DEBUG
logFormat: json
policy:
  totalTimeout: 250ms
  maxRetries: 5
  replica: master
  concurrent: true
`)
	opts, err := ParseOptions(data)
	require.NoError(t, err)

	assert.Equal(t, 16, opts.MaxConnsPerNode)
	assert.Equal(t, 4, opts.EventLoops)
	assert.Equal(t, "DEBUG", opts.LogLevel)
	assert.Equal(t, logging.FormatJSON, opts.LogFormat)
	assert.Equal(t, 250*time.Millisecond, opts.Policy.TotalTimeout)
	assert.Equal(t, 5, opts.Policy.MaxRetries)
	assert.Equal(t, cluster.ReplicaMaster, opts.Policy.Replica)
	assert.True(t, opts.Policy.Concurrent)

	// Untouched fields keep their defaults.
	assert.Equal(t, 64, opts.WorkerPoolSize)
	assert.Equal(t, 30*time.Second, opts.Policy.SocketTimeout)
	assert.True(t, opts.Policy.Deserialize)
}

func TestParseOptions_Invalid(t *testing.T) {
	_, err := ParseOptions([]byte("policy:\n  replica: nearest\n"))
	assert.Error(t, err)

	_, err = ParseOptions([]byte("eventLoops: [1, 2]"))
	assert.Error(t, err)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workerPoolSize: 8\n"), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 8, opts.WorkerPoolSize)
	assert.Equal(t, 100, opts.MaxConnsPerNode)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
