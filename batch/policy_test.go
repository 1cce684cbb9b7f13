package batch

import (
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/protocol"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, time.Second, p.TotalTimeout)
	assert.Equal(t, 30*time.Second, p.SocketTimeout)
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, cluster.ReplicaSequence, p.Replica)
	assert.True(t, p.AllowInline)
	assert.True(t, p.Deserialize)
	assert.True(t, p.FailFast)
	assert.False(t, p.Concurrent)
}

func TestPolicy_Timeouts(t *testing.T) {
	tests := []struct {
		name       string
		socket     time.Duration
		total      time.Duration
		wantSocket time.Duration
	}{
		{"socket capped to total", 30 * time.Second, time.Second, time.Second},
		{"zero socket uses total", 0, time.Second, time.Second},
		{"socket below total", 100 * time.Millisecond, time.Second, 100 * time.Millisecond},
		{"no total", 5 * time.Second, 0, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Policy{SocketTimeout: tt.socket, TotalTimeout: tt.total}
			socket, total := p.timeouts()
			assert.Equal(t, tt.wantSocket, socket)
			assert.Equal(t, tt.total, total)
		})
	}
}

func TestPolicy_YAML(t *testing.T) {
	doc := `
totalTimeout: 500ms
maxRetries: 5
replica: prefer_rack
concurrent: true
`
	p := &Policy{}
	require.NoError(t, defaults.Set(p))
	require.NoError(t, yaml.Unmarshal([]byte(doc), p))

	assert.Equal(t, 500*time.Millisecond, p.TotalTimeout)
	assert.Equal(t, 30*time.Second, p.SocketTimeout)
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, cluster.ReplicaPreferRack, p.Replica)
	assert.True(t, p.Concurrent)
	assert.True(t, p.FailFast)
}

func TestPolicy_Options(t *testing.T) {
	p := DefaultPolicy()
	p.SendSetName = true
	p.Predicate = []byte{0x93, 0x01}

	opts := p.options()
	assert.True(t, opts.SendSetName)
	assert.Equal(t, protocol.PredicateField(p.Predicate), opts.Predicate)
	assert.Equal(t, p.TotalTimeout, opts.TotalTimeout)
}

func TestPolicy_ReplicaSC(t *testing.T) {
	p := DefaultPolicy()
	p.ReadModeSC = protocol.ReadModeSCSession
	assert.Equal(t, cluster.ReplicaMaster, p.replicaSC())

	p.ReadModeSC = protocol.ReadModeSCLinearize
	p.Replica = cluster.ReplicaPreferRack
	assert.Equal(t, cluster.ReplicaSequence, p.replicaSC())
}
