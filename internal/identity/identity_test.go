package identity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binproxy/agent/internal/config"
)

func TestProbe(t *testing.T) {
	info, err := Probe()
	require.NoError(t, err)

	assert.Equal(t, runtime.GOARCH, info.CPUArch)
	assert.NotEmpty(t, info.NodeName)
	assert.Equal(t, config.AgentVersion, info.BinProxyVersion)
	assert.NotEmpty(t, info.OSRelease)
}

func TestNodeID(t *testing.T) {
	info := Info{NodeName: "node-7"}
	assert.Equal(t, "node-7", info.NodeID())
}
