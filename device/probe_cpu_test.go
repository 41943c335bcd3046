package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCPUProbeReportsUnifiedMemory(t *testing.T) {
	info, err := CPUProbe{}.Enumerate()
	require.NoError(t, err)
	require.True(t, info.IsUnifiedMemory)
	require.Equal(t, "cpu", info.Library)
}

func TestCPUProbeWiredIntoProber(t *testing.T) {
	p := NewProber(CPUProbe{})
	caps, err := p.Init()
	require.NoError(t, err)
	require.Equal(t, TierUnified, caps.Tier)
}
