package sysinfo

import (
	"testing"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsedFraction(t *testing.T) {
	used, err := UsedFraction(&mem.VirtualMemoryStat{Total: 16000, Available: 4000, UsedPercent: 75})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, used, 1e-9)

	used, err = UsedFraction(&mem.VirtualMemoryStat{Total: 100, UsedPercent: 120})
	require.NoError(t, err)
	assert.Equal(t, 1.0, used)
}

func TestUsedFraction_Empty(t *testing.T) {
	_, err := UsedFraction(nil)
	assert.Error(t, err)

	_, err = UsedFraction(&mem.VirtualMemoryStat{})
	assert.Error(t, err)
}

func TestMemoryUsedFraction(t *testing.T) {
	used, err := MemoryUsedFraction()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, 0.0)
	assert.LessOrEqual(t, used, 1.0)
}
