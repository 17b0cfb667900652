package lrm

import (
	"testing"

	"github.com/cuemby/hostingd/pkg/hostingerrors"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterServicePackage_Overcommit(t *testing.T) {
	m := NewManager(Capacity{CPUCores: 4})

	require.NoError(t, m.RegisterServicePackage("sp1", types.ResourceGovernanceDescription{CPUCores: 3}))

	err := m.RegisterServicePackage("sp2", types.ResourceGovernanceDescription{CPUCores: 2})
	require.Error(t, err)
	assert.True(t, hostingerrors.Is(err, hostingerrors.CodeNotEnoughCPUForServicePackage))

	require.NoError(t, m.UnregisterServicePackage("sp1"))
	require.NoError(t, m.RegisterServicePackage("sp2", types.ResourceGovernanceDescription{CPUCores: 2}))
}

func TestRegisterServicePackage_IdempotentReregister(t *testing.T) {
	m := NewManager(Capacity{CPUCores: 4})
	rg := types.ResourceGovernanceDescription{CPUCores: 2}

	require.NoError(t, m.RegisterServicePackage("sp1", rg))
	require.NoError(t, m.RegisterServicePackage("sp1", rg))

	assert.Equal(t, int64(2*CPUCorrectionFactor), m.UsedCoresScaled())
}

func TestRegisterServicePackage_ConflictingReregister(t *testing.T) {
	m := NewManager(Capacity{CPUCores: 4})

	require.NoError(t, m.RegisterServicePackage("sp1", types.ResourceGovernanceDescription{CPUCores: 2}))
	err := m.RegisterServicePackage("sp1", types.ResourceGovernanceDescription{CPUCores: 3})
	require.Error(t, err)
}

func TestRegisterServicePackage_ExactBoundary(t *testing.T) {
	m := NewManager(Capacity{CPUCores: 4})

	require.NoError(t, m.RegisterServicePackage("sp1", types.ResourceGovernanceDescription{CPUCores: 3}))
	// exactly available - used must succeed
	require.NoError(t, m.RegisterServicePackage("sp2", types.ResourceGovernanceDescription{CPUCores: 1}))

	require.NoError(t, m.UnregisterServicePackage("sp2"))
	// one unit over must fail
	err := m.RegisterServicePackage("sp3", types.ResourceGovernanceDescription{CPUCores: 1.000001})
	require.Error(t, err)
}

func TestCPUShareFraction_ProportionalShares(t *testing.T) {
	siblings := []types.ResourceGovernanceDescription{
		{CPUShares: 100},
		{CPUShares: 300},
	}
	fraction := CPUShareFraction(siblings[0], siblings)
	assert.InDelta(t, 0.25, fraction, 0.0001)
}

func TestCPUShareFraction_EvenSplitWhenUnspecified(t *testing.T) {
	siblings := []types.ResourceGovernanceDescription{{}, {}, {}}
	fraction := CPUShareFraction(siblings[0], siblings)
	assert.InDelta(t, 1.0/3.0, fraction, 0.0001)
}
