package space_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/goheap/pkg/space"
)

// The arena slot scan rolls forward past the last claim and wraps, so a
// released slot behind the scan position is found again on the next lap.
// A 2^30 segmentation gives four slots per arena: claiming all four brings
// the scan position back to slot 0.
func TestArenaScanWrapsToReleasedSlot(t *testing.T) {
	s := space.Get()

	var addrs [4]uintptr
	for i := range addrs {
		addr, err := s.AllocateRegion(false, 30, space.RegionClass(7), 0, nil)
		require.NoError(t, err)
		addrs[i] = addr
	}

	arenaID := space.Address(addrs[1]).ArenaID()
	arena := s.ArenaAt(arenaID).Descriptor()
	require.NoError(t, s.ReleaseRegion(addrs[1], 30, 0))

	again, err := s.AllocateRegion(false, 30, space.RegionClass(7), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, addrs[1], again, "released slot not rediscovered by the wrap-around scan")
	assert.Equal(t, space.RegionClass(7), arena.Regions()[space.Address(again).RegionID(30)])

	for _, addr := range []uintptr{addrs[0], addrs[2], addrs[3], again} {
		require.NoError(t, s.ReleaseRegion(addr, 30, 0))
	}
}
