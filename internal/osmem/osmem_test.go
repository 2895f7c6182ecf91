package osmem_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/goheap/internal/osmem"
)

const testAlign = 1 << 21

func TestReserveCommitRelease(t *testing.T) {
	addr := osmem.Reserve(0, 0, testAlign, testAlign)
	require.NotZero(t, addr)
	defer osmem.Release(addr, testAlign)

	assert.Zero(t, addr&(testAlign-1), "reservation not aligned")

	require.True(t, osmem.Commit(addr, osmem.CommitPageSize))

	p := (*uint64)(unsafe.Pointer(addr)) //nolint:govet
	*p = 0xDEADBEEF
	assert.Equal(t, uint64(0xDEADBEEF), *p)

	require.True(t, osmem.Decommit(addr, osmem.CommitPageSize))
	require.True(t, osmem.Commit(addr, osmem.CommitPageSize))
	assert.Zero(t, *p, "decommitted page kept its contents")
}

func TestEnumerateZones(t *testing.T) {
	addr := osmem.Reserve(0, 0, testAlign, testAlign)
	require.NotZero(t, addr)
	defer osmem.Release(addr, testAlign)

	require.True(t, osmem.Commit(addr, osmem.CommitPageSize))
	// Touch the page so it shows up as a committed mapping.
	*(*byte)(unsafe.Pointer(addr)) = 1 //nolint:govet

	var states []osmem.ZoneState
	covered := uintptr(0)
	err := osmem.EnumerateZones(addr, addr+testAlign, func(z osmem.Zone) bool {
		states = append(states, z.State)
		covered += z.Size
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, uintptr(testAlign), covered, "zones do not tile the range")
	assert.Contains(t, states, osmem.ZoneCommitted)
	assert.Contains(t, states, osmem.ZoneReserved)
}
