package layouts_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/goheap/pkg/layouts"
)

func TestTableShape(t *testing.T) {
	require.Equal(t, layouts.Count, len(layouts.LayoutInfos))
	require.Equal(t, layouts.Count, len(layouts.LayoutBases))
	require.Equal(t, layouts.Count, len(layouts.LayoutMasks))
	require.Equal(t, uint8(layouts.Count-1), layouts.Huge)
	assert.Greater(t, layouts.Count, 48)
	assert.LessOrEqual(t, layouts.Count, 0x80)
}

func TestLayoutInvariants(t *testing.T) {
	for l := 0; l < int(layouts.Huge); l++ {
		infos := layouts.LayoutInfos[l]
		base := layouts.LayoutBases[l]
		count := uintptr(infos.RegionObjects)
		size := uintptr(base.Multiplier)

		assert.LessOrEqual(t, count, uintptr(64), "layout %d", l)
		assert.LessOrEqual(t,
			layouts.HeadSize+count*size, uintptr(1)<<infos.RegionSizeL2,
			"layout %d overflows its region", l)

		if count == 64 {
			assert.Equal(t, ^uint64(0), layouts.LayoutMasks[l], "layout %d", l)
		} else {
			assert.Equal(t, uint64(1)<<count-1, layouts.LayoutMasks[l], "layout %d", l)
		}

		tmpl := layouts.Templates[infos.RegionTemplate]
		assert.Equal(t, infos.RegionSizeL2, tmpl.RegionSizeL2, "layout %d", l)
		assert.Equal(t, infos.RegionSizingID, tmpl.RegionSizingID, "layout %d", l)
	}
}

func TestForSizeMonotone(t *testing.T) {
	prev := uint8(0)
	for size := uintptr(1); size < layouts.LargeSizeLimit; size++ {
		l := layouts.ForSize(size)
		require.GreaterOrEqual(t, l, prev, "size %d", size)
		if l != layouts.Huge {
			// The chosen layout fits, and no earlier layout does.
			require.LessOrEqual(t, size, uintptr(layouts.LayoutBases[l].Multiplier), "size %d", size)
			if l > 0 {
				require.Greater(t, size, uintptr(layouts.LayoutBases[l-1].Multiplier), "size %d", size)
			}
		}
		prev = l
	}
}

func TestForSizeBoundaries(t *testing.T) {
	for _, tt := range []struct {
		size uintptr
		want uintptr // object size of the chosen layout, 0 for huge
	}{
		{1, 16},
		{16, 16},
		{17, 32},
		{40, 48},
		{48, 48},
		{49, 64},
		{2047, 2048},
		{2048, 2048},
		{2049, 2560},
		{1 << 16, 1 << 16},
		{1<<16 + 1, 5 << 14},
	} {
		l := layouts.ForSize(tt.size)
		require.NotEqual(t, layouts.Huge, l, "size %d", tt.size)
		assert.Equal(t, tt.want, layouts.ObjectSize(l), "size %d", tt.size)
	}

	assert.Equal(t, layouts.Huge, layouts.ForSize(layouts.LargeSizeLimit))
	assert.Equal(t, layouts.Huge, layouts.ForSize(1<<30))
}

func TestDividerRoundTrip(t *testing.T) {
	for l := 0; l < int(layouts.Huge); l++ {
		base := layouts.LayoutBases[l]
		count := uintptr(layouts.LayoutInfos[l].RegionObjects)
		for i := uintptr(0); i < count; i++ {
			offset := base.ObjectOffset(i)
			require.Equal(t, i, base.ObjectIndex(offset), "layout %d slot %d", l, i)
			require.Equal(t, i, base.ObjectIndex(offset+8), "layout %d slot %d payload", l, i)
		}
	}
}

func TestSizingWindowCoversObjects(t *testing.T) {
	for l := 0; l < int(layouts.Huge); l++ {
		infos := layouts.LayoutInfos[l]
		used := layouts.HeadSize + uintptr(infos.RegionObjects)*layouts.ObjectSize(uint8(l))
		assert.GreaterOrEqual(t,
			layouts.SizingCommitted(infos.RegionSizeL2, infos.RegionSizingID), used,
			"layout %d", l)
	}
}
