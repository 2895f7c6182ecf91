package heap

import (
	"github.com/flier/goheap/pkg/layouts"
	"github.com/flier/goheap/pkg/space"
)

// The layout generator sizes its commit windows with its own copy of the
// region-space sizing fractions; the two tables must never drift apart.
func init() {
	for sizeL2 := uint8(space.PageSizeL2); sizeL2 <= space.ArenaSizeL2; sizeL2++ {
		for s := uint8(0); s < space.SizingCount; s++ {
			if layouts.SizingCommitted(sizeL2, s) != space.RegionSizings[sizeL2].Sizings[s].CommittedSize {
				panic("heap: layout sizing table disagrees with the region space")
			}
		}
	}
}
