// Package space manages the process virtual address space of the allocator.
//
// The space is carved into fixed-size arenas, each holding regions of one
// power-of-two size (its segmentation). A process-wide arena map translates
// any address into the owning arena descriptor in one load; per-segmentation
// class pools hand out regions and recycle them through free caches; a buddy
// allocator embedded in a dedicated arena carries all management structures.
// A physical-byte budget bounds how much of the reserved space may be
// committed at any time.
package space

import "github.com/flier/goheap/internal/osmem"

// Address geometry. An address splits into an arena id (bits above the
// arena size) and a position within the arena; the region id is the
// position shifted by the arena's segmentation.
const (
	PageSizeL2 = 16
	PageSize   = 1 << PageSizeL2

	ArenaSizeL2 = 32
	ArenaSize   = 1 << ArenaSizeL2

	SpaceSizeL2 = 40
	SpaceSize   = 1 << SpaceSizeL2

	// ArenaPerSpace sizes the arena map. Arena ids carry 24 bits, which
	// covers every address the platform can hand out below 2^56.
	ArenaPerSpace = 1 << 24

	// GranularityL2 is the width metric of region headers: a region of w
	// granules occupies w << GranularityL2 committed bytes.
	GranularityL2 = osmem.CommitPageSizeL2
)

// Address is a location inside the managed space.
type Address uintptr

// ArenaID returns the index of the arena containing the address.
func (a Address) ArenaID() uint32 {
	return uint32(a >> ArenaSizeL2)
}

// Position returns the offset of the address within its arena.
func (a Address) Position() uintptr {
	return uintptr(a) & (ArenaSize - 1)
}

// RegionID returns the index of the region containing the address within an
// arena of the given segmentation.
func (a Address) RegionID(segmentation uint8) uintptr {
	return a.Position() >> segmentation
}

// RegionBase returns the base address of the region containing the address.
func (a Address) RegionBase(segmentation uint8) Address {
	return a &^ (1<<segmentation - 1)
}
