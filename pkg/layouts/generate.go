package layouts

import (
	"fmt"
	"math/bits"
)

// The layout list is generated from the canonical size series 16, 32, 48,
// then {4,5,6,7}·2^k: every size is a multiple of 16, consecutive sizes
// within an octave differ by a quarter of it.
//
// The slot count of a layout is bounded three ways: by the 64-bit
// availability bitmap, by the region capacity, and by the exactness of the
// 16.16 reciprocal, which must recover the slot index from both the object
// base offset and the payload offset 8 bytes in. Sizes whose reciprocal
// carries a large rounding error simply get fewer slots per region.

const payloadOffset = 8

func init() {
	generate()
	buildLookupTables()
	checkTables()
}

func generate() {
	for _, size := range sizeSeries() {
		addPooledLayout(size)
	}

	// The huge layout closes the table: one object per region, region
	// sized to the request, no recycling through the pools.
	LayoutInfos = append(LayoutInfos, Infos{
		RegionObjects: 1,
		Policy:        Large,
		Retention:     Retention{ListLength: 1, HeapCount: 1, ContextCount: 1},
	})
	LayoutBases = append(LayoutBases, Base{})
	LayoutMasks = append(LayoutMasks, 1)

	Count = len(LayoutInfos)
	Huge = uint8(Count - 1)
	if Count > 0x80 {
		panic("layouts: table overflows the region class byte")
	}
}

// sizeSeries returns the pooled object sizes in increasing order.
func sizeSeries() []uintptr {
	sizes := []uintptr{16, 32, 48}
	for k := uint(4); ; k++ {
		for _, m := range [4]uintptr{4, 5, 6, 7} {
			size := m << k
			if size < 64 {
				continue
			}
			if size >= LargeSizeLimit+LargeSizeLimit/4 {
				return sizes
			}
			if size <= LargeSizeLimit {
				sizes = append(sizes, size)
			}
		}
	}
}

func addPooledLayout(size uintptr) {
	count := uintptr(ObjectsPerRegionMax)
	divider := uintptr(0)

	if size < MediumSizeLimit {
		divider = (1<<16 + size - 1) / size
		count = min(count, maxExactIndex(size, divider)+1)
	} else {
		// The 16.16 reciprocal cannot discriminate strides above the
		// medium limit; these layouts hold a single object and decode
		// every in-region offset to slot 0.
		count = 1
	}

	// Size the region for the slots, then re-cap the slots to what the
	// region really holds.
	sizeL2 := log2Ceil(HeadSize + count*size)
	sizeL2 = min(max(sizeL2, regionSizeL2Min), regionSizeL2Max)
	count = min(count, (uintptr(1)<<sizeL2-HeadSize)/size)
	if count == 0 {
		panic(fmt.Sprintf("layouts: size %d does not fit a region", size))
	}

	used := HeadSize + count*size
	sizingID := uint8(0)
	for s := uint8(3); s > 0; s-- {
		if SizingCommitted(uint8(sizeL2), s) >= used {
			sizingID = s
			break
		}
	}

	policy := Small
	if sizeL2 > regionSizeL2Min || count == 1 {
		policy = Medium
	}

	LayoutInfos = append(LayoutInfos, Infos{
		RegionObjects:  uint8(count),
		RegionTemplate: templateID(uint8(sizeL2), sizingID),
		RegionSizeL2:   uint8(sizeL2),
		RegionSizingID: sizingID,
		Policy:         policy,
		Retention: Retention{
			ListLength:   uint32(min(max(4096/size, 1), 64)),
			HeapCount:    2,
			ContextCount: 1,
		},
	})
	LayoutBases = append(LayoutBases, Base{
		Divider:    uint32(divider),
		Multiplier: uint32(size),
	})
	mask := ^uint64(0)
	if count < 64 {
		mask = uint64(1)<<count - 1
	}
	LayoutMasks = append(LayoutMasks, mask)
}

// maxExactIndex returns the largest index the divider decodes exactly from
// both the slot base and the payload offset.
func maxExactIndex(size, divider uintptr) uintptr {
	last := uintptr(0)
	for i := uintptr(0); i < ObjectsPerRegionMax; i++ {
		base := i * size
		if base*divider>>16 != i || (base+payloadOffset)*divider>>16 != i {
			break
		}
		last = i
	}
	return last
}

func templateID(sizeL2, sizingID uint8) uint8 {
	for i, t := range Templates {
		if t.RegionSizeL2 == sizeL2 && t.RegionSizingID == sizingID {
			return uint8(i)
		}
	}
	Templates = append(Templates, Template{RegionSizeL2: sizeL2, RegionSizingID: sizingID})
	return uint8(len(Templates) - 1)
}

// smallestFitting returns the first layout whose objects hold size bytes.
func smallestFitting(size uintptr) uint8 {
	for l := 0; l < int(Huge); l++ {
		if uintptr(LayoutBases[l].Multiplier) >= size {
			return uint8(l)
		}
	}
	return Huge
}

func buildLookupTables() {
	for i := range smallLayouts {
		smallLayouts[i] = smallestFitting(uintptr(i) * smallSizeStep)
	}
	for j := SmallSizeLimit / mediumSizeStep; j < RangeSizeCount; j++ {
		mediumLayouts[j] = rangeBin{
			min: smallestFitting(uintptr(j) * mediumSizeStep),
			max: smallestFitting(uintptr(j+1)*mediumSizeStep - 1),
		}
	}
	for j := MediumSizeLimit / largeSizeStep; j < RangeSizeCount; j++ {
		largeLayouts[j] = rangeBin{
			min: smallestFitting(uintptr(j) * largeSizeStep),
			max: smallestFitting(uintptr(j+1)*largeSizeStep - 1),
		}
	}
}

// checkTables asserts the structural invariants the heap builds on. They
// hold by construction; a panic here means the generator regressed.
func checkTables() {
	prevMultiplier := uintptr(0)
	for l := 0; l < int(Huge); l++ {
		infos, base := LayoutInfos[l], LayoutBases[l]
		size := uintptr(base.Multiplier)
		count := uintptr(infos.RegionObjects)

		if size <= prevMultiplier {
			panic("layouts: object sizes not increasing")
		}
		prevMultiplier = size

		if count == 0 || count > ObjectsPerRegionMax {
			panic("layouts: bad region object count")
		}
		if HeadSize+count*size > uintptr(1)<<infos.RegionSizeL2 {
			panic("layouts: objects overflow the region")
		}
		if SizingCommitted(infos.RegionSizeL2, infos.RegionSizingID) < HeadSize+count*size {
			panic("layouts: sizing window does not cover the objects")
		}
		if count == 64 && LayoutMasks[l] != ^uint64(0) {
			panic("layouts: bad full mask")
		}
		if count < 64 && LayoutMasks[l] != uint64(1)<<count-1 {
			panic("layouts: bad availability mask")
		}

		for i := uintptr(0); i < count; i++ {
			offset := base.ObjectOffset(i)
			if base.ObjectIndex(offset) != i && count > 1 {
				panic("layouts: divider does not invert the base offset")
			}
			if base.ObjectIndex(offset+payloadOffset) != i && count > 1 {
				panic("layouts: divider does not invert the payload offset")
			}
		}
	}

	// The size→layout map must be monotone and tight.
	prev := uint8(0)
	for size := uintptr(1); size < LargeSizeLimit; size += 16 {
		l := ForSize(size)
		if l < prev {
			panic("layouts: size map not monotone")
		}
		if l != Huge {
			if size > uintptr(LayoutBases[l].Multiplier) {
				panic("layouts: size map picks a too-small layout")
			}
			if l > 0 && size <= uintptr(LayoutBases[l-1].Multiplier) {
				panic("layouts: size map skips a fitting layout")
			}
		}
		prev = l
	}
}

func log2Ceil(v uintptr) int {
	if v <= 1 {
		return 0
	}
	return bits.Len64(uint64(v - 1))
}
