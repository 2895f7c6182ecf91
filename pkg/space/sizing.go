package space

import "github.com/flier/goheap/internal/osmem"

// SizingCount is the number of sizing ids per region class. A sizing id
// selects how much of the region is committed when it is allocated: id 0
// commits the full region, higher ids progressively less, never below one
// commit page.
const SizingCount = 4

// sizingNum holds the committed fraction numerators, in eighths of the
// region size.
var sizingNum = [SizingCount]uintptr{8, 5, 4, 1}

// Sizing is one commit-eagerness level of a region class.
type Sizing struct {
	CommittedPages uint32
	CommittedSize  uintptr
}

// SizingInfos describes the four sizing levels of one region class.
type SizingInfos struct {
	PageSizeL2 uint8
	Sizings    [SizingCount]Sizing
}

// RegionSizings maps a segmentation (region size log2) to its sizing
// levels. Only entries in [PageSizeL2, ArenaSizeL2] are meaningful.
var RegionSizings [ArenaSizeL2 + 1]SizingInfos

func init() {
	for sizeL2 := PageSizeL2; sizeL2 <= ArenaSizeL2; sizeL2++ {
		infos := &RegionSizings[sizeL2]
		infos.PageSizeL2 = osmem.CommitPageSizeL2
		regionPages := uintptr(1) << (sizeL2 - osmem.CommitPageSizeL2)
		for s := 0; s < SizingCount; s++ {
			pages := regionPages * sizingNum[s] / 8
			if pages == 0 {
				pages = 1
			}
			infos.Sizings[s] = Sizing{
				CommittedPages: uint32(pages),
				CommittedSize:  pages << osmem.CommitPageSizeL2,
			}
		}
	}
}

// SizingFor returns the smallest-commit sizing id of the class whose
// committed window still covers used bytes.
func SizingFor(sizeL2 uint8, used uintptr) uint8 {
	sizings := &RegionSizings[sizeL2].Sizings
	for s := SizingCount - 1; s > 0; s-- {
		if sizings[s].CommittedSize >= used {
			return uint8(s)
		}
	}
	return 0
}
