package space

import (
	"sync/atomic"
	"unsafe"

	"github.com/flier/goheap/pkg/xmem"
)

// RegionClass is the one-byte tag an arena keeps per region slot. Values up
// to ObjectRegionMax are object layout ids; the values above are the
// management states.
type RegionClass uint8

const (
	// ObjectRegionMax is the largest region class that still names an
	// object layout.
	ObjectRegionMax RegionClass = 0x7F

	// DescriptorHeapRegion marks the region backing the descriptor
	// allocator.
	DescriptorHeapRegion RegionClass = 0xFC

	// BufferRegion marks a region holding one raw buffer (large object).
	BufferRegion RegionClass = 0xFD

	// FreeCachedRegion marks a region sitting in a sizing cache: unused,
	// but still committed and owned by its class pool.
	FreeCachedRegion RegionClass = 0xFE

	// FreeRegion marks a never-used or fully released region slot.
	FreeRegion RegionClass = 0xFF
)

// IsFree reports whether the slot can be handed out by the arena scan.
func (c RegionClass) IsFree() bool { return c == FreeRegion }

// IsObjectRegion reports whether the slot holds an object region.
func (c RegionClass) IsObjectRegion() bool { return c <= ObjectRegionMax }

// Label returns a diagnostic name for the class.
func (c RegionClass) Label() string {
	switch {
	case c.IsObjectRegion():
		return "ObjectRegion"
	case c == BufferRegion:
		return "BufferRegion"
	case c == DescriptorHeapRegion:
		return "DescriptorHeapRegion"
	case c == FreeRegion:
		return "FreeRegion"
	case c == FreeCachedRegion:
		return "FreeCachedRegion"
	default:
		return "(UnknownRegion)"
	}
}

// Arena is the descriptor of one reserved arena. It lives in memory served
// by the descriptor allocator; the per-region class bytes follow the header
// directly.
//
// availablesCount counts exactly the FreeRegion slots. scanPosition rolls
// forward across slot searches so that the bounded linear scan amortizes.
type Arena struct {
	segmentation    uint8
	managed         bool
	_               [2]byte
	index           uint32
	availablesCount atomic.Uint32
	scanPosition    uint32
	next            xmem.Addr[Arena]
}

const arenaHeaderSize = unsafe.Sizeof(Arena{})

func arenaDescriptorSize(segmentation uint8) uintptr {
	return arenaHeaderSize + ArenaSize>>segmentation
}

func initArenaAt(at uintptr, segmentation uint8, managed bool, arenaID uint32) *Arena {
	a := (*Arena)(unsafe.Pointer(at)) //nolint:govet
	a.segmentation = segmentation
	a.managed = managed
	a.index = arenaID
	a.availablesCount.Store(uint32(uint64(ArenaSize) >> segmentation))
	a.scanPosition = 0
	a.next = 0
	for i := range a.Regions() {
		a.Regions()[i] = FreeRegion
	}
	return a
}

// Segmentation returns the log2 of the arena's region size.
func (a *Arena) Segmentation() uint8 { return a.segmentation }

// Managed reports whether the arena belongs to the managed kind.
func (a *Arena) Managed() bool { return a.managed }

// Index returns the arena id.
func (a *Arena) Index() uint32 { return a.index }

// RegionCount returns the number of region slots in the arena.
func (a *Arena) RegionCount() uintptr {
	return ArenaSize >> a.segmentation
}

// Regions returns the per-slot class bytes.
func (a *Arena) Regions() []RegionClass {
	base := unsafe.Add(unsafe.Pointer(a), arenaHeaderSize)
	return unsafe.Slice((*RegionClass)(base), a.RegionCount())
}

// Base returns the first address of the arena.
func (a *Arena) Base() Address {
	return Address(uintptr(a.index) << ArenaSizeL2)
}

// findFreeSlot runs the bounded linear scan from the rolling scan position
// and claims the first FreeRegion slot it meets, tagging it with class.
// Returns the slot index, or -1 when the arena is full. The caller holds
// the class pool lock.
func (a *Arena) findFreeSlot(class RegionClass) int {
	regions := a.Regions()
	count := uintptr(len(regions))
	scan := uintptr(a.scanPosition)
	for c := uintptr(0); c < count; c++ {
		index := scan
		if scan++; scan >= count {
			scan = 0
		}
		if regions[index].IsFree() {
			regions[index] = class
			a.scanPosition = uint32(scan)
			return int(index)
		}
	}
	return -1
}

// ArenaEntry is one slot of the process-wide arena map: the descriptor
// address packed with the segmentation and the managed flag. A zero entry
// means the arena id is unused. Entries are written once and only ever
// read with an atomic load afterwards.
type ArenaEntry uint64

func makeArenaEntry(a *Arena) ArenaEntry {
	e := ArenaEntry(uintptr(unsafe.Pointer(a)))<<16 |
		ArenaEntry(a.segmentation)
	if a.managed {
		e |= 1 << 8
	}
	return e
}

// IsNil reports whether the entry names no arena.
func (e ArenaEntry) IsNil() bool { return e == 0 }

// Segmentation returns the arena's region size log2.
func (e ArenaEntry) Segmentation() uint8 { return uint8(e) }

// Managed reports the arena kind.
func (e ArenaEntry) Managed() bool { return e&(1<<8) != 0 }

// Descriptor returns the arena descriptor.
func (e ArenaEntry) Descriptor() *Arena {
	return (*Arena)(unsafe.Pointer(uintptr(e >> 16))) //nolint:govet
}
