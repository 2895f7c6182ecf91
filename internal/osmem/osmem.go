// Package osmem adapts the platform virtual-memory primitives to the
// reserve/commit/decommit/release cycle the region space runs on.
//
// Reservations only claim address space; a page costs physical memory once
// it is committed. The adapter models that split directly: reserved memory
// is unreadable until Commit makes it usable, and Decommit both returns the
// pages to the OS and makes the range unreadable again.
package osmem

// CommitPageSizeL2 is the log2 of the commit granularity. Every commit and
// decommit is rounded to this unit.
const CommitPageSizeL2 = 12

// CommitPageSize is the commit granularity in bytes.
const CommitPageSize = 1 << CommitPageSizeL2

// ZoneState describes one range of the virtual address space.
type ZoneState uint8

const (
	ZoneFree ZoneState = iota
	ZoneReserved
	ZoneCommitted
	ZoneOutOfMemory
)

// Zone is one maximal run of address space in a single state.
type Zone struct {
	Address uintptr
	Size    uintptr
	State   ZoneState
}

// Reserve claims size bytes of address space aligned to align, preferring
// addresses at or above hint and below limit. The returned range is
// inaccessible until committed. Returns 0 when the platform is out of
// address space.
//
// align must be a power of two. When the platform allocator hands back a
// misaligned range, the adapter releases it and re-reserves with enough
// slack to trim to alignment.
func Reserve(hint, limit, size, align uintptr) uintptr {
	return reserve(hint, limit, size, align)
}

// Commit makes [addr, addr+size) readable and writable, backing it with
// physical pages on first touch.
func Commit(addr, size uintptr) bool {
	return commit(addr, pageCeil(size))
}

// Decommit returns the physical pages behind [addr, addr+size) to the OS
// and makes the range inaccessible. The address space stays reserved.
func Decommit(addr, size uintptr) bool {
	return decommit(addr, pageCeil(size))
}

// Release unreserves [addr, addr+size). The range must be a whole
// reservation or an aligned tail of one.
func Release(addr, size uintptr) bool {
	return release(addr, size)
}

// EnumerateZones yields the state of the address space between start and
// end as maximal single-state runs. It returns early when fn returns false.
func EnumerateZones(start, end uintptr, fn func(Zone) bool) error {
	return enumerateZones(start, end, fn)
}

func pageCeil(size uintptr) uintptr {
	return (size + CommitPageSize - 1) &^ uintptr(CommitPageSize-1)
}
