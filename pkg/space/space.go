package space

import (
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/internal/osmem"
	"github.com/flier/goheap/pkg/xmem"
)

// DefaultMaxUsablePhysicalBytes is the initial physical-byte budget.
const DefaultMaxUsablePhysicalBytes = uintptr(1) << 34

// reserveLimit caps reservations so that every arena id fits the 24 bits
// the arena map indexes with.
const reserveLimit = uintptr(1) << 56

// Space is the process-wide region space. There is exactly one, created
// lazily by Get.
type Space struct {
	usedPhysicalBytes      atomic.Int64
	maxUsablePhysicalBytes atomic.Int64

	arenaMapBase uintptr

	arenasMu sync.Mutex
	arenaIDs []uint32

	// Descriptors is the buddy allocator embedded in the space's first
	// arena; all management structures live there.
	Descriptors DescriptorAllocator

	unmanaged [ArenaSizeL2 + 1]ArenaClassPool
	managed   [ArenaSizeL2 + 1]ArenaClassPool
}

var (
	initOnce sync.Once
	instance *Space
)

// Get returns the process space, initializing it on first use.
func Get() *Space {
	initOnce.Do(func() {
		s := new(Space)
		if !s.initialize() {
			panic(ErrMissingMemory)
		}
		instance = s
	})
	return instance
}

func (s *Space) initialize() bool {
	s.maxUsablePhysicalBytes.Store(int64(DefaultMaxUsablePhysicalBytes))

	// The arena map is reserved in one shot; pages materialize on first
	// touch.
	mapSize := uintptr(ArenaPerSpace) * unsafe.Sizeof(ArenaEntry(0))
	s.arenaMapBase = osmem.Reserve(0, reserveLimit, mapSize, PageSize)
	if s.arenaMapBase == 0 || !osmem.Commit(s.arenaMapBase, mapSize) {
		return false
	}

	// The descriptor allocator owns the space's first arena.
	base := s.ReserveArena()
	if base == 0 {
		return false
	}
	if !s.Descriptors.initialize(uintptr(base)) {
		return false
	}
	descSizeL2 := xmem.Log2Ceil(arenaDescriptorSize(ArenaSizeL2))
	at := s.Descriptors.Allocate(descSizeL2, descSizeL2)
	if at == 0 {
		return false
	}
	arena := initArenaAt(at, ArenaSizeL2, false, base.ArenaID())
	arena.availablesCount.Store(0)
	arena.Regions()[0] = DescriptorHeapRegion
	s.setArenaEntry(base.ArenaID(), makeArenaEntry(arena))

	for sizeL2 := PageSizeL2; sizeL2 <= ArenaSizeL2; sizeL2++ {
		s.unmanaged[sizeL2].initialize(s, uint8(sizeL2), false)
		s.managed[sizeL2].initialize(s, uint8(sizeL2), true)
	}
	return true
}

// ReserveArena claims one arena-aligned, arena-sized range of address
// space. Candidate ranges containing already-committed zones are rejected.
func (s *Space) ReserveArena() Address {
	for attempt := 0; attempt < 4; attempt++ {
		base := osmem.Reserve(0, reserveLimit, ArenaSize, ArenaSize)
		if base == 0 {
			return 0
		}
		occupied := false
		_ = osmem.EnumerateZones(base, base+ArenaSize, func(z osmem.Zone) bool {
			occupied = z.State == osmem.ZoneCommitted
			return !occupied
		})
		if !occupied {
			return Address(base)
		}
		osmem.Release(base, ArenaSize)
	}
	return 0
}

func (s *Space) arenaEntryAt(arenaID uint32) *uint64 {
	at := s.arenaMapBase + uintptr(arenaID)*unsafe.Sizeof(ArenaEntry(0))
	return (*uint64)(unsafe.Pointer(at)) //nolint:govet
}

// ArenaAt returns the map entry of the given arena id.
func (s *Space) ArenaAt(arenaID uint32) ArenaEntry {
	if arenaID >= ArenaPerSpace {
		return 0
	}
	return ArenaEntry(atomic.LoadUint64(s.arenaEntryAt(arenaID)))
}

func (s *Space) setArenaEntry(arenaID uint32, entry ArenaEntry) {
	atomic.StoreUint64(s.arenaEntryAt(arenaID), uint64(entry))

	s.arenasMu.Lock()
	s.arenaIDs = append(s.arenaIDs, arenaID)
	s.arenasMu.Unlock()
}

// ArenaIDs returns a snapshot of the known arena ids in address order.
func (s *Space) ArenaIDs() []uint32 {
	s.arenasMu.Lock()
	ids := append([]uint32(nil), s.arenaIDs...)
	s.arenasMu.Unlock()
	slices.Sort(ids)
	return ids
}

// newArena reserves a fresh arena of the given segmentation, allocates its
// descriptor and publishes it in the arena map.
func (s *Space) newArena(sizeL2 uint8, managed bool) (*Arena, error) {
	base := s.ReserveArena()
	if base == 0 {
		return nil, ErrMissingMemory
	}
	descSizeL2 := xmem.Log2Ceil(arenaDescriptorSize(sizeL2))
	at := s.Descriptors.Allocate(descSizeL2, descSizeL2)
	if at == 0 {
		osmem.Release(uintptr(base), ArenaSize)
		return nil, ErrMissingMemory
	}
	arena := initArenaAt(at, sizeL2, managed, base.ArenaID())
	s.setArenaEntry(base.ArenaID(), makeArenaEntry(arena))
	debug.Log(nil, "new-arena", "id=%#x sizeL2=%d managed=%v", base.ArenaID(), sizeL2, managed)
	return arena, nil
}

// RequirePhysicalBytes charges size bytes against the budget. When the
// budget is exhausted it gives the consumer one chance to free memory and
// re-checks; on failure the charge is rolled back.
func (s *Space) RequirePhysicalBytes(size uintptr, consumer Consumer) bool {
	max := s.maxUsablePhysicalBytes.Load()
	if s.usedPhysicalBytes.Add(int64(size)) > max {
		if consumer != nil {
			consumer.RescueStarvingSituation(size)
		}
		if s.usedPhysicalBytes.Load() > s.maxUsablePhysicalBytes.Load() {
			s.usedPhysicalBytes.Add(-int64(size))
			return false
		}
	}
	return true
}

// ReleasePhysicalBytes returns size bytes to the budget.
func (s *Space) ReleasePhysicalBytes(size uintptr) {
	s.usedPhysicalBytes.Add(-int64(size))
}

// UsedPhysicalBytes returns the committed-byte counter.
func (s *Space) UsedPhysicalBytes() uintptr {
	return uintptr(s.usedPhysicalBytes.Load())
}

// MaxUsablePhysicalBytes returns the budget.
func (s *Space) MaxUsablePhysicalBytes() uintptr {
	return uintptr(s.maxUsablePhysicalBytes.Load())
}

// SetMaxUsablePhysicalBytes replaces the budget.
func (s *Space) SetMaxUsablePhysicalBytes(size uintptr) {
	s.maxUsablePhysicalBytes.Store(int64(size))
}

func (s *Space) pools(managed bool) *[ArenaSizeL2 + 1]ArenaClassPool {
	if managed {
		return &s.managed
	}
	return &s.unmanaged
}

// Pool returns the class pool of one segmentation and arena kind.
func (s *Space) Pool(managed bool, sizeL2 uint8) *ArenaClassPool {
	return &s.pools(managed)[sizeL2]
}

// AllocateRegion allocates one region of 2^sizeL2 bytes tagged with class,
// committed per sizingID.
func (s *Space) AllocateRegion(managed bool, sizeL2 uint8, class RegionClass, sizingID uint8, consumer Consumer) (uintptr, error) {
	return s.Pool(managed, sizeL2).AllocateRegion(class, sizingID, consumer)
}

// AllocateRegionEx allocates a region committed to exactly the pages size
// needs, in the smallest power-of-two region class that fits, tagged with
// class.
func (s *Space) AllocateRegionEx(managed bool, class RegionClass, size uintptr, consumer Consumer) (uintptr, uintptr, error) {
	sizeL2 := xmem.Log2Ceil(size)
	if sizeL2 < PageSizeL2 {
		sizeL2 = PageSizeL2
	}
	return s.Pool(managed, uint8(sizeL2)).AllocateRegionEx(class, size, consumer)
}

// DisposeRegion recycles a region previously returned by AllocateRegion.
func (s *Space) DisposeRegion(addr uintptr, sizeL2, sizingID uint8) error {
	entry := s.ArenaAt(Address(addr).ArenaID())
	if entry.IsNil() || entry.Segmentation() != sizeL2 {
		return ErrWrongSegmentation
	}
	return s.Pool(entry.Managed(), sizeL2).DisposeRegion(addr, sizingID)
}

// DisposeRegionEx recycles a buffer region committed for size bytes.
func (s *Space) DisposeRegionEx(addr, size uintptr) error {
	entry := s.ArenaAt(Address(addr).ArenaID())
	if entry.IsNil() {
		return ErrWrongSegmentation
	}
	return s.Pool(entry.Managed(), entry.Segmentation()).DisposeRegionEx(addr, size)
}

// ReleaseRegion decommits a region and frees its arena slot.
func (s *Space) ReleaseRegion(addr uintptr, sizeL2, sizingID uint8) error {
	entry := s.ArenaAt(Address(addr).ArenaID())
	if entry.IsNil() || entry.Segmentation() != sizeL2 {
		return ErrWrongSegmentation
	}
	return s.Pool(entry.Managed(), sizeL2).ReleaseRegion(addr, sizingID)
}

// ReleaseRegionEx decommits a buffer region committed for size bytes and
// frees its arena slot.
func (s *Space) ReleaseRegionEx(addr, size uintptr) error {
	entry := s.ArenaAt(Address(addr).ArenaID())
	if entry.IsNil() {
		return ErrWrongSegmentation
	}
	return s.Pool(entry.Managed(), entry.Segmentation()).ReleaseRegionEx(addr, size)
}

// PerformCleanup flushes every sizing cache back to the arenas.
func (s *Space) PerformCleanup() {
	for sizeL2 := PageSizeL2; sizeL2 <= ArenaSizeL2; sizeL2++ {
		s.unmanaged[sizeL2].Clean()
		s.managed[sizeL2].Clean()
	}
}

// ForEachRegion visits every non-free region slot of every known arena,
// in address order, until the visitor returns false.
func (s *Space) ForEachRegion(visit func(arena *Arena, class RegionClass, addr Address) bool) {
	for _, arenaID := range s.ArenaIDs() {
		entry := s.ArenaAt(arenaID)
		if entry.IsNil() {
			continue
		}
		arena := entry.Descriptor()
		regionSize := uintptr(1) << arena.segmentation
		addr := Address(uintptr(arenaID) << ArenaSizeL2)
		for _, class := range arena.Regions() {
			if class != FreeRegion && class != FreeCachedRegion {
				if !visit(arena, class, addr) {
					return
				}
			}
			addr += Address(regionSize)
		}
	}
}

// Stats is a snapshot of the space bookkeeping.
type Stats struct {
	UsedPhysicalBytes      uintptr
	MaxUsablePhysicalBytes uintptr
	DescriptorsUsedBytes   uintptr
	ArenaMapBytes          uintptr
}

// GetStats returns a snapshot of the space bookkeeping.
func (s *Space) GetStats() Stats {
	return Stats{
		UsedPhysicalBytes:      s.UsedPhysicalBytes(),
		MaxUsablePhysicalBytes: s.MaxUsablePhysicalBytes(),
		DescriptorsUsedBytes:   s.Descriptors.UsedBytes(),
		ArenaMapBytes:          uintptr(ArenaPerSpace) * unsafe.Sizeof(ArenaEntry(0)),
	}
}
