package space

import (
	"sync"
	"unsafe"

	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/internal/osmem"
	"github.com/flier/goheap/pkg/xmem"
)

// regionCacheLimit bounds how many free regions a sizing cache may hold
// before disposes start releasing memory instead.
const regionCacheLimit = 1024

func pageCeil(size uintptr) uintptr {
	return (size + osmem.CommitPageSize - 1) &^ uintptr(osmem.CommitPageSize-1)
}

// regionChain threads a cached free region through its sizing cache, using
// the first word of the still-committed region itself.
type regionChain struct {
	next xmem.Addr[regionChain]
}

// ArenaRegionCache is one lock-protected stack of free regions of a single
// sizing.
type ArenaRegionCache struct {
	mu    sync.Mutex
	head  xmem.Addr[regionChain]
	count int
}

// Len returns the number of cached regions.
func (c *ArenaRegionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Push stacks a free, still-committed region.
func (c *ArenaRegionCache) Push(addr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := (*regionChain)(unsafe.Pointer(addr)) //nolint:govet
	node.next = c.head
	c.head = xmem.AddrOf(node)
	c.count++
}

// Pop unstacks a region, or returns 0.
func (c *ArenaRegionCache) Pop() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head.IsNil() {
		return 0
	}
	node := c.head.Ptr()
	c.head = node.next
	c.count--
	return uintptr(unsafe.Pointer(node))
}

// ArenaClassPool serves regions of one segmentation and arena kind. It
// tracks the arenas of that segmentation that still have free slots, plus
// four sizing caches of recyclable regions.
type ArenaClassPool struct {
	space   *Space
	sizeL2  uint8
	managed bool
	sizings [SizingCount]Sizing
	caches  [SizingCount]ArenaRegionCache

	mu         sync.Mutex
	availables xmem.Addr[Arena]
}

func (p *ArenaClassPool) initialize(s *Space, sizeL2 uint8, managed bool) {
	p.space = s
	p.sizeL2 = sizeL2
	p.managed = managed
	p.sizings = RegionSizings[sizeL2].Sizings
}

// AllocateRegion returns a region tagged with class, with the sizing's
// commit window usable. The cache is tried first; a fresh region charges
// the physical-byte budget and may invoke the consumer's starvation rescue
// once.
func (p *ArenaClassPool) AllocateRegion(class RegionClass, sizingID uint8, consumer Consumer) (uintptr, error) {
	if addr := p.caches[sizingID].Pop(); addr != 0 {
		p.retagCached(addr, class)
		return addr, nil
	}

	committedSize := p.sizings[sizingID].CommittedSize
	if !p.space.RequirePhysicalBytes(committedSize, consumer) {
		// The rescue may have refilled the cache even though the budget
		// stayed tight.
		if addr := p.caches[sizingID].Pop(); addr != 0 {
			p.retagCached(addr, class)
			return addr, nil
		}
		return 0, ErrMissingMemory
	}

	addr, err := p.acquireRegionSlot(class)
	if err != nil {
		p.space.ReleasePhysicalBytes(committedSize)
		return 0, err
	}
	if !osmem.Commit(addr, committedSize) {
		p.space.ReleasePhysicalBytes(committedSize)
		return 0, ErrMissingMemory
	}
	return addr, nil
}

// AllocateRegionEx returns a region committed to exactly the pages needed
// for size bytes, reusing a sizing cache when one matches. It returns the
// region base and the committed byte count.
func (p *ArenaClassPool) AllocateRegionEx(class RegionClass, size uintptr, consumer Consumer) (uintptr, uintptr, error) {
	committedSize := pageCeil(size)
	for s := 0; s < SizingCount; s++ {
		if p.sizings[s].CommittedSize == committedSize {
			addr, err := p.AllocateRegion(class, uint8(s), consumer)
			return addr, committedSize, err
		}
	}
	if !p.space.RequirePhysicalBytes(committedSize, consumer) {
		return 0, 0, ErrMissingMemory
	}
	addr, err := p.acquireRegionSlot(class)
	if err != nil {
		p.space.ReleasePhysicalBytes(committedSize)
		return 0, 0, err
	}
	if !osmem.Commit(addr, committedSize) {
		p.space.ReleasePhysicalBytes(committedSize)
		return 0, 0, ErrMissingMemory
	}
	return addr, committedSize, nil
}

// DisposeRegion recycles a region into its sizing cache, or releases it
// outright once the cache is deep enough.
func (p *ArenaClassPool) DisposeRegion(addr uintptr, sizingID uint8) error {
	if p.caches[sizingID].Len() >= regionCacheLimit {
		return p.ReleaseRegion(addr, sizingID)
	}
	if err := p.cacheRegion(addr, sizingID); err != nil {
		return err
	}
	return nil
}

// DisposeRegionEx recycles a region committed for size bytes.
func (p *ArenaClassPool) DisposeRegionEx(addr, size uintptr) error {
	committedSize := pageCeil(size)
	for s := 0; s < SizingCount; s++ {
		if p.sizings[s].CommittedSize == committedSize {
			return p.DisposeRegion(addr, uint8(s))
		}
	}
	return p.releaseRegion(addr, committedSize)
}

// ReleaseRegion decommits a region's sizing window and frees its arena
// slot.
func (p *ArenaClassPool) ReleaseRegion(addr uintptr, sizingID uint8) error {
	return p.releaseRegion(addr, p.sizings[sizingID].CommittedSize)
}

// ReleaseRegionEx decommits a region committed for size bytes and frees
// its arena slot.
func (p *ArenaClassPool) ReleaseRegionEx(addr, size uintptr) error {
	return p.releaseRegion(addr, pageCeil(size))
}

// Clean releases every cached region back to its arena.
func (p *ArenaClassPool) Clean() {
	for s := range p.caches {
		for {
			addr := p.caches[s].Pop()
			if addr == 0 {
				break
			}
			_ = p.releaseRegion(addr, p.sizings[s].CommittedSize)
		}
	}
}

// retagCached rewrites a cached slot's class byte for its new use.
func (p *ArenaClassPool) retagCached(addr uintptr, class RegionClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	arena := p.space.ArenaAt(Address(addr).ArenaID()).Descriptor()
	arena.Regions()[Address(addr).RegionID(p.sizeL2)] = class
}

func (p *ArenaClassPool) cacheRegion(addr uintptr, sizingID uint8) error {
	loc := Address(addr)
	entry := p.space.ArenaAt(loc.ArenaID())
	if entry.Segmentation() != p.sizeL2 {
		return ErrWrongSegmentation
	}
	if loc.Position()&(uintptr(1)<<p.sizeL2-1) != 0 {
		return ErrMisalignedRegion
	}

	p.mu.Lock()
	arena := entry.Descriptor()
	slot := &arena.Regions()[loc.RegionID(p.sizeL2)]
	if slot.IsFree() {
		p.mu.Unlock()
		return ErrRegionNotLive
	}
	*slot = FreeCachedRegion
	p.mu.Unlock()

	p.caches[sizingID].Push(addr)
	return nil
}

func (p *ArenaClassPool) releaseRegion(addr, committedSize uintptr) error {
	loc := Address(addr)
	entry := p.space.ArenaAt(loc.ArenaID())
	if entry.Segmentation() != p.sizeL2 {
		return ErrWrongSegmentation
	}
	if loc.Position()&(uintptr(1)<<p.sizeL2-1) != 0 {
		return ErrMisalignedRegion
	}

	arena := entry.Descriptor()
	p.mu.Lock()
	slot := &arena.Regions()[loc.RegionID(p.sizeL2)]
	if slot.IsFree() {
		p.mu.Unlock()
		return ErrRegionNotLive
	}
	*slot = FreeCachedRegion
	p.mu.Unlock()

	osmem.Decommit(addr, committedSize)
	p.space.ReleasePhysicalBytes(committedSize)

	p.mu.Lock()
	*slot = FreeRegion
	if arena.availablesCount.Add(1) == 1 {
		// The arena was full and unlinked; put it back in rotation.
		arena.next = p.availables
		p.availables = xmem.AddrOf(arena)
	}
	p.mu.Unlock()

	debug.Log(nil, "release-region", "%#x committed=%d", addr, committedSize)
	return nil
}

// acquireRegionSlot claims a free slot in an arena of this class, growing
// the arena set when every known arena is full.
func (p *ArenaClassPool) acquireRegionSlot(class RegionClass) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	arena := p.availables.Ptr()
	if arena == nil {
		var err error
		if arena, err = p.space.newArena(p.sizeL2, p.managed); err != nil {
			return 0, err
		}
		arena.next = p.availables
		p.availables = xmem.AddrOf(arena)
	}

	if arena.availablesCount.Add(^uint32(0)) == 0 {
		p.availables = arena.next
		arena.next = 0
	}

	index := arena.findFreeSlot(class)
	if index < 0 {
		panic("space: arena availability count out of sync")
	}
	return uintptr(arena.Base()) + uintptr(index)<<p.sizeL2, nil
}
