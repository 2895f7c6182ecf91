package heap

import (
	"sync/atomic"
	"unsafe"

	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/pkg/layouts"
	"github.com/flier/goheap/pkg/space"
	"github.com/flier/goheap/pkg/xmem"
)

// ReferenceTracker enumerates the live roots of one object graph. During a
// mark session every registered tracker reports its reachable objects with
// ObjectAnalysisSession.MarkPtr or MarkAddress.
type ReferenceTracker interface {
	MarkObjects(session *ObjectAnalysisSession)
}

// ObjectAnalysisSession is one reachability-marking pass over the managed
// arenas: a snapshot of per-region alive bits that the sweep compares to
// the allocation bitmaps.
type ObjectAnalysisSession struct {
	aliveness map[uint32][]atomic.Uint64
}

// activeSession, when non-nil, makes concurrent managed allocations mark
// themselves so the running sweep cannot reclaim them.
var activeSession atomic.Pointer[ObjectAnalysisSession]

// Reset rebuilds the aliveness map to cover every managed arena known to
// the region space.
func (s *ObjectAnalysisSession) Reset() {
	s.aliveness = make(map[uint32][]atomic.Uint64)
	sp := space.Get()
	for _, arenaID := range sp.ArenaIDs() {
		entry := sp.ArenaAt(arenaID)
		if entry.IsNil() || !entry.Managed() {
			continue
		}
		s.aliveness[arenaID] = make([]atomic.Uint64, entry.Descriptor().RegionCount())
	}
}

// MarkPtr records the object containing p as reachable.
func (s *ObjectAnalysisSession) MarkPtr(p unsafe.Pointer) {
	s.MarkAddress(uintptr(p))
}

// MarkAddress records the object containing addr as reachable.
func (s *ObjectAnalysisSession) MarkAddress(addr uintptr) {
	loc := locateObject(addr)
	if loc.kind != locatedObject || !loc.entry.Managed() {
		return
	}
	flags := s.aliveness[space.Address(addr).ArenaID()]
	if flags == nil {
		return
	}
	regionID := space.Address(addr).RegionID(loc.entry.Segmentation())
	flags[regionID].Or(uint64(1) << loc.index)
}

// RegisterReferenceTracker adds a tracker to the registry. It reports
// false once the registry is full.
func RegisterReferenceTracker(tracker ReferenceTracker) bool {
	c := getController()
	c.trackersMu.Lock()
	defer c.trackersMu.Unlock()
	if c.trackersCount >= maxTrackers {
		return false
	}
	c.trackers[c.trackersCount] = tracker
	c.trackersCount++
	return true
}

// UnregisterReferenceTracker removes every registration of the tracker.
func UnregisterReferenceTracker(tracker ReferenceTracker) {
	c := getController()
	c.trackersMu.Lock()
	defer c.trackersMu.Unlock()
	for i := 0; i < c.trackersCount; {
		if c.trackers[i] == tracker {
			c.trackersCount--
			c.trackers[i] = c.trackers[c.trackersCount]
			c.trackers[c.trackersCount] = nil
		} else {
			i++
		}
	}
}

// MarkAndSweepUnusedObjects runs one reachability pass over the managed
// arenas. Overlapping calls collapse into the running one. Without any
// registered tracker there are no roots to compare against and the pass is
// skipped.
func MarkAndSweepUnusedObjects() {
	getController().markAndSweepUnusedObjects()
}

func (c *heapController) markAndSweepUnusedObjects() {
	if !c.sessionMu.TryLock() {
		return
	}
	defer c.sessionMu.Unlock()

	c.trackersMu.Lock()
	count := c.trackersCount
	c.trackersMu.Unlock()
	if count == 0 {
		return
	}

	c.cycle++
	c.markUsedObjects()
	c.sweepUnusedObjects()
}

func (c *heapController) markUsedObjects() {
	c.session.Reset()
	activeSession.Store(&c.session)
	defer activeSession.Store(nil)

	c.trackersMu.Lock()
	trackers := append([]ReferenceTracker(nil), c.trackers[:c.trackersCount]...)
	c.trackersMu.Unlock()

	for _, tracker := range trackers {
		tracker.MarkObjects(&c.session)
	}
}

// sweepUnusedObjects compares the aliveness snapshot against the
// allocation bitmaps and releases every confirmed-dead slot through the
// normal notification path. The sweep only ever sets availability bits,
// so concurrent mutators are unaffected.
func (c *heapController) sweepUnusedObjects() {
	swept := 0
	sp := space.Get()
	for arenaID, flags := range c.session.aliveness {
		entry := sp.ArenaAt(arenaID)
		arena := entry.Descriptor()
		base := uintptr(arenaID) << space.ArenaSizeL2
		for regionID, class := range arena.Regions() {
			if !class.IsObjectRegion() {
				continue
			}
			region := regionAt(base + uintptr(regionID)<<entry.Segmentation())
			mask := layouts.LayoutMasks[region.layoutID]
			allocated := ^(uint64(region.availables) | region.notifiedAvailables.Load()) & mask
			unused := allocated &^ flags[regionID].Load()
			if unused == 0 {
				continue
			}
			if region.notifiedAvailables.Or(unused) == 0 {
				region.NotifyAvailables(true)
			}
			swept += xmem.Bitmap64(unused).Count()
		}
	}
	debug.Log(nil, "sweep", "%d objects", swept)
}
