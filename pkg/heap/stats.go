package heap

import "github.com/flier/goheap/pkg/space"

// ObjectsStats aggregates the regions of one owner.
type ObjectsStats struct {
	RegionCount uint64

	UsedObjects      uint64
	NotifiedObjects  uint64
	AvailableObjects uint64
	TotalObjects     uint64

	UsedBytes      uint64
	NotifiedBytes  uint64
	AvailableBytes uint64
	TotalBytes     uint64
}

func (s *ObjectsStats) add(r *Region) {
	objectSize := uint64(r.ObjectSize())
	used := uint64(r.UsedCount())
	notified := uint64(r.NotifiedCount())
	available := uint64(r.AvailablesCount())

	s.RegionCount++
	s.UsedObjects += used
	s.NotifiedObjects += notified
	s.AvailableObjects += available
	s.TotalObjects += uint64(r.ObjectCount())

	s.UsedBytes += used * objectSize
	s.NotifiedBytes += notified * objectSize
	s.AvailableBytes += available * objectSize
	s.TotalBytes += uint64(r.RegionSize())
}

// Accumulate folds other into s.
func (s *ObjectsStats) Accumulate(other ObjectsStats) {
	s.RegionCount += other.RegionCount
	s.UsedObjects += other.UsedObjects
	s.NotifiedObjects += other.NotifiedObjects
	s.AvailableObjects += other.AvailableObjects
	s.TotalObjects += other.TotalObjects
	s.UsedBytes += other.UsedBytes
	s.NotifiedBytes += other.NotifiedBytes
	s.AvailableBytes += other.AvailableBytes
	s.TotalBytes += other.TotalBytes
}

// Stats is a point-in-time view of the heap: per-context aggregates, the
// orphaned central regions and the region-space bookkeeping.
type Stats struct {
	Contexts map[uint16]ObjectsStats
	Central  ObjectsStats
	Space    space.Stats
}

// GetStats walks every object region and attributes it to its owning
// context or to the central pool. It is a diagnostic snapshot; concurrent
// mutation skews individual counters but never the region walk itself.
func GetStats() Stats {
	getController()

	stats := Stats{
		Contexts: make(map[uint16]ObjectsStats),
		Space:    space.Get().GetStats(),
	}
	space.Get().ForEachRegion(func(_ *space.Arena, class space.RegionClass, addr space.Address) bool {
		if !class.IsObjectRegion() {
			return true
		}
		r := regionAt(uintptr(addr))
		if owner := r.Owner(); owner != nil {
			s := stats.Contexts[owner.context.id]
			s.add(r)
			stats.Contexts[owner.context.id] = s
		} else {
			stats.Central.add(r)
		}
		return true
	})
	return stats
}
