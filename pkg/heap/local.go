package heap

import (
	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/pkg/layouts"
	"github.com/flier/goheap/pkg/xmem"
)

// localPool is the per-layout state of one ownership flavor inside a local
// context: the region allocations currently bump into, the usable backlog
// and the stack foreign frees notify.
type localPool struct {
	active    *Region
	usables   regionList
	notifieds notifiedStack
}

func (p *localPool) removeActive() {
	if p.active != nil {
		r := p.active
		p.active = nil
		p.usables.Push(r)
	}
}

// LocalContext is the allocation state of one arena kind inside a memory
// context. Private regions serve objects the context will free itself;
// shared regions serve objects any thread may free. The two flavors draw
// from disjoint region sets so their ownership metadata never false-shares.
type LocalContext struct {
	managed bool
	context *MemoryContext
	central *CentralObjects

	privateds   []localPool
	shareds     []localPool
	disposables []regionList
}

func (lc *LocalContext) initialize(ctx *MemoryContext, central *CentralObjects) {
	lc.managed = central.managed
	lc.context = ctx
	lc.central = central
	lc.privateds = make([]localPool, layouts.Count)
	lc.shareds = make([]localPool, layouts.Count)
	lc.disposables = make([]regionList, layouts.Count)
}

// acquireObject runs the allocate protocol of one layout: bump the active
// region, then rotate in usable, scavenged or disposable regions, then
// pull from the central pool, and only then grow the region space.
func (lc *LocalContext) acquireObject(layoutID uint8, privated bool) (Object, error) {
	pool := &lc.privateds[layoutID]
	if !privated {
		pool = &lc.shareds[layoutID]
	}
	for {
		if r := pool.active; r != nil {
			if r.availables == 0 {
				panic("heap: active region lost its free slots")
			}
			index := uintptr(r.availables.Lowest())
			obj := r.ObjectAt(index)
			*obj.Header() = ZeroHeaderBits
			if r.availables ^= 1 << index; r.availables == 0 {
				pool.active = nil
			}
			return obj, nil
		}
		if err := lc.pullActiveRegion(pool, layoutID, privated); err != nil {
			return 0, err
		}
	}
}

// pullActiveRegion binds the next region with free slots as the pool's
// active region.
func (lc *LocalContext) pullActiveRegion(pool *localPool, layoutID uint8, privated bool) error {
	next := pool.usables.Pop()
	if next != nil {
		for pool.usables.count > 0 && next.IsDisposable() {
			lc.pushDisposable(layoutID, next)
			next = pool.usables.Pop()
		}
	} else {
		if lc.scavengeNotifieds(layoutID) {
			next = pool.usables.Pop()
		}
		if next == nil {
			next = lc.disposables[layoutID].Pop()
		}
		if next == nil {
			next = lc.central.takeUsable(layoutID, lc)
		}
		if next == nil {
			var err error
			if next, err = newObjectRegion(lc.managed, layoutID, lc, lc.context); err != nil {
				return err
			}
		}
		next.privated = privated
	}
	pool.active = next
	return nil
}

// scavengeNotifieds drains both notified stacks of the layout into the
// usable lists. It reports whether any region came back.
func (lc *LocalContext) scavengeNotifieds(layoutID uint8) bool {
	collected := lc.scavengeChain(lc.privateds[layoutID].notifieds.Flush())
	collected += lc.scavengeChain(lc.shareds[layoutID].notifieds.Flush())
	return collected > 0
}

func (lc *LocalContext) scavengeChain(r *Region) int {
	collected := 0
	for r != nil {
		next := r.nextNotified
		r.nextNotified = noLink
		if r.Owner() == lc {
			bits := r.notifiedAvailables.Swap(0)
			r.availables |= xmem.Bitmap64(bits)
			lc.pushUsable(r)
			collected++
		} else {
			// Mis-routed: the region changed hands since the free;
			// notify whoever owns it now.
			debug.Log(nil, "scavenge", "re-route region %#x", r.base())
			r.NotifyAvailables(lc.managed)
		}
		if next == 0 {
			break
		}
		r = regionAt(next)
	}
	return collected
}

// pushUsable relinks a region that regained free slots, demoting all-free
// regions once the usable list is stocked past the layout's appetite.
func (lc *LocalContext) pushUsable(r *Region) {
	pool := &lc.shareds[r.layoutID]
	if r.privated {
		pool = &lc.privateds[r.layoutID]
	}
	if r.nextUsed != noLink {
		debug.Log(nil, "local", "overpush of region %#x", r.base())
		return
	}
	keep := layouts.LayoutInfos[r.layoutID].Retention.ContextCount
	if pool.usables.count > keep && r.IsDisposable() {
		lc.pushDisposable(r.layoutID, r)
	} else {
		pool.usables.Push(r)
	}
}

func (lc *LocalContext) pushDisposable(layoutID uint8, r *Region) {
	lc.disposables[layoutID].Push(r)
}

// allocateObject serves one request of the given size, routing oversized
// requests to a dedicated region.
func (lc *LocalContext) allocateObject(size uintptr, privated bool) (Object, error) {
	layoutID := layouts.ForSize(size)
	if layoutID < layouts.Huge {
		return lc.acquireObject(layoutID, privated)
	}
	return lc.allocateHugeObject(size, privated)
}

// allocateHugeObject builds a one-object region sized to the request,
// bypassing the pools.
func (lc *LocalContext) allocateHugeObject(size uintptr, privated bool) (Object, error) {
	r, err := newHugeRegion(lc.managed, size, lc, lc.context)
	if err != nil {
		return 0, err
	}
	r.privated = privated
	r.availables = 0
	obj := r.ObjectAt(0)
	*obj.Header() = ZeroHeaderBits
	return obj, nil
}

// Clean scavenges every layout, strips the active regions, collects the
// all-free ones and hands everything to the central pool. Regions in the
// dumped lists lose their owner; in-flight foreign frees re-route through
// the central notified stacks.
func (lc *LocalContext) Clean() {
	for layoutID := uint8(0); int(layoutID) < layouts.Count; layoutID++ {
		privated := &lc.privateds[layoutID]
		shared := &lc.shareds[layoutID]

		lc.scavengeNotifieds(layoutID)

		privated.removeActive()
		privated.usables.CollectDisposables(&lc.disposables[layoutID])
		shared.removeActive()
		shared.usables.CollectDisposables(&lc.disposables[layoutID])

		lc.central.receiveRegions(layoutID,
			&privated.usables, &shared.usables, &lc.disposables[layoutID])
	}
}

// checkValidity cross-checks every list of the context.
func (lc *LocalContext) checkValidity() error {
	for layoutID := 0; layoutID < layouts.Count; layoutID++ {
		for _, l := range []*regionList{
			&lc.privateds[layoutID].usables,
			&lc.shareds[layoutID].usables,
			&lc.disposables[layoutID],
		} {
			if err := l.checkValidity(); err != nil {
				return err
			}
		}
	}
	return nil
}
