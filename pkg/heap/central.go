package heap

import (
	"sync"

	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/pkg/layouts"
	"github.com/flier/goheap/pkg/xmem"
)

// centralPool is the shared fallback state of one layout: lists of
// recyclable regions under a mutex, plus the lock-free notified stack.
type centralPool struct {
	mu          sync.Mutex
	usables     regionList
	disposables regionList
	notifieds   notifiedStack
}

// CentralObjects is the process-wide region pool of one arena kind.
// Regions land here when their owning context retires; contexts pull them
// back before asking the region space for fresh memory.
type CentralObjects struct {
	managed bool
	objects []centralPool
}

func (c *CentralObjects) initialize(managed bool) {
	c.managed = managed
	c.objects = make([]centralPool, layouts.Count)
}

// pushUsable relinks an orphaned region, demoting it to the disposables
// list when it is all-free and the usables list is stocked. The caller
// holds the pool mutex.
func (c *CentralObjects) pushUsable(r *Region) {
	if r.nextUsed != noLink {
		debug.Log(nil, "central", "overpush of region %#x", r.base())
		return
	}
	pool := &c.objects[r.layoutID]
	if pool.usables.count > 1 && r.IsDisposable() {
		pool.disposables.Push(r)
	} else {
		pool.usables.Push(r)
	}
}

// scavengeNotifieds drains one layout's notified stack, folding the
// notified bits of orphaned regions into their availability bitmap. A
// region that has been re-owned by a context since the notification is
// re-routed to it. The caller holds the pool mutex.
func (c *CentralObjects) scavengeNotifieds(layoutID uint8) {
	r := c.objects[layoutID].notifieds.Flush()
	for r != nil {
		next := r.nextNotified
		r.nextNotified = noLink
		if r.Owner() == nil {
			bits := r.notifiedAvailables.Swap(0)
			r.availables |= xmem.Bitmap64(bits)
			if r.nextUsed == noLink {
				c.pushUsable(r)
			}
		} else {
			// Mis-routed: hand the notification to the real owner.
			r.NotifyAvailables(c.managed)
		}
		if next == 0 {
			break
		}
		r = regionAt(next)
	}
}

// takeUsable hands a region of the layout to a context, preferring
// partially-used regions over all-free ones.
func (c *CentralObjects) takeUsable(layoutID uint8, owner *LocalContext) *Region {
	pool := &c.objects[layoutID]
	pool.mu.Lock()
	defer pool.mu.Unlock()

	c.scavengeNotifieds(layoutID)
	r := pool.usables.Pop()
	if r == nil {
		r = pool.disposables.Pop()
	}
	if r != nil {
		r.setOwner(owner)
	}
	return r
}

// receiveRegions absorbs a retiring context's lists of one layout.
func (c *CentralObjects) receiveRegions(layoutID uint8, privatedUsables, sharedUsables, disposables *regionList) {
	pool := &c.objects[layoutID]
	pool.mu.Lock()
	defer pool.mu.Unlock()
	privatedUsables.DumpInto(&pool.usables, nil)
	sharedUsables.DumpInto(&pool.usables, nil)
	disposables.DumpInto(&pool.disposables, nil)
}

// Clean scavenges every layout, collects the all-free regions and returns
// them to the region space. A region still carrying notified bits stays in
// the pool: it is on some notified stack and must not be unmapped under
// it.
func (c *CentralObjects) Clean() {
	for layoutID := range c.objects {
		pool := &c.objects[layoutID]
		pool.mu.Lock()
		c.scavengeNotifieds(uint8(layoutID))
		pool.usables.CollectDisposables(&pool.disposables)

		var kept regionList
		for {
			r := pool.disposables.Pop()
			if r == nil {
				break
			}
			if r.IsNotified() || r.NotifiedCount() > 0 {
				kept.Push(r)
				continue
			}
			r.dispose()
		}
		kept.DumpInto(&pool.disposables, nil)
		pool.mu.Unlock()
	}
}

// checkValidity cross-checks every pool's lists.
func (c *CentralObjects) checkValidity() error {
	for layoutID := range c.objects {
		pool := &c.objects[layoutID]
		pool.mu.Lock()
		err := pool.usables.checkValidity()
		if err == nil {
			err = pool.disposables.checkValidity()
		}
		pool.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// MemoryCentral bundles the central pools of both arena kinds.
type MemoryCentral struct {
	unmanaged CentralObjects
	managed   CentralObjects
}

func (c *MemoryCentral) initialize() {
	c.unmanaged.initialize(false)
	c.managed.initialize(true)
}

func (c *MemoryCentral) of(managed bool) *CentralObjects {
	if managed {
		return &c.managed
	}
	return &c.unmanaged
}

// PerformCleanup cleans both kinds.
func (c *MemoryCentral) PerformCleanup() {
	c.unmanaged.Clean()
	c.managed.Clean()
}
