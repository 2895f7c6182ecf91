package heap

import (
	"sync"
	"unsafe"

	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/pkg/xmem"
)

// recoveryThreshold is the notified-stack depth past which a foreign free
// schedules the owner context for worker-side recovery.
const recoveryThreshold = 10

// MemoryContext is the per-goroutine allocation state: one local context
// per arena kind plus the instrumentation options. A context is owned by
// at most one goroutine at a time, enforced with a try-lock.
type MemoryContext struct {
	_ xmem.NoCopy

	owning    sync.Mutex
	id        uint16
	allocated bool
	isShared  bool

	options Options

	nextRegistered *MemoryContext
	nextRecovered  *MemoryContext

	unmanaged LocalContext
	managed   LocalContext
}

// recoveredNone is the "not scheduled" sentinel of the recovery queue; it
// makes ScheduleContextRecovery idempotent.
var recoveredNone = new(MemoryContext)

func (c *MemoryContext) initialize(central *MemoryCentral) {
	c.nextRecovered = recoveredNone
	c.unmanaged.initialize(c, &central.unmanaged)
	c.managed.initialize(c, &central.managed)
}

// ID returns the context's registration id.
func (c *MemoryContext) ID() uint16 { return c.id }

// Options returns the context's instrumentation options.
func (c *MemoryContext) Options() Options { return c.options }

// SetOptions replaces the context's instrumentation options.
func (c *MemoryContext) SetOptions(opts Options) { c.options = opts }

// NewPrivatedUnmanaged allocates an object the context will free itself.
func (c *MemoryContext) NewPrivatedUnmanaged(size uintptr) (Object, error) {
	return c.newObject(&c.unmanaged, size, true)
}

// NewPrivatedManaged allocates a reachability-tracked object the context
// will free itself.
func (c *MemoryContext) NewPrivatedManaged(size uintptr) (Object, error) {
	return c.newObject(&c.managed, size, true)
}

// NewSharedUnmanaged allocates an object any thread may free.
func (c *MemoryContext) NewSharedUnmanaged(size uintptr) (Object, error) {
	return c.newObject(&c.unmanaged, size, false)
}

// NewSharedManaged allocates a reachability-tracked object any thread may
// free.
func (c *MemoryContext) NewSharedManaged(size uintptr) (Object, error) {
	return c.newObject(&c.managed, size, false)
}

func (c *MemoryContext) newObject(lc *LocalContext, size uintptr, privated bool) (Object, error) {
	if !c.options.Enabled() {
		return lc.allocateObject(size, privated)
	}
	return c.newInstrumentedObject(lc, size, privated)
}

func (c *MemoryContext) newInstrumentedObject(lc *LocalContext, size uintptr, privated bool) (Object, error) {
	obj, err := lc.allocateObject(size+c.options.extraSize(), privated)
	if err != nil {
		return 0, err
	}
	instrumentObject(obj, locateObject(uintptr(obj)).region, size, c.options)
	return obj, nil
}

// Malloc returns size usable bytes, or nil when the space is exhausted.
func (c *MemoryContext) Malloc(size uintptr) unsafe.Pointer {
	obj, err := c.NewPrivatedUnmanaged(size + payloadOffset)
	if err != nil {
		return nil
	}
	return obj.Data()
}

// Calloc returns zeroed memory for n items of size bytes.
func (c *MemoryContext) Calloc(n, size uintptr) unsafe.Pointer {
	total := n * size
	if n != 0 && total/n != size {
		return nil
	}
	p := c.Malloc(total)
	if p != nil {
		xmem.Clear(p, total)
	}
	return p
}

// Free releases a pointer obtained from Malloc or Realloc; nil is
// tolerated.
func (c *MemoryContext) Free(p unsafe.Pointer) {
	if p != nil {
		c.FreeObject(uintptr(p))
	}
}

// Msize returns the usable size of the object at p, or 0 when p is
// foreign. The count includes the slot's leading header word, matching
// what the layout tables call the object size.
func (c *MemoryContext) Msize(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	loc := locateObject(uintptr(p))
	return loc.usableSize()
}

// Realloc grows or shrinks an allocation, moving it when it no longer
// fits; min(old, size) bytes are preserved.
func (c *MemoryContext) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if p == nil {
		return c.Malloc(size)
	}
	loc := locateObject(uintptr(p))
	if loc.kind != locatedObject {
		notifyIssue(FreeOutOfBoundObject, uintptr(p))
		return nil
	}
	if size == 0 {
		c.FreeObject(uintptr(p))
		return nil
	}
	payload := loc.usableSize() - payloadOffset
	if size <= payload {
		return p
	}
	q := c.Malloc(size)
	if q == nil {
		return nil
	}
	xmem.Copy(q, p, payload)
	c.FreeObject(uintptr(p))
	return q
}

// FreeObject runs the free protocol on the object handle or the payload
// pointer of an allocated slot: owned regions take the bit directly,
// foreign regions go through the atomic notification path. Other interior
// addresses are decoded by the layout's reciprocal, which is exact only for
// those two offsets; near the end of a slot it can resolve to the next
// index.
func (c *MemoryContext) FreeObject(addr uintptr) {
	loc := locateObject(addr)
	switch loc.kind {
	case locatedInexisting:
		notifyIssue(FreeInexistingObject, addr)
		return
	case locatedOutOfBound:
		notifyIssue(FreeOutOfBoundObject, addr)
		return
	}

	region := loc.region
	managed := loc.entry.Managed()
	owner := &c.unmanaged
	if managed {
		owner = &c.managed
	}

	bit := uint64(1) << loc.index
	if uint64(region.availables)&bit != 0 || region.notifiedAvailables.Load()&bit != 0 {
		notifyIssue(FreeRetainedObject, addr)
		return
	}

	if region.Owner() == owner {
		if region.availables == 0 {
			owner.pushUsable(region)
		}
		region.availables |= xmem.Bitmap64(bit)
		return
	}

	// Foreign thread: OR the bit in; the first notified bit also pushes
	// the region onto the owner's notified stack.
	if region.notifiedAvailables.Or(bit) != 0 {
		return
	}
	count := region.NotifyAvailables(managed)
	if region.Owner() != nil && count > recoveryThreshold {
		getController().scheduleContextRecovery(region.Owner().context)
	}
}

// PerformCleanup scavenges and hands the context's regions back to the
// central pool. The caller must own the context or know it to be idle.
func (c *MemoryContext) PerformCleanup() {
	debug.Log(nil, "context", "cleanup of context %d", c.id)
	c.unmanaged.Clean()
	c.managed.Clean()
}

// RescueStarvingSituation is the region-space starvation hook: the context
// drains itself, then parks on the cleanup worker until a global cleanup
// ran.
func (c *MemoryContext) RescueStarvingSituation(size uintptr) {
	c.PerformCleanup()
	getController().rescueStarvedConsumer(size)
}

// checkValidity cross-checks both local contexts.
func (c *MemoryContext) checkValidity() error {
	if err := c.unmanaged.checkValidity(); err != nil {
		return err
	}
	return c.managed.checkValidity()
}
