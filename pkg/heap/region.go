package heap

import (
	"sync/atomic"
	"unsafe"

	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/pkg/layouts"
	"github.com/flier/goheap/pkg/space"
	"github.com/flier/goheap/pkg/xmem"
)

// noLink is the sentinel of the region link fields: it distinguishes an
// unlinked region from one linked with a null next. Links hold raw
// addresses because the header lives in region memory the garbage
// collector never scans.
const noLink = ^uintptr(0)

// Region is the header at the base of every object region. Its availables
// bitmap is written only by the owning context; notifiedAvailables takes
// atomic ORs from any thread. The two link fields thread the region
// through at most one usable/disposable list and one notified stack.
type Region struct {
	layoutID           uint8
	privated           bool
	notifiedFinalizers uint8
	_                  uint8
	width              uint32
	owner              uintptr
	availables         xmem.Bitmap64
	notifiedAvailables atomic.Uint64
	nextUsed           uintptr
	nextNotified       uintptr
}

// The header must fit the space every layout reserves before slot 0.
var _ [layouts.HeadSize - unsafe.Sizeof(Region{})]byte

func regionAt(addr uintptr) *Region {
	return (*Region)(unsafe.Pointer(addr)) //nolint:govet
}

func (r *Region) base() uintptr {
	return uintptr(unsafe.Pointer(r))
}

// LayoutID returns the region's layout id.
func (r *Region) LayoutID() uint8 { return r.layoutID }

// Privated reports whether the region serves private allocations.
func (r *Region) Privated() bool { return r.privated }

// Owner returns the local context owning the region, or nil when the
// region belongs to the central pool.
func (r *Region) Owner() *LocalContext {
	return (*LocalContext)(unsafe.Pointer(r.owner)) //nolint:govet
}

func (r *Region) setOwner(owner *LocalContext) {
	r.owner = uintptr(unsafe.Pointer(owner))
}

// Mask returns the full availability mask of the region's layout.
func (r *Region) Mask() xmem.Bitmap64 {
	return xmem.Bitmap64(layouts.LayoutMasks[r.layoutID])
}

// IsDisposable reports whether every slot of the region is free, counting
// both the local and the notified halves of the bitmap.
func (r *Region) IsDisposable() bool {
	bits := uint64(r.availables) | r.notifiedAvailables.Load()
	return bits == layouts.LayoutMasks[r.layoutID]
}

// IsNotified reports whether the region sits on a notified stack.
func (r *Region) IsNotified() bool {
	return r.nextNotified != noLink
}

// ObjectCount returns the slot count of the region.
func (r *Region) ObjectCount() int {
	return int(layouts.LayoutInfos[r.layoutID].RegionObjects)
}

// AvailablesCount returns the number of free slots, both halves included.
func (r *Region) AvailablesCount() int {
	return (r.availables | xmem.Bitmap64(r.notifiedAvailables.Load())).Count()
}

// NotifiedCount returns the number of slots freed by foreign threads and
// not yet scavenged.
func (r *Region) NotifiedCount() int {
	return xmem.Bitmap64(r.notifiedAvailables.Load()).Count()
}

// UsedCount returns the number of live slots.
func (r *Region) UsedCount() int {
	return r.ObjectCount() - r.AvailablesCount()
}

// ObjectSize returns the byte size of one slot. For huge regions it is
// derived from the committed width.
func (r *Region) ObjectSize() uintptr {
	if r.layoutID == layouts.Huge {
		return r.RegionSize() - layouts.HeadSize
	}
	return layouts.ObjectSize(r.layoutID)
}

// RegionSize returns the committed footprint of the region.
func (r *Region) RegionSize() uintptr {
	return uintptr(r.width) << space.GranularityL2
}

// ObjectAt returns the slot at the given index.
func (r *Region) ObjectAt(index uintptr) Object {
	return objectAt(r.base() + layouts.LayoutBases[r.layoutID].ObjectOffset(index))
}

// AcquireObject takes the lowest free slot out of the local availability
// bitmap, or returns an empty handle.
func (r *Region) AcquireObject() Object {
	if r.availables == 0 {
		return 0
	}
	index := uintptr(r.availables.Lowest())
	obj := r.ObjectAt(index)
	*obj.Header() = ZeroHeaderBits
	r.availables ^= 1 << index
	return obj
}

// NotifyAvailables pushes the region onto its owner's notified stack for
// its layout, or onto the central stack when the region is orphaned. Only
// the caller that flipped notifiedAvailables from zero invokes this.
func (r *Region) NotifyAvailables(managed bool) uint64 {
	if owner := r.Owner(); owner != nil {
		if r.privated {
			return owner.privateds[r.layoutID].notifieds.Push(r)
		}
		return owner.shareds[r.layoutID].notifieds.Push(r)
	}
	return getController().central.of(managed).objects[r.layoutID].notifieds.Push(r)
}

// dispose hands the region's memory back to the region space.
func (r *Region) dispose() {
	debug.Log([]any{"region %#x", r.base()}, "dispose", "layout=%d", r.layoutID)
	addr := r.base()
	if r.layoutID == layouts.Huge {
		size := r.RegionSize()
		*r = Region{}
		_ = space.Get().DisposeRegionEx(addr, size)
		return
	}
	infos := layouts.LayoutInfos[r.layoutID]
	*r = Region{}
	_ = space.Get().DisposeRegion(addr, infos.RegionSizeL2, infos.RegionSizingID)
}

// newObjectRegion carves a fresh region of the given layout out of the
// region space and binds it to owner.
func newObjectRegion(managed bool, layoutID uint8, owner *LocalContext, consumer space.Consumer) (*Region, error) {
	infos := layouts.LayoutInfos[layoutID]
	addr, err := space.Get().AllocateRegion(
		managed, infos.RegionSizeL2, space.RegionClass(layoutID), infos.RegionSizingID, consumer)
	if err != nil {
		return nil, err
	}

	r := regionAt(addr)
	r.layoutID = layoutID
	r.privated = false
	r.notifiedFinalizers = 0
	r.width = uint32(layouts.SizingCommitted(infos.RegionSizeL2, infos.RegionSizingID) >> space.GranularityL2)
	r.setOwner(owner)
	r.availables = r.Mask()
	r.notifiedAvailables.Store(0)
	r.nextUsed = noLink
	r.nextNotified = noLink
	debug.Log([]any{"region %#x", addr}, "new", "layout=%d objects=%d", layoutID, infos.RegionObjects)
	return r, nil
}

// newHugeRegion builds a one-object region sized to the request.
func newHugeRegion(managed bool, size uintptr, owner *LocalContext, consumer space.Consumer) (*Region, error) {
	total := size + layouts.HeadSize
	addr, committed, err := space.Get().AllocateRegionEx(
		managed, space.RegionClass(layouts.Huge), total, consumer)
	if err != nil {
		return nil, err
	}

	r := regionAt(addr)
	r.layoutID = layouts.Huge
	r.privated = false
	r.notifiedFinalizers = 0
	r.width = uint32(committed >> space.GranularityL2)
	r.setOwner(owner)
	r.availables = 1
	r.notifiedAvailables.Store(0)
	r.nextUsed = noLink
	r.nextNotified = noLink
	return r, nil
}
