package heap

import (
	"time"
	"unsafe"

	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/pkg/layouts"
	"github.com/flier/goheap/pkg/space"
	"github.com/flier/goheap/pkg/xmem"
)

// tail views a T at the given byte offset inside an object slot.
func tail[T any](o Object, offset uintptr) *T {
	return xmem.At[T](unsafe.Pointer(o), offset)
}

// Metadata is the analytics tail an instrumented object carries at the
// end of its slot.
type Metadata struct {
	Stackstamp uint64
	Timestamp  uint64
}

const metadataSize = unsafe.Sizeof(Metadata{})

// Security padding: the slot tail ends with the requested size XOR-tagged
// into 4 bytes, preceded by 0xAB filler from the end of the payload.
const (
	paddingByte = 0xAB
	paddingTag  = 0xABABABAB
	paddingTail = 4
)

// locationKind says what an address resolved to.
type locationKind uint8

const (
	locatedObject locationKind = iota
	locatedOutOfBound
	locatedInexisting
)

// objectLocation is the decode of one address: the owning arena entry, the
// region, the slot index and the object base.
type objectLocation struct {
	kind   locationKind
	entry  space.ArenaEntry
	region *Region
	object Object
	index  uintptr
}

// locateObject resolves an address to the object slot containing it. Any
// address inside the slot resolves to it, as long as the layout's
// reciprocal discriminates the offset (which holds for every address the
// heap hands out).
func locateObject(addr uintptr) objectLocation {
	loc := objectLocation{kind: locatedInexisting}

	entry := space.Get().ArenaAt(space.Address(addr).ArenaID())
	if entry.IsNil() {
		return loc
	}
	loc.entry = entry

	arena := entry.Descriptor()
	regionID := space.Address(addr).RegionID(entry.Segmentation())
	class := arena.Regions()[regionID]
	switch {
	case class.IsObjectRegion():
	case class == space.FreeRegion:
		return loc
	default:
		loc.kind = locatedOutOfBound
		return loc
	}

	regionBase := uintptr(space.Address(addr).RegionBase(entry.Segmentation()))
	region := regionAt(regionBase)
	offset := addr - regionBase
	if offset < layouts.HeadSize {
		loc.kind = locatedOutOfBound
		return loc
	}

	index := layouts.LayoutBases[region.layoutID].ObjectIndex(offset)
	if index >= uintptr(region.ObjectCount()) {
		loc.kind = locatedOutOfBound
		return loc
	}

	loc.kind = locatedObject
	loc.region = region
	loc.object = region.ObjectAt(index)
	loc.index = index
	return loc
}

// allocatedSize returns the full slot size of the located object.
func (loc *objectLocation) allocatedSize() uintptr {
	if loc.kind != locatedObject {
		return 0
	}
	return loc.region.ObjectSize()
}

// usableSize returns the slot size minus whatever instrumentation tails
// claim from it.
func (loc *objectLocation) usableSize() uintptr {
	if loc.kind != locatedObject {
		return 0
	}
	size := loc.region.ObjectSize()
	header := *loc.object.Header()
	if header.HasAnalyticsInfos() {
		size -= metadataSize
	}
	if header.HasSecurityPadding() {
		tagged := *tail[uint32](loc.object, size-paddingTail) ^ paddingTag
		if uintptr(tagged) < size {
			size = uintptr(tagged)
		}
	}
	return size
}

// metadata returns the analytics tail of an instrumented object.
func (loc *objectLocation) metadata() (Metadata, bool) {
	if loc.kind != locatedObject || !loc.object.Header().HasAnalyticsInfos() {
		return Metadata{}, false
	}
	size := loc.region.ObjectSize()
	return *tail[Metadata](loc.object, size-metadataSize), true
}

// detectOverflowedBytes validates the canary of a security-padded object
// and returns the address of the first corrupted byte, or 0 when the
// padding is intact.
func (loc *objectLocation) detectOverflowedBytes() uintptr {
	if loc.kind != locatedObject || !loc.object.Header().HasSecurityPadding() {
		return 0
	}
	size := loc.region.ObjectSize()
	if loc.object.Header().HasAnalyticsInfos() {
		size -= metadataSize
	}

	paddingEnd := size - paddingTail
	tagAt := tail[uint32](loc.object, paddingEnd)
	bufferSize := uintptr(*tagAt ^ paddingTag)
	if bufferSize > size {
		// The tag itself got stomped.
		return uintptr(unsafe.Pointer(tagAt))
	}

	bytes := unsafe.Slice((*byte)(unsafe.Pointer(loc.object)), paddingEnd) //nolint:govet
	for i := bufferSize; i < paddingEnd; i++ {
		if bytes[i] != paddingByte {
			return uintptr(loc.object) + i
		}
	}
	return 0
}

// instrumentObject writes the analytics tail and the security padding of
// a fresh allocation. size is the slot-relative request, header included;
// the slot's full capacity comes from the region.
func instrumentObject(obj Object, region *Region, size uintptr, opts Options) {
	bufferLen := region.ObjectSize()
	header := obj.Header()

	if opts.analyticsEnabled() {
		bufferLen -= metadataSize
		infos := tail[Metadata](obj, bufferLen)
		infos.Timestamp = 0
		infos.Stackstamp = 0
		if opts.TimeStamp {
			infos.Timestamp = uint64(time.Now().UnixNano())
		}
		if opts.StackStamp {
			infos.Stackstamp = debug.Stackstamp(3)
		}
		*header |= hasAnalyticsBit
	}

	if opts.SecurityPadding > 0 {
		paddingLen := bufferLen - size - paddingTail
		*tail[uint32](obj, size+paddingLen) = uint32(size) ^ paddingTag
		padding := unsafe.Slice((*byte)(unsafe.Pointer(obj+Object(size))), paddingLen) //nolint:govet
		for i := range padding {
			padding[i] = paddingByte
		}
		*header |= hasSecurityPadBit
	}
}
