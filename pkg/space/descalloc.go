package space

import (
	"sync"
	"unsafe"

	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/internal/osmem"
	"github.com/flier/goheap/pkg/xmem"
)

// The descriptor allocator is a buddy allocator over one dedicated arena.
// Sub-page requests come from the block bucket, a power-of-two freelist for
// sizes in [2^6, 2^16); page-or-larger requests come from the span bucket,
// which keeps spans of 2^k pages in per-length freelists plus an AVL tree
// keyed by address for buddy coalescing. Span bookkeeping nodes are 64-byte
// blocks from the block bucket, so the two buckets feed each other.

const (
	blockSizeL2Min = 6
	spanLengthMax  = ArenaSizeL2 - PageSizeL2
)

// blockNode threads a free block through its size-class list; it lives in
// the first word of the free block itself.
type blockNode struct {
	next xmem.Addr[blockNode]
}

type blockBucket struct {
	sizesMap uint32
	blocks   [PageSizeL2 + 1]xmem.Addr[blockNode]
}

func (b *blockBucket) push(addr uintptr, sizeL2 int) {
	node := (*blockNode)(unsafe.Pointer(addr)) //nolint:govet
	node.next = b.blocks[sizeL2]
	b.blocks[sizeL2] = xmem.AddrOf(node)
	b.sizesMap |= 1 << sizeL2
}

// pull removes a block of at least minSizeL2 from the smallest non-empty
// class, returning its address and actual size.
func (b *blockBucket) pull(minSizeL2 int) (uintptr, int) {
	avail := xmem.Bitmap64(b.sizesMap &^ (1<<minSizeL2 - 1))
	if avail == 0 {
		return 0, 0
	}
	sizeL2 := avail.Lowest()
	node := b.blocks[sizeL2].Ptr()
	b.blocks[sizeL2] = node.next
	if b.blocks[sizeL2].IsNil() {
		b.sizesMap ^= 1 << sizeL2
	}
	return uintptr(unsafe.Pointer(node)), sizeL2
}

// make pulls a block of exactly sizeL2, splitting a larger one into
// buddies when needed.
func (b *blockBucket) make(sizeL2 int) uintptr {
	addr, gotL2 := b.pull(sizeL2)
	if addr == 0 {
		return 0
	}
	for gotL2 > sizeL2 {
		gotL2--
		b.push(addr+uintptr(1)<<gotL2, gotL2)
	}
	return addr
}

// spanNode records one free span of 2^lengthL2 pages. Nodes are allocated
// from the block bucket and double as AVL tree vertices.
type spanNode struct {
	next     xmem.Addr[spanNode]
	left     xmem.Addr[spanNode]
	right    xmem.Addr[spanNode]
	height   int8
	lengthL2 uint8
	ptr      uintptr
}

type spanBucket struct {
	lengthsMap uint32
	spans      [spanLengthMax + 1]xmem.Addr[spanNode]
	byAddr     spanTree
}

func (b *spanBucket) link(node *spanNode) {
	node.next = b.spans[node.lengthL2]
	b.spans[node.lengthL2] = xmem.AddrOf(node)
	b.lengthsMap |= 1 << node.lengthL2
	b.byAddr.insert(node)
}

// unlink removes the node from its length freelist only; the caller has
// already taken it out of the tree.
func (b *spanBucket) unlink(node *spanNode) {
	at := &b.spans[node.lengthL2]
	for !at.IsNil() {
		cur := at.Ptr()
		if cur == node {
			*at = cur.next
			if b.spans[node.lengthL2].IsNil() {
				b.lengthsMap &^= 1 << node.lengthL2
			}
			return
		}
		at = &cur.next
	}
}

// pull removes a span of at least minLengthL2 pages, returning its node.
func (b *spanBucket) pull(minLengthL2 int) *spanNode {
	avail := xmem.Bitmap64(b.lengthsMap &^ (1<<minLengthL2 - 1))
	if avail == 0 {
		return nil
	}
	lengthL2 := avail.Lowest()
	node := b.spans[lengthL2].Ptr()
	b.spans[lengthL2] = node.next
	if b.spans[lengthL2].IsNil() {
		b.lengthsMap ^= 1 << lengthL2
	}
	b.byAddr.remove(node.ptr)
	return node
}

// DescriptorAllocator serves management-structure memory out of one
// dedicated arena. All operations run under a single mutex; the allocator
// never calls back into any other locked layer.
type DescriptorAllocator struct {
	mu     sync.Mutex
	base   uintptr
	blocks blockBucket
	spans  spanBucket

	usedBytes uintptr
}

// initialize takes ownership of the arena at base. The first page is
// committed to seed the block bucket; the rest of the arena is registered
// as free spans.
func (d *DescriptorAllocator) initialize(base uintptr) bool {
	if !osmem.Commit(base, PageSize) {
		return false
	}
	d.base = base
	d.usedBytes = PageSize
	d.blocks.push(base, PageSizeL2)
	for l := 0; l < spanLengthMax; l++ {
		d.pushSpan(base+PageSize<<l, uint8(l))
	}
	return true
}

// Allocate returns 2^sizeL2 bytes of descriptor memory, with at least
// 2^usedSizeL2 bytes committed. Sub-page blocks are always fully committed.
// Returns 0 when the arena is exhausted.
func (d *DescriptorAllocator) Allocate(sizeL2, usedSizeL2 int) uintptr {
	if sizeL2 < blockSizeL2Min {
		sizeL2 = blockSizeL2Min
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if sizeL2 < PageSizeL2 {
		addr := d.makeBlock(sizeL2)
		debug.Log(nil, "descalloc", "block %#x sizeL2=%d", addr, sizeL2)
		return addr
	}

	if usedSizeL2 < PageSizeL2 {
		usedSizeL2 = PageSizeL2
	}
	addr := d.makeSpan(sizeL2 - PageSizeL2)
	if addr == 0 {
		return 0
	}
	if !osmem.Commit(addr, uintptr(1)<<usedSizeL2) {
		d.pushSpan(addr, uint8(sizeL2-PageSizeL2))
		return 0
	}
	d.usedBytes += uintptr(1) << usedSizeL2
	debug.Log(nil, "descalloc", "span %#x sizeL2=%d usedL2=%d", addr, sizeL2, usedSizeL2)
	return addr
}

// Extend grows or shrinks the committed window of a span entry in place.
// It never relocates.
func (d *DescriptorAllocator) Extend(addr uintptr, oldUsedSizeL2, newUsedSizeL2 int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	oldUsed := uintptr(1) << oldUsedSizeL2
	newUsed := uintptr(1) << newUsedSizeL2
	switch {
	case newUsed > oldUsed:
		if !osmem.Commit(addr+oldUsed, newUsed-oldUsed) {
			return false
		}
		d.usedBytes += newUsed - oldUsed
	case newUsed < oldUsed:
		if !osmem.Decommit(addr+newUsed, oldUsed-newUsed) {
			return false
		}
		d.usedBytes -= oldUsed - newUsed
	}
	return true
}

// Dispose returns an entry of 2^sizeL2 bytes with 2^usedSizeL2 committed.
// Page spans merge with their free buddies bottom-up; sub-page blocks go
// back to their size-class list and are not merged with their buddies.
func (d *DescriptorAllocator) Dispose(addr uintptr, sizeL2, usedSizeL2 int) {
	if sizeL2 < blockSizeL2Min {
		sizeL2 = blockSizeL2Min
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if sizeL2 < PageSizeL2 {
		d.blocks.push(addr, sizeL2)
		return
	}
	if usedSizeL2 < PageSizeL2 {
		usedSizeL2 = PageSizeL2
	}
	osmem.Decommit(addr, uintptr(1)<<usedSizeL2)
	d.usedBytes -= uintptr(1) << usedSizeL2
	d.pushSpan(addr, uint8(sizeL2-PageSizeL2))
}

// UsedBytes returns the committed descriptor memory, for statistics.
func (d *DescriptorAllocator) UsedBytes() uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedBytes
}

func (d *DescriptorAllocator) makeBlock(sizeL2 int) uintptr {
	if addr := d.blocks.make(sizeL2); addr != 0 {
		return addr
	}
	if !d.feedBlocks() {
		return 0
	}
	return d.blocks.make(sizeL2)
}

// feedBlocks commits one fresh page from the span bucket into the block
// bucket.
func (d *DescriptorAllocator) feedBlocks() bool {
	span := d.spans.pull(0)
	if span == nil {
		return false
	}
	addr, lengthL2 := span.ptr, int(span.lengthL2)
	// The pulled node is a 64-byte block again.
	d.blocks.push(uintptr(unsafe.Pointer(span)), blockSizeL2Min)
	if !osmem.Commit(addr, PageSize) {
		d.pushSpan(addr, uint8(lengthL2))
		return false
	}
	d.usedBytes += PageSize
	d.sliceSpan(addr, lengthL2, 0)
	d.blocks.push(addr, PageSizeL2)
	return true
}

func (d *DescriptorAllocator) makeSpan(lengthL2 int) uintptr {
	span := d.spans.pull(lengthL2)
	if span == nil {
		return 0
	}
	addr, gotL2 := span.ptr, int(span.lengthL2)
	d.blocks.push(uintptr(unsafe.Pointer(span)), blockSizeL2Min)
	return d.sliceSpan(addr, gotL2, lengthL2)
}

// sliceSpan gives back the upper buddies of [addr, addr+2^from pages) until
// only 2^to pages remain allocated.
func (d *DescriptorAllocator) sliceSpan(addr uintptr, fromLengthL2, toLengthL2 int) uintptr {
	for fromLengthL2 > toLengthL2 {
		fromLengthL2--
		d.pushSpan(addr|PageSize<<fromLengthL2, uint8(fromLengthL2))
	}
	return addr
}

// pushSpan registers a free span, coalescing it with its buddy as long as
// the buddy is free and of the same length.
func (d *DescriptorAllocator) pushSpan(addr uintptr, lengthL2 uint8) {
	for lengthL2 < spanLengthMax {
		buddyAddr := d.base | ((addr - d.base) ^ PageSize<<lengthL2)
		buddy := d.spans.byAddr.find(buddyAddr)
		if buddy == nil || buddy.lengthL2 != lengthL2 {
			break
		}
		d.spans.unlink(buddy)
		d.spans.byAddr.remove(buddy.ptr)
		d.blocks.push(uintptr(unsafe.Pointer(buddy)), blockSizeL2Min)
		if buddyAddr < addr {
			addr = buddyAddr
		}
		lengthL2++
	}

	node := d.newSpanNode()
	if node == nil {
		// No node memory left; the span leaks until process exit. This
		// cannot happen before the arena itself is exhausted.
		return
	}
	node.ptr = addr
	node.lengthL2 = lengthL2
	d.spans.link(node)
}

func (d *DescriptorAllocator) newSpanNode() *spanNode {
	addr := d.makeBlock(blockSizeL2Min)
	if addr == 0 {
		return nil
	}
	node := (*spanNode)(unsafe.Pointer(addr)) //nolint:govet
	*node = spanNode{}
	return node
}
