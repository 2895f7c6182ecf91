package heap

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/goheap/pkg/layouts"
)

func fakeRegion(layoutID uint8, disposable bool) *Region {
	r := new(Region)
	r.layoutID = layoutID
	r.nextUsed = noLink
	r.nextNotified = noLink
	if disposable {
		r.availables = r.Mask()
	}
	return r
}

func TestRegionList(t *testing.T) {
	var list regionList

	a := fakeRegion(0, false)
	b := fakeRegion(0, false)

	require.Nil(t, list.Pop())

	list.Push(a)
	list.Push(b)
	require.NoError(t, list.checkValidity())
	assert.Equal(t, uint32(2), list.count)

	// FIFO order, and popping restores the unlinked sentinel.
	require.Same(t, a, list.Pop())
	assert.Equal(t, noLink, a.nextUsed)
	require.Same(t, b, list.Pop())
	require.Nil(t, list.Pop())
	assert.Equal(t, uint32(0), list.count)
}

func TestRegionListCollectDisposables(t *testing.T) {
	var list, disposables regionList

	kept := fakeRegion(0, false)
	gone1 := fakeRegion(0, true)
	gone2 := fakeRegion(0, true)

	list.Push(gone1)
	list.Push(kept)
	list.Push(gone2)

	list.CollectDisposables(&disposables)

	assert.Equal(t, uint32(1), list.count)
	assert.Equal(t, uint32(2), disposables.count)
	require.Same(t, kept, list.Pop())
	require.NoError(t, disposables.checkValidity())
}

func TestRegionListDumpInto(t *testing.T) {
	var from, to regionList
	owner := new(LocalContext)

	a := fakeRegion(0, false)
	b := fakeRegion(0, false)
	c := fakeRegion(0, false)

	to.Push(a)
	from.Push(b)
	from.Push(c)

	from.DumpInto(&to, owner)

	assert.Equal(t, uint32(0), from.count)
	assert.Equal(t, uint32(3), to.count)
	assert.Same(t, owner, b.Owner())
	assert.Same(t, owner, c.Owner())
	require.NoError(t, to.checkValidity())
}

func TestNotifiedStack(t *testing.T) {
	var stack notifiedStack

	require.Nil(t, stack.Flush())

	a := fakeRegion(0, false)
	b := fakeRegion(0, false)

	assert.Equal(t, uint64(1), stack.Push(a))
	assert.Equal(t, uint64(2), stack.Push(b))
	assert.Equal(t, uint64(2), stack.Len())

	// LIFO drain, chain terminated by a zero link.
	top := stack.Flush()
	require.Same(t, b, top)
	require.Same(t, a, regionAt(top.nextNotified))
	assert.Equal(t, uintptr(0), a.nextNotified)
	require.Nil(t, stack.Flush())
}

func TestNotifiedStackConcurrentPush(t *testing.T) {
	const (
		goroutines = 8
		perG       = 50
	)

	var stack notifiedStack
	regions := make([]*Region, goroutines*perG)
	for i := range regions {
		regions[i] = fakeRegion(0, false)
	}

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				stack.Push(regions[g*perG+i])
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[*Region]bool)
	for r := stack.Flush(); r != nil; {
		seen[r] = true
		next := r.nextNotified
		r.nextNotified = noLink
		if next == 0 {
			break
		}
		r = regionAt(next)
	}
	assert.Len(t, seen, goroutines*perG, "pushes lost under contention")
}

// A sequence of allocations and frees from one context must drain back to
// the full availability mask on every region that served it.
func TestRoundTripRestoresMask(t *testing.T) {
	ctx := getController().acquireContext(false)

	for _, size := range []uintptr{8, 40, 88, 1016, 5000, 60000} {
		ptrs := make([]unsafe.Pointer, 150)
		regions := make(map[*Region]bool)
		for i := range ptrs {
			ptrs[i] = ctx.Malloc(size)
			require.NotNil(t, ptrs[i], "size %d", size)
			regions[locateObject(uintptr(ptrs[i])).region] = true
		}
		for _, p := range ptrs {
			ctx.Free(p)
		}
		for r := range regions {
			assert.Equal(t, r.Mask(), r.availables, "size %d region %#x", size, r.base())
			assert.Zero(t, r.notifiedAvailables.Load(), "size %d", size)
		}
	}
	require.NoError(t, ctx.checkValidity())
}

// A foreign thread freeing objects must propagate through the notified
// bitmap and stack, and the owner's scavenge must fold everything back
// into the plain availability bitmap.
func TestCrossContextFreeAndScavenge(t *testing.T) {
	ctx1 := getController().acquireContext(false)
	ctx2 := getController().acquireContext(false)

	const objects = 200
	ptrs := make([]unsafe.Pointer, objects)
	regions := make(map[*Region]bool)
	for i := range ptrs {
		ptrs[i] = ctx1.Malloc(88)
		require.NotNil(t, ptrs[i])
		regions[locateObject(uintptr(ptrs[i])).region] = true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := objects - 1; i >= 0; i-- {
			ctx2.Free(ptrs[i])
		}
	}()
	<-done

	for r := range regions {
		assert.NotZero(t, r.notifiedAvailables.Load(), "foreign frees must not touch availables directly")
	}

	layoutID := layouts.ForSize(88 + payloadOffset)
	ctx1.unmanaged.scavengeNotifieds(layoutID)

	for r := range regions {
		assert.Equal(t, r.Mask(), r.availables, "region %#x", r.base())
		assert.Zero(t, r.notifiedAvailables.Load())
		assert.Equal(t, noLink, r.nextNotified)
	}
	require.NoError(t, ctx1.checkValidity())
}

// The first notified bit pushes the region exactly once; later foreign
// frees only OR their bit in.
func TestNotificationPushedOnce(t *testing.T) {
	ctx1 := getController().acquireContext(false)
	ctx2 := getController().acquireContext(false)

	p := ctx1.Malloc(40)
	q := ctx1.Malloc(40)
	r := locateObject(uintptr(p)).region
	layoutID := r.layoutID

	ctx2.Free(p)
	require.Equal(t, uint64(1), ctx1.unmanaged.privateds[layoutID].notifieds.Len())
	ctx2.Free(q)
	require.Equal(t, uint64(1), ctx1.unmanaged.privateds[layoutID].notifieds.Len(),
		"second foreign free must not push again")

	ctx1.unmanaged.scavengeNotifieds(layoutID)
	assert.Zero(t, r.notifiedAvailables.Load())
}
