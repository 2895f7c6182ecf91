package heap_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/goheap/pkg/heap"
	"github.com/flier/goheap/pkg/space"
)

func bytesOf(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// Size-class fit: a 40-byte request lands in the 48-byte class (request
// plus the leading header word), the slot is reported at its class size,
// and freed slots are reused lowest-index first.
func TestMallocSizeClassReuse(t *testing.T) {
	ctx := heap.AcquireContext()

	p := ctx.Malloc(40)
	require.NotNil(t, p)
	q := ctx.Malloc(40)
	require.NotNil(t, q)

	assert.Equal(t, uintptr(48), ctx.Msize(p))
	assert.Equal(t, uintptr(48), ctx.Msize(q))

	ctx.Free(p)
	ctx.Free(q)

	p2 := ctx.Malloc(40)
	require.NotNil(t, p2)
	assert.True(t, p2 == p || p2 == q, "freed slots not reused")
	assert.Equal(t, uintptr(48), ctx.Msize(p2))
	ctx.Free(p2)
}

// A megabyte allocation takes the one-object-per-region path; once freed
// and cleaned up, its physical bytes come back.
func TestHugeAllocationReleasesBytes(t *testing.T) {
	ctx := heap.AcquireContext()
	s := space.Get()

	before := s.UsedPhysicalBytes()

	p := ctx.Malloc(1 << 20)
	require.NotNil(t, p)
	assert.GreaterOrEqual(t, ctx.Msize(p), uintptr(1<<20))
	assert.Greater(t, s.UsedPhysicalBytes(), before)

	bytesOf(p, 1<<20)[1<<20-1] = 0xFF

	ctx.Free(p)
	heap.PerformHeapCleanup()

	assert.LessOrEqual(t, s.UsedPhysicalBytes(), before,
		"huge region bytes not returned after cleanup")
	require.NoError(t, heap.CheckValidity())
}

// Budget exhaustion parks the allocator on the cleanup worker; when the
// cleanup frees enough memory the allocation succeeds.
func TestStarvationRescue(t *testing.T) {
	ctx := heap.AcquireContext()
	s := space.Get()

	// Park freeable memory in the pools.
	p := ctx.Malloc(1 << 20)
	require.NotNil(t, p)
	ctx.Free(p)

	prevMax := s.MaxUsablePhysicalBytes()
	defer s.SetMaxUsablePhysicalBytes(prevMax)
	s.SetMaxUsablePhysicalBytes(s.UsedPhysicalBytes())

	// A fresh context forces a fresh region, which overruns the budget
	// and must be rescued by the global cleanup.
	starved := heap.AcquireContext()
	q := starved.Malloc(1 << 15)
	require.NotNil(t, q, "rescue did not free enough memory")
	starved.Free(q)
}

// A double free is reported through the issue channel and corrupts
// nothing.
func TestDoubleFreeReported(t *testing.T) {
	var issues []heap.Issue
	heap.OnIssue = func(issue heap.Issue, addr uintptr) {
		issues = append(issues, issue)
	}
	defer func() { heap.OnIssue = nil }()

	ctx := heap.AcquireContext()

	p := ctx.Malloc(40)
	require.NotNil(t, p)
	ctx.Free(p)
	ctx.Free(p)

	require.Len(t, issues, 1)
	assert.Equal(t, heap.FreeRetainedObject, issues[0])

	// The slot is still allocatable and the lists are intact.
	p2 := ctx.Malloc(40)
	require.NotNil(t, p2)
	ctx.Free(p2)
	require.NoError(t, heap.CheckValidity())
}

// Frees of addresses the heap never handed out are reported and ignored.
func TestForeignFreeReported(t *testing.T) {
	var issues []heap.Issue
	heap.OnIssue = func(issue heap.Issue, addr uintptr) {
		issues = append(issues, issue)
	}
	defer func() { heap.OnIssue = nil }()

	ctx := heap.AcquireContext()
	ctx.FreeObject(0xdead0000)

	require.Len(t, issues, 1)
	assert.Equal(t, heap.FreeInexistingObject, issues[0])

	var local [16]byte
	assert.Zero(t, heap.Msize(unsafe.Pointer(&local[0])),
		"a Go-heap pointer must be foreign to the allocator")
}

// Security padding: writes within the request pass the canary check,
// writes past it are pinpointed at the first corrupted byte.
func TestSecurityPadding(t *testing.T) {
	ctx := heap.AcquireContext()
	ctx.SetOptions(heap.Options{SecurityPadding: 64})

	p := ctx.Malloc(40)
	require.NotNil(t, p)

	for i := range bytesOf(p, 40) {
		bytesOf(p, 40)[i] = 0
	}
	assert.Nil(t, heap.CheckOverflow(p), "no overflow after in-bounds writes")

	// One byte past the request clobbers the first canary byte.
	bytesOf(p, 41)[40] = 0
	corrupted := heap.CheckOverflow(p)
	require.NotNil(t, corrupted)
	assert.Equal(t, uintptr(p)+40, uintptr(corrupted))

	ctx.Free(p)
	ctx.SetOptions(heap.Options{})
}

func TestMetadata(t *testing.T) {
	ctx := heap.AcquireContext()
	ctx.SetOptions(heap.Options{TimeStamp: true, StackStamp: true})

	p := ctx.Malloc(64)
	require.NotNil(t, p)

	meta, ok := heap.GetMetadata(p)
	require.True(t, ok)
	assert.NotZero(t, meta.Timestamp)
	assert.NotZero(t, meta.Stackstamp)

	ctx.Free(p)
	ctx.SetOptions(heap.Options{})

	q := ctx.Malloc(64)
	require.NotNil(t, q)
	_, ok = heap.GetMetadata(q)
	assert.False(t, ok, "uninstrumented objects carry no metadata")
	ctx.Free(q)
}

func TestReallocAndCalloc(t *testing.T) {
	ctx := heap.AcquireContext()

	Convey("Given a context", t, func() {
		Convey("Calloc zeroes the memory", func() {
			p := ctx.Calloc(8, 16)
			So(p, ShouldNotBeNil)
			for _, b := range bytesOf(p, 128) {
				So(b, ShouldEqual, 0)
			}
			ctx.Free(p)
		})

		Convey("Realloc keeps the pointer while it fits", func() {
			p := ctx.Malloc(100)
			So(p, ShouldNotBeNil)
			So(ctx.Realloc(p, 40), ShouldEqual, p)
			ctx.Free(p)
		})

		Convey("Realloc moves and preserves data on growth", func() {
			p := ctx.Malloc(32)
			So(p, ShouldNotBeNil)
			copy(bytesOf(p, 32), "the quick brown fox jumps over")

			q := ctx.Realloc(p, 4096)
			So(q, ShouldNotBeNil)
			So(q, ShouldNotEqual, p)
			So(string(bytesOf(q, 9)), ShouldEqual, "the quick")
			ctx.Free(q)
		})

		Convey("Realloc to zero frees", func() {
			p := ctx.Malloc(32)
			So(p, ShouldNotBeNil)
			So(ctx.Realloc(p, 0), ShouldBeNil)
		})

		Convey("Realloc of nil mallocs", func() {
			p := ctx.Realloc(nil, 24)
			So(p, ShouldNotBeNil)
			ctx.Free(p)
		})
	})
}

// Running a cleanup twice without intervening mutations changes nothing
// the second time.
func TestCleanupIdempotent(t *testing.T) {
	ctx := heap.AcquireContext()

	ptrs := make([]unsafe.Pointer, 64)
	for i := range ptrs {
		ptrs[i] = ctx.Malloc(200)
		require.NotNil(t, ptrs[i])
	}
	for _, p := range ptrs {
		ctx.Free(p)
	}

	ctx.PerformCleanup()
	first := heap.GetStats()
	ctx.PerformCleanup()
	second := heap.GetStats()

	assert.Equal(t, first.Central, second.Central)
	assert.Equal(t, first.Contexts, second.Contexts)
	require.NoError(t, heap.CheckValidity())
}

// Package-level functions fall back to the shared default context and
// honor an explicit goroutine binding.
func TestDefaultAndBoundContext(t *testing.T) {
	p := heap.Malloc(40)
	require.NotNil(t, p)
	assert.Equal(t, uintptr(48), heap.Msize(p))
	heap.Free(p)

	ctx, err := heap.Bind(nil)
	require.NoError(t, err)

	_, err = heap.Bind(nil)
	assert.Equal(t, heap.ErrContextBound, err)

	q := heap.Malloc(40)
	require.NotNil(t, q)
	heap.Free(q)

	require.Same(t, ctx, heap.Unbind())
	require.Nil(t, heap.Unbind())

	// A context owned elsewhere cannot be bound again.
	done := make(chan error)
	_, err = heap.Bind(ctx)
	require.NoError(t, err)
	go func() {
		_, err := heap.Bind(ctx)
		done <- err
	}()
	assert.Equal(t, heap.ErrContextOwned, <-done)
	heap.Unbind()
}

func TestManagedObjectsAndSweep(t *testing.T) {
	schema := heap.RegisterSchema("test.pair", 24)

	ctx, err := heap.Bind(nil)
	require.NoError(t, err)
	defer heap.Unbind()

	kept := heap.NewManaged(schema)
	lost := heap.NewManaged(schema)
	require.False(t, kept.IsNil())
	require.False(t, lost.IsNil())
	assert.Equal(t, schema, kept.Header().SchemaID())

	tracker := &rootTracker{roots: []heap.Object{kept}}
	require.True(t, heap.RegisterReferenceTracker(tracker))
	defer heap.UnregisterReferenceTracker(tracker)

	heap.MarkAndSweepUnusedObjects()

	var issues []heap.Issue
	heap.OnIssue = func(issue heap.Issue, addr uintptr) { issues = append(issues, issue) }
	defer func() { heap.OnIssue = nil }()

	// The unmarked object was reclaimed by the sweep; freeing it again
	// trips the double-free report. The marked one frees normally.
	heap.FreeObject(lost)
	require.Len(t, issues, 1)
	assert.Equal(t, heap.FreeRetainedObject, issues[0])

	heap.FreeObject(kept)
	assert.Len(t, issues, 1)

	require.NoError(t, heap.CheckValidity())
	_ = ctx
}

type rootTracker struct {
	roots []heap.Object
}

func (t *rootTracker) MarkObjects(session *heap.ObjectAnalysisSession) {
	for _, obj := range t.roots {
		session.MarkAddress(uintptr(obj))
	}
}

// Disposed contexts are recycled by the next acquire.
func TestZContextReuse(t *testing.T) {
	ctx := heap.AcquireContext()
	id := ctx.ID()
	heap.DisposeContext(ctx)

	again := heap.AcquireContext()
	assert.Equal(t, id, again.ID(), "retired context not reused")
	heap.DisposeContext(again)
}
