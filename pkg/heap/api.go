package heap

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/timandy/routine"
)

// SharedContext wraps a memory context behind a mutex so that any
// goroutine may use it. It backs the default context the package-level
// functions fall back to when the calling goroutine bound none.
type SharedContext struct {
	mu  sync.Mutex
	ctx *MemoryContext
}

// NewPrivatedUnmanaged allocates through the shared context.
func (s *SharedContext) NewPrivatedUnmanaged(size uintptr) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.NewPrivatedUnmanaged(size)
}

// NewPrivatedManaged allocates through the shared context.
func (s *SharedContext) NewPrivatedManaged(size uintptr) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.NewPrivatedManaged(size)
}

// Malloc allocates through the shared context.
func (s *SharedContext) Malloc(size uintptr) unsafe.Pointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Malloc(size)
}

// Free releases through the shared context.
func (s *SharedContext) Free(p unsafe.Pointer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx.Free(p)
}

// Realloc reallocates through the shared context.
func (s *SharedContext) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Realloc(p, size)
}

var (
	// ErrContextBound reports a Bind over an already bound goroutine.
	ErrContextBound = errors.New("heap: goroutine already has a context")

	// ErrContextOwned reports a Bind of a context another goroutine
	// owns.
	ErrContextOwned = errors.New("heap: context already owned")
)

// threadContext is the goroutine-bound context. It exists so that tools
// which cannot thread a context explicitly still get per-goroutine
// allocation state; everything also works with explicit *MemoryContext
// methods.
var threadContext = routine.NewThreadLocal[*MemoryContext]()

// AcquireContext returns a context for explicit use, reusing a retired one
// when available.
func AcquireContext() *MemoryContext {
	return getController().acquireContext(false)
}

// DisposeContext retires a context. Its regions stay cached with it until
// the context is reused or a cleanup drains it.
func DisposeContext(ctx *MemoryContext) {
	if ctx.isShared {
		panic("heap: shared context cannot be disposed")
	}
	getController().disposeContext(ctx)
}

// Bind dedicates a context to the calling goroutine; pass nil to acquire a
// fresh one. Binding fails when the goroutine already has a context or the
// given one is owned elsewhere.
func Bind(ctx *MemoryContext) (*MemoryContext, error) {
	if threadContext.Get() != nil {
		return nil, ErrContextBound
	}
	if ctx == nil {
		ctx = AcquireContext()
	}
	if !ctx.owning.TryLock() {
		return nil, ErrContextOwned
	}
	threadContext.Set(ctx)
	return ctx, nil
}

// Unbind releases the calling goroutine's context and returns it, or nil.
func Unbind() *MemoryContext {
	ctx := threadContext.Get()
	if ctx == nil {
		return nil
	}
	threadContext.Remove()
	ctx.owning.Unlock()
	return ctx
}

// Current returns the goroutine's bound context, or nil.
func Current() *MemoryContext {
	return threadContext.Get()
}

// Malloc returns a pointer to size usable bytes, or nil when the space is
// exhausted.
func Malloc(size uintptr) unsafe.Pointer {
	if ctx := threadContext.Get(); ctx != nil {
		return ctx.Malloc(size)
	}
	return getController().defaultContext.Malloc(size)
}

// Free releases a pointer obtained from Malloc, Calloc or Realloc; nil is
// tolerated.
func Free(p unsafe.Pointer) {
	if ctx := threadContext.Get(); ctx != nil {
		ctx.Free(p)
		return
	}
	getController().defaultContext.Free(p)
}

// Calloc returns zero-initialized memory for n items of size bytes.
func Calloc(n, size uintptr) unsafe.Pointer {
	if ctx := threadContext.Get(); ctx != nil {
		return ctx.Calloc(n, size)
	}
	s := getController().defaultContext
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Calloc(n, size)
}

// Realloc grows or shrinks an allocation, preserving min(old, size)
// bytes; it may move the data.
func Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ctx := threadContext.Get(); ctx != nil {
		return ctx.Realloc(p, size)
	}
	return getController().defaultContext.Realloc(p, size)
}

// Msize returns the usable size of the object at p, or 0 when p is
// foreign to the heap.
func Msize(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	getController()
	loc := locateObject(uintptr(p))
	return loc.usableSize()
}

// NewUnmanaged allocates an object of the schema's base size in the
// unmanaged arenas.
func NewUnmanaged(id SchemaID) Object {
	schema, ok := SchemaOf(id)
	if !ok {
		return 0
	}
	obj := allocSchemaObject(false, uintptr(schema.BaseSize)+payloadOffset)
	if !obj.IsNil() {
		*obj.Header() = obj.Header().WithSchemaID(id)
	}
	return obj
}

// NewManaged allocates an object of the schema's base size in the managed
// arenas, visible to reachability marking.
func NewManaged(id SchemaID) Object {
	schema, ok := SchemaOf(id)
	if !ok {
		return 0
	}
	obj := allocSchemaObject(true, uintptr(schema.BaseSize)+payloadOffset)
	if obj.IsNil() {
		return 0
	}
	if session := activeSession.Load(); session != nil {
		// Mark before the schema is published so a concurrent sweep
		// cannot reclaim the fresh object.
		session.MarkAddress(uintptr(obj))
	}
	*obj.Header() = obj.Header().WithSchemaID(id)
	return obj
}

func allocSchemaObject(managed bool, size uintptr) Object {
	var (
		obj Object
		err error
	)
	if ctx := threadContext.Get(); ctx != nil {
		if managed {
			obj, err = ctx.NewPrivatedManaged(size)
		} else {
			obj, err = ctx.NewPrivatedUnmanaged(size)
		}
	} else if managed {
		obj, err = getController().defaultContext.NewPrivatedManaged(size)
	} else {
		obj, err = getController().defaultContext.NewPrivatedUnmanaged(size)
	}
	if err != nil {
		return 0
	}
	return obj
}

// FreeObject releases an object allocated with NewManaged or NewUnmanaged.
func FreeObject(obj Object) {
	if obj.IsNil() {
		return
	}
	if ctx := threadContext.Get(); ctx != nil {
		ctx.FreeObject(uintptr(obj))
		return
	}
	s := getController().defaultContext
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx.FreeObject(uintptr(obj))
}

// GetMetadata returns the analytics tail (timestamp, stackstamp) of an
// instrumented object.
func GetMetadata(p unsafe.Pointer) (Metadata, bool) {
	if p == nil {
		return Metadata{}, false
	}
	getController()
	loc := locateObject(uintptr(p))
	return loc.metadata()
}

// CheckOverflow verifies the trailing canary of a security-padded object.
// It returns the address of the first corrupted byte as a pointer, or nil
// when the padding is intact (or the object carries none).
func CheckOverflow(p unsafe.Pointer) unsafe.Pointer {
	if p == nil {
		return nil
	}
	getController()
	loc := locateObject(uintptr(p))
	if at := loc.detectOverflowedBytes(); at != 0 {
		return unsafe.Pointer(at) //nolint:govet
	}
	return nil
}

// SetTimeStampOption toggles allocation timestamps on every context.
func SetTimeStampOption(enabled bool) {
	getController().setOptions(func(o *Options) { o.TimeStamp = enabled })
}

// SetStackStampOption toggles allocation stack digests on every context.
func SetStackStampOption(enabled bool) {
	getController().setOptions(func(o *Options) { o.StackStamp = enabled })
}

// SetSecurityPaddingOption sets the canary size on every context; 0 turns
// the padding off.
func SetSecurityPaddingOption(paddingSize uint32) {
	getController().setOptions(func(o *Options) { o.SecurityPadding = paddingSize })
}

// ScheduleContextRecovery asks the cleanup worker to drain the context's
// notified backlog. Idempotent while a recovery is pending.
func ScheduleContextRecovery(ctx *MemoryContext) {
	getController().scheduleContextRecovery(ctx)
}

// PerformHeapCleanup purges every claimable context, the central pools and
// the region-space caches, then sweeps unreachable managed objects.
func PerformHeapCleanup() {
	getController().performHeapCleanup()
}

// CheckValidity cross-checks every context and central list; it is meant
// for tests and debugging.
func CheckValidity() error {
	return getController().checkValidity()
}

// Shutdown stops the cleanup worker and drains every pool. The allocator
// must not be used afterwards; there is deliberately no way to restart it
// within the same process.
func Shutdown() {
	getController().shutdown()
}
