package heap

import (
	"sync"

	"github.com/flier/goheap/internal/debug"
	"github.com/flier/goheap/internal/xsync"
	"github.com/flier/goheap/pkg/space"
)

// maxTrackers bounds the reference-tracker registry.
const maxTrackers = 128

// StarvedConsumerToken parks an allocating goroutine until the cleanup
// worker has run a global heap cleanup on its behalf.
type StarvedConsumerToken struct {
	mu       sync.Mutex
	signal   *sync.Cond
	next     *StarvedConsumerToken
	size     uintptr
	released bool
}

var tokenPool = xsync.Pool[StarvedConsumerToken]{
	Reset: func(t *StarvedConsumerToken) {
		t.next = nil
		t.size = 0
		t.released = false
	},
}

// heapController is the singleton behind the public API: the context
// registry, the central pools, the recovery and starvation queues and the
// cleanup worker.
type heapController struct {
	notificationMu sync.Mutex
	signal         *sync.Cond
	terminating    bool
	workerDone     chan struct{}

	recovered *MemoryContext
	starved   *StarvedConsumerToken

	contextsMu    sync.Mutex
	contexts      *MemoryContext
	contextsCount uint16
	options       Options

	central        MemoryCentral
	defaultContext *SharedContext

	trackersMu    sync.Mutex
	trackers      [maxTrackers]ReferenceTracker
	trackersCount int

	sessionMu sync.Mutex
	session   ObjectAnalysisSession
	cycle     uint32
}

var (
	controllerOnce sync.Once
	controller     *heapController
)

// getController lazily builds the process heap on first allocation.
func getController() *heapController {
	controllerOnce.Do(func() {
		c := new(heapController)
		c.signal = sync.NewCond(&c.notificationMu)
		c.workerDone = make(chan struct{})
		c.central.initialize()
		c.options = optionsFromEnv()
		if max := maxPhysicalFromEnv(); max > 0 {
			space.Get().SetMaxUsablePhysicalBytes(max)
		}
		controller = c
		c.defaultContext = &SharedContext{ctx: c.acquireContext(true)}
		go c.runWorker()
	})
	return controller
}

// acquireContext reuses a retired context when one is available, otherwise
// registers a fresh one.
func (c *heapController) acquireContext(isShared bool) *MemoryContext {
	c.contextsMu.Lock()
	for ctx := c.contexts; ctx != nil; ctx = ctx.nextRegistered {
		if !ctx.allocated {
			ctx.allocated = true
			ctx.isShared = isShared
			ctx.options = c.options
			c.contextsMu.Unlock()
			return ctx
		}
	}
	c.contextsMu.Unlock()

	ctx := new(MemoryContext)
	ctx.initialize(&c.central)
	ctx.allocated = true
	ctx.isShared = isShared

	c.contextsMu.Lock()
	ctx.options = c.options
	ctx.nextRegistered = c.contexts
	ctx.id = c.contextsCount
	c.contextsCount++
	c.contexts = ctx
	c.contextsMu.Unlock()
	return ctx
}

// disposeContext marks the context reusable. Its regions stay with it
// until another goroutine claims it or a cleanup pass drains it.
func (c *heapController) disposeContext(ctx *MemoryContext) {
	c.contextsMu.Lock()
	ctx.allocated = false
	c.contextsMu.Unlock()
}

// scheduleContextRecovery enqueues the context for a worker-side cleanup.
// The noLink-style sentinel on nextRecovered makes re-scheduling a no-op.
func (c *heapController) scheduleContextRecovery(ctx *MemoryContext) {
	if ctx.nextRecovered != recoveredNone {
		return
	}
	c.notificationMu.Lock()
	if ctx.nextRecovered != recoveredNone {
		c.notificationMu.Unlock()
		return
	}
	ctx.nextRecovered = c.recovered
	c.recovered = ctx
	c.notificationMu.Unlock()
	c.signal.Signal()
}

// rescueStarvedConsumer blocks the caller until the worker has run a
// global cleanup.
func (c *heapController) rescueStarvedConsumer(size uintptr) {
	token := tokenPool.Get()
	if token.signal == nil {
		token.signal = sync.NewCond(&token.mu)
	}
	token.size = size

	c.notificationMu.Lock()
	token.next = c.starved
	c.starved = token
	c.notificationMu.Unlock()
	c.signal.Signal()

	token.mu.Lock()
	for !token.released {
		token.signal.Wait()
	}
	token.mu.Unlock()
	tokenPool.Put(token)
}

// runWorker is the cleanup worker loop: soft recovery for notified-heavy
// contexts, hard recovery (global cleanup plus sweep) for starved
// consumers.
func (c *heapController) runWorker() {
	defer close(c.workerDone)

	c.notificationMu.Lock()
	for {
		for !c.terminating && c.recovered == nil && c.starved == nil {
			c.signal.Wait()
		}
		if c.terminating {
			c.notificationMu.Unlock()
			return
		}

		recovered := c.recovered
		starved := c.starved
		c.recovered = nil
		c.starved = nil
		c.notificationMu.Unlock()

		for recovered != nil {
			ctx := recovered
			recovered = ctx.nextRecovered
			c.recoverContext(ctx)
			ctx.nextRecovered = recoveredNone
		}

		if starved != nil {
			c.performHeapCleanup()
			for starved != nil {
				token := starved
				starved = token.next
				token.next = nil
				token.mu.Lock()
				token.released = true
				token.signal.Signal()
				token.mu.Unlock()
			}
		}

		c.notificationMu.Lock()
	}
}

// recoverContext cleans a context when it can be claimed; an actively
// owned context is left to its owner, whose next scavenge drains the same
// notifications.
func (c *heapController) recoverContext(ctx *MemoryContext) {
	if !ctx.owning.TryLock() {
		debug.Log(nil, "worker", "context %d busy, skip recovery", ctx.id)
		return
	}
	defer ctx.owning.Unlock()
	ctx.PerformCleanup()
}

// performHeapCleanup purges every claimable context, the central pools and
// the region-space caches, then sweeps unreachable managed objects.
func (c *heapController) performHeapCleanup() {
	c.contextsMu.Lock()
	contexts := c.contexts
	c.contextsMu.Unlock()

	for ctx := contexts; ctx != nil; ctx = ctx.nextRegistered {
		c.recoverContext(ctx)
	}
	c.central.PerformCleanup()
	space.Get().PerformCleanup()
	c.markAndSweepUnusedObjects()
}

// CheckValidity cross-checks every registered context and the central
// pools; tests call this after each scenario.
func (c *heapController) checkValidity() error {
	c.contextsMu.Lock()
	defer c.contextsMu.Unlock()
	for ctx := c.contexts; ctx != nil; ctx = ctx.nextRegistered {
		if err := ctx.checkValidity(); err != nil {
			return err
		}
	}
	if err := c.central.unmanaged.checkValidity(); err != nil {
		return err
	}
	return c.central.managed.checkValidity()
}

// setOptions applies an option mutation to every registered context and to
// the default for future contexts.
func (c *heapController) setOptions(mutate func(*Options)) {
	c.contextsMu.Lock()
	defer c.contextsMu.Unlock()
	mutate(&c.options)
	for ctx := c.contexts; ctx != nil; ctx = ctx.nextRegistered {
		mutate(&ctx.options)
	}
}

// shutdown stops the worker and drains every context into the region
// space. Allocator calls after shutdown are the caller's bug.
func (c *heapController) shutdown() {
	c.notificationMu.Lock()
	c.terminating = true
	c.notificationMu.Unlock()
	c.signal.Broadcast()
	<-c.workerDone

	c.contextsMu.Lock()
	contexts := c.contexts
	c.contextsMu.Unlock()
	for ctx := contexts; ctx != nil; ctx = ctx.nextRegistered {
		ctx.PerformCleanup()
	}
	c.central.PerformCleanup()
	space.Get().PerformCleanup()
}
