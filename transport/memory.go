package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryResource is an explicit allocator handle. There is no package
// default: every structure that allocates is handed a resource at
// construction and routes the matching deallocation back to it, so
// ownership of every byte is discoverable from the call site.
//
// Byte buffers (payload storage, wire-frame scratch) go through
// Allocate/Deallocate. Fixed-size bookkeeping records (session state,
// tree nodes) are Go structs whose creation is gated through
// AllocateRecord/ReleaseRecord, which lets a bounded resource refuse
// them deterministically without fighting the runtime for raw memory.
type MemoryResource interface {
	// Allocate returns a zeroed buffer of exactly the requested size,
	// or nil if the resource is exhausted.
	Allocate(size int) []byte

	// Deallocate returns a buffer previously obtained from Allocate.
	// Passing nil is permitted and has no effect.
	Deallocate(buf []byte)

	// AllocateRecord charges the resource for one bookkeeping record of
	// the named kind. It reports whether the charge was accepted.
	AllocateRecord(kind string) bool

	// ReleaseRecord refunds a record charge made by AllocateRecord.
	ReleaseRecord(kind string)
}

// Resources bundles the three logical memory resources of a transport
// instance so a deployment can place each in a different region:
// session bookkeeping, wire-format scratch buffers, and reassembled
// payload storage.
type Resources struct {
	Session  MemoryResource
	Fragment MemoryResource
	Payload  MemoryResource
}

// Valid reports whether all three resources are present.
func (r Resources) Valid() bool {
	return r.Session != nil && r.Fragment != nil && r.Payload != nil
}

// NewHeapResources returns a Resources bundle backed by three
// independent unbounded heap resources. Convenient for hosts that do
// not need placement control.
func NewHeapResources() Resources {
	return Resources{
		Session:  NewHeapResource(),
		Fragment: NewHeapResource(),
		Payload:  NewHeapResource(),
	}
}

// HeapResource is an unbounded MemoryResource backed by the Go heap.
type HeapResource struct{}

// NewHeapResource returns a new heap-backed resource.
func NewHeapResource() *HeapResource { return &HeapResource{} }

func (*HeapResource) Allocate(size int) []byte {
	if size < 0 {
		return nil
	}
	return make([]byte, size)
}

func (*HeapResource) Deallocate([]byte) {}

func (*HeapResource) AllocateRecord(string) bool { return true }

func (*HeapResource) ReleaseRecord(string) {}

// PoolResource is a MemoryResource with fixed byte and record budgets.
// It does not pre-allocate; it only enforces the budgets, which is what
// the deterministic-memory contract needs from the Go side.
type PoolResource struct {
	byteBudget   int
	recordBudget int
	bytesUsed    int
	recordsUsed  int
}

// NewPoolResource returns a resource that admits at most byteBudget
// bytes of buffer storage and recordBudget bookkeeping records at any
// one time.
func NewPoolResource(byteBudget, recordBudget int) *PoolResource {
	return &PoolResource{byteBudget: byteBudget, recordBudget: recordBudget}
}

func (p *PoolResource) Allocate(size int) []byte {
	if size < 0 || p.bytesUsed+size > p.byteBudget {
		logrus.WithFields(logrus.Fields{
			"function":  "PoolResource.Allocate",
			"requested": size,
			"in_use":    p.bytesUsed,
			"budget":    p.byteBudget,
		}).Debug("Byte budget exhausted")
		return nil
	}
	p.bytesUsed += size
	return make([]byte, size)
}

func (p *PoolResource) Deallocate(buf []byte) {
	if buf == nil {
		return
	}
	p.bytesUsed -= cap(buf)
	if p.bytesUsed < 0 {
		p.bytesUsed = 0
	}
}

func (p *PoolResource) AllocateRecord(kind string) bool {
	if p.recordsUsed >= p.recordBudget {
		logrus.WithFields(logrus.Fields{
			"function": "PoolResource.AllocateRecord",
			"kind":     kind,
			"budget":   p.recordBudget,
		}).Debug("Record budget exhausted")
		return false
	}
	p.recordsUsed++
	return true
}

func (p *PoolResource) ReleaseRecord(string) {
	if p.recordsUsed > 0 {
		p.recordsUsed--
	}
}

// CountingResource wraps another resource and tracks net allocation
// deltas. It is used by leak tests and is safe for concurrent reads of
// the counters after the single-threaded workload has finished.
type CountingResource struct {
	inner MemoryResource

	mu           sync.Mutex
	BytesLive    int
	RecordsLive  int
	AllocCalls   int
	FreeCalls    int
	RecordCalls  int
	ReleaseCalls int
}

// NewCountingResource wraps inner with allocation accounting.
func NewCountingResource(inner MemoryResource) *CountingResource {
	return &CountingResource{inner: inner}
}

func (c *CountingResource) Allocate(size int) []byte {
	buf := c.inner.Allocate(size)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AllocCalls++
	if buf != nil {
		c.BytesLive += cap(buf)
	}
	return buf
}

func (c *CountingResource) Deallocate(buf []byte) {
	if buf == nil {
		return
	}
	c.mu.Lock()
	c.FreeCalls++
	c.BytesLive -= cap(buf)
	c.mu.Unlock()
	c.inner.Deallocate(buf)
}

func (c *CountingResource) AllocateRecord(kind string) bool {
	ok := c.inner.AllocateRecord(kind)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordCalls++
	if ok {
		c.RecordsLive++
	}
	return ok
}

func (c *CountingResource) ReleaseRecord(kind string) {
	c.mu.Lock()
	c.ReleaseCalls++
	c.RecordsLive--
	c.mu.Unlock()
	c.inner.ReleaseRecord(kind)
}

// FailingResource wraps another resource and fails deterministically:
// the Nth allocation attempt (buffers and records counted together,
// 0-based) and every later one is refused once armed. Exported because
// allocator-failure sweeps are useful to media implementations too.
type FailingResource struct {
	inner    MemoryResource
	failFrom int
	attempts int
	armed    bool
}

// NewFailingResource wraps inner; the resource behaves transparently
// until FailFrom arms it.
func NewFailingResource(inner MemoryResource) *FailingResource {
	return &FailingResource{inner: inner}
}

// FailFrom arms the resource to refuse the n-th allocation attempt
// (0-based) and all subsequent ones, and resets the attempt counter.
func (f *FailingResource) FailFrom(n int) {
	f.failFrom = n
	f.attempts = 0
	f.armed = true
}

// Disarm restores transparent behavior.
func (f *FailingResource) Disarm() { f.armed = false }

func (f *FailingResource) step() bool {
	if !f.armed {
		return true
	}
	ok := f.attempts < f.failFrom
	f.attempts++
	return ok
}

func (f *FailingResource) Allocate(size int) []byte {
	if !f.step() {
		return nil
	}
	return f.inner.Allocate(size)
}

func (f *FailingResource) Deallocate(buf []byte) { f.inner.Deallocate(buf) }

func (f *FailingResource) AllocateRecord(kind string) bool {
	if !f.step() {
		return false
	}
	return f.inner.AllocateRecord(kind)
}

func (f *FailingResource) ReleaseRecord(kind string) { f.inner.ReleaseRecord(kind) }
