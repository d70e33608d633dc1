package buddy

import (
	"github.com/last-genius/gokernel/kernel"
	"github.com/last-genius/gokernel/kernel/kfmt/early"
	"github.com/last-genius/gokernel/kernel/sync"
)

// Global is the process-wide kernel heap. It must be seeded with a call to
// Global.Init before any package calls Alloc/Free against it.
var Global globalHeap

// panicFn is mocked by tests and is automatically inlined by the compiler.
var panicFn = kernel.Panic

// globalHeap wraps a Heap with a lock so it can be shared by the scheduler
// and any dynamic structure the kernel builds after Kmain's heap-init step.
// Allocation is a kernel-thread concern only: IRQ handlers must not call
// Alloc/Free.
type globalHeap struct {
	lock sync.Spinlock
	heap Heap
}

// Init donates [start, start+size) to the global heap.
func (g *globalHeap) Init(start uintptr, size uintptr) {
	g.lock.Acquire()
	defer g.lock.Release()

	g.heap.Init(start, size)
}

// Alloc returns a block satisfying layout, panicking with the failing
// layout if the heap is exhausted.
func (g *globalHeap) Alloc(layout Layout) uintptr {
	g.lock.Acquire()
	ptr, err := g.heap.Alloc(layout)
	g.lock.Release()

	if err != nil {
		early.Printf("\nheap allocation failed: size=%d align=%d\n", uint64(layout.Size), uint64(layout.Align))
		panicFn(err)
	}

	return ptr
}

// Free returns a block previously obtained from Alloc with the same layout.
func (g *globalHeap) Free(ptr uintptr, layout Layout) {
	g.lock.Acquire()
	defer g.lock.Release()

	g.heap.Free(ptr, layout)
}

// StatsUserBytes returns the sum of requested sizes across live allocations.
func (g *globalHeap) StatsUserBytes() uintptr {
	g.lock.Acquire()
	defer g.lock.Release()

	return g.heap.StatsUserBytes()
}

// StatsAllocatedBytes returns the sum of block sizes backing live
// allocations.
func (g *globalHeap) StatsAllocatedBytes() uintptr {
	g.lock.Acquire()
	defer g.lock.Release()

	return g.heap.StatsAllocatedBytes()
}

// StatsTotalBytes returns the total size of memory donated to the heap.
func (g *globalHeap) StatsTotalBytes() uintptr {
	g.lock.Acquire()
	defer g.lock.Release()

	return g.heap.StatsTotalBytes()
}
