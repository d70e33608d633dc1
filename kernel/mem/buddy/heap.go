// Package buddy implements a buddy-system allocator that backs the general
// purpose kernel heap. It is the allocator behind Go's own `new`/`make` once
// the runtime's allocator hooks are wired to it; nothing below this package
// may itself allocate.
package buddy

import (
	"unsafe"

	"github.com/last-genius/gokernel/kernel"
)

// orderCount is the number of size classes the heap tracks. Class k holds
// blocks of size 2^k bytes, so orderCount classes cover block sizes up to
// 2^(orderCount-1) bytes; 32 classes comfortably covers any heap region a
// single-CPU kernel like this one is ever handed.
const orderCount = 32

// wordSize is the minimum block size and alignment the allocator ever hands
// out: a block must be at least large enough to hold the intrusive free-list
// pointer threaded through its first word.
const wordSize = uintptr(unsafe.Sizeof(uintptr(0)))

// ErrOutOfMemory is returned by Alloc when no free block satisfies the
// requested layout.
var ErrOutOfMemory = &kernel.Error{Module: "buddy", Message: "out of memory"}

// Layout describes a requested allocation: the number of bytes and the
// alignment the returned address must satisfy.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// Heap is a buddy-system allocator over one or more disjoint memory ranges.
// The zero value is an empty heap; call AddRange to donate memory to it
// before the first Alloc. A Heap is not safe for concurrent use on its own;
// Global wraps one with a Spinlock for that purpose.
type Heap struct {
	// freeList[k] is the address of the first free block of size 2^k, or 0
	// if the class has no free blocks. Each free block's first word stores
	// the address of the next free block in the same class (0 terminates).
	freeList [orderCount]uintptr

	user      uintptr
	allocated uintptr
	total     uintptr
}

// AddRange donates the byte range [start, end) to the heap, splitting it
// into the largest power-of-two, address-aligned blocks that fit and filing
// each one under its size class. Both ends are rounded to word alignment
// first, start upward and end downward, so no unaligned remainder is ever
// handed out.
func (h *Heap) AddRange(start, end uintptr) {
	start = alignUp(start, wordSize)
	end = alignDown(end, wordSize)
	if start >= end {
		return
	}

	var donated uintptr
	for start+wordSize <= end {
		lowBit := start & (^start + 1)
		size := min(lowBit, prevPowerOfTwo(end-start))

		class := trailingZeros(size)
		listPush(&h.freeList[class], start)

		donated += size
		start += size
	}

	h.total += donated
}

// Init is a convenience wrapper around AddRange for a single [start,
// start+size) region.
func (h *Heap) Init(start uintptr, size uintptr) {
	h.AddRange(start, start+size)
}

// Alloc returns a pointer to a free block satisfying layout, splitting
// larger blocks as needed. It returns ErrOutOfMemory if no class from the
// requested one upward has a free block to split.
func (h *Heap) Alloc(layout Layout) (uintptr, *kernel.Error) {
	class := classFor(layout)

	for i := class; i < orderCount; i++ {
		if h.freeList[i] == 0 {
			continue
		}

		for j := i; j > class; j-- {
			block := listPop(&h.freeList[j])
			buddy := block + 1<<uint(j-1)
			listPush(&h.freeList[j-1], buddy)
			listPush(&h.freeList[j-1], block)
		}

		block := listPop(&h.freeList[class])
		h.user += layout.Size
		h.allocated += 1 << uint(class)
		return block, nil
	}

	return 0, ErrOutOfMemory
}

// Free returns a block previously returned by Alloc with the same layout to
// the heap, merging it with its buddy at each class for as long as the
// buddy is also free.
func (h *Heap) Free(ptr uintptr, layout Layout) {
	class := classFor(layout)

	cur := ptr
	listPush(&h.freeList[class], cur)

	for class+1 < orderCount {
		buddy := cur ^ (1 << uint(class))
		if !listRemove(&h.freeList[class], buddy) {
			break
		}
		listRemove(&h.freeList[class], cur)

		if buddy < cur {
			cur = buddy
		}
		class++
		listPush(&h.freeList[class], cur)
	}

	h.user -= layout.Size
	h.allocated -= 1 << uint(classFor(layout))
}

// StatsUserBytes returns the sum of the sizes requested by live allocations.
func (h *Heap) StatsUserBytes() uintptr { return h.user }

// StatsAllocatedBytes returns the sum of the block sizes backing live
// allocations; always >= StatsUserBytes due to internal fragmentation.
func (h *Heap) StatsAllocatedBytes() uintptr { return h.allocated }

// StatsTotalBytes returns the total size of memory ever donated via
// AddRange/Init.
func (h *Heap) StatsTotalBytes() uintptr { return h.total }

// classFor returns the size class that satisfies layout: the smallest k such
// that 2^k is both a multiple of layout.Align and >= layout.Size, with a
// floor of wordSize so every block can hold a free-list pointer.
func classFor(layout Layout) int {
	size := nextPowerOfTwo(layout.Size)
	size = maxUintptr(size, maxUintptr(layout.Align, wordSize))
	return trailingZeros(size)
}

func listPush(head *uintptr, block uintptr) {
	*(*uintptr)(unsafe.Pointer(block)) = *head
	*head = block
}

func listPop(head *uintptr) uintptr {
	block := *head
	if block != 0 {
		*head = *(*uintptr)(unsafe.Pointer(block))
	}
	return block
}

// listRemove removes target from the free list rooted at head if present,
// reporting whether it was found.
func listRemove(head *uintptr, target uintptr) bool {
	if *head == target {
		*head = *(*uintptr)(unsafe.Pointer(target))
		return true
	}

	for cur := *head; cur != 0; {
		next := *(*uintptr)(unsafe.Pointer(cur))
		if next == target {
			*(*uintptr)(unsafe.Pointer(cur)) = *(*uintptr)(unsafe.Pointer(next))
			return true
		}
		cur = next
	}

	return false
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

func nextPowerOfTwo(v uintptr) uintptr {
	if v <= 1 {
		return 1
	}

	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// prevPowerOfTwo returns the largest power of two <= v.
func prevPowerOfTwo(v uintptr) uintptr {
	if v == 0 {
		return 0
	}

	var order uint
	for order = 0; v>>(order+1) != 0; order++ {
	}
	return 1 << order
}

func trailingZeros(v uintptr) int {
	if v == 0 {
		return 0
	}

	var n int
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

func min(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}
