package allocator

import (
	"github.com/last-genius/gokernel/kernel"
	"github.com/last-genius/gokernel/kernel/hal/multiboot"
	"github.com/last-genius/gokernel/kernel/kfmt/early"
	"github.com/last-genius/gokernel/kernel/mem"
	"github.com/last-genius/gokernel/kernel/mem/pmm"
)

var (
	// EarlyAllocator points to a static instance of the boot memory allocator
	// which is used to bootstrap the kernel before initializing a more
	// advanced memory allocator.
	EarlyAllocator BootMemAllocator

	errBootAllocUnsupportedPageSize = &kernel.Error{Module: "boot_mem_alloc", Message: "allocator only support allocation requests of order(0)"}
	errBootAllocOutOfMemory         = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which is used
// to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame.
//
// Allocations are tracked via an internal counter that contains the last
// allocated frame index.  The system memory regions are mapped into a linear
// page index by aligning the region start address to the system's page size
// and then dividing by the page size.
//
// The allocator also excludes the kernel image and the multiboot information
// blob: both occupy physical memory the bootloader's memory map still
// reports as available, since neither is a BIOS/UEFI reservation. Whenever
// the watermark would otherwise enter one of these ranges it jumps past the
// range's end and resumes scanning from there.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the kernel is properly initialized, the allocated
// blocks will be handed over to a more advanced memory allocator that does
// support freeing.
type BootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocIndex tracks the last allocated frame index.
	lastAllocIndex int64

	// kernelStartIndex/kernelEndIndex delimit the page-index range occupied
	// by the kernel image; only meaningful when kernelRangeSet is true. Left
	// unset (the zero value) until Init derives it, so a BootMemAllocator
	// used without calling Init first excludes nothing.
	kernelRangeSet                  bool
	kernelStartIndex, kernelEndIndex int64

	// multibootStartIndex/multibootEndIndex delimit the page-index range
	// occupied by the multiboot information structure itself; only
	// meaningful when multibootRangeSet is true.
	multibootRangeSet                      bool
	multibootStartIndex, multibootEndIndex int64
}

// Init sets up the boot memory allocator internal state, derives the
// kernel image and multiboot blob's reserved page ranges and prints out the
// system memory map.
func (alloc *BootMemAllocator) Init() {
	alloc.lastAllocIndex = -1

	if kernelStart, kernelEnd, ok := multiboot.KernelImageBounds(); ok {
		alloc.kernelRangeSet = true
		alloc.kernelStartIndex = int64(mem.Size(kernelStart) >> mem.PageShift)
		alloc.kernelEndIndex = int64(((mem.Size(kernelEnd)+mem.PageSize-1)&^(mem.PageSize-1))>>mem.PageShift) - 1
	} else {
		alloc.kernelRangeSet = false
	}

	multibootStart, multibootEnd := multiboot.Bounds()
	alloc.multibootRangeSet = true
	alloc.multibootStartIndex = int64(mem.Size(multibootStart) >> mem.PageShift)
	alloc.multibootEndIndex = int64(((mem.Size(multibootEnd)+mem.PageSize-1)&^(mem.PageSize-1))>>mem.PageShift) - 1

	early.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		early.Printf("\t[%10x - %10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	early.Printf("[boot_mem_alloc] free memory: %dKb\n", uint64(totalFree/mem.Kb))
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame, skipping over any frame that
// falls inside the kernel image or the multiboot information blob.
//
// AllocFrame returns an error if no more memory can be allocated or when the
// requested page order is > 0.
func (alloc *BootMemAllocator) AllocFrame(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	if order > 0 {
		return pmm.InvalidFrame, errBootAllocUnsupportedPageSize
	}

	var (
		foundPageIndex                           int64 = -1
		bestPageIndex, bestRegionStart           int64 = -1, -1
		regionStartPageIndex, regionEndPageIndex int64
	)
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Align region start address to a page boundary and find the start
		// and end page indices for the region
		regionStartPageIndex = int64(((mem.Size(region.PhysAddress) + (mem.PageSize - 1)) & ^(mem.PageSize - 1)) >> mem.PageShift)
		regionEndPageIndex = int64(((mem.Size(region.PhysAddress+region.Length) - (mem.PageSize - 1)) & ^(mem.PageSize - 1)) >> mem.PageShift)

		// Ignore already allocated regions
		if alloc.lastAllocIndex >= regionEndPageIndex {
			return true
		}

		// We found a block that can be allocated. The last allocated
		// index will be either pointing to a previous region or will
		// point inside this region. In the first case we just need to
		// select the regionStartPageIndex. In the latter case we can
		// simply select the next available page in the current region.
		if alloc.lastAllocIndex < regionStartPageIndex {
			foundPageIndex = regionStartPageIndex
		} else {
			foundPageIndex = alloc.lastAllocIndex + 1
		}

		// Jump past whichever reserved range the watermark just entered.
		// Loop since the multiboot blob may immediately follow the kernel
		// image (or vice versa).
		for {
			if alloc.kernelRangeSet && foundPageIndex >= alloc.kernelStartIndex && foundPageIndex <= alloc.kernelEndIndex {
				foundPageIndex = alloc.kernelEndIndex + 1
				continue
			}
			if alloc.multibootRangeSet && foundPageIndex >= alloc.multibootStartIndex && foundPageIndex <= alloc.multibootEndIndex {
				foundPageIndex = alloc.multibootEndIndex + 1
				continue
			}
			break
		}

		// The above adjustment might have pushed foundPageIndex past the
		// end of the region (e.g. the kernel image ends at the region's
		// last page); this region has nothing left to offer in that case.
		if foundPageIndex > regionEndPageIndex {
			return true
		}

		// Among the regions that still have a free frame above the
		// watermark, the one with the lowest start address wins.
		if bestPageIndex == -1 || regionStartPageIndex < bestRegionStart {
			bestPageIndex, bestRegionStart = foundPageIndex, regionStartPageIndex
		}
		return true
	})

	if bestPageIndex == -1 {
		return pmm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.lastAllocIndex = bestPageIndex

	return pmm.Frame(bestPageIndex), nil
}
