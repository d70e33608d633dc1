package vmm

import (
	"unsafe"

	"github.com/last-genius/gokernel/kernel"
	"github.com/last-genius/gokernel/kernel/mem"
	"github.com/last-genius/gokernel/kernel/mem/pmm"
)

const (
	// pageLevels is the number of page table levels used by the amd64 MMU
	// when translating a virtual address (PML4, PDPT, PD, PT).
	pageLevels = 4

	// recursiveEntry is the index of the PML4 entry that is recursively
	// mapped to the PML4 table itself. It allows the kernel to reach any
	// page table entry at any level using ordinary virtual addresses.
	recursiveEntry = 511

	// tempMappingAddr is the fixed virtual address used by MapTemporary to
	// expose an arbitrary physical frame so it can be inspected or modified.
	// It corresponds to page table indices (510, 511, 511, 511).
	tempMappingAddr = uintptr(0xffffff7ffffff000)
)

var (
	// pageLevelBits holds the number of bits used to index each page table
	// level, ordered from the top (PML4) to the bottom (PT) level.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts holds the bit offset of each page table level's index
	// field inside a virtual address, ordered from the top (PML4) to the
	// bottom (PT) level.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

	// ptePtrFn resolves a recursively-computed virtual address to the
	// pointer that the MMU would dereference to reach the corresponding
	// page table entry. It is mocked by tests that cannot rely on the MMU.
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		return unsafe.Pointer(entry)
	}

	// ErrInvalidMapping is returned when attempting to operate on a virtual
	// address that does not currently have a valid mapping.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "invalid page mapping"}
)

// PageTableEntryFlag describes the flag bits that can be set on a page table
// entry at any paging level.
type PageTableEntryFlag uint64

// Page table entry flags recognized by the paging code.
const (
	FlagPresent PageTableEntryFlag = 1 << 0
	FlagRW      PageTableEntryFlag = 1 << 1
	FlagUser    PageTableEntryFlag = 1 << 2
	FlagHugePage PageTableEntryFlag = 1 << 7

	// FlagCopyOnWrite is an OS-defined bit (the CPU never interprets it)
	// used to mark a read-only page that should be cloned on the next
	// write fault instead of treated as a genuine protection violation.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// frameMask isolates the bits of a page table entry that encode the
// physical frame address (bits 12 through 51).
const frameMask = pageTableEntry(0x000ffffffffff000)

// pageTableEntry represents a single entry at any level of the page table
// hierarchy.
type pageTableEntry uint64

// HasFlags returns true if all bits in flags are set in this entry.
func (pte *pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (*pte & pageTableEntry(flags)) == pageTableEntry(flags)
}

// HasAnyFlag returns true if at least one bit in flags is set in this entry.
func (pte *pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (*pte & pageTableEntry(flags)) != 0
}

// SetFlags sets the specified flag bits on this entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= pageTableEntry(flags)
}

// ClearFlags clears the specified flag bits on this entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte &^= pageTableEntry(flags)
}

// Frame returns the physical frame that this entry points to.
func (pte *pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((*pte & frameMask) >> mem.PageShift)
}

// SetFrame updates the physical frame that this entry points to without
// touching any of the flag bits.
func (pte *pageTableEntry) SetFrame(f pmm.Frame) {
	*pte = (*pte &^ frameMask) | ((pageTableEntry(f) << mem.PageShift) & frameMask)
}

// pageTableIndex extracts the index field for the given (0-based, top to
// bottom) paging level out of a virtual address.
func pageTableIndex(virtAddr uintptr, level int) uintptr {
	mask := uintptr(1)<<pageLevelBits[level] - 1
	return (virtAddr >> pageLevelShifts[level]) & mask
}

// recursiveAddr computes the virtual address that, when dereferenced, makes
// the MMU walk the recursively-mapped PML4 table and land on the page table
// entry at pteLevel (0 == PML4, pageLevels-1 == PT) for the address whose
// per-level indices are given by idx.
func recursiveAddr(pteLevel int, idx [pageLevels]uintptr) uintptr {
	var fields [pageLevels]uintptr

	rCount := pageLevels - pteLevel
	for j := 0; j < pageLevels; j++ {
		if j < rCount {
			fields[j] = recursiveEntry
		} else {
			fields[j] = idx[j-rCount]
		}
	}

	addr := uintptr(0xffff) << 48
	for j := 0; j < pageLevels; j++ {
		addr |= fields[j] << pageLevelShifts[j]
	}
	addr |= idx[pteLevel] << mem.PointerShift

	return addr
}

// walk invokes visitFn once for each page table level (from PML4 down to
// PT) that is traversed while resolving virtAddr, passing a pointer to the
// entry at that level. Traversal stops early if visitFn returns false.
func walk(virtAddr uintptr, visitFn func(pteLevel uint8, entry *pageTableEntry) bool) {
	var idx [pageLevels]uintptr
	for level := 0; level < pageLevels; level++ {
		idx[level] = pageTableIndex(virtAddr, level)
	}

	for level := 0; level < pageLevels; level++ {
		entryAddr := recursiveAddr(level, idx)
		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !visitFn(uint8(level), pte) {
			return
		}
	}
}

// pteForAddress returns a pointer to the leaf page table entry that maps
// virtAddr, or ErrInvalidMapping if no such mapping currently exists.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		found *pageTableEntry
		err   *kernel.Error
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			found = pte
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err != nil {
		return nil, err
	}

	return found, nil
}
