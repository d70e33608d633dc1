// Package gdt builds the kernel's Global Descriptor Table and Task State
// Segment. Even though paging (not segmentation) does the heavy lifting on
// amd64, a GDT with a TSS is still mandatory: it supplies the ring-0 stack
// used on privilege-level transitions and the Interrupt Stack Table entry
// the double-fault handler runs on.
package gdt

import "unsafe"

const (
	// DoubleFaultIST is the 1-based Interrupt Stack Table index the
	// double-fault gate is wired to. The double-fault handler always runs
	// on this dedicated stack so a fault caused by stack exhaustion does
	// not itself trigger another, unrecoverable fault.
	DoubleFaultIST = 1

	// InterruptIST is the IST index every other exception and IRQ gate is
	// wired to. Giving every gate a nonzero IST forces the CPU to always
	// perform a stack switch on entry, which in turn guarantees it always
	// pushes the full five-word SS:RSP:RFLAGS:CS:RIP frame instead of the
	// three-word version used for same-privilege interrupts; the irq
	// package's Frame type relies on that to stay a fixed size.
	InterruptIST = 2

	stackSize = 0x4000
)

// Segment selectors. Each entry is 8 bytes wide; the TSS descriptor takes
// up two consecutive entries (it is a 16-byte "system" descriptor).
const (
	nullSelector       = 0x00
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	tssSelector        = 0x18
	UserDataSelector    = 0x28 | 3
	UserCodeSelector    = 0x30 | 3

	gdtEntryCount = 7 // null, kcode, kdata, tss(x2), udata, ucode
)

// Flags used when building code/data segment descriptors. amd64 mostly
// ignores segment limits and base addresses; what matters is the
// descriptor type, present bit, DPL and the long-mode (L) bit.
const (
	flagAccessed   = 1 << 40
	flagWritable   = 1 << 41
	flagExecutable = 1 << 43
	flagUserSegment = 1 << 44
	flagPresent    = 1 << 47
	flagLongMode   = 1 << 53

	dpl3 = uint64(3) << 45

	codeSegmentFlags = flagAccessed | flagExecutable | flagUserSegment | flagPresent | flagLongMode
	dataSegmentFlags = flagAccessed | flagWritable | flagUserSegment | flagPresent
)

// tss mirrors the layout of the amd64 Task State Segment. Only rsp0 (the
// ring-0 stack pointer loaded on every ring3->ring0 transition) and the IST
// slots are used; the I/O permission bitmap is left empty.
type tss struct {
	reserved0 uint32
	rsp       [3]uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

var (
	theTSS tss

	doubleFaultStack [stackSize]byte
	interruptStack   [stackSize]byte
	privilegeStack   [stackSize]byte

	gdtTable [gdtEntryCount]uint64

	// the following hooks are mocked by tests and are automatically
	// inlined by the compiler when building the kernel.
	loadGDTFn          = loadGDT
	loadTSSFn          = loadTSS
	reloadSegmentsFn   = reloadSegments
)

// tssDescriptor returns the low and high 8-byte halves of the 16-byte
// system descriptor that the GDT uses to reference the TSS.
func tssDescriptor(addr uintptr) (uint64, uint64) {
	limit := uint64(unsafe.Sizeof(theTSS) - 1)

	low := limit & 0xffff
	low |= (uint64(addr) & 0xffffff) << 16
	low |= 0x89 << 40 // present, DPL0, 64-bit TSS (available)
	low |= ((uint64(addr) >> 24) & 0xff) << 56

	high := (uint64(addr) >> 32) & 0xffffffff

	return low, high
}

// Init builds the GDT and TSS, loads them via LGDT/LTR and reloads CS/SS/DS
// so that subsequent code runs with the kernel's own segment selectors
// rather than whatever the bootloader left behind.
func Init() {
	theTSS.ist[DoubleFaultIST-1] = uint64(uintptr(unsafe.Pointer(&doubleFaultStack[stackSize-1])))
	theTSS.ist[InterruptIST-1] = uint64(uintptr(unsafe.Pointer(&interruptStack[stackSize-1])))
	theTSS.rsp[0] = uint64(uintptr(unsafe.Pointer(&privilegeStack[stackSize-1])))

	gdtTable[0] = 0
	gdtTable[1] = codeSegmentFlags
	gdtTable[2] = dataSegmentFlags
	gdtTable[3], gdtTable[4] = tssDescriptor(uintptr(unsafe.Pointer(&theTSS)))
	gdtTable[5] = dataSegmentFlags | dpl3
	gdtTable[6] = codeSegmentFlags | dpl3

	loadGDTFn(uintptr(unsafe.Pointer(&gdtTable[0])), uint16(unsafe.Sizeof(gdtTable)-1))
	reloadSegmentsFn(KernelCodeSelector, KernelDataSelector)
	loadTSSFn(tssSelector)
}

// SetKernelStack updates the ring-0 stack (TSS.RSP0) that the CPU would
// switch to on a privilege-level change through a gate with IST=0. Every
// gate this kernel installs has a nonzero IST (see InterruptIST above), so
// RSP0 is not currently consulted on any actual transition; this is kept
// for a future syscall entry path (SYSCALL/SYSENTER, or an IST=0 gate),
// which is the only case amd64 still reads TSS.RSP0 for.
func SetKernelStack(top uintptr) {
	theTSS.rsp[0] = uint64(top)
}

// loadGDT loads the GDT whose base/limit are described by addr/size. It does
// not touch any segment register; reloadSegments does that.
func loadGDT(addr uintptr, size uint16)

// loadTSS loads the task register with the given TSS selector.
func loadTSS(selector uint16)

// reloadSegments performs a far return to reload CS with codeSelector and
// sets SS/DS/ES/FS/GS to dataSelector.
func reloadSegments(codeSelector, dataSelector uint16)
