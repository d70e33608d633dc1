package kmain

import (
	"unsafe"

	"github.com/last-genius/gokernel/kernel"
	"github.com/last-genius/gokernel/kernel/cpu"
	"github.com/last-genius/gokernel/kernel/driver/pic"
	"github.com/last-genius/gokernel/kernel/gdt"
	"github.com/last-genius/gokernel/kernel/hal"
	"github.com/last-genius/gokernel/kernel/hal/multiboot"
	"github.com/last-genius/gokernel/kernel/irq"
	"github.com/last-genius/gokernel/kernel/mem/buddy"
	"github.com/last-genius/gokernel/kernel/mem/pmm"
	"github.com/last-genius/gokernel/kernel/mem/pmm/allocator"
	"github.com/last-genius/gokernel/kernel/mem/vmm"
	"github.com/last-genius/gokernel/kernel/sched"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// initialHeapSize is the amount of memory handed to the kernel heap before
// any dynamic growth is implemented. It must be at least 128KiB so the
// scheduler's per-task bookkeeping and the rest of the kernel have room to
// allocate.
const initialHeapSize = 256 * 1024

// initialHeap backs the kernel heap until a frame-backed growable heap
// replaces it. Using a static array here mirrors how gdt reserves its
// IST/privilege stacks: a fixed-size bss region instead of a dynamically
// mapped one, which this early in boot is the only kind of memory
// guaranteed to already be both present and writable.
var initialHeap [initialHeapSize]byte

// earlyAllocFn adapts allocator.EarlyAllocator's order-parameterized
// AllocFrame to vmm.FrameAllocatorFn's zero-argument signature.
func earlyAllocFn() (pmm.Frame, *kernel.Error) {
	return allocator.EarlyAllocator.AllocFrame(0)
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	gdt.Init()
	irq.Init()

	pic.Remap()
	cpu.EnableInterrupts()

	allocator.EarlyAllocator.Init()

	var err *kernel.Error
	if err = vmm.Init(); err != nil {
		panic(err)
	}

	buddy.Global.Init(uintptr(unsafe.Pointer(&initialHeap[0])), uintptr(len(initialHeap)))

	sched.Init()
	if err = sched.Spawn(sched.DemoTask1Code(), earlyAllocFn); err != nil {
		panic(err)
	}
	if err = sched.Spawn(sched.DemoTask2Code(), earlyAllocFn); err != nil {
		panic(err)
	}

	for {
		cpu.Halt()
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
