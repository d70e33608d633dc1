// Package irq dispatches CPU exceptions and hardware interrupts once the
// gate package's IDT is installed. It owns the general-purpose register and
// CPU-pushed interrupt frame layouts that the assembly entry stubs save, and
// lets other packages (vmm, sched) register handlers without knowing
// anything about IDT mechanics.
package irq

import (
	"reflect"

	"github.com/last-genius/gokernel/kernel"
	"github.com/last-genius/gokernel/kernel/driver/pic"
	"github.com/last-genius/gokernel/kernel/gate"
	"github.com/last-genius/gokernel/kernel/gdt"
	"github.com/last-genius/gokernel/kernel/hal"
	"github.com/last-genius/gokernel/kernel/kfmt/early"
)

// ExceptionNum identifies one of the 32 CPU-reserved exception vectors.
type ExceptionNum uint8

// CPU exceptions this kernel installs a dedicated entry stub for. The
// remaining reserved vectors fall back to the shared default stub.
const (
	DivideByZeroException       ExceptionNum = 0
	DebugException               ExceptionNum = 1
	NMIException                 ExceptionNum = 2
	BreakpointException          ExceptionNum = 3
	OverflowException            ExceptionNum = 4
	BoundRangeException          ExceptionNum = 5
	InvalidOpcodeException       ExceptionNum = 6
	DeviceNotAvailableException  ExceptionNum = 7
	DoubleFaultException         ExceptionNum = 8
	InvalidTSSException          ExceptionNum = 10
	SegmentNotPresentException   ExceptionNum = 11
	StackFaultException          ExceptionNum = 12
	GPFException                 ExceptionNum = 13
	PageFaultException           ExceptionNum = 14
	X87FPException               ExceptionNum = 16
	AlignmentCheckException      ExceptionNum = 17
	MachineCheckException        ExceptionNum = 18
	SIMDFPException              ExceptionNum = 19
)

// IRQ numbers for the two devices this kernel drives.
const (
	TimerIRQ    uint8 = 0
	KeyboardIRQ uint8 = 1
)

// exceptionsWithErrorCode lists the vectors for which the CPU itself pushes
// a 32-bit error code onto the stack before invoking the handler.
var exceptionsWithErrorCode = [32]bool{
	DoubleFaultException:       true,
	InvalidTSSException:        true,
	SegmentNotPresentException: true,
	StackFaultException:        true,
	GPFException:               true,
	PageFaultException:         true,
	AlignmentCheckException:    true,
}

// Regs captures the general-purpose registers saved by an entry stub before
// it calls into Go. The field order matches the order the stub pushes each
// register so that a *Regs can be formed by simply reinterpreting the stack
// pointer at the point of the call.
type Regs struct {
	R15, R14, R13, R12 uint64
	R11, R10, R9, R8   uint64
	RBP                uint64
	RDI, RSI           uint64
	RDX, RCX, RBX, RAX uint64
}

// Frame describes the portion of the interrupt stack frame that the CPU
// itself pushes: the faulting RIP/CS/RFLAGS and, when a privilege-level
// change occurred, the previous RSP/SS.
type Frame struct {
	RIP, CS, RFLAGS, RSP, SS uint64
}

// Print writes a register dump to hal.ActiveTerminal in the same layout a
// panic trace uses.
func (r *Regs) Print() {
	printPair("RAX", r.RAX, "RBX", r.RBX)
	printPair("RCX", r.RCX, "RDX", r.RDX)
	printPair("RSI", r.RSI, "RDI", r.RDI)
	printSingle("RBP", r.RBP)
	printPair("R8 ", r.R8, "R9 ", r.R9)
	printPair("R10", r.R10, "R11", r.R11)
	printPair("R12", r.R12, "R13", r.R13)
	printPair("R14", r.R14, "R15", r.R15)
}

// Print writes a dump of the CPU-pushed interrupt frame to hal.ActiveTerminal.
func (f *Frame) Print() {
	printPair("RIP", f.RIP, "CS ", f.CS)
	printPair("RSP", f.RSP, "SS ", f.SS)
	printSingle("RFL", f.RFLAGS)
}

// ExceptionHandler handles a CPU exception that carries no error code.
type ExceptionHandler func(frame *Frame, regs *Regs)

// ExceptionHandlerWithCode handles a CPU exception that carries a 32-bit
// error code.
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

// IRQHandler handles a hardware interrupt line.
type IRQHandler func(frame *Frame, regs *Regs)

var (
	exceptionHandlers         [32]ExceptionHandler
	exceptionHandlersWithCode [32]ExceptionHandlerWithCode
	irqHandlers               [16]IRQHandler

	eoiFn    = pic.EOI
	unmaskFn = pic.Unmask
	panicFn  = kernel.Panic
)

// HandleException registers handler for the given error-code-less CPU
// exception.
func HandleException(num ExceptionNum, handler ExceptionHandler) {
	exceptionHandlers[num] = handler
}

// HandleExceptionWithCode registers handler for the given CPU exception
// that carries an error code.
func HandleExceptionWithCode(num ExceptionNum, handler ExceptionHandlerWithCode) {
	exceptionHandlersWithCode[num] = handler
}

// HandleIRQ registers handler for the given IRQ line and unmasks it on the
// PIC so the CPU actually starts receiving it.
func HandleIRQ(irqNum uint8, handler IRQHandler) {
	irqHandlers[irqNum] = handler
	unmaskFn(irqNum)
}

// dispatch is invoked by every entry stub with the vector that fired, the
// error code the CPU pushed (0 for vectors that carry none), and pointers
// to the saved register and frame state. Hardware IRQs are acknowledged on
// the PIC once their handler returns.
func dispatch(vector uint64, errorCode uint64, regs *Regs, frame *Frame) {
	switch {
	case vector < 32:
		num := ExceptionNum(vector)
		if exceptionsWithErrorCode[num] {
			if h := exceptionHandlersWithCode[num]; h != nil {
				h(errorCode, frame, regs)
				return
			}
		} else if h := exceptionHandlers[num]; h != nil {
			h(frame, regs)
			return
		}
		unhandledException(num, errorCode, frame, regs)
	case vector >= 32 && vector < 48:
		irqNum := uint8(vector - 32)
		if h := irqHandlers[irqNum]; h != nil {
			h(frame, regs)
		}
		eoiFn(irqNum)
	}
}

// unhandledException runs when an exception with no registered handler
// fires. It dumps the CPU state and halts.
func unhandledException(num ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	early.Printf("\nunhandled CPU exception %d (error code %d)\n", uint64(num), errorCode)
	regs.Print()
	frame.Print()
	panicFn(&kernel.Error{Module: "irq", Message: "unhandled CPU exception"})
}

func printPair(name1 string, v1 uint64, name2 string, v2 uint64) {
	early.Printf("%s = ", name1)
	printHex64(v1)
	early.Printf(" %s = ", name2)
	printHex64(v2)
	early.Printf("\n")
}

func printSingle(name string, v uint64) {
	early.Printf("%s = ", name)
	printHex64(v)
	early.Printf("\n")
}

func printHex64(v uint64) {
	const digits = "0123456789abcdef"
	var buf [16]byte
	for i := 0; i < 16; i++ {
		buf[15-i] = digits[v&0xf]
		v >>= 4
	}
	hal.ActiveTerminal.Write(buf[:])
}

// stubAddr returns the entry point address of an assembly-implemented,
// argument-less function so it can be installed directly into an IDT gate.
func stubAddr(stub func()) uintptr {
	return reflect.ValueOf(stub).Pointer()
}

// exceptionStubVectors lists, in order, the vectors that exceptionStubs'
// entries correspond to.
var exceptionStubVectors = [...]ExceptionNum{
	DivideByZeroException, DebugException, NMIException, BreakpointException,
	OverflowException, BoundRangeException, InvalidOpcodeException,
	DeviceNotAvailableException, DoubleFaultException, InvalidTSSException,
	SegmentNotPresentException, StackFaultException, GPFException,
	PageFaultException, X87FPException, AlignmentCheckException,
	MachineCheckException, SIMDFPException,
}

var exceptionStubs = [...]func(){
	exceptionStub0, exceptionStub1, exceptionStub2, exceptionStub3,
	exceptionStub4, exceptionStub5, exceptionStub6, exceptionStub7,
	exceptionStub8, exceptionStub10, exceptionStub11, exceptionStub12,
	exceptionStub13, exceptionStub14, exceptionStub16, exceptionStub17,
	exceptionStub18, exceptionStub19,
}

var irqStubs = [...]func(){
	irqStub0, irqStub1,
}

// Init installs the entry stubs for every known CPU exception and IRQ line
// into the IDT, routes every other vector to a shared default stub, and
// loads the table. It must run after gdt.Init since the double-fault gate
// references the IST the GDT configured.
func Init() {
	for i, num := range exceptionStubVectors {
		ist := uint8(gdt.InterruptIST)
		if num == DoubleFaultException {
			ist = gdt.DoubleFaultIST
		}
		gate.SetHandler(uint8(num), stubAddr(exceptionStubs[i]), gdt.KernelCodeSelector, ist, gate.InterruptGate)
	}

	for i, stub := range irqStubs {
		gate.SetHandler(uint8(32+i), stubAddr(stub), gdt.KernelCodeSelector, gdt.InterruptIST, gate.InterruptGate)
	}

	defaultAddr := stubAddr(defaultStub)
	installed := map[uint8]bool{}
	for _, num := range exceptionStubVectors {
		installed[uint8(num)] = true
	}
	for i := range irqStubs {
		installed[uint8(32+i)] = true
	}
	for v := 0; v < gate.EntryCount; v++ {
		if installed[uint8(v)] {
			continue
		}
		gate.SetHandler(uint8(v), defaultAddr, gdt.KernelCodeSelector, gdt.InterruptIST, gate.InterruptGate)
	}

	gate.Install()
}

// entry stubs; implemented in irq_amd64.s. Each saves the general-purpose
// registers, pushes its vector (and, for vectors without a CPU-provided
// error code, a placeholder), and jumps to the shared trampoline that calls
// dispatch.
func exceptionStub0()
func exceptionStub1()
func exceptionStub2()
func exceptionStub3()
func exceptionStub4()
func exceptionStub5()
func exceptionStub6()
func exceptionStub7()
func exceptionStub8()
func exceptionStub10()
func exceptionStub11()
func exceptionStub12()
func exceptionStub13()
func exceptionStub14()
func exceptionStub16()
func exceptionStub17()
func exceptionStub18()
func exceptionStub19()
func irqStub0()
func irqStub1()
func defaultStub()
