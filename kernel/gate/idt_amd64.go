// Package gate builds and installs the kernel's Interrupt Descriptor Table.
// It knows nothing about what a given vector means; it only knows how to
// pack a handler address, segment selector and stack-switch request into
// the 16-byte entry format the CPU expects, and how to load the resulting
// table with LIDT.
package gate

import "unsafe"

// EntryCount is the number of vectors in an amd64 IDT. Vectors 0-31 are
// reserved for CPU exceptions, 32-255 are free for external interrupts and
// software use.
const EntryCount = 256

// Gate types recognized by the CPU. InterruptGate clears IF on entry;
// TrapGate leaves it untouched.
const (
	InterruptGate uint8 = 0xE
	TrapGate      uint8 = 0xF
)

// entry mirrors the in-memory layout of an amd64 IDT gate descriptor.
type entry struct {
	handlerLow16  uint16
	selector      uint16
	ist           uint8
	typeAttr      uint8
	handlerMid16  uint16
	handlerHigh32 uint32
	reserved      uint32
}

// encode packs handlerAddr/selector/ist/gateType/dpl into the wire layout
// described above.
func encode(handlerAddr uintptr, selector uint16, ist uint8, gateType uint8, dpl uint8) entry {
	addr := uint64(handlerAddr)
	return entry{
		handlerLow16:  uint16(addr),
		selector:      selector,
		ist:           ist & 0x7,
		typeAttr:      0x80 | (dpl&0x3)<<5 | gateType&0xF,
		handlerMid16:  uint16(addr >> 16),
		handlerHigh32: uint32(addr >> 32),
	}
}

var (
	table [EntryCount]entry

	// loadIDTFn is mocked by tests and is automatically inlined by the
	// compiler when building the kernel.
	loadIDTFn = loadIDT
)

// SetHandler installs handlerAddr as the handler for the given vector. ist
// selects the Interrupt Stack Table entry the CPU switches to before
// invoking the handler, or 0 to keep using the currently active stack.
func SetHandler(vector uint8, handlerAddr uintptr, selector uint16, ist uint8, gateType uint8) {
	table[vector] = encode(handlerAddr, selector, ist, gateType, 0)
}

// Install loads the IDT built up via SetHandler using LIDT.
func Install() {
	loadIDTFn(uintptr(unsafe.Pointer(&table[0])), uint16(unsafe.Sizeof(table)-1))
}

// loadIDT loads the IDT whose base/limit are described by addr/size.
func loadIDT(addr uintptr, size uint16)
