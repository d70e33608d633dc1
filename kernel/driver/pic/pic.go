// Package pic drives the two cascaded 8259A Programmable Interrupt
// Controllers found on PC-compatible hardware. The kernel remaps their
// vector ranges away from the CPU exception range and uses them to fence
// off and acknowledge the PIT timer (IRQ0) and PS/2 keyboard (IRQ1) lines.
package pic

import "github.com/last-genius/gokernel/kernel/ioport"

var (
	// out8Fn and in8Fn are mocked by tests since the real port I/O
	// instructions would fault outside of ring 0.
	out8Fn = ioport.Out8
	in8Fn  = ioport.In8
	waitFn = ioport.Wait
)

const (
	masterCommandPort = 0x20
	masterDataPort    = 0x21
	slaveCommandPort  = 0xA0
	slaveDataPort     = 0xA1

	icw1Init = 0x10 // Initialization request bit, present in every ICW1
	icw1ICW4 = 0x01 // Indicates that ICW4 will be sent

	icw4Mode8086 = 0x01 // 8086/88 mode as opposed to legacy 8080 mode

	cmdEOI = 0x20 // Non-specific End-Of-Interrupt command
)

// MasterOffset and SlaveOffset are the interrupt vectors the master and
// slave PIC are remapped to. They sit right after the 32 CPU-reserved
// exception vectors.
const (
	MasterOffset = 0x20
	SlaveOffset  = 0x28
)

// Remap reprograms both PICs so that IRQ0-IRQ7 map to vectors
// [MasterOffset, MasterOffset+7] and IRQ8-IRQ15 map to vectors
// [SlaveOffset, SlaveOffset+7]. The interrupt masks read from both PICs
// before the initialization sequence are written back afterwards, so lines
// keep whatever mask state they had before the call; Mask and Unmask change
// individual lines.
func Remap() {
	// Save the current masks; every subsequent ICW write clobbers them.
	savedMasterMask := in8Fn(masterDataPort)
	savedSlaveMask := in8Fn(slaveDataPort)

	// ICW1: start initialization sequence, ICW4 will follow.
	out8Fn(masterCommandPort, icw1Init|icw1ICW4)
	waitFn()
	out8Fn(slaveCommandPort, icw1Init|icw1ICW4)
	waitFn()

	// ICW2: vector offsets.
	out8Fn(masterDataPort, MasterOffset)
	waitFn()
	out8Fn(slaveDataPort, SlaveOffset)
	waitFn()

	// ICW3: wire the slave PIC to IRQ2 of the master.
	out8Fn(masterDataPort, 1<<2)
	waitFn()
	out8Fn(slaveDataPort, 2)
	waitFn()

	// ICW4: 8086 mode.
	out8Fn(masterDataPort, icw4Mode8086)
	waitFn()
	out8Fn(slaveDataPort, icw4Mode8086)
	waitFn()

	out8Fn(masterDataPort, savedMasterMask)
	out8Fn(slaveDataPort, savedSlaveMask)
}

// Mask disables (masks) the IRQ line with the given number (0-15).
func Mask(irq uint8) {
	if irq < 8 {
		cur := in8Fn(masterDataPort)
		out8Fn(masterDataPort, cur|(1<<irq))
		return
	}
	cur := in8Fn(slaveDataPort)
	out8Fn(slaveDataPort, cur|(1<<(irq-8)))
}

// Unmask enables (unmasks) the IRQ line with the given number (0-15).
func Unmask(irq uint8) {
	if irq < 8 {
		cur := in8Fn(masterDataPort)
		out8Fn(masterDataPort, cur&^(1<<irq))
		return
	}
	cur := in8Fn(slaveDataPort)
	out8Fn(slaveDataPort, cur&^(1<<(irq-8)))
}

// EOI sends an end-of-interrupt command for the given IRQ number. The slave
// PIC must also be acknowledged for any IRQ >= 8 since it is cascaded
// through the master's IRQ2 line.
func EOI(irq uint8) {
	if irq >= 8 {
		out8Fn(slaveCommandPort, cmdEOI)
	}
	out8Fn(masterCommandPort, cmdEOI)
}
