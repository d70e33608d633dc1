// Package ioport exposes the x86 port I/O instructions used to talk to
// legacy devices (the 8259 PIC, the PS/2 controller, the PIT) that are not
// reachable through memory-mapped registers.
package ioport

// Out8 writes a single byte to the specified I/O port.
func Out8(port uint16, value uint8)

// Out16 writes a 16-bit word to the specified I/O port.
func Out16(port uint16, value uint16)

// Out32 writes a 32-bit double word to the specified I/O port.
func Out32(port uint16, value uint32)

// In8 reads a single byte from the specified I/O port.
func In8(port uint16) uint8

// In16 reads a 16-bit word from the specified I/O port.
func In16(port uint16) uint16

// In32 reads a 32-bit double word from the specified I/O port.
func In32(port uint16) uint32

// Wait performs a throwaway write to an unused port (0x80) giving the
// previous out/in instruction enough time to take effect on real hardware.
func Wait()
