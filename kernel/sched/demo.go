package sched

import (
	"reflect"
	"unsafe"
)

// DemoTask1 and DemoTask2 are minimal user-mode programs used to exercise
// the scheduler end to end. Each is nothing more than a tight
// increment-and-loop with no syscall instruction, since this kernel never
// implements a syscall entry point.
func DemoTask1()
func DemoTask2()

// demoTaskBytes is generous enough to hold either busy loop's handful of
// instruction bytes with room to spare; both are a single INC plus a
// short-form JMP back to it.
const demoTaskBytes = 16

// demoTaskCode copies fn's raw instruction bytes out of the kernel's own
// text section so Spawn can place them into a task's mapped code page, the
// same "take the address of a bodyless asm-backed func" trick irq.stubAddr
// uses to resolve trampoline entry points.
func demoTaskCode(fn func()) []byte {
	addr := reflect.ValueOf(fn).Pointer()
	return (*[demoTaskBytes]byte)(unsafe.Pointer(addr))[:]
}

// DemoTask1Code returns the raw instruction bytes for DemoTask1.
func DemoTask1Code() []byte { return demoTaskCode(DemoTask1) }

// DemoTask2Code returns the raw instruction bytes for DemoTask2.
func DemoTask2Code() []byte { return demoTaskCode(DemoTask2) }
