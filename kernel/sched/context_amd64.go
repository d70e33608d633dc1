// Package sched implements a minimal round-robin task scheduler on top of
// the timer IRQ. A task is an independent address space plus a saved
// register/frame context; the timer handler swaps the running context out
// for the next task's on every tick.
package sched

import "github.com/last-genius/gokernel/kernel/irq"

// Context is a deep copy of a task's saved register and CPU-frame state. It
// must be copied out of the shared interrupt stack region (every gate in
// this kernel runs on the same IST stack) before the next interrupt can
// safely reuse that memory, mirroring what save_current_context did for the
// original scheduler.
type Context struct {
	Regs  irq.Regs
	Frame irq.Frame
}

// restoreContext loads ctx onto the current (IST) stack and executes IRETQ,
// resuming the task at the point it was last interrupted. It never returns.
func restoreContext(ctx *Context)

// jumpToUsermode drops into ring 3 at entryVA with RSP set to stackTopVA,
// using codeSelector/dataSelector for CS/SS. It never returns.
func jumpToUsermode(entryVA, stackTopVA uintptr, codeSelector, dataSelector uint16)
