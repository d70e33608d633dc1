package sched

import (
	"testing"

	"github.com/last-genius/gokernel/kernel/irq"
	"github.com/last-genius/gokernel/kernel/mem/vmm"
)

func TestSchedulerRoundRobinStarting(t *testing.T) {
	defer func(origActivate func(vmm.PageDirectoryTable), origJump func(uintptr, uintptr, uint16, uint16), origRestore func(*Context)) {
		activateFn = origActivate
		jumpToUsermodeFn = origJump
		restoreContextFn = origRestore
	}(activateFn, jumpToUsermodeFn, restoreContextFn)

	var activated []vmm.PageDirectoryTable
	activateFn = func(pdt vmm.PageDirectoryTable) { activated = append(activated, pdt) }

	var jumpedTo []uintptr
	jumpToUsermodeFn = func(entryVA, _ uintptr, _, _ uint16) { jumpedTo = append(jumpedTo, entryVA) }

	restoreContextFn = func(_ *Context) { t.Fatal("expected only starting tasks; restoreContext should not run") }

	s := scheduler{cur: -1}
	s.append(Task{starting: &startingInfo{entryVA: 0x400000, stackTopVA: 0x801000}})
	s.append(Task{starting: &startingInfo{entryVA: 0x400010, stackTopVA: 0x801000}})

	s.runNext()
	s.runNext()
	s.runNext()

	if len(jumpedTo) != 3 {
		t.Fatalf("expected 3 dispatches; got %d", len(jumpedTo))
	}
	if jumpedTo[0] != 0x400000 || jumpedTo[1] != 0x400010 || jumpedTo[2] != 0x400000 {
		t.Errorf("expected round-robin entry VAs [0x400000 0x400010 0x400000]; got %#x", jumpedTo)
	}
	if len(activated) != 3 {
		t.Errorf("expected the address space to be activated once per dispatch; got %d", len(activated))
	}
}

func TestSchedulerSaveCurrentClearsStarting(t *testing.T) {
	defer func(origActivate func(vmm.PageDirectoryTable), origJump func(uintptr, uintptr, uint16, uint16), origRestore func(*Context)) {
		activateFn = origActivate
		jumpToUsermodeFn = origJump
		restoreContextFn = origRestore
	}(activateFn, jumpToUsermodeFn, restoreContextFn)

	activateFn = func(vmm.PageDirectoryTable) {}
	jumpToUsermodeFn = func(uintptr, uintptr, uint16, uint16) {}

	var restored []uint64
	restoreContextFn = func(ctx *Context) { restored = append(restored, ctx.Regs.RAX) }

	s := scheduler{cur: -1}
	s.append(Task{starting: &startingInfo{entryVA: 0x400000, stackTopVA: 0x801000}})

	s.runNext() // first dispatch: task 0 is still starting

	s.saveCurrent(&irq.Regs{RAX: 0xdead}, &irq.Frame{RIP: 0x400002})

	s.tasksLock.Acquire()
	task := s.tasks[0]
	s.tasksLock.Release()

	if task.starting != nil {
		t.Fatal("expected starting to be cleared after saveCurrent")
	}
	if task.ctx.Regs.RAX != 0xdead || task.ctx.Frame.RIP != 0x400002 {
		t.Errorf("expected saved context to match the passed regs/frame; got %+v", task.ctx)
	}

	s.runNext() // second dispatch should now resume via restoreContext

	if len(restored) != 1 || restored[0] != 0xdead {
		t.Errorf("expected restoreContext to be called once with RAX=0xdead; got %v", restored)
	}
}

func TestSchedulerSaveCurrentNoopBeforeFirstRun(t *testing.T) {
	s := scheduler{cur: -1}
	s.saveCurrent(&irq.Regs{RAX: 1}, &irq.Frame{})
	if len(s.tasks) != 0 {
		t.Fatal("expected no tasks to exist")
	}
}
