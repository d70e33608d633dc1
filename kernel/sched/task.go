package sched

import "github.com/last-genius/gokernel/kernel/mem/vmm"

// startingInfo describes a task that has never run yet: where to jump and
// what stack to jump with.
type startingInfo struct {
	entryVA    uintptr
	stackTopVA uintptr
}

// Task is one schedulable unit of execution. It owns an address space and
// either a pending start point or the context it was last interrupted at.
// Exactly one of starting/ctx applies; starting is cleared the first time
// the task's context is saved (scheduler.saveCurrent).
type Task struct {
	pdt      vmm.PageDirectoryTable
	starting *startingInfo
	ctx      Context
}
