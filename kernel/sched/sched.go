package sched

import (
	"unsafe"

	"github.com/last-genius/gokernel/kernel"
	"github.com/last-genius/gokernel/kernel/driver/pic"
	"github.com/last-genius/gokernel/kernel/gdt"
	"github.com/last-genius/gokernel/kernel/irq"
	"github.com/last-genius/gokernel/kernel/mem"
	"github.com/last-genius/gokernel/kernel/mem/vmm"
	"github.com/last-genius/gokernel/kernel/sync"
)

// taskCodeVA and taskStackVA are the fixed user-mode virtual addresses every
// spawned task's code and stack are mapped at. Since each task gets its own
// address space there is no conflict in reusing the same addresses across
// tasks.
const (
	taskCodeVA  = uintptr(0x400000)
	taskStackVA = uintptr(0x800000)
)

// eoiFn, restoreContextFn and jumpToUsermodeFn are indirected so tests can
// observe scheduling decisions without executing privileged instructions.
var (
	eoiFn            = pic.EOI
	restoreContextFn = restoreContext
	jumpToUsermodeFn = jumpToUsermode
	activateFn       = func(pdt vmm.PageDirectoryTable) { pdt.Activate() }
)

// scheduler is a round-robin task list. The task slice and the running
// index are guarded by independent locks, per the same "don't serialize
// readers behind writers that touch unrelated state" reasoning the rest of
// this kernel applies to its locks: a handler that only needs to know which
// task is current should not queue behind one appending a freshly spawned
// task.
type scheduler struct {
	tasksLock sync.Spinlock
	tasks     []Task

	curLock sync.Spinlock
	cur     int
}

// Default is the process-wide scheduler. Kmain wires it to the timer IRQ
// after heap init; nothing before that point may call Spawn.
var Default = scheduler{cur: -1}

// Init registers the timer tick handler. It must run after irq.Init and
// buddy.Global.Init so Spawn (which allocates kernel-side bookkeeping) has
// a working heap.
func Init() {
	irq.HandleIRQ(irq.TimerIRQ, onTick)
}

// onTick is the IRQ0 handler. It saves the interrupted task's context,
// acknowledges the PIC itself (while a task is queued runNext does not
// return to irq.dispatch) and switches to the next task.
func onTick(frame *irq.Frame, regs *irq.Regs) {
	Default.saveCurrent(regs, frame)
	eoiFn(irq.TimerIRQ)
	Default.runNext()
}

// Spawn builds a fresh address space, maps code into it starting at
// taskCodeVA and a single stack page at taskStackVA, and appends the
// resulting task to the run queue in its not-yet-started state.
func Spawn(code []byte, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	pdt, err := vmm.NewAddressSpace(allocFn)
	if err != nil {
		return err
	}

	pageCount := (uintptr(len(code)) + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize)
	if pageCount == 0 {
		pageCount = 1
	}

	for i := uintptr(0); i < pageCount; i++ {
		frame, err := allocFn()
		if err != nil {
			return err
		}

		tmpPage, err := vmm.MapTemporary(frame, allocFn)
		if err != nil {
			return err
		}

		mem.Memset(tmpPage.Address(), 0, mem.PageSize)
		off := i * uintptr(mem.PageSize)
		if off < uintptr(len(code)) {
			chunk := code[off:]
			if uintptr(len(chunk)) > uintptr(mem.PageSize) {
				chunk = chunk[:mem.PageSize]
			}
			mem.Memcopy(uintptr(unsafe.Pointer(&chunk[0])), tmpPage.Address(), mem.Size(len(chunk)))
		}

		if err := vmm.Unmap(tmpPage); err != nil {
			return err
		}

		codePage := vmm.PageFromAddress(taskCodeVA + off)
		if err := pdt.Map(codePage, frame, vmm.FlagUser, allocFn); err != nil {
			return err
		}
	}

	stackFrame, err := allocFn()
	if err != nil {
		return err
	}
	stackPage := vmm.PageFromAddress(taskStackVA)
	if err := pdt.Map(stackPage, stackFrame, vmm.FlagRW|vmm.FlagUser|vmm.FlagNoExecute, allocFn); err != nil {
		return err
	}

	Default.append(Task{
		pdt: pdt,
		starting: &startingInfo{
			entryVA:    taskCodeVA,
			stackTopVA: taskStackVA + uintptr(mem.PageSize),
		},
	})

	return nil
}

// append adds t to the run queue.
func (s *scheduler) append(t Task) {
	s.tasksLock.Acquire()
	defer s.tasksLock.Release()

	s.tasks = append(s.tasks, t)
}

// saveCurrent deep-copies regs/frame into the currently running task, if
// any. It is a no-op before the first task has run.
func (s *scheduler) saveCurrent(regs *irq.Regs, frame *irq.Frame) {
	s.curLock.Acquire()
	cur := s.cur
	s.curLock.Release()

	if cur < 0 {
		return
	}

	s.tasksLock.Acquire()
	defer s.tasksLock.Release()

	if cur >= len(s.tasks) {
		return
	}
	s.tasks[cur].starting = nil
	s.tasks[cur].ctx = Context{Regs: *regs, Frame: *frame}
}

// runNext advances to the next task in round-robin order, activates its
// address space, and resumes it. With an empty run queue it returns without
// doing anything; otherwise it does not return.
func (s *scheduler) runNext() {
	s.tasksLock.Acquire()
	n := len(s.tasks)
	if n == 0 {
		s.tasksLock.Release()
		return
	}

	s.curLock.Acquire()
	s.cur = (s.cur + 1) % n
	cur := s.cur
	s.curLock.Release()

	task := s.tasks[cur]
	s.tasksLock.Release()

	activateFn(task.pdt)

	if task.starting != nil {
		jumpToUsermodeFn(task.starting.entryVA, task.starting.stackTopVA, uint16(gdt.UserCodeSelector), uint16(gdt.UserDataSelector))
		return
	}
	restoreContextFn(&task.ctx)
}
