// Package proc implements the fixed-slot task table: task
// metadata, registration/unregistration, per-tick and per-second CPU
// accounting, and the killable-task watchdog.
package proc

import (
	"sync"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/mem"
	"github.com/ernivani/imposos/vm"
)

// State is a task's scheduling state.
type State int

const (
	Unused State = iota
	Running
	Ready
	Sleeping
	Blocked
	Zombie
)

// Priority classes, highest first, with the time slice (in ticks) each
// gets before the scheduler rotates to the next ready task in the class
// the scheduler assigns.
type Priority int

const (
	PrioRealtime Priority = iota
	PrioNormal
	PrioBackground
	PrioIdle
)

// TimeSlice returns the number of ticks a task of priority p runs before
// being preempted for another task in the same class.
func (p Priority) TimeSlice() int {
	switch p {
	case PrioRealtime:
		return 1
	case PrioNormal:
		return 3
	case PrioBackground:
		return 6
	default:
		return 12
	}
}

const MaxFDs = 32
const NSIG = int(common.NSIG)

// Reserved slots for the kernel's fixed set of always-present tasks.
const (
	SlotIdle = iota
	SlotKernel
	SlotWM
	SlotShell
	firstGeneralSlot
)

// HandlerFunc is a pointer-sized "address" of a user-mode signal handler;
// user code is not really loaded here, so it is modeled as an opaque
// value the signal package inspects, not executed.
type HandlerFunc uint32

// Task is one fixed-size task-table slot.
type Task struct {
	mu sync.Mutex

	Tid       common.Tid_t
	Pid       common.Pid_t
	ParentPid common.Pid_t
	Name      string
	Killable  bool
	WMID      int

	State      State
	Priority   Priority
	Ticks      int
	PrevTicks  int
	SleepUntil int64 // ms, 0 = not sleeping
	WaitTid    common.Tid_t

	PageDir mem.Pa_t
	Vmas    *vm.Table

	FDTable         [MaxFDs]int // opaque fd handles owned by another package
	ShmAttachedMask uint64

	Handlers   [NSIG]HandlerFunc
	Pending    uint32 // bitmask over signal numbers
	InHandler  bool

	ExitCode int
	Killed   bool
	HogCount int

	cpuTotal int64
}

// Lock/Unlock let callers (scheduler, signal delivery) guard a task's
// mutable fields the same way IRQ-masking does on real hardware: short,
// non-blocking critical sections.
func (t *Task) Lock()   { t.mu.Lock() }
func (t *Task) Unlock() { t.mu.Unlock() }

// Table is the fixed array of task slots. Slot 0 is always "idle".
type Table struct {
	mu    sync.Mutex
	slots []*Task
}

// NewTable builds a table with n general slots plus the four reserved
// ones.
func NewTable(n int) *Table {
	t := &Table{slots: make([]*Task, n+firstGeneralSlot)}
	for i := range t.slots {
		t.slots[i] = &Task{Tid: common.Tid_t(i), State: Unused}
	}
	t.slots[SlotIdle].State = Ready
	t.slots[SlotIdle].Name = "idle"
	t.slots[SlotIdle].Priority = PrioIdle
	return t
}

// Register claims the first free slot for a new task and returns it, or
// ok=false if the table is full.
func (t *Table) Register(name string, killable bool, wmID int) (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := firstGeneralSlot; i < len(t.slots); i++ {
		s := t.slots[i]
		if s.State == Unused {
			*s = Task{
				Tid: common.Tid_t(i), Pid: common.Pid_t(i),
				Name: name, Killable: killable, WMID: wmID,
				State: Ready, Priority: PrioNormal,
			}
			return s, true
		}
	}
	return nil, false
}

// Unregister frees tid's slot.
func (t *Table) Unregister(tid common.Tid_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(tid) < 0 || int(tid) >= len(t.slots) {
		return
	}
	t.slots[tid].State = Unused
}

// Get returns the task at tid, or nil if tid is out of range. The
// returned task may be Unused; callers that care about the active
// generation must check State themselves (every
// cross-task reference is a tid plus a state check, never a raw pointer
// held past a reschedule without revalidation).
func (t *Table) Get(tid common.Tid_t) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(tid) < 0 || int(tid) >= len(t.slots) {
		return nil
	}
	return t.slots[tid]
}

// Idle returns the always-present idle task.
func (t *Table) Idle() *Task { return t.slots[SlotIdle] }

// ForEach calls f for every non-Unused task. f must not register or
// unregister tasks.
func (t *Table) ForEach(f func(*Task)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.State != Unused {
			f(s)
		}
	}
}

// Children returns the tids of tasks whose ParentPid is pid.
func (t *Table) Children(pid common.Pid_t) []common.Tid_t {
	var out []common.Tid_t
	t.ForEach(func(tk *Task) {
		if tk.ParentPid == pid {
			out = append(out, tk.Tid)
		}
	})
	return out
}
