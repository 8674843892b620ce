// Package sched implements the preemptive priority scheduler: four
// priority classes with fixed time slices, PIT-driven preemption, sleep,
// and block/unblock. It models "the timer interrupt fires, the dispatcher
// consults the scheduler, the scheduler returns the next stack to resume"
// as an explicit Tick() call rather than real goroutine preemption, so the
// whole state machine is deterministic and directly testable.
package sched

import (
	"sync"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/proc"
	"github.com/prometheus/client_golang/prometheus"
)

const tickHz = 120
const msPerTick = 1000 / tickHz

// SignalChecker lets the signal package's delivery be invoked from the
// scheduler's tick without sched importing it back (ksignal imports
// proc, not sched).
type SignalChecker func(t *proc.Task) (hasPending bool)

type Scheduler struct {
	mu    sync.Mutex
	table *proc.Table

	queues    [4][]common.Tid_t
	rrIndex   [4]int
	current   common.Tid_t
	sliceLeft int
	nowMs     int64

	CheckSignal SignalChecker

	ticksByPrio *prometheus.CounterVec
}

func New(table *proc.Table, reg prometheus.Registerer) *Scheduler {
	s := &Scheduler{table: table, current: common.Tid_t(proc.SlotIdle)}
	if reg != nil {
		s.ticksByPrio = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imposos_sched_ticks_total",
			Help: "Timer ticks accounted to each priority class.",
		}, []string{"priority"})
		reg.MustRegister(s.ticksByPrio)
	}
	return s
}

var prioNames = map[proc.Priority]string{
	proc.PrioRealtime: "realtime", proc.PrioNormal: "normal",
	proc.PrioBackground: "background", proc.PrioIdle: "idle",
}

// NowMs returns the scheduler's simulated PIT clock in milliseconds.
func (s *Scheduler) NowMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowMs
}

// Enqueue makes tid ready to run, placing it at the back of its priority
// class's round-robin queue.
func (s *Scheduler) Enqueue(tid common.Tid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(tid)
}

func (s *Scheduler) enqueueLocked(tid common.Tid_t) {
	t := s.table.Get(tid)
	if t == nil {
		return
	}
	cls := int(t.Priority)
	for _, q := range s.queues[cls] {
		if q == tid {
			return
		}
	}
	s.queues[cls] = append(s.queues[cls], tid)
}

func (s *Scheduler) dequeueLocked(tid common.Tid_t, cls int) {
	q := s.queues[cls]
	for i, q2 := range q {
		if q2 == tid {
			s.queues[cls] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Current returns the tid of the task presently scheduled to run.
func (s *Scheduler) Current() common.Tid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Tick advances the simulated PIT by one tick and returns the tid the
// caller should resume, implementing the scheduler's four dispatcher steps.
func (s *Scheduler) Tick() common.Tid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowMs += msPerTick

	// 1. wake sleepers whose deadline has passed.
	s.table.ForEach(func(t *proc.Task) {
		t.Lock()
		if t.State == proc.Sleeping && t.SleepUntil <= s.nowMs {
			t.State = proc.Ready
			t.Unlock()
			s.enqueueLocked(t.Tid)
			return
		}
		t.Unlock()
	})

	cur := s.table.Get(s.current)
	needResched := s.sliceLeft <= 0
	if cur != nil {
		cur.Lock()
		if cur.State != proc.Running {
			needResched = true
		}
		if cur.Killed && cur.State != proc.Zombie {
			needResched = true
		}
		cur.Unlock()
	} else {
		needResched = true
	}

	// 2. signal check happens on the currently running task before it
	// potentially gives up the CPU.
	if cur != nil && s.CheckSignal != nil {
		cur.Lock()
		inHandler := cur.InHandler
		cur.Unlock()
		if !inHandler {
			s.CheckSignal(cur)
		}
	}

	if !needResched {
		s.sliceLeft--
		s.accountTick(cur)
		return s.current
	}

	if cur != nil {
		cur.Lock()
		if cur.State == proc.Running {
			cur.State = proc.Ready
			cur.Unlock()
			s.enqueueLocked(cur.Tid)
		} else {
			cur.Unlock()
		}
	}

	next := s.pickNextLocked()
	s.current = next
	nt := s.table.Get(next)
	if nt != nil {
		nt.Lock()
		nt.State = proc.Running
		s.sliceLeft = nt.Priority.TimeSlice()
		nt.Unlock()
	}
	s.accountTick(nt)
	return next
}

func (s *Scheduler) accountTick(t *proc.Task) {
	if t == nil {
		return
	}
	t.Lock()
	t.Ticks++
	t.Unlock()
	if s.ticksByPrio != nil {
		s.ticksByPrio.WithLabelValues(prioNames[t.Priority]).Inc()
	}
}

func (s *Scheduler) pickNextLocked() common.Tid_t {
	for cls := 0; cls < len(s.queues); cls++ {
		q := s.queues[cls]
		if len(q) == 0 {
			continue
		}
		idx := s.rrIndex[cls] % len(q)
		tid := q[idx]
		s.rrIndex[cls] = (idx + 1) % len(q)
		s.dequeueLocked(tid, cls)
		return tid
	}
	return common.Tid_t(proc.SlotIdle)
}

// Yield voluntarily gives up the remainder of tid's slice.
func (s *Scheduler) Yield(tid common.Tid_t) {
	s.mu.Lock()
	if tid == s.current {
		s.sliceLeft = 0
	}
	s.mu.Unlock()
}

// Sleep puts tid to sleep until ms milliseconds from now.
func (s *Scheduler) Sleep(tid common.Tid_t, ms int64) {
	t := s.table.Get(tid)
	if t == nil {
		return
	}
	s.mu.Lock()
	t.Lock()
	t.State = proc.Sleeping
	t.SleepUntil = s.nowMs + ms
	t.Unlock()
	if tid == s.current {
		s.sliceLeft = 0
	}
	s.mu.Unlock()
}

// Block marks tid as blocked on some event (pipe, futex, TCP receive,
// waitpid); it will not run again until Unblock is called.
func (s *Scheduler) Block(tid common.Tid_t) {
	t := s.table.Get(tid)
	if t == nil {
		return
	}
	s.mu.Lock()
	t.Lock()
	t.State = proc.Blocked
	t.Unlock()
	if tid == s.current {
		s.sliceLeft = 0
	}
	s.mu.Unlock()
}

// Unblock makes a blocked task ready again.
func (s *Scheduler) Unblock(tid common.Tid_t) {
	t := s.table.Get(tid)
	if t == nil {
		return
	}
	t.Lock()
	wasBlocked := t.State == proc.Blocked
	if wasBlocked {
		t.State = proc.Ready
	}
	t.Unlock()
	if wasBlocked {
		s.Enqueue(tid)
	}
}

// MakeZombie transitions tid to Zombie with the given exit status, the
// terminal state `exit` and an unhandled fatal signal both reach.
func (s *Scheduler) MakeZombie(tid common.Tid_t, exitCode int) {
	t := s.table.Get(tid)
	if t == nil {
		return
	}
	s.mu.Lock()
	t.Lock()
	t.State = proc.Zombie
	t.ExitCode = exitCode
	t.Unlock()
	if tid == s.current {
		s.sliceLeft = 0
	}
	s.mu.Unlock()
}
