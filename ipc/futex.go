package ipc

import (
	"sync"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/sched"
)

// MaxFutexWaiters bounds the wait-slot table the same way the original
// futex code does: a fixed array, not a map, so a contended futex fails
// with EAGAIN on exhaustion rather than growing kernel memory per waiter.
const MaxFutexWaiters = 64

type futexWaiter struct {
	addr uint32 // 0 = unused slot
	tid  common.Tid_t
}

// FutexTable implements FUTEX_WAIT/FUTEX_WAKE against a fixed-size slot
// table.
type FutexTable struct {
	mu      sync.Mutex
	waiters [MaxFutexWaiters]futexWaiter
	sched   *sched.Scheduler
}

func NewFutexTable(s *sched.Scheduler) *FutexTable {
	return &FutexTable{sched: s}
}

// Wait checks *addr against expected (the caller has already read the
// current value under the same lock the scheduler uses for its own
// critical sections) and, if it still matches, records tid as waiting on
// addr and blocks it. A mismatch returns EAGAIN without blocking: the
// value already changed, so there is nothing to wait for.
func (ft *FutexTable) Wait(addr uint32, current, expected uint32, tid common.Tid_t) common.Errno {
	ft.mu.Lock()
	if current != expected {
		ft.mu.Unlock()
		return common.EAGAIN
	}
	slot := -1
	for i := range ft.waiters {
		if ft.waiters[i].addr == 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		ft.mu.Unlock()
		return common.EAGAIN
	}
	ft.waiters[slot] = futexWaiter{addr: addr, tid: tid}
	ft.mu.Unlock()

	ft.sched.Block(tid)
	return 0
}

// Wake unblocks up to n tasks waiting on addr and returns how many it
// actually woke.
func (ft *FutexTable) Wake(addr uint32, n int) int {
	var woken []common.Tid_t
	ft.mu.Lock()
	for i := range ft.waiters {
		if len(woken) >= n {
			break
		}
		if ft.waiters[i].addr == addr {
			woken = append(woken, ft.waiters[i].tid)
			ft.waiters[i] = futexWaiter{}
		}
	}
	ft.mu.Unlock()
	for _, tid := range woken {
		ft.sched.Unblock(tid)
	}
	return len(woken)
}
