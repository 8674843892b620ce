// Package ksignal implements signal delivery: per-task handler
// table and pending mask, delivery by rewriting the user register frame
// to enter a handler through a fixed trampoline, and sigreturn's restore.
package ksignal

import (
	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/proc"
)

// TrampolineAddr is the fixed address of the small user-mode stub that
// issues SYS_SIGRETURN after a handler returns: a
// constant, not assembly generated here, since this simulation has no
// user-mode code to jump into — delivery and restore are exercised as
// pure data transformations on RegisterFrame/SignalFrame.
const TrampolineAddr = 0xC0000000

// SetHandler installs fn as tid's handler for sig.
func SetHandler(t *proc.Task, sig common.Signal, fn proc.HandlerFunc) proc.HandlerFunc {
	t.Lock()
	defer t.Unlock()
	old := t.Handlers[sig]
	t.Handlers[sig] = fn
	return old
}

// Send ORs sig into tid's pending mask.
func Send(t *proc.Task, sig common.Signal) {
	t.Lock()
	defer t.Unlock()
	t.Pending |= 1 << uint(sig)
}

// HasPending reports whether t has any pending signal and is not already
// inside a handler — the condition the scheduler's tick checks before a
// return-to-user transition.
func HasPending(t *proc.Task) bool {
	t.Lock()
	defer t.Unlock()
	return t.Pending != 0 && !t.InHandler
}

// DefaultFatal reports whether sig's default action, the one taken when
// no handler is installed, is fatal termination (KILL and SEGV). It
// checks only the signal number, not the handler table.
func DefaultFatal(sig common.Signal) bool {
	return sig == common.SIGKILL || sig == common.SIGSEGV
}

// Outcome describes what Deliver decided to do.
type Outcome int

const (
	Delivered Outcome = iota
	Terminated
	Nothing
)

// Deliver services the next pending signal for t against the interrupted
// frame `saved`. On Delivered it returns the frame to install in user
// mode (handler entry, trampoline return address pushed) and clears the
// delivered bit from Pending, setting InHandler. On Terminated the
// caller should reap t with exit code 128+sig. Nothing means no
// deliverable signal was pending.
func Deliver(t *proc.Task, saved common.RegisterFrame, userSP uint32) (Outcome, common.SignalFrame, int) {
	t.Lock()
	defer t.Unlock()
	if t.Pending == 0 || t.InHandler {
		return Nothing, common.SignalFrame{}, 0
	}
	var sig common.Signal
	for s := common.Signal(1); s < common.NSIG; s++ {
		if t.Pending&(1<<uint(s)) != 0 {
			sig = s
			break
		}
	}
	t.Pending &^= 1 << uint(sig)

	handler := t.Handlers[sig]
	if handler == 0 {
		if DefaultFatal(sig) {
			return Terminated, common.SignalFrame{}, 128 + int(sig)
		}
		// no handler and not fatal-by-default: signal is discarded.
		return Nothing, common.SignalFrame{}, 0
	}

	t.InHandler = true
	frame := common.SignalFrame{Saved: saved, Signo: sig, Trampoline: TrampolineAddr}
	return Delivered, frame, int(handler)
}

// Sigreturn restores the frame sigreturn popped off the user stack and
// clears InHandler, undoing exactly what Deliver set up.
func Sigreturn(t *proc.Task, restored common.RegisterFrame) common.RegisterFrame {
	t.Lock()
	defer t.Unlock()
	t.InHandler = false
	return common.FromUser(restored)
}
