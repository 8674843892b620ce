package ksyscall

import (
	"sync"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/ipc"
	"github.com/ernivani/imposos/ksignal"
	"github.com/ernivani/imposos/mem"
	"github.com/ernivani/imposos/paging"
	"github.com/ernivani/imposos/proc"
	"github.com/ernivani/imposos/sched"
	"github.com/ernivani/imposos/vm"
	"github.com/go-logr/logr"
)

// Dispatcher wires the single syscall gate to every other subsystem. One
// Dispatcher serves the whole machine, the way one software-interrupt
// vector serves every task.
type Dispatcher struct {
	mu       sync.Mutex
	fdSpaces map[common.Tid_t]*fdSpace

	Log   logr.Logger
	Tasks *proc.Table
	Sched *sched.Scheduler
	Alloc *mem.Allocator
	Pager *paging.Manager
	Pipes *ipc.PipeTable
	Shm   *ipc.ShmTable
	Futex *ipc.FutexTable
}

func NewDispatcher(log logr.Logger, tasks *proc.Table, s *sched.Scheduler, alloc *mem.Allocator, pager *paging.Manager, pipes *ipc.PipeTable, shm *ipc.ShmTable, futex *ipc.FutexTable) *Dispatcher {
	return &Dispatcher{
		fdSpaces: map[common.Tid_t]*fdSpace{},
		Log:      log, Tasks: tasks, Sched: s, Alloc: alloc, Pager: pager,
		Pipes: pipes, Shm: shm, Futex: futex,
	}
}

// wouldBlock is returned (negated) from Dispatch to tell the caller "tid
// is now Blocked; resume it and retry this call once woken", the same
// convention ipc.Read/Write use internally.
const wouldBlock common.Errno = 1

// WouldBlock reports whether errno is the internal suspend-and-retry
// signal rather than a real failure.
func WouldBlock(errno common.Errno) bool { return errno == -wouldBlock }

// checkPtr validates that [addr, addr+length) lies entirely within a
// mapped VMA of t, the pointer-argument validation every syscall taking a
// user buffer performs before touching it.
func checkPtr(t *proc.Task, addr uint32, length uint32) common.Errno {
	if length == 0 {
		return 0
	}
	if t.Vmas == nil {
		return common.EFAULT
	}
	v, ok := t.Vmas.Find(addr)
	if !ok || addr+length > v.End {
		return common.EFAULT
	}
	return 0
}

// Dispatch decodes and executes one syscall on behalf of tid, returning
// the value to place in eax (or 0) and a Linux-compatible errno (0 on
// success). It never panics: an invalid argument always comes back as a
// negative errno, never an unwinding error across the user/kernel
// boundary.
func (d *Dispatcher) Dispatch(tid common.Tid_t, a Args, buf []byte) (uint32, common.Errno) {
	t := d.Tasks.Get(tid)
	if t == nil || t.State == proc.Unused {
		return 0, common.ESRCH
	}
	d.Log.V(1).Info("syscall", "tid", tid, "num", a.Num)

	switch a.Num {
	case SysGetpid:
		return uint32(t.Pid), 0
	case SysYield:
		d.Sched.Yield(tid)
		return 0, 0
	case SysSleep:
		d.Sched.Sleep(tid, int64(a.A0))
		return 0, 0
	case SysKill:
		return d.sysKill(a)
	case SysSigaction:
		ksignal.SetHandler(t, common.Signal(a.A0), proc.HandlerFunc(a.A1))
		return 0, 0
	case SysSigreturn:
		ksignal.Sigreturn(t, common.RegisterFrame{ESP: a.A0, EIP: a.A1})
		return 0, 0
	case SysFork:
		return d.sysFork(t)
	case SysExit:
		d.Sched.MakeZombie(tid, int(a.A0))
		return 0, 0
	case SysWait:
		return d.sysWait(t, a)
	case SysMmap:
		return d.sysMmap(t, a)
	case SysMunmap:
		return 0, d.sysMunmap(t, a)
	case SysBrk:
		return d.sysBrk(t, a)
	case SysPipe:
		return d.sysPipe(t)
	case SysRead:
		return d.sysRead(t, a, buf)
	case SysWrite:
		return d.sysWrite(t, a, buf)
	case SysClose:
		return 0, d.sysClose(t, a)
	case SysShmget:
		return d.sysShmget(a)
	case SysShmat:
		return 0, d.sysShmat(t, a)
	case SysShmdt:
		return 0, d.sysShmdt(t, a)
	case SysFutexWait:
		if errno := d.Futex.Wait(a.A0, a.A1, a.A2, tid); errno != 0 {
			return 0, errno
		}
		return 0, -wouldBlock
	case SysFutexWake:
		return uint32(d.Futex.Wake(a.A0, int(a.A1))), 0
	default:
		return 0, common.ENOSYS
	}
}

func (d *Dispatcher) sysKill(a Args) (uint32, common.Errno) {
	target := d.Tasks.Get(common.Tid_t(a.A0))
	if target == nil || target.State == proc.Unused {
		return 0, common.ESRCH
	}
	ksignal.Send(target, common.Signal(a.A1))
	if target.State == proc.Blocked {
		d.Sched.Unblock(target.Tid)
	}
	return 0, 0
}

func (d *Dispatcher) sysFork(parent *proc.Task) (uint32, common.Errno) {
	childPD, ok := d.Pager.Fork(parent.PageDir)
	if !ok {
		return 0, common.ENOMEM
	}
	child, ok := d.Tasks.Register(parent.Name, parent.Killable, parent.WMID)
	if !ok {
		d.Pager.DestroyUserPageDir(childPD)
		return 0, common.ENOMEM
	}
	child.ParentPid = parent.Pid
	child.Priority = parent.Priority
	child.PageDir = childPD
	if parent.Vmas != nil {
		child.Vmas = parent.Vmas.Clone()
	}
	parentFDs := d.fdSpaceFor(parent)
	childFDs := d.fdSpaceFor(child)
	for i := 0; i < proc.MaxFDs; i++ {
		if parent.FDTable[i] == 0 {
			continue
		}
		child.FDTable[i] = 1
		childFDs.fds[i] = parentFDs.fds[i]
		switch childFDs.fds[i].Type {
		case FDPipeRead:
			d.Pipes.AddReader(childFDs.fds[i].Res)
		case FDPipeWrite:
			d.Pipes.AddWriter(childFDs.fds[i].Res)
		}
	}
	d.Sched.Enqueue(child.Tid)
	return uint32(child.Tid), 0
}

func (d *Dispatcher) sysWait(parent *proc.Task, a Args) (uint32, common.Errno) {
	const noHang = 1
	for _, ctid := range d.Tasks.Children(parent.Pid) {
		c := d.Tasks.Get(ctid)
		if c != nil && c.State == proc.Zombie {
			code := c.ExitCode
			d.Tasks.Unregister(ctid)
			return uint32(int(ctid)<<16 | (code & 0xffff)), 0
		}
	}
	if a.A0&noHang != 0 {
		return 0, 0
	}
	d.Sched.Block(parent.Tid)
	return 0, -wouldBlock
}

func (d *Dispatcher) sysMmap(t *proc.Task, a Args) (uint32, common.Errno) {
	if t.Vmas == nil {
		return 0, common.EFAULT
	}
	length := (a.A0 + mem.FrameSize - 1) &^ (mem.FrameSize - 1)
	if length == 0 {
		return 0, common.EINVAL
	}
	va := t.Vmas.FindFree(length)
	t.Vmas.Insert(va, va+length, vm.Prot(a.A1), vm.Anon)
	return va, 0
}

func (d *Dispatcher) sysMunmap(t *proc.Task, a Args) common.Errno {
	if t.Vmas == nil {
		return common.EFAULT
	}
	start, end := a.A0, a.A0+a.A1
	for va := start; va < end; va += mem.FrameSize {
		if pte, ok := d.Pager.Lookup(t.PageDir, va); ok && pte.Present() {
			d.Pager.UnmapUserPage(t.PageDir, va)
			d.Pager.PutFrame(pte.Addr())
		}
	}
	t.Vmas.Remove(start, end)
	return 0
}

func (d *Dispatcher) sysBrk(t *proc.Task, a Args) (uint32, common.Errno) {
	if t.Vmas == nil {
		return 0, common.EFAULT
	}
	newBrk := a.A0
	if newBrk == 0 {
		return t.Vmas.BrkCurrent, 0
	}
	if newBrk < t.Vmas.BrkStart {
		return 0, common.EINVAL
	}
	t.Vmas.BrkCurrent = newBrk
	return newBrk, 0
}

func (d *Dispatcher) sysPipe(t *proc.Task) (uint32, common.Errno) {
	id := d.Pipes.Create()
	fs := d.fdSpaceFor(t)
	rfd, ok := allocFD(t, fs, FD{Type: FDPipeRead, Res: id})
	if !ok {
		return 0, common.EMFILE
	}
	wfd, ok := allocFD(t, fs, FD{Type: FDPipeWrite, Res: id})
	if !ok {
		freeFD(t, fs, rfd)
		return 0, common.EMFILE
	}
	return uint32(rfd) | uint32(wfd)<<16, 0
}

func (d *Dispatcher) sysRead(t *proc.Task, a Args, buf []byte) (uint32, common.Errno) {
	if errno := checkPtr(t, a.A1, a.A2); errno != 0 {
		return 0, errno
	}
	fs := d.fdSpaceFor(t)
	fdNum := int(a.A0)
	if fdNum < 0 || fdNum >= proc.MaxFDs || t.FDTable[fdNum] == 0 {
		return 0, common.EINVAL
	}
	fd := fs.fds[fdNum]
	if fd.Type != FDPipeRead {
		return 0, common.EINVAL
	}
	nonblock := fd.Flags&1 != 0
	n, errno := d.Pipes.Read(fd.Res, t.Tid, buf, nonblock)
	if ipc.WouldBlock(errno) {
		return 0, -wouldBlock
	}
	return uint32(n), errno
}

func (d *Dispatcher) sysWrite(t *proc.Task, a Args, buf []byte) (uint32, common.Errno) {
	if errno := checkPtr(t, a.A1, a.A2); errno != 0 {
		return 0, errno
	}
	fs := d.fdSpaceFor(t)
	fdNum := int(a.A0)
	if fdNum < 0 || fdNum >= proc.MaxFDs || t.FDTable[fdNum] == 0 {
		return 0, common.EINVAL
	}
	fd := fs.fds[fdNum]
	if fd.Type != FDPipeWrite {
		return 0, common.EINVAL
	}
	n, errno := d.Pipes.Write(fd.Res, t.Tid, buf)
	if ipc.WouldBlock(errno) {
		return 0, -wouldBlock
	}
	return uint32(n), errno
}

func (d *Dispatcher) sysClose(t *proc.Task, a Args) common.Errno {
	fs := d.fdSpaceFor(t)
	fdNum := int(a.A0)
	if fdNum < 0 || fdNum >= proc.MaxFDs || t.FDTable[fdNum] == 0 {
		return common.EINVAL
	}
	fd := fs.fds[fdNum]
	switch fd.Type {
	case FDPipeRead:
		d.Pipes.CloseReader(fd.Res, t.Tid)
	case FDPipeWrite:
		d.Pipes.CloseWriter(fd.Res)
	}
	freeFD(t, fs, fdNum)
	return 0
}

func (d *Dispatcher) sysShmget(a Args) (uint32, common.Errno) {
	// name is passed as a small numeric key in this simulation (no user
	// string copy-in path exists yet); callers agree on key values out of
	// band, the way System V shmget's IPC_PRIVATE/key convention works.
	name := nameForKey(a.A0)
	id, errno := d.Shm.Create(name, a.A1)
	return uint32(id), errno
}

func (d *Dispatcher) sysShmat(t *proc.Task, a Args) common.Errno {
	errno := d.Shm.Attach(int(a.A0), t.Tid, t.PageDir)
	if errno == 0 {
		t.ShmAttachedMask |= 1 << uint(a.A0)
	}
	return errno
}

func (d *Dispatcher) sysShmdt(t *proc.Task, a Args) common.Errno {
	errno := d.Shm.Detach(int(a.A0), t.Tid, t.PageDir)
	if errno == 0 {
		t.ShmAttachedMask &^= 1 << uint(a.A0)
	}
	return errno
}

func nameForKey(key uint32) string {
	b := []byte{byte(key), byte(key >> 8), byte(key >> 16), byte(key >> 24)}
	return string(b)
}
