package main

import (
	"github.com/go-logr/logr"
	"github.com/jaypipes/ghw"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ernivani/imposos/fs"
	"github.com/ernivani/imposos/fs/journal"
	"github.com/ernivani/imposos/ipc"
	"github.com/ernivani/imposos/ksyscall"
	"github.com/ernivani/imposos/mem"
	"github.com/ernivani/imposos/paging"
	"github.com/ernivani/imposos/proc"
	"github.com/ernivani/imposos/sched"
	"github.com/ernivani/imposos/vfs"
)

// defaultRAMBytes is the simulated arena size used when the host's real
// memory can't be read (a sandboxed CI runner with no /proc), standing
// in for the memory map a real bootloader would otherwise hand off.
const defaultRAMBytes = 128 * 1024 * 1024

// maxRAMBytes caps how much of the host's real memory this simulation
// ever claims, regardless of how much ghw reports.
const maxRAMBytes = 512 * 1024 * 1024

// machine bundles every subsystem one boot of imposos brings up.
type machine struct {
	log   logr.Logger
	reg   *prometheus.Registry
	alloc *mem.Allocator
	refs  *mem.Refcounts
	ram   *mem.RAM
	pager *paging.Manager

	tasks      *proc.Table
	accountant *proc.Accountant
	sched      *sched.Scheduler

	pipes *ipc.PipeTable
	shm   *ipc.ShmTable
	futex *ipc.FutexTable

	dispatcher *ksyscall.Dispatcher

	journalDisk journal.Disk
	journal     *journal.Journal
	rootFS      *fs.FS
	mounts      *vfs.Table
}

// hostRAMBytes asks ghw for the host's physical memory, standing in for
// the multiboot memory map a real x86 boot would parse, capped to a sane
// simulation size and falling back to a fixed default when ghw can't
// read the host (e.g. /proc is unavailable).
func hostRAMBytes(log logr.Logger) int64 {
	info, err := ghw.Memory()
	if err != nil || info.TotalPhysicalBytes <= 0 {
		log.Info("falling back to default RAM size", "reason", err, "bytes", defaultRAMBytes)
		return defaultRAMBytes
	}
	size := info.TotalPhysicalBytes
	if size > maxRAMBytes {
		size = maxRAMBytes
	}
	return size
}

// bootMachine performs the same sequencing a real boot does: size and
// reserve physical memory, build the paging/process/scheduling core,
// open (or initialize) the journal and mount the root filesystem, and
// wire the syscall dispatcher over all of it.
func bootMachine(log logr.Logger, reg *prometheus.Registry, disk journal.Disk, journalBlocks, ntasks int) *machine {
	ramBytes := hostRAMBytes(log)
	nframes := int(ramBytes / mem.FrameSize)
	regions := []mem.MemRegion{{Start: 0, End: mem.FrameBase(nframes), Available: true}}

	// Reserve the low 1 MiB (BIOS/real-mode area) and a 4 MiB heap past
	// a simulated kernel image ending at 2 MiB, the way a real x86
	// boot's physical layout reserves both ranges before any allocation.
	const kernelEnd = mem.Pa_t(2 * 1024 * 1024)
	const heapReserve = 4 * 1024 * 1024

	alloc := mem.NewAllocator(log, reg, regions, kernelEnd, heapReserve)
	refs := mem.NewRefcounts(alloc)
	ram := mem.NewRAM(alloc.NFrames())
	pager := paging.NewManager(alloc, refs, ram)
	if _, ok := pager.BuildKernelPD(uint32(kernelEnd)); !ok {
		log.Info("failed to build kernel page directory")
	}

	tasks := proc.NewTable(ntasks)
	accountant := proc.NewAccountant(log, reg, tasks)
	s := sched.New(tasks, reg)

	pipes := ipc.NewPipeTable(s, tasks)
	shm := ipc.NewShmTable(alloc, pager)
	futex := ipc.NewFutexTable(s)

	dispatcher := ksyscall.NewDispatcher(log, tasks, s, alloc, pager, pipes, shm, futex)

	j := journal.Open(disk, journalBlocks)
	rootFS := fs.Initialize(log, reg, j)
	replayed := j.Replay(rootFS)
	if replayed > 0 {
		log.Info("replayed journal transactions", "count", replayed)
	}
	mounts := vfs.NewTable(rootFS)

	return &machine{
		log: log, reg: reg,
		alloc: alloc, refs: refs, ram: ram, pager: pager,
		tasks: tasks, accountant: accountant, sched: s,
		pipes: pipes, shm: shm, futex: futex,
		dispatcher:  dispatcher,
		journalDisk: disk, journal: j, rootFS: rootFS, mounts: mounts,
	}
}
