package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ernivani/imposos/fs"
	"github.com/ernivani/imposos/fs/journal"
)

// check is one named invariant assertion; selftest runs all of them and
// reports which passed rather than stopping at the first failure, the
// way a hardware POST enumerates every failed component instead of
// halting blind on the first one.
type check struct {
	name string
	run  func(m *machine) error
}

var selftestChecks = []check{
	{"frame alloc/free round trip", checkFrameAllocRoundTrip},
	{"task register/unregister", checkTaskLifecycle},
	{"scheduler advances ticks", checkSchedulerAdvances},
	{"pipe write/read round trip", checkPipeRoundTrip},
	{"file create/write/read round trip", checkFileRoundTrip},
	{"journal commit then replay reconstructs state", checkJournalReplay},
}

func newSelftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run the kernel invariant checks as a smoke test",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest()
		},
	}
}

func runSelftest() error {
	log := rootLog.WithName("selftest")
	reg := prometheus.NewRegistry()
	disk := journal.NewMemDisk(64)
	m := bootMachine(log, reg, disk, 64, 16)

	failures := 0
	for _, c := range selftestChecks {
		if err := c.run(m); err != nil {
			failures++
			fmt.Printf("FAIL %-45s %v\n", c.name, err)
			continue
		}
		fmt.Printf("PASS %-45s\n", c.name)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d checks failed", failures, len(selftestChecks))
	}
	return nil
}

func checkFrameAllocRoundTrip(m *machine) error {
	before := m.alloc.FreeCount()
	pa, ok := m.alloc.Alloc()
	if !ok {
		return fmt.Errorf("allocator reported exhaustion with %d frames free", before)
	}
	if m.alloc.FreeCount() != before-1 {
		return fmt.Errorf("free count did not drop by one after alloc")
	}
	m.alloc.Free(pa)
	if m.alloc.FreeCount() != before {
		return fmt.Errorf("free count did not recover after free")
	}
	return nil
}

func checkTaskLifecycle(m *machine) error {
	tk, ok := m.tasks.Register("selftest-task", true, 0)
	if !ok {
		return fmt.Errorf("task table rejected registration")
	}
	defer m.tasks.Unregister(tk.Tid)
	if m.tasks.Get(tk.Tid) == nil {
		return fmt.Errorf("registered task not found by tid")
	}
	return nil
}

func checkSchedulerAdvances(m *machine) error {
	tk, ok := m.tasks.Register("selftest-sched", true, 0)
	if !ok {
		return fmt.Errorf("task table rejected registration")
	}
	defer m.tasks.Unregister(tk.Tid)
	m.sched.Enqueue(tk.Tid)
	before := m.sched.NowMs()
	m.sched.Tick()
	if m.sched.NowMs() <= before {
		return fmt.Errorf("NowMs did not advance across a tick")
	}
	return nil
}

func checkPipeRoundTrip(m *machine) error {
	tk, ok := m.tasks.Register("selftest-pipe", true, 0)
	if !ok {
		return fmt.Errorf("task table rejected registration")
	}
	defer m.tasks.Unregister(tk.Tid)

	id := m.pipes.Create()
	want := []byte("selftest")
	if _, errno := m.pipes.Write(id, tk.Tid, want); errno != 0 {
		return fmt.Errorf("pipe write failed: %v", errno)
	}
	buf := make([]byte, len(want))
	n, errno := m.pipes.Read(id, tk.Tid, buf, true)
	if errno != 0 {
		return fmt.Errorf("pipe read failed: %v", errno)
	}
	if n != len(want) || string(buf[:n]) != string(want) {
		return fmt.Errorf("pipe round trip returned %q, want %q", buf[:n], want)
	}
	return nil
}

func checkFileRoundTrip(m *machine) error {
	ino, errno := m.rootFS.CreateFile(fs.RootInode, "selftest.txt")
	if errno != 0 {
		return fmt.Errorf("create failed: %v", errno)
	}
	want := []byte("hello from imposos")
	if _, errno := m.rootFS.WriteAt(ino, want, 0); errno != 0 {
		return fmt.Errorf("write failed: %v", errno)
	}
	got := make([]byte, len(want))
	n, errno := m.rootFS.ReadAt(ino, got, 0)
	if errno != 0 {
		return fmt.Errorf("read failed: %v", errno)
	}
	if n != len(want) || string(got[:n]) != string(want) {
		return fmt.Errorf("file round trip returned %q, want %q", got[:n], want)
	}
	return nil
}

func checkJournalReplay(m *machine) error {
	disk := journal.NewMemDisk(64)
	j := journal.Open(disk, 64)
	if errno := j.Begin(); errno != 0 {
		return fmt.Errorf("begin failed: %v", errno)
	}
	if errno := j.LogInodeAlloc(42); errno != 0 {
		return fmt.Errorf("log failed: %v", errno)
	}
	applier := &countingApplier{}
	if errno := j.Commit(applier); errno != 0 {
		return fmt.Errorf("commit failed: %v", errno)
	}

	replayJ := journal.Open(disk, 64)
	replayApplier := &countingApplier{}
	replayJ.Replay(replayApplier)
	if replayApplier.inodeAllocs != 1 {
		return fmt.Errorf("replay applied %d inode allocs, want 1", replayApplier.inodeAllocs)
	}
	return nil
}

// countingApplier is a journal.Applier that only counts what it's asked
// to replay, for a selftest that cares about replay fidelity, not a
// live filesystem's bookkeeping.
type countingApplier struct {
	inodeAllocs int
}

func (c *countingApplier) ApplyInodeUpdate(ino uint32)                          {}
func (c *countingApplier) ApplyBlockAlloc(block uint32)                         {}
func (c *countingApplier) ApplyBlockFree(block uint32)                         {}
func (c *countingApplier) ApplyInodeAlloc(ino uint32)                           { c.inodeAllocs++ }
func (c *countingApplier) ApplyInodeFree(ino uint32)                           {}
func (c *countingApplier) ApplyDirAdd(parent, child uint32, name string)        {}
func (c *countingApplier) ApplyDirRemove(parent, child uint32, name string)     {}
