package ksyscall

import "github.com/ernivani/imposos/proc"

// FDType identifies what a file descriptor slot refers to.
type FDType int

const (
	FDNone FDType = iota
	FDPipeRead
	FDPipeWrite
	FDFile
)

// FD is one entry of a task's file-descriptor table: {type, resource id,
// offset, flags}, matching the data model's fd_table entry shape. The
// resource id is a pipe id for FDPipeRead/FDPipeWrite.
type FD struct {
	Type   FDType
	Res    int
	Offset int64
	Flags  uint32
}

// fdSpace is the real per-task descriptor storage; proc.Task.FDTable only
// records which slots are occupied (1) or free (0) so the task table
// itself never needs to know about ksyscall's FD shape.
type fdSpace struct {
	fds [proc.MaxFDs]FD
}

func (d *Dispatcher) fdSpaceFor(t *proc.Task) *fdSpace {
	d.mu.Lock()
	defer d.mu.Unlock()
	fs, ok := d.fdSpaces[t.Tid]
	if !ok {
		fs = &fdSpace{}
		d.fdSpaces[t.Tid] = fs
	}
	return fs
}

// allocFD claims the lowest free slot in t's descriptor table.
func allocFD(t *proc.Task, fs *fdSpace, entry FD) (int, bool) {
	for i := 0; i < proc.MaxFDs; i++ {
		if t.FDTable[i] == 0 {
			t.FDTable[i] = 1
			fs.fds[i] = entry
			return i, true
		}
	}
	return 0, false
}

func freeFD(t *proc.Task, fs *fdSpace, fd int) {
	if fd < 0 || fd >= proc.MaxFDs {
		return
	}
	t.FDTable[fd] = 0
	fs.fds[fd] = FD{}
}
