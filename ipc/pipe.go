// Package ipc implements the concurrency primitives exposed to user mode:
// pipes, shared-memory regions, and futexes.
package ipc

import (
	"sync"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/ksignal"
	"github.com/ernivani/imposos/proc"
	"github.com/ernivani/imposos/sched"
)

// PipeCapacity is the fixed ring size, one 4 KiB page, the conventional
// size for a page-backed ring buffer.
const PipeCapacity = 4096

// Pipe is a fixed-capacity byte ring with producer/consumer counters and
// reader/writer refcounts.
type Pipe struct {
	mu   sync.Mutex
	buf  [PipeCapacity]byte
	head int // write cursor, monotonically increasing
	tail int // read cursor, monotonically increasing

	readers, writers int
	blockedReader    common.Tid_t
	hasBlockedReader bool
	blockedWriter    common.Tid_t
	hasBlockedWriter bool
}

func (p *Pipe) full() bool  { return p.head-p.tail == PipeCapacity }
func (p *Pipe) empty() bool { return p.head == p.tail }

// PipeTable owns every live pipe and the scheduler/task-table references
// needed to block and wake readers/writers.
type PipeTable struct {
	mu    sync.Mutex
	pipes map[int]*Pipe
	next  int

	sched *sched.Scheduler
	tasks *proc.Table
}

func NewPipeTable(s *sched.Scheduler, tasks *proc.Table) *PipeTable {
	return &PipeTable{pipes: map[int]*Pipe{}, sched: s, tasks: tasks}
}

// Create allocates a new pipe with one reader and one writer reference
// and returns its id.
func (pt *PipeTable) Create() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	id := pt.next
	pt.next++
	pt.pipes[id] = &Pipe{readers: 1, writers: 1}
	return id
}

func (pt *PipeTable) get(id int) *Pipe {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.pipes[id]
}

// AddReader/AddWriter bump refcounts, used when a pipe fd is duplicated
// (dup/fork).
func (pt *PipeTable) AddReader(id int) {
	if p := pt.get(id); p != nil {
		p.mu.Lock()
		p.readers++
		p.mu.Unlock()
	}
}
func (pt *PipeTable) AddWriter(id int) {
	if p := pt.get(id); p != nil {
		p.mu.Lock()
		p.writers++
		p.mu.Unlock()
	}
}

// CloseReader drops one reader reference. If it was the last reader and a
// writer is blocked on a full pipe, that writer is woken with -EPIPE and
// sent SIGPIPE.
func (pt *PipeTable) CloseReader(id int, reader common.Tid_t) {
	p := pt.get(id)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.readers--
	last := p.readers == 0
	var wake common.Tid_t
	wakeIt := false
	if last && p.hasBlockedWriter {
		wake = p.blockedWriter
		wakeIt = true
		p.hasBlockedWriter = false
	}
	p.mu.Unlock()
	if wakeIt {
		pt.sched.Unblock(wake)
		if t := pt.tasks.Get(wake); t != nil {
			ksignal.Send(t, common.SIGPIPE)
		}
	}
	pt.maybeDestroy(id, p)
}

// CloseWriter drops one writer reference. If it was the last writer and a
// reader is blocked on an empty pipe, that reader is woken to observe
// EOF (0 bytes).
func (pt *PipeTable) CloseWriter(id int) {
	p := pt.get(id)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.writers--
	last := p.writers == 0
	var wake common.Tid_t
	wakeIt := false
	if last && p.hasBlockedReader {
		wake = p.blockedReader
		wakeIt = true
		p.hasBlockedReader = false
	}
	p.mu.Unlock()
	if wakeIt {
		pt.sched.Unblock(wake)
	}
	pt.maybeDestroy(id, p)
}

func (pt *PipeTable) maybeDestroy(id int, p *Pipe) {
	p.mu.Lock()
	dead := p.readers == 0 && p.writers == 0
	p.mu.Unlock()
	if dead {
		pt.mu.Lock()
		delete(pt.pipes, id)
		pt.mu.Unlock()
	}
}

// Read copies up to len(dst) bytes out of the pipe into dst for reader.
// On an empty pipe with writers still open, it blocks the caller (unless
// nonblock) by returning (0, -blockedSentinel), which WouldBlock
// recognises, so the caller's syscall layer
// can suspend and retry; a caller not supporting blocking retries must
// pass nonblock=true.
func (pt *PipeTable) Read(id int, reader common.Tid_t, dst []byte, nonblock bool) (int, common.Errno) {
	p := pt.get(id)
	if p == nil {
		return 0, common.EINVAL
	}
	for {
		p.mu.Lock()
		if !p.empty() {
			n := p.head - p.tail
			if n > len(dst) {
				n = len(dst)
			}
			for i := 0; i < n; i++ {
				dst[i] = p.buf[(p.tail+i)%PipeCapacity]
			}
			p.tail += n
			if p.hasBlockedWriter {
				w := p.blockedWriter
				p.hasBlockedWriter = false
				p.mu.Unlock()
				pt.sched.Unblock(w)
				return n, 0
			}
			p.mu.Unlock()
			return n, 0
		}
		if p.writers == 0 {
			p.mu.Unlock()
			return 0, 0 // EOF
		}
		if nonblock {
			p.mu.Unlock()
			return 0, common.EAGAIN
		}
		p.blockedReader = reader
		p.hasBlockedReader = true
		p.mu.Unlock()
		pt.sched.Block(reader)
		return 0, -blockedSentinel
	}
}

// blockedSentinel is returned (negated) by Read/Write to signal "the
// caller must suspend and retry once woken". Its negated value equals
// common.EPERM, which no pipe path returns.
const blockedSentinel common.Errno = 1

// WouldBlock reports whether err is the internal "caller must suspend"
// signal rather than a real failure.
func WouldBlock(err common.Errno) bool { return err == -blockedSentinel }

// Write copies src into the pipe on behalf of writer. On a full pipe with
// readers still open it blocks (see Read's blocking convention). If there
// are no readers left, it fails with EPIPE and raises SIGPIPE on writer.
func (pt *PipeTable) Write(id int, writer common.Tid_t, src []byte) (int, common.Errno) {
	p := pt.get(id)
	if p == nil {
		return 0, common.EINVAL
	}
	for {
		p.mu.Lock()
		if p.readers == 0 {
			p.mu.Unlock()
			if t := pt.tasks.Get(writer); t != nil {
				ksignal.Send(t, common.SIGPIPE)
			}
			return 0, common.EPIPE
		}
		if !p.full() {
			free := PipeCapacity - (p.head - p.tail)
			n := len(src)
			if n > free {
				n = free
			}
			for i := 0; i < n; i++ {
				p.buf[(p.head+i)%PipeCapacity] = src[i]
			}
			p.head += n
			if p.hasBlockedReader {
				r := p.blockedReader
				p.hasBlockedReader = false
				p.mu.Unlock()
				pt.sched.Unblock(r)
				return n, 0
			}
			p.mu.Unlock()
			return n, 0
		}
		p.blockedWriter = writer
		p.hasBlockedWriter = true
		p.mu.Unlock()
		pt.sched.Block(writer)
		return 0, -blockedSentinel
	}
}
