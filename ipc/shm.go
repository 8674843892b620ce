package ipc

import (
	"sync"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/mem"
	"github.com/ernivani/imposos/paging"
)

// ShmBase and ShmMaxSize fix a deterministic virtual layout for shared
// regions: region id n always lands at ShmBase + n*ShmMaxSize in every
// attaching task's address space, so a pointer into shared memory means
// the same thing across processes without any relocation bookkeeping.
const (
	ShmBase    uint32 = 0xD0000000
	ShmMaxSize uint32 = 4 * 1024 * 1024
)

type shmRegion struct {
	name     string
	id       int
	npages   int
	frames   []mem.Pa_t
	refcount int
	attached map[common.Tid_t]bool
}

// ShmTable owns every live shared-memory region.
type ShmTable struct {
	mu        sync.Mutex
	byName    map[string]int
	byID      map[int]*shmRegion
	next      int
	allocator *mem.Allocator
	pager     *paging.Manager
}

func NewShmTable(a *mem.Allocator, p *paging.Manager) *ShmTable {
	return &ShmTable{
		byName: map[string]int{}, byID: map[int]*shmRegion{},
		allocator: a, pager: p,
	}
}

// Create returns the id for name, allocating a fresh size-byte region the
// first time name is seen; subsequent calls with the same name return the
// same id without allocating again (idempotent, matching shm_open).
func (st *ShmTable) Create(name string, size uint32) (int, common.Errno) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if id, ok := st.byName[name]; ok {
		return id, 0
	}
	if size == 0 || size > ShmMaxSize {
		return 0, common.EINVAL
	}
	npages := int((size + mem.FrameSize - 1) / mem.FrameSize)
	frames := make([]mem.Pa_t, 0, npages)
	for i := 0; i < npages; i++ {
		pa, ok := st.allocator.Alloc()
		if !ok {
			for _, f := range frames {
				st.allocator.Free(f)
			}
			return 0, common.ENOMEM
		}
		frames = append(frames, pa)
	}
	id := st.next
	st.next++
	st.byID[id] = &shmRegion{
		name: name, id: id, npages: npages, frames: frames,
		attached: map[common.Tid_t]bool{},
	}
	st.byName[name] = id
	return id, 0
}

// Attach maps region id into tid's page directory at its deterministic
// base and bumps the region's refcount.
func (st *ShmTable) Attach(id int, tid common.Tid_t, pd mem.Pa_t) common.Errno {
	st.mu.Lock()
	r, ok := st.byID[id]
	st.mu.Unlock()
	if !ok {
		return common.EINVAL
	}
	st.mu.Lock()
	if r.attached[tid] {
		st.mu.Unlock()
		return 0
	}
	r.attached[tid] = true
	r.refcount++
	st.mu.Unlock()

	base := ShmBase + uint32(id)*ShmMaxSize
	for i, f := range r.frames {
		va := base + uint32(i)*mem.FrameSize
		if _, ok := st.pager.MapUserPage(pd, va, f, paging.WRITE); !ok {
			return common.ENOMEM
		}
	}
	return 0
}

// Detach unmaps region id from tid's page directory and drops its
// refcount. Each unmapped frame is put back through the page-table
// manager's own refcounting (the mirror of the Inc every Attach's
// MapUserPage performed), so a frame is only ever freed once its last
// mapping — in any process — is gone; region.refcount here only gates
// the table's own name/id bookkeeping, not frame lifetime.
func (st *ShmTable) Detach(id int, tid common.Tid_t, pd mem.Pa_t) common.Errno {
	st.mu.Lock()
	r, ok := st.byID[id]
	st.mu.Unlock()
	if !ok {
		return common.EINVAL
	}
	st.mu.Lock()
	if !r.attached[tid] {
		st.mu.Unlock()
		return common.EINVAL
	}
	delete(r.attached, tid)
	r.refcount--
	dead := r.refcount == 0
	st.mu.Unlock()

	base := ShmBase + uint32(id)*ShmMaxSize
	for i, f := range r.frames {
		va := base + uint32(i)*mem.FrameSize
		if st.pager.UnmapUserPage(pd, va) {
			st.pager.PutFrame(f)
		}
	}
	if dead {
		st.mu.Lock()
		delete(st.byID, id)
		delete(st.byName, r.name)
		st.mu.Unlock()
	}
	return 0
}

// VA returns the deterministic virtual base region id maps to.
func VA(id int) uint32 { return ShmBase + uint32(id)*ShmMaxSize }
