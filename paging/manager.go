package paging

import (
	"sync"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/mem"
)

// Manager owns every page directory and page table in the simulated
// machine. Real hardware addresses a page table via its physical frame;
// since there is no MMU here, Manager keeps a registry from the frame a
// table "lives at" (consumed from the same mem.Allocator as any other
// frame, the same way a real page-table-page allocator tracks ownership)
// back to the Go struct, so frame accounting for
// page-table pages stays honest even though nothing walks them in
// hardware.
type Manager struct {
	mu    sync.Mutex
	alloc *mem.Allocator
	refs  *mem.Refcounts
	ram   *mem.RAM

	dirs   map[mem.Pa_t]*PageDirectory
	tables map[mem.Pa_t]*PageTable

	kernelPD      *PageDirectory
	kernelPDPhys  mem.Pa_t
}

func NewManager(alloc *mem.Allocator, refs *mem.Refcounts, ram *mem.RAM) *Manager {
	return &Manager{
		alloc:  alloc,
		refs:   refs,
		ram:    ram,
		dirs:   map[mem.Pa_t]*PageDirectory{},
		tables: map[mem.Pa_t]*PageTable{},
	}
}

func (m *Manager) allocDir() (mem.Pa_t, *PageDirectory, bool) {
	pa, ok := m.alloc.Alloc()
	if !ok {
		return 0, nil, false
	}
	pd := &PageDirectory{}
	m.dirs[pa] = pd
	return pa, pd, true
}

func (m *Manager) allocTable() (mem.Pa_t, *PageTable, bool) {
	pa, ok := m.alloc.Alloc()
	if !ok {
		return 0, nil, false
	}
	pt := &PageTable{}
	m.tables[pa] = pt
	return pa, pt, true
}

// BuildKernelPD identity-maps [0, span) with 4 KiB pages and enables the
// shared kernel half every user page directory will clone.
func (m *Manager) BuildKernelPD(span uint32) (mem.Pa_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, pd, ok := m.allocDir()
	if !ok {
		return 0, false
	}
	for va := uint32(0); va < span; va += mem.FrameSize {
		idx := pdIndex(va)
		if !pd.Entries[idx].Present() {
			ptPa, _, ok := m.allocTable()
			if !ok {
				return 0, false
			}
			pd.Entries[idx] = mkpte(ptPa, PRESENT|WRITE)
		}
		pt := m.tables[pd.Entries[idx].Addr()]
		pt.Entries[ptIndex(va)] = mkpte(mem.Pa_t(va), PRESENT|WRITE)
	}
	m.kernelPD = pd
	m.kernelPDPhys = pa
	return pa, true
}

// CreateUserPageDir clones the kernel's PDEs into the upper half of a
// fresh page directory and leaves the lower (user) half empty.
func (m *Manager) CreateUserPageDir() (mem.Pa_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kernelPD == nil {
		panic("paging: kernel PD not built")
	}
	pa, pd, ok := m.allocDir()
	if !ok {
		return 0, false
	}
	copy(pd.Entries[dirUserEnd:], m.kernelPD.Entries[dirUserEnd:])
	return pa, true
}

func (m *Manager) pte(pdPhys mem.Pa_t, va uint32, create bool) (*PTE, bool) {
	pd, ok := m.dirs[pdPhys]
	if !ok {
		return nil, false
	}
	idx := pdIndex(va)
	if !pd.Entries[idx].Present() {
		if !create {
			return nil, false
		}
		ptPa, _, ok := m.allocTable()
		if !ok {
			return nil, false
		}
		pd.Entries[idx] = mkpte(ptPa, PRESENT|WRITE|USER)
	}
	pt := m.tables[pd.Entries[idx].Addr()]
	return &pt.Entries[ptIndex(va)], true
}

// MapUserPage creates the page table for va if needed and writes the PTE
// mapping va to pa with flags. It returns the page table's physical
// address so the caller may track it (e.g. for later teardown bookkeeping).
// The mapping also owns pa's refcount: a frame with no prior owner is set
// to one, and a frame already backing another mapping (e.g. a second
// shared-memory attach) is bumped, so every present user PTE corresponds
// to exactly one unit of refcount and DestroyUserPageDir's Dec is always
// balanced.
func (m *Manager) MapUserPage(pdPhys mem.Pa_t, va uint32, pa mem.Pa_t, flags PTE) (mem.Pa_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pd, ok := m.dirs[pdPhys]
	if !ok {
		return 0, false
	}
	entry, ok := m.pte(pdPhys, va, true)
	if !ok {
		return 0, false
	}
	*entry = mkpte(pa, flags|PRESENT|USER)
	if m.refs.Get(pa) == 0 {
		m.refs.SetToOne(pa)
	} else {
		m.refs.Inc(pa)
	}
	return pd.Entries[pdIndex(va)].Addr(), true
}

// UnmapUserPage clears the mapping at va, if any, and reports whether one
// existed.
func (m *Manager) UnmapUserPage(pdPhys mem.Pa_t, va uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pte(pdPhys, va, false)
	if !ok || !entry.Present() {
		return false
	}
	*entry = 0
	return true
}

// PutFrame drops one reference on pa, freeing it back to the allocator once
// the last mapping referencing it is gone. Callers that unmap a user page
// outright (rather than leaving it for DestroyUserPageDir to walk) must
// route the frame through here instead of calling the allocator directly,
// or a still-shared COW frame gets freed out from under its other holder.
func (m *Manager) PutFrame(pa mem.Pa_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs.Dec(pa) {
		m.alloc.Free(pa)
	}
}

// Lookup returns the raw PTE mapped at va in pdPhys, if any.
func (m *Manager) Lookup(pdPhys mem.Pa_t, va uint32) (PTE, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pte(pdPhys, va, false)
	if !ok {
		return 0, false
	}
	return *entry, true
}

// SetGuardPage installs a not-present GUARD page backed by phys, so the
// first access is caught and can be rearmed by CheckGuardPage.
func (m *Manager) SetGuardPage(pdPhys mem.Pa_t, va uint32, phys mem.Pa_t) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pte(pdPhys, va, true)
	if !ok {
		return false
	}
	*entry = mkpte(phys, GUARD|USER)
	return true
}

// CheckGuardPage rearms a GUARD page on fault: clears GUARD, sets
// PRESENT, and reports whether addr was in fact a guard page (the caller
// should retry the faulting instruction when true).
func (m *Manager) CheckGuardPage(pdPhys mem.Pa_t, addr uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pte(pdPhys, addr, false)
	if !ok || !entry.IsGuard() {
		return false
	}
	*entry = mkpte(entry.Addr(), PRESENT|WRITE|USER)
	return true
}

// Fork makes both the parent's and a freshly created child's user-writable
// pages read-only and COW, incrementing the shared frame's refcount for
// every such page, implementing the copy-on-write half of fork.
func (m *Manager) Fork(parentPhys mem.Pa_t) (childPhys mem.Pa_t, ok bool) {
	childPhys, ok = m.CreateUserPageDir()
	if !ok {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := m.dirs[parentPhys]
	child := m.dirs[childPhys]
	for i := 0; i < dirUserEnd; i++ {
		if !parent.Entries[i].Present() {
			continue
		}
		parentPT := m.tables[parent.Entries[i].Addr()]
		childPTPhys, childPT, allocOk := m.allocTable()
		if !allocOk {
			return 0, false
		}
		child.Entries[i] = mkpte(childPTPhys, PRESENT|WRITE|USER)
		for j := 0; j < entriesPerTable; j++ {
			pe := parentPT.Entries[j]
			if !pe.Present() {
				continue
			}
			if !pe.Writable() && !pe.IsCOW() {
				childPT.Entries[j] = pe
				m.refs.Inc(pe.Addr())
				continue
			}
			ro := pe &^ WRITE
			ro |= COW
			parentPT.Entries[j] = ro
			childPT.Entries[j] = ro
			m.refs.Inc(pe.Addr())
		}
	}
	return childPhys, true
}

// HandleCOWFault services a write fault on a COW page: it allocates a new
// frame, copies the shared frame's contents into it, installs it writable
// in the faulting page directory, and decrements the old frame's
// refcount, freeing it if that was the last reference.
func (m *Manager) HandleCOWFault(pdPhys mem.Pa_t, va uint32) common.Errno {
	m.mu.Lock()
	entry, ok := m.pte(pdPhys, va, false)
	if !ok || !entry.IsCOW() {
		m.mu.Unlock()
		return common.EFAULT
	}
	old := entry.Addr()
	m.mu.Unlock()

	newPhys, allocOk := m.alloc.Alloc()
	if !allocOk {
		return common.ENOMEM
	}
	m.refs.SetToOne(newPhys)
	m.ram.CopyFrame(newPhys, old)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok = m.pte(pdPhys, va, false)
	if !ok {
		return common.EFAULT
	}
	*entry = mkpte(newPhys, PRESENT|WRITE|USER)
	if m.refs.Dec(old) {
		m.alloc.Free(old)
	}
	return 0
}

// DestroyUserPageDir walks every user PDE, decrements the refcount of
// every mapped frame (freeing it on the last reference), frees the page
// tables, and frees the page directory itself.
func (m *Manager) DestroyUserPageDir(pdPhys mem.Pa_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pd, ok := m.dirs[pdPhys]
	if !ok {
		return
	}
	for i := 0; i < dirUserEnd; i++ {
		if !pd.Entries[i].Present() {
			continue
		}
		ptPhys := pd.Entries[i].Addr()
		pt := m.tables[ptPhys]
		for j := 0; j < entriesPerTable; j++ {
			pe := pt.Entries[j]
			if !pe.Present() {
				continue
			}
			if m.refs.Dec(pe.Addr()) {
				m.alloc.Free(pe.Addr())
			}
		}
		delete(m.tables, ptPhys)
		m.alloc.Free(ptPhys)
	}
	delete(m.dirs, pdPhys)
	m.alloc.Free(pdPhys)
}

// InvalidateTLB is a no-op in this simulation (there is no hardware TLB),
// kept so call sites read exactly like a real TLB shootdown and so a
// future backend with a real cache has somewhere to hook in.
func (m *Manager) InvalidateTLB(va uint32, pages int) {}
