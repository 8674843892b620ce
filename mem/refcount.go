package mem

import "sync"

const maxRefcount = 255

// Refcounts holds one saturating byte counter per frame, used by the
// page-table manager's copy-on-write path. A frame is live while its count is
// >= 1; 0 means "never allocated or just freed". Once a count reaches 255
// it is pinned there forever — "safer to leak a page than to risk
// use-after-free in a sharing graph with more than 254 holders".
type Refcounts struct {
	mu     sync.Mutex
	counts []uint8
	alloc  *Allocator
}

// NewRefcounts builds a refcount table sized to alloc's frame count. alloc
// is used only to report leaks when a counter saturates.
func NewRefcounts(alloc *Allocator) *Refcounts {
	return &Refcounts{
		counts: make([]uint8, alloc.NFrames()),
		alloc:  alloc,
	}
}

// Inc increments phys's refcount, saturating at 255.
func (r *Refcounts) Inc(phys Pa_t) {
	n := phys.FrameNum()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[n] == maxRefcount {
		r.alloc.NoteLeak()
		return
	}
	r.counts[n]++
}

// Dec decrements phys's refcount. Saturated (255) counters never
// decrement — this is an intentionally irreversible design choice. Dec
// reports whether the count reached zero (caller should free the frame).
func (r *Refcounts) Dec(phys Pa_t) (reachedZero bool) {
	n := phys.FrameNum()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[n] == maxRefcount {
		return false
	}
	if r.counts[n] == 0 {
		panic("mem: refcount underflow")
	}
	r.counts[n]--
	return r.counts[n] == 0
}

// Get returns the current refcount of phys.
func (r *Refcounts) Get(phys Pa_t) uint8 {
	n := phys.FrameNum()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[n]
}

// SetToOne forces phys's refcount to 1, used when a fresh frame is handed
// to exactly one owner (e.g. Allocator.Alloc followed immediately by a
// single mapping).
func (r *Refcounts) SetToOne(phys Pa_t) {
	n := phys.FrameNum()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[n] = 1
}
