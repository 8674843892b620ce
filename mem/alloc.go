package mem

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// MemRegion describes one entry of the boot memory map (the multiboot
// memory map in a real boot): a physical range and whether it is
// usable RAM (type 1) or reserved for some other purpose.
type MemRegion struct {
	Start, End Pa_t
	Available  bool
}

// Allocator is a bitmap of 4 KiB physical frames: bit 0 means free, bit 1
// means used. alloc() is first-fit; free_count() is O(1).
type Allocator struct {
	mu      sync.Mutex
	bitmap  []uint64
	nframes int
	free    int

	log         logr.Logger
	gaugeFree   prometheus.Gauge
	counterLeak prometheus.Counter
}

// NewAllocator builds an allocator covering all frames named by regions,
// then reserves the low 1 MiB and [kernelEnd, kernelEnd+heapReserve) the
// way a real boot-time physical allocator reserves the kernel image plus
// a fixed heap, so allocation and freeing never need to scan past the
// map's bounds.
func NewAllocator(log logr.Logger, reg prometheus.Registerer, regions []MemRegion, kernelEnd Pa_t, heapReserve int) *Allocator {
	var top Pa_t
	for _, r := range regions {
		if r.End > top {
			top = r.End
		}
	}
	nframes := top.FrameNum()
	a := &Allocator{
		bitmap:  make([]uint64, (nframes+63)/64),
		nframes: nframes,
		log:     log,
	}
	// everything starts used; mark available regions free.
	for i := 0; i < nframes; i++ {
		a.setUsedLocked(i)
	}
	for _, r := range regions {
		if !r.Available {
			continue
		}
		for n := r.Start.FrameNum(); n < r.End.FrameNum() && n < nframes; n++ {
			a.clearUsedLocked(n)
		}
	}
	a.reserveRangeLocked(0, FrameBase(256)) // low 1 MiB (256 frames)
	a.reserveRangeLocked(0, kernelEnd)
	a.reserveRangeLocked(kernelEnd, kernelEnd+Pa_t(heapReserve))

	if reg != nil {
		a.gaugeFree = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imposos_frames_free",
			Help: "Number of free physical frames.",
		})
		a.counterLeak = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imposos_frames_leaked_total",
			Help: "Frames whose refcount saturated and were never freed.",
		})
		reg.MustRegister(a.gaugeFree, a.counterLeak)
	}
	a.publish()
	return a
}

func (a *Allocator) setUsedLocked(n int) {
	if a.bitmap[n/64]&(1<<uint(n%64)) == 0 {
		a.bitmap[n/64] |= 1 << uint(n%64)
	}
}

func (a *Allocator) clearUsedLocked(n int) {
	if a.bitmap[n/64]&(1<<uint(n%64)) != 0 {
		a.bitmap[n/64] &^= 1 << uint(n%64)
		a.free++
	}
}

func (a *Allocator) reserveRangeLocked(lo, hi Pa_t) {
	for n := lo.FrameNum(); n < hi.FrameNum() && n < a.nframes; n++ {
		if a.bitmap[n/64]&(1<<uint(n%64)) == 0 {
			a.bitmap[n/64] |= 1 << uint(n%64)
			a.free--
		}
	}
}

// ReserveRange marks [lo, hi) as permanently used, e.g. for a loaded
// multiboot module.
func (a *Allocator) ReserveRange(lo, hi Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserveRangeLocked(lo, hi)
	a.publish()
}

// Alloc returns the first free frame, marking it used, or ok=false when
// no free frame exists. Callers must not dereference a null result.
func (a *Allocator) Alloc() (pa Pa_t, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, word := range a.bitmap {
		if word == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			n := i*64 + b
			if n >= a.nframes {
				break
			}
			if word&(1<<uint(b)) == 0 {
				a.bitmap[i] |= 1 << uint(b)
				a.free--
				a.publish()
				return FrameBase(n), true
			}
		}
	}
	return 0, false
}

// Free marks phys's frame free again. Freeing an already-free frame is a
// caller bug and panics rather than silently ignoring it.
func (a *Allocator) Free(phys Pa_t) {
	if !phys.Aligned() {
		panic("mem: free of unaligned address")
	}
	n := phys.FrameNum()
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 0 || n >= a.nframes {
		panic("mem: free of out-of-range frame")
	}
	if a.bitmap[n/64]&(1<<uint(n%64)) == 0 {
		panic("mem: double free")
	}
	a.bitmap[n/64] &^= 1 << uint(n%64)
	a.free++
	a.publish()
}

// FreeCount returns the number of currently free frames.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// NFrames returns the total number of frames the allocator covers.
func (a *Allocator) NFrames() int {
	return a.nframes
}

func (a *Allocator) publish() {
	if a.gaugeFree != nil {
		a.gaugeFree.Set(float64(a.free))
	}
}

// NoteLeak records a saturated-refcount frame that will never be freed
// surfacing it to the imposos_frames_leaked_total counter.
func (a *Allocator) NoteLeak() {
	if a.counterLeak != nil {
		a.counterLeak.Inc()
	}
}
