// Package mem implements the physical memory substrate: a simulated RAM
// arena, the frame allocator and the per-frame reference count
// used for copy-on-write sharing.
package mem

const (
	// FrameSize is the size in bytes of one physical frame.
	FrameSize = 4096
	// frameShift is log2(FrameSize).
	frameShift = 12
)

// Pa_t is a physical address, always frame-aligned when it names a frame.
type Pa_t uint32

// FrameNum returns the frame index of physical address p.
func (p Pa_t) FrameNum() int { return int(p >> frameShift) }

// FrameBase returns the physical address of frame index n.
func FrameBase(n int) Pa_t { return Pa_t(n) << frameShift }

// Aligned reports whether p is frame-aligned.
func (p Pa_t) Aligned() bool { return p&(FrameSize-1) == 0 }
