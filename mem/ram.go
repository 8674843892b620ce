package mem

// RAM stands in for physical memory: a contiguous byte arena addressed by
// Pa_t, the way a real kernel addresses frames through a direct map.
// Nothing here is reachable from user code directly; the page-table
// manager and COW path are the only callers.
type RAM struct {
	bytes []byte
}

// NewRAM allocates an arena big enough to back nframes frames.
func NewRAM(nframes int) *RAM {
	return &RAM{bytes: make([]byte, nframes*FrameSize)}
}

// Frame returns a slice viewing the frame at physical address pa. The
// caller must already hold whatever lock protects concurrent access to
// that frame (the VM address-space lock, in practice).
func (m *RAM) Frame(pa Pa_t) []byte {
	n := pa.FrameNum()
	off := n * FrameSize
	return m.bytes[off : off+FrameSize]
}

// CopyFrame copies the full contents of src into dst, used by the COW
// write-fault path when a shared frame must be privatized.
func (m *RAM) CopyFrame(dst, src Pa_t) {
	copy(m.Frame(dst), m.Frame(src))
}

// ZeroFrame clears a frame, used when a fresh anonymous page is mapped.
func (m *RAM) ZeroFrame(pa Pa_t) {
	f := m.Frame(pa)
	for i := range f {
		f[i] = 0
	}
}
