// Package paging implements the two-level 32-bit page-table manager
// building the shared kernel page directory, creating/cloning/
// destroying per-process user page directories, mapping and unmapping
// pages, guard pages, and copy-on-write.
//
// There is no real MMU under this simulation, so page directories and
// page tables are plain Go structs rather than raw memory a CPU walks;
// the manager still consumes physical frames from mem.Allocator for them
// so frame accounting stays honest.
package paging

import "github.com/ernivani/imposos/mem"

const (
	entriesPerTable = 1024
)

// PTE is a page-table entry: a frame-aligned physical address in the high
// bits plus flags in the low 12, exactly like a real x86 PTE.
type PTE mem.Pa_t

const (
	PRESENT PTE = 1 << 0
	WRITE   PTE = 1 << 1
	USER    PTE = 1 << 2
	// GUARD and COW are the OS-defined flags beyond the architectural
	// ones: GUARD marks a not-present page whose next
	// access should be caught and rearmed; COW marks a present,
	// read-only page backed by a frame shared with another mapping.
	GUARD PTE = 1 << 9
	COW   PTE = 1 << 10

	flagMask = PTE(mem.FrameSize - 1)
)

// Addr returns the physical frame this PTE names, masking off flags.
func (e PTE) Addr() mem.Pa_t { return mem.Pa_t(e) &^ mem.Pa_t(flagMask) }

// Present reports whether PRESENT is set.
func (e PTE) Present() bool { return e&PRESENT != 0 }

// IsGuard reports whether GUARD is set.
func (e PTE) IsGuard() bool { return e&GUARD != 0 }

// IsCOW reports whether COW is set.
func (e PTE) IsCOW() bool { return e&COW != 0 }

// Writable reports whether WRITE is set.
func (e PTE) Writable() bool { return e&WRITE != 0 }

func mkpte(pa mem.Pa_t, flags PTE) PTE {
	return PTE(pa) | flags
}

// PageTable is the innermost 1024-entry table (4 KiB, one page).
type PageTable struct {
	Entries [entriesPerTable]PTE
}

// PageDirectory is the top-level 1024-entry directory. The lower half
// (entries [0, dirUserEnd)) is process-private; the upper half is shared
// kernel mapping cloned into every user directory.
type PageDirectory struct {
	Entries [entriesPerTable]PTE
}

const dirUserEnd = entriesPerTable / 2

func pdIndex(va uint32) int { return int(va >> 22) }
func ptIndex(va uint32) int { return int((va >> 12) & 0x3ff) }
func pageOffset(va uint32) uint32 { return va & (mem.FrameSize - 1) }
