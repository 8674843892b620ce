package paging

import (
	"testing"

	"github.com/ernivani/imposos/mem"
	"github.com/stretchr/testify/require"
)

func testMachine(t *testing.T) (*Manager, *mem.Allocator, *mem.Refcounts, *mem.RAM) {
	t.Helper()
	regions := []mem.MemRegion{{Start: 0, End: mem.FrameBase(256 + 256), Available: true}}
	alloc := mem.NewAllocator(testLogger(), nil, regions, 0, 0)
	refs := mem.NewRefcounts(alloc)
	ram := mem.NewRAM(alloc.NFrames())
	m := NewManager(alloc, refs, ram)
	_, ok := m.BuildKernelPD(0)
	require.True(t, ok)
	return m, alloc, refs, ram
}

// TestForkCOW: a parent writes a byte, forks, the child observes it, each
// side privatizes its own copy
// on write, and exactly one extra frame is allocated across both writes.
func TestForkCOW(t *testing.T) {
	m, alloc, _, ram := testMachine(t)

	parentPD, ok := m.CreateUserPageDir()
	require.True(t, ok)
	phys, ok := alloc.Alloc()
	require.True(t, ok)
	const va = uint32(0x1000)
	_, ok = m.MapUserPage(parentPD, va, phys, WRITE)
	require.True(t, ok)

	ram.Frame(phys)[0] = 0xAA

	childPD, ok := m.Fork(parentPD)
	require.True(t, ok)
	before := alloc.FreeCount()

	readByte := func(pd mem.Pa_t) byte {
		pte, ok := m.Lookup(pd, va)
		require.True(t, ok)
		return ram.Frame(pte.Addr())[0]
	}
	require.Equal(t, byte(0xAA), readByte(parentPD))
	require.Equal(t, byte(0xAA), readByte(childPD))

	// child writes 0x55: triggers COW, new frame allocated for child.
	errno := m.HandleCOWFault(childPD, va)
	require.Zero(t, errno)
	childPte, ok := m.Lookup(childPD, va)
	require.True(t, ok)
	ram.Frame(childPte.Addr())[0] = 0x55

	require.Equal(t, byte(0xAA), readByte(parentPD))
	require.Equal(t, byte(0x55), readByte(childPD))

	// exactly one extra frame consumed relative to pre-fork state once
	// both parent and child have touched their own copies once each.
	errno = m.HandleCOWFault(parentPD, va)
	require.Zero(t, errno)
	ram.Frame(func() mem.Pa_t { p, _ := m.Lookup(parentPD, va); return p.Addr() }())[0] = 0xAA

	after := alloc.FreeCount()
	require.Equal(t, before-1, after, "exactly one extra frame across both COW writes")
}

func TestGuardPageRearm(t *testing.T) {
	m, alloc, _, _ := testMachine(t)
	pd, ok := m.CreateUserPageDir()
	require.True(t, ok)
	phys, ok := alloc.Alloc()
	require.True(t, ok)
	const va = uint32(0x2000)
	require.True(t, m.SetGuardPage(pd, va, phys))

	pte, ok := m.Lookup(pd, va)
	require.True(t, ok)
	require.False(t, pte.Present())
	require.True(t, pte.IsGuard())

	require.True(t, m.CheckGuardPage(pd, va))
	pte, _ = m.Lookup(pd, va)
	require.True(t, pte.Present())
	require.False(t, pte.IsGuard())

	// second access is a normal present page, not a guard fault anymore.
	require.False(t, m.CheckGuardPage(pd, va))
}

func TestDestroyUserPageDirFreesFrames(t *testing.T) {
	m, alloc, _, _ := testMachine(t)
	before := alloc.FreeCount()
	pd, ok := m.CreateUserPageDir()
	require.True(t, ok)
	phys, ok := alloc.Alloc()
	require.True(t, ok)
	_, ok = m.MapUserPage(pd, 0x3000, phys, WRITE)
	require.True(t, ok)

	m.DestroyUserPageDir(pd)
	require.Equal(t, before, alloc.FreeCount())
}
