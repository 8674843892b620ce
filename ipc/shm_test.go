package ipc

import (
	"testing"

	"github.com/ernivani/imposos/mem"
	"github.com/ernivani/imposos/paging"
	"github.com/stretchr/testify/require"
)

func testShmMachine(t *testing.T) (*ShmTable, *mem.Allocator, *paging.Manager, mem.Pa_t) {
	t.Helper()
	regions := []mem.MemRegion{{Start: 0, End: mem.FrameBase(256 + 256), Available: true}}
	alloc := mem.NewAllocator(testLogger(), nil, regions, 0, 0)
	refs := mem.NewRefcounts(alloc)
	ram := mem.NewRAM(alloc.NFrames())
	pager := paging.NewManager(alloc, refs, ram)
	_, ok := pager.BuildKernelPD(0)
	require.True(t, ok)
	pd, ok := pager.CreateUserPageDir()
	require.True(t, ok)
	st := NewShmTable(alloc, pager)
	return st, alloc, pager, pd
}

func TestShmCreateIsIdempotentByName(t *testing.T) {
	st, _, _, _ := testShmMachine(t)
	id1, errno := st.Create("fb", mem.FrameSize*2)
	require.Zero(t, errno)
	id2, errno := st.Create("fb", mem.FrameSize*2)
	require.Zero(t, errno)
	require.Equal(t, id1, id2)
}

func TestShmAttachMapsDeterministicBase(t *testing.T) {
	st, _, pager, pd := testShmMachine(t)
	id, errno := st.Create("ring", mem.FrameSize)
	require.Zero(t, errno)

	require.Zero(t, st.Attach(id, 7, pd))
	pte, ok := pager.Lookup(pd, VA(id))
	require.True(t, ok)
	require.True(t, pte.Present())
}

func TestShmDetachToZeroFreesFrames(t *testing.T) {
	st, alloc, _, pd := testShmMachine(t)
	before := alloc.FreeCount()
	id, errno := st.Create("buf", mem.FrameSize*3)
	require.Zero(t, errno)
	require.Zero(t, st.Attach(id, 1, pd))

	require.Zero(t, st.Detach(id, 1, pd))
	require.Equal(t, before-1, alloc.FreeCount(), "all region frames should be freed once the last attachment drops; the page table mapping the shm window stays with the page directory")
}
