package vm

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertSortedNonOverlapping(t *testing.T, areas []VMA) {
	t.Helper()
	for i := 1; i < len(areas); i++ {
		assert.Less(t, areas[i-1].End, areas[i].Start+1)
		assert.LessOrEqual(t, areas[i-1].End, areas[i].Start)
	}
	for _, a := range areas {
		assert.Less(t, a.Start, a.End)
	}
}

func TestInsertRemoveInvariant(t *testing.T) {
	tbl := NewTable(0x1000000)
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		start := uint32(r.Intn(1000)) * 0x1000
		length := uint32(r.Intn(5)+1) * 0x1000
		if _, ok := tbl.Find(start); ok {
			continue
		}
		overlap := false
		for _, a := range tbl.areas {
			if start < a.End && start+length > a.Start {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		tbl.Insert(start, start+length, ProtRead|ProtWrite, Anon)
		assertSortedNonOverlapping(t, tbl.Areas())
	}
	for i := 0; i < 100; i++ {
		start := uint32(r.Intn(1000)) * 0x1000
		length := uint32(r.Intn(3)+1) * 0x1000
		tbl.Remove(start, start+length)
		assertSortedNonOverlapping(t, tbl.Areas())
	}
}

func TestCloneEquivalence(t *testing.T) {
	tbl := NewTable(0x1000000)
	tbl.Insert(0x1000, 0x3000, ProtRead|ProtWrite, Anon)
	tbl.Insert(0x5000, 0x6000, ProtRead, ELF)
	clone := tbl.Clone()
	if diff := cmp.Diff(tbl.Areas(), clone.Areas()); diff != "" {
		t.Fatalf("clone diverged from source (-want +got):\n%s", diff)
	}
	// mutating the clone must not affect the original.
	clone.Insert(0x8000, 0x9000, ProtRead, Anon)
	require.Len(t, tbl.Areas(), 2)
	require.Len(t, clone.Areas(), 3)
}

func TestFindFreeAvoidsExisting(t *testing.T) {
	tbl := NewTable(0x1000)
	tbl.Insert(0x1000, 0x2000, ProtRead, Anon)
	got := tbl.FindFree(0x1000)
	assert.Equal(t, uint32(0x2000), got)
}

func TestSplit(t *testing.T) {
	tbl := NewTable(0)
	tbl.Insert(0x1000, 0x4000, ProtRead|ProtWrite, Anon)
	tbl.Split(0x2000)
	areas := tbl.Areas()
	require.Len(t, areas, 2)
	assert.Equal(t, uint32(0x1000), areas[0].Start)
	assert.Equal(t, uint32(0x2000), areas[0].End)
	assert.Equal(t, uint32(0x2000), areas[1].Start)
	assert.Equal(t, uint32(0x4000), areas[1].End)
	assertSortedNonOverlapping(t, areas)
}
