package mem

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAllocator(t *testing.T) *Allocator {
	t.Helper()
	regions := []MemRegion{{Start: 0, End: FrameBase(256 + 64), Available: true}}
	a := NewAllocator(testLogger(), nil, regions, 0, 0)
	return a
}

func TestAllocatorAlignmentAndUniqueness(t *testing.T) {
	a := testAllocator(t)
	seen := map[Pa_t]bool{}
	var outstanding []Pa_t
	for i := 0; i < 64; i++ {
		pa, ok := a.Alloc()
		require.True(t, ok)
		assert.True(t, pa.Aligned())
		assert.False(t, seen[pa], "frame returned twice without intervening free")
		seen[pa] = true
		outstanding = append(outstanding, pa)
	}
	assert.Equal(t, 0, a.FreeCount())
	for _, pa := range outstanding {
		a.Free(pa)
	}
	assert.Equal(t, 64, a.FreeCount())
}

func TestAllocatorFreeCountInvariant(t *testing.T) {
	a := testAllocator(t)
	total := a.FreeCount()
	live := map[Pa_t]bool{}

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		if len(live) == 0 || r.Intn(2) == 0 {
			pa, ok := a.Alloc()
			if !ok {
				continue
			}
			live[pa] = true
		} else {
			for pa := range live {
				a.Free(pa)
				delete(live, pa)
				break
			}
		}
		assert.Equal(t, total-len(live), a.FreeCount())
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	a := testAllocator(t)
	for {
		if _, ok := a.Alloc(); !ok {
			break
		}
	}
	_, ok := a.Alloc()
	assert.False(t, ok)
}

func TestRefcountSaturatesAndPins(t *testing.T) {
	a := testAllocator(t)
	pa, ok := a.Alloc()
	require.True(t, ok)
	rc := NewRefcounts(a)
	for i := 0; i < 300; i++ {
		rc.Inc(pa)
	}
	assert.EqualValues(t, 255, rc.Get(pa))
	for i := 0; i < 10; i++ {
		z := rc.Dec(pa)
		assert.False(t, z)
		assert.EqualValues(t, 255, rc.Get(pa))
	}
}

func TestRefcountIncDecRoundtrip(t *testing.T) {
	a := testAllocator(t)
	pa, ok := a.Alloc()
	require.True(t, ok)
	rc := NewRefcounts(a)
	rc.SetToOne(pa)
	for i := 0; i < 5; i++ {
		rc.Inc(pa)
	}
	start := rc.Get(pa)
	for i := 0; i < 5; i++ {
		rc.Inc(pa)
		rc.Dec(pa)
	}
	assert.Equal(t, start, rc.Get(pa))
}
