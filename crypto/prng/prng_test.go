package prng

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTicker struct{ n uint64 }

func (f fixedTicker) Ticks() uint64 { return f.n }

func TestRandomFillsRequestedLength(t *testing.T) {
	p := NewPool(fixedTicker{42})
	buf := make([]byte, 100)
	p.Random(buf)
	assert.NotEqual(t, make([]byte, 100), buf, "100 bytes of real output should not all be zero")
}

func TestRandomConsecutiveCallsDiffer(t *testing.T) {
	p := NewPool(fixedTicker{42})
	a := make([]byte, 32)
	b := make([]byte, 32)
	p.Random(a)
	p.Random(b)
	assert.NotEqual(t, a, b, "pool must advance between draws even with a fixed ticker")
}

func TestSeedChangesSubsequentOutputDeterministically(t *testing.T) {
	p1 := NewPool(fixedTicker{1})
	p1.initialized = true // bypass lazy Init, which draws real host entropy
	p1.Seed([]byte("known-seed"))
	out1 := make([]byte, 32)
	p1.Random(out1)

	p2 := NewPool(fixedTicker{1})
	p2.initialized = true
	p2.Seed([]byte("known-seed"))
	out2 := make([]byte, 32)
	p2.Random(out2)

	require.Equal(t, p1.pool, p2.pool, "identical seed input from identical initial state must match")
	assert.Equal(t, out1, out2, "identical seed + ticker sequence must produce identical output")
}

func TestDifferentSeedsProduceDifferentPools(t *testing.T) {
	p1 := NewPool(fixedTicker{1})
	p1.initialized = true
	p1.Seed([]byte("seed-a"))

	p2 := NewPool(fixedTicker{1})
	p2.initialized = true
	p2.Seed([]byte("seed-b"))

	assert.False(t, bytes.Equal(p1.pool[:], p2.pool[:]))
}

func TestRandomLazilyInitializesOnFirstUse(t *testing.T) {
	p := NewPool(fixedTicker{7})
	assert.False(t, p.initialized)
	p.Random(make([]byte, 1))
	assert.True(t, p.initialized)
}
