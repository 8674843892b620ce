package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountantTickNilRunningIsNoop(t *testing.T) {
	tbl := NewTable(1)
	acc := NewAccountant(testLogger(), nil, tbl)
	assert.NotPanics(t, func() { acc.Tick(nil) })
}

func TestAccountantSampleRollsTicksIntoPrevTicks(t *testing.T) {
	tbl := NewTable(1)
	acc := NewAccountant(testLogger(), nil, tbl)
	tk, ok := tbl.Register("worker", true, 0)
	require.True(t, ok)

	acc.Tick(tk)
	acc.Tick(tk)
	acc.Tick(tk)
	acc.Sample()

	assert.Equal(t, 3, tk.PrevTicks)
	assert.Equal(t, 0, tk.Ticks)
}

func TestAccountantWatchdogKillsHog(t *testing.T) {
	tbl := NewTable(2)
	acc := NewAccountant(testLogger(), nil, tbl)
	tk, ok := tbl.Register("hog", true, 0)
	require.True(t, ok)

	for i := 0; i < hogSamples; i++ {
		acc.Tick(tk)
		acc.Sample()
		if i < hogSamples-1 {
			assert.False(t, tk.Killed, "killed too early at sample %d", i)
		}
	}
	assert.True(t, tk.Killed)
}

func TestAccountantDoesNotKillNonKillableHog(t *testing.T) {
	tbl := NewTable(2)
	acc := NewAccountant(testLogger(), nil, tbl)
	tk, ok := tbl.Register("important", false, 0)
	require.True(t, ok)

	for i := 0; i < hogSamples+2; i++ {
		acc.Tick(tk)
		acc.Sample()
	}
	assert.False(t, tk.Killed)
}

func TestAccountantHogStreakResetsOnSharedSample(t *testing.T) {
	tbl := NewTable(2)
	acc := NewAccountant(testLogger(), nil, tbl)
	tk, ok := tbl.Register("flaky", true, 0)
	require.True(t, ok)
	idle := tbl.Idle()

	for i := 0; i < hogSamples-1; i++ {
		acc.Tick(tk)
		acc.Sample()
	}
	require.False(t, tk.Killed)

	// An even split with idle drops this task's share under the
	// threshold, which should reset its consecutive-hog streak.
	acc.Tick(tk)
	acc.Tick(idle)
	acc.Sample()
	assert.False(t, tk.Killed)

	for i := 0; i < hogSamples-1; i++ {
		acc.Tick(tk)
		acc.Sample()
	}
	assert.False(t, tk.Killed, "streak should have been reset by the shared sample")
}
