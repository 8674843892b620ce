package ksignal

import (
	"testing"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask() *proc.Task {
	tbl := proc.NewTable(1)
	tk, _ := tbl.Register("t", true, 0)
	return tk
}

func TestDeliverWithHandler(t *testing.T) {
	tk := newTask()
	SetHandler(tk, common.SIGUSR1, 0x4000)
	Send(tk, common.SIGUSR1)
	require.True(t, HasPending(tk))

	outcome, frame, entry := Deliver(tk, common.RegisterFrame{EIP: 0x1234}, 0x7fff0000)
	require.Equal(t, Delivered, outcome)
	assert.Equal(t, 0x4000, entry)
	assert.Equal(t, common.SIGUSR1, frame.Signo)
	assert.EqualValues(t, TrampolineAddr, frame.Trampoline)
	assert.True(t, tk.InHandler)

	Sigreturn(tk, frame.Saved)
	assert.False(t, tk.InHandler)
}

func TestDefaultFatalWithoutHandler(t *testing.T) {
	tk := newTask()
	Send(tk, common.SIGSEGV)
	outcome, _, code := Deliver(tk, common.RegisterFrame{}, 0)
	require.Equal(t, Terminated, outcome)
	assert.Equal(t, 128+int(common.SIGSEGV), code)
}

func TestNonFatalWithoutHandlerIsDiscarded(t *testing.T) {
	tk := newTask()
	Send(tk, common.SIGUSR2)
	outcome, _, _ := Deliver(tk, common.RegisterFrame{}, 0)
	assert.Equal(t, Nothing, outcome)
	assert.False(t, HasPending(tk))
}
