package vfs

import (
	"testing"

	"github.com/ernivani/imposos/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOps struct{ name string }

func (s *stubOps) Open(rel string, flags uint32) (Handle, common.Errno) { return nil, common.ENOSYS }
func (s *stubOps) Teardown()                                            {}

// TestResolveLongestPrefix reproduces invariant 6: two overlapping
// mounts plus the root fallback resolve by
// longest-prefix-on-component-boundary match.
func TestResolveLongestPrefix(t *testing.T) {
	root := &stubOps{name: "root"}
	tbl := NewTable(root)
	proc := &stubOps{name: "proc"}
	procSelf := &stubOps{name: "proc/self"}
	require.Zero(t, tbl.Mount("/proc", proc, nil))
	require.Zero(t, tbl.Mount("/proc/self", procSelf, nil))

	ops, _, rel := tbl.Resolve("/proc/self/stat")
	assert.Same(t, procSelf, ops)
	assert.Equal(t, "stat", rel)

	ops, _, rel = tbl.Resolve("/proc/foo")
	assert.Same(t, proc, ops)
	assert.Equal(t, "foo", rel)

	ops, _, rel = tbl.Resolve("/etc/hostname")
	assert.Same(t, root, ops)
	assert.Equal(t, "/etc/hostname", rel)
}

func TestMountRejectsDuplicatePrefix(t *testing.T) {
	tbl := NewTable(&stubOps{})
	require.Zero(t, tbl.Mount("/proc", &stubOps{}, nil))
	assert.Equal(t, common.EEXIST, tbl.Mount("/proc", &stubOps{}, nil))
}

func TestMountTableIsBounded(t *testing.T) {
	tbl := NewTable(&stubOps{})
	for i := 0; i < MaxMounts; i++ {
		require.Zero(t, tbl.Mount(string(rune('a'+i)), &stubOps{}, nil))
	}
	assert.Equal(t, common.ENOSPC, tbl.Mount("overflow", &stubOps{}, nil))
}

func TestUnmountCallsTeardown(t *testing.T) {
	tbl := NewTable(&stubOps{})
	torn := false
	ops := &teardownOps{onTeardown: func() { torn = true }}
	require.Zero(t, tbl.Mount("/dev", ops, nil))
	require.Zero(t, tbl.Unmount("/dev"))
	assert.True(t, torn)
	assert.Equal(t, common.ENOENT, tbl.Unmount("/dev"))
}

type teardownOps struct {
	onTeardown func()
}

func (o *teardownOps) Open(rel string, flags uint32) (Handle, common.Errno) {
	return nil, common.ENOSYS
}
func (o *teardownOps) Teardown() { o.onTeardown() }
