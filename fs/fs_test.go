package fs

import (
	"testing"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/fs/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) (*FS, *journal.Journal, *journal.MemDisk) {
	t.Helper()
	disk := journal.NewMemDisk(64)
	j := journal.Open(disk, 64)
	f := Initialize(testLogger(), nil, j)
	return f, j, disk
}

func TestInitializeCreatesRootDirectory(t *testing.T) {
	f, j, _ := newTestFS(t)
	assert.Equal(t, uint32(1), j.Superblock().Sequence)

	num, errno := f.CreateFile(RootInode, "hello.txt")
	require.Zero(t, errno)
	assert.NotZero(t, num)
}

func TestCreateFileRejectsDuplicateName(t *testing.T) {
	f, _, _ := newTestFS(t)
	_, errno := f.CreateFile(RootInode, "a")
	require.Zero(t, errno)
	_, errno = f.CreateFile(RootInode, "a")
	assert.Equal(t, common.EEXIST, errno)
}

func TestCreateUnderNonDirectoryFails(t *testing.T) {
	f, _, _ := newTestFS(t)
	fileIno, errno := f.CreateFile(RootInode, "a")
	require.Zero(t, errno)
	_, errno = f.CreateFile(fileIno, "b")
	assert.Equal(t, common.ENOTDIR, errno)
}

func TestWriteReadRoundTrip(t *testing.T) {
	f, _, _ := newTestFS(t)
	num, errno := f.CreateFile(RootInode, "data.bin")
	require.Zero(t, errno)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, errno := f.WriteAt(num, payload, 0)
	require.Zero(t, errno)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, errno = f.ReadAt(num, buf, 0)
	require.Zero(t, errno)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestWriteSpanningMultipleBlocks(t *testing.T) {
	f, _, _ := newTestFS(t)
	num, errno := f.CreateFile(RootInode, "big.bin")
	require.Zero(t, errno)

	payload := make([]byte, BlockSize*2+128)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, errno := f.WriteAt(num, payload, 0)
	require.Zero(t, errno)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, errno = f.ReadAt(num, buf, 0)
	require.Zero(t, errno)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	f, _, _ := newTestFS(t)
	num, errno := f.CreateFile(RootInode, "a")
	require.Zero(t, errno)
	require.Zero(t, first(f.WriteAt(num, []byte("x"), 0)))

	require.Zero(t, f.Unlink(RootInode, "a"))
	_, errno = f.resolvePath("a")
	assert.Equal(t, common.ENOENT, errno)
}

func TestUnlinkNonEmptyDirFails(t *testing.T) {
	f, _, _ := newTestFS(t)
	dir, errno := f.CreateDir(RootInode, "sub")
	require.Zero(t, errno)
	_, errno = f.CreateFile(dir, "child")
	require.Zero(t, errno)

	assert.Equal(t, common.ENOTEMPTY, f.Unlink(RootInode, "sub"))
}

func TestOpenResolvesNestedPath(t *testing.T) {
	f, _, _ := newTestFS(t)
	dir, errno := f.CreateDir(RootInode, "sub")
	require.Zero(t, errno)
	child, errno := f.CreateFile(dir, "leaf")
	require.Zero(t, errno)
	require.Zero(t, first(f.WriteAt(child, []byte("hi"), 0)))

	h, errno := f.Open("sub/leaf", 0)
	require.Zero(t, errno)
	buf := make([]byte, 2)
	n, errno := h.Read(buf, 0)
	require.Zero(t, errno)
	assert.Equal(t, 2, n)
	assert.Equal(t, "hi", string(buf))
}

func first(n int, errno common.Errno) common.Errno { return errno }

// failSuperblock wraps a MemDisk and always fails WriteSuperblock, as if
// the process died between commit steps 3 (header durably COMMITTED)
// and 5 (tail checkpoint durably advanced): the transaction's bytes are
// valid on disk but the superblock a fresh boot reads back is stale.
type failSuperblock struct {
	*journal.MemDisk
}

func (d *failSuperblock) WriteSuperblock(buf []byte) error {
	return common.EIO
}

// TestCrashBeforeCheckpointIsRecoveredOnReboot: a transaction commits
// fully to the journal ring but the process dies before the tail
// checkpoint lands, so the only durable copy of that metadata change is
// the journal itself. A fresh FS built over the same disk (as if
// rebooting) must recover it via replay, without recreating the root.
func TestCrashBeforeCheckpointIsRecoveredOnReboot(t *testing.T) {
	disk := journal.NewMemDisk(64)
	j1 := journal.Open(disk, 64)
	f1 := Initialize(testLogger(), nil, j1)

	crashing := &failSuperblock{MemDisk: disk}
	j1crash := journal.Open(crashing, 64)
	j1crash.Begin()
	j1crash.LogInodeAlloc(2)
	j1crash.LogDirAdd(RootInode, 2, "persisted.txt")
	errno := j1crash.Commit(f1)
	require.Equal(t, common.EIO, errno)

	j2 := journal.Open(disk, 64)
	f2 := Initialize(testLogger(), nil, j2)

	_, errno = f2.resolvePath("persisted.txt")
	assert.Zero(t, errno, "a committed-but-uncheckpointed transaction must survive reboot via replay")

	rootCount := 0
	for _, d := range f2.dirs {
		if d.child == RootInode {
			rootCount++
		}
	}
	assert.Zero(t, rootCount, "root has no parent dir entry, only its own '.' self-marker")
}
