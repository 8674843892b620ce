package journal

import (
	"os"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// BlockSize matches the filesystem's on-disk block size.
const BlockSize = 4096

// Disk is the block storage a Journal replays against and writes to. It
// is an interface so tests can exercise crash/replay against an
// in-memory disk that is trivially truncated mid-write, while
// cmd/imposos's fsck subcommand uses a real file.
type Disk interface {
	ReadBlock(n int, buf []byte) error
	WriteBlock(n int, buf []byte) error
	// WriteSuperblock writes the superblock through whatever durability
	// mechanism the disk implementation offers (an atomic rename for a
	// real file, a plain overwrite in memory).
	WriteSuperblock(buf []byte) error
	Sync() error
}

// MemDisk is an in-memory ring of fixed-size blocks, used by tests that
// need to simulate a crash by constructing a fresh Journal over a
// snapshot taken mid-commit.
type MemDisk struct {
	blocks [][BlockSize]byte
	super  [BlockSize]byte
}

func NewMemDisk(nblocks int) *MemDisk {
	return &MemDisk{blocks: make([][BlockSize]byte, nblocks)}
}

func (d *MemDisk) ReadBlock(n int, buf []byte) error {
	copy(buf, d.blocks[n][:])
	return nil
}

func (d *MemDisk) WriteBlock(n int, buf []byte) error {
	copy(d.blocks[n][:], buf)
	return nil
}

func (d *MemDisk) WriteSuperblock(buf []byte) error {
	copy(d.super[:], buf)
	return nil
}

// ReadSuperblock copies back whatever was last written by WriteSuperblock
// (all zero on a fresh MemDisk), so Open can treat a MemDisk the same way
// it treats a FileDisk's `.super` sidecar.
func (d *MemDisk) ReadSuperblock(buf []byte) (bool, error) {
	copy(buf, d.super[:])
	return true, nil
}

func (d *MemDisk) Sync() error { return nil }

// Snapshot returns a deep copy, for simulating "truncate the log at an
// arbitrary point" by snapshotting mid-commit and handing the copy to a
// fresh Journal's Replay.
func (d *MemDisk) Snapshot() *MemDisk {
	out := &MemDisk{blocks: make([][BlockSize]byte, len(d.blocks)), super: d.super}
	copy(out.blocks, d.blocks)
	return out
}

// TearBlock simulates a torn write: a commit died partway through
// writing a multi-block transaction, leaving block n containing garbage
// instead of the intended content.
func (d *MemDisk) TearBlock(n int) {
	for i := range d.blocks[n] {
		d.blocks[n][i] = 0xFF
	}
}

// FileDisk is a real disk-image-file-backed Disk: the journal area lives
// in one flat file, flock'd for the duration of any operation so two
// imposos processes never race the same image, with the superblock
// written through renameio for an atomic-rename durability guarantee
// rather than a bare in-place write.
type FileDisk struct {
	f         *os.File
	lock      *flock.Flock
	superPath string
}

// OpenFileDisk opens (creating if necessary) path as the journal's
// backing store, sized for nblocks blocks, and takes an exclusive
// advisory lock for the lifetime of the Disk.
func OpenFileDisk(path string, nblocks int) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(nblocks) * BlockSize); err != nil {
		f.Close()
		return nil, err
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f, lock: lock, superPath: path + ".super"}, nil
}

func (d *FileDisk) ReadBlock(n int, buf []byte) error {
	_, err := d.f.ReadAt(buf, int64(n)*BlockSize)
	return err
}

func (d *FileDisk) WriteBlock(n int, buf []byte) error {
	_, err := d.f.WriteAt(buf, int64(n)*BlockSize)
	return err
}

func (d *FileDisk) WriteSuperblock(buf []byte) error {
	return renameio.WriteFile(d.superPath, buf, 0o644)
}

func (d *FileDisk) Sync() error { return d.f.Sync() }

// Close releases the advisory lock and the underlying file.
func (d *FileDisk) Close() error {
	d.lock.Unlock()
	return d.f.Close()
}

// ReadSuperblock loads the durable superblock file, if one exists.
func (d *FileDisk) ReadSuperblock(buf []byte) (bool, error) {
	b, err := os.ReadFile(d.superPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	copy(buf, b)
	return true, nil
}
