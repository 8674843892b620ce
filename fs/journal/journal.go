// Package journal implements the write-ahead log of metadata changes for
// the root filesystem: transaction lifecycle (begin/log/commit) and
// crash-safe replay on boot.
package journal

import (
	"encoding/binary"

	"github.com/ernivani/imposos/common"
)

const (
	magic = 0x4A524E4C // "JRNL"

	// MaxEntriesPerTxn bounds a single transaction's staged entries the
	// way the original journal's fixed-size array does, rather than an
	// unbounded log that could grow past the journal area.
	MaxEntriesPerTxn = 256

	entrySize = 32 // type(1)+pad(3)+arg0..2(4*3)+name(16)
)

// EntryType identifies what a log entry records.
type EntryType uint8

const (
	InodeUpdate EntryType = iota + 1
	BlockAlloc
	BlockFree
	InodeAlloc
	InodeFree
	DirAdd
	DirRemove
)

// Entry is one fixed-size logged operation.
type Entry struct {
	Type EntryType
	Arg0 uint32
	Arg1 uint32
	Arg2 uint32
	Name [16]byte
}

func (e Entry) encode(buf []byte) {
	buf[0] = byte(e.Type)
	binary.LittleEndian.PutUint32(buf[4:], e.Arg0)
	binary.LittleEndian.PutUint32(buf[8:], e.Arg1)
	binary.LittleEndian.PutUint32(buf[12:], e.Arg2)
	copy(buf[16:32], e.Name[:])
}

func decodeEntry(buf []byte) Entry {
	var e Entry
	e.Type = EntryType(buf[0])
	e.Arg0 = binary.LittleEndian.Uint32(buf[4:])
	e.Arg1 = binary.LittleEndian.Uint32(buf[8:])
	e.Arg2 = binary.LittleEndian.Uint32(buf[12:])
	copy(e.Name[:], buf[16:32])
	return e
}

// TxnState is a transaction header's durability state.
type TxnState uint32

const (
	TxnNone TxnState = iota
	TxnActive
	TxnCommitted
)

type txnHeader struct {
	Magic      uint32
	Sequence   uint32
	NumEntries uint32
	State      TxnState
}

const headerSize = 16

func (h txnHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Sequence)
	binary.LittleEndian.PutUint32(buf[8:], h.NumEntries)
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.State))
}

func decodeHeader(buf []byte) txnHeader {
	return txnHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:]),
		Sequence:   binary.LittleEndian.Uint32(buf[4:]),
		NumEntries: binary.LittleEndian.Uint32(buf[8:]),
		State:      TxnState(binary.LittleEndian.Uint32(buf[12:])),
	}
}

// entriesPerBlock is how many fixed-size entries fit in one block. The
// transaction header occupies a dedicated block of its own; entries are
// packed into the blocks that follow it.
const entriesPerBlock = BlockSize / entrySize

// Superblock holds the ring cursors and the count of
// committed-but-not-yet-replayed transactions. It is stored apart from
// the ring, through Disk.WriteSuperblock; ring block 0 holds transactions.
type Superblock struct {
	Magic    uint32
	Head     uint32 // next write position, in blocks, within the ring
	Tail     uint32 // oldest transaction not yet confirmed applied
	Sequence uint32
	NumTxns  uint32
}

func (s Superblock) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], s.Magic)
	binary.LittleEndian.PutUint32(buf[4:], s.Head)
	binary.LittleEndian.PutUint32(buf[8:], s.Tail)
	binary.LittleEndian.PutUint32(buf[12:], s.Sequence)
	binary.LittleEndian.PutUint32(buf[16:], s.NumTxns)
}

func decodeSuperblock(buf []byte) Superblock {
	return Superblock{
		Magic:    binary.LittleEndian.Uint32(buf[0:]),
		Head:     binary.LittleEndian.Uint32(buf[4:]),
		Tail:     binary.LittleEndian.Uint32(buf[8:]),
		Sequence: binary.LittleEndian.Uint32(buf[12:]),
		NumTxns:  binary.LittleEndian.Uint32(buf[16:]),
	}
}

// Applier is the live filesystem structure a committed or replayed
// transaction is played into. A concrete root filesystem implements this
// without the journal package needing to know its internal layout.
type Applier interface {
	ApplyInodeUpdate(inode uint32)
	ApplyBlockAlloc(block uint32)
	ApplyBlockFree(block uint32)
	ApplyInodeAlloc(inode uint32)
	ApplyInodeFree(inode uint32)
	ApplyDirAdd(parent, child uint32, name string)
	ApplyDirRemove(parent, child uint32, name string)
}

func apply(a Applier, e Entry) {
	name := string(trimNul(e.Name[:]))
	switch e.Type {
	case InodeUpdate:
		a.ApplyInodeUpdate(e.Arg0)
	case BlockAlloc:
		a.ApplyBlockAlloc(e.Arg0)
	case BlockFree:
		a.ApplyBlockFree(e.Arg0)
	case InodeAlloc:
		a.ApplyInodeAlloc(e.Arg0)
	case InodeFree:
		a.ApplyInodeFree(e.Arg0)
	case DirAdd:
		a.ApplyDirAdd(e.Arg0, e.Arg1, name)
	case DirRemove:
		a.ApplyDirRemove(e.Arg0, e.Arg1, name)
	}
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// Journal drives one disk's transaction lifecycle. NBlocks is the ring's
// capacity; blocks are consumed one header-block-per-transaction since
// MaxEntriesPerTxn (256) always fits in entriesPerBlock*N blocks, which
// for entrySize=32 and BlockSize=4096 is more than one block — a
// transaction spans ceil(1+numEntries/entriesPerBlock) blocks starting at
// the header.
type Journal struct {
	disk    Disk
	nblocks int
	super   Superblock

	active  bool
	staging []Entry
}

// superblockReader is implemented by any Disk that can hand back a
// previously durable superblock (a FileDisk's `.super` sidecar, or a
// MemDisk standing in for one in tests).
type superblockReader interface {
	ReadSuperblock(buf []byte) (bool, error)
}

// Open constructs a Journal over disk. If a superblock already exists it
// is loaded; otherwise a fresh zeroed superblock (sequence 0, num_txns 0)
// is used, the "virgin disk image" state the root filesystem's
// initializer checks for.
func Open(disk Disk, nblocks int) *Journal {
	j := &Journal{disk: disk, nblocks: nblocks}
	j.super = Superblock{Magic: magic}
	if sr, ok := disk.(superblockReader); ok {
		buf := make([]byte, BlockSize)
		if found, err := sr.ReadSuperblock(buf); err == nil && found {
			sb := decodeSuperblock(buf)
			if sb.Magic == magic {
				j.super = sb
			}
		}
	}
	return j
}

// Superblock returns the journal's current superblock, read-only.
func (j *Journal) Superblock() Superblock { return j.super }

// Begin opens a transaction. Only one may be active at a time.
func (j *Journal) Begin() common.Errno {
	if j.active {
		return common.EINVAL
	}
	j.active = true
	j.staging = nil
	return 0
}

func (j *Journal) log(e Entry) common.Errno {
	if !j.active {
		return common.EINVAL
	}
	if len(j.staging) >= MaxEntriesPerTxn {
		return common.ENOSPC
	}
	j.staging = append(j.staging, e)
	return 0
}

func (j *Journal) LogInodeUpdate(inode uint32) common.Errno {
	return j.log(Entry{Type: InodeUpdate, Arg0: inode})
}
func (j *Journal) LogBlockAlloc(block uint32) common.Errno {
	return j.log(Entry{Type: BlockAlloc, Arg0: block})
}
func (j *Journal) LogBlockFree(block uint32) common.Errno {
	return j.log(Entry{Type: BlockFree, Arg0: block})
}
func (j *Journal) LogInodeAlloc(inode uint32) common.Errno {
	return j.log(Entry{Type: InodeAlloc, Arg0: inode})
}
func (j *Journal) LogInodeFree(inode uint32) common.Errno {
	return j.log(Entry{Type: InodeFree, Arg0: inode})
}
func (j *Journal) LogDirAdd(parent, child uint32, name string) common.Errno {
	var e Entry
	e.Type, e.Arg0, e.Arg1 = DirAdd, parent, child
	copy(e.Name[:], name)
	return j.log(e)
}
func (j *Journal) LogDirRemove(parent, child uint32, name string) common.Errno {
	var e Entry
	e.Type, e.Arg0, e.Arg1 = DirRemove, parent, child
	copy(e.Name[:], name)
	return j.log(e)
}

// txnBlocks returns how many blocks a transaction with numEntries logged
// entries occupies: one dedicated header block plus as many entry blocks
// as it takes to pack numEntries at entriesPerBlock each.
func (j *Journal) txnBlocks(numEntries int) int {
	return 1 + (numEntries+entriesPerBlock-1)/entriesPerBlock
}

func (j *Journal) writeTxn(start uint32, h txnHeader, entries []Entry) error {
	hdrBuf := make([]byte, BlockSize)
	h.encode(hdrBuf)
	if err := j.disk.WriteBlock(int(start)%j.nblocks, hdrBuf); err != nil {
		return err
	}

	blk := int(start+1) % j.nblocks
	entryBuf := make([]byte, BlockSize)
	off := 0
	flush := func() error {
		if off == 0 {
			return nil
		}
		if err := j.disk.WriteBlock(blk, entryBuf); err != nil {
			return err
		}
		blk = (blk + 1) % j.nblocks
		entryBuf = make([]byte, BlockSize)
		off = 0
		return nil
	}
	for _, e := range entries {
		if off >= BlockSize {
			if err := flush(); err != nil {
				return err
			}
		}
		e.encode(entryBuf[off:])
		off += entrySize
	}
	return flush()
}

// Commit durably writes the staged transaction, applies it to live, and
// advances the ring, implementing the five commit steps in order.
func (j *Journal) Commit(a Applier) common.Errno {
	if !j.active {
		return common.EINVAL
	}
	defer func() { j.active = false }()

	seq := j.super.Sequence + 1
	nblocks := j.txnBlocks(len(j.staging))
	start := j.super.Head

	// 1: header ACTIVE + entries.
	h := txnHeader{Magic: magic, Sequence: seq, NumEntries: uint32(len(j.staging)), State: TxnActive}
	if err := j.writeTxn(start, h, j.staging); err != nil {
		return common.EIO
	}
	// 2: flush.
	if err := j.disk.Sync(); err != nil {
		return common.EIO
	}
	// 3: header COMMITTED, flush again.
	h.State = TxnCommitted
	if err := j.writeTxn(start, h, j.staging); err != nil {
		return common.EIO
	}
	if err := j.disk.Sync(); err != nil {
		return common.EIO
	}
	// 4: apply to live structures.
	for _, e := range j.staging {
		apply(a, e)
	}
	// 5: advance tail/head/sequence, write superblock.
	j.super.Sequence = seq
	j.super.Head = (start + uint32(nblocks)) % uint32(j.nblocks)
	j.super.Tail = j.super.Head
	j.super.NumTxns = 0
	sbBuf := make([]byte, BlockSize)
	j.super.encode(sbBuf)
	if err := j.disk.WriteSuperblock(sbBuf); err != nil {
		return common.EIO
	}
	return 0
}

// Replay walks forward from the superblock's tail, reapplying every
// COMMITTED transaction it finds, before any new write is accepted. It
// does not trust the superblock's `head` as an upper bound — a crash can
// happen before the final superblock write advances it — so it instead
// walks live transaction headers until it hits one that isn't a valid
// COMMITTED record. An ACTIVE-only header (a torn write: the crash
// happened between commit steps 1 and 3) stops the walk right there and
// is discarded, since the live filesystem was never touched for it; the
// next commit will simply overwrite it. A bad magic (uninitialized
// space) stops the walk the same way.
func (j *Journal) Replay(a Applier) int {
	applied := 0
	pos := j.super.Tail
	buf := make([]byte, BlockSize)
	for i := 0; i < j.nblocks; i++ {
		blk := int(pos) % j.nblocks
		if err := j.disk.ReadBlock(blk, buf); err != nil {
			break
		}
		h := decodeHeader(buf)
		if h.Magic != magic || h.State != TxnCommitted {
			break
		}
		entries := j.readEntries(pos, int(h.NumEntries))
		for _, e := range entries {
			apply(a, e)
		}
		applied++
		pos = (pos + uint32(j.txnBlocks(int(h.NumEntries)))) % uint32(j.nblocks)
	}
	j.super.Tail = pos
	j.super.Head = pos
	j.super.NumTxns = 0
	return applied
}

// readEntries reads numEntries entries starting at the entry block right
// after headerPos's dedicated header block.
func (j *Journal) readEntries(headerPos uint32, numEntries int) []Entry {
	out := make([]Entry, 0, numEntries)
	blk := int(headerPos+1) % j.nblocks
	buf := make([]byte, BlockSize)
	j.disk.ReadBlock(blk, buf)
	off := 0
	for len(out) < numEntries {
		if off >= BlockSize {
			blk = (blk + 1) % j.nblocks
			j.disk.ReadBlock(blk, buf)
			off = 0
		}
		out = append(out, decodeEntry(buf[off:]))
		off += entrySize
	}
	return out
}
