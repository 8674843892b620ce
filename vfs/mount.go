// Package vfs implements the mount table: a fixed-capacity list of
// prefix-routed filesystems, resolving an absolute path to the mount with
// the longest prefix match on a path-component boundary, falling back to
// the root filesystem when nothing matches.
package vfs

import (
	"strings"

	"github.com/ernivani/imposos/common"
)

// MaxMounts bounds the mount table the way the data model fixes it at 16
// entries.
const MaxMounts = 16

// Ops is the operation vtable a filesystem registers at a mount point.
// Teardown is called once by Unmount; the rest are the file operations
// the VFS layer delegates a resolved path to.
type Ops interface {
	Open(rel string, flags uint32) (Handle, common.Errno)
	Teardown()
}

// Handle is an opaque per-open file handle a concrete filesystem returns.
type Handle interface {
	Read(buf []byte, offset int64) (int, common.Errno)
	Write(buf []byte, offset int64) (int, common.Errno)
	Close() common.Errno
}

type mount struct {
	prefix  string
	ops     Ops
	private any
}

// Table is the fixed mount table plus the root filesystem fallback.
type Table struct {
	mounts []mount
	root   Ops
}

// NewTable returns an empty mount table backed by root as the fallback
// filesystem. root is never itself a table entry.
func NewTable(root Ops) *Table {
	return &Table{root: root}
}

// Mount registers ops at prefix. It fails with EEXIST if prefix is
// already registered and ENOSPC if the table is full.
func (t *Table) Mount(prefix string, ops Ops, private any) common.Errno {
	for _, m := range t.mounts {
		if m.prefix == prefix {
			return common.EEXIST
		}
	}
	if len(t.mounts) >= MaxMounts {
		return common.ENOSPC
	}
	t.mounts = append(t.mounts, mount{prefix: prefix, ops: ops, private: private})
	return 0
}

// Unmount removes prefix's entry and calls its ops' Teardown. It fails
// with ENOENT if no such mount exists.
func (t *Table) Unmount(prefix string) common.Errno {
	for i, m := range t.mounts {
		if m.prefix == prefix {
			m.ops.Teardown()
			t.mounts = append(t.mounts[:i], t.mounts[i+1:]...)
			return 0
		}
	}
	return common.ENOENT
}

// Resolve picks the mount whose prefix is the longest match on a
// path-component boundary and returns its ops, its private data, and the
// remainder of path after the prefix (with any leading "/" stripped). If
// no mount matches, it returns the root filesystem's ops with the full
// path as the remainder.
func (t *Table) Resolve(path string) (Ops, any, string) {
	var best *mount
	for i := range t.mounts {
		m := &t.mounts[i]
		if !strings.HasPrefix(path, m.prefix) {
			continue
		}
		if len(path) > len(m.prefix) {
			next := path[len(m.prefix)]
			if next != '/' {
				continue
			}
		}
		if best == nil || len(m.prefix) > len(best.prefix) {
			best = m
		}
	}
	if best == nil {
		return t.root, nil, path
	}
	rel := path[len(best.prefix):]
	rel = strings.TrimPrefix(rel, "/")
	return best.ops, best.private, rel
}
