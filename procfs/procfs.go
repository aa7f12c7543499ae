// Package procfs implements the read-only synthetic filesystem mounted at
// /proc (spec.md §4.M): one directory per live process, driven entirely by
// the process table, with no on-disk backing.
package procfs

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/proc"
)

// NProcEntries is the per-process inode-number stride (spec.md §4.M). Slot
// 0 is the process's own directory; slots 1-6 are its files. A file's slot
// is its file index minus 1, so index 1 (fileParent, which resolves to
// another process's directory rather than a file) would collide with the
// directory's own slot; the file indices start at 2 (fileName) and land in
// slots 1-6.
const NProcEntries = 8

const (
	fileParent = iota + 1
	fileName
	fileState
	fileMemory
	filePid
	fileUID
	fileBootID
)

// RootInum is procfs's root directory inode number (spec.md §4.M).
const RootInum = 1

// SelfDirInum resolves the "self" alias to the caller's own process
// directory (spec.md §4.M: "a self entry aliasing the caller's pid").
// Lookup itself has no caller context, so sys translates a path's literal
// "self" component to this before resolution.
func SelfDirInum(callerPid int) uint32 { return dirInum(callerPid) }

// FS implements fs.GetOp/PutOp/ReadOp/WriteOp/LookupOp/UpdateOp, the VFS
// override vtable spec.md §4.M lists, over a *proc.Table. It is registered
// into an fs.Registry as its own Filesystem with Ops set to *FS.
type FS struct {
	Table *proc.Table

	// BootID identifies this boot of the process table, so log lines and
	// /proc/<pid>/boot responses from different runs can't be confused
	// for each other when correlating output across restarts.
	BootID uuid.UUID
}

func New(table *proc.Table) *FS { return &FS{Table: table, BootID: uuid.New()} }

// dirInum/fileInum/split implement the spec.md §4.M numbering scheme.
func dirInum(pid int) uint32 { return uint32(pid*NProcEntries) }
func fileInum(pid, idx int) uint32 {
	return uint32(pid*NProcEntries + idx - 1)
}

func splitInum(inum uint32) (pid int, slot int) {
	return int(inum) / NProcEntries, int(inum) % NProcEntries
}

// Get synthesizes dinode fields for inum without touching disk (spec.md
// §4.M "Inodes are never persisted").
func (p *FS) Get(fsys *fs.Filesystem, inum uint32) (*fs.Inode, error) {
	ip := fsys.Cache.Get(fsys, inum)
	if err := ip.Ilock(); err != nil {
		return nil, err
	}
	defer ip.Iunlock()

	if inum == RootInum {
		ip.Dinode = fs.Dinode{Type: fs.TypeDir, Nlink: 1, Mode: fs.ModeDir | 0555}
		return ip, nil
	}

	pid, slot := splitInum(inum)
	proc_, ok := p.Table.Lookup(pid)
	if !ok {
		return nil, fs.ErrNotExist
	}

	if slot == 0 {
		ip.Dinode = fs.Dinode{Type: fs.TypeDir, Nlink: 1, Mode: fs.ModeDir | 0555}
		return ip, nil
	}
	ip.Dinode = fs.Dinode{Type: fs.TypeFile, Nlink: 1, Mode: fs.ModeReg | 0444, UID: proc_.Creds.UID, GID: proc_.Creds.GID}
	return ip, nil
}

// Put is a no-op: procfs inodes are never written back or freed on disk.
func (p *FS) Put(fsys *fs.Filesystem, ip *fs.Inode) error { return nil }

// Update is a no-op (spec.md §4.M "update (no-op)").
func (p *FS) Update(ip *fs.Inode) error { return nil }

// Read renders the requested synthetic file content (spec.md §4.M: "each
// rendered as an ASCII string followed by a newline").
func (p *FS) Read(ip *fs.Inode, dst []byte, off uint32) (int, error) {
	pid, slot := splitInum(ip.Inum)
	proc_, ok := p.Table.Lookup(pid)
	if !ok {
		return 0, fs.ErrNotExist
	}

	var content string
	switch slot + 1 { // fileInum stores index-1
	case fileName:
		content = proc_.Name + "\n"
	case fileState:
		content = stateName(proc_.State) + "\n"
	case fileMemory:
		content = strconv.FormatUint(uint64(proc_.MM.Size()), 10) + "\n"
	case filePid:
		content = strconv.Itoa(proc_.Pid) + "\n"
	case fileUID:
		content = strconv.FormatUint(uint64(proc_.Creds.UID), 10) + "\n"
	case fileBootID:
		content = p.BootID.String() + "\n"
	default:
		return 0, fs.ErrIsDir
	}

	if off >= uint32(len(content)) {
		return 0, nil
	}
	n := copy(dst, content[off:])
	return n, nil
}

// Write always fails (spec.md §4.M: "write (always returns -1)").
func (p *FS) Write(ip *fs.Inode, src []byte, off uint32) (int, error) {
	return 0, fs.ErrPerm
}

// Lookup resolves a directory entry without scanning any on-disk data
// (spec.md §4.M): the root resolves ".", "..", and one name per live
// process ("self" is not resolved here; sys replaces it with the caller's
// pid first); a process directory exposes ".", "..", and
// "parent"/"name"/"state"/"memory"/"pid"/"uid"/"boot".
func (p *FS) Lookup(dir *fs.Inode, name string) (*fs.Inode, uint32, error) {
	if dir.Inum == RootInum {
		switch name {
		case ".":
			return dir.FS.Cache.Get(dir.FS, RootInum), 0, nil
		case "..":
			return dir.FS.Cache.Get(dir.FS, RootInum), 0, nil
		case "self":
			return nil, 0, fs.ErrNotExist // resolved by the caller's own pid; procfs alone can't name it
		}
		if pid, err := strconv.Atoi(name); err == nil {
			if _, ok := p.Table.Lookup(pid); ok {
				return dir.FS.Cache.Get(dir.FS, dirInum(pid)), 0, nil
			}
		}
		return nil, 0, fs.ErrNotExist
	}

	pid, slot := splitInum(dir.Inum)
	if slot != 0 {
		return nil, 0, fs.ErrNotDir
	}
	switch name {
	case ".":
		return dir.FS.Cache.Get(dir.FS, dir.Inum), 0, nil
	case "..":
		return dir.FS.Cache.Get(dir.FS, RootInum), 0, nil
	case "parent":
		proc_, ok := p.Table.Lookup(pid)
		if !ok || proc_.Parent == nil {
			return nil, 0, fs.ErrNotExist
		}
		return dir.FS.Cache.Get(dir.FS, dirInum(proc_.Parent.Pid)), 0, nil
	case "name":
		return dir.FS.Cache.Get(dir.FS, fileInum(pid, fileName)), 0, nil
	case "state":
		return dir.FS.Cache.Get(dir.FS, fileInum(pid, fileState)), 0, nil
	case "memory":
		return dir.FS.Cache.Get(dir.FS, fileInum(pid, fileMemory)), 0, nil
	case "pid":
		return dir.FS.Cache.Get(dir.FS, fileInum(pid, filePid)), 0, nil
	case "uid":
		return dir.FS.Cache.Get(dir.FS, fileInum(pid, fileUID)), 0, nil
	case "boot":
		return dir.FS.Cache.Get(dir.FS, fileInum(pid, fileBootID)), 0, nil
	}
	return nil, 0, fs.ErrNotExist
}

func stateName(s proc.State) string {
	switch s {
	case proc.Unused:
		return "unused"
	case proc.Embryo:
		return "embryo"
	case proc.Sleeping:
		return "sleeping"
	case proc.Runnable:
		return "runnable"
	case proc.Running:
		return "running"
	case proc.Zombie:
		return "zombie"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}
