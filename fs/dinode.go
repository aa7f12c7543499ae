// Package fs implements the generic inode cache, pluggable per-filesystem
// operation vtable, on-disk inode layer, and pathname resolution of
// spec.md §4.D/§4.E/§6.
package fs

import "github.com/xv6go/kernel/disk"

const (
	// NDirect is the count of direct block pointers in a dinode, followed
	// by one singly-indirect pointer (spec.md §3/§6).
	NDirect = 12
	// NIndirect is the number of block addresses held in the indirect
	// block: one uint32 per 4 bytes of a disk block.
	NIndirect = disk.BSIZE / 4
	// MaxFile is the largest file size in blocks.
	MaxFile = NDirect + NIndirect
	// DirSiz is the maximum directory entry name length (spec.md §6).
	DirSiz = 14
)

// Mode bits, mirroring the POSIX bits spec.md §3/§6 says dinode.Mode
// carries authoritatively (type legacy field aside).
const (
	ModeFmt  = 0170000
	ModeDir  = 0040000
	ModeReg  = 0100000
	ModeChr  = 0020000
	ModeFifo = 0010000
	ModeSUID = 0004000
	ModeSGID = 0002000
	ModeSticky = 0001000
	ModePerm = 0000777
)

// FileType mirrors the legacy type discriminator dinode carries alongside
// Mode (spec.md §3: "type is a legacy discriminator").
type FileType int16

const (
	TypeFree FileType = iota
	TypeDir
	TypeFile
	TypeDevice
)

// Dinode is the on-disk inode record (spec.md §6).
type Dinode struct {
	Type  FileType
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDirect + 1]uint32
	UID   uint32
	GID   uint32
	Mode  uint32
}

// dinodeSize is what IPB is computed from (spec.md §6: "IPB = BSIZE /
// sizeof(dinode)").
const dinodeSize = 2 + 2 + 2 + 2 + 4 + 4*(NDirect+1) + 4 + 4 + 4

// IPB is inodes-per-block.
const IPB = disk.BSIZE / dinodeSize

func encodeDinode(d *Dinode, b []byte) {
	putU16(b[0:], uint16(d.Type))
	putU16(b[2:], uint16(d.Major))
	putU16(b[4:], uint16(d.Minor))
	putU16(b[6:], uint16(d.Nlink))
	putU32(b[8:], d.Size)
	off := 12
	for _, a := range d.Addrs {
		putU32(b[off:], a)
		off += 4
	}
	putU32(b[off:], d.UID)
	putU32(b[off+4:], d.GID)
	putU32(b[off+8:], d.Mode)
}

func decodeDinode(b []byte) Dinode {
	var d Dinode
	d.Type = FileType(getU16(b[0:]))
	d.Major = int16(getU16(b[2:]))
	d.Minor = int16(getU16(b[4:]))
	d.Nlink = int16(getU16(b[6:]))
	d.Size = getU32(b[8:])
	off := 12
	for i := range d.Addrs {
		d.Addrs[i] = getU32(b[off:])
		off += 4
	}
	d.UID = getU32(b[off:])
	d.GID = getU32(b[off+4:])
	d.Mode = getU32(b[off+8:])
	return d
}

func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func getU16(b []byte) uint16    { return uint16(b[0]) | uint16(b[1])<<8 }
func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// DirEnt is one directory entry (spec.md §6).
type DirEnt struct {
	Inum uint16
	Name [DirSiz]byte
}

func (d DirEnt) NameString() string {
	i := 0
	for i < DirSiz && d.Name[i] != 0 {
		i++
	}
	return string(d.Name[:i])
}

func makeDirEnt(inum uint16, name string) DirEnt {
	var d DirEnt
	d.Inum = inum
	copy(d.Name[:], name)
	return d
}

const dirEntSize = 2 + DirSiz

func encodeDirEnt(d DirEnt, b []byte) {
	putU16(b[0:], d.Inum)
	copy(b[2:2+DirSiz], d.Name[:])
}

func decodeDirEnt(b []byte) DirEnt {
	var d DirEnt
	d.Inum = getU16(b[0:])
	copy(d.Name[:], b[2:2+DirSiz])
	return d
}
