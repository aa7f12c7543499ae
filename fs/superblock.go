package fs

import (
	"github.com/xv6go/kernel/disk"
)

// superblockBlock is the fixed block number the superblock lives at
// (spec.md §6 block 1; block 0 is the reserved boot sector).
const superblockBlock = 1

// Superblock holds image-wide constants, written once by the image builder
// (spec.md §3 "Superblock", §6 block 1).
type Superblock struct {
	Size    uint32 // total blocks in the image
	NBlocks uint32 // data blocks
	NInodes uint32
	NLog    uint32
}

// Layout derives the fixed block offsets spec.md §6 describes from a
// Superblock: boot sector, superblock, inode table, bitmap, log, data.
type Layout struct {
	SB           Superblock
	InodeStart   uint32
	BitmapStart  uint32
	LogStart     uint32
	DataStart    uint32
}

func NewLayout(sb Superblock) Layout {
	inodeBlocks := (sb.NInodes + IPB - 1) / IPB
	bitmapBlocks := (sb.NBlocks + disk.BSIZE*8 - 1) / (disk.BSIZE * 8)
	if bitmapBlocks == 0 {
		bitmapBlocks = 1
	}
	l := Layout{SB: sb}
	l.InodeStart = 2
	l.BitmapStart = l.InodeStart + inodeBlocks
	l.LogStart = l.BitmapStart + bitmapBlocks
	l.DataStart = l.LogStart + sb.NLog
	return l
}

func (l Layout) InodeBlock(inum uint32) uint32 {
	return l.InodeStart + inum/IPB
}

func (l Layout) BitmapBlockFor(bno uint32) uint32 {
	return l.BitmapStart + bno/(disk.BSIZE*8)
}

func encodeSuperblock(sb Superblock, b []byte) {
	putU32(b[0:], sb.Size)
	putU32(b[4:], sb.NBlocks)
	putU32(b[8:], sb.NInodes)
	putU32(b[12:], sb.NLog)
}

func decodeSuperblock(b []byte) Superblock {
	return Superblock{
		Size:    getU32(b[0:]),
		NBlocks: getU32(b[4:]),
		NInodes: getU32(b[8:]),
		NLog:    getU32(b[12:]),
	}
}

// WriteSuperblock stamps sb into its fixed block, the one write a fresh
// image's superblock ever needs (spec.md §6: "written once by the image
// builder"). dev must already be large enough to hold it.
func WriteSuperblock(dev disk.Device, sb Superblock) error {
	var buf [disk.BSIZE]byte
	encodeSuperblock(sb, buf[:])
	return dev.WriteBlock(superblockBlock, buf[:])
}

// ReadSuperblock reads back the superblock a prior WriteSuperblock laid
// down, for tooling that inspects an image without mounting it.
func ReadSuperblock(dev disk.Device) (Superblock, error) {
	var buf [disk.BSIZE]byte
	if err := dev.ReadBlock(superblockBlock, buf[:]); err != nil {
		return Superblock{}, err
	}
	return decodeSuperblock(buf[:]), nil
}
