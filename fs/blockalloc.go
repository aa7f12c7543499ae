package fs

import "github.com/xv6go/kernel/disk"

// Balloc scans the on-disk bitmap for a free data block, marks it used, and
// returns its zeroed block number (spec.md §4.D "balloc", mirroring the
// original's bitmap-scan allocator). Must be called inside fsys.Log's
// active transaction.
func Balloc(fsys *Filesystem) (uint32, error) {
	l := fsys.Layout
	for b := uint32(0); b < l.SB.NBlocks; b += disk.BSIZE * 8 {
		bno := l.BitmapBlockFor(b)
		buf, err := fsys.BC.Read(fsys.Dev, bno)
		if err != nil {
			return 0, err
		}

		for bi := uint32(0); bi < disk.BSIZE*8 && b+bi < l.SB.NBlocks; bi++ {
			byteIdx := bi / 8
			mask := byte(1 << (bi % 8))
			if buf.Data[byteIdx]&mask != 0 {
				continue
			}
			buf.Data[byteIdx] |= mask
			if err := fsys.Log.Write(buf); err != nil {
				fsys.BC.Release(buf)
				return 0, err
			}
			fsys.BC.Release(buf)

			target := l.DataStart + b + bi
			if err := zeroBlock(fsys, target); err != nil {
				return 0, err
			}
			return target, nil
		}
		fsys.BC.Release(buf)
	}
	return 0, ErrNoSpace
}

// Bfree clears bno's bitmap bit (spec.md §4.D "bfree").
func Bfree(fsys *Filesystem, bno uint32) error {
	l := fsys.Layout
	rel := bno - l.DataStart
	bm := l.BitmapBlockFor(rel)
	buf, err := fsys.BC.Read(fsys.Dev, bm)
	if err != nil {
		return err
	}
	defer fsys.BC.Release(buf)

	bi := rel % (disk.BSIZE * 8)
	byteIdx := bi / 8
	mask := byte(1 << (bi % 8))
	buf.Data[byteIdx] &^= mask
	return fsys.Log.Write(buf)
}

func zeroBlock(fsys *Filesystem, bno uint32) error {
	buf, err := fsys.BC.Read(fsys.Dev, bno)
	if err != nil {
		return err
	}
	defer fsys.BC.Release(buf)
	buf.Data = [disk.BSIZE]byte{}
	return fsys.Log.Write(buf)
}

// Ialloc scans the inode table for a free slot, stamps its type, and
// returns a locked, referenced in-memory inode for it (spec.md §4.D
// "ialloc"). Must be called inside fsys.Log's active transaction.
func Ialloc(fsys *Filesystem, t FileType) (*Inode, error) {
	if alloc, ok := fsys.Ops.(AllocOp); ok {
		return alloc.Alloc(fsys, t)
	}

	for inum := uint32(1); inum < fsys.Layout.SB.NInodes; inum++ {
		bno := fsys.Layout.InodeBlock(inum)
		buf, err := fsys.BC.Read(fsys.Dev, bno)
		if err != nil {
			return nil, err
		}
		off := int(inum%IPB) * dinodeSize
		d := decodeDinode(buf.Data[off : off+dinodeSize])
		if d.Type != TypeFree {
			fsys.BC.Release(buf)
			continue
		}
		d = Dinode{Type: t}
		encodeDinode(&d, buf.Data[off:off+dinodeSize])
		if err := fsys.Log.Write(buf); err != nil {
			fsys.BC.Release(buf)
			return nil, err
		}
		fsys.BC.Release(buf)

		ip := fsys.Cache.Get(fsys, inum)
		if err := ip.Ilock(); err != nil {
			return nil, err
		}
		return ip, nil
	}
	return nil, ErrNoSpace
}
