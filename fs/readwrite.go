package fs

import "github.com/xv6go/kernel/disk"

// bmap returns the disk block backing logical block n of ip, allocating
// one (and an indirect block, if needed) on first use (spec.md §4.D
// "bmap", mirroring the original's direct+single-indirect layout). Must be
// called inside an active transaction.
func (ip *Inode) bmap(n uint32) (uint32, error) {
	if n < NDirect {
		if ip.Addrs[n] == 0 {
			bno, err := Balloc(ip.FS)
			if err != nil {
				return 0, err
			}
			ip.Addrs[n] = bno
		}
		return ip.Addrs[n], nil
	}

	n -= NDirect
	if n >= NIndirect {
		return 0, ErrInvalid
	}

	if ip.Addrs[NDirect] == 0 {
		bno, err := Balloc(ip.FS)
		if err != nil {
			return 0, err
		}
		ip.Addrs[NDirect] = bno
	}

	buf, err := ip.FS.BC.Read(ip.FS.Dev, ip.Addrs[NDirect])
	if err != nil {
		return 0, err
	}
	defer ip.FS.BC.Release(buf)

	bno := getU32(buf.Data[n*4:])
	if bno == 0 {
		bno, err = Balloc(ip.FS)
		if err != nil {
			return 0, err
		}
		putU32(buf.Data[n*4:], bno)
		if err := ip.FS.Log.Write(buf); err != nil {
			return 0, err
		}
	}
	return bno, nil
}

// Readi reads up to len(dst) bytes from ip at off (spec.md §4.D "readi"),
// dispatching to the filesystem's ReadOp if it has one (procfs synthesizes
// its content this way).
func (ip *Inode) Readi(dst []byte, off uint32) (int, error) {
	if r, ok := ip.FS.Ops.(ReadOp); ok {
		return r.Read(ip, dst, off)
	}

	if off > ip.Size {
		return 0, ErrInvalid
	}
	n := uint32(len(dst))
	if off+n > ip.Size {
		n = ip.Size - off
	}
	if n == 0 {
		return 0, nil
	}

	var total uint32
	for total < n {
		bno, err := ip.bmap(off / disk.BSIZE)
		if err != nil {
			return int(total), err
		}
		buf, err := ip.FS.BC.Read(ip.FS.Dev, bno)
		if err != nil {
			return int(total), err
		}
		boff := off % disk.BSIZE
		m := uint32(disk.BSIZE) - boff
		if m > n-total {
			m = n - total
		}
		copy(dst[total:total+m], buf.Data[boff:boff+m])
		ip.FS.BC.Release(buf)

		total += m
		off += m
	}
	return int(total), nil
}

// Writei writes len(src) bytes to ip at off, growing the file and
// allocating blocks as needed, up to MaxFile*BSIZE (spec.md §4.D
// "writei"). Must be called inside an active transaction.
func (ip *Inode) Writei(src []byte, off uint32) (int, error) {
	if w, ok := ip.FS.Ops.(WriteOp); ok {
		return w.Write(ip, src, off)
	}

	n := uint32(len(src))
	if off+n < off || off+n > MaxFile*disk.BSIZE {
		return 0, ErrInvalid
	}

	var total uint32
	for total < n {
		bno, err := ip.bmap(off / disk.BSIZE)
		if err != nil {
			return int(total), err
		}
		buf, err := ip.FS.BC.Read(ip.FS.Dev, bno)
		if err != nil {
			return int(total), err
		}
		boff := off % disk.BSIZE
		m := uint32(disk.BSIZE) - boff
		if m > n-total {
			m = n - total
		}
		copy(buf.Data[boff:boff+m], src[total:total+m])
		if err := ip.FS.Log.Write(buf); err != nil {
			ip.FS.BC.Release(buf)
			return int(total), err
		}
		ip.FS.BC.Release(buf)

		total += m
		off += m
	}

	if off > ip.Size {
		ip.Size = off
		if err := ip.Iupdate(); err != nil {
			return int(total), err
		}
	}
	return int(total), nil
}

// truncate frees every block reachable from ip (direct, then the indirect
// block and its children), and zeroes Size (spec.md §4.D "itrunc"). Must
// be called inside an active transaction; caller holds BUSY.
func (ip *Inode) truncate() error {
	for i := 0; i < NDirect; i++ {
		if ip.Addrs[i] != 0 {
			if err := Bfree(ip.FS, ip.Addrs[i]); err != nil {
				return err
			}
			ip.Addrs[i] = 0
		}
	}

	if ip.Addrs[NDirect] != 0 {
		buf, err := ip.FS.BC.Read(ip.FS.Dev, ip.Addrs[NDirect])
		if err != nil {
			return err
		}
		for i := 0; i < NIndirect; i++ {
			bno := getU32(buf.Data[i*4:])
			if bno != 0 {
				if err := Bfree(ip.FS, bno); err != nil {
					ip.FS.BC.Release(buf)
					return err
				}
			}
		}
		ip.FS.BC.Release(buf)
		if err := Bfree(ip.FS, ip.Addrs[NDirect]); err != nil {
			return err
		}
		ip.Addrs[NDirect] = 0
	}

	ip.Size = 0
	return ip.Iupdate()
}
