package fs

import (
	"github.com/xv6go/kernel/ugo"
)

func owner(ip *Inode) ugo.InodeOwner {
	return ugo.InodeOwner{UID: ip.UID, GID: ip.GID, Mode: ip.Mode}
}

// Dirlookup scans directory dp for name, returning a referenced (but
// unlocked) inode and the byte offset of the matching entry (spec.md §4.D
// "dirlookup"). dp must already be locked by the caller. Dispatches to the
// filesystem's LookupOp if it has one (procfs synthesizes pid entries this
// way).
func Dirlookup(dp *Inode, name string, creds *ugo.Creds) (*Inode, uint32, error) {
	if !dp.IsDir() {
		return nil, 0, ErrNotDir
	}
	if !ugo.Evaluate(creds, owner(dp)).Allows(ugo.PermExec) {
		return nil, 0, ErrPerm
	}

	if l, ok := dp.FS.Ops.(LookupOp); ok {
		return l.Lookup(dp, name)
	}

	var de DirEnt
	buf := make([]byte, dirEntSize)
	for off := uint32(0); off < dp.Size; off += dirEntSize {
		n, err := dp.Readi(buf, off)
		if err != nil {
			return nil, 0, err
		}
		if n != dirEntSize {
			return nil, 0, errIOShort()
		}
		de = decodeDirEnt(buf)
		if de.Inum == 0 {
			continue
		}
		if de.NameString() == name {
			return dp.FS.Cache.Get(dp.FS, uint32(de.Inum)), off, nil
		}
	}
	return nil, 0, ErrNotExist
}

func errIOShort() error { return ErrIO }

// Dirlink writes a new (name, inum) entry into directory dp, reusing the
// first free slot if one exists (spec.md §4.D "dirlink"). Must be called
// inside an active transaction, with dp locked.
func Dirlink(dp *Inode, name string, inum uint32, creds *ugo.Creds) error {
	if existing, _, err := Dirlookup(dp, name, creds); err == nil {
		existing.Iput()
		return ErrExist
	} else if err != ErrNotExist {
		return err
	}

	if !ugo.Evaluate(creds, owner(dp)).Allows(ugo.PermWrite | ugo.PermExec) {
		return ErrPerm
	}

	if l, ok := dp.FS.Ops.(LinkOp); ok {
		return l.Link(dp, name, inum)
	}

	var de DirEnt
	buf := make([]byte, dirEntSize)
	off := uint32(0)
	for ; off < dp.Size; off += dirEntSize {
		n, err := dp.Readi(buf, off)
		if err != nil {
			return err
		}
		if n != dirEntSize {
			return errIOShort()
		}
		de = decodeDirEnt(buf)
		if de.Inum == 0 {
			break
		}
	}

	de = makeDirEnt(uint16(inum), name)
	encodeDirEnt(de, buf)
	n, err := dp.Writei(buf, off)
	if err != nil {
		return err
	}
	if n != dirEntSize {
		return ErrIO
	}
	return nil
}

// Dirunlink clears the entry for name in dp, the symmetric counterpart
// dirlink's original lacked (spec.md supplements this from the original's
// sys_unlink, which open-codes the same scan/clear inline).
func Dirunlink(dp *Inode, name string, creds *ugo.Creds) error {
	if !ugo.Evaluate(creds, owner(dp)).Allows(ugo.PermWrite | ugo.PermExec) {
		return ErrPerm
	}

	if u, ok := dp.FS.Ops.(UnlinkOp); ok {
		return u.Unlink(dp, name)
	}

	var de DirEnt
	buf := make([]byte, dirEntSize)
	for off := uint32(0); off < dp.Size; off += dirEntSize {
		n, err := dp.Readi(buf, off)
		if err != nil {
			return err
		}
		if n != dirEntSize {
			return errIOShort()
		}
		de = decodeDirEnt(buf)
		if de.Inum == 0 || de.NameString() != name {
			continue
		}
		var zero [dirEntSize]byte
		if _, err := dp.Writei(zero[:], off); err != nil {
			return err
		}
		return nil
	}
	return ErrNotExist
}

// DirIsEmpty reports whether dp (already locked, known to be a directory)
// contains only "." and ".." entries (spec.md §4.E rmdir precondition).
func DirIsEmpty(dp *Inode) (bool, error) {
	var de DirEnt
	buf := make([]byte, dirEntSize)
	for off := uint32(2 * dirEntSize); off < dp.Size; off += dirEntSize {
		n, err := dp.Readi(buf, off)
		if err != nil {
			return false, err
		}
		if n != dirEntSize {
			return false, errIOShort()
		}
		de = decodeDirEnt(buf)
		if de.Inum != 0 {
			return false, nil
		}
	}
	return true, nil
}
