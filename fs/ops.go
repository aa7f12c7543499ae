package fs

// The optional-interface vtable (spec.md §4.D/§4.G "per-filesystem
// operations"). A Filesystem's Ops field holds an arbitrary value; each
// operation here type-asserts against it and falls back to the default
// on-disk behavior when the filesystem doesn't implement that one
// operation, the same pattern hanwen-go-fuse's InodeEmbedder/NodeXxxer
// use for FUSE node operations. procfs implements GetOp/PutOp/ReadOp/
// WriteOp/LookupOp/UpdateOp and leaves the rest to fall through to the
// defaults (which never fire since procfs inodes are never allocated or
// linked).

// AllocOp lets a filesystem override inode allocation (Ialloc).
type AllocOp interface {
	Alloc(fsys *Filesystem, t FileType) (*Inode, error)
}

// GetOp lets a filesystem override how an inode's in-memory copy is
// populated, bypassing the on-disk dinode load entirely (procfs: synthesize
// fields from the process table instead of decoding a dinode block).
type GetOp interface {
	Get(fsys *Filesystem, inum uint32) (*Inode, error)
}

// PutOp overrides Iput's last-reference truncate-and-free behavior.
type PutOp interface {
	Put(fsys *Filesystem, ip *Inode) error
}

// ReadOp overrides Readi.
type ReadOp interface {
	Read(ip *Inode, dst []byte, off uint32) (int, error)
}

// WriteOp overrides Writei.
type WriteOp interface {
	Write(ip *Inode, src []byte, off uint32) (int, error)
}

// LookupOp overrides directory lookup (procfs: synthesize entries for pid
// directories instead of scanning on-disk dirents).
type LookupOp interface {
	Lookup(dir *Inode, name string) (*Inode, uint32, error)
}

// LinkOp overrides directory-entry creation (Dirlink).
type LinkOp interface {
	Link(dir *Inode, name string, inum uint32) error
}

// UnlinkOp overrides directory-entry removal.
type UnlinkOp interface {
	Unlink(dir *Inode, name string) error
}

// UpdateOp overrides Iupdate's dinode write-back.
type UpdateOp interface {
	Update(ip *Inode) error
}
