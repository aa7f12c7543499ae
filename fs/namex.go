package fs

import (
	"strings"

	"github.com/xv6go/kernel/ugo"
)

// Registry maps a root-relative "device index" to its registered
// Filesystem (spec.md §3 "Filesystem registration"). Index 0 is always
// the root on-disk filesystem; procfs registers under a distinct index
// and is reached through sys's fixed "/proc" path prefix, not through a
// mount point in the root fs's directory tree.
type Registry struct {
	byIndex map[int]*Filesystem
}

func NewRegistry() *Registry { return &Registry{byIndex: make(map[int]*Filesystem)} }

func (r *Registry) Register(fsys *Filesystem) { r.byIndex[fsys.Index] = fsys }

func (r *Registry) Lookup(index int) (*Filesystem, bool) {
	fsys, ok := r.byIndex[index]
	return fsys, ok
}

// NameState is the ambient naming context a path is resolved against:
// the root filesystem's root inode and the calling process's current
// working directory (spec.md §4.E). A nil Cwd means resolution always
// starts at Root, the userinit() special case the original's namex notes.
type NameState struct {
	Root *Inode
	Cwd  *Inode
}

// skipelem copies the next '/'-delimited path element into a DirSiz-bounded
// name and returns the remainder of path with leading slashes stripped
// (spec.md §4.E, ported directly from the original's documented examples:
// skipelem("a/bb/c") = "bb/c" with name="a"; skipelem("") = "" with ok=false).
func skipelem(path string) (name, rest string, ok bool) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	if i == len(path) {
		return "", "", false
	}
	start := i
	for i < len(path) && path[i] != '/' {
		i++
	}
	name = path[start:i]
	if len(name) > DirSiz {
		name = name[:DirSiz]
	}
	for i < len(path) && path[i] == '/' {
		i++
	}
	return name, path[i:], true
}

// namex is the shared implementation of Namei/NameiParent (spec.md §4.E),
// mirroring the original's namex: walk path one element at a time,
// requiring exec permission on every directory traversed, stopping one
// level early when wantParent is set. creds gates every traversal step;
// the root inode's ".." resolves to itself rather than climbing past it.
func namex(ns NameState, path string, wantParent bool, creds *ugo.Creds) (*Inode, string, error) {
	var ip *Inode
	if strings.HasPrefix(path, "/") {
		ip = ns.Root.Idup()
	} else if ns.Cwd != nil {
		ip = ns.Cwd.Idup()
	} else {
		ip = ns.Root.Idup()
	}

	name, rest := "", path
	var cur string
	for {
		cur, rest, _ = skipelem(rest)
		if cur == "" {
			break
		}
		name = cur

		if err := ip.Ilock(); err != nil {
			ip.Iput()
			return nil, "", err
		}
		if !ip.IsDir() {
			ip.Iunlockput()
			return nil, "", ErrNotDir
		}
		if !ugo.Evaluate(creds, owner(ip)).Allows(ugo.PermExec) {
			ip.Iunlockput()
			return nil, "", ErrPerm
		}

		if wantParent && rest == "" {
			ip.Iunlock()
			return ip, name, nil
		}

		next, _, err := Dirlookup(ip, name, creds)
		if err != nil {
			ip.Iunlockput()
			return nil, "", err
		}

		if ip == ns.Root && name == ".." {
			ip.Iunlock()
			next.Iput()
		} else {
			ip.Iunlockput()
			ip = next
		}
	}

	if wantParent {
		ip.Iput()
		return nil, "", ErrNotExist
	}
	return ip, name, nil
}

// Namei resolves path to its inode (spec.md §4.E "namei").
func Namei(ns NameState, path string, creds *ugo.Creds) (*Inode, error) {
	ip, _, err := namex(ns, path, false, creds)
	return ip, err
}

// NameiParent resolves path's parent directory, returning the final path
// element alongside it (spec.md §4.E "nameiparent").
func NameiParent(ns NameState, path string, creds *ugo.Creds) (*Inode, string, error) {
	return namex(ns, path, true, creds)
}

// Create resolves path's parent, allocates a new inode of type t, links it
// into the parent under the final path element, and returns it locked and
// referenced (spec.md §4.E "create", used by open(O_CREAT), mkdir, mknod,
// and mkfifo). Must be called inside an active transaction.
func Create(ns NameState, path string, t FileType, major, minor int16, creds *ugo.Creds) (*Inode, error) {
	dp, name, err := NameiParent(ns, path, creds)
	if err != nil {
		return nil, err
	}
	if err := dp.Ilock(); err != nil {
		return nil, err
	}
	if !ugo.Evaluate(creds, owner(dp)).Allows(ugo.PermWrite | ugo.PermExec) {
		dp.Iunlockput()
		return nil, ErrPerm
	}

	if existing, _, err := Dirlookup(dp, name, creds); err == nil {
		dp.Iunlockput()
		if t == TypeDir {
			if lerr := existing.Ilock(); lerr != nil {
				existing.Iput()
				return nil, lerr
			}
			if !existing.IsDir() {
				existing.Iunlockput()
				return nil, ErrExist
			}
			return existing, nil
		}
		if lerr := existing.Ilock(); lerr != nil {
			existing.Iput()
			return nil, lerr
		}
		if existing.IsDir() {
			existing.Iunlockput()
			return nil, ErrIsDir
		}
		return existing, nil
	} else if err != ErrNotExist {
		dp.Iunlockput()
		return nil, err
	}

	ip, err := Ialloc(dp.FS, t)
	if err != nil {
		dp.Iunlockput()
		return nil, err
	}
	ip.Major, ip.Minor = major, minor
	ip.Nlink = 1
	ip.UID, ip.GID = creds.EUID, creds.EGID
	ip.Mode = defaultModeFor(t)
	if err := ip.Iupdate(); err != nil {
		ip.Iunlockput()
		dp.Iunlockput()
		return nil, err
	}

	if t == TypeDir {
		dp.Nlink++
		if err := dp.Iupdate(); err != nil {
			ip.Iunlockput()
			dp.Iunlockput()
			return nil, err
		}
		if err := Dirlink(ip, ".", ip.Inum, creds); err != nil {
			ip.Iunlockput()
			dp.Iunlockput()
			return nil, err
		}
		if err := Dirlink(ip, "..", dp.Inum, creds); err != nil {
			ip.Iunlockput()
			dp.Iunlockput()
			return nil, err
		}
	}

	if err := Dirlink(dp, name, ip.Inum, creds); err != nil {
		ip.Iunlockput()
		dp.Iunlockput()
		return nil, err
	}
	dp.Iunlockput()
	return ip, nil
}

func defaultModeFor(t FileType) uint32 {
	switch t {
	case TypeDir:
		return ModeDir | 0755
	case TypeDevice:
		return ModeChr | 0666
	default:
		return ModeReg | 0644
	}
}
