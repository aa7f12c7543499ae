package image

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xv6go/kernel/bcache"
	"github.com/xv6go/kernel/disk"
	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/ugo"
	"github.com/xv6go/kernel/wal"
)

// bcacheSize must exceed LOG + indirect + bitmap + 2, per bcache.Cache's
// own deadlock-avoidance note; a generous fixed size is simplest for a
// one-shot builder that never runs concurrent transactions.
const bcacheSize = 256

// Build lays out a fresh image in memory per m and returns the populated
// root filesystem (spec.md §6: boot sector, superblock, inode table,
// bitmap, log region, data blocks), ready to hand to fs.Registry.Register
// and proc.Table.UserInit.
func Build(m *Manifest, log *zap.Logger) (*fs.Filesystem, error) {
	if log == nil {
		log = zap.NewNop()
	}

	sb := fs.Superblock{
		NInodes: m.Superblock.NInodes,
		NBlocks: m.Superblock.NBlocks,
		NLog:    m.Superblock.NLog,
	}
	layout := fs.NewLayout(sb)
	sb.Size = layout.DataStart + sb.NBlocks
	layout.SB = sb

	dev := disk.NewMemDevice(sb.Size)
	if err := fs.WriteSuperblock(dev, sb); err != nil {
		return nil, errors.Wrap(err, "image: writing superblock")
	}

	bc := bcache.NewCache(bcacheSize, log)
	walog, err := wal.New(dev, bc, layout.LogStart, int(sb.NLog)-1, log)
	if err != nil {
		return nil, errors.Wrap(err, "image: opening log region")
	}

	fsys := &fs.Filesystem{Index: 0, Dev: dev, BC: bc, Log: walog, Layout: layout, Cache: fs.NewCache()}
	creds := ugo.RootCreds()

	walog.Begin()
	root, err := fs.Ialloc(fsys, fs.TypeDir)
	if err != nil {
		walog.Commit()
		return nil, errors.Wrap(err, "image: allocating root inode")
	}
	root.Nlink = 1
	root.Mode = fs.ModeDir | 0755
	if err := root.Iupdate(); err != nil {
		root.Iunlockput()
		walog.Commit()
		return nil, err
	}
	if err := fs.Dirlink(root, ".", root.Inum, creds); err != nil {
		root.Iunlockput()
		walog.Commit()
		return nil, err
	}
	if err := fs.Dirlink(root, "..", root.Inum, creds); err != nil {
		root.Iunlockput()
		walog.Commit()
		return nil, err
	}
	root.Iunlock()
	if err := walog.Commit(); err != nil {
		return nil, errors.Wrap(err, "image: committing root directory")
	}

	ns := fs.NameState{Root: root}

	if err := seedDirs(fsys, ns, m.Dirs, creds); err != nil {
		root.Iput()
		return nil, err
	}
	if err := seedFiles(fsys, ns, m.Files); err != nil {
		root.Iput()
		return nil, err
	}
	if err := seedIdentity(fsys, ns, m); err != nil {
		root.Iput()
		return nil, err
	}

	root.Iput()
	return fsys, nil
}

// seedDirs creates every directory in m.Dirs, together with any ancestor
// the manifest does not list, shallowest first, so a nested path's parent
// always exists by the time Create walks to it (spec.md §4.E's create
// requires the parent to resolve).
func seedDirs(fsys *fs.Filesystem, ns fs.NameState, dirs []string, creds *ugo.Creds) error {
	var sorted []string
	seen := make(map[string]bool)
	for _, d := range dirs {
		for i := 1; i <= len(d); i++ {
			if (i == len(d) || d[i] == '/') && !seen[d[:i]] {
				seen[d[:i]] = true
				sorted = append(sorted, d[:i])
			}
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return strings.Count(sorted[i], "/") < strings.Count(sorted[j], "/")
	})
	for _, d := range sorted {
		fsys.Log.Begin()
		ip, err := fs.Create(ns, d, fs.TypeDir, 0, 0, creds)
		if err != nil {
			fsys.Log.Commit()
			return errors.Wrapf(err, "image: creating dir %q", d)
		}
		ip.Mode = fs.ModeDir | 0755
		if err := ip.Iupdate(); err != nil {
			ip.Iunlockput()
			fsys.Log.Commit()
			return err
		}
		ip.Iunlockput()
		if err := fsys.Log.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func seedFiles(fsys *fs.Filesystem, ns fs.NameState, files []FileSpec) error {
	for _, f := range files {
		if err := writeFile(fsys, ns, f.Path, []byte(f.Content), f.Mode, f.UID, f.GID); err != nil {
			return errors.Wrapf(err, "image: creating file %q", f.Path)
		}
	}
	return nil
}

// seedIdentity renders m.Passwd/m.Groups into /etc/passwd and /etc/group
// (spec.md §6's format; rendering mirrors grp.c/passwd.c's putpwent/
// putgrent row-at-a-time writers).
func seedIdentity(fsys *fs.Filesystem, ns fs.NameState, m *Manifest) error {
	if len(m.Passwd) > 0 {
		var sb strings.Builder
		for _, p := range m.Passwd {
			fmt.Fprintf(&sb, "%s:x:%d:%d:%s:%s:%s\n", p.Name, p.UID, p.GID, p.Gecos, p.Home, p.Shell)
		}
		if err := writeFile(fsys, ns, "/etc/passwd", []byte(sb.String()), 0644, 0, 0); err != nil {
			return err
		}
	}
	if len(m.Groups) > 0 {
		var sb strings.Builder
		for _, g := range m.Groups {
			fmt.Fprintf(&sb, "%s:x:%d:%s\n", g.Name, g.GID, strings.Join(g.Members, ","))
		}
		if err := writeFile(fsys, ns, "/etc/group", []byte(sb.String()), 0644, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// writeFile creates (or truncates) path and writes content, within its
// own transaction (mkfs.c's iappend, one call per file). Creation always
// runs as root, matching mkfs's own unauthenticated, pre-boot identity;
// the requested uid/gid/mode are stamped on afterward.
func writeFile(fsys *fs.Filesystem, ns fs.NameState, filePath string, content []byte, mode, uid, gid uint32) error {
	fsys.Log.Begin()
	ip, err := fs.Create(ns, filePath, fs.TypeFile, 0, 0, ugo.RootCreds())
	if err != nil {
		fsys.Log.Commit()
		return err
	}
	if len(content) > 0 {
		if _, err := ip.Writei(content, 0); err != nil {
			ip.Iunlockput()
			fsys.Log.Commit()
			return err
		}
	}
	if mode != 0 {
		ip.Mode = fs.ModeReg | (mode & fs.ModePerm)
	}
	ip.UID, ip.GID = uid, gid
	if err := ip.Iupdate(); err != nil {
		ip.Iunlockput()
		fsys.Log.Commit()
		return err
	}
	ip.Iunlockput()
	return fsys.Log.Commit()
}
