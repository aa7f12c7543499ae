package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xv6go/kernel/bcache"
	"github.com/xv6go/kernel/disk"
	"github.com/xv6go/kernel/ugo"
	"github.com/xv6go/kernel/wal"
)

const (
	testNInodes = 50
	testNBlocks = 200
	testLogSize = 30
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	sb := Superblock{NInodes: testNInodes, NBlocks: testNBlocks, NLog: testLogSize + 1}
	layout := NewLayout(sb)
	total := layout.DataStart + testNBlocks
	dev := disk.NewMemDevice(total)

	bc := bcache.NewCache(64, zap.NewNop())
	log, err := wal.New(dev, bc, layout.LogStart, testLogSize, zap.NewNop())
	require.NoError(t, err)

	fsys := &Filesystem{Index: 0, Dev: dev, BC: bc, Log: log, Layout: layout, Cache: NewCache()}

	// ialloc scans from inum 1 upward and refuses type-free slot 0, so the
	// root directory naturally lands on inum 1 (spec.md §6 ROOTINO).
	log.Begin()
	root, err := Ialloc(fsys, TypeDir)
	require.NoError(t, err)
	root.Nlink = 1
	root.Mode = ModeDir | 0755
	require.NoError(t, root.Iupdate())
	require.NoError(t, Dirlink(root, ".", root.Inum, ugo.RootCreds()))
	require.NoError(t, Dirlink(root, "..", root.Inum, ugo.RootCreds()))
	root.Iunlockput()
	require.NoError(t, log.Commit())

	return fsys
}

func rootCreds() *ugo.Creds { return ugo.RootCreds() }

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fsys := newTestFilesystem(t)
	root := fsys.Cache.Get(fsys, 1)
	ns := NameState{Root: root}

	fsys.Log.Begin()
	ip, err := Create(ns, "/hello.txt", TypeFile, 0, 0, rootCreds())
	require.NoError(t, err)
	msg := []byte("hello, xv6")
	n, err := ip.Writei(msg, 0)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	ip.Iunlockput()
	require.NoError(t, fsys.Log.Commit())

	got, err := Namei(ns, "/hello.txt", rootCreds())
	require.NoError(t, err)
	require.NoError(t, got.Ilock())
	buf := make([]byte, len(msg))
	n, err = got.Readi(buf, 0)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
	got.Iunlockput()
}

func TestCreateDirectoryNestsProperly(t *testing.T) {
	fsys := newTestFilesystem(t)
	root := fsys.Cache.Get(fsys, 1)
	ns := NameState{Root: root}

	fsys.Log.Begin()
	dir, err := Create(ns, "/sub", TypeDir, 0, 0, rootCreds())
	require.NoError(t, err)
	dir.Iunlockput()
	require.NoError(t, fsys.Log.Commit())

	fsys.Log.Begin()
	file, err := Create(ns, "/sub/leaf", TypeFile, 0, 0, rootCreds())
	require.NoError(t, err)
	file.Iunlockput()
	require.NoError(t, fsys.Log.Commit())

	leaf, err := Namei(ns, "/sub/leaf", rootCreds())
	require.NoError(t, err)
	require.Equal(t, file.Inum, leaf.Inum)
}

func TestNameiParentStopsOneLevelEarly(t *testing.T) {
	fsys := newTestFilesystem(t)
	root := fsys.Cache.Get(fsys, 1)
	ns := NameState{Root: root}

	dp, name, err := NameiParent(ns, "/newfile", rootCreds())
	require.NoError(t, err)
	require.Equal(t, "newfile", name)
	require.Equal(t, root.Inum, dp.Inum)
}

func TestUnlinkRemovesDirectoryEntry(t *testing.T) {
	fsys := newTestFilesystem(t)
	root := fsys.Cache.Get(fsys, 1)
	ns := NameState{Root: root}

	fsys.Log.Begin()
	ip, err := Create(ns, "/gone", TypeFile, 0, 0, rootCreds())
	require.NoError(t, err)
	ip.Nlink--
	require.NoError(t, ip.Iupdate())
	ip.Iunlockput()
	require.NoError(t, root.Ilock())
	require.NoError(t, Dirunlink(root, "gone", rootCreds()))
	root.Iunlock()
	require.NoError(t, fsys.Log.Commit())

	_, err = Namei(ns, "/gone", rootCreds())
	require.ErrorIs(t, err, ErrNotExist)
}

func TestWriteGrowsAcrossIndirectBlocks(t *testing.T) {
	fsys := newTestFilesystem(t)
	root := fsys.Cache.Get(fsys, 1)
	ns := NameState{Root: root}

	fsys.Log.Begin()
	ip, err := Create(ns, "/big", TypeFile, 0, 0, rootCreds())
	require.NoError(t, err)

	// Cross the direct/indirect boundary (NDirect*BSIZE) in one write.
	payload := make([]byte, (NDirect+2)*disk.BSIZE)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := ip.Writei(payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	ip.Iunlockput()
	require.NoError(t, fsys.Log.Commit())

	got, err := Namei(ns, "/big", rootCreds())
	require.NoError(t, err)
	require.NoError(t, got.Ilock())
	readBack := make([]byte, len(payload))
	n, err = got.Readi(readBack, 0)
	require.NoError(t, err)
	require.Equal(t, payload, readBack[:n])
	got.Iunlockput()
}

func TestPermissionDeniedWithoutExecOnDir(t *testing.T) {
	fsys := newTestFilesystem(t)
	root := fsys.Cache.Get(fsys, 1)
	ns := NameState{Root: root}

	fsys.Log.Begin()
	dir, err := Create(ns, "/locked", TypeDir, 0, 0, rootCreds())
	require.NoError(t, err)
	dir.Mode = ModeDir | 0600 // no exec/read for group or other
	require.NoError(t, dir.Iupdate())
	dir.Iunlockput()
	require.NoError(t, fsys.Log.Commit())

	other := &ugo.Creds{UID: 1000, EUID: 1000, GID: 1000, EGID: 1000}
	_, err = Namei(ns, "/locked/x", other)
	require.ErrorIs(t, err, ErrPerm)
}

func TestCreateDeniedWithoutWritePermissionOnParentHasNoSideEffects(t *testing.T) {
	fsys := newTestFilesystem(t)
	root := fsys.Cache.Get(fsys, 1)
	ns := NameState{Root: root}

	fsys.Log.Begin()
	dir, err := Create(ns, "/readonly", TypeDir, 0, 0, rootCreds())
	require.NoError(t, err)
	dir.Mode = ModeDir | 0555 // read/exec only, no write, for group or other
	dir.UID, dir.GID = 0, 0
	require.NoError(t, dir.Iupdate())
	dir.Iunlockput()
	nInodesBefore := countAllocatedInodes(fsys)
	require.NoError(t, fsys.Log.Commit())

	other := &ugo.Creds{UID: 1000, EUID: 1000, GID: 1000, EGID: 1000}
	fsys.Log.Begin()
	_, err = Create(ns, "/readonly/x", TypeFile, 0, 0, other)
	require.NoError(t, fsys.Log.Commit())
	require.ErrorIs(t, err, ErrPerm)

	// The parent's link count and the free-inode pool must be untouched:
	// a denied create must not allocate or leak an inode (the check now
	// runs before Ialloc rather than surfacing only inside the trailing
	// Dirlink).
	got, err := Namei(ns, "/readonly", rootCreds())
	require.NoError(t, err)
	require.NoError(t, got.Ilock())
	require.Equal(t, int16(1), got.Nlink)
	got.Iunlockput()
	require.Equal(t, nInodesBefore, countAllocatedInodes(fsys))
}

func countAllocatedInodes(fsys *Filesystem) int {
	n := 0
	for inum := uint32(1); inum < fsys.Layout.SB.NInodes; inum++ {
		ip := fsys.Cache.Get(fsys, inum)
		if err := ip.Ilock(); err != nil {
			continue
		}
		if ip.Type != TypeFree {
			n++
		}
		ip.Iunlockput()
	}
	return n
}
