package mm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xv6go/kernel/bcache"
	"github.com/xv6go/kernel/disk"
	"github.com/xv6go/kernel/file"
	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/ugo"
	"github.com/xv6go/kernel/wal"
)

// newTestFileAt builds a throwaway filesystem with one zero-filled,
// PageSize-byte file at path. It returns the log alongside the open file
// handle since, per file.File.Write's contract, any further write through
// the handle must be wrapped in the caller's own Log.Begin/Commit.
func newTestFileAt(t *testing.T, path string) (*file.File, *wal.Log) {
	t.Helper()
	sb := fs.Superblock{NInodes: 50, NBlocks: 200, NLog: 31}
	layout := fs.NewLayout(sb)
	dev := disk.NewMemDevice(layout.DataStart + 200)
	bc := bcache.NewCache(64, zap.NewNop())
	log, err := wal.New(dev, bc, layout.LogStart, 30, zap.NewNop())
	require.NoError(t, err)

	fsys := &fs.Filesystem{Index: 0, Dev: dev, BC: bc, Log: log, Layout: layout, Cache: fs.NewCache()}
	log.Begin()
	root, err := fs.Ialloc(fsys, fs.TypeDir)
	require.NoError(t, err)
	root.Nlink = 1
	root.Mode = fs.ModeDir | 0755
	require.NoError(t, root.Iupdate())
	require.NoError(t, fs.Dirlink(root, ".", root.Inum, ugo.RootCreds()))
	require.NoError(t, fs.Dirlink(root, "..", root.Inum, ugo.RootCreds()))
	root.Iunlockput()
	require.NoError(t, log.Commit())

	ns := fs.NameState{Root: root}
	log.Begin()
	ip, err := fs.Create(ns, path, fs.TypeFile, 0, 0, ugo.RootCreds())
	require.NoError(t, err)
	_, err = ip.Writei(make([]byte, PageSize), 0)
	require.NoError(t, err)
	ip.Iunlockput()
	require.NoError(t, log.Commit())

	got, err := fs.Namei(ns, path, ugo.RootCreds())
	require.NoError(t, err)
	require.NoError(t, got.Ilock())
	got.Iunlock()
	return file.NewInode(got, true, true), log
}

func TestSbrkGrowsAndShrinks(t *testing.T) {
	as := NewAddressSpace()
	old, err := as.Sbrk(PageSize * 2)
	require.NoError(t, err)
	require.EqualValues(t, 0, old)
	require.EqualValues(t, PageSize*2, as.Size())

	_, err = as.Sbrk(-PageSize)
	require.NoError(t, err)
	require.EqualValues(t, PageSize, as.Size())
}

func TestSbrkShrinkPastZeroFails(t *testing.T) {
	as := NewAddressSpace()
	_, err := as.Sbrk(-PageSize)
	require.Error(t, err)
}

func TestMmapAnonymousPrivate(t *testing.T) {
	as := NewAddressSpace()
	r, err := as.Mmap(0x10000, PageSize, ProtRead|ProtWrite, FlagPrivate|FlagAnonymous, nil, 0)
	require.NoError(t, err)
	require.Equal(t, uintptr(PageSize), r.Length)

	err = as.PageFault(0x10000, true)
	require.NoError(t, err)
}

func TestMmapRequiresExactlyOneOfSharedPrivate(t *testing.T) {
	as := NewAddressSpace()
	_, err := as.Mmap(0x10000, PageSize, ProtRead, FlagShared|FlagPrivate, nil, 0)
	require.ErrorIs(t, err, ErrInvalidFlags)

	_, err = as.Mmap(0x10000, PageSize, ProtRead, 0, nil, 0)
	require.ErrorIs(t, err, ErrInvalidFlags)
}

func TestCloneSharedVMIncrementsRefs(t *testing.T) {
	as := NewAddressSpace()
	shared, err := as.Clone(true)
	require.NoError(t, err)
	require.Same(t, as, shared)
	require.Equal(t, 2, as.refs)
}

func TestClonePrivateDeepCopiesPages(t *testing.T) {
	as := NewAddressSpace()
	_, err := as.Sbrk(PageSize)
	require.NoError(t, err)

	child, err := as.Clone(false)
	require.NoError(t, err)
	require.NotSame(t, as, child)
	require.Len(t, child.pages, len(as.pages))
}

func TestTeardownOnlyFlushesDirtyPages(t *testing.T) {
	f, log := newTestFileAt(t, "/x")

	as := NewAddressSpace()
	_, err := as.Mmap(0x20000, PageSize, ProtRead|ProtWrite, FlagShared, f, 0)
	require.NoError(t, err)
	require.NoError(t, as.Store(0x20000, []byte("hi")))

	log.Begin()
	require.NoError(t, as.Teardown())
	require.NoError(t, log.Commit())

	buf := make([]byte, 2)
	require.NoError(t, f.Seek(0))
	n, err := f.Read(buf, nil)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestTeardownSkipsCleanSharedRegion(t *testing.T) {
	f, log := newTestFileAt(t, "/y")

	as := NewAddressSpace()
	_, err := as.Mmap(0x30000, PageSize, ProtRead|ProtWrite, FlagShared, f, 0)
	require.NoError(t, err)

	// Simulate the file changing on disk after the mapping was established
	// (e.g. another process's own write-back) without this address space's
	// own page ever being touched through Store/PageFault(write=true).
	log.Begin()
	require.NoError(t, f.Seek(0))
	_, err = f.Write([]byte("xx"), nil)
	require.NoError(t, err)
	require.NoError(t, log.Commit())

	// The mapped page was never marked dirty, so Teardown must leave the
	// on-disk content alone rather than flushing the stale, pre-mmap frame
	// back over it (spec.md §4.G: only a dirty SHARED-non-anonymous page
	// flushes).
	log.Begin()
	require.NoError(t, as.Teardown())
	require.NoError(t, log.Commit())

	buf := make([]byte, 2)
	require.NoError(t, f.Seek(0))
	n, err := f.Read(buf, nil)
	require.NoError(t, err)
	require.Equal(t, "xx", string(buf[:n]))
}
