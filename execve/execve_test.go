package execve

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xv6go/kernel/bcache"
	"github.com/xv6go/kernel/disk"
	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/mm"
	"github.com/xv6go/kernel/proc"
	"github.com/xv6go/kernel/ugo"
	"github.com/xv6go/kernel/wal"
)

const (
	testNInodes = 50
	testNBlocks = 200
	testLogSize = 30
)

func newTestFS(t *testing.T) (*fs.Filesystem, *fs.Inode) {
	t.Helper()
	sb := fs.Superblock{NInodes: testNInodes, NBlocks: testNBlocks, NLog: testLogSize + 1}
	layout := fs.NewLayout(sb)
	total := layout.DataStart + testNBlocks
	dev := disk.NewMemDevice(total)

	bc := bcache.NewCache(64, zap.NewNop())
	log, err := wal.New(dev, bc, layout.LogStart, testLogSize, zap.NewNop())
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

	return fsys, fsys.Cache.Get(fsys, 1)
}

func writeFile(t *testing.T, ns fs.NameState, fsys *fs.Filesystem, path string, content []byte, mode uint32) {
	t.Helper()
	fsys.Log.Begin()
	ip, err := fs.Create(ns, path, fs.TypeFile, 0, 0, ugo.RootCreds())
	require.NoError(t, err)
	if len(content) > 0 {
		_, err = ip.Writei(content, 0)
		require.NoError(t, err)
	}
	if mode != 0 {
		ip.Mode = mode
		require.NoError(t, ip.Iupdate())
	}
	ip.Iunlockput()
	require.NoError(t, fsys.Log.Commit())
}

func TestProgProtMapsELFFlags(t *testing.T) {
	require.True(t, progProt(elf.PF_R).Has(mm.ProtRead))
	require.True(t, progProt(elf.PF_R|elf.PF_W).Has(mm.ProtWrite))
	require.True(t, progProt(elf.PF_X).Has(mm.ProtExec))
	require.False(t, progProt(elf.PF_R).Has(mm.ProtWrite))
}

func TestReadShebangTokenizesInterpreterLine(t *testing.T) {
	fsys, root := newTestFS(t)
	ns := fs.NameState{Root: root}
	writeFile(t, ns, fsys, "/script", []byte("#!/bin/sh -e\nrest of script\n"), 0)

	ip, err := fs.Namei(ns, "/script", ugo.RootCreds())
	require.NoError(t, err)
	require.NoError(t, ip.Ilock())
	defer ip.Iunlockput()

	interp, args, err := readShebang(ip)
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/sh"}, interp)
	require.Equal(t, []string{"-e"}, args)
}

func TestReadShebangRejectsEmptyLine(t *testing.T) {
	fsys, root := newTestFS(t)
	ns := fs.NameState{Root: root}
	writeFile(t, ns, fsys, "/empty", []byte("#!\n"), 0)

	ip, err := fs.Namei(ns, "/empty", ugo.RootCreds())
	require.NoError(t, err)
	require.NoError(t, ip.Ilock())
	defer ip.Iunlockput()

	_, _, err = readShebang(ip)
	require.Error(t, err)
}

func TestExecRejectsTooDeepShebangChain(t *testing.T) {
	fsys, root := newTestFS(t)
	ns := fs.NameState{Root: root}
	writeFile(t, ns, fsys, "/loopy", []byte("#!/loopy\n"), 0)

	table := proc.NewTable()
	p := table.UserInit(root, root, ugo.RootCreds())

	err := exec(table, p, ns, "/loopy", []string{"/loopy"}, nil, 0)
	require.ErrorIs(t, err, ErrLoop)
}

func TestBuildStackLayoutStaysWithinPage(t *testing.T) {
	as := mm.NewAddressSpace()
	sp, err := buildStack(as, 0x1000, []string{"prog", "arg1"}, []string{"HOME=/"})
	require.NoError(t, err)
	require.Greater(t, sp, uintptr(0x1000))
	require.LessOrEqual(t, sp, uintptr(0x1000)+mm.PageSize)
}

func TestBuildStackRejectsOversizedArgv(t *testing.T) {
	as := mm.NewAddressSpace()
	big := make([]string, MaxArg+1)
	for i := range big {
		big[i] = "x"
	}
	_, err := buildStack(as, 0x1000, big, nil)
	require.ErrorIs(t, err, ErrTooManyArg)
}

func TestApplySetIDInstallsOwnerOnSUID(t *testing.T) {
	creds := &ugo.Creds{UID: 1000, EUID: 1000, GID: 1000, EGID: 1000}
	applySetID(creds, fs.ModeSUID|0755, 0, 1000)
	require.Equal(t, uint32(0), creds.EUID)
	require.Equal(t, uint32(1000), creds.SUID, "saved id keeps the pre-exec effective uid, not the new escalated one")
	require.Nil(t, creds.Groups)
}

func TestApplySetIDLeavesCredsWhenNotSetID(t *testing.T) {
	creds := &ugo.Creds{UID: 1000, EUID: 1000, GID: 1000, EGID: 1000, Groups: []uint32{7}}
	applySetID(creds, 0755, 0, 0)
	require.Equal(t, uint32(1000), creds.EUID)
	require.Equal(t, []uint32{7}, creds.Groups)
}
