package sys

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xv6go/kernel/bcache"
	"github.com/xv6go/kernel/disk"
	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/proc"
	"github.com/xv6go/kernel/procfs"
	"github.com/xv6go/kernel/ugo"
	"github.com/xv6go/kernel/wal"
)

const (
	testNInodes = 50
	testNBlocks = 200
	testLogSize = 30
)

func newTestTask(t *testing.T) *Task {
	t.Helper()
	sb := fs.Superblock{NInodes: testNInodes, NBlocks: testNBlocks, NLog: testLogSize + 1}
	layout := fs.NewLayout(sb)
	dev := disk.NewMemDevice(layout.DataStart + testNBlocks)
	bc := bcache.NewCache(64, zap.NewNop())
	log, err := wal.New(dev, bc, layout.LogStart, testLogSize, zap.NewNop())
	require.NoError(t, err)

	root := &fs.Filesystem{Index: 0, Dev: dev, BC: bc, Log: log, Layout: layout, Cache: fs.NewCache()}
	log.Begin()
	rootInode, err := fs.Ialloc(root, fs.TypeDir)
	require.NoError(t, err)
	rootInode.Nlink = 1
	rootInode.Mode = fs.ModeDir | 0755
	require.NoError(t, rootInode.Iupdate())
	require.NoError(t, fs.Dirlink(rootInode, ".", rootInode.Inum, ugo.RootCreds()))
	require.NoError(t, fs.Dirlink(rootInode, "..", rootInode.Inum, ugo.RootCreds()))
	rootInode.Iunlockput()
	require.NoError(t, log.Commit())

	table := proc.NewTable()
	registry := fs.NewRegistry()
	registry.Register(root)

	rootForProc := root.Cache.Get(root, 1)
	init := table.UserInit(rootForProc, rootForProc.Idup(), ugo.RootCreds())

	pfs := procfs.New(table)
	procFilesystem := &fs.Filesystem{Index: 1, Ops: pfs, Cache: fs.NewCache()}
	registry.Register(procFilesystem)

	sys := NewSystem(table, root, registry, procFilesystem, pfs)
	return NewTask(sys, init)
}

func TestOpenCreateWriteReadRoundTrip(t *testing.T) {
	task := newTestTask(t)

	fd, errno := task.Open("/hello", OCreate|ORdWr, 0644)
	require.Zero(t, errno)
	require.GreaterOrEqual(t, fd, 0)

	n, errno := task.Write(fd, []byte("hi"))
	require.Zero(t, errno)
	require.Equal(t, 2, n)

	require.Zero(t, task.Close(fd))

	fd2, errno := task.Open("/hello", ORdOnly, 0)
	require.Zero(t, errno)
	buf := make([]byte, 2)
	n, errno = task.Read(fd2, buf)
	require.Zero(t, errno)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestMkdirThenChdir(t *testing.T) {
	task := newTestTask(t)
	require.Zero(t, task.Mkdir("/sub", 0755))
	require.Zero(t, task.Chdir("/sub"))
}

func TestPipeReadWrite(t *testing.T) {
	task := newTestTask(t)
	rfd, wfd, errno := task.Pipe()
	require.Zero(t, errno)

	n, errno := task.Write(wfd, []byte("abc"))
	require.Zero(t, errno)
	require.Equal(t, 3, n)
	require.Zero(t, task.Close(wfd))

	buf := make([]byte, 3)
	n, errno = task.Read(rfd, buf)
	require.Zero(t, errno)
	require.Equal(t, "abc", string(buf[:n]))
}

func TestForkReturnsChildPid(t *testing.T) {
	task := newTestTask(t)
	childPid, errno := task.Fork()
	require.Zero(t, errno)
	require.Greater(t, childPid, task.Proc.Pid)
}

func TestGetpidAndIdentity(t *testing.T) {
	task := newTestTask(t)
	require.Equal(t, task.Proc.Pid, task.Getpid())
	require.Equal(t, uint32(0), task.Getuid())
	require.Equal(t, uint32(0), task.Geteuid())
}

func TestUmaskRoundTrip(t *testing.T) {
	task := newTestTask(t)
	old := task.Umask(0022)
	require.Equal(t, uint32(0), old)
	require.Equal(t, uint32(0022), task.Proc.FS.Umask)
}

func TestProcSelfResolvesToCallerPid(t *testing.T) {
	task := newTestTask(t)
	ip, err := task.resolvePath("/proc/self/pid")
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := ip.FS.Ops.(fs.ReadOp).Read(ip, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "1\n", string(buf[:n]))
}

func TestMkfifoOpenBlocksUntilPeerAttachesAndRoutesThroughThePipe(t *testing.T) {
	writer := newTestTask(t)
	require.Zero(t, writer.Mkfifo("/myfifo", 0600))

	childPid, errno := writer.Fork()
	require.Zero(t, errno)
	child, ok := writer.Sys.Table.Lookup(childPid)
	require.True(t, ok)
	reader := NewTask(writer.Sys, child)

	type result struct {
		fd    int
		errno syscall.Errno
	}
	readerDone := make(chan result, 1)
	go func() {
		fd, errno := reader.Open("/myfifo", ORdOnly, 0)
		readerDone <- result{fd, errno}
	}()

	// Give the reader a moment to block in OpenReader before the writer
	// attaches, exercising scenario S3's blocking-open path rather than a
	// race where both opens happen to land back to back.
	time.Sleep(10 * time.Millisecond)

	wfd, errno := writer.Open("/myfifo", OWrOnly, 0)
	require.Zero(t, errno)

	r := <-readerDone
	require.Zero(t, r.errno)

	n, errno := writer.Write(wfd, []byte("hi"))
	require.Zero(t, errno)
	require.Equal(t, 2, n)

	buf := make([]byte, 2)
	n, errno = reader.Read(r.fd, buf)
	require.Zero(t, errno)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestBadFdReturnsEBADF(t *testing.T) {
	task := newTestTask(t)
	_, errno := task.Read(99, make([]byte, 1))
	require.Equal(t, syscall.EBADF, errno)
}
