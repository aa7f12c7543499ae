package sys

import (
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xv6go/kernel/execve"
	"github.com/xv6go/kernel/file"
	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/mm"
	"github.com/xv6go/kernel/pipe"
	"github.com/xv6go/kernel/proc"
	"github.com/xv6go/kernel/procfs"
	"github.com/xv6go/kernel/ugo"
)

// nextComponent tokenizes a '/'-delimited path one element at a time,
// the same convention fs.skipelem uses internally, reimplemented here
// since that helper is unexported (sys resolves /proc paths itself to
// give "self" its per-caller meaning, spec.md §4.M).
func nextComponent(path string) (name, rest string, ok bool) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", "", false
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:], true
	}
	return path, "", true
}

// resolveProcfs walks path under /proc directly against t.Sys.ProcFS,
// translating a literal "self" component to the caller's own pid
// (spec.md §4.M; procfs.SelfDirInum documents this as sys's job since
// procfs's Lookup has no caller context of its own).
func (t *Task) resolveProcfs(path string) (*fs.Inode, error) {
	rest := strings.TrimPrefix(path, "/proc")
	cur := t.Sys.ProcFilesystem.Cache.Get(t.Sys.ProcFilesystem, procfs.RootInum)
	for {
		name, remainder, ok := nextComponent(rest)
		if !ok {
			return cur, nil
		}
		if name == "self" {
			name = strconv.Itoa(t.Proc.Pid)
		}
		next, _, err := t.Sys.ProcFS.Lookup(cur, name)
		if err != nil {
			return nil, err
		}
		cur, rest = next, remainder
	}
}

func (t *Task) resolvePath(path string) (*fs.Inode, error) {
	if path == "/proc" || strings.HasPrefix(path, "/proc/") {
		return t.resolveProcfs(path)
	}
	return fs.Namei(t.ns(), path, t.Proc.Creds)
}

// --- process lifecycle ---

func (t *Task) Fork() (int, syscall.Errno) {
	child, err := t.Sys.Table.Fork(t.Proc)
	if err != nil {
		return -1, t.fail(err)
	}
	t.ok()
	return child.Pid, 0
}

func (t *Task) Clone(stack uintptr, flags proc.CloneFlags) (int, syscall.Errno) {
	child, err := t.Sys.Table.Clone(t.Proc, stack, flags)
	if err != nil {
		return -1, t.fail(err)
	}
	t.ok()
	return child.Pid, 0
}

func (t *Task) Exit(init *proc.Process, code int) syscall.Errno {
	if err := t.Sys.Table.Exit(t.Proc, init, code, nil); err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

func (t *Task) Wait() (int, syscall.Errno) {
	pid, err := t.Sys.Table.Wait(t.Proc)
	if err != nil {
		return -1, t.fail(err)
	}
	t.ok()
	return pid, 0
}

func (t *Task) Kill(pid int) syscall.Errno {
	target, ok := t.Sys.Table.Lookup(pid)
	if !ok {
		return t.fail(fs.ErrNotExist)
	}
	if err := t.Sys.Table.Kill(t.Proc, target, nil); err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

func (t *Task) Getpid() int { return t.Proc.Pid }

// Execve replaces the calling process's image (spec.md §4.J/§4.K).
func (t *Task) Execve(path string, argv, envp []string) syscall.Errno {
	if err := execve.Exec(t.Sys.Table, t.Proc, t.ns(), path, argv, envp); err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

// --- files ---

func (t *Task) Pipe() (readFd, writeFd int, errno syscall.Errno) {
	p := pipe.New()
	rf := file.NewPipeEnd(p, true, false)
	wf := file.NewPipeEnd(p, false, true)
	rfd, err := t.Proc.Files.Alloc(rf)
	if err != nil {
		return -1, -1, t.fail(err)
	}
	wfd, err := t.Proc.Files.Alloc(wf)
	if err != nil {
		t.Proc.Files.Close(rfd)
		return -1, -1, t.fail(err)
	}
	t.ok()
	return rfd, wfd, 0
}

func (t *Task) Read(fd int, dst []byte) (int, syscall.Errno) {
	f, ok := t.Proc.Files.Get(fd)
	if !ok {
		return -1, t.fail(file.ErrBadFile)
	}
	n, err := f.Read(dst, func() bool { return t.Proc.Killed })
	if err != nil {
		return -1, t.fail(err)
	}
	t.ok()
	return n, 0
}

func (t *Task) Write(fd int, src []byte) (int, syscall.Errno) {
	f, ok := t.Proc.Files.Get(fd)
	if !ok {
		return -1, t.fail(file.ErrBadFile)
	}
	if f.Kind() == file.KindInode {
		t.Sys.Root.Log.Begin()
		n, err := f.Write(src, nil)
		if err != nil {
			t.Sys.Root.Log.Commit()
			return -1, t.fail(err)
		}
		if cerr := t.Sys.Root.Log.Commit(); cerr != nil {
			return -1, t.fail(cerr)
		}
		t.ok()
		return n, 0
	}
	n, err := f.Write(src, func() bool { return t.Proc.Killed })
	if err != nil {
		return -1, t.fail(err)
	}
	t.ok()
	return n, 0
}

func (t *Task) Close(fd int) syscall.Errno {
	f, ok := t.Proc.Files.Close(fd)
	if !ok {
		return t.fail(file.ErrBadFile)
	}
	if err := f.Close(); err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

func (t *Task) Dup(fd int) (int, syscall.Errno) {
	f, ok := t.Proc.Files.Get(fd)
	if !ok {
		return -1, t.fail(file.ErrBadFile)
	}
	newFd, err := t.Proc.Files.Alloc(f.Dup())
	if err != nil {
		return -1, t.fail(err)
	}
	t.ok()
	return newFd, 0
}

func (t *Task) Fstat(fd int) (fs.Stat, syscall.Errno) {
	f, ok := t.Proc.Files.Get(fd)
	if !ok {
		return fs.Stat{}, t.fail(file.ErrBadFile)
	}
	st, err := f.Stat()
	if err != nil {
		return fs.Stat{}, t.fail(err)
	}
	t.ok()
	return st, 0
}

// --- namespace / filesystem ---

const (
	ORdOnly = unix.O_RDONLY
	OWrOnly = unix.O_WRONLY
	ORdWr   = unix.O_RDWR
	OCreate = unix.O_CREAT
	OTrunc  = unix.O_TRUNC
)

func (t *Task) Open(path string, flags int, mode uint32) (int, syscall.Errno) {
	var ip *fs.Inode
	var err error

	if flags&OCreate != 0 {
		t.Sys.Root.Log.Begin()
		ip, err = fs.Create(t.ns(), path, fs.TypeFile, 0, 0, t.Proc.Creds)
		if err == nil {
			ip.Mode = fs.ModeReg | (mode &^ t.Proc.FS.Umask)
			err = ip.Iupdate()
		}
		t.Sys.Root.Log.Commit()
		if err != nil {
			return -1, t.fail(err)
		}
	} else {
		ip, err = t.resolvePath(path)
		if err != nil {
			return -1, t.fail(err)
		}
		if err := ip.Ilock(); err != nil {
			return -1, t.fail(err)
		}
	}

	readable := flags&OWrOnly == 0
	writable := flags&OWrOnly != 0 || flags&ORdWr != 0
	if !t.Proc.Creds.Root() {
		perm := ugo.Evaluate(t.Proc.Creds, ugo.InodeOwner{UID: ip.UID, GID: ip.GID, Mode: ip.Mode})
		if readable && !perm.Allows(ugo.PermRead) || writable && !perm.Allows(ugo.PermWrite) {
			ip.Iunlockput()
			return -1, t.fail(fs.ErrPerm)
		}
	}
	isFifo := ip.IsFifo()
	ip.Iunlock()

	if isFifo {
		return t.openFifo(ip, readable, writable)
	}

	f := file.NewInode(ip, readable, writable)
	fd, err := t.Proc.Files.Alloc(f)
	if err != nil {
		f.Close()
		return -1, t.fail(err)
	}
	t.ok()
	return fd, 0
}

// openFifo implements open(2)'s FIFO case (spec.md §4.F scenario S3): the
// reader side blocks until a writer attaches and vice versa. Open has no
// O_NONBLOCK flag, so a read-only or write-only FIFO open always blocks
// until its peer attaches; an O_RDWR open never blocks (see below).
func (t *Task) openFifo(ip *fs.Inode, readable, writable bool) (int, syscall.Errno) {
	p := ip.FIFOPipe
	killed := func() bool { return t.Proc.Killed }

	// O_RDWR on a FIFO has no well-defined blocking behavior (POSIX leaves
	// it undefined); blocking both sides in sequence on one caller would
	// self-deadlock, since neither side's peer can ever attach. Linux's
	// own resolution is to never block an O_RDWR fifo open, which this
	// mirrors.
	nonblock := readable && writable
	if readable {
		if err := p.OpenReader(nonblock, killed); err != nil {
			return -1, t.fail(err)
		}
	}
	if writable {
		if err := p.OpenWriter(nonblock, killed); err != nil {
			return -1, t.fail(err)
		}
	}

	f := file.NewFIFO(ip, p, readable, writable)
	fd, err := t.Proc.Files.Alloc(f)
	if err != nil {
		f.Close()
		return -1, t.fail(err)
	}
	t.ok()
	return fd, 0
}

// mknodLike creates a non-directory inode and installs a caller-supplied
// type+permission Mode wholesale (fmtBits carries the ModeFmt bits: ModeChr
// for mknod, ModeFifo for mkfifo), replacing whatever fs.Create defaulted
// to rather than merging into it.
func (t *Task) mknodLike(path string, typ fs.FileType, major, minor int16, fmtBits, permMode uint32) syscall.Errno {
	t.Sys.Root.Log.Begin()
	ip, err := fs.Create(t.ns(), path, typ, major, minor, t.Proc.Creds)
	if err == nil {
		ip.Mode = fmtBits | (permMode &^ t.Proc.FS.Umask)
		err = ip.Iupdate()
		ip.Iunlockput()
	}
	if cerr := t.Sys.Root.Log.Commit(); err == nil {
		err = cerr
	}
	if err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

func (t *Task) Mknod(path string, major, minor int16, mode uint32) syscall.Errno {
	return t.mknodLike(path, fs.TypeDevice, major, minor, fs.ModeChr, mode)
}

func (t *Task) Mkfifo(path string, mode uint32) syscall.Errno {
	errno := t.mknodLike(path, fs.TypeFile, 0, 0, fs.ModeFifo, mode)
	if errno != 0 {
		return errno
	}
	ip, err := fs.Namei(t.ns(), path, t.Proc.Creds)
	if err != nil {
		return t.fail(err)
	}
	if err := ip.Ilock(); err != nil {
		return t.fail(err)
	}
	ip.FIFOPipe = pipe.NewFIFO()
	ip.Iunlockput()
	t.ok()
	return 0
}

func (t *Task) Mkdir(path string, mode uint32) syscall.Errno {
	t.Sys.Root.Log.Begin()
	ip, err := fs.Create(t.ns(), path, fs.TypeDir, 0, 0, t.Proc.Creds)
	if err == nil {
		ip.Mode = fs.ModeDir | (mode &^ t.Proc.FS.Umask)
		err = ip.Iupdate()
		ip.Iunlockput()
	}
	if cerr := t.Sys.Root.Log.Commit(); err == nil {
		err = cerr
	}
	if err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

func (t *Task) Chdir(path string) syscall.Errno {
	ip, err := fs.Namei(t.ns(), path, t.Proc.Creds)
	if err != nil {
		return t.fail(err)
	}
	if err := ip.Ilock(); err != nil {
		return t.fail(err)
	}
	if !ip.IsDir() {
		ip.Iunlockput()
		return t.fail(fs.ErrNotDir)
	}
	ip.Iunlock()

	old := t.Proc.FS.Cwd
	t.Proc.FS.Cwd = ip
	if old != nil {
		old.Iput()
	}
	t.ok()
	return 0
}

func (t *Task) Chroot(path string) syscall.Errno {
	ip, err := fs.Namei(t.ns(), path, t.Proc.Creds)
	if err != nil {
		return t.fail(err)
	}
	if !t.Proc.Creds.Root() {
		return t.fail(ugo.ErrPermission)
	}
	if err := ip.Ilock(); err != nil {
		return t.fail(err)
	}
	if !ip.IsDir() {
		ip.Iunlockput()
		return t.fail(fs.ErrNotDir)
	}
	ip.Iunlock()

	old := t.Proc.FS.Root
	t.Proc.FS.Root = ip
	if old != nil {
		old.Iput()
	}
	t.ok()
	return 0
}

// Link implements link(2) (spec.md §4.K), bumping the target's link count
// before installing the new directory entry and rolling the count back if
// that install fails — the same rollback-on-failure discipline spec.md §7
// calls for.
func (t *Task) Link(oldPath, newPath string) syscall.Errno {
	ip, err := fs.Namei(t.ns(), oldPath, t.Proc.Creds)
	if err != nil {
		return t.fail(err)
	}

	t.Sys.Root.Log.Begin()
	defer t.Sys.Root.Log.Commit()

	if err := ip.Ilock(); err != nil {
		ip.Iput()
		return t.fail(err)
	}
	if ip.IsDir() {
		ip.Iunlockput()
		return t.fail(fs.ErrPerm)
	}
	ip.Nlink++
	if err := ip.Iupdate(); err != nil {
		ip.Iunlockput()
		return t.fail(err)
	}
	ip.Iunlock()

	dp, name, err := fs.NameiParent(t.ns(), newPath, t.Proc.Creds)
	if err != nil {
		ip.Iput()
		return t.fail(err)
	}
	if err := dp.Ilock(); err != nil {
		ip.Iput()
		return t.fail(err)
	}
	if err := fs.Dirlink(dp, name, ip.Inum, t.Proc.Creds); err != nil {
		if lerr := ip.Ilock(); lerr == nil {
			ip.Nlink--
			ip.Iupdate()
			ip.Iunlockput()
		} else {
			ip.Iput()
		}
		dp.Iunlockput()
		return t.fail(err)
	}
	dp.Iunlockput()
	ip.Iput()
	t.ok()
	return 0
}

func (t *Task) Unlink(path string) syscall.Errno {
	t.Sys.Root.Log.Begin()
	dp, name, err := fs.NameiParent(t.ns(), path, t.Proc.Creds)
	if err == nil {
		if err = dp.Ilock(); err == nil {
			var target *fs.Inode
			target, _, err = fs.Dirlookup(dp, name, t.Proc.Creds)
			if err == nil {
				if err = target.Ilock(); err == nil {
					target.Nlink--
					err = target.Iupdate()
					target.Iunlock()
				}
				if err == nil {
					err = fs.Dirunlink(dp, name, t.Proc.Creds)
				}
				target.Iput()
			}
			dp.Iunlock()
		}
		dp.Iput()
	}
	if cerr := t.Sys.Root.Log.Commit(); err == nil {
		err = cerr
	}
	if err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

// --- memory ---

func (t *Task) Sbrk(n int) (uintptr, syscall.Errno) {
	old, err := t.Proc.MM.Sbrk(n)
	if err != nil {
		return 0, t.fail(err)
	}
	t.ok()
	return old, 0
}

func (t *Task) Mmap(addr, length uintptr, prot mm.Prot, flags mm.Flags, fd int, offset uint32) (uintptr, syscall.Errno) {
	var f *file.File
	if flags&mm.FlagAnonymous == 0 {
		var ok bool
		f, ok = t.Proc.Files.Get(fd)
		if !ok {
			return 0, t.fail(file.ErrBadFile)
		}
	}
	region, err := t.Proc.MM.Mmap(addr, length, prot, flags, f, offset)
	if err != nil {
		return 0, t.fail(err)
	}
	t.ok()
	return region.Addr, 0
}

// --- scheduling / clock ---

func (t *Task) Sleep(ticks int) {
	deadline := time.Now().Add(time.Duration(ticks) * 10 * time.Millisecond)
	for time.Now().Before(deadline) && !t.Proc.Killed {
		time.Sleep(time.Millisecond)
	}
	t.ok()
}

// Uptime reports simulated clock ticks since boot (spec.md §4.K uptime),
// ticking at the same 10ms-per-tick rate Sleep assumes.
func (t *Task) Uptime() int {
	return int(time.Since(t.Sys.boot) / (10 * time.Millisecond))
}

// --- identity ---

func (t *Task) Umask(mask uint32) uint32 {
	old := t.Proc.FS.Umask
	t.Proc.FS.Umask = mask & fs.ModePerm
	t.ok()
	return old
}

func (t *Task) Setreuid(r, e int64) syscall.Errno {
	if err := ugo.SetReUID(t.Proc.Creds, r, e); err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

func (t *Task) Setregid(r, e int64) syscall.Errno {
	if err := ugo.SetReGID(t.Proc.Creds, r, e); err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

func (t *Task) Getuid() uint32  { return t.Proc.Creds.UID }
func (t *Task) Geteuid() uint32 { return t.Proc.Creds.EUID }
func (t *Task) Getgid() uint32  { return t.Proc.Creds.GID }
func (t *Task) Getegid() uint32 { return t.Proc.Creds.EGID }

func (t *Task) Getgroups(size int) ([]uint32, syscall.Errno) {
	groups, err := ugo.GetGroups(t.Proc.Creds, size)
	if err != nil {
		return nil, t.fail(err)
	}
	t.ok()
	return groups, 0
}

func (t *Task) Setgroups(groups []uint32) syscall.Errno {
	if err := ugo.SetGroups(t.Proc.Creds, groups); err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

func (t *Task) Chmod(path string, mode uint32) syscall.Errno {
	ip, err := fs.Namei(t.ns(), path, t.Proc.Creds)
	if err != nil {
		return t.fail(err)
	}
	if err := ip.Ilock(); err != nil {
		return t.fail(err)
	}
	if !ugo.CanChmod(t.Proc.Creds, ugo.InodeOwner{UID: ip.UID, GID: ip.GID, Mode: ip.Mode}) {
		ip.Iunlockput()
		return t.fail(ugo.ErrPermission)
	}
	t.Sys.Root.Log.Begin()
	ip.Mode = (ip.Mode &^ fs.ModePerm) | (mode & fs.ModePerm)
	err = ip.Iupdate()
	if cerr := t.Sys.Root.Log.Commit(); err == nil {
		err = cerr
	}
	ip.Iunlockput()
	if err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

func (t *Task) Chown(path string, newUID, newGID int64) syscall.Errno {
	ip, err := fs.Namei(t.ns(), path, t.Proc.Creds)
	if err != nil {
		return t.fail(err)
	}
	if err := ip.Ilock(); err != nil {
		return t.fail(err)
	}
	owner := ugo.InodeOwner{UID: ip.UID, GID: ip.GID, Mode: ip.Mode}
	if !ugo.CanChown(t.Proc.Creds, owner, newUID, newGID) {
		ip.Iunlockput()
		return t.fail(ugo.ErrPermission)
	}
	t.Sys.Root.Log.Begin()
	if newUID >= 0 {
		ip.UID = uint32(newUID)
	}
	if newGID >= 0 {
		ip.GID = uint32(newGID)
	}
	if ugo.ClearSetID(t.Proc.Creds, ip.Mode&(fs.ModeSUID|fs.ModeSGID) != 0) {
		ip.Mode &^= fs.ModeSUID | fs.ModeSGID
	}
	err = ip.Iupdate()
	if cerr := t.Sys.Root.Log.Commit(); err == nil {
		err = cerr
	}
	ip.Iunlockput()
	if err != nil {
		return t.fail(err)
	}
	t.ok()
	return 0
}

// --- mount ---

// Mount registers fsys into the system's filesystem registry (spec.md
// §3 "Filesystem registration"); crossing into it from a directory
// traversal is not wired for arbitrary mount points, only the fixed
// /proc prefix resolveProcfs handles, since no on-disk directory entry
// carries a "this is a mount point" marker in this simulation.
func (t *Task) Mount(fsys *fs.Filesystem) syscall.Errno {
	if !t.Proc.Creds.Root() {
		return t.fail(ugo.ErrPermission)
	}
	t.Sys.Registry.Register(fsys)
	t.ok()
	return 0
}
