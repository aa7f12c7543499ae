// Package sys implements system-call argument marshalling and the
// syscall entry points themselves (spec.md §4.K): ArgInt/ArgPtr/ArgStr
// validate a simulated user argument vector, and every entry point
// translates internal errors into a non-negative errno delivered through
// a per-task errno cell.
package sys

import (
	"syscall"
	"time"

	"github.com/pkg/errors"
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

var ErrBadArg = errors.New("sys: EINVAL: bad syscall argument")

// ArgInt bounds-checks args[n] (spec.md §4.K argint).
func ArgInt(args []int, n int) (int, error) {
	if n < 0 || n >= len(args) {
		return 0, ErrBadArg
	}
	return args[n], nil
}

// ArgStr validates a string argument against a maximum length (spec.md
// §4.K argstr, replacing the original's user/kernel copy-in with a plain
// bounds check since there is no separate address space to fault into).
func ArgStr(s string, maxLen int) (string, error) {
	if len(s) == 0 || len(s) > maxLen {
		return "", ErrBadArg
	}
	return s, nil
}

// ArgPtr validates a simulated pointer argument is present when the
// syscall requires one (spec.md §4.K argptr).
func ArgPtr(p any) error {
	if p == nil {
		return ErrBadArg
	}
	return nil
}

// System is the shared, process-table-wide state every Task's syscalls
// operate against: the process table, the root filesystem, and the
// procfs registration spec.md §4.M describes.
type System struct {
	Table         *proc.Table
	Root          *fs.Filesystem
	Registry      *fs.Registry
	ProcFS        *procfs.FS
	ProcFilesystem *fs.Filesystem
	boot          time.Time
}

func NewSystem(table *proc.Table, root *fs.Filesystem, registry *fs.Registry, procFilesystem *fs.Filesystem, procfs_ *procfs.FS) *System {
	return &System{
		Table: table, Root: root, Registry: registry,
		ProcFilesystem: procFilesystem, ProcFS: procfs_,
		boot: bootTime(),
	}
}

// bootTime returns time.Now(); NewSystem calls it exactly once.
func bootTime() time.Time { return time.Now() }

// Task is the per-process handle syscalls are issued through (spec.md
// §4.K: "a per-process errno cell").
type Task struct {
	Sys   *System
	Proc  *proc.Process
	errno syscall.Errno
}

func NewTask(sys *System, p *proc.Process) *Task {
	return &Task{Sys: sys, Proc: p}
}

func (t *Task) Errno() syscall.Errno { return t.errno }

func (t *Task) ns() fs.NameState {
	return fs.NameState{Root: t.Proc.FS.Root, Cwd: t.Proc.FS.Cwd}
}

// fail records err's errno and returns the syscall.Errno for propagation
// to the caller via a -1 return; ok clears the cell.
func (t *Task) fail(err error) syscall.Errno {
	e := toErrno(err)
	t.errno = e
	return e
}

func (t *Task) ok() { t.errno = 0 }

// toErrno maps an internal error to the POSIX errno the original kernel
// would have encoded as a negative return value (spec.md §9: pointer-
// encoded errors become Go errors at every layer, and only the syscall
// boundary flattens them back to an errno).
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, fs.ErrNotDir):
		return unix.ENOTDIR
	case errors.Is(err, fs.ErrIsDir):
		return unix.EISDIR
	case errors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case errors.Is(err, fs.ErrPerm):
		return unix.EPERM
	case errors.Is(err, fs.ErrAccess):
		return unix.EACCES
	case errors.Is(err, fs.ErrNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, fs.ErrInvalid):
		return unix.EINVAL
	case errors.Is(err, fs.ErrIO):
		return unix.EIO
	case errors.Is(err, fs.ErrNoSpace):
		return unix.ENOSPC
	case errors.Is(err, fs.ErrCrossDev):
		return unix.EXDEV
	case errors.Is(err, fs.ErrNameTooLong):
		return unix.ENAMETOOLONG
	case errors.Is(err, file.ErrBadFile):
		return unix.EBADF
	case errors.Is(err, file.ErrNotSeekable):
		return unix.ESPIPE
	case errors.Is(err, pipe.ErrClosed):
		return unix.EPIPE
	case errors.Is(err, pipe.ErrGone):
		return unix.ENOENT
	case errors.Is(err, pipe.ErrNoReader):
		return unix.ENXIO
	case errors.Is(err, proc.ErrNoProc):
		return unix.EAGAIN
	case errors.Is(err, proc.ErrNoChildren):
		return unix.ECHILD
	case errors.Is(err, proc.ErrPermission):
		return unix.EPERM
	case errors.Is(err, proc.ErrInitExit):
		return unix.EPERM
	case errors.Is(err, ugo.ErrPermission):
		return unix.EPERM
	case errors.Is(err, mm.ErrInvalidFlags), errors.Is(err, mm.ErrProtMismatch):
		return unix.EINVAL
	case errors.Is(err, mm.ErrNoMem):
		return unix.ENOMEM
	case errors.Is(err, execve.ErrLoop):
		return unix.ELOOP
	case errors.Is(err, execve.ErrBadELF):
		return unix.ENOEXEC
	case errors.Is(err, execve.ErrTooManyArg):
		return unix.E2BIG
	case errors.Is(err, ErrBadArg):
		return unix.EINVAL
	default:
		return unix.EIO
	}
}
