// Package proc implements the process/thread table, sleep/wakeup, and the clone/fork/exit/wait/kill lifecycle (spec.md §4.H,
// §4.I, §3 "Process"/"Process table"). Each process is a Go goroutine;
// the Go runtime is the scheduler Design Notes §9 says to lean on, so
// Table contributes the shared bookkeeping (state machine, sibling/
// thread-group lists, sleep/wakeup wait channels) rather than a hand-
// rolled context switch.
package proc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/xv6go/kernel/file"
	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/mm"
	"github.com/xv6go/kernel/ugo"
)

// State mirrors the UNUSED/EMBRYO/SLEEPING/RUNNABLE/RUNNING/ZOMBIE machine
// (spec.md §3 "Process").
type State int

const (
	Unused State = iota
	Embryo
	Sleeping
	Runnable
	Running
	Zombie
)

// NOFILE bounds the files table array (spec.md §3 "Files table": "typically
// 16 entries").
const NOFILE = 16

var (
	ErrNoProc     = errors.New("proc: no free process slot")
	ErrNoChildren = errors.New("proc: no children to wait for")
	ErrPermission = errors.New("proc: EPERM")
	ErrInitExit   = errors.New("proc: init may not exit")
)

// FileTable is the shared, reference-counted descriptor array (spec.md §3
// "Files table").
type FileTable struct {
	mu    sync.Mutex
	files [NOFILE]*file.File
	refs  int
}

func newFileTable() *FileTable { return &FileTable{refs: 1} }

func (ft *FileTable) clone(shared bool) *FileTable {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if shared {
		ft.refs++
		return ft
	}
	cp := newFileTable()
	for i, f := range ft.files {
		if f != nil {
			cp.files[i] = f.Dup()
		}
	}
	return cp
}

// Alloc installs f at the lowest free descriptor, implementing spec.md
// §3's "Files table" allocation contract.
func (ft *FileTable) Alloc(f *file.File) (int, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, cur := range ft.files {
		if cur == nil {
			ft.files[i] = f
			return i, nil
		}
	}
	return -1, errors.New("proc: too many open files")
}

func (ft *FileTable) Get(fd int) (*file.File, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if fd < 0 || fd >= NOFILE || ft.files[fd] == nil {
		return nil, false
	}
	return ft.files[fd], true
}

func (ft *FileTable) Close(fd int) (*file.File, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if fd < 0 || fd >= NOFILE || ft.files[fd] == nil {
		return nil, false
	}
	f := ft.files[fd]
	ft.files[fd] = nil
	return f, true
}

func (ft *FileTable) release() (closing []*file.File, last bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.refs--
	if ft.refs > 0 {
		return nil, false
	}
	for i, f := range ft.files {
		if f != nil {
			closing = append(closing, f)
			ft.files[i] = nil
		}
	}
	return closing, true
}

// FSInfo is the shared current-root/cwd/umask triple (spec.md §3 "FS
// info").
type FSInfo struct {
	mu    sync.Mutex
	Root  *fs.Inode
	Cwd   *fs.Inode
	Umask uint32
	refs  int
}

func newFSInfo(root, cwd *fs.Inode) *FSInfo {
	return &FSInfo{Root: root, Cwd: cwd, refs: 1}
}

func (fi *FSInfo) clone(shared bool) *FSInfo {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if shared {
		fi.refs++
		return fi
	}
	root, cwd := fi.Root, fi.Cwd
	if root != nil {
		root = root.Idup()
	}
	if cwd != nil {
		cwd = cwd.Idup()
	}
	return newFSInfo(root, cwd)
}

func (fi *FSInfo) release() bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.refs--
	return fi.refs == 0
}

// Process is one process-table entry (spec.md §3 "Process"). Fields the
// original keeps for raw context-switch bookkeeping (kernel stack, trap
// frame, saved context) have no Go analogue: the goroutine's own stack and
// the scheduler's channel handoff serve that role instead.
type Process struct {
	Pid   int
	Name  string
	State State

	Parent   *Process
	Children []*Process

	TGID        int
	GroupLeader *Process
	ThreadGroup []*Process
	Detached    bool

	Creds *ugo.Creds
	Files *FileTable
	FS    *FSInfo
	MM    *mm.AddressSpace

	Killed   bool
	ExitCode int

	sleepChan any

	done chan struct{} // closed when Exit finishes with this process, for Shutdown
}

func (p *Process) IsZombie() bool { return p.State == Zombie }
