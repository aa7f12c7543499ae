package proc

import (
	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/mm"
	"github.com/xv6go/kernel/ugo"
)

// Clone flag bits (spec.md §4.H).
type CloneFlags int

const (
	CloneVM CloneFlags = 1 << iota
	CloneFiles
	CloneFS
	CloneThread
	CloneParent
)

// Clone is the single lifecycle primitive (spec.md §4.H): allocate a new
// EMBRYO process and wire up its mm/files/fs-info/parent/thread-group
// according to flags, copying credentials, name, and supplementary
// groups verbatim.
func (t *Table) Clone(parent *Process, childStack uintptr, flags CloneFlags) (*Process, error) {
	child := t.Alloc(parent.Name)

	t.mu.Lock()
	creds := *parent.Creds
	creds.Groups = append([]uint32(nil), parent.Creds.Groups...)
	child.Creds = &creds

	if flags&CloneVM != 0 {
		child.MM, _ = parent.MM.Clone(true)
	} else {
		mmChild, err := parent.MM.Clone(false)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		child.MM = mmChild
	}

	if flags&CloneFiles != 0 {
		child.Files = parent.Files.clone(true)
	} else {
		child.Files = parent.Files.clone(false)
	}

	if flags&CloneFS != 0 {
		child.FS = parent.FS.clone(true)
	} else {
		child.FS = parent.FS.clone(false)
	}

	switch {
	case flags&CloneThread != 0:
		child.GroupLeader = parent.GroupLeader
		child.TGID = parent.GroupLeader.Pid
		child.Detached = true
		parent.GroupLeader.ThreadGroup = append(parent.GroupLeader.ThreadGroup, child)
	}

	switch {
	case flags&(CloneThread|CloneParent) != 0:
		child.Parent = parent.Parent
	default:
		child.Parent = parent
	}
	if child.Parent != nil {
		child.Parent.Children = append(child.Parent.Children, child)
	}

	child.State = Runnable
	t.mu.Unlock()

	_ = childStack // no real user stack pointer to override in the simulation
	return child, nil
}

// Fork is clone(nil, 0) (spec.md §4.H).
func (t *Table) Fork(parent *Process) (*Process, error) {
	return t.Clone(parent, 0, 0)
}

// SpawnThread is clone(stack, CLONE_VM|CLONE_FILES|CLONE_FS|CLONE_THREAD)
// (spec.md §4.H "Thread creation").
func (t *Table) SpawnThread(parent *Process, stack uintptr) (*Process, error) {
	return t.Clone(parent, stack, CloneVM|CloneFiles|CloneFS|CloneThread)
}

// Exit implements spec.md §4.H exit(): disallow for init, release files/
// fs-info/mm, wake the parent, reparent children to init, and transition
// to ZOMBIE (or UNUSED if detached).
func (t *Table) Exit(p *Process, init *Process, code int, cond *condPair) error {
	if p == init {
		return ErrInitExit
	}

	if closing, last := p.Files.release(); last {
		for _, f := range closing {
			f.Close()
		}
	}
	if last := p.FS.release(); last {
		if p.FS.Root != nil {
			p.FS.Root.Iput()
		}
		if p.FS.Cwd != nil {
			p.FS.Cwd.Iput()
		}
	}
	p.MM.Teardown()

	t.mu.Lock()
	p.ExitCode = code
	if p.Parent != nil && p.Detached {
		removeChild(p.Parent, p)
	}
	for _, c := range p.Children {
		c.Parent = init
		init.Children = append(init.Children, c)
	}
	p.Children = nil
	if gl := p.GroupLeader; gl != nil {
		removeThreadGroupMember(gl, p)
	}

	if p.Detached {
		p.State = Unused
	} else {
		p.State = Zombie
	}
	t.mu.Unlock()

	close(p.done)

	if cond != nil {
		if p.Parent != nil {
			cond.wake(p.Parent)
		}
		cond.wake(init)
	}
	if p.State == Unused {
		t.free(p)
	}
	return nil
}

// condPair is the minimal wait-channel handle Exit/Wait need to notify a
// parent or init; sys wires this to the same sleep/wakeup primitives
// Table.Sleep/Wakeup use.
type condPair struct {
	Wake func(p *Process)
}

func (c *condPair) wake(p *Process) {
	if c != nil && c.Wake != nil {
		c.Wake(p)
	}
}

func removeChild(parent, child *Process) {
	for i, c := range parent.Children {
		if c == child {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return
		}
	}
}

func removeThreadGroupMember(leader, member *Process) {
	for i, m := range leader.ThreadGroup {
		if m == member {
			leader.ThreadGroup = append(leader.ThreadGroup[:i], leader.ThreadGroup[i+1:]...)
			return
		}
	}
}

// ExitGroup marks every thread-group sibling killed, then exits the
// caller (spec.md §4.H "exit_group").
func (t *Table) ExitGroup(p *Process, init *Process, code int, cond *condPair) error {
	t.mu.Lock()
	for _, m := range p.GroupLeader.ThreadGroup {
		m.Killed = true
	}
	p.GroupLeader.Killed = true
	t.mu.Unlock()

	return t.Exit(p, init, code, cond)
}

// Wait scans p's children for a non-detached ZOMBIE, reaps it, and
// returns its pid (spec.md §4.H "wait").
func (t *Table) Wait(p *Process) (int, error) {
	t.mu.Lock()
	var zombie *Process
	anyChildren := false
	for _, c := range p.Children {
		if c.Detached {
			continue
		}
		anyChildren = true
		if c.State == Zombie {
			zombie = c
			break
		}
	}
	if !anyChildren {
		t.mu.Unlock()
		return -1, ErrNoChildren
	}
	if zombie == nil {
		t.mu.Unlock()
		return -1, nil // caller should Sleep on p and retry
	}
	removeChild(p, zombie)
	zombie.State = Unused
	t.mu.Unlock()

	t.free(zombie)
	return zombie.Pid, nil
}

// Kill sets p's killed flag, rejecting non-root callers whose real/
// effective uid doesn't match the target's real/saved uid (spec.md §4.H
// "kill").
func (t *Table) Kill(caller, target *Process, cond *condPair) error {
	if !caller.Creds.Root() {
		ok := caller.Creds.UID == target.Creds.UID || caller.Creds.EUID == target.Creds.UID ||
			caller.Creds.UID == target.Creds.SUID || caller.Creds.EUID == target.Creds.SUID
		if !ok {
			return ErrPermission
		}
	}

	t.mu.Lock()
	target.Killed = true
	wasSleeping := target.State == Sleeping
	if wasSleeping {
		target.State = Runnable
	}
	t.mu.Unlock()

	if wasSleeping {
		cond.wake(target)
	}
	return nil
}

// newProcessFileSet is a convenience constructor userinit-style callers
// use to give a freshly allocated process its first mm/files/fs-info.
func newProcessFileSet(root, cwd *fs.Inode) (*mm.AddressSpace, *FileTable, *FSInfo) {
	return mm.NewAddressSpace(), newFileTable(), newFSInfo(root, cwd)
}

// UserInit builds the first process (spec.md's userinit): allocated
// directly rather than via Clone since it has no parent.
func (t *Table) UserInit(root, cwd *fs.Inode, creds *ugo.Creds) *Process {
	p := t.Alloc("init")
	as, ft, fi := newProcessFileSet(root, cwd)
	t.mu.Lock()
	p.MM, p.Files, p.FS, p.Creds = as, ft, fi, creds
	p.State = Runnable
	t.mu.Unlock()
	return p
}
