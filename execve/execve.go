// Package execve implements the exec program loader (spec.md §4.J): ELF
// PT_LOAD segment loading, script shebang recursion, stack/argv/envp
// construction, and set-uid/gid application.
package execve

import (
	"bytes"
	"debug/elf"
	"strings"

	"github.com/pkg/errors"

	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/mm"
	"github.com/xv6go/kernel/proc"
	"github.com/xv6go/kernel/ugo"
)

// MaxRecursion bounds shebang chaining (spec.md §4.J step 1: "initial 5").
const MaxRecursion = 5

// MaxArg bounds the argv/envp vector length and one shebang interpreter
// line (spec.md §4.J step 3).
const MaxArg = 32

var (
	ErrLoop       = errors.New("execve: ELOOP")
	ErrBadELF     = errors.New("execve: malformed ELF header")
	ErrTooManyArg = errors.New("execve: argument list too long")
)

// StackTop is the fixed simulated address the argv/envp/argument-pointer
// block is written beneath (no real page directory exists to place it
// dynamically; spec.md §1 puts descriptor-table/paging hardware out of
// scope).
const StackTop uintptr = 0xE0000000

const guardSize = mm.PageSize

// Exec implements spec.md §4.J in full: resolves path, requires exec
// permission, follows a bounded shebang chain, then loads an ELF image,
// builds the guard+stack pages, applies set-uid/gid, and replaces p's mm.
// On any failure the caller's process is left unmodified.
func Exec(table *proc.Table, p *proc.Process, ns fs.NameState, path string, argv, envp []string) error {
	return exec(table, p, ns, path, argv, envp, MaxRecursion)
}

func exec(table *proc.Table, p *proc.Process, ns fs.NameState, path string, argv, envp []string, depth int) error {
	if depth < 0 {
		return ErrLoop
	}

	ip, err := fs.Namei(ns, path, p.Creds)
	if err != nil {
		return err
	}
	if err := ip.Ilock(); err != nil {
		return err
	}

	if !p.Creds.Root() {
		perm := ugo.Evaluate(p.Creds, ugo.InodeOwner{UID: ip.UID, GID: ip.GID, Mode: ip.Mode})
		if !perm.Allows(ugo.PermExec) {
			ip.Iunlockput()
			return fs.ErrPerm
		}
	}

	var head [2]byte
	if _, err := ip.Readi(head[:], 0); err != nil {
		ip.Iunlockput()
		return err
	}

	if head[0] == '#' && head[1] == '!' {
		interp, args, err := readShebang(ip)
		ip.Iunlockput()
		if err != nil {
			return err
		}
		newArgv := append([]string{}, interp...)
		newArgv = append(newArgv, args...)
		newArgv = append(newArgv, path)
		if len(argv) > 1 {
			newArgv = append(newArgv, argv[1:]...)
		}
		if len(newArgv) > MaxArg {
			return ErrTooManyArg
		}
		return exec(table, p, ns, newArgv[0], newArgv, envp, depth-1)
	}

	content := make([]byte, ip.Size)
	if _, err := ip.Readi(content, 0); err != nil {
		ip.Iunlockput()
		return err
	}

	elfFile, err := elf.NewFile(bytes.NewReader(content))
	if err != nil {
		ip.Iunlockput()
		return errors.Wrap(ErrBadELF, err.Error())
	}

	newMM := mm.NewAddressSpace()
	for _, prog := range elfFile.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			ip.Iunlockput()
			return errors.Wrap(err, "execve: reading PT_LOAD segment")
		}
		prot := progProt(prog.Flags)
		if err := newMM.LoadSegment(uintptr(prog.Vaddr), data, prot); err != nil {
			ip.Iunlockput()
			return err
		}
	}

	stackPage := StackTop - mm.PageSize
	guardPage := stackPage - guardSize
	newMM.Unmap(guardPage, guardSize)

	sp, err := buildStack(newMM, stackPage, argv, envp)
	if err != nil {
		ip.Iunlockput()
		return err
	}

	mode, fileUID, fileGID := ip.Mode, ip.UID, ip.GID
	ip.Iunlockput()

	applySetID(p.Creds, mode, fileUID, fileGID)

	// exec kills every other thread in the calling process's group and
	// continues as a new, singleton thread group (spec.md §4.J step 6);
	// unlike exit_group the calling thread itself survives.
	if gl := p.GroupLeader; gl != nil {
		for _, sibling := range gl.ThreadGroup {
			if sibling != p {
				_ = table.Kill(p, sibling, nil)
			}
		}
	}
	p.GroupLeader = p
	p.TGID = p.Pid
	p.ThreadGroup = nil

	oldMM := p.MM
	p.MM = newMM
	oldMM.Teardown()

	// entry/sp describe where the new image begins execution and its
	// initial stack pointer; there is no trap frame to install them into
	// (spec.md §1 puts the boot/context-switch assembly out of scope), so
	// a real caller would thread these through to whatever register state
	// its own goroutine uses to resume user code.
	_, _ = elfFile.Entry, sp
	return nil
}

func progProt(flags elf.ProgFlag) mm.Prot {
	var p mm.Prot
	if flags&elf.PF_R != 0 {
		p |= mm.ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= mm.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= mm.ProtExec
	}
	return p
}

// readShebang reads up to one page of the interpreter line and tokenizes
// it on spaces/tabs (spec.md §4.J step 3).
func readShebang(ip *fs.Inode) (interp []string, args []string, err error) {
	buf := make([]byte, mm.PageSize)
	n, err := ip.Readi(buf, 0)
	if err != nil {
		return nil, nil, err
	}
	line := buf[:n]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimPrefix(line, []byte("#!"))
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return nil, nil, ErrBadELF
	}
	if len(fields) > MaxArg {
		return nil, nil, ErrTooManyArg
	}
	return fields[:1], fields[1:], nil
}

// buildStack copies argv then envp strings onto the stack at descending,
// 4-byte-aligned addresses, then writes the
// [argc, argv_ptrs..., 0, envp_ptrs..., 0] pointer block beneath them
// (spec.md §4.J step 5), returning the new stack pointer.
func buildStack(as *mm.AddressSpace, stackPage uintptr, argv, envp []string) (uintptr, error) {
	if len(argv) > MaxArg || len(envp) > MaxArg {
		return 0, ErrTooManyArg
	}

	sp := stackPage + mm.PageSize
	strAddrs := make([]uintptr, 0, len(argv)+len(envp))

	for _, group := range [][]string{envp, argv} {
		addrs := make([]uintptr, len(group))
		for i := len(group) - 1; i >= 0; i-- {
			s := group[i] + "\x00"
			sp -= uintptr(len(s))
			sp &^= 3
			if err := as.LoadSegment(sp, []byte(s), mm.ProtRead|mm.ProtWrite); err != nil {
				return 0, err
			}
			addrs[i] = sp
		}
		strAddrs = append(strAddrs, addrs...)
	}
	envAddrs := strAddrs[:len(envp)]
	argAddrs := strAddrs[len(envp):]

	var ptrBlock []byte
	putWord := func(v uint32) {
		ptrBlock = append(ptrBlock, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	putWord(uint32(len(argv)))
	for _, a := range argAddrs {
		putWord(uint32(a))
	}
	putWord(0)
	for _, a := range envAddrs {
		putWord(uint32(a))
	}
	putWord(0)

	sp -= uintptr(len(ptrBlock))
	sp &^= 3
	if err := as.LoadSegment(sp, ptrBlock, mm.ProtRead|mm.ProtWrite); err != nil {
		return 0, err
	}
	return sp, nil
}

// applySetID implements spec.md §4.J step 6: a set-uid/set-gid binary's
// owner becomes the new effective id, the old effective ids are saved,
// and a real identity change drops supplementary groups.
func applySetID(creds *ugo.Creds, mode, fileUID, fileGID uint32) {
	oldEUID, oldEGID := creds.EUID, creds.EGID
	if mode&fs.ModeSUID != 0 {
		creds.EUID = fileUID
	}
	if mode&fs.ModeSGID != 0 {
		creds.EGID = fileGID
	}
	creds.SUID = oldEUID
	creds.SGID = oldEGID
	if creds.EUID != oldEUID || creds.EGID != oldEGID {
		creds.Groups = nil
	}
}
