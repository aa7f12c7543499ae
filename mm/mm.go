// Package mm implements the per-process address space, mmap regions, and
// fork's copy/share semantics (spec.md §4.G, §3 "Memory map"/"Region"). A
// real x86 page directory is out of scope (spec.md §1); this package
// simulates one as a map from page-aligned address to *Frame, the
// Go-idiomatic stand-in Design Notes §9 calls for.
package mm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/xv6go/kernel/file"
)

// PageSize matches slab.PageSize; address-space pages and slab pages are
// distinct concerns but share the platform page size.
const PageSize = 4096

// Prot mirrors PROT_READ/WRITE/EXEC.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) Has(bit Prot) bool { return p&bit == bit }

// Flags mirrors MAP_SHARED/MAP_PRIVATE/MAP_ANONYMOUS.
type Flags uint8

const (
	FlagShared Flags = 1 << iota
	FlagPrivate
	FlagAnonymous
)

var (
	ErrInvalidFlags = errors.New("mm: mmap requires exactly one of SHARED/PRIVATE")
	ErrProtMismatch = errors.New("mm: file handle does not support requested protection")
	ErrNoMem        = errors.New("mm: out of address space")
)

// Frame is one simulated physical page: the byte-addressable backing
// store, the permission bits the fault handler last installed, and
// whether a write has touched it since it was last clean (spec.md §4.G's
// PTE_D: "write-back only if the region is SHARED-non-anonymous and
// dirty").
type Frame struct {
	Data  [PageSize]byte
	Prot  Prot
	Dirty bool
}

// Region is one mmap'd span of a process's address space (spec.md §3
// "Region").
type Region struct {
	Addr   uintptr
	Length uintptr
	Prot   Prot
	Flags  Flags
	File   *file.File
	Offset uint32

	mu   sync.Mutex
	refs int
}

// AddressSpace is one `mm` (spec.md §3 "Memory map"): a simulated page
// table, the process-memory size (the brk-growable low region), and the
// mmap region list. pagesMu/regionsMu mirror the two distinct locks
// spec.md calls for.
type AddressSpace struct {
	pagesMu sync.Mutex
	pages   map[uintptr]*Frame

	regionsMu sync.Mutex
	regions   []*Region

	size uintptr // brk-managed process memory size
	refs int     // shared by CLONE_VM threads
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{pages: make(map[uintptr]*Frame), refs: 1}
}

func pageAlign(addr uintptr) uintptr { return addr &^ (PageSize - 1) }

// Sbrk grows (or, if n is negative, shrinks) the process memory size by n
// bytes and returns the previous break (spec.md §4.K sbrk syscall).
func (as *AddressSpace) Sbrk(n int) (uintptr, error) {
	as.regionsMu.Lock()
	defer as.regionsMu.Unlock()

	old := as.size
	if n < 0 && uintptr(-n) > old {
		return 0, ErrNoMem
	}
	newSize := uintptr(int(old) + n)

	if n > 0 {
		as.pagesMu.Lock()
		for a := pageAlign(old); a < newSize; a += PageSize {
			if _, ok := as.pages[a]; !ok {
				as.pages[a] = &Frame{Prot: ProtRead | ProtWrite}
			}
		}
		as.pagesMu.Unlock()
	} else if n < 0 {
		as.pagesMu.Lock()
		for a := pageAlign(newSize) + PageSize; a < pageAlign(old)+PageSize; a += PageSize {
			delete(as.pages, a)
		}
		as.pagesMu.Unlock()
	}

	as.size = newSize
	return old, nil
}

// Mmap creates a new region (spec.md §4.G): validates the SHARED/PRIVATE
// flag pair, pre-faults the region PRESENT+WRITE and zeroes it, reads the
// backing file at offset for non-anonymous maps, then resets permissions
// to match prot.
func (as *AddressSpace) Mmap(addr, length uintptr, prot Prot, flags Flags, f *file.File, offset uint32) (*Region, error) {
	shared := flags&FlagShared != 0
	private := flags&FlagPrivate != 0
	if shared == private {
		return nil, ErrInvalidFlags
	}

	if flags&FlagAnonymous == 0 {
		if f == nil || f.Kind() != file.KindInode {
			return nil, ErrProtMismatch
		}
	}

	length = (length + PageSize - 1) &^ (PageSize - 1)

	as.pagesMu.Lock()
	for a := addr; a < addr+length; a += PageSize {
		as.pages[a] = &Frame{Prot: ProtRead | ProtWrite}
	}
	as.pagesMu.Unlock()

	if flags&FlagAnonymous == 0 {
		buf := make([]byte, length)
		if err := f.Seek(offset); err != nil {
			return nil, err
		}
		n, err := f.Read(buf, nil)
		if err != nil && n == 0 {
			return nil, err
		}
		as.pagesMu.Lock()
		for i := 0; i < n; i++ {
			a := addr + uintptr(i&^(PageSize-1))
			as.pages[a].Data[uintptr(i)%PageSize] = buf[i]
		}
		as.pagesMu.Unlock()
	}

	as.pagesMu.Lock()
	for a := addr; a < addr+length; a += PageSize {
		as.pages[a].Prot = prot
	}
	as.pagesMu.Unlock()

	r := &Region{Addr: addr, Length: length, Prot: prot, Flags: flags, Offset: offset, refs: 1}
	if f != nil {
		r.File = f.Dup()
	}

	as.regionsMu.Lock()
	as.regions = append(as.regions, r)
	as.regionsMu.Unlock()
	return r, nil
}

// PageFault handles a fault at addr. Per spec.md §9's unresolved Open
// Question, a write fault always installs PRESENT+WRITE regardless of the
// region's declared prot; read-fault admission on a PROT_READ-only region
// is likewise left unchecked here.
//
// TODO: spec.md leaves open whether a read fault against a write-only or
// no-access region should be admitted; until that's decided both read and
// write faults unconditionally succeed.
func (as *AddressSpace) PageFault(addr uintptr, write bool) error {
	a := pageAlign(addr)
	as.pagesMu.Lock()
	defer as.pagesMu.Unlock()
	f, ok := as.pages[a]
	if !ok {
		f = &Frame{}
		as.pages[a] = f
	}
	if write {
		f.Prot |= ProtWrite
		f.Dirty = true
	}
	return nil
}

// Store writes b into the page-table-backed memory starting at addr,
// the simulated stand-in for a user instruction actually touching mmap'd
// memory (since there is no MMU to trap a real store into a page-fault
// handler here). Every page the write touches is faulted in first via
// PageFault, which is what marks it dirty.
func (as *AddressSpace) Store(addr uintptr, b []byte) error {
	for i := range b {
		va := addr + uintptr(i)
		if err := as.PageFault(va, true); err != nil {
			return err
		}
		as.pagesMu.Lock()
		as.pages[pageAlign(va)].Data[va%PageSize] = b[i]
		as.pagesMu.Unlock()
	}
	return nil
}

// LoadSegment installs data at addr with the given protection (spec.md
// §4.J step 4: "allocate and load each PT_LOAD segment"), zero-filling the
// remainder of the last page the way a real loader's bss tail does.
func (as *AddressSpace) LoadSegment(addr uintptr, data []byte, prot Prot) error {
	as.pagesMu.Lock()
	defer as.pagesMu.Unlock()

	for a := pageAlign(addr); a < addr+uintptr(len(data)); a += PageSize {
		if _, ok := as.pages[a]; !ok {
			as.pages[a] = &Frame{}
		}
	}
	for i, b := range data {
		va := addr + uintptr(i)
		as.pages[pageAlign(va)].Data[va%PageSize] = b
	}
	for a := pageAlign(addr); a < addr+uintptr(len(data)); a += PageSize {
		as.pages[a].Prot = prot
	}
	return nil
}

// Unmap replaces each page in [addr, addr+length) with a frame carrying no
// permission bits (spec.md §4.J's guard page: present in the table but
// inaccessible).
func (as *AddressSpace) Unmap(addr, length uintptr) {
	as.pagesMu.Lock()
	defer as.pagesMu.Unlock()
	for a := pageAlign(addr); a < addr+length; a += PageSize {
		as.pages[a] = &Frame{Prot: 0}
	}
}

// Clone implements fork's address-space handoff (spec.md §4.G): CLONE_VM
// shares as (refcount++); otherwise every page is duplicated and every
// region is either deep-copied (PRIVATE) or re-mapped onto the same
// frames (SHARED), matching the parent's re-walk-and-remap description.
func (as *AddressSpace) Clone(shareVM bool) (*AddressSpace, error) {
	if shareVM {
		as.regionsMu.Lock()
		as.refs++
		as.regionsMu.Unlock()
		return as, nil
	}

	child := NewAddressSpace()
	child.size = as.size

	as.pagesMu.Lock()
	for a, f := range as.pages {
		cp := *f
		child.pages[a] = &cp
	}
	as.pagesMu.Unlock()

	as.regionsMu.Lock()
	defer as.regionsMu.Unlock()
	for _, r := range as.regions {
		r.mu.Lock()
		cr := *r
		if r.Flags&FlagShared != 0 {
			r.refs++
			cr.refs = r.refs
			as.pagesMu.Lock()
			for a := r.Addr; a < r.Addr+r.Length; a += PageSize {
				if f, ok := as.pages[a]; ok {
					child.pages[a] = f
				}
			}
			as.pagesMu.Unlock()
		} else {
			cr.refs = 1
			if r.File != nil {
				cr.File = r.File.Dup()
			}
		}
		r.mu.Unlock()
		child.regions = append(child.regions, &cr)
	}
	return child, nil
}

// Teardown drops a thread's reference to as, writing back dirty SHARED
// file-backed regions before the last reference releases the page table
// (spec.md §4.H step 2: "writing back any shared-dirty mmap pages"). Like
// file.File.Write, any resulting inode write must run inside the caller's
// own active transaction.
func (as *AddressSpace) Teardown() error {
	as.regionsMu.Lock()
	as.refs--
	last := as.refs == 0
	regions := as.regions
	as.regionsMu.Unlock()
	if !last {
		return nil
	}

	for _, r := range regions {
		if r.Flags&FlagShared == 0 || r.File == nil {
			continue
		}

		for a := r.Addr; a < r.Addr+r.Length; a += PageSize {
			as.pagesMu.Lock()
			f, ok := as.pages[a]
			dirty := ok && f.Dirty
			var page [PageSize]byte
			if dirty {
				page = f.Data
				f.Dirty = false
			}
			as.pagesMu.Unlock()
			if !dirty {
				continue
			}

			if err := r.File.Seek(r.Offset + uint32(a-r.Addr)); err != nil {
				return err
			}
			if _, err := r.File.Write(page[:], nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Regions returns a snapshot of the region list, for procfs's memory
// report.
func (as *AddressSpace) Regions() []*Region {
	as.regionsMu.Lock()
	defer as.regionsMu.Unlock()
	out := make([]*Region, len(as.regions))
	copy(out, as.regions)
	return out
}

func (as *AddressSpace) Size() uintptr {
	as.regionsMu.Lock()
	defer as.regionsMu.Unlock()
	return as.size
}
