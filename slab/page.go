// Package slab implements the fixed-size object cache layered over a page
// allocator (spec.md §4.A). It replaces the original's null-pointer
// exhaustion sentinel with a typed error, per the Design Notes' `Result<T,
// ErrorKind>` recommendation.
package slab

import (
	"sync"

	"github.com/pkg/errors"
)

// PageSize is the unit the page allocator vends.
const PageSize = 4096

// ErrOOM is returned when the page allocator has no free pages left.
var ErrOOM = errors.New("slab: out of memory")

// Page is one allocator-managed unit of backing storage. Addr is a stable
// identity used by Cache's address-hashed header table; Buf is the zeroed
// storage itself.
type Page struct {
	Addr uintptr
	Buf  [PageSize]byte
}

// PageAllocator hands out fixed-size pages from a preallocated arena,
// simulating physical memory (spec.md §1 treats real physical-memory
// management as out of scope; this is the in-process stand-in every other
// component builds on).
type PageAllocator struct {
	mu    sync.Mutex
	free  []*Page
	total int
}

// NewPageAllocator creates an allocator with npages pages of backing store.
func NewPageAllocator(npages int) *PageAllocator {
	a := &PageAllocator{total: npages}
	for i := 0; i < npages; i++ {
		p := &Page{}
		p.Addr = uintptr(i + 1) // stable synthetic address, stand-in for a physical frame number
		a.free = append(a.free, p)
	}
	return a
}

// Alloc returns a zeroed page, or ErrOOM if none remain.
func (a *PageAllocator) Alloc() (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return nil, ErrOOM
	}
	p := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	p.Buf = [PageSize]byte{}
	return p, nil
}

// Free returns a page obtained from Alloc back to the pool.
func (a *PageAllocator) Free(p *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, p)
}

// NumFree reports the number of unallocated pages, for tests.
func (a *PageAllocator) NumFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
