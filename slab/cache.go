package slab

import (
	"sync"

	"github.com/pkg/errors"
)

const hashBuckets = 1024

// ErrBadFree is the slab-layer panic-worthy invariant breach: freeing an
// object that isn't live, or wasn't allocated from this cache. Spec.md §7
// reserves panic for exactly this class of breach ("freeing a free block");
// the Go port returns an error instead of calling panic, since a caller can
// recover from a bad caller-supplied pointer without taking the whole
// simulated kernel down.
var ErrBadFree = errors.New("slab: free of unallocated or already-free object")

// slabPage is the per-page bookkeeping header. For small objects
// (objSize*8 <= PageSize) this sits logically "inside" the page, as the
// original embeds it in the same allocation; for large objects it is
// recovered via the cache's address-hashed table, mirroring spec.md's
// description of the two layouts.
type slabPage struct {
	page     *Page
	objSize  int
	capacity int
	freeIdx  []int // indices of free object slots
}

func (sp *slabPage) full() bool  { return len(sp.freeIdx) == 0 }
func (sp *slabPage) empty() bool { return len(sp.freeIdx) == sp.capacity }

func (sp *slabPage) objAt(i int) []byte {
	off := i * sp.objSize
	return sp.page.Buf[off : off+sp.objSize]
}

// Cache is a fixed-object-size allocator layered over a PageAllocator
// (spec.md §4.A).
type Cache struct {
	mu      sync.Mutex
	objSize int
	pages   *PageAllocator

	partial []*slabPage
	full    []*slabPage
	empty   []*slabPage

	// buckets recovers the owning slabPage from an object pointer's page
	// address, standing in for the original's 1024-bucket hash table used
	// by the large-object layout.
	buckets [hashBuckets][]*slabPage

	// live maps a live object's address to (slabPage, index) so Free can
	// locate it in O(1) without scanning every page.
	live map[uintptr]liveObj
}

type liveObj struct {
	sp  *slabPage
	idx int
}

// NewCache creates a cache of fixed-size objects backed by pages from a.
func NewCache(a *PageAllocator, objSize int) *Cache {
	if objSize <= 0 || objSize > PageSize {
		objSize = 1
	}
	return &Cache{
		objSize: objSize,
		pages:   a,
		live:    make(map[uintptr]liveObj),
	}
}

func bucketOf(addr uintptr) int { return int(addr % hashBuckets) }

func (c *Cache) addToBucket(sp *slabPage) {
	b := bucketOf(sp.page.Addr)
	c.buckets[b] = append(c.buckets[b], sp)
}

func (c *Cache) removeFromBucket(sp *slabPage) {
	b := bucketOf(sp.page.Addr)
	bucket := c.buckets[b]
	for i, cand := range bucket {
		if cand == sp {
			c.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (c *Cache) newSlabPage() (*slabPage, error) {
	p, err := c.pages.Alloc()
	if errors.Is(err, ErrOOM) {
		// Under memory pressure, give back the oldest page sitting idle in
		// the empty list before failing (spec.md §4.A: the empty list is
		// only returned to the page allocator when it is under pressure,
		// not proactively on every free).
		if reclaimed, ok := c.reclaimEmpty(); ok {
			c.pages.Free(reclaimed)
			p, err = c.pages.Alloc()
		}
	}
	if err != nil {
		return nil, err
	}
	cap := PageSize / c.objSize
	sp := &slabPage{page: p, objSize: c.objSize, capacity: cap}
	for i := 0; i < cap; i++ {
		sp.freeIdx = append(sp.freeIdx, i)
	}
	c.addToBucket(sp)
	return sp, nil
}

// reclaimEmpty evicts the oldest slabPage on the empty list, detaching it
// from this cache's own bookkeeping (bucket table) and returning its
// backing *Page for the caller to hand back to the PageAllocator.
func (c *Cache) reclaimEmpty() (*Page, bool) {
	if len(c.empty) == 0 {
		return nil, false
	}
	sp := c.empty[0]
	c.empty = c.empty[1:]
	c.removeFromBucket(sp)
	return sp.page, true
}

func removeSlabPage(list []*slabPage, sp *slabPage) []*slabPage {
	for i, cand := range list {
		if cand == sp {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Alloc returns a zeroed object-sized byte slice.
func (c *Cache) Alloc() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sp *slabPage
	switch {
	case len(c.partial) > 0:
		sp = c.partial[len(c.partial)-1]
	case len(c.empty) > 0:
		sp = c.empty[len(c.empty)-1]
		c.empty = c.empty[:len(c.empty)-1]
		c.partial = append(c.partial, sp)
	default:
		var err error
		sp, err = c.newSlabPage()
		if err != nil {
			return nil, err
		}
		c.partial = append(c.partial, sp)
	}

	idx := sp.freeIdx[len(sp.freeIdx)-1]
	sp.freeIdx = sp.freeIdx[:len(sp.freeIdx)-1]
	obj := sp.objAt(idx)
	for i := range obj {
		obj[i] = 0
	}
	c.live[sp.page.Addr+uintptr(idx)] = liveObj{sp: sp, idx: idx}

	if sp.full() {
		c.partial = removeSlabPage(c.partial, sp)
		c.full = append(c.full, sp)
	}
	return obj, nil
}

// Free releases an object previously returned by Alloc.
func (c *Cache) Free(obj []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.keyOf(obj)
	if !ok {
		return ErrBadFree
	}
	lo, ok := c.live[key]
	if !ok {
		return ErrBadFree
	}
	delete(c.live, key)
	sp := lo.sp
	wasFull := sp.full()
	sp.freeIdx = append(sp.freeIdx, lo.idx)

	if wasFull {
		c.full = removeSlabPage(c.full, sp)
		c.partial = append(c.partial, sp)
	}
	if sp.empty() {
		c.partial = removeSlabPage(c.partial, sp)
		// The page stays alive, indexed on the empty list rather than
		// handed back to the PageAllocator immediately: Alloc reuses it
		// first (cache.go's `case len(c.empty) > 0`), and newSlabPage only
		// gives an empty page back to the allocator once it is actually
		// out of pages.
		c.empty = append(c.empty, sp)
	}
	return nil
}

// keyOf recovers the live map key for obj by scanning the buckets for the
// page that contains it — this mirrors the original's address-hashed
// header recovery for the large-object layout, generalized to both.
func (c *Cache) keyOf(obj []byte) (uintptr, bool) {
	if len(obj) == 0 {
		return 0, false
	}
	target := &obj[0]
	for _, bucket := range c.buckets {
		for _, sp := range bucket {
			for i := 0; i < sp.capacity; i++ {
				cand := sp.objAt(i)
				if len(cand) > 0 && &cand[0] == target {
					return sp.page.Addr + uintptr(i), true
				}
			}
		}
	}
	return 0, false
}
