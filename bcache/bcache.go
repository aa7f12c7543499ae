// Package bcache implements the bounded LRU block buffer cache (spec.md
// §4.B): at most one cached buffer per (dev, bno), read-through on miss,
// synchronous writes, and a per-buffer sleep-lock so contents can be held
// across a blocking operation without stalling unrelated blocks.
package bcache

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xv6go/kernel/disk"
)

// Buf is one cached disk block, locked while its contents are in use.
type Buf struct {
	Dev   disk.Device
	Block uint32
	Data  [disk.BSIZE]byte
	Dirty bool

	cache      *Cache
	refs       int
	everLoaded bool
	lock       chan struct{} // 1-buffered: held <=> empty
}

// lockContents acquires the per-buffer sleep-lock, blocking if another holder has
// it (spec.md §4.B: "blocking on BUSY otherwise").
func (b *Buf) lockContents() { <-b.lock }

// unlockContents releases the per-buffer sleep-lock.
func (b *Buf) unlockContents() { b.lock <- struct{}{} }

// key identifies a cached buffer by (dev, bno).
type key struct {
	dev disk.Device
	bno uint32
}

// Cache is a fixed-size pool of block buffers. Per spec.md §4.B it must
// hold at least LOG + indirect + bitmap + 2 buffers to avoid deadlock under
// the largest single write; callers size NewCache accordingly.
type Cache struct {
	mu      sync.Mutex
	log     *zap.Logger
	bufs    map[key]*Buf
	lru     []*Buf // index 0 = least recently used
	maxBufs int
}

// NewCache creates a cache bounded at maxBufs blocks; it grows past the
// bound when every cached buffer is still referenced.
func NewCache(maxBufs int, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		bufs:    make(map[key]*Buf),
		maxBufs: maxBufs,
		log:     log,
	}
}

// get returns the cache-resident Buf for (dev, bno), allocating a fresh
// unlocked-but-invalid slot if necessary. Caller must hold c.mu.
func (c *Cache) get(dev disk.Device, bno uint32) *Buf {
	k := key{dev, bno}
	if b, ok := c.bufs[k]; ok {
		c.touch(b)
		return b
	}

	b := &Buf{Dev: dev, Block: bno, cache: c, lock: make(chan struct{}, 1)}
	b.lock <- struct{}{}

	if len(c.lru) >= c.maxBufs {
		c.evict()
	}
	c.bufs[k] = b
	c.lru = append(c.lru, b)
	return b
}

func (c *Cache) touch(b *Buf) {
	for i, cand := range c.lru {
		if cand == b {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.lru = append(c.lru, b)
}

// evict drops the least-recently-used buffer with zero references. Caller
// holds c.mu.
func (c *Cache) evict() {
	for i, b := range c.lru {
		if b.refs == 0 {
			delete(c.bufs, key{b.Dev, b.Block})
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			return
		}
	}
	c.log.Warn("bcache: all buffers pinned, cache growing past configured bound")
}

// Read returns a locked buffer for (dev, bno), loading it from the device
// on a cache miss (spec.md: "bread returns a locked buffer").
func (c *Cache) Read(dev disk.Device, bno uint32) (*Buf, error) {
	c.mu.Lock()
	b := c.get(dev, bno)
	b.refs++
	c.mu.Unlock()

	b.lockContents()

	if !b.valid() {
		if err := dev.ReadBlock(bno, b.Data[:]); err != nil {
			b.unlockContents()
			return nil, err
		}
		b.markValid()
	}
	return b, nil
}

// validity is tracked implicitly: a freshly created Buf's Data is the zero
// block until the first successful read; valid() treats "ever been read or
// written" as the VALID flag from spec.md §3.
func (b *Buf) valid() bool { return b.everLoaded }
func (b *Buf) markValid()  { b.everLoaded = true }

// Write issues a synchronous write of buf's contents to its device
// (spec.md: "bwrite issues a synchronous write").
func (c *Cache) Write(b *Buf) error {
	if err := b.Dev.WriteBlock(b.Block, b.Data[:]); err != nil {
		return err
	}
	b.Dirty = false
	b.everLoaded = true
	return nil
}

// Release unlocks buf and advances its LRU position (spec.md: "brelse
// unlocks and advances the LRU position").
func (c *Cache) Release(b *Buf) {
	b.unlockContents()

	c.mu.Lock()
	defer c.mu.Unlock()
	b.refs--
	c.touch(b)
}
