package fs

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/xv6go/kernel/bcache"
	"github.com/xv6go/kernel/disk"
	"github.com/xv6go/kernel/list"
	"github.com/xv6go/kernel/pipe"
	"github.com/xv6go/kernel/wal"
)

// Inode is the in-memory inode (spec.md §3 "In-memory inode"): the dinode
// fields mirrored for fast access, a reference count, and the VALID/BUSY
// flags. BUSY is a sleep-lock implemented with a 1-buffered channel, the
// same pattern bcache.Buf uses for its per-buffer lock.
type Inode struct {
	FS   *Filesystem
	Inum uint32

	Dinode

	mu    sync.Mutex
	ref   int
	valid bool

	busy chan struct{}

	// FIFOPipe is the shared ring buffer for a FIFO inode's two ends
	// (spec.md §3: "two file-handle side pointers for a FIFO's pipe
	// ends" — represented here as one shared *pipe.Pipe, which already
	// tracks both ends' open counts).
	FIFOPipe *pipe.Pipe

	elem *list.Elem[*Inode]
}

// IsDir/IsReg/IsChr/IsFifo test the authoritative POSIX type bits in Mode.
func (ip *Inode) IsDir() bool  { return ip.Mode&ModeFmt == ModeDir }
func (ip *Inode) IsReg() bool  { return ip.Mode&ModeFmt == ModeReg }
func (ip *Inode) IsChr() bool  { return ip.Mode&ModeFmt == ModeChr }
func (ip *Inode) IsFifo() bool { return ip.Mode&ModeFmt == ModeFifo }

// Filesystem is one registered (index, dev, ops) entry (spec.md §3
// "Filesystem registration"). Each Filesystem names the inode Cache it
// uses; the root on-disk filesystem and procfs may use separate Caches.
type Filesystem struct {
	Index  int
	Dev    disk.Device
	BC     *bcache.Cache
	Log    *wal.Log
	Layout Layout
	Ops    any // optional interfaces: AllocOp/GetOp/PutOp/ReadOp/WriteOp/LookupOp/LinkOp/UnlinkOp/UpdateOp
	Cache  *Cache
}

// Cache is the generic, unbounded inode cache (spec.md §3 "Inode cache"):
// at most one live entry per (fs, inum), for every Filesystem that uses it.
type Cache struct {
	mu      sync.Mutex
	entries list.List[*Inode]
	byKey   map[cacheKey]*Inode
}

type cacheKey struct {
	fs   *Filesystem
	inum uint32
}

func NewCache() *Cache {
	c := &Cache{byKey: make(map[cacheKey]*Inode)}
	c.entries.Init()
	return c
}

// Get returns a referenced in-memory inode for (fsys, inum): a cached
// entry with its ref count bumped, or a freshly allocated slot with
// ref=1, valid=false (spec.md §4.D "get").
func (c *Cache) Get(fsys *Filesystem, inum uint32) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{fsys, inum}
	if ip, ok := c.byKey[k]; ok {
		ip.mu.Lock()
		ip.ref++
		ip.mu.Unlock()
		return ip
	}

	ip := &Inode{FS: fsys, Inum: inum, ref: 1, busy: make(chan struct{}, 1)}
	ip.busy <- struct{}{}
	c.byKey[k] = ip
	ip.elem = c.entries.PushBack(ip)
	return ip
}

// forget drops the cache's bookkeeping for ip. Callers hold no locks.
func (c *Cache) forget(ip *Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, cacheKey{ip.FS, ip.Inum})
	c.entries.Remove(ip.elem)
}

// checkInvariants is wired into a syncutil.InvariantMutex by callers that
// want spec.md §8 Property 2 ("at most one buffer/inode caches that pair")
// checked continuously in tests.
func (c *Cache) checkInvariants() {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[cacheKey]bool)
	c.entries.Do(func(ip *Inode) {
		k := cacheKey{ip.FS, ip.Inum}
		if seen[k] {
			panic(errors.Errorf("fs: duplicate cache entry for (fs=%p, inum=%d)", ip.FS, ip.Inum))
		}
		seen[k] = true
	})
}

// Ilock waits for BUSY to clear, sets it, and loads the on-disk inode if
// not yet VALID (spec.md §4.D "ilock").
func (ip *Inode) Ilock() error {
	<-ip.busy

	if !ip.valid {
		if err := ip.load(); err != nil {
			ip.busy <- struct{}{}
			return err
		}
		ip.valid = true
	}
	return nil
}

func (ip *Inode) load() error {
	bno := ip.FS.Layout.InodeBlock(ip.Inum)
	b, err := ip.FS.BC.Read(ip.FS.Dev, bno)
	if err != nil {
		return errors.Wrap(err, "fs: reading inode block")
	}
	defer ip.FS.BC.Release(b)

	off := int(ip.Inum%IPB) * dinodeSize
	ip.Dinode = decodeDinode(b.Data[off : off+dinodeSize])
	return nil
}

// Iunlock releases the BUSY sleep-lock.
func (ip *Inode) Iunlock() {
	select {
	case ip.busy <- struct{}{}:
	default:
		panic("fs: iunlock of inode that isn't locked")
	}
}

// Idup increments ip's reference count and returns ip, for callers that
// want to hold two independent references (spec.md: "idup-ing root and
// cwd").
func (ip *Inode) Idup() *Inode {
	ip.mu.Lock()
	ip.ref++
	ip.mu.Unlock()
	return ip
}

// Iput drops a reference. If it was the last reference and the inode has
// no links, it is truncated and freed on disk (spec.md §4.D "put").
func (ip *Inode) Iput() error {
	if put, ok := ip.FS.Ops.(PutOp); ok {
		return put.Put(ip.FS, ip)
	}
	return defaultPut(ip.FS, ip)
}

func defaultPut(fsys *Filesystem, ip *Inode) error {
	ip.mu.Lock()
	if ip.ref == 1 && ip.valid && ip.Nlink == 0 {
		ip.mu.Unlock()

		<-ip.busy
		if err := ip.truncate(); err != nil {
			ip.busy <- struct{}{}
			return err
		}
		ip.Dinode = Dinode{}
		if err := ip.writeDinode(); err != nil {
			ip.busy <- struct{}{}
			return err
		}
		ip.busy <- struct{}{}

		fsys.Cache.forget(ip)

		ip.mu.Lock()
		ip.ref--
		ip.mu.Unlock()
		return nil
	}
	ip.ref--
	ip.mu.Unlock()
	return nil
}

// Iunlockput is the common idiom unlock-then-put (spec.md §4.D).
func (ip *Inode) Iunlockput() error {
	ip.Iunlock()
	return ip.Iput()
}

func (ip *Inode) writeDinode() error {
	bno := ip.FS.Layout.InodeBlock(ip.Inum)
	b, err := ip.FS.BC.Read(ip.FS.Dev, bno)
	if err != nil {
		return err
	}
	defer ip.FS.BC.Release(b)
	off := int(ip.Inum%IPB) * dinodeSize
	encodeDinode(&ip.Dinode, b.Data[off:off+dinodeSize])
	return ip.FS.Log.Write(b)
}

// Iupdate writes the mirrored in-memory fields back through the log
// (spec.md §4.D "update"). Must be called inside an active transaction.
func (ip *Inode) Iupdate() error {
	if up, ok := ip.FS.Ops.(UpdateOp); ok {
		return up.Update(ip)
	}
	return ip.writeDinode()
}

// Stat is the subset of an inode's fields exposed to fstat(2).
type Stat struct {
	Dev   int
	Inum  uint32
	Nlink int16
	Size  uint32
	UID   uint32
	GID   uint32
	Mode  uint32
}

func (ip *Inode) Stat() Stat {
	return Stat{
		Inum: ip.Inum, Nlink: ip.Nlink, Size: ip.Size,
		UID: ip.UID, GID: ip.GID, Mode: ip.Mode,
	}
}
