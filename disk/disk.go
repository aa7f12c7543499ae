// Package disk defines the devsw contract the rest of the kernel assumes:
// a block device that can read and write fixed-size blocks. The real IDE
// driver and interrupt-driven completion queue are out of scope (spec.md
// §1); this package is the seam where a real driver would plug in.
package disk

import (
	"sync"

	"github.com/pkg/errors"
)

// BSIZE is the on-disk block size in bytes (spec.md §6).
const BSIZE = 512

// ErrOutOfRange is returned when a block number falls outside the device.
var ErrOutOfRange = errors.New("disk: block number out of range")

// Device is the devsw read/write contract assumed by bcache.Cache.
type Device interface {
	ReadBlock(bno uint32, dst []byte) error
	WriteBlock(bno uint32, src []byte) error
	NumBlocks() uint32
}

// MemDevice is an in-memory block device, standing in for the IDE disk.
// It is also the concrete type `image.Build` writes a fresh filesystem onto.
type MemDevice struct {
	mu     sync.Mutex
	blocks [][BSIZE]byte
}

// NewMemDevice allocates a device with n blocks, all zeroed.
func NewMemDevice(n uint32) *MemDevice {
	return &MemDevice{blocks: make([][BSIZE]byte, n)}
}

func (d *MemDevice) NumBlocks() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(len(d.blocks))
}

func (d *MemDevice) ReadBlock(bno uint32, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(bno) >= len(d.blocks) {
		return errors.Wrapf(ErrOutOfRange, "read block %d", bno)
	}
	copy(dst, d.blocks[bno][:])
	return nil
}

func (d *MemDevice) WriteBlock(bno uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(bno) >= len(d.blocks) {
		return errors.Wrapf(ErrOutOfRange, "write block %d", bno)
	}
	copy(d.blocks[bno][:], src)
	return nil
}

// Snapshot returns a deep copy of block bno, for tests that want to inspect
// crash-recovery behavior without racing the device's own lock.
func (d *MemDevice) Snapshot(bno uint32) [BSIZE]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocks[bno]
}
