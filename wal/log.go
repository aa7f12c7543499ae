// Package wal implements the write-ahead log (spec.md §4.C): atomic
// multi-block transactions with crash recovery. The log region is a
// contiguous run of disk blocks: a header block followed by n data blocks.
package wal

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xv6go/kernel/bcache"
	"github.com/xv6go/kernel/disk"
)

// header is the on-disk log header: how many blocks are logged, and which
// home blocks they belong to.
type header struct {
	n      int
	blocks []uint32
}

func (h *header) encode(buf []byte) {
	putU32(buf[0:], uint32(h.n))
	for i, bno := range h.blocks {
		putU32(buf[4+4*i:], bno)
	}
}

func (h *header) decode(buf []byte, maxBlocks int) {
	h.n = int(getU32(buf[0:]))
	h.blocks = h.blocks[:0]
	for i := 0; i < h.n && i < maxBlocks; i++ {
		h.blocks = append(h.blocks, getU32(buf[4+4*i:]))
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// ErrTooBig is returned when a transaction logs more blocks than the log
// region can hold.
var ErrTooBig = errors.New("wal: transaction too large for log")

// Log manages one log region of a filesystem. Start is the block number of
// the header block; the nlog-1 blocks that follow hold logged data.
type Log struct {
	mu  sync.Mutex
	cnd *sync.Cond
	log *zap.Logger

	bc    *bcache.Cache
	dev   disk.Device
	start uint32
	size  int // number of data blocks the log region can hold

	committing bool
	outstanding int

	// absorbed maps a home block number to its slot within the current
	// transaction, so repeated writes of the same block coalesce
	// (spec.md: "duplicate writes coalesce").
	absorbed map[uint32]int
	blocks   []uint32
	data     [][disk.BSIZE]byte
}

// New opens (and, per spec.md §4.C, recovers) the log region starting at
// headerBlock and spanning size data blocks.
func New(dev disk.Device, bc *bcache.Cache, headerBlock uint32, size int, log *zap.Logger) (*Log, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Log{
		bc:       bc,
		dev:      dev,
		start:    headerBlock,
		size:     size,
		absorbed: make(map[uint32]int),
		log:      log,
	}
	l.cnd = sync.NewCond(&l.mu)
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

// recover re-executes an interrupted commit: if the on-disk header shows
// n > 0, the data blocks were already durably logged, so copy them to their
// home locations and zero the header (spec.md §4.C recovery rule).
func (l *Log) recover() error {
	hb, err := l.bc.Read(l.dev, l.start)
	if err != nil {
		return errors.Wrap(err, "wal: reading header during recovery")
	}
	defer l.bc.Release(hb)

	var h header
	h.decode(hb.Data[:], l.size)
	if h.n == 0 {
		return nil
	}
	l.log.Info("wal: recovering interrupted transaction", zap.Int("blocks", h.n))
	if err := l.installFromLog(&h); err != nil {
		return err
	}
	return l.clearHeader()
}

// installFromLog copies the logged data blocks to their home locations.
func (l *Log) installFromLog(h *header) error {
	for i, bno := range h.blocks {
		src, err := l.bc.Read(l.dev, l.start+1+uint32(i))
		if err != nil {
			return errors.Wrap(err, "wal: reading log data block")
		}
		dst, err := l.bc.Read(l.dev, bno)
		if err != nil {
			l.bc.Release(src)
			return errors.Wrap(err, "wal: reading home block")
		}
		dst.Data = src.Data
		err = l.bc.Write(dst)
		l.bc.Release(src)
		l.bc.Release(dst)
		if err != nil {
			return errors.Wrap(err, "wal: writing home block")
		}
	}
	return nil
}

func (l *Log) clearHeader() error {
	hb, err := l.bc.Read(l.dev, l.start)
	if err != nil {
		return err
	}
	defer l.bc.Release(hb)
	var empty header
	empty.encode(hb.Data[:])
	return l.bc.Write(hb)
}

// Begin blocks while another transaction is in flight (spec.md: "begin_trans
// blocks ... serialized with one global flag").
func (l *Log) Begin() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.committing || l.outstanding > 0 {
		l.cnd.Wait()
	}
	l.outstanding++
}

// Write records that buf belongs to the active transaction. The actual
// home-location write is deferred until Commit (spec.md §4.C).
func (l *Log) Write(b *bcache.Buf) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.absorbed[b.Block]; ok {
		l.data[idx] = b.Data
		return nil
	}
	if len(l.blocks) >= l.size {
		return ErrTooBig
	}
	l.absorbed[b.Block] = len(l.blocks)
	l.blocks = append(l.blocks, b.Block)
	l.data = append(l.data, b.Data)
	b.Dirty = true
	return nil
}

// Commit writes the logged blocks to the log's data region, commits the
// header (the durability point), copies the blocks to their home
// locations, then releases the header (the release point) — spec.md's
// four-step commit.
func (l *Log) Commit() error {
	l.mu.Lock()
	blocks := l.blocks
	data := l.data
	l.blocks = nil
	l.data = nil
	l.absorbed = make(map[uint32]int)
	l.committing = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.committing = false
		l.outstanding--
		l.cnd.Broadcast()
		l.mu.Unlock()
	}()

	if len(blocks) == 0 {
		return nil
	}

	if err := l.writeLogBlocks(blocks, data); err != nil {
		return err
	}
	h := header{n: len(blocks), blocks: blocks}
	if err := l.writeHeader(&h); err != nil {
		return err
	}
	if err := l.installFromLog(&h); err != nil {
		return errors.Wrap(err, "wal: copying log to home locations")
	}
	return l.clearHeader()
}

func (l *Log) writeLogBlocks(blocks []uint32, data [][disk.BSIZE]byte) error {
	for i := range blocks {
		b, err := l.bc.Read(l.dev, l.start+1+uint32(i))
		if err != nil {
			return err
		}
		b.Data = data[i]
		err = l.bc.Write(b)
		l.bc.Release(b)
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) writeHeader(h *header) error {
	hb, err := l.bc.Read(l.dev, l.start)
	if err != nil {
		return err
	}
	defer l.bc.Release(hb)
	h.encode(hb.Data[:])
	return l.bc.Write(hb)
}
