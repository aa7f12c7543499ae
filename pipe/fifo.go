package pipe

import "github.com/pkg/errors"

// ErrGone is returned to a blocked FIFO open when the FIFO is unlinked out
// from under it (spec.md §4.F: "unlink ... wakes both wait channels so
// blocked opens abort with ENOENT").
var ErrGone = errors.New("pipe: ENOENT: fifo unlinked while opening")

// OpenReader implements the reader side of mkfifo's open(2) contract.
// Without nonblock it waits for a writer to attach (spec.md scenario S3).
// With nonblock it resolves the Open Question in spec.md §9 the POSIX way:
// a non-blocking reader open always succeeds immediately, even with no
// writer present.
func (p *Pipe) OpenReader(nonblock bool, killed Killed) error {
	if killed == nil {
		killed = never
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readOpen++
	p.writeC.Broadcast()
	if nonblock {
		return nil
	}
	for p.writeOpen == 0 && !p.deleted && !killed() {
		p.readC.Wait()
	}
	if p.deleted {
		p.readOpen--
		return ErrGone
	}
	return nil
}

// OpenWriter implements the writer side. FIFO writers always block until a
// reader attaches (O_NONBLOCK writers instead get ENXIO, per POSIX, when
// there is no reader — mirrored here as an immediate error rather than a
// block).
func (p *Pipe) OpenWriter(nonblock bool, killed Killed) error {
	if killed == nil {
		killed = never
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if nonblock && p.readOpen == 0 {
		return ErrNoReader
	}
	p.writeOpen++
	p.readC.Broadcast()
	for p.readOpen == 0 && !p.deleted && !killed() {
		p.writeC.Wait()
	}
	if p.deleted {
		p.writeOpen--
		return ErrGone
	}
	return nil
}

// ErrNoReader is returned to a non-blocking FIFO writer open with no reader
// present (ENXIO, POSIX fifo(7)).
var ErrNoReader = errors.New("pipe: ENXIO: no reader for nonblocking fifo open")
