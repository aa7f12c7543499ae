package proc

import (
	"context"
	"sync"

	"github.com/jacobsa/gcloud/syncutil"
	"golang.org/x/sync/errgroup"
)

// Table is the process table (spec.md §3 "Process table"): every live
// Process plus the shared lock that serializes scheduling decisions,
// sleep/wakeup, and sibling/thread-group list mutations (spec.md §4.I
// "Scheduling model"). mu is an InvariantMutex so Property 3
// (sibling/children/thread-group consistency) is checked on every unlock
// in tests.
type Table struct {
	mu syncutil.InvariantMutex

	procs  map[int]*Process
	nextPid int

	waiters map[any][]*Process // channel -> processes parked in Sleep
}

func NewTable() *Table {
	t := &Table{procs: make(map[int]*Process), nextPid: 1, waiters: make(map[any][]*Process)}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

// checkInvariants verifies spec.md §8 Property 3: every process is either
// its thread group's leader or a member of one, with tgid == leader.Pid,
// and every listed child's Parent pointer points back.
func (t *Table) checkInvariants() {
	for _, p := range t.procs {
		if p.GroupLeader == nil {
			panic("proc: process with nil thread-group leader")
		}
		if p.TGID != p.GroupLeader.Pid {
			panic("proc: tgid does not match group leader pid")
		}
		for _, c := range p.Children {
			if c.Parent != p {
				panic("proc: child's parent pointer does not match its listed parent")
			}
		}
	}
}

// Alloc installs a new EMBRYO process with the next pid (spec.md §4.H
// "allocproc").
func (t *Table) Alloc(name string) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &Process{Pid: t.nextPid, Name: name, State: Embryo, done: make(chan struct{})}
	p.GroupLeader = p
	p.TGID = p.Pid
	t.nextPid++
	t.procs[p.Pid] = p
	return p
}

func (t *Table) Lookup(pid int) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// free removes a UNUSED process from the table, the scheduler's garbage
// collection step (spec.md §4.I: "UNUSED entries are garbage-collected").
func (t *Table) free(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, p.Pid)
}

// Sleep atomically marks p SLEEPING on chan and blocks until Wakeup(chan)
// or p.Killed is observed, per spec.md §4.I's sleep(chan, lk) (the table
// lock itself stands in for the caller-supplied lk, since every resource
// here is already guarded independently).
func (t *Table) Sleep(p *Process, chan_ any, cond *sync.Cond) {
	t.mu.Lock()
	p.State = Sleeping
	p.sleepChan = chan_
	t.waiters[chan_] = append(t.waiters[chan_], p)
	t.mu.Unlock()

	cond.L.Lock()
	for p.State == Sleeping && !p.Killed {
		cond.Wait()
	}
	cond.L.Unlock()
}

// Wakeup flips every process sleeping on chan_ to RUNNABLE (spec.md §4.I
// "wakeup(chan)").
func (t *Table) Wakeup(chan_ any, cond *sync.Cond) {
	t.mu.Lock()
	woken := t.waiters[chan_]
	delete(t.waiters, chan_)
	for _, p := range woken {
		if p.State == Sleeping {
			p.State = Runnable
		}
	}
	t.mu.Unlock()

	cond.L.Lock()
	cond.Broadcast()
	cond.L.Unlock()
}

// Shutdown marks every live process killed and waits, concurrently, for
// each one's goroutine to observe it and exit (spec.md §4.I's "killed"
// flag is cooperative, not preemptive). A process parked in Sleep only
// re-checks Killed when its own resource's condition variable is next
// signaled, so Shutdown cannot force a stuck sleeper to wake; ctx bounds
// how long it waits before giving up on the stragglers.
func (t *Table) Shutdown(ctx context.Context) error {
	procs := t.All()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		p := p
		if p.State == Unused || p.State == Zombie {
			continue
		}
		p.Killed = true
		g.Go(func() error {
			select {
			case <-p.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// All returns a snapshot of every process in the table, in pid order, for
// the round-robin scheduler and for procfs's directory listing.
func (t *Table) All() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Process, 0, len(t.procs))
	for pid := 1; pid < t.nextPid; pid++ {
		if p, ok := t.procs[pid]; ok {
			out = append(out, p)
		}
	}
	return out
}
