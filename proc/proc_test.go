package proc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xv6go/kernel/ugo"
)

func TestUserInitIsRunnable(t *testing.T) {
	table := NewTable()
	p := table.UserInit(nil, nil, ugo.RootCreds())
	require.Equal(t, Runnable, p.State)
	require.Equal(t, p, p.GroupLeader)
	require.Equal(t, p.Pid, p.TGID)
}

func TestForkLinksParentAndChild(t *testing.T) {
	table := NewTable()
	parent := table.UserInit(nil, nil, ugo.RootCreds())
	child, err := table.Fork(parent)
	require.NoError(t, err)
	require.Equal(t, parent, child.Parent)
	require.Contains(t, parent.Children, child)
	require.NotSame(t, parent.MM, child.MM)
}

func TestSpawnThreadSharesThreadGroup(t *testing.T) {
	table := NewTable()
	parent := table.UserInit(nil, nil, ugo.RootCreds())
	th, err := table.SpawnThread(parent, 0)
	require.NoError(t, err)
	require.Equal(t, parent, th.GroupLeader)
	require.Equal(t, parent.Pid, th.TGID)
	require.True(t, th.Detached)
	require.Same(t, parent.MM, th.MM)
	require.Contains(t, parent.ThreadGroup, th)
}

func TestKillRejectsNonRootMismatchedUID(t *testing.T) {
	table := NewTable()
	init := table.UserInit(nil, nil, ugo.RootCreds())
	victim, err := table.Fork(init)
	require.NoError(t, err)
	victim.Creds = &ugo.Creds{UID: 2000, EUID: 2000}

	attacker, err := table.Fork(init)
	require.NoError(t, err)
	attacker.Creds = &ugo.Creds{UID: 1000, EUID: 1000}

	err = table.Kill(attacker, victim, nil)
	require.ErrorIs(t, err, ErrPermission)
}

func TestKillWakesSleepingVictim(t *testing.T) {
	table := NewTable()
	init := table.UserInit(nil, nil, ugo.RootCreds())
	target, err := table.Fork(init)
	require.NoError(t, err)

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	started := make(chan struct{})
	done := make(chan struct{})

	go func() {
		cond.L.Lock()
		cond.L.Unlock()
		close(started)
		table.Sleep(target, "chan-x", cond)
		close(done)
	}()
	<-started
	require.Eventually(t, func() bool { return target.State == Sleeping }, time.Second, time.Millisecond)

	require.NoError(t, table.Kill(init, target, &condPair{Wake: func(p *Process) {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	}}))

	<-done
	require.True(t, target.Killed)
}

func TestShutdownWaitsForKilledGoroutinesToExit(t *testing.T) {
	table := NewTable()
	init := table.UserInit(nil, nil, ugo.RootCreds())
	worker, err := table.Fork(init)
	require.NoError(t, err)

	go func() {
		for !worker.Killed {
			time.Sleep(time.Millisecond)
		}
		_ = table.Exit(worker, init, 0, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, table.Shutdown(ctx))
	require.True(t, worker.Killed)
}

func TestWaitReturnsNoChildrenWhenNoneExist(t *testing.T) {
	table := NewTable()
	init := table.UserInit(nil, nil, ugo.RootCreds())
	_, err := table.Wait(init)
	require.ErrorIs(t, err, ErrNoChildren)
}
