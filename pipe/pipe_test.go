package pipe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteThenReadPreservesOrder(t *testing.T) {
	p := New()
	n, err := p.Write([]byte("hello"), nil)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	dst := make([]byte, 5)
	n, err = p.Read(dst, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", string(dst[:n]))
}

func TestBlockingWriteUnblocksOnRead(t *testing.T) {
	p := New()
	big := make([]byte, Size+10)
	for i := range big {
		big[i] = byte(i)
	}

	done := make(chan int, 1)
	go func() {
		n, _ := p.Write(big, nil)
		done <- n
	}()

	time.Sleep(10 * time.Millisecond)
	dst := make([]byte, len(big))
	total := 0
	for total < len(big) {
		n, _ := p.Read(dst[total:], nil)
		total += n
	}
	require.Equal(t, len(big), <-done)
	require.Equal(t, big, dst)
}

func TestFIFOBlockingOpen(t *testing.T) {
	p := NewFIFO()
	var wg sync.WaitGroup
	wg.Add(1)

	readerDone := make(chan struct{})
	go func() {
		defer wg.Done()
		require.NoError(t, p.OpenReader(false, nil))
		close(readerDone)
	}()

	select {
	case <-readerDone:
		t.Fatal("reader open must block until a writer attaches")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, p.OpenWriter(false, nil))
	wg.Wait()
}

func TestNonblockReaderOpenSucceedsWithoutWriter(t *testing.T) {
	p := NewFIFO()
	require.NoError(t, p.OpenReader(true, nil))
}

func TestUnlinkAbortsBlockedOpen(t *testing.T) {
	p := NewFIFO()
	errc := make(chan error, 1)
	go func() {
		errc <- p.OpenReader(false, nil)
	}()
	time.Sleep(10 * time.Millisecond)
	p.Unlink()
	require.ErrorIs(t, <-errc, ErrGone)
}
