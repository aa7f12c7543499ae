package file

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xv6go/kernel/pipe"
)

func TestPipeEndsReadWrite(t *testing.T) {
	p := pipe.New()
	r := NewPipeEnd(p, true, false)
	w := NewPipeEnd(p, false, true)

	n, err := w.Write([]byte("abc"), nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	buf := make([]byte, 3)
	n, err = r.Read(buf, nil)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf[:n]))
}

func TestWriteToReadOnlyFails(t *testing.T) {
	p := pipe.New()
	r := NewPipeEnd(p, true, false)
	_, err := r.Write([]byte("x"), nil)
	require.ErrorIs(t, err, ErrBadFile)
}

func TestDupSharesRefcount(t *testing.T) {
	p := pipe.New()
	f := NewPipeEnd(p, true, true)
	dup := f.Dup()
	require.Equal(t, 2, f.ref)
	require.NoError(t, dup.Close())
	require.Equal(t, 1, f.ref)
}
