package bcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xv6go/kernel/disk"
)

func TestReadMissThenHitSameBuffer(t *testing.T) {
	dev := disk.NewMemDevice(4)
	c := NewCache(4, nil)

	b1, err := c.Read(dev, 1)
	require.NoError(t, err)
	b1.Data[0] = 42
	c.Release(b1)

	b2, err := c.Read(dev, 1)
	require.NoError(t, err)
	require.Same(t, b1, b2, "at most one buffer per (dev, bno)")
	require.EqualValues(t, 42, b2.Data[0])
	c.Release(b2)
}

func TestWritePersistsToDevice(t *testing.T) {
	dev := disk.NewMemDevice(4)
	c := NewCache(4, nil)

	b, err := c.Read(dev, 2)
	require.NoError(t, err)
	b.Data[0] = 7
	require.NoError(t, c.Write(b))
	c.Release(b)

	snap := dev.Snapshot(2)
	require.EqualValues(t, 7, snap[0])
}

func TestEvictionRespectsBound(t *testing.T) {
	dev := disk.NewMemDevice(8)
	c := NewCache(2, nil)

	for i := uint32(0); i < 4; i++ {
		b, err := c.Read(dev, i)
		require.NoError(t, err)
		c.Release(b)
	}
	require.LessOrEqual(t, len(c.bufs), 2, "cache should not grow past its configured bound")
}
