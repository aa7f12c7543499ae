package fs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xv6go/kernel/disk"
)

func TestWriteSuperblockRoundTrips(t *testing.T) {
	sb := Superblock{Size: 8192, NBlocks: 8000, NInodes: 200, NLog: 30}
	dev := disk.NewMemDevice(100)

	require.NoError(t, WriteSuperblock(dev, sb))
	got, err := ReadSuperblock(dev)
	require.NoError(t, err)
	require.Equal(t, sb, got)
}

func TestNewLayoutPlacesRegionsInOrder(t *testing.T) {
	sb := Superblock{Size: 8192, NBlocks: 8000, NInodes: 200, NLog: 30}
	l := NewLayout(sb)
	require.Equal(t, uint32(2), l.InodeStart)
	require.Less(t, l.InodeStart, l.BitmapStart)
	require.Less(t, l.BitmapStart, l.LogStart)
	require.Less(t, l.LogStart, l.DataStart)
}
