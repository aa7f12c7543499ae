package procfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/proc"
	"github.com/xv6go/kernel/ugo"
)

func TestDirInumAndFileInumDontCollide(t *testing.T) {
	require.NotEqual(t, dirInum(3), fileInum(3, fileName))
	require.NotEqual(t, dirInum(3), fileInum(3, fileState))
	require.Equal(t, dirInum(3), uint32(3*NProcEntries))
}

func TestReadRendersPid(t *testing.T) {
	table := proc.NewTable()
	init := table.UserInit(nil, nil, ugo.RootCreds())
	pfs := New(table)

	ip := &fs.Inode{Inum: fileInum(init.Pid, filePid)}
	buf := make([]byte, 32)
	n, err := pfs.Read(ip, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "1\n", string(buf[:n]))
}

func TestReadRendersBootID(t *testing.T) {
	table := proc.NewTable()
	init := table.UserInit(nil, nil, ugo.RootCreds())
	pfs := New(table)

	ip := &fs.Inode{Inum: fileInum(init.Pid, fileBootID)}
	buf := make([]byte, 64)
	n, err := pfs.Read(ip, buf, 0)
	require.NoError(t, err)
	require.Equal(t, pfs.BootID.String()+"\n", string(buf[:n]))
}

func TestWriteAlwaysFails(t *testing.T) {
	table := proc.NewTable()
	pfs := New(table)
	ip := &fs.Inode{}
	_, err := pfs.Write(ip, []byte("x"), 0)
	require.Error(t, err)
}
