package image

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/ugo"
)

func testManifest() *Manifest {
	return &Manifest{
		Superblock: SuperblockSpec{NInodes: 50, NBlocks: 200, NLog: 31},
		Dirs:       []string{"/etc", "/home/susan"},
		Files: []FileSpec{
			{Path: "/etc/motd", Mode: 0644, Content: "hello\n"},
		},
		Passwd: []PasswdSpec{
			{Name: "root", UID: 0, GID: 0, Gecos: "root", Home: "/root", Shell: "/bin/sh"},
			{Name: "susan", UID: 1000, GID: 1000, Gecos: "Susan", Home: "/home/susan", Shell: "/bin/sh"},
		},
		Groups: []GroupSpec{
			{Name: "wheel", GID: 0, Members: []string{"root"}},
		},
	}
}

func TestBuildSeedsDirsFilesAndIdentity(t *testing.T) {
	fsys, err := Build(testManifest(), nil)
	require.NoError(t, err)

	root := fsys.Cache.Get(fsys, 1)
	ns := fs.NameState{Root: root}
	creds := ugo.RootCreds()

	dir, err := fs.Namei(ns, "/home/susan", creds)
	require.NoError(t, err)
	require.NoError(t, dir.Ilock())
	require.True(t, dir.IsDir())
	dir.Iunlockput()

	motd, err := fs.Namei(ns, "/etc/motd", creds)
	require.NoError(t, err)
	require.NoError(t, motd.Ilock())
	buf := make([]byte, 32)
	n, err := motd.Readi(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(buf[:n]))
	motd.Iunlockput()

	passwd, err := fs.Namei(ns, "/etc/passwd", creds)
	require.NoError(t, err)
	require.NoError(t, passwd.Ilock())
	pbuf := make([]byte, 256)
	n, err = passwd.Readi(pbuf, 0)
	require.NoError(t, err)
	entries, err := ugo.LoadPasswd(strings.NewReader(string(pbuf[:n])))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "susan", entries[1].Username)
	passwd.Iunlockput()

	root.Iput()
}

func TestBuildStampsSuperblockReadableBack(t *testing.T) {
	m := testManifest()
	fsys, err := Build(m, nil)
	require.NoError(t, err)

	sb, err := fs.ReadSuperblock(fsys.Dev)
	require.NoError(t, err)
	require.Equal(t, m.Superblock.NInodes, sb.NInodes)
	require.Equal(t, m.Superblock.NBlocks, sb.NBlocks)
}

func TestParseManifestRejectsEmptySuperblock(t *testing.T) {
	_, err := ParseManifest(strings.NewReader("dirs: [/etc]\n"))
	require.ErrorIs(t, err, ErrEmptyManifest)
}

func TestParseManifestRoundTrips(t *testing.T) {
	const doc = `
superblock:
  ninodes: 50
  nblocks: 200
  nlog: 31
dirs: [/etc]
files:
  - path: /etc/motd
    mode: 420
    content: "hi\n"
`
	m, err := ParseManifest(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, uint32(200), m.Superblock.NBlocks)
	require.Equal(t, "/etc/motd", m.Files[0].Path)
}
