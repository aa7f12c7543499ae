// Package image builds a fresh filesystem image from a declarative
// manifest (spec.md §6's on-disk layout, built the way mkfs.c's table-
// driven disk_file list does, but data-driven from YAML instead of a
// compiled-in C array).
package image

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Manifest describes everything needed to seed a fresh image: the
// superblock's sizing, the directory/file tree to create, and the
// default identity database (spec.md §6's passwd/group format).
type Manifest struct {
	Superblock SuperblockSpec `yaml:"superblock"`
	Dirs       []string       `yaml:"dirs"`
	Files      []FileSpec     `yaml:"files"`
	Passwd     []PasswdSpec   `yaml:"passwd"`
	Groups     []GroupSpec    `yaml:"groups"`
}

// SuperblockSpec mirrors fs.Superblock's fields (mkfs.c's nblocks/ninodes/
// nlog command-line-ish constants, here config instead of compiled in).
type SuperblockSpec struct {
	NInodes uint32 `yaml:"ninodes"`
	NBlocks uint32 `yaml:"nblocks"`
	NLog    uint32 `yaml:"nlog"`
}

// FileSpec is one file entry (mkfs.c's disk_file row): the path to create
// it at, its permission mode, owning uid/gid, and inline content.
type FileSpec struct {
	Path    string `yaml:"path"`
	Mode    uint32 `yaml:"mode"`
	UID     uint32 `yaml:"uid"`
	GID     uint32 `yaml:"gid"`
	Content string `yaml:"content"`
}

// PasswdSpec is one /etc/passwd row (spec.md §6, grp.c/passwd.c's seven
// colon-separated fields).
type PasswdSpec struct {
	Name  string `yaml:"name"`
	UID   uint32 `yaml:"uid"`
	GID   uint32 `yaml:"gid"`
	Gecos string `yaml:"gecos"`
	Home  string `yaml:"home"`
	Shell string `yaml:"shell"`
}

// GroupSpec is one /etc/group row.
type GroupSpec struct {
	Name    string   `yaml:"name"`
	GID     uint32   `yaml:"gid"`
	Members []string `yaml:"members"`
}

// ErrEmptyManifest is returned when a manifest names no superblock sizing,
// the one field with no sane zero-value default.
var ErrEmptyManifest = errors.New("image: manifest has no superblock section")

// ParseManifest reads a YAML manifest (spec.md §6's layout, configured the
// way gcsfuse's own YAML config is read).
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "image: decoding manifest")
	}
	if m.Superblock.NBlocks == 0 {
		return nil, ErrEmptyManifest
	}
	return &m, nil
}

// Default returns the built-in manifest for demo/test use: a modestly sized image with a root account and a wheel group.
func Default() *Manifest {
	return &Manifest{
		Superblock: SuperblockSpec{NInodes: 200, NBlocks: 8000, NLog: 30},
		Dirs:       []string{"/etc", "/bin", "/home"},
		Files: []FileSpec{
			{Path: "/etc/motd", Mode: 0644, Content: "welcome to xv6go\n"},
		},
		Passwd: []PasswdSpec{
			{Name: "root", UID: 0, GID: 0, Gecos: "root", Home: "/root", Shell: "/bin/sh"},
		},
		Groups: []GroupSpec{
			{Name: "wheel", GID: 0, Members: []string{"root"}},
		},
	}
}
