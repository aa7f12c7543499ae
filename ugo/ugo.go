// Package ugo implements the user/group identity and DAC permission model
// of spec.md §4.L/§4.N: the uid/gid credential set carried by every process,
// the permission-triple evaluator, and the POSIX saved-id rules for
// setreuid/setregid/setgroups.
package ugo

import "github.com/pkg/errors"

// Perm is a 3-bit read/write/execute permission triple, as selected from a
// mode's owner/group/other field by Evaluate.
type Perm uint8

const (
	PermExec  Perm = 1 << 0
	PermWrite Perm = 1 << 1
	PermRead  Perm = 1 << 2
)

func (p Perm) Allows(want Perm) bool { return p&want == want }

var (
	ErrPermission = errors.New("ugo: operation not permitted")
)

// Creds is the credential set carried by a process (spec.md §3 "Process").
type Creds struct {
	UID, EUID, SUID uint32
	GID, EGID, SGID uint32
	Groups          []uint32
	Umask           uint32
}

// Root reports whether the effective identity is the superuser.
func (c *Creds) Root() bool { return c.EUID == 0 }

// RootCreds returns a fresh credential set for uid/gid 0, the identity
// init and kernel-internal callers (userinit, mkfs) run as.
func RootCreds() *Creds { return &Creds{} }

func (c *Creds) inGroup(gid uint32) bool {
	if c.EGID == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// InodeOwner is the subset of an inode's identity fields needed to evaluate
// permissions against a process's credentials.
type InodeOwner struct {
	UID, GID uint32
	Mode     uint32 // POSIX 12-bit perms in the low 9 bits
}

// Evaluate computes the effective permission triple for creds accessing an
// inode with the given owner/group/mode, per spec.md §4.L's three-way rule.
func Evaluate(creds *Creds, ino InodeOwner) Perm {
	if creds.Root() {
		return PermRead | PermWrite | PermExec
	}
	switch {
	case creds.EUID == ino.UID:
		return Perm((ino.Mode >> 6) & 7)
	case creds.inGroup(ino.GID):
		return Perm((ino.Mode >> 3) & 7)
	default:
		return Perm(ino.Mode & 7)
	}
}

// SetReUID implements setreuid(r, e) with POSIX saved-id semantics: -1
// leaves the corresponding id unchanged. Only root may set the real uid to
// something other than the current real or effective uid.
func SetReUID(c *Creds, r, e int64) error {
	if !c.Root() {
		if r >= 0 && uint32(r) != c.UID && uint32(r) != c.EUID {
			return errors.Wrap(ErrPermission, "setreuid: real uid")
		}
		if e >= 0 && uint32(e) != c.UID && uint32(e) != c.EUID && uint32(e) != c.SUID {
			return errors.Wrap(ErrPermission, "setreuid: effective uid")
		}
	}
	origEUID := c.EUID
	if r >= 0 {
		c.UID = uint32(r)
	}
	if e >= 0 {
		c.EUID = uint32(e)
	}
	if r >= 0 || origEUID != c.EUID {
		c.SUID = c.EUID
	}
	return nil
}

// SetReGID mirrors SetReUID for the group identity.
func SetReGID(c *Creds, r, e int64) error {
	if !c.Root() {
		if r >= 0 && uint32(r) != c.GID && uint32(r) != c.EGID {
			return errors.Wrap(ErrPermission, "setregid: real gid")
		}
		if e >= 0 && uint32(e) != c.GID && uint32(e) != c.EGID && uint32(e) != c.SGID {
			return errors.Wrap(ErrPermission, "setregid: effective gid")
		}
	}
	origEGID := c.EGID
	if r >= 0 {
		c.GID = uint32(r)
	}
	if e >= 0 {
		c.EGID = uint32(e)
	}
	if r >= 0 || origEGID != c.EGID {
		c.SGID = c.EGID
	}
	return nil
}

// SetGroups requires euid==0 (spec.md §4.L).
func SetGroups(c *Creds, groups []uint32) error {
	if !c.Root() {
		return errors.Wrap(ErrPermission, "setgroups")
	}
	c.Groups = append([]uint32(nil), groups...)
	return nil
}

// GetGroups implements the getgroups(size, buf) sizing/copy contract.
func GetGroups(c *Creds, size int) ([]uint32, error) {
	if size == 0 {
		return make([]uint32, len(c.Groups)), nil
	}
	if size < len(c.Groups) {
		return nil, errors.New("ugo: EINVAL: buffer too small for getgroups")
	}
	return append([]uint32(nil), c.Groups...), nil
}

// CanChmod reports whether creds may chmod an inode owned by ino.
func CanChmod(c *Creds, ino InodeOwner) bool {
	return c.Root() || c.EUID == ino.UID
}

// CanChown reports whether creds may chown an inode owned by ino to
// newUID/newGID (either may be -1 to mean "unchanged").
func CanChown(c *Creds, ino InodeOwner, newUID, newGID int64) bool {
	if c.Root() {
		return true
	}
	if newUID >= 0 && uint32(newUID) != ino.UID {
		return false
	}
	if newGID >= 0 && uint32(newGID) != ino.GID {
		if c.EUID != ino.UID {
			return false
		}
		if !c.inGroup(uint32(newGID)) {
			return false
		}
	}
	return true
}

// ClearSetID reports whether chown-ing an executable, set-id inode owned by
// a non-root caller must clear the set-id bits (spec.md §4.L).
func ClearSetID(c *Creds, modeHasSetID bool) bool {
	return modeHasSetID && !c.Root()
}
