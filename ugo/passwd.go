package ugo

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PasswdEntry is one /etc/passwd record: seven colon-separated fields
// (spec.md §6).
type PasswdEntry struct {
	Username string
	Password string
	UID      uint32
	GID      uint32
	GECOS    string
	Home     string
	Shell    string
}

// LoadPasswd parses /etc/passwd's seven-colon-field-per-line format.
func LoadPasswd(r io.Reader) ([]PasswdEntry, error) {
	var entries []PasswdEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Split(line, ":")
		if len(f) != 7 {
			return nil, errors.Errorf("ugo: malformed /etc/passwd line: %q", line)
		}
		uid, err := strconv.ParseUint(f[2], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "ugo: uid field in %q", line)
		}
		gid, err := strconv.ParseUint(f[3], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "ugo: gid field in %q", line)
		}
		entries = append(entries, PasswdEntry{
			Username: f[0], Password: f[1],
			UID: uint32(uid), GID: uint32(gid),
			GECOS: f[4], Home: f[5], Shell: f[6],
		})
	}
	return entries, sc.Err()
}

// GroupEntry is one /etc/group record: four colon-separated fields, the
// last a comma-separated member list (spec.md §6).
type GroupEntry struct {
	Name    string
	Password string
	GID     uint32
	Members []string
}

// LoadGroups parses /etc/group.
func LoadGroups(r io.Reader) ([]GroupEntry, error) {
	var entries []GroupEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Split(line, ":")
		if len(f) != 4 {
			return nil, errors.Errorf("ugo: malformed /etc/group line: %q", line)
		}
		gid, err := strconv.ParseUint(f[2], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "ugo: gid field in %q", line)
		}
		var members []string
		if f[3] != "" {
			members = strings.Split(f[3], ",")
		}
		entries = append(entries, GroupEntry{Name: f[0], Password: f[1], GID: uint32(gid), Members: members})
	}
	return entries, sc.Err()
}

// SupplementaryGroups returns the gids of every group whose member list
// contains username, for building a process's initial Creds.Groups.
func SupplementaryGroups(groups []GroupEntry, username string) []uint32 {
	var out []uint32
	for _, g := range groups {
		for _, m := range g.Members {
			if m == username {
				out = append(out, g.GID)
				break
			}
		}
	}
	return out
}
