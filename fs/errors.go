package fs

import "github.com/pkg/errors"

// Sentinel errors replace the pointer-encoded negative-integer errors of
// the original (spec.md §7/§9): callers use errors.Is against these instead
// of an IS_ERR/PTR_ERR predicate.
var (
	ErrNotExist  = errors.New("ENOENT")
	ErrNotDir    = errors.New("ENOTDIR")
	ErrIsDir     = errors.New("EISDIR")
	ErrExist     = errors.New("EEXIST")
	ErrPerm      = errors.New("EPERM")
	ErrAccess    = errors.New("EACCES")
	ErrNotEmpty  = errors.New("ENOTEMPTY")
	ErrInvalid   = errors.New("EINVAL")
	ErrIO        = errors.New("EIO")
	ErrNoSpace   = errors.New("ENOSPC")
	ErrCrossDev  = errors.New("EXDEV")
	ErrNameTooLong = errors.New("ENAMETOOLONG")
)
