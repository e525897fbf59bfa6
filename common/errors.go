package common

import "errors"

// Low-level sentinels shared between the pager and B-tree layers. The
// closed, user-facing error kind set lives in the root package's
// Error/Kind type (errors.go); these are the plumbing errors it wraps.
var (
	ErrDiskFull      = errors.New("disk full")
	ErrPageNotFound  = errors.New("page not found")
	ErrAlreadyLocked = errors.New("database already open")
)
