package ckvdb

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/intellect4all/ckvdb/btree"
	"github.com/intellect4all/ckvdb/common"
)

// Kind is the closed set of error conditions the public API reports.
type Kind int

const (
	KindIO Kind = iota
	KindDatabaseAlreadyOpen
	KindCorrupted
	KindValueTooLarge
	KindTableTypeMismatch
	KindUpgradeRequired
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "Io"
	case KindDatabaseAlreadyOpen:
		return "DatabaseAlreadyOpen"
	case KindCorrupted:
		return "Corrupted"
	case KindValueTooLarge:
		return "ValueTooLarge"
	case KindTableTypeMismatch:
		return "TableTypeMismatch"
	case KindUpgradeRequired:
		return "UpgradeRequired"
	default:
		return "Unknown"
	}
}

// Error is the single error type the public API returns, carrying a
// closed Kind plus whatever detail and wrapped cause produced it. Most
// fields beyond Kind are optional, populated only when the kind calls
// for them (e.g. TableTypeMismatch's table name).
type Error struct {
	Kind Kind

	Table        string
	Expected     string
	Actual       string
	Size         int
	Version      uint32
	Detail       string
	Cause        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindDatabaseAlreadyOpen:
		return "database already open"
	case KindIO:
		return fmt.Sprintf("i/o error: %v", e.Cause)
	case KindCorrupted:
		return fmt.Sprintf("corrupted: %s", e.Detail)
	case KindValueTooLarge:
		return fmt.Sprintf("value too large: %d bytes", e.Size)
	case KindTableTypeMismatch:
		return fmt.Sprintf("table %q type mismatch: expected %s, got %s", e.Table, e.Expected, e.Actual)
	case KindUpgradeRequired:
		return fmt.Sprintf("upgrade required: on-disk version %d", e.Version)
	default:
		return "ckvdb: unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ckvdb.ErrDatabaseAlreadyOpen) read naturally
// for callers who only care about the kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

var (
	ErrDatabaseAlreadyOpen = &Error{Kind: KindDatabaseAlreadyOpen}
	ErrCorrupted           = &Error{Kind: KindCorrupted}
)

// ErrTableNotFound reports a read transaction opening a table the
// master catalog has no entry for. It sits outside the Kind set: a
// missing table is an answer about the catalog's contents, not an
// engine failure.
var ErrTableNotFound = errors.New("table does not exist")

func wrapIO(cause error) error {
	return &Error{Kind: KindIO, Cause: errors.WithStack(cause)}
}

func newCorrupted(detail string, cause error) error {
	return &Error{Kind: KindCorrupted, Detail: detail, Cause: cause}
}

func newValueTooLarge(size int) error {
	return &Error{Kind: KindValueTooLarge, Size: size}
}

func newTableTypeMismatch(table, expected, actual string) error {
	return &Error{Kind: KindTableTypeMismatch, Table: table, Expected: expected, Actual: actual}
}

func newUpgradeRequired(version uint32) error {
	return &Error{Kind: KindUpgradeRequired, Version: version}
}

// translate maps the lower-level plumbing sentinels from common/ and
// btree into the closed public Kind set.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	var upgrade *btree.UpgradeError
	switch {
	case errors.Is(err, common.ErrAlreadyLocked):
		return ErrDatabaseAlreadyOpen
	case errors.Is(err, btree.ErrValueTooLarge):
		return newValueTooLarge(0)
	case errors.Is(err, btree.ErrCorrupted):
		return newCorrupted(err.Error(), err)
	case errors.As(err, &upgrade):
		return newUpgradeRequired(upgrade.Version)
	default:
		return wrapIO(err)
	}
}
