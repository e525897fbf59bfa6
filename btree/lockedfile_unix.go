//go:build unix

package btree

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intellect4all/ckvdb/common"
)

// LockedFile wraps the File the pager does all I/O through with an
// advisory, process-exclusive, non-blocking flock(2) taken on that
// same descriptor, acquired at construction and released on Close. One
// handle, one lock: every positional read and write below goes through
// the locked descriptor, so exactly one process can touch the store's
// bytes for the handle's lifetime. EWOULDBLOCK is distinguished from
// any other fault so callers can report "database already open"
// specifically.
type LockedFile struct {
	file File
	fd   int
}

// descriptor is satisfied by OS-backed files that expose their raw
// file descriptor for locking.
type descriptor interface {
	Fd() uintptr
}

// NewLockedFile locks file's descriptor and returns a handle that
// performs all further I/O through it.
func NewLockedFile(file File) (*LockedFile, error) {
	d, ok := file.(descriptor)
	if !ok {
		return nil, errors.New("file does not expose a descriptor to lock")
	}
	fd := int(d.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, common.ErrAlreadyLocked
		}
		return nil, errors.Wrap(err, "flock")
	}
	return &LockedFile{file: file, fd: fd}, nil
}

// ReadAt reads exactly len(buf) bytes at offset through the locked
// descriptor; a short read is an error, never a partial result.
func (l *LockedFile) ReadAt(buf []byte, offset int64) error {
	return l.file.ReadAt(buf, offset)
}

// WriteAt writes all of buf at offset through the locked descriptor; a
// short write is an error.
func (l *LockedFile) WriteAt(buf []byte, offset int64) error {
	return l.file.WriteAt(buf, offset)
}

func (l *LockedFile) Metadata() (FileInfo, error) { return l.file.Metadata() }
func (l *LockedFile) SetLength(n int64) error     { return l.file.SetLength(n) }
func (l *LockedFile) FlushData() error            { return l.file.FlushData() }
func (l *LockedFile) BarrierSync() error          { return l.file.BarrierSync() }

// Close releases the lock, then closes the file. Failure to unlock is
// swallowed: the OS releases the lock when the descriptor closes
// regardless.
func (l *LockedFile) Close() error {
	_ = unix.Flock(l.fd, unix.LOCK_UN)
	return l.file.Close()
}

// LockedFilesystem decorates an OS-backed Filesystem so every handle
// it hands out holds the exclusive advisory lock for its lifetime. The
// pager opens its backing file through a Filesystem, so wrapping here
// is what puts the pager's own I/O behind the lock.
type LockedFilesystem struct {
	inner Filesystem
}

func NewLockedFilesystem(inner Filesystem) LockedFilesystem {
	return LockedFilesystem{inner: inner}
}

func (l LockedFilesystem) Exists(path string) (bool, error) {
	return l.inner.Exists(path)
}

func (l LockedFilesystem) Create(path string) (File, error) {
	f, err := l.inner.Create(path)
	if err != nil {
		return nil, err
	}
	lf, err := NewLockedFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return lf, nil
}

func (l LockedFilesystem) Open(path string) (File, error) {
	f, err := l.inner.Open(path)
	if err != nil {
		return nil, err
	}
	lf, err := NewLockedFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return lf, nil
}
