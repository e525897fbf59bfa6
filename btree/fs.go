package btree

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Filesystem is the injectable capability the pager opens its backing
// file through. It exists so tests can run entirely in memory (see
// MemFilesystem) while production code talks to the host OS
// (OSFilesystem).
type Filesystem interface {
	// Exists reports whether path names an existing file.
	Exists(path string) (bool, error)

	// Create opens path for read+write, creating it if absent. It
	// never truncates an existing file.
	Create(path string) (File, error)

	// Open opens an existing path for read+write. It fails if the
	// path does not exist.
	Open(path string) (File, error)
}

// FileInfo is the subset of file metadata the pager needs.
type FileInfo struct {
	Length int64
}

// File is a positional, unbuffered file handle. Read and Write never
// partially succeed: Read fills the buffer completely or fails,
// Write consumes every byte or fails.
type File interface {
	io.Closer

	Metadata() (FileInfo, error)

	// SetLength truncates or zero-extends the file to exactly n
	// bytes.
	SetLength(n int64) error

	// ReadAt reads len(buf) bytes starting at offset. A short read
	// is an error, never a partial result.
	ReadAt(buf []byte, offset int64) error

	// WriteAt writes all of buf starting at offset. A short write
	// is an error.
	WriteAt(buf []byte, offset int64) error

	// FlushData pushes buffered writes to the device without
	// necessarily updating file metadata (data-only sync).
	FlushData() error

	// BarrierSync is the durability fence: once it returns, all
	// writes issued before it are guaranteed observable before any
	// write issued after it. Where the platform exposes a cheaper
	// ordering primitive than a full sync, implementations may use
	// it; otherwise this degrades to FlushData.
	BarrierSync() error
}

// OSFilesystem backs File with regular host files.
type OSFilesystem struct{}

func (OSFilesystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "stat")
}

func (OSFilesystem) Create(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create")
	}
	return &osFile{f: f}, nil
}

func (OSFilesystem) Open(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	return &osFile{f: f}, nil
}

type osFile struct {
	f *os.File
}

func (o *osFile) Metadata() (FileInfo, error) {
	st, err := o.f.Stat()
	if err != nil {
		return FileInfo{}, errors.Wrap(err, "stat")
	}
	return FileInfo{Length: st.Size()}, nil
}

func (o *osFile) SetLength(n int64) error {
	if err := o.f.Truncate(n); err != nil {
		return errors.Wrap(err, "truncate")
	}
	return nil
}

func (o *osFile) ReadAt(buf []byte, offset int64) error {
	n, err := o.f.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return errors.Wrap(err, "read")
	}
	if n != len(buf) {
		return errors.New("short read")
	}
	return nil
}

func (o *osFile) WriteAt(buf []byte, offset int64) error {
	n, err := o.f.WriteAt(buf, offset)
	if err != nil {
		return errors.Wrap(err, "write")
	}
	if n != len(buf) {
		return errors.New("short write")
	}
	return nil
}

func (o *osFile) FlushData() error {
	if err := o.f.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	return nil
}

func (o *osFile) BarrierSync() error {
	// The weaker write-barrier primitives some OSes expose are not
	// reachable through the standard library, so the barrier is a full
	// sync on every platform.
	return o.FlushData()
}

// Fd exposes the raw descriptor so LockedFile can flock the same
// descriptor the pager reads and writes through.
func (o *osFile) Fd() uintptr {
	return o.f.Fd()
}

func (o *osFile) Close() error {
	return o.f.Close()
}
