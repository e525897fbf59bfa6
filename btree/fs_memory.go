package btree

import (
	"sync"

	"github.com/intellect4all/ckvdb/common"
)

// MemFilesystem is a purely in-memory Filesystem for deterministic
// tests, in particular crash-injection scenarios that need to reopen a
// path and observe exactly the bytes a prior handle last wrote.
// Buffers are keyed by path and survive Close: closing and reopening
// the same logical path observes the same bytes, like a real file.
type MemFilesystem struct {
	mu    sync.Mutex
	files map[string]*memBuf
}

// NewMemFilesystem returns an empty in-memory filesystem.
func NewMemFilesystem() *MemFilesystem {
	return &MemFilesystem{files: make(map[string]*memBuf)}
}

type memBuf struct {
	mu   sync.Mutex
	data []byte
}

func (m *MemFilesystem) Exists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok, nil
}

func (m *MemFilesystem) Create(path string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	if !ok {
		b = &memBuf{}
		m.files[path] = b
	}
	return &memFile{buf: b}, nil
}

func (m *MemFilesystem) Open(path string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	if !ok {
		return nil, common.ErrPageNotFound
	}
	return &memFile{buf: b}, nil
}

// Truncate cuts a path's bytes to n, simulating an external truncation
// (a crash partway through a write) for recovery tests. Tests that
// want a partial-write crash on an open handle call SetLength instead.
func (m *MemFilesystem) Truncate(path string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < len(b.data) {
		b.data = b.data[:n]
	}
}

type memFile struct {
	buf *memBuf
}

func (f *memFile) Metadata() (FileInfo, error) {
	f.buf.mu.Lock()
	defer f.buf.mu.Unlock()
	return FileInfo{Length: int64(len(f.buf.data))}, nil
}

func (f *memFile) SetLength(n int64) error {
	f.buf.mu.Lock()
	defer f.buf.mu.Unlock()
	cur := int64(len(f.buf.data))
	if n <= cur {
		f.buf.data = f.buf.data[:n]
		return nil
	}
	grown := make([]byte, n)
	copy(grown, f.buf.data)
	f.buf.data = grown
	return nil
}

func (f *memFile) ReadAt(buf []byte, offset int64) error {
	f.buf.mu.Lock()
	defer f.buf.mu.Unlock()
	end := offset + int64(len(buf))
	if offset < 0 || end > int64(len(f.buf.data)) {
		return common.ErrPageNotFound
	}
	copy(buf, f.buf.data[offset:end])
	return nil
}

func (f *memFile) WriteAt(buf []byte, offset int64) error {
	f.buf.mu.Lock()
	defer f.buf.mu.Unlock()
	end := offset + int64(len(buf))
	if end > int64(len(f.buf.data)) {
		grown := make([]byte, end)
		copy(grown, f.buf.data)
		f.buf.data = grown
	}
	copy(f.buf.data[offset:end], buf)
	return nil
}

func (f *memFile) FlushData() error    { return nil }
func (f *memFile) BarrierSync() error  { return nil }
func (f *memFile) Close() error        { return nil }
