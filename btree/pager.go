package btree

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/intellect4all/ckvdb/common"
)

// Config parameterizes a store.
type Config struct {
	PageSize   int
	CacheSize  int
	NonDurable bool // elide the final barrier-sync at commit
	Logger     zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		PageSize:  4096,
		CacheSize: 4096,
		Logger:    zerolog.Nop(),
	}
}

// maxValueLength bounds a single key+value cell, derived from the
// configured page size at Create/Open, and is enforced before any
// allocation. The cap is three pages, while a leaf is a single page
// and an overflowing leaf is split once at its midpoint: a cell under
// the cap but too large for its half of a split still fails to insert,
// with an error other than ErrValueTooLarge.
func maxValueLength(pageSize int) int {
	return pageSize * 3
}

// Pager owns the backing file, the allocator, the page cache, the
// live-reader registry, and the commit protocol. A page reachable from
// the valid superblock is never overwritten in place; mutation always
// lands on freshly allocated pages.
type Pager struct {
	fs   Filesystem
	path string
	file File

	pageSize int
	cfg      Config

	mu        sync.Mutex // guards allocator + superblock + in-progress commit state
	allocator *Allocator
	super     Superblock
	nextSlot  int // which superblock slot the next commit writes

	cache   *PageCache
	readers *readerRegistry

	writerMu sync.Mutex // single-writer exclusion

	closed atomic.Bool

	stats struct {
		reads, writes, commits atomic.Int64
	}

	log zerolog.Logger
}

// Create initializes a brand-new store: both superblock slots, a
// zero-length master tree, and the reserved first two pages.
func Create(fs Filesystem, path string, cfg Config) (*Pager, error) {
	exists, err := fs.Exists(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	if exists {
		return Open(fs, path, cfg)
	}
	if cfg.PageSize == 0 {
		cfg = DefaultConfig()
	}
	f, err := fs.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create")
	}

	log2 := pageSizeLog2(cfg.PageSize)
	if 1<<log2 != cfg.PageSize {
		_ = f.Close()
		return nil, errors.New("page size must be a power of two")
	}

	initial := Superblock{
		Version:      CurrentVersion,
		PageSizeLog2: log2,
		TxID:         0,
		MasterRoot:   NullPageNumber,
		FreedRoot:    NullPageNumber,
		Valid:        true,
	}
	if err := f.SetLength(int64(2 * cfg.PageSize)); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "extend for superblocks")
	}
	if err := writeSlot(f, cfg.PageSize, 0, initial); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := writeSlot(f, cfg.PageSize, 1, initial); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.BarrierSync(); err != nil {
		_ = f.Close()
		return nil, err
	}

	p := &Pager{
		fs:        fs,
		path:      path,
		file:      f,
		pageSize:  cfg.PageSize,
		cfg:       cfg,
		super:     initial,
		nextSlot:  1,
		allocator: NewAllocator(cfg.PageSize, initial.RegionPages),
		cache:     NewPageCache(cfg.CacheSize),
		readers:   newReaderRegistry(),
		log:       cfg.Logger,
	}
	p.log.Info().Str("path", path).Int("page_size", cfg.PageSize).Msg("created store")
	return p, nil
}

// Open opens an existing store and recovers the valid superblock slot.
func Open(fs Filesystem, path string, cfg Config) (*Pager, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}

	// Peek the page size from slot 0's raw header bytes, unverified;
	// both slots share the same page size field by construction.
	probe := make([]byte, 64)
	if err := f.ReadAt(probe, 0); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "probe header")
	}
	pageSizeLog2Byte := probe[8+4]
	pageSize := 1 << pageSizeLog2Byte

	super, err := recoverSuperblock(f, pageSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if super.Version > CurrentVersion {
		_ = f.Close()
		return nil, &UpgradeError{Version: super.Version}
	}

	if cfg.CacheSize == 0 {
		cfg = DefaultConfig()
	}
	cfg.PageSize = pageSize

	nextSlot := int((super.TxID + 1) % 2)
	p := &Pager{
		fs:        fs,
		path:      path,
		file:      f,
		pageSize:  pageSize,
		cfg:       cfg,
		super:     super,
		nextSlot:  nextSlot,
		allocator: NewAllocator(pageSize, super.RegionPages),
		cache:     NewPageCache(cfg.CacheSize),
		readers:   newReaderRegistry(),
		log:       cfg.Logger,
	}
	p.log.Info().Str("path", path).Uint64("tx_id", super.TxID).Msg("recovered store")
	return p, nil
}

func pageSizeLog2(n int) uint8 {
	var log uint8
	for (1 << log) < n {
		log++
	}
	return log
}

func (p *Pager) PageSize() int       { return p.pageSize }
func (p *Pager) MaxValueLength() int { return maxValueLength(p.pageSize) }

func (p *Pager) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.file.Close()
}

// Stats reports a snapshot of cumulative counters.
func (p *Pager) Stats() common.Stats {
	hits, misses := p.cache.Stats()
	p.mu.Lock()
	size := p.allocator.FileSize()
	p.mu.Unlock()
	return common.Stats{
		NumPages:      size / int64(p.pageSize),
		TotalDiskSize: size,
		ReadCount:     p.stats.reads.Load(),
		WriteCount:    p.stats.writes.Load(),
		CommitCount:   p.stats.commits.Load(),
		CacheHits:     hits,
		CacheMisses:   misses,
	}
}

// ReadNode fetches a node's content by PageNumber. A page read from
// disk is verified against the checksum the parent (or superblock)
// recorded; a cache hit is returned without that comparison.
func (p *Pager) ReadNode(pn PageNumber, want Checksum) ([]byte, error) {
	if buf, ok := p.cache.Get(pn); ok {
		defer p.cache.Unpin(pn)
		content, err := ReadPageContent(buf)
		if err != nil {
			return nil, err
		}
		return content, nil
	}

	p.mu.Lock()
	if err := p.allocator.ValidateRegion(pn); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	offset := p.allocator.Offset(pn)
	p.mu.Unlock()

	buf := make([]byte, p.pageSize)
	if err := p.file.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrap(err, "read page")
	}
	p.stats.reads.Add(1)
	content, err := ReadPageContent(buf)
	if err != nil {
		return nil, err
	}
	got := ComputeChecksum(content)
	if got != want {
		return nil, errors.Wrap(ErrCorrupted, "page checksum does not match parent record")
	}
	p.cache.Insert(pn, buf)
	p.cache.Unpin(pn)
	return content, nil
}
