package ckvdb

import (
	"github.com/intellect4all/ckvdb/btree"
	"github.com/intellect4all/ckvdb/common"
)

// Database is a single open handle over one backing file. There is no
// package-level state: everything lives behind this handle.
type Database struct {
	pager *btree.Pager
}

type dbOptions struct {
	cfg btree.Config
	fs  btree.Filesystem
}

// Option configures Create/Open.
type Option func(*dbOptions)

func WithPageSize(n int) Option {
	return func(o *dbOptions) { o.cfg.PageSize = n }
}

func WithCacheSize(n int) Option {
	return func(o *dbOptions) { o.cfg.CacheSize = n }
}

// WithNonDurable elides the final barrier-sync at commit: faster, but
// a crash may lose the tail of recent transactions without ever
// corrupting the store.
func WithNonDurable() Option {
	return func(o *dbOptions) { o.cfg.NonDurable = true }
}

// WithFilesystem overrides the backing Filesystem, used by tests to
// run entirely in memory (btree.MemFilesystem) without touching a
// real advisory lock.
func WithFilesystem(fs btree.Filesystem) Option {
	return func(o *dbOptions) { o.fs = fs }
}

func buildOptions(opts []Option) dbOptions {
	o := dbOptions{cfg: btree.DefaultConfig(), fs: btree.OSFilesystem{}}
	o.cfg.Logger = Logger
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Create opens path, creating and initializing a new store if absent.
func Create(path string, opts ...Option) (*Database, error) {
	return openDatabase(path, opts, true)
}

// Open opens an existing store, running recovery; it fails if the
// path does not exist.
func Open(path string, opts ...Option) (*Database, error) {
	return openDatabase(path, opts, false)
}

func openDatabase(path string, opts []Option, createIfAbsent bool) (*Database, error) {
	o := buildOptions(opts)

	// OS-backed stores go through LockedFilesystem so the pager's own
	// file handle carries the exclusive advisory lock; the in-memory
	// test filesystem has no descriptor to lock and needs none.
	if _, isOSBacked := o.fs.(btree.OSFilesystem); isOSBacked {
		o.fs = btree.NewLockedFilesystem(o.fs)
	}

	var pager *btree.Pager
	var err error
	if createIfAbsent {
		pager, err = btree.Create(o.fs, path, o.cfg)
	} else {
		pager, err = btree.Open(o.fs, path, o.cfg)
	}
	if err != nil {
		return nil, translate(err)
	}

	return &Database{pager: pager}, nil
}

// Close closes the backing file, releasing the advisory lock with it.
func (db *Database) Close() error {
	return translate(db.pager.Close())
}

// BeginRead registers a reader at the current committed root.
func (db *Database) BeginRead() *ReadTransaction {
	tx := db.pager.BeginRead()
	return &ReadTransaction{db: db, tx: tx, mst: tx.Tree()}
}

// BeginWrite acquires the writer lock and forks the master.
func (db *Database) BeginWrite() *WriteTransaction {
	tx := db.pager.BeginWrite()
	return &WriteTransaction{db: db, tx: tx, mst: tx.Tree()}
}

// Stats reports pager-level counters.
func (db *Database) Stats() common.Stats {
	return db.pager.Stats()
}
