package ckvdb

import (
	"github.com/pkg/errors"

	"github.com/intellect4all/ckvdb/btree"
)

// ReadTransaction pins the master-root recorded at begin, so repeated
// opens of the same table within it observe the same root.
type ReadTransaction struct {
	db  *Database
	tx  *btree.ReadTx
	mst *btree.Tree
}

// OpenTable looks up name in the master catalog and returns a
// read-only handle over it. A fingerprint mismatch against keyCodec/
// valueCodec fails with TableTypeMismatch.
func (r *ReadTransaction) OpenTable(name string, keyCodec, valueCodec Codec) (*ReadOnlyTable, error) {
	raw, found, err := r.mst.Get(encodeMasterKey(name, false))
	if err != nil {
		return nil, translate(err)
	}
	if !found {
		return nil, errors.Wrapf(ErrTableNotFound, "table %q", name)
	}
	root := decodeTableRoot(raw)
	if err := checkFingerprint(name, root, keyCodec, valueCodec); err != nil {
		return nil, err
	}
	tableTree := r.db.pager.ReadTreeAt(root.Root, root.Sum)
	return &ReadOnlyTable{name: name, tree: tableTree, count: root.Count}, nil
}

func (r *ReadTransaction) Close() error {
	return r.tx.Close()
}

// WriteTransaction is the single mutable ticket outstanding at any
// time; only one may exist per store.
type WriteTransaction struct {
	db  *Database
	tx  *btree.WriteTx
	mst *btree.Tree

	openTables map[string]*Table
}

// OpenTable looks up name, creating an empty root if absent, and
// returns a mutable handle.
func (w *WriteTransaction) OpenTable(name string, keyCodec, valueCodec Codec) (*Table, error) {
	if existing, ok := w.openTables[name]; ok {
		return existing, nil
	}

	raw, found, err := w.mst.Get(encodeMasterKey(name, false))
	if err != nil {
		return nil, translate(err)
	}

	var root tableRoot
	if found {
		root = decodeTableRoot(raw)
		if err := checkFingerprint(name, root, keyCodec, valueCodec); err != nil {
			return nil, err
		}
	} else {
		root = tableRoot{
			Root:  btree.NullPageNumber,
			KeyFP: keyCodec.Fingerprint(),
			ValFP: valueCodec.Fingerprint(),
		}
	}

	tree := w.tx.TreeAt(root.Root, root.Sum)

	t := &Table{
		name:  name,
		wtx:   w,
		tree:  tree,
		count: root.Count,
		keyFP: root.KeyFP,
		valFP: root.ValFP,
	}
	if w.openTables == nil {
		w.openTables = make(map[string]*Table)
	}
	w.openTables[name] = t
	return t, nil
}

// closeTable writes a table's current root back into the master.
// Called automatically at Commit for every table opened under this
// write-tx.
func (w *WriteTransaction) closeTable(t *Table) error {
	rec := tableRoot{
		Root:  t.tree.Root,
		Sum:   t.tree.RootSum,
		KeyFP: t.keyFP,
		ValFP: t.valFP,
		Count: t.count,
	}
	return w.mst.Insert(encodeMasterKey(t.name, false), encodeTableRoot(rec))
}

// Commit closes every table opened under this transaction back into
// the master, then runs the pager's commit protocol.
func (w *WriteTransaction) Commit() error {
	for _, t := range w.openTables {
		if err := w.closeTable(t); err != nil {
			w.tx.Abort()
			return translate(err)
		}
	}
	w.tx.SetMasterRoot(w.mst.Root, w.mst.RootSum)
	if err := w.tx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

// Abort drops this transaction's state; the superblock is untouched.
func (w *WriteTransaction) Abort() {
	w.tx.Abort()
}
