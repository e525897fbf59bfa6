package ckvdb

import "github.com/intellect4all/ckvdb/btree"

func checkFingerprint(name string, root tableRoot, keyCodec, valueCodec Codec) error {
	if root.KeyFP != keyCodec.Fingerprint() || root.ValFP != valueCodec.Fingerprint() {
		return newTableTypeMismatch(name, keyCodec.Name+"/"+valueCodec.Name, "stored-fingerprint-mismatch")
	}
	return nil
}

// ReadOnlyTable is the read-side table handle: lookups and range scans
// over the snapshot its transaction pinned, with no mutation surface.
type ReadOnlyTable struct {
	name  string
	tree  *btree.Tree
	count uint64
}

func (t *ReadOnlyTable) Get(key []byte) ([]byte, bool, error) {
	v, ok, err := t.tree.Get(key)
	return v, ok, translate(err)
}

func (t *ReadOnlyTable) Range(lower, upper []byte) (*btree.RangeIterator, error) {
	it, err := t.tree.Range(lower, upper)
	return it, translate(err)
}

func (t *ReadOnlyTable) Len() uint64     { return t.count }
func (t *ReadOnlyTable) IsEmpty() bool   { return t.count == 0 }

// Table is the mutable table handle. It borrows from its owning
// WriteTransaction and cannot outlive it.
type Table struct {
	name  string
	wtx   *WriteTransaction
	tree  *btree.Tree
	count uint64
	keyFP uint64
	valFP uint64
}

func (t *Table) Get(key []byte) ([]byte, bool, error) {
	v, ok, err := t.tree.Get(key)
	return v, ok, translate(err)
}

func (t *Table) Insert(key, value []byte) error {
	_, existed, _ := t.tree.Get(key)
	if err := t.tree.Insert(key, value); err != nil {
		if err == btree.ErrValueTooLarge {
			return newValueTooLarge(len(key) + len(value))
		}
		return translate(err)
	}
	if !existed {
		t.count++
	}
	return nil
}

// InsertReserve sizes a leaf entry up front and returns a callback
// that fills and commits it. Every node is rebuilt wholesale under
// copy-on-write regardless of when its bytes are finalized, so the
// entry is simply built when the filler runs; an in-place reservation
// would buy nothing.
func (t *Table) InsertReserve(key []byte, length int) (fill func([]byte) error, err error) {
	buf := make([]byte, length)
	return func(value []byte) error {
		copy(buf, value)
		return t.Insert(key, buf)
	}, nil
}

func (t *Table) Remove(key []byte) ([]byte, bool, error) {
	v, ok, err := t.tree.Remove(key)
	if err != nil {
		return nil, false, translate(err)
	}
	if ok {
		t.count--
	}
	return v, ok, nil
}

func (t *Table) Range(lower, upper []byte) (*btree.RangeIterator, error) {
	it, err := t.tree.Range(lower, upper)
	return it, translate(err)
}

func (t *Table) Len() uint64   { return t.count }
func (t *Table) IsEmpty() bool { return t.count == 0 }

// PopFirst removes and returns the smallest key.
func (t *Table) PopFirst() ([]byte, []byte, bool, error) {
	return t.popEdge(false)
}

// PopLast removes and returns the largest key.
func (t *Table) PopLast() ([]byte, []byte, bool, error) {
	return t.popEdge(true)
}

func (t *Table) popEdge(last bool) ([]byte, []byte, bool, error) {
	it, err := t.tree.Range(nil, nil)
	if err != nil {
		return nil, nil, false, translate(err)
	}
	var guard *btree.AccessGuard
	var key []byte
	var ok bool
	if last {
		guard, key, ok = it.NextBack()
	} else {
		guard, key, ok = it.Next()
	}
	if !ok {
		return nil, nil, false, nil
	}
	value := append([]byte(nil), guard.Bytes()...)
	_ = guard.Close()
	k := append([]byte(nil), key...)
	_, _, err = t.Remove(k)
	if err != nil {
		return nil, nil, false, translate(err)
	}
	return k, value, true, nil
}

// Drain removes and returns every entry in [lower, upper).
func (t *Table) Drain(lower, upper []byte) ([][2][]byte, error) {
	return t.DrainFilter(lower, upper, func([]byte, []byte) bool { return true })
}

// DrainFilter removes and returns every entry in [lower, upper)
// matching pred, in a single collect-then-remove pass.
func (t *Table) DrainFilter(lower, upper []byte, pred func(key, value []byte) bool) ([][2][]byte, error) {
	it, err := t.tree.Range(lower, upper)
	if err != nil {
		return nil, translate(err)
	}
	var toRemove [][]byte
	var out [][2][]byte
	for {
		guard, key, ok := it.Next()
		if !ok {
			break
		}
		if pred(key, guard.Bytes()) {
			out = append(out, [2][]byte{
				append([]byte(nil), key...),
				append([]byte(nil), guard.Bytes()...),
			})
			toRemove = append(toRemove, append([]byte(nil), key...))
		}
		_ = guard.Close()
	}
	for _, k := range toRemove {
		if _, _, err := t.Remove(k); err != nil {
			return nil, translate(err)
		}
	}
	return out, nil
}
