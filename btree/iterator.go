package btree

import (
	"bytes"

	"github.com/pkg/errors"
)

// RangeIterator walks a Tree's entries in key order over [lower,
// upper), either bound nil for open-ended, consumable from both ends.
// The matching entries are collected at construction from the
// snapshot root rather than lazily through a stack of pinned-page
// frames. Every entry is handed back through an AccessGuard, but those
// guards hold no page pin.
type RangeIterator struct {
	pager   *Pager
	entries []LeafEntry
	lo, hi  int // remaining window [lo, hi)
	err     error
}

// Range returns an iterator over keys in [lower, upper). A nil bound
// is open on that side.
func (t *Tree) Range(lower, upper []byte) (*RangeIterator, error) {
	var entries []LeafEntry
	if !t.Root.IsNull() {
		if err := t.collectRange(t.Root, t.RootSum, lower, upper, &entries); err != nil {
			return nil, err
		}
	}
	return &RangeIterator{pager: t.pager, entries: entries, lo: 0, hi: len(entries)}, nil
}

func (t *Tree) collectRange(pn PageNumber, sum Checksum, lower, upper []byte, out *[]LeafEntry) error {
	content, err := t.pager.ReadNode(pn, sum)
	if err != nil {
		return err
	}
	switch NodeKind(content) {
	case NodeKindLeaf:
		entries, err := DecodeLeaf(content)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if lower != nil && bytes.Compare(e.Key, lower) < 0 {
				continue
			}
			if upper != nil && bytes.Compare(e.Key, upper) >= 0 {
				continue
			}
			*out = append(*out, e)
		}
		return nil
	case NodeKindInternal:
		node, err := DecodeInternal(content)
		if err != nil {
			return err
		}
		start, end := 0, len(node.Children)
		if lower != nil {
			start = node.ChildIndexFor(lower)
		}
		if upper != nil {
			end = node.ChildIndexFor(upper) + 1
			if end > len(node.Children) {
				end = len(node.Children)
			}
		}
		for i := start; i < end; i++ {
			if err := t.collectRange(node.Children[i], node.ChildChecksums[i], lower, upper, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Wrap(ErrCorrupted, "unknown node kind")
	}
}

// Next advances from the low end; it reports whether an entry is
// available.
func (r *RangeIterator) Next() (*AccessGuard, []byte, bool) {
	if r.lo >= r.hi {
		return nil, nil, false
	}
	e := r.entries[r.lo]
	r.lo++
	return newAccessGuard(r.pager, NullPageNumber, e.Value), e.Key, true
}

// NextBack advances from the high end (reverse iteration).
func (r *RangeIterator) NextBack() (*AccessGuard, []byte, bool) {
	if r.lo >= r.hi {
		return nil, nil, false
	}
	r.hi--
	e := r.entries[r.hi]
	return newAccessGuard(r.pager, NullPageNumber, e.Value), e.Key, true
}

func (r *RangeIterator) Error() error { return r.err }

func (r *RangeIterator) Close() error { return nil }

// Len reports how many entries remain unconsumed.
func (r *RangeIterator) Len() int { return r.hi - r.lo }
