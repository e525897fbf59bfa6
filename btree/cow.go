package btree

import "github.com/pkg/errors"

// Tree is a copy-on-write ordered map over pages. The same
// codec-agnostic engine backs user tables, the master catalog, and the
// freed-tree: all three are ordinary B-trees keyed and valued by
// opaque bytes, differing only in what their caller encodes.
//
// A Tree bound to a ReadTx (wtx == nil) only reads. A Tree bound to a
// WriteTx allocates and frees pages as it rewrites the path to root.
type Tree struct {
	pager *Pager
	wtx   *WriteTx

	Root    PageNumber
	RootSum Checksum
}

// ReadTreeAt binds a read-only Tree to an arbitrary root, used to open
// a table (as opposed to the master catalog) within an existing
// ReadTx's pager.
func (p *Pager) ReadTreeAt(root PageNumber, sum Checksum) *Tree {
	return &Tree{pager: p, Root: root, RootSum: sum}
}

// TreeAt binds a mutable Tree under this write-tx to an arbitrary
// root, used to open a table for writing.
func (w *WriteTx) TreeAt(root PageNumber, sum Checksum) *Tree {
	return &Tree{pager: w.pager, wtx: w, Root: root, RootSum: sum}
}

// Get descends from the root, binary-searching each node.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if t.Root.IsNull() {
		return nil, false, nil
	}
	pn, sum := t.Root, t.RootSum
	for {
		content, err := t.pager.ReadNode(pn, sum)
		if err != nil {
			return nil, false, err
		}
		switch NodeKind(content) {
		case NodeKindLeaf:
			entries, err := DecodeLeaf(content)
			if err != nil {
				return nil, false, err
			}
			idx, found := SearchLeaf(entries, key)
			if !found {
				return nil, false, nil
			}
			return entries[idx].Value, true, nil
		case NodeKindInternal:
			node, err := DecodeInternal(content)
			if err != nil {
				return nil, false, err
			}
			i := node.ChildIndexFor(key)
			pn, sum = node.Children[i], node.ChildChecksums[i]
		default:
			return nil, false, errors.Wrap(ErrCorrupted, "unknown node kind")
		}
	}
}

type nodeResult struct {
	pn  PageNumber
	sum Checksum

	// set when the node this result replaces had to split; the
	// caller links splitPN in as a new sibling separated by splitKey.
	splitKey []byte
	splitPN  PageNumber
	splitSum Checksum
}

func (t *Tree) requireWrite() error {
	if t.wtx == nil {
		return errors.New("tree is read-only")
	}
	return nil
}

func (t *Tree) allocate(content []byte) (PageNumber, Checksum, error) {
	return t.wtx.allocatePage(content)
}

func (t *Tree) free(pn PageNumber) {
	t.wtx.free(pn)
}

// Insert upserts key -> value, rewriting the path to root.
func (t *Tree) Insert(key, value []byte) error {
	if err := t.requireWrite(); err != nil {
		return err
	}
	if len(key)+len(value) > t.pager.MaxValueLength() {
		return ErrValueTooLarge
	}

	var res nodeResult
	var err error
	if t.Root.IsNull() {
		res, err = t.buildLeaf([]LeafEntry{{Key: key, Value: value}})
	} else {
		res, err = t.insertInto(t.Root, t.RootSum, key, value)
	}
	if err != nil {
		return err
	}
	return t.finishRoot(res)
}

func (t *Tree) finishRoot(res nodeResult) error {
	if res.splitKey == nil {
		t.Root, t.RootSum = res.pn, res.sum
		return nil
	}
	root := InternalNode{
		Children:       []PageNumber{res.pn, res.splitPN},
		ChildChecksums: []Checksum{res.sum, res.splitSum},
		Separators:     [][]byte{res.splitKey},
	}
	content, err := EncodeInternal(root, t.pager.pageSize)
	if err != nil {
		return err
	}
	pn, sum, err := t.allocate(content)
	if err != nil {
		return err
	}
	t.Root, t.RootSum = pn, sum
	return nil
}

func (t *Tree) insertInto(pn PageNumber, sum Checksum, key, value []byte) (nodeResult, error) {
	content, err := t.pager.ReadNode(pn, sum)
	if err != nil {
		return nodeResult{}, err
	}
	switch NodeKind(content) {
	case NodeKindLeaf:
		entries, err := DecodeLeaf(content)
		if err != nil {
			return nodeResult{}, err
		}
		idx, found := SearchLeaf(entries, key)
		if found {
			entries[idx].Value = value
		} else {
			entries = append(entries, LeafEntry{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = LeafEntry{Key: key, Value: value}
		}
		t.free(pn)
		return t.buildLeaf(entries)
	case NodeKindInternal:
		node, err := DecodeInternal(content)
		if err != nil {
			return nodeResult{}, err
		}
		i := node.ChildIndexFor(key)
		childRes, err := t.insertInto(node.Children[i], node.ChildChecksums[i], key, value)
		if err != nil {
			return nodeResult{}, err
		}
		node.Children[i] = childRes.pn
		node.ChildChecksums[i] = childRes.sum
		if childRes.splitKey != nil {
			node.Children = insertPN(node.Children, i+1, childRes.splitPN)
			node.ChildChecksums = insertChecksum(node.ChildChecksums, i+1, childRes.splitSum)
			node.Separators = insertBytes(node.Separators, i, childRes.splitKey)
		}
		t.free(pn)
		return t.buildInternal(node)
	default:
		return nodeResult{}, errors.Wrap(ErrCorrupted, "unknown node kind")
	}
}

func (t *Tree) buildLeaf(entries []LeafEntry) (nodeResult, error) {
	content, err := EncodeLeaf(entries, t.pager.pageSize)
	if err == nil {
		pn, sum, aerr := t.allocate(content)
		if aerr != nil {
			return nodeResult{}, aerr
		}
		return nodeResult{pn: pn, sum: sum}, nil
	}
	if !errors.Is(err, ErrPageOverflow) {
		return nodeResult{}, err
	}
	if len(entries) < 2 {
		return nodeResult{}, errors.New("single entry too large for one page")
	}
	mid := len(entries) / 2
	left, right := entries[:mid], entries[mid:]
	leftContent, err := EncodeLeaf(left, t.pager.pageSize)
	if err != nil {
		return nodeResult{}, err
	}
	rightContent, err := EncodeLeaf(right, t.pager.pageSize)
	if err != nil {
		return nodeResult{}, err
	}
	leftPN, leftSum, err := t.allocate(leftContent)
	if err != nil {
		return nodeResult{}, err
	}
	rightPN, rightSum, err := t.allocate(rightContent)
	if err != nil {
		return nodeResult{}, err
	}
	return nodeResult{
		pn: leftPN, sum: leftSum,
		splitKey: right[0].Key, splitPN: rightPN, splitSum: rightSum,
	}, nil
}

func (t *Tree) buildInternal(node InternalNode) (nodeResult, error) {
	content, err := EncodeInternal(node, t.pager.pageSize)
	if err == nil {
		pn, sum, aerr := t.allocate(content)
		if aerr != nil {
			return nodeResult{}, aerr
		}
		return nodeResult{pn: pn, sum: sum}, nil
	}
	if !errors.Is(err, ErrPageOverflow) {
		return nodeResult{}, err
	}
	if len(node.Children) < 3 {
		return nodeResult{}, errors.New("internal node cannot split further")
	}
	mid := len(node.Children) / 2
	upKey := node.Separators[mid-1]

	left := InternalNode{
		Children:       node.Children[:mid],
		ChildChecksums: node.ChildChecksums[:mid],
		Separators:     node.Separators[:mid-1],
	}
	right := InternalNode{
		Children:       node.Children[mid:],
		ChildChecksums: node.ChildChecksums[mid:],
		Separators:     node.Separators[mid:],
	}
	leftContent, err := EncodeInternal(left, t.pager.pageSize)
	if err != nil {
		return nodeResult{}, err
	}
	rightContent, err := EncodeInternal(right, t.pager.pageSize)
	if err != nil {
		return nodeResult{}, err
	}
	leftPN, leftSum, err := t.allocate(leftContent)
	if err != nil {
		return nodeResult{}, err
	}
	rightPN, rightSum, err := t.allocate(rightContent)
	if err != nil {
		return nodeResult{}, err
	}
	return nodeResult{
		pn: leftPN, sum: leftSum,
		splitKey: upKey, splitPN: rightPN, splitSum: rightSum,
	}, nil
}

func insertPN(s []PageNumber, i int, v PageNumber) []PageNumber {
	s = append(s, PageNumber{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertChecksum(s []Checksum, i int, v Checksum) []Checksum {
	s = append(s, Checksum{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertBytes(s [][]byte, i int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// ErrValueTooLarge is the plumbing sentinel the root package's Error
// wraps into Kind ValueTooLarge.
var ErrValueTooLarge = errors.New("key+value exceeds the per-entry cap")

// Remove deletes key if present, rewriting the path to root. A node
// the removal leaves below half full borrows entries from a sibling,
// or merges with it when the combination fits one page; an internal
// root reduced to a single child collapses into that child, shrinking
// tree height.
func (t *Tree) Remove(key []byte) ([]byte, bool, error) {
	if err := t.requireWrite(); err != nil {
		return nil, false, err
	}
	if t.Root.IsNull() {
		return nil, false, nil
	}
	removed, val, newRes, err := t.removeFrom(t.Root, t.RootSum, key)
	if err != nil {
		return nil, false, err
	}
	if !removed {
		return nil, false, nil
	}
	if newRes == nil {
		t.Root, t.RootSum = NullPageNumber, Checksum{}
		return val, true, nil
	}
	t.Root, t.RootSum = newRes.pn, newRes.sum
	if err := t.collapseRoot(); err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// collapseRoot unlinks internal root nodes left with a single child
// after merges lower down.
func (t *Tree) collapseRoot() error {
	for {
		content, err := t.pager.ReadNode(t.Root, t.RootSum)
		if err != nil {
			return err
		}
		if NodeKind(content) != NodeKindInternal {
			return nil
		}
		node, err := DecodeInternal(content)
		if err != nil {
			return err
		}
		if len(node.Children) != 1 {
			return nil
		}
		t.free(t.Root)
		t.Root, t.RootSum = node.Children[0], node.ChildChecksums[0]
	}
}

func (t *Tree) removeFrom(pn PageNumber, sum Checksum, key []byte) (removed bool, value []byte, res *nodeResult, err error) {
	content, err := t.pager.ReadNode(pn, sum)
	if err != nil {
		return false, nil, nil, err
	}
	switch NodeKind(content) {
	case NodeKindLeaf:
		entries, err := DecodeLeaf(content)
		if err != nil {
			return false, nil, nil, err
		}
		idx, found := SearchLeaf(entries, key)
		if !found {
			return false, nil, nil, nil
		}
		value = entries[idx].Value
		entries = append(entries[:idx], entries[idx+1:]...)
		t.free(pn)
		if len(entries) == 0 {
			return true, value, nil, nil
		}
		built, err := t.buildLeaf(entries)
		if err != nil {
			return false, nil, nil, err
		}
		return true, value, &nodeResult{pn: built.pn, sum: built.sum}, nil
	case NodeKindInternal:
		node, err := DecodeInternal(content)
		if err != nil {
			return false, nil, nil, err
		}
		i := node.ChildIndexFor(key)
		removed, value, childRes, err := t.removeFrom(node.Children[i], node.ChildChecksums[i], key)
		if err != nil || !removed {
			return removed, value, nil, err
		}
		t.free(pn)
		if childRes == nil {
			// Child emptied out entirely; drop it (and its separator)
			// unless it was the only child.
			if len(node.Children) == 1 {
				return true, value, nil, nil
			}
			node.Children = append(node.Children[:i], node.Children[i+1:]...)
			node.ChildChecksums = append(node.ChildChecksums[:i], node.ChildChecksums[i+1:]...)
			sepIdx := i
			if sepIdx == len(node.Separators) {
				sepIdx--
			}
			node.Separators = append(node.Separators[:sepIdx], node.Separators[sepIdx+1:]...)
		} else {
			node.Children[i] = childRes.pn
			node.ChildChecksums[i] = childRes.sum
			if err := t.rebalanceChild(&node, i); err != nil {
				return false, nil, nil, err
			}
		}
		built, err := t.buildInternal(node)
		if err != nil {
			return false, nil, nil, err
		}
		return true, value, &nodeResult{pn: built.pn, sum: built.sum}, nil
	default:
		return false, nil, nil, errors.Wrap(ErrCorrupted, "unknown node kind")
	}
}

// underfull reports whether a node's encoded content has dropped below
// half of a page's usable space.
func (t *Tree) underfull(content []byte) bool {
	return len(content)*2 < contentSize(t.pager.pageSize)
}

func (t *Tree) encodeAllocLeaf(entries []LeafEntry) (PageNumber, Checksum, error) {
	content, err := EncodeLeaf(entries, t.pager.pageSize)
	if err != nil {
		return PageNumber{}, Checksum{}, err
	}
	return t.allocate(content)
}

func (t *Tree) encodeAllocInternal(node InternalNode) (PageNumber, Checksum, error) {
	content, err := EncodeInternal(node, t.pager.pageSize)
	if err != nil {
		return PageNumber{}, Checksum{}, err
	}
	return t.allocate(content)
}

// collapseInto replaces children l and l+1 with the single merged page
// and drops the separator that divided them.
func collapseInto(node *InternalNode, l int, pn PageNumber, sum Checksum) {
	node.Children[l] = pn
	node.ChildChecksums[l] = sum
	node.Children = append(node.Children[:l+1], node.Children[l+2:]...)
	node.ChildChecksums = append(node.ChildChecksums[:l+1], node.ChildChecksums[l+2:]...)
	node.Separators = append(node.Separators[:l], node.Separators[l+1:]...)
}

// rebalanceChild restores fill for node.Children[i] after a removal
// left it below half full: its entries merge into a sibling when the
// combination fits one page, otherwise the two siblings' entries are
// redistributed evenly and the separator between them updated. Both
// outcomes rebuild the touched pages whole, like every other mutation.
func (t *Tree) rebalanceChild(node *InternalNode, i int) error {
	if len(node.Children) < 2 {
		return nil
	}
	content, err := t.pager.ReadNode(node.Children[i], node.ChildChecksums[i])
	if err != nil {
		return err
	}
	if !t.underfull(content) {
		return nil
	}

	l := i
	if l == len(node.Children)-1 {
		l--
	}
	r := l + 1
	leftContent, err := t.pager.ReadNode(node.Children[l], node.ChildChecksums[l])
	if err != nil {
		return err
	}
	rightContent, err := t.pager.ReadNode(node.Children[r], node.ChildChecksums[r])
	if err != nil {
		return err
	}
	if NodeKind(leftContent) != NodeKind(rightContent) {
		return errors.Wrap(ErrCorrupted, "sibling node kinds differ")
	}

	switch NodeKind(leftContent) {
	case NodeKindLeaf:
		leftEntries, err := DecodeLeaf(leftContent)
		if err != nil {
			return err
		}
		rightEntries, err := DecodeLeaf(rightContent)
		if err != nil {
			return err
		}
		combined := append(append([]LeafEntry{}, leftEntries...), rightEntries...)
		t.free(node.Children[l])
		t.free(node.Children[r])

		merged, err := EncodeLeaf(combined, t.pager.pageSize)
		if err == nil {
			pn, sum, aerr := t.allocate(merged)
			if aerr != nil {
				return aerr
			}
			collapseInto(node, l, pn, sum)
			return nil
		}
		if !errors.Is(err, ErrPageOverflow) {
			return err
		}
		mid := len(combined) / 2
		leftPN, leftSum, err := t.encodeAllocLeaf(combined[:mid])
		if err != nil {
			return err
		}
		rightPN, rightSum, err := t.encodeAllocLeaf(combined[mid:])
		if err != nil {
			return err
		}
		node.Children[l], node.ChildChecksums[l] = leftPN, leftSum
		node.Children[r], node.ChildChecksums[r] = rightPN, rightSum
		node.Separators[l] = combined[mid].Key
		return nil
	case NodeKindInternal:
		leftNode, err := DecodeInternal(leftContent)
		if err != nil {
			return err
		}
		rightNode, err := DecodeInternal(rightContent)
		if err != nil {
			return err
		}
		// The separator dividing the two siblings in the parent comes
		// down between their key ranges.
		combined := InternalNode{
			Children:       append(append([]PageNumber{}, leftNode.Children...), rightNode.Children...),
			ChildChecksums: append(append([]Checksum{}, leftNode.ChildChecksums...), rightNode.ChildChecksums...),
		}
		seps := append(append([][]byte{}, leftNode.Separators...), node.Separators[l])
		seps = append(seps, rightNode.Separators...)
		combined.Separators = seps
		t.free(node.Children[l])
		t.free(node.Children[r])

		merged, err := EncodeInternal(combined, t.pager.pageSize)
		if err == nil {
			pn, sum, aerr := t.allocate(merged)
			if aerr != nil {
				return aerr
			}
			collapseInto(node, l, pn, sum)
			return nil
		}
		if !errors.Is(err, ErrPageOverflow) {
			return err
		}
		mid := len(combined.Children) / 2
		promoted := combined.Separators[mid-1]
		newLeft := InternalNode{
			Children:       combined.Children[:mid],
			ChildChecksums: combined.ChildChecksums[:mid],
			Separators:     combined.Separators[:mid-1],
		}
		newRight := InternalNode{
			Children:       combined.Children[mid:],
			ChildChecksums: combined.ChildChecksums[mid:],
			Separators:     combined.Separators[mid:],
		}
		leftPN, leftSum, err := t.encodeAllocInternal(newLeft)
		if err != nil {
			return err
		}
		rightPN, rightSum, err := t.encodeAllocInternal(newRight)
		if err != nil {
			return err
		}
		node.Children[l], node.ChildChecksums[l] = leftPN, leftSum
		node.Children[r], node.ChildChecksums[r] = rightPN, rightSum
		node.Separators[l] = promoted
		return nil
	default:
		return errors.Wrap(ErrCorrupted, "unknown node kind")
	}
}
