package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Node kinds, stored as the first byte of a page's content. The master
// catalog and the freed-tree reuse the same two layouts: both are
// ordinary B-trees over opaque bytes.
const (
	NodeKindLeaf     byte = 1
	NodeKindInternal byte = 2
)

// ErrPageOverflow is returned by the Encode* functions when the
// supplied entries do not fit in one page of the given size; the
// caller is expected to split and retry with fewer entries.
var ErrPageOverflow = errors.New("content does not fit in one page")

// ErrCorrupted marks on-disk state that fails validation: a checksum
// trailer that doesn't match, an unknown node kind, a truncated cell.
// The root package surfaces it as its Corrupted error kind.
var ErrCorrupted = errors.New("corrupted")

// LeafEntry is one key/value slot in a leaf node.
type LeafEntry struct {
	Key   []byte
	Value []byte
}

// PageBufferSize returns the total on-disk size of a page, content
// plus checksum trailer.
func PageBufferSize(pageSize int) int {
	return pageSize
}

// contentSize is how many bytes of a page are available for node
// content once the checksum trailer is reserved.
func contentSize(pageSize int) int {
	return pageSize - ChecksumSize
}

// WritePageBuffer lays content into a freshly allocated page-sized
// buffer and appends its checksum trailer. content must fit within
// contentSize(pageSize).
func WritePageBuffer(pageSize int, content []byte) ([]byte, error) {
	if len(content) > contentSize(pageSize) {
		return nil, ErrPageOverflow
	}
	buf := make([]byte, pageSize)
	copy(buf, content)
	sum := ComputeChecksum(buf[:contentSize(pageSize)])
	sum.PutTo(buf[contentSize(pageSize):])
	return buf, nil
}

// ReadPageContent verifies buf's trailer and returns its content
// slice (without the trailer).
func ReadPageContent(buf []byte) ([]byte, error) {
	pageSize := len(buf)
	content := buf[:contentSize(pageSize)]
	trailer := ChecksumFrom(buf[contentSize(pageSize):])
	if !trailer.Verify(content) {
		return nil, errors.Wrap(ErrCorrupted, "page checksum mismatch")
	}
	return content, nil
}

// NodeKind peeks the first byte of a decoded page content.
func NodeKind(content []byte) byte {
	if len(content) == 0 {
		return 0
	}
	return content[0]
}

// EncodeLeaf serializes a sorted run of entries into one page's
// content area. Every mutation produces a wholly new page, so there is
// no partial in-place insert path: the whole node is rebuilt each time.
func EncodeLeaf(entries []LeafEntry, pageSize int) ([]byte, error) {
	limit := contentSize(pageSize)

	header := 1 + 2 // kind byte + uint16 count
	dir := len(entries) * 4
	var body bytes.Buffer
	offsets := make([]uint32, len(entries))
	for i, e := range entries {
		offsets[i] = uint32(body.Len())
		var tmp [binary.MaxVarintLen64]byte
		n := putUvarint(tmp[:], uint64(len(e.Key)))
		body.Write(tmp[:n])
		body.Write(e.Key)
		n = putUvarint(tmp[:], uint64(len(e.Value)))
		body.Write(tmp[:n])
		body.Write(e.Value)
	}

	total := header + dir + body.Len()
	if total > limit {
		return nil, ErrPageOverflow
	}

	out := make([]byte, total)
	out[0] = NodeKindLeaf
	binary.LittleEndian.PutUint16(out[1:3], uint16(len(entries)))
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(out[header+i*4:header+i*4+4], off)
	}
	copy(out[header+dir:], body.Bytes())
	return out, nil
}

// DecodeLeaf parses a leaf node's content, previously produced by
// EncodeLeaf, back into its sorted entries.
func DecodeLeaf(content []byte) ([]LeafEntry, error) {
	if len(content) < 3 || content[0] != NodeKindLeaf {
		return nil, errors.Wrap(ErrCorrupted, "not a leaf node")
	}
	count := int(binary.LittleEndian.Uint16(content[1:3]))
	header := 3
	dirEnd := header + count*4
	if dirEnd > len(content) {
		return nil, errors.Wrap(ErrCorrupted, "truncated leaf directory")
	}
	body := content[dirEnd:]
	entries := make([]LeafEntry, count)
	for i := 0; i < count; i++ {
		off := binary.LittleEndian.Uint32(content[header+i*4 : header+i*4+4])
		r := body[off:]
		klen, n := uvarint(r)
		if n <= 0 {
			return nil, errors.Wrap(ErrCorrupted, "corrupt leaf cell")
		}
		r = r[n:]
		key := r[:klen]
		r = r[klen:]
		vlen, n := uvarint(r)
		if n <= 0 {
			return nil, errors.Wrap(ErrCorrupted, "corrupt leaf cell")
		}
		r = r[n:]
		value := r[:vlen]
		entries[i] = LeafEntry{Key: key, Value: value}
	}
	return entries, nil
}

// SearchLeaf binary-searches entries for key. Keys compare as raw
// bytes end to end. It returns the index of an exact match and true,
// or the insertion point and false.
func SearchLeaf(entries []LeafEntry, key []byte) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(entries[mid].Key, key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// InternalNode is the decoded form of an internal page: len(Children)
// == len(Separators)+1. Child i covers keys in
// [Separators[i-1], Separators[i]) with open ends at the edges.
type InternalNode struct {
	Children       []PageNumber
	ChildChecksums []Checksum
	Separators     [][]byte
}

// EncodeInternal serializes an internal node. Children carry their
// checksum alongside the pointer so a parent can verify a child
// without consulting the superblock.
func EncodeInternal(n InternalNode, pageSize int) ([]byte, error) {
	if len(n.Children) != len(n.Separators)+1 {
		return nil, errors.New("malformed internal node: children/separator count mismatch")
	}
	limit := contentSize(pageSize)

	header := 1 + 2 // kind + uint16 child count
	fixed := len(n.Children) * (EncodedPageNumberSize + ChecksumSize)
	dir := len(n.Separators) * 4

	var seps bytes.Buffer
	offsets := make([]uint32, len(n.Separators))
	for i, s := range n.Separators {
		offsets[i] = uint32(seps.Len())
		var tmp [binary.MaxVarintLen64]byte
		k := putUvarint(tmp[:], uint64(len(s)))
		seps.Write(tmp[:k])
		seps.Write(s)
	}

	total := header + fixed + dir + seps.Len()
	if total > limit {
		return nil, ErrPageOverflow
	}

	out := make([]byte, total)
	out[0] = NodeKindInternal
	binary.LittleEndian.PutUint16(out[1:3], uint16(len(n.Children)))

	pos := header
	for i := range n.Children {
		n.Children[i].PutTo(out[pos : pos+EncodedPageNumberSize])
		pos += EncodedPageNumberSize
		n.ChildChecksums[i].PutTo(out[pos : pos+ChecksumSize])
		pos += ChecksumSize
	}
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(out[pos+i*4:pos+i*4+4], off)
	}
	pos += dir
	copy(out[pos:], seps.Bytes())
	return out, nil
}

// DecodeInternal parses an internal node's content.
func DecodeInternal(content []byte) (InternalNode, error) {
	if len(content) < 3 || content[0] != NodeKindInternal {
		return InternalNode{}, errors.Wrap(ErrCorrupted, "not an internal node")
	}
	childCount := int(binary.LittleEndian.Uint16(content[1:3]))
	sepCount := childCount - 1
	pos := 3

	children := make([]PageNumber, childCount)
	checksums := make([]Checksum, childCount)
	for i := 0; i < childCount; i++ {
		if pos+EncodedPageNumberSize+ChecksumSize > len(content) {
			return InternalNode{}, errors.Wrap(ErrCorrupted, "truncated internal node")
		}
		children[i] = PageNumberFrom(content[pos : pos+EncodedPageNumberSize])
		pos += EncodedPageNumberSize
		checksums[i] = ChecksumFrom(content[pos : pos+ChecksumSize])
		pos += ChecksumSize
	}

	dirEnd := pos + sepCount*4
	if dirEnd > len(content) {
		return InternalNode{}, errors.Wrap(ErrCorrupted, "truncated internal directory")
	}
	body := content[dirEnd:]
	seps := make([][]byte, sepCount)
	for i := 0; i < sepCount; i++ {
		off := binary.LittleEndian.Uint32(content[pos+i*4 : pos+i*4+4])
		r := body[off:]
		slen, n := uvarint(r)
		if n <= 0 {
			return InternalNode{}, errors.Wrap(ErrCorrupted, "corrupt separator")
		}
		r = r[n:]
		seps[i] = r[:slen]
	}

	return InternalNode{Children: children, ChildChecksums: checksums, Separators: seps}, nil
}

// ChildIndexFor returns which child to descend into for key, by
// locating the separator range that covers it.
func (n InternalNode) ChildIndexFor(key []byte) int {
	lo, hi := 0, len(n.Separators)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(key, n.Separators[mid]) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}
