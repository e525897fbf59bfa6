package ckvdb

import (
	"encoding/binary"

	"github.com/intellect4all/ckvdb/btree"
)

// The master tree maps (table-name, system-flag) -> (root, checksum,
// key-fingerprint, value-fingerprint, entry-count). It is itself an
// ordinary btree.Tree, keyed and valued by the bytes encoded here.

func encodeMasterKey(name string, system bool) []byte {
	buf := make([]byte, 1+len(name))
	if system {
		buf[0] = 1
	}
	copy(buf[1:], name)
	return buf
}

type tableRoot struct {
	Root  btree.PageNumber
	Sum   btree.Checksum
	KeyFP uint64
	ValFP uint64
	Count uint64
}

func encodeTableRoot(r tableRoot) []byte {
	buf := make([]byte, btree.EncodedPageNumberSize+btree.ChecksumSize+8+8+8)
	pos := 0
	r.Root.PutTo(buf[pos:])
	pos += btree.EncodedPageNumberSize
	r.Sum.PutTo(buf[pos:])
	pos += btree.ChecksumSize
	binary.LittleEndian.PutUint64(buf[pos:], r.KeyFP)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], r.ValFP)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], r.Count)
	return buf
}

func decodeTableRoot(buf []byte) tableRoot {
	pos := 0
	root := btree.PageNumberFrom(buf[pos:])
	pos += btree.EncodedPageNumberSize
	sum := btree.ChecksumFrom(buf[pos:])
	pos += btree.ChecksumSize
	keyFP := binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	valFP := binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	count := binary.LittleEndian.Uint64(buf[pos:])
	return tableRoot{Root: root, Sum: sum, KeyFP: keyFP, ValFP: valFP, Count: count}
}
