package btree

import (
	"encoding/binary"
)

// The freed-tree is an ordinary Tree, separate from the master, keyed
// by an 8-byte big-endian transaction id (big-endian so the key's byte
// order matches its numeric order) and valued by the list of
// PageNumbers that transaction superseded.

func encodeTxKey(txID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, txID)
	return buf
}

func encodePageList(pages []PageNumber) []byte {
	buf := make([]byte, 0, 4+len(pages)*EncodedPageNumberSize)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(pages)))
	buf = append(buf, tmp[:]...)
	for _, p := range pages {
		var pb [EncodedPageNumberSize]byte
		p.PutTo(pb[:])
		buf = append(buf, pb[:]...)
	}
	return buf
}

func decodePageList(buf []byte) []PageNumber {
	if len(buf) < 4 {
		return nil
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	out := make([]PageNumber, 0, n)
	pos := 4
	for i := uint32(0); i < n; i++ {
		out = append(out, PageNumberFrom(buf[pos:pos+EncodedPageNumberSize]))
		pos += EncodedPageNumberSize
	}
	return out
}

// appendFreedEntries persists tx T's pending frees under key T, itself
// applied copy-on-write like any other tree mutation.
func appendFreedEntries(w *WriteTx, root PageNumber, sum Checksum, txID uint64, pages []PageNumber) (PageNumber, Checksum, error) {
	if len(pages) == 0 {
		return root, sum, nil
	}
	tree := &Tree{pager: w.pager, wtx: w, Root: root, RootSum: sum}
	if err := tree.Insert(encodeTxKey(txID), encodePageList(pages)); err != nil {
		return PageNumber{}, Checksum{}, err
	}
	return tree.Root, tree.RootSum, nil
}

// drainFreedTree removes every entry whose tx-id is strictly less
// than minLive (or every entry, if there are no live readers at all)
// and returns the pages they freed so the caller can mark them
// reusable. Entries at or above minLive stay: a reader pinned at that
// snapshot may still be walking the pages they name.
func drainFreedTree(w *WriteTx, root PageNumber, sum Checksum, minLive uint64, hasLive bool) (PageNumber, Checksum, []PageNumber, error) {
	if root.IsNull() {
		return root, sum, nil, nil
	}
	tree := &Tree{pager: w.pager, wtx: w, Root: root, RootSum: sum}

	var upper []byte
	if hasLive {
		upper = encodeTxKey(minLive)
	}
	it, err := tree.Range(nil, upper)
	if err != nil {
		return PageNumber{}, Checksum{}, nil, err
	}

	var keys [][]byte
	var reclaimed []PageNumber
	for {
		guard, key, ok := it.Next()
		if !ok {
			break
		}
		reclaimed = append(reclaimed, decodePageList(guard.Bytes())...)
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		_ = guard.Close()
	}

	for _, k := range keys {
		if _, _, err := tree.Remove(k); err != nil {
			return PageNumber{}, Checksum{}, nil, err
		}
	}

	return tree.Root, tree.RootSum, reclaimed, nil
}
