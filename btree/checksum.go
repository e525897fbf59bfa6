package btree

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// ChecksumSize is the width, in bytes, of every checksum trailer on disk
// (page trailers, superblock checksum, child-pointer checksums).
const ChecksumSize = 16

// Checksum is a 128-bit XXH3 integrity tag.
type Checksum [ChecksumSize]byte

// ComputeChecksum hashes buf into a 128-bit tag.
func ComputeChecksum(buf []byte) Checksum {
	h := xxh3.Hash128(buf)
	var out Checksum
	binary.LittleEndian.PutUint64(out[0:8], h.Hi)
	binary.LittleEndian.PutUint64(out[8:16], h.Lo)
	return out
}

// Verify reports whether buf hashes to c.
func (c Checksum) Verify(buf []byte) bool {
	return ComputeChecksum(buf) == c
}

// IsZero reports whether c is the all-zero checksum, used as the
// placeholder for an absent root (e.g. an empty master tree).
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

func (c Checksum) PutTo(buf []byte) {
	copy(buf, c[:])
}

func ChecksumFrom(buf []byte) Checksum {
	var c Checksum
	copy(c[:], buf)
	return c
}
