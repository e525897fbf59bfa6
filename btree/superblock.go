package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Magic identifies the file format; version is bumped on incompatible
// layout changes.
var Magic = [8]byte{'R', 'E', 'D', 'B', 'x', 'x', 'x', 'x'}

const CurrentVersion uint32 = 1

// MaxRegions bounds the region table's fixed-size array. Region
// capacities double, so 48 regions outgrow any 64-bit file long before
// the table fills.
const MaxRegions = 48

// UpgradeError reports an on-disk version newer than this build
// understands.
type UpgradeError struct {
	Version uint32
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("on-disk version %d newer than supported %d", e.Version, CurrentVersion)
}

const (
	flagValid byte = 1 << 0
)

// Superblock is one god-page: two copies (slot 0 and slot 1) live at
// the start of the file, each occupying one page. Commits alternate
// slots, so however a crash lands at least one slot holds a complete,
// checksummed record; recovery picks the newest one that verifies.
type Superblock struct {
	Version      uint32
	PageSizeLog2 uint8
	RegionPages  [MaxRegions]uint32 // page count of region i; 0 = unallocated
	TxID         uint64
	MasterRoot   PageNumber
	MasterSum    Checksum
	FreedRoot    PageNumber
	FreedSum     Checksum
	Valid        bool
}

// PageSize reconstructs the page size from its log2 encoding.
func (s Superblock) PageSize() int {
	return 1 << s.PageSizeLog2
}

// recordSize is the fixed encoded length of a Superblock record,
// excluding its own trailing checksum.
func recordSize() int {
	return 8 + 4 + 1 + MaxRegions*4 + 8 + EncodedPageNumberSize + ChecksumSize + EncodedPageNumberSize + ChecksumSize + 1
}

func (s Superblock) encode() []byte {
	buf := make([]byte, recordSize())
	pos := 0
	copy(buf[pos:], Magic[:])
	pos += 8
	binary.LittleEndian.PutUint32(buf[pos:], s.Version)
	pos += 4
	buf[pos] = s.PageSizeLog2
	pos++
	for i := 0; i < MaxRegions; i++ {
		binary.LittleEndian.PutUint32(buf[pos:], s.RegionPages[i])
		pos += 4
	}
	binary.LittleEndian.PutUint64(buf[pos:], s.TxID)
	pos += 8
	s.MasterRoot.PutTo(buf[pos:])
	pos += EncodedPageNumberSize
	s.MasterSum.PutTo(buf[pos:])
	pos += ChecksumSize
	s.FreedRoot.PutTo(buf[pos:])
	pos += EncodedPageNumberSize
	s.FreedSum.PutTo(buf[pos:])
	pos += ChecksumSize
	if s.Valid {
		buf[pos] = flagValid
	}
	return buf
}

func decodeSuperblock(buf []byte) (Superblock, error) {
	var s Superblock
	if len(buf) < recordSize() {
		return s, errors.New("superblock record truncated")
	}
	pos := 0
	if string(buf[pos:pos+8]) != string(Magic[:]) {
		return s, errors.New("bad magic")
	}
	pos += 8
	s.Version = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	s.PageSizeLog2 = buf[pos]
	pos++
	for i := 0; i < MaxRegions; i++ {
		s.RegionPages[i] = binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
	}
	s.TxID = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	s.MasterRoot = PageNumberFrom(buf[pos:])
	pos += EncodedPageNumberSize
	s.MasterSum = ChecksumFrom(buf[pos:])
	pos += ChecksumSize
	s.FreedRoot = PageNumberFrom(buf[pos:])
	pos += EncodedPageNumberSize
	s.FreedSum = ChecksumFrom(buf[pos:])
	pos += ChecksumSize
	s.Valid = buf[pos]&flagValid != 0
	return s, nil
}

// writeSlot writes superblock slot i (0 or 1) to the file at its fixed
// page-aligned offset, with its own trailing checksum covering the
// record bytes. It does not sync; callers control the fsync fencing.
func writeSlot(f File, pageSize int, slot int, s Superblock) error {
	record := s.encode()
	buf, err := WritePageBuffer(pageSize, record)
	if err != nil {
		return err
	}
	return f.WriteAt(buf, int64(slot)*int64(pageSize))
}

// readSlot reads and validates superblock slot i. An invalid checksum
// — or a slot that cannot even be read back, as happens when the file
// was truncated partway through it — is reported via ok=false, not an
// error: the other slot may still hold a complete committed record.
func readSlot(f File, pageSize int, slot int) (s Superblock, ok bool, err error) {
	buf := make([]byte, pageSize)
	if err := f.ReadAt(buf, int64(slot)*int64(pageSize)); err != nil {
		return Superblock{}, false, nil
	}
	content, verifyErr := ReadPageContent(buf)
	if verifyErr != nil {
		return Superblock{}, false, nil
	}
	s, decErr := decodeSuperblock(content)
	if decErr != nil {
		return Superblock{}, false, nil
	}
	if !s.Valid {
		return Superblock{}, false, nil
	}
	return s, true, nil
}

// recoverSuperblock chooses the slot with the newest transaction id
// whose checksum verifies; if both verify, the greater tx-id wins; if
// neither does, the store is unrecoverable.
func recoverSuperblock(f File, pageSize int) (Superblock, error) {
	a, aok, err := readSlot(f, pageSize, 0)
	if err != nil {
		return Superblock{}, err
	}
	b, bok, err := readSlot(f, pageSize, 1)
	if err != nil {
		return Superblock{}, err
	}
	switch {
	case aok && bok:
		if a.TxID >= b.TxID {
			return a, nil
		}
		return b, nil
	case aok:
		return a, nil
	case bok:
		return b, nil
	default:
		return Superblock{}, errors.Wrap(ErrCorrupted, "no valid superblock slot: store unrecoverable")
	}
}
