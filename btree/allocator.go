package btree

import "github.com/pkg/errors"

// baseRegionCapacity is the page count of region 0; each subsequent
// region doubles it.
const baseRegionCapacity = 1024

func regionCapacity(region uint32) uint64 {
	return uint64(baseRegionCapacity) << region
}

// Allocator hands out PageNumbers by reusing freed pages, most
// recently reclaimed first, falling back to a bump pointer at the tail
// of the active region and appending a new region when that one fills.
//
// There is no persisted per-region bitmap: the bump pointers are the
// only allocation state the superblock records, and the in-memory
// reuse stack is refilled by the freed-tree drain step. The commit
// that drains an entry also removes it from the freed-tree, so a close
// or crash forgets the pages on the stack: they stay allocated in the
// file and are not handed out again after reopening.
type Allocator struct {
	pageSize int

	// used[i] is the bump pointer (and persisted page count) for
	// region i; a region is "full" once used[i] == regionCapacity(i).
	used []uint32

	reuse []PageNumber
}

func NewAllocator(pageSize int, regionPages [MaxRegions]uint32) *Allocator {
	a := &Allocator{pageSize: pageSize}
	for _, n := range regionPages {
		if n == 0 {
			break
		}
		a.used = append(a.used, n)
	}
	if len(a.used) == 0 {
		a.used = []uint32{0}
	}
	return a
}

// RegionPages snapshots the current bump pointers into the fixed-size
// array the superblock record stores.
func (a *Allocator) RegionPages() [MaxRegions]uint32 {
	var out [MaxRegions]uint32
	for i, u := range a.used {
		if i >= MaxRegions {
			break
		}
		out[i] = u
	}
	return out
}

// Allocate returns a fresh PageNumber, preferring a reused page over
// growing the file.
func (a *Allocator) Allocate() PageNumber {
	if n := len(a.reuse); n > 0 {
		p := a.reuse[n-1]
		a.reuse = a.reuse[:n-1]
		return p
	}
	last := len(a.used) - 1
	if uint64(a.used[last]) >= regionCapacity(uint32(last)) {
		a.used = append(a.used, 0)
		last++
	}
	idx := a.used[last]
	a.used[last]++
	return PageNumber{Region: uint32(last), Index: idx}
}

// Reclaim returns a previously freed page to the reuse stack. Callers
// must only call this once it is certain no live reader can still
// observe the page: either during the freed-tree drain step, or
// immediately for pages allocated and then abandoned by an aborted
// write-tx that never published its tx-id to any reader.
func (a *Allocator) Reclaim(p PageNumber) {
	a.reuse = append(a.reuse, p)
}

// Offset computes a PageNumber's byte offset in the backing file. The
// first two pages (offsets 0 and pageSize) are the superblock slots;
// regions follow, each sized by its doubling capacity regardless of
// how much of it is currently in use, so offsets never shift once a
// region exists.
func (a *Allocator) Offset(p PageNumber) int64 {
	base := uint64(2 * a.pageSize)
	for r := uint32(0); r < p.Region; r++ {
		base += regionCapacity(r) * uint64(a.pageSize)
	}
	base += uint64(p.Index) * uint64(a.pageSize)
	return int64(base)
}

// FileSize returns how large the backing file must be to hold every
// region currently in play, used after an allocation grows past the
// previously extended length.
func (a *Allocator) FileSize() int64 {
	total := uint64(2 * a.pageSize)
	for r := range a.used {
		total += regionCapacity(uint32(r)) * uint64(a.pageSize)
	}
	return int64(total)
}

// ValidateRegion guards against a corrupt PageNumber referencing a
// region or index beyond anything ever allocated.
func (a *Allocator) ValidateRegion(p PageNumber) error {
	if int(p.Region) >= len(a.used) {
		return errors.Errorf("page references unallocated region %d", p.Region)
	}
	if p.Index >= a.used[p.Region] {
		return errors.Errorf("page references unallocated index %d in region %d", p.Index, p.Region)
	}
	return nil
}
