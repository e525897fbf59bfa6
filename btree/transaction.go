package btree

import "github.com/pkg/errors"

// ReadTx pins a snapshot: the master-root and tx-id recorded at begin.
// It never allocates or frees.
type ReadTx struct {
	pager      *Pager
	TxID       uint64
	MasterRoot PageNumber
	MasterSum  Checksum
	closed     bool
}

// BeginRead registers a reader at the currently committed root.
func (p *Pager) BeginRead() *ReadTx {
	p.mu.Lock()
	txID := p.super.TxID
	root := p.super.MasterRoot
	sum := p.super.MasterSum
	p.mu.Unlock()

	p.readers.register(txID)
	return &ReadTx{pager: p, TxID: txID, MasterRoot: root, MasterSum: sum}
}

// Close unregisters the reader; the next commit's drain step may then
// reclaim pages that were only pinned by this snapshot.
func (r *ReadTx) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.pager.readers.unregister(r.TxID)
	return nil
}

func (r *ReadTx) Tree() *Tree {
	return &Tree{pager: r.pager, Root: r.MasterRoot, RootSum: r.MasterSum}
}

// WriteTx is the single mutable ticket outstanding at any time. It
// owns a working copy of the master root and tracks which pages it
// allocated (reclaimed immediately on abort) versus which inherited
// pages it superseded (persisted to the freed-tree on commit).
type WriteTx struct {
	pager *Pager

	TxID       uint64
	MasterRoot PageNumber
	MasterSum  Checksum

	ownPages     map[PageNumber]bool
	pendingFrees []PageNumber

	done bool
}

// BeginWrite acquires the single-writer lock and forks the master
// tree's current root as this transaction's starting point.
func (p *Pager) BeginWrite() *WriteTx {
	p.writerMu.Lock()

	p.mu.Lock()
	txID := p.super.TxID + 1
	root := p.super.MasterRoot
	sum := p.super.MasterSum
	p.mu.Unlock()

	return &WriteTx{
		pager:      p,
		TxID:       txID,
		MasterRoot: root,
		MasterSum:  sum,
		ownPages:   make(map[PageNumber]bool),
	}
}

func (w *WriteTx) Tree() *Tree {
	return &Tree{pager: w.pager, wtx: w, Root: w.MasterRoot, RootSum: w.MasterSum}
}

// SetMasterRoot is called by the master-catalog layer after it
// rewrites the master tree's path to root following a table-root
// update.
func (w *WriteTx) SetMasterRoot(root PageNumber, sum Checksum) {
	w.MasterRoot = root
	w.MasterSum = sum
}

// allocatePage writes content to a freshly allocated page and tracks
// ownership for abort-time reclaim. The checksum it returns is the
// page's trailer, taken over the whole zero-padded content area, which
// is what ReadNode recomputes when it reads the page back from disk.
func (w *WriteTx) allocatePage(content []byte) (PageNumber, Checksum, error) {
	p := w.pager
	p.mu.Lock()
	pn := p.allocator.Allocate()
	offset := p.allocator.Offset(pn)
	needed := p.allocator.FileSize()
	p.mu.Unlock()

	buf, err := WritePageBuffer(p.pageSize, content)
	if err != nil {
		return PageNumber{}, Checksum{}, err
	}

	if meta, merr := p.file.Metadata(); merr == nil && meta.Length < needed {
		if err := p.file.SetLength(needed); err != nil {
			return PageNumber{}, Checksum{}, errors.Wrap(err, "extend region")
		}
	}
	if err := p.file.WriteAt(buf, offset); err != nil {
		return PageNumber{}, Checksum{}, errors.Wrap(err, "write page")
	}
	p.stats.writes.Add(1)

	p.cache.SetDirty(pn, buf)
	w.ownPages[pn] = true
	return pn, ChecksumFrom(buf[contentSize(p.pageSize):]), nil
}

// free marks pn as superseded. A page this same transaction allocated
// and never committed is returned to the allocator immediately (it
// was never published to any reader); an inherited page is queued for
// the freed-tree at commit, since a live reader may still be walking
// it.
func (w *WriteTx) free(pn PageNumber) {
	if pn.IsNull() {
		return
	}
	if w.ownPages[pn] {
		delete(w.ownPages, pn)
		w.pager.mu.Lock()
		w.pager.allocator.Reclaim(pn)
		w.pager.mu.Unlock()
		return
	}
	w.pendingFrees = append(w.pendingFrees, pn)
}

// Abort discards every page this transaction built and releases the
// writer lock without touching the superblock. The pages go straight
// back to the allocator: nothing this transaction wrote was ever
// reachable from a committed root, so no reader can hold them.
func (w *WriteTx) Abort() {
	if w.done {
		return
	}
	w.done = true
	p := w.pager
	p.mu.Lock()
	for pn := range w.ownPages {
		p.allocator.Reclaim(pn)
	}
	p.mu.Unlock()
	p.cache.DiscardDirty()
	p.writerMu.Unlock()
}

// Commit finishes the transaction: persist this tx's frees to the
// freed-tree, drain entries no live reader can still observe, flush
// data, write the inactive superblock slot, barrier-sync. Page writes
// themselves happened incrementally as the tree operations ran; the
// flush before the superblock write is what makes the slot update the
// atomic commit point.
func (w *WriteTx) Commit() error {
	if w.done {
		return errors.New("transaction already finished")
	}
	w.done = true
	defer w.pager.writerMu.Unlock()

	p := w.pager

	// tableFrees are the table/master pages this tx superseded; they
	// go into the freed-tree under this tx's id and wait for the
	// reader horizon. Pages the freed-tree itself supersedes while
	// being rewritten or drained (collected into bookkeeping below)
	// skip the freed-tree: no read-tx can reach them, so they only
	// need to wait for this commit to become durable.
	tableFrees := w.pendingFrees
	w.pendingFrees = nil

	freedRoot, freedSum, err := appendFreedEntries(w, p.super.FreedRoot, p.super.FreedSum, w.TxID, tableFrees)
	if err != nil {
		return err
	}
	bookkeeping := w.pendingFrees
	w.pendingFrees = nil

	minLive, hasLive := p.readers.minLive()
	drainedRoot, drainedSum, reclaimed, err := drainFreedTree(w, freedRoot, freedSum, minLive, hasLive)
	if err != nil {
		return err
	}
	bookkeeping = append(bookkeeping, w.pendingFrees...)
	w.pendingFrees = nil

	if err := p.file.FlushData(); err != nil {
		return errors.Wrap(err, "flush-data")
	}

	p.mu.Lock()
	newSuper := Superblock{
		Version:      p.super.Version,
		PageSizeLog2: p.super.PageSizeLog2,
		RegionPages:  p.allocator.RegionPages(),
		TxID:         w.TxID,
		MasterRoot:   w.MasterRoot,
		MasterSum:    w.MasterSum,
		FreedRoot:    drainedRoot,
		FreedSum:     drainedSum,
		Valid:        true,
	}
	slot := p.nextSlot
	if err := writeSlot(p.file, p.pageSize, slot, newSuper); err != nil {
		p.mu.Unlock()
		return errors.Wrap(err, "write superblock")
	}
	p.mu.Unlock()

	if !p.cfg.NonDurable {
		if err := p.file.BarrierSync(); err != nil {
			return errors.Wrap(err, "barrier-sync")
		}
	}

	// The superblock that listed these pages as freed is superseded
	// only now. Handing them back to the allocator any earlier would
	// let a failed flush or slot write leave the pre-commit superblock
	// current while its pages sit on the reuse stack, ready to be
	// overwritten by the next transaction.
	p.mu.Lock()
	p.super = newSuper
	p.nextSlot = (slot + 1) % 2
	for _, pn := range reclaimed {
		p.allocator.Reclaim(pn)
	}
	for _, pn := range bookkeeping {
		p.allocator.Reclaim(pn)
	}
	p.mu.Unlock()

	p.cache.PromoteDirty()
	p.stats.commits.Add(1)
	p.log.Info().Uint64("tx_id", w.TxID).Msg("commit")
	return nil
}
