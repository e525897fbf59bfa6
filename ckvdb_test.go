package ckvdb_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/intellect4all/ckvdb"
	"github.com/intellect4all/ckvdb/btree"
	"github.com/intellect4all/ckvdb/common"
	"github.com/intellect4all/ckvdb/common/testutil"
)

func openMem(t *testing.T, path string, opts ...ckvdb.Option) *ckvdb.Database {
	t.Helper()
	fs := btree.NewMemFilesystem()
	all := append([]ckvdb.Option{ckvdb.WithFilesystem(fs), ckvdb.WithPageSize(4096)}, opts...)
	db, err := ckvdb.Create(path, all...)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestRoundTrip inserts three keys, commits, then reads them back in
// order through a fresh read transaction.
func TestRoundTrip(t *testing.T) {
	db := openMem(t, "s1.ckv")

	wtx := db.BeginWrite()
	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		if err := table.Insert([]byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("Insert %s: %v", kv[0], err)
		}
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx := db.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable (read): %v", err)
	}
	if rt.Len() != 3 {
		t.Fatalf("expected len 3, got %d", rt.Len())
	}

	it, err := rt.Range([]byte("a"), []byte("c"))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	defer it.Close()

	var got [][2]string
	for {
		guard, key, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, [2]string{string(key), string(guard.Bytes())})
		_ = guard.Close()
	}
	want := [][2]string{{"a", "1"}, {"b", "2"}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

// TestManyKeysPopFirstPopLast inserts 10,000 monotonically increasing
// keys, commits, and confirms PopFirst/PopLast return the smallest and
// largest key.
func TestManyKeysPopFirstPopLast(t *testing.T) {
	db := openMem(t, "s2.ckv")

	const n = 10000
	wtx := db.BeginWrite()
	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("%010d", i))
		if err := table.Insert(key, key); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	wtx2 := db.BeginWrite()
	table2, err := wtx2.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable (write 2): %v", err)
	}
	if table2.Len() != n {
		t.Fatalf("expected len %d, got %d", n, table2.Len())
	}

	k, v, ok, err := table2.PopFirst()
	if err != nil || !ok {
		t.Fatalf("PopFirst: ok=%v err=%v", ok, err)
	}
	want := fmt.Sprintf("%010d", 0)
	if string(k) != want || string(v) != want {
		t.Fatalf("expected smallest key %q, got k=%q v=%q", want, k, v)
	}

	k, v, ok, err = table2.PopLast()
	if err != nil || !ok {
		t.Fatalf("PopLast: ok=%v err=%v", ok, err)
	}
	want = fmt.Sprintf("%010d", n-1)
	if string(k) != want || string(v) != want {
		t.Fatalf("expected largest key %q, got k=%q v=%q", want, k, v)
	}
	if err := wtx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestValueTooLarge checks that a value exceeding the per-entry cap
// fails with Kind ValueTooLarge.
func TestValueTooLarge(t *testing.T) {
	db := openMem(t, "s4.ckv")
	wtx := db.BeginWrite()
	defer wtx.Abort()

	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	huge := make([]byte, 4096*4)
	err = table.Insert([]byte("k"), huge)
	if err == nil {
		t.Fatalf("expected ValueTooLarge, got nil")
	}
	ckvErr, ok := err.(*ckvdb.Error)
	if !ok || ckvErr.Kind != ckvdb.KindValueTooLarge {
		t.Fatalf("expected Kind ValueTooLarge, got %#v", err)
	}
}

// TestSnapshotIsolation checks that a read-tx begun before a write
// commits never observes that commit.
func TestSnapshotIsolation(t *testing.T) {
	db := openMem(t, "s3.ckv")

	wtx := db.BeginWrite()
	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := table.Insert([]byte("seed"), []byte("0")); err != nil {
		t.Fatalf("Insert seed: %v", err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit seed: %v", err)
	}

	r1 := db.BeginRead()
	defer r1.Close()

	w := db.BeginWrite()
	wt, err := w.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable (writer): %v", err)
	}
	if err := wt.Insert([]byte("x"), []byte("1")); err != nil {
		t.Fatalf("Insert x: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit x: %v", err)
	}

	rt1, err := r1.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable (r1): %v", err)
	}
	if _, found, _ := rt1.Get([]byte("x")); found {
		t.Fatalf("r1 must not observe commit made after it began")
	}

	r2 := db.BeginRead()
	defer r2.Close()
	rt2, err := r2.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable (r2): %v", err)
	}
	if _, found, _ := rt2.Get([]byte("x")); !found {
		t.Fatalf("r2 (begun after commit) must observe x")
	}
}

// TestIdempotentRemove checks that removing an already-removed key is
// a no-op that reports "not found" the second time.
func TestIdempotentRemove(t *testing.T) {
	db := openMem(t, "idempotent-remove.ckv")
	wtx := db.BeginWrite()
	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := table.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, found1, err := table.Remove([]byte("k"))
	if err != nil || !found1 {
		t.Fatalf("first remove: found=%v err=%v", found1, err)
	}
	_, found2, err := table.Remove([]byte("k"))
	if err != nil || found2 {
		t.Fatalf("second remove should report not-found, found=%v err=%v", found2, err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestOrderedIteration checks that forward iteration ascends by byte
// order and iterating backward from the high end descends.
func TestOrderedIteration(t *testing.T) {
	db := openMem(t, "ordered-iter.ckv")
	wtx := db.BeginWrite()
	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	keys := []string{"banana", "apple", "cherry", "date"}
	for _, k := range keys {
		if err := table.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert %s: %v", k, err)
		}
	}

	it, err := table.Range(nil, nil)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	var ascending []string
	for {
		_, key, ok := it.Next()
		if !ok {
			break
		}
		ascending = append(ascending, string(key))
	}
	it.Close()
	want := []string{"apple", "banana", "cherry", "date"}
	for i := range want {
		if ascending[i] != want[i] {
			t.Fatalf("ascending iteration out of order: got %v, want %v", ascending, want)
		}
	}

	it2, err := table.Range(nil, nil)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	var descending []string
	for {
		_, key, ok := it2.NextBack()
		if !ok {
			break
		}
		descending = append(descending, string(key))
	}
	it2.Close()
	for i := range want {
		if descending[i] != want[len(want)-1-i] {
			t.Fatalf("descending iteration out of order: got %v", descending)
		}
	}
}

// TestTableTypeMismatch checks that reopening a table with a different
// codec pair fails with Kind TableTypeMismatch.
func TestTableTypeMismatch(t *testing.T) {
	db := openMem(t, "type-mismatch.ckv")
	other := ckvdb.Codec{Name: "other"}

	wtx := db.BeginWrite()
	if _, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes); err != nil {
		t.Fatalf("OpenTable (create): %v", err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx := db.BeginRead()
	defer rtx.Close()
	_, err := rtx.OpenTable("t", other, ckvdb.Bytes)
	if err == nil {
		t.Fatalf("expected TableTypeMismatch, got nil")
	}
	ckvErr, ok := err.(*ckvdb.Error)
	if !ok || ckvErr.Kind != ckvdb.KindTableTypeMismatch {
		t.Fatalf("expected Kind TableTypeMismatch, got %#v", err)
	}
}

// TestCrashMidSuperblockWriteRecoversSurvivingSlot: tx1 commits
// (a, b, c) to one superblock slot; tx2 adds a fourth key and commits
// to the other slot, but that slot's bytes are then corrupted as if
// the write had been interrupted mid-flight. Recovery must fall back
// to tx1's surviving slot — Len() reflects tx1's state, not tx2's.
func TestCrashMidSuperblockWriteRecoversSurvivingSlot(t *testing.T) {
	const pageSize = 4096
	fs := btree.NewMemFilesystem()
	path := "s5.ckv"

	db, err := ckvdb.Create(path, ckvdb.WithFilesystem(fs), ckvdb.WithPageSize(pageSize))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wtx := db.BeginWrite()
	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if err := table.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert %s: %v", k, err)
		}
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit tx1: %v", err)
	}
	wtx2 := db.BeginWrite()
	table2, err := wtx2.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable tx2: %v", err)
	}
	if err := table2.Insert([]byte("d"), []byte("d")); err != nil {
		t.Fatalf("Insert d: %v", err)
	}
	if err := wtx2.Commit(); err != nil {
		t.Fatalf("Commit tx2: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Commits alternate slots, so tx2's record sits in the slot tx1
	// did not use. Find whichever slot holds the larger (tx2's)
	// transaction id and trash its checksum trailer.
	f, err := fs.Open(path)
	if err != nil {
		t.Fatalf("raw open: %v", err)
	}
	slot0 := make([]byte, pageSize)
	if err := f.ReadAt(slot0, 0); err != nil {
		t.Fatalf("read slot 0: %v", err)
	}
	slot1 := make([]byte, pageSize)
	if err := f.ReadAt(slot1, pageSize); err != nil {
		t.Fatalf("read slot 1: %v", err)
	}
	// tx id sits after magic(8)+version(4)+pageSizeLog2(1)+region
	// table(btree.MaxRegions*4 bytes), matching Superblock.encode's layout.
	const txIDOffset = 8 + 4 + 1 + btree.MaxRegions*4
	txIDOf := func(buf []byte) uint64 {
		var x uint64
		for i := 0; i < 8; i++ {
			x |= uint64(buf[txIDOffset+i]) << (8 * i)
		}
		return x
	}
	corruptOffset := int64(0)
	if txIDOf(slot0) > txIDOf(slot1) {
		corruptOffset = 0
	} else {
		corruptOffset = pageSize
	}
	garbage := make([]byte, 16)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	if err := f.WriteAt(garbage, corruptOffset+pageSize-16); err != nil {
		t.Fatalf("corrupt slot: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close raw handle: %v", err)
	}

	db2, err := ckvdb.Open(path, ckvdb.WithFilesystem(fs))
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	defer db2.Close()

	rtx := db2.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable after recovery: %v", err)
	}
	if rt.Len() != 3 {
		t.Fatalf("expected len 3 (tx1's state) after recovery, got %d", rt.Len())
	}
	if _, found, _ := rt.Get([]byte("d")); found {
		t.Fatalf("tx2's key must not survive recovery once its slot is corrupted")
	}
}

// TestSingleWriterExclusion checks that a second BeginWrite blocks
// until the first transaction commits or aborts.
func TestSingleWriterExclusion(t *testing.T) {
	db := openMem(t, "single-writer.ckv")

	w1 := db.BeginWrite()
	done := make(chan struct{})
	go func() {
		w2 := db.BeginWrite()
		w2.Abort()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second BeginWrite returned before the first transaction finished")
	default:
	}

	w1.Abort()
	<-done
}

// TestInterProcessExclusion checks that two OS-file-backed opens of
// the same path exclude each other — the second fails with
// DatabaseAlreadyOpen, even though both calls happen to originate
// from this one test process.
func TestInterProcessExclusion(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "excl.ckv")

	db1, err := ckvdb.Create(path)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	defer db1.Close()

	_, err = ckvdb.Open(path)
	if err == nil {
		t.Fatalf("expected second open to fail with DatabaseAlreadyOpen")
	}
	ckvErr, ok := err.(*ckvdb.Error)
	if !ok || ckvErr.Kind != ckvdb.KindDatabaseAlreadyOpen {
		t.Fatalf("expected Kind DatabaseAlreadyOpen, got %#v", err)
	}
}

// TestDrainFilter exercises Table.DrainFilter: removing and returning
// every entry matching a predicate in a single pass.
func TestDrainFilter(t *testing.T) {
	db := openMem(t, "drain-filter.ckv")
	wtx := db.BeginWrite()
	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		if err := table.Insert(key, key); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	drained, err := table.DrainFilter(nil, nil, func(key, value []byte) bool {
		return key[len(key)-1]%2 == 0
	})
	if err != nil {
		t.Fatalf("DrainFilter: %v", err)
	}
	if len(drained) != 5 {
		t.Fatalf("expected 5 drained entries, got %d", len(drained))
	}
	if table.Len() != 5 {
		t.Fatalf("expected 5 entries remaining, got %d", table.Len())
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestAbortLeavesStoreUnchanged checks that a write-tx dropped
// without commit never reaches any reader, and the store's committed
// state is exactly what it was before BeginWrite.
func TestAbortLeavesStoreUnchanged(t *testing.T) {
	db := openMem(t, "abort-unchanged.ckv")

	wtx := db.BeginWrite()
	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := table.Insert([]byte("committed"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	w2 := db.BeginWrite()
	t2, err := w2.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable (w2): %v", err)
	}
	if err := t2.Insert([]byte("never-committed"), []byte("2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	w2.Abort()

	rtx := db.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable (read): %v", err)
	}
	if _, found, _ := rt.Get([]byte("never-committed")); found {
		t.Fatalf("aborted write must not be visible")
	}
	if _, found, _ := rt.Get([]byte("committed")); !found {
		t.Fatalf("previously committed state must survive an aborted later transaction")
	}
	if rt.Len() != 1 {
		t.Fatalf("expected len 1, got %d", rt.Len())
	}
}

// limitedFS wraps the in-memory filesystem so every byte of file
// growth is charged against a ResourceLimiter, letting the disk-full
// path be driven deterministically through the public facade.
type limitedFS struct {
	inner *btree.MemFilesystem
	lim   *testutil.ResourceLimiter
}

func (l *limitedFS) Exists(path string) (bool, error) { return l.inner.Exists(path) }

func (l *limitedFS) Create(path string) (btree.File, error) {
	f, err := l.inner.Create(path)
	if err != nil {
		return nil, err
	}
	return &limitedFile{File: f, lim: l.lim}, nil
}

func (l *limitedFS) Open(path string) (btree.File, error) {
	f, err := l.inner.Open(path)
	if err != nil {
		return nil, err
	}
	return &limitedFile{File: f, lim: l.lim}, nil
}

type limitedFile struct {
	btree.File
	lim *testutil.ResourceLimiter
}

func (f *limitedFile) charge(end int64) error {
	meta, err := f.File.Metadata()
	if err != nil {
		return err
	}
	if delta := end - meta.Length; delta > 0 {
		return f.lim.AllocDisk(delta)
	}
	return nil
}

func (f *limitedFile) SetLength(n int64) error {
	meta, err := f.File.Metadata()
	if err != nil {
		return err
	}
	if n < meta.Length {
		f.lim.FreeDisk(meta.Length - n)
	} else if err := f.charge(n); err != nil {
		return err
	}
	return f.File.SetLength(n)
}

func (f *limitedFile) WriteAt(buf []byte, offset int64) error {
	if err := f.charge(offset + int64(len(buf))); err != nil {
		return err
	}
	return f.File.WriteAt(buf, offset)
}

// TestDiskFullSurfacesThroughFacade: once the backing filesystem
// refuses to grow, an insert's region extension fails and the error
// reaches the caller with the underlying disk-full sentinel intact,
// while the store's committed state stays untouched.
func TestDiskFullSurfacesThroughFacade(t *testing.T) {
	fs := &limitedFS{
		inner: btree.NewMemFilesystem(),
		lim:   testutil.NewResourceLimiter(64 * 1024),
	}
	db, err := ckvdb.Create("full.ckv", ckvdb.WithFilesystem(fs), ckvdb.WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer db.Close()

	wtx := db.BeginWrite()
	defer wtx.Abort()
	table, err := wtx.OpenTable("t", ckvdb.Bytes, ckvdb.Bytes)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	// The first page allocation extends the file to a full region,
	// far past the 64 KiB cap.
	err = table.Insert([]byte("k"), []byte("v"))
	if err == nil {
		t.Fatalf("expected insert to fail once the filesystem refuses to grow")
	}
	if !errors.Is(err, common.ErrDiskFull) {
		t.Fatalf("expected the disk-full sentinel in the chain, got %v", err)
	}
}
