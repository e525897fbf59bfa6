package btree

import (
	"testing"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = 4096
	cfg.CacheSize = 64
	cfg.Logger = zerolog.Nop()
	return cfg
}

func openMemPager(t *testing.T, path string, cfg Config) *Pager {
	t.Helper()
	fs := NewMemFilesystem()
	p, err := Create(fs, path, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPagerCreateAndReopen(t *testing.T) {
	fs := NewMemFilesystem()
	cfg := testConfig()

	p, err := Create(fs, "store.ckv", cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wtx := p.BeginWrite()
	tree := wtx.Tree()
	if err := tree.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	wtx.SetMasterRoot(tree.Root, tree.RootSum)
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(fs, "store.ckv", cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p2.Close()

	rtx := p2.BeginRead()
	defer rtx.Close()
	v, found, err := rtx.Tree().Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(v) != "1" {
		t.Fatalf("expected a=1 after reopen, got %q found=%v", v, found)
	}
}

func TestPagerSuperblockAlternatesSlots(t *testing.T) {
	p := openMemPager(t, "alt.ckv", testConfig())

	for i := 0; i < 5; i++ {
		wtx := p.BeginWrite()
		tree := wtx.Tree()
		if err := tree.Insert([]byte{byte(i)}, []byte{byte(i)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		wtx.SetMasterRoot(tree.Root, tree.RootSum)
		if err := wtx.Commit(); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}

	if p.super.TxID != 5 {
		t.Fatalf("expected tx id 5, got %d", p.super.TxID)
	}

	// Tx T lands in slot T mod 2: tx 4 in slot 0, tx 5 in slot 1.
	for slot, want := range []uint64{4, 5} {
		s, ok, err := readSlot(p.file, p.pageSize, slot)
		if err != nil || !ok {
			t.Fatalf("readSlot %d: ok=%v err=%v", slot, ok, err)
		}
		if s.TxID != want {
			t.Fatalf("slot %d: expected tx id %d, got %d", slot, want, s.TxID)
		}
	}
}

func TestPagerStatsTrackCommitsAndIO(t *testing.T) {
	p := openMemPager(t, "stats.ckv", testConfig())

	wtx := p.BeginWrite()
	tree := wtx.Tree()
	for i := 0; i < 20; i++ {
		if err := tree.Insert([]byte{byte(i)}, []byte{byte(i), byte(i)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	wtx.SetMasterRoot(tree.Root, tree.RootSum)
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	stats := p.Stats()
	if stats.CommitCount != 1 {
		t.Fatalf("expected 1 commit, got %d", stats.CommitCount)
	}
	if stats.WriteCount == 0 {
		t.Fatalf("expected nonzero write count")
	}
	if stats.NumPages == 0 {
		t.Fatalf("expected nonzero page count")
	}
}

func TestPagerSingleWriterExclusion(t *testing.T) {
	p := openMemPager(t, "excl.ckv", testConfig())

	wtx := p.BeginWrite()
	done := make(chan struct{})
	go func() {
		wtx2 := p.BeginWrite()
		wtx2.Abort()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second BeginWrite returned before first finished")
	default:
	}

	wtx.Abort()
	<-done
}

// barrierCountingFile counts BarrierSync calls on the wrapped File.
type barrierCountingFile struct {
	File
	barriers int
}

func (f *barrierCountingFile) BarrierSync() error {
	f.barriers++
	return f.File.BarrierSync()
}

func TestNonDurableElidesBarrierSync(t *testing.T) {
	cfg := testConfig()
	cfg.NonDurable = true
	p := openMemPager(t, "nondurable.ckv", cfg)
	counter := &barrierCountingFile{File: p.file}
	p.file = counter

	wtx := p.BeginWrite()
	tree := wtx.Tree()
	if err := tree.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	wtx.SetMasterRoot(tree.Root, tree.RootSum)
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if counter.barriers != 0 {
		t.Fatalf("expected a non-durable commit to skip BarrierSync, got %d calls", counter.barriers)
	}
}
