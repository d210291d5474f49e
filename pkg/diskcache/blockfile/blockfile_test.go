package blockfile

import (
	"testing"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
)

func newTestBlockFiles(t *testing.T) *BlockFiles {
	t.Helper()

	dir := t.TempDir()

	bf, err := Init(dir, true)
	if err != nil {
		t.Fatalf("init create: %v", err)
	}

	t.Cleanup(func() { _ = bf.Close() })

	return bf
}

func TestCreateBlockRoundTrip(t *testing.T) {
	bf := newTestBlockFiles(t)

	addr, err := bf.CreateBlock(address.Block256, 1)
	if err != nil {
		t.Fatalf("create block: %v", err)
	}

	if !addr.IsInitialized() {
		t.Fatal("address not initialized")
	}

	if addr.FileType() != address.Block256 {
		t.Fatalf("file type = %v, want Block256", addr.FileType())
	}

	f, offset, err := bf.GetFile(addr)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}

	payload := []byte("entry store record")
	if _, err := f.Write(offset, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := f.Read(offset, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestCreateBlockDistinctAddresses(t *testing.T) {
	bf := newTestBlockFiles(t)

	seen := map[address.Addr]bool{}

	for i := 0; i < 10; i++ {
		addr, err := bf.CreateBlock(address.Block256, 1)
		if err != nil {
			t.Fatalf("create block %d: %v", i, err)
		}

		if seen[addr] {
			t.Fatalf("address %v allocated twice", addr)
		}

		seen[addr] = true
	}
}

func TestDeleteBlockFreesSpaceForReuse(t *testing.T) {
	bf := newTestBlockFiles(t)

	addr, err := bf.CreateBlock(address.Block256, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := bf.DeleteBlock(addr, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	addr2, err := bf.CreateBlock(address.Block256, 1)
	if err != nil {
		t.Fatalf("create after delete: %v", err)
	}

	if addr2.StartBlock() != addr.StartBlock() {
		t.Fatalf("expected reuse of freed block, got start=%d want=%d", addr2.StartBlock(), addr.StartBlock())
	}
}

func TestDeleteBlockDeepZeroesData(t *testing.T) {
	bf := newTestBlockFiles(t)

	addr, err := bf.CreateBlock(address.Block256, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f, offset, err := bf.GetFile(addr)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}

	if _, err := f.Write(offset, []byte("stale payload")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := bf.DeleteBlock(addr, true); err != nil {
		t.Fatalf("delete deep: %v", err)
	}

	got := make([]byte, len("stale payload"))
	if _, err := f.Read(offset, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected zeroed bytes after deep delete, got %v", got)
		}
	}
}

func TestCreateBlockChainsWhenFamilyFills(t *testing.T) {
	bf := newTestBlockFiles(t)

	// Exhaust every 4-block run in the Rankings family's first file, which
	// must force a chained overflow file to satisfy the next allocation.
	var last address.Addr

	for i := uint32(0); i < bitmapBits/4+1; i++ {
		addr, err := bf.CreateBlock(address.Rankings, 4)
		if err != nil {
			t.Fatalf("create block %d: %v", i, err)
		}

		last = addr
	}

	if last.FileSelector() == 0 {
		t.Fatal("expected allocation to have chained onto a new file, stayed on file 0")
	}
}

func TestReopenRecoversAllocations(t *testing.T) {
	dir := t.TempDir()

	bf, err := Init(dir, true)
	if err != nil {
		t.Fatalf("init create: %v", err)
	}

	addr, err := bf.CreateBlock(address.Block1K, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f, offset, err := bf.GetFile(addr)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}

	if _, err := f.Write(offset, []byte("persisted")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := bf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bf2, err := Init(dir, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer bf2.Close()

	f2, offset2, err := bf2.GetFile(addr)
	if err != nil {
		t.Fatalf("get file after reopen: %v", err)
	}

	got := make([]byte, len("persisted"))
	if _, err := f2.Read(offset2, got); err != nil {
		t.Fatalf("read after reopen: %v", err)
	}

	if string(got) != "persisted" {
		t.Fatalf("got %q, want %q", got, "persisted")
	}

	// The block must not be reallocated: a fresh CreateBlock should not
	// collide with addr.
	other, err := bf2.CreateBlock(address.Block1K, 2)
	if err != nil {
		t.Fatalf("create after reopen: %v", err)
	}

	if other.StartBlock() == addr.StartBlock() && other.FileSelector() == addr.FileSelector() {
		t.Fatal("reopened allocator re-allocated a still-live block")
	}
}

func TestInterruptedUpdateIsRepairedOnReopen(t *testing.T) {
	dir := t.TempDir()

	bf, err := Init(dir, true)
	if err != nil {
		t.Fatalf("init create: %v", err)
	}

	if _, err := bf.CreateBlock(address.Block4K, 1); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate a crash mid-mutation: mark updating without clearing it.
	f := bf.files[bf.chainHead[address.Block4K]]
	bf.markUpdating(f, true)

	if err := bf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bf2, err := Init(dir, false)
	if err != nil {
		t.Fatalf("reopen after interrupted update: %v", err)
	}
	defer bf2.Close()

	h := readHeader(bf2.files[bf2.chainHead[address.Block4K]].view())
	if h.Updating != 0 {
		t.Fatal("updating flag not cleared by recovery")
	}

	if h.NumEntries != 1 {
		t.Fatalf("num entries after recovery = %d, want 1", h.NumEntries)
	}
}

func TestCreateBlockRejectsInvalidCount(t *testing.T) {
	bf := newTestBlockFiles(t)

	if _, err := bf.CreateBlock(address.Block256, 0); err == nil {
		t.Fatal("expected error for count 0")
	}

	if _, err := bf.CreateBlock(address.Block256, 5); err == nil {
		t.Fatal("expected error for count 5")
	}
}
