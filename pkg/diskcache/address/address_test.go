package address

import "testing"

func TestZeroIsNotInitialized(t *testing.T) {
	if Zero.IsInitialized() {
		t.Fatal("zero address must not be initialized")
	}
}

func TestExternalRoundTrip(t *testing.T) {
	a := NewExternal(0x10001)

	if !a.IsInitialized() {
		t.Fatal("want initialized")
	}

	if !a.IsSeparateFile() {
		t.Fatal("want separate file")
	}

	if a.FileType() != External {
		t.Fatalf("file type = %v, want External", a.FileType())
	}

	if got := a.FileNumber(); got != 0x10001 {
		t.Fatalf("file number = %x, want 0x10001", got)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	a := NewBlock(Block1K, 3, 7, 12345)

	if a.IsSeparateFile() {
		t.Fatal("want block address")
	}

	if a.FileType() != Block1K {
		t.Fatalf("file type = %v, want Block1K", a.FileType())
	}

	if a.NumBlocks() != 3 {
		t.Fatalf("num blocks = %d, want 3", a.NumBlocks())
	}

	if a.FileSelector() != 7 {
		t.Fatalf("file selector = %d, want 7", a.FileSelector())
	}

	if a.StartBlock() != 12345 {
		t.Fatalf("start block = %d, want 12345", a.StartBlock())
	}

	if a.BlockSize() != 1024 {
		t.Fatalf("block size = %d, want 1024", a.BlockSize())
	}
}

func TestRequiredFileType(t *testing.T) {
	cases := []struct {
		size int
		want FileType
	}{
		{1, Block256},
		{1024, Block256},
		{1025, Block1K},
		{4096, Block1K},
		{4097, Block4K},
		{16384, Block4K},
		{16385, External},
	}

	for _, c := range cases {
		if got := RequiredFileType(c.size); got != c.want {
			t.Errorf("RequiredFileType(%d) = %v, want %v", c.size, got, c.want)
		}
	}
}

func TestBlocksNeeded(t *testing.T) {
	if got := BlocksNeeded(Block256, 1); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}

	if got := BlocksNeeded(Block256, 257); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}

	if got := BlocksNeeded(Block256, 1024); got != 4 {
		t.Fatalf("got %d, want 4", got)
	}
}

func TestNewBlockPanicsOnExternal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("want panic for External kind")
		}
	}()

	NewBlock(External, 1, 0, 0)
}

func TestNewBlockPanicsOnBadCount(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("want panic for out-of-range numBlocks")
		}
	}()

	NewBlock(Block256, 5, 0, 0)
}
