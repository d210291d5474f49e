package diskcache

import (
	"bytes"
	"errors"
	"testing"
)

func testOptions(dir string) Options {
	return Options{Dir: dir, indexTableLen: 64}
}

func TestCreateWriteCloseReopenRoundTrip(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	e, err := b.CreateEntry("k1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	payload := bytes.Repeat([]byte{0x41}, 4096)

	if _, err := e.WriteData(0, 0, payload, true); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close entry: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close backend: %v", err)
	}

	b2, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	e2, err := b2.OpenEntry("k1")
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer e2.Close()

	size, err := e2.GetDataSize(0)
	if err != nil {
		t.Fatalf("size: %v", err)
	}

	if size != len(payload) {
		t.Fatalf("size = %d, want %d", size, len(payload))
	}

	buf := make([]byte, size)

	n, err := e2.ReadData(0, 0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if n != len(payload) || !bytes.Equal(buf, payload) {
		t.Fatalf("read back mismatch: n=%d", n)
	}
}

func TestCreateEntryAlreadyExists(t *testing.T) {
	b, err := Open(testOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	e, err := b.CreateEntry("dup")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer e.Close()

	if _, err := b.CreateEntry("dup"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestOpenEntryNotFound(t *testing.T) {
	b, err := Open(testOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if _, err := b.OpenEntry("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDoomThenRecreateSameKeyNeverReadsStaleBytes(t *testing.T) {
	b, err := Open(testOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	e, err := b.CreateEntry("x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.WriteData(0, 0, bytes.Repeat([]byte{1}, 100), true); err != nil {
		t.Fatalf("write 1: %v", err)
	}

	if err := e.Doom(); err != nil {
		t.Fatalf("doom: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close doomed: %v", err)
	}

	e2, err := b.CreateEntry("x")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}

	fresh := bytes.Repeat([]byte{2}, 200)

	if _, err := e2.WriteData(0, 0, fresh, true); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	if err := e2.Close(); err != nil {
		t.Fatalf("close recreated: %v", err)
	}

	e3, err := b.OpenEntry("x")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e3.Close()

	size, err := e3.GetDataSize(0)
	if err != nil {
		t.Fatalf("size: %v", err)
	}

	if size != len(fresh) {
		t.Fatalf("size = %d, want %d", size, len(fresh))
	}

	buf := make([]byte, size)

	if _, err := e3.ReadData(0, 0, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	if !bytes.Equal(buf, fresh) {
		t.Fatalf("read back stale bytes, want %v got %v", fresh, buf)
	}
}

func TestOpenNextEntryEnumeratesAllCreatedEntries(t *testing.T) {
	b, err := Open(testOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	keys := []string{"a", "b", "c"}

	for _, k := range keys {
		e, err := b.CreateEntry(k)
		if err != nil {
			t.Fatalf("create %s: %v", k, err)
		}

		if err := e.Close(); err != nil {
			t.Fatalf("close %s: %v", k, err)
		}
	}

	seen := map[string]bool{}

	var it Iterator

	for {
		e, ok, err := b.OpenNextEntry(&it)
		if err != nil {
			t.Fatalf("enumerate: %v", err)
		}

		if !ok {
			break
		}

		k, err := e.GetKey()
		if err != nil {
			t.Fatalf("get key: %v", err)
		}

		seen[k] = true

		if err := e.Close(); err != nil {
			t.Fatalf("close enumerated entry: %v", err)
		}
	}

	b.EndEnumeration(&it)

	for _, k := range keys {
		if !seen[k] {
			t.Fatalf("enumeration missed key %q", k)
		}
	}
}

func TestStatsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	e, err := b.CreateEntry("stat-me")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close entry: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close backend: %v", err)
	}

	b2, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	var createMiss int64

	for _, s := range b2.GetStats() {
		if s.Name == "create_miss" {
			createMiss = s.Value
		}
	}

	if createMiss != 1 {
		t.Fatalf("create_miss = %d, want 1", createMiss)
	}
}

func TestDoomAllEntriesClearsCache(t *testing.T) {
	b, err := Open(testOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	for _, k := range []string{"a", "b", "c"} {
		e, err := b.CreateEntry(k)
		if err != nil {
			t.Fatalf("create %s: %v", k, err)
		}

		if err := e.Close(); err != nil {
			t.Fatalf("close %s: %v", k, err)
		}
	}

	if err := b.DoomAllEntries(); err != nil {
		t.Fatalf("doom all: %v", err)
	}

	if n := b.GetEntryCount(); n != 0 {
		t.Fatalf("entry count = %d, want 0", n)
	}

	for _, k := range []string{"a", "b", "c"} {
		if _, err := b.OpenEntry(k); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s doomed, got err=%v", k, err)
		}
	}
}

func TestTrimReducesEntryCountUnderSizeCap(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.MaxBytes = 16384

	b, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	payload := bytes.Repeat([]byte{0xAA}, 8192)

	for i := 0; i < 10; i++ {
		e, err := b.CreateEntry(keyFor(i))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}

		if _, err := e.WriteData(0, 0, payload, true); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}

		if err := e.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	if n := b.GetEntryCount(); n > 2 {
		t.Fatalf("entry count = %d, want <= 2 after trim", n)
	}
}

func keyFor(i int) string {
	const letters = "0123456789"

	return "key-" + string(letters[i])
}
