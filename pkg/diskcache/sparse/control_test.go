package sparse

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/blockfile"
	"github.com/vaultcache/diskcache/pkg/diskcache/entry"
	"github.com/vaultcache/diskcache/pkg/diskcache/rankings"
)

var errNotFound = errors.New("sparse test: entry not found")

type memHeads struct {
	head, tail map[rankings.List]address.Addr
}

func newMemHeads() *memHeads {
	return &memHeads{head: map[rankings.List]address.Addr{}, tail: map[rankings.List]address.Addr{}}
}

func (m *memHeads) Head(l rankings.List) address.Addr       { return m.head[l] }
func (m *memHeads) Tail(l rankings.List) address.Addr       { return m.tail[l] }
func (m *memHeads) SetHead(l rankings.List, a address.Addr) { m.head[l] = a }
func (m *memHeads) SetTail(l rankings.List, a address.Addr) { m.tail[l] = a }

// fakeOpener is a minimal in-memory key->entry registry standing in for
// the backend's bucket-chain lookup, which sparse.Control deliberately
// does not depend on (see the package doc on avoiding a backend import
// cycle).
type fakeOpener struct {
	d       entry.Deps
	entries map[string]address.Addr
	nextID  uint32
}

func newFakeOpener(d entry.Deps) *fakeOpener {
	return &fakeOpener{d: d, entries: map[string]address.Addr{}}
}

func (f *fakeOpener) OpenEntry(key string) (*entry.Entry, error) {
	addr, ok := f.entries[key]
	if !ok {
		return nil, errNotFound
	}

	f.nextID++

	return entry.Load(f.d, addr)
}

func (f *fakeOpener) CreateEntry(key string) (*entry.Entry, error) {
	f.nextID++

	e, err := entry.Create(f.d, key, 0, f.nextID, f.nextID)
	if err != nil {
		return nil, err
	}

	f.entries[key] = e.Addr()

	return e, nil
}

func newTestOpener(t *testing.T) (*fakeOpener, entry.Deps) {
	t.Helper()

	dir := t.TempDir()

	bf, err := blockfile.Init(dir, true)
	if err != nil {
		t.Fatalf("blockfile init: %v", err)
	}
	t.Cleanup(func() { bf.Close() })

	r := rankings.New(bf, newMemHeads())

	var nextExternal uint32 = entry.ExternalFileBase

	ext := entry.NewDirExternalFiles(filepath.Join(dir), nextExternal, func(n uint32) error {
		nextExternal = n

		return nil
	})

	d := entry.Deps{Files: bf, Rankings: r, External: ext}

	return newFakeOpener(d), d
}

func TestWriteReadRoundTripsWithinChild(t *testing.T) {
	opener, d := newTestOpener(t)

	parent, err := opener.CreateEntry("sparse-key")
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	c, err := Open(opener, parent, "sparse-key")
	if err != nil {
		t.Fatalf("open control: %v", err)
	}

	data := bytes.Repeat([]byte{0x42}, 1024)

	if _, err := c.WriteSparseData(0x200000, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make([]byte, len(data))

	n, err := c.ReadSparseData(0x200000, out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if n != len(data) || !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch: n=%d", n)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_ = d
}

func TestGetAvailableRangeSingleByteLaw(t *testing.T) {
	opener, _ := newTestOpener(t)

	parent, err := opener.CreateEntry("k")
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	c, err := Open(opener, parent, "k")
	if err != nil {
		t.Fatalf("open control: %v", err)
	}

	offset := int64(0x200000)

	if _, err := c.WriteSparseData(offset, []byte{0xAA}); err != nil {
		t.Fatalf("write: %v", err)
	}

	start, length, err := c.GetAvailableRange(offset, 1)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}

	if length != 1 || start != offset {
		t.Fatalf("got (start=%x, length=%d), want (start=%x, length=1)", start, length, offset)
	}
}

func TestGetAvailableRangeAcrossChildren(t *testing.T) {
	opener, _ := newTestOpener(t)

	parent, err := opener.CreateEntry("k")
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	c, err := Open(opener, parent, "k")
	if err != nil {
		t.Fatalf("open control: %v", err)
	}

	oneKB := bytes.Repeat([]byte{0x1}, 1024)

	for _, off := range []int64{0, 0x200000, 0x400800} {
		if _, err := c.WriteSparseData(off, oneKB); err != nil {
			t.Fatalf("write at %x: %v", off, err)
		}
	}

	start, length, err := c.GetAvailableRange(0, 0x500000)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}

	if start != 0 || length != 1024 {
		t.Fatalf("first probe = (start=%x, length=%d), want (0, 1024)", start, length)
	}

	start, length, err = c.GetAvailableRange(0x300000, 0x500000)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}

	if start != 0x400800 || length != 1024 {
		t.Fatalf("third probe = (start=%x, length=%d), want (0x400800, 1024)", start, length)
	}
}

func TestReadHoleStopsBeforeFirstGap(t *testing.T) {
	opener, _ := newTestOpener(t)

	parent, err := opener.CreateEntry("k")
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	c, err := Open(opener, parent, "k")
	if err != nil {
		t.Fatalf("open control: %v", err)
	}

	if _, err := c.WriteSparseData(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4096)

	n, err := c.ReadSparseData(0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if n != 1024 {
		t.Fatalf("n = %d, want 1024 (one residency block)", n)
	}
}
