package entry

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/blockfile"
	"github.com/vaultcache/diskcache/pkg/diskcache/rankings"
)

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

func newTestDeps(t *testing.T) Deps {
	t.Helper()

	dir := t.TempDir()

	bf, err := blockfile.Init(dir, true)
	if err != nil {
		t.Fatalf("blockfile init: %v", err)
	}
	t.Cleanup(func() { bf.Close() })

	r := rankings.New(bf, newMemHeads())

	var nextExternal uint32 = ExternalFileBase

	ext := NewDirExternalFiles(filepath.Join(dir), nextExternal, func(n uint32) error {
		nextExternal = n

		return nil
	})

	return Deps{Files: bf, Rankings: r, External: ext, MaxStreamSize: 0}
}

func TestCreateLoadRoundTrip(t *testing.T) {
	d := newTestDeps(t)

	e, err := Create(d, "hello-key", 0xdeadbeef, 1, 42)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	key, err := e.Key()
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	if key != "hello-key" {
		t.Fatalf("key = %q, want hello-key", key)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	loaded, err := Load(d, e.Addr())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	key2, err := loaded.Key()
	if err != nil {
		t.Fatalf("key after load: %v", err)
	}

	if key2 != "hello-key" {
		t.Fatalf("loaded key = %q, want hello-key", key2)
	}

	if loaded.Hash() != 0xdeadbeef {
		t.Fatalf("loaded hash = %x, want deadbeef", loaded.Hash())
	}
}

func TestStreamStaysInBufferBelowThreshold(t *testing.T) {
	d := newTestDeps(t)

	e, err := Create(d, "k", 1, 1, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	data := bytes.Repeat([]byte{0xab}, userBufferMax-1)

	if _, err := e.WriteData(0, 0, data, true); err != nil {
		t.Fatalf("write: %v", err)
	}

	if e.streams[0].kind != reprBuffer {
		t.Fatalf("kind = %v, want reprBuffer", e.streams[0].kind)
	}

	out := make([]byte, len(data))
	if _, err := e.ReadData(0, 0, out); err != nil {
		t.Fatalf("read: %v", err)
	}

	if !bytes.Equal(out, data) {
		t.Fatal("round-tripped data mismatch")
	}
}

func TestStreamEscalatesToBlockAtExactThreshold(t *testing.T) {
	d := newTestDeps(t)

	e, err := Create(d, "k", 1, 1, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	data := bytes.Repeat([]byte{0xcd}, userBufferMax)

	if _, err := e.WriteData(1, 0, data, true); err != nil {
		t.Fatalf("write: %v", err)
	}

	if e.streams[1].kind != reprBlock {
		t.Fatalf("kind = %v, want reprBlock", e.streams[1].kind)
	}

	out := make([]byte, len(data))
	if _, err := e.ReadData(1, 0, out); err != nil {
		t.Fatalf("read: %v", err)
	}

	if !bytes.Equal(out, data) {
		t.Fatal("round-tripped data mismatch")
	}
}

func TestStreamEscalatesToExternalAboveThreshold(t *testing.T) {
	d := newTestDeps(t)

	e, err := Create(d, "k", 1, 1, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	data := bytes.Repeat([]byte{0xef}, userBufferMax+1)

	if _, err := e.WriteData(2, 0, data, true); err != nil {
		t.Fatalf("write: %v", err)
	}

	if e.streams[2].kind != reprExternal {
		t.Fatalf("kind = %v, want reprExternal", e.streams[2].kind)
	}

	out := make([]byte, len(data))
	if _, err := e.ReadData(2, 0, out); err != nil {
		t.Fatalf("read: %v", err)
	}

	if !bytes.Equal(out, data) {
		t.Fatal("round-tripped data mismatch")
	}
}

func TestReadPastEndReturnsZeroWithoutError(t *testing.T) {
	d := newTestDeps(t)

	e, err := Create(d, "k", 1, 1, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.WriteData(0, 0, []byte("abc"), true); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 10)

	n, err := e.ReadData(0, 100, buf)
	if err != nil {
		t.Fatalf("read past end: %v", err)
	}

	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
}

func TestWriteGrowthZeroFillsGap(t *testing.T) {
	d := newTestDeps(t)

	e, err := Create(d, "k", 1, 1, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.WriteData(0, 0, []byte("ab"), false); err != nil {
		t.Fatalf("write1: %v", err)
	}

	if _, err := e.WriteData(0, 5, []byte("z"), false); err != nil {
		t.Fatalf("write2: %v", err)
	}

	out := make([]byte, 6)
	if _, err := e.ReadData(0, 0, out); err != nil {
		t.Fatalf("read: %v", err)
	}

	want := []byte{'a', 'b', 0, 0, 0, 'z'}
	if !bytes.Equal(out, want) {
		t.Fatalf("out = %v, want %v", out, want)
	}
}

func TestLongKeyRoundTrips(t *testing.T) {
	d := newTestDeps(t)

	longKey := string(bytes.Repeat([]byte{'x'}, maxInlineKeyLen+500))

	e, err := Create(d, longKey, 2, 1, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	key, err := e.Key()
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	if key != longKey {
		t.Fatal("long key round trip mismatch")
	}
}

func TestDoomMarksStateAndMovesList(t *testing.T) {
	d := newTestDeps(t)

	e, err := Create(d, "k", 1, 1, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := d.Rankings.Insert(e.RankingsAddr(), rankings.NoUse, e.record().CreationTime); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := e.Doom(2, rankings.NoUse, rankings.Deleted, e.record().CreationTime); err != nil {
		t.Fatalf("doom: %v", err)
	}

	if e.State() != StateDoomed {
		t.Fatalf("state = %v, want StateDoomed", e.State())
	}

	if d.Rankings.HeadOf(rankings.Deleted) != e.RankingsAddr() {
		t.Fatal("doomed entry not moved to Deleted list")
	}
}
