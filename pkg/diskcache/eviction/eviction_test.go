package eviction

import (
	"path/filepath"
	"testing"
	"time"

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

func (m *memHeads) Head(l rankings.List) address.Addr     { return m.head[l] }
func (m *memHeads) Tail(l rankings.List) address.Addr     { return m.tail[l] }
func (m *memHeads) SetHead(l rankings.List, a address.Addr) { m.head[l] = a }
func (m *memHeads) SetTail(l rankings.List, a address.Addr) { m.tail[l] = a }

type fakeDoomer struct {
	r        *rankings.Rankings
	list     rankings.List
	doomed   []address.Addr
	numBytes int64
}

func (d *fakeDoomer) Doom(addr address.Addr) error {
	d.doomed = append(d.doomed, addr)
	d.numBytes -= 100

	return d.r.Remove(addr, d.list)
}

func (d *fakeDoomer) CurrentSize() int64 { return d.numBytes }
func (d *fakeDoomer) MaxSize() int64     { return 250 }
func (d *fakeDoomer) EntryCount() int    { return len(d.doomed) }

func TestPureLRUTrimsOldestFirst(t *testing.T) {
	bf, err := blockfile.Init(filepath.Join(t.TempDir()), true)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer bf.Close()

	heads := newMemHeads()
	r := rankings.New(bf, heads)

	var addrs []address.Addr

	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		addr, err := r.NewNode(address.NewBlock(address.Block256, 1, 0, uint16(i)))
		if err != nil {
			t.Fatalf("new node: %v", err)
		}

		if err := r.Insert(addr, rankings.NoUse, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("insert: %v", err)
		}

		addrs = append(addrs, addr)
	}

	d := &fakeDoomer{r: r, list: rankings.NoUse, numBytes: 500}

	ev := New(r, d, d, d, PureLRU)
	ev.tunables.BatchSize = 2

	reschedule, err := ev.Trim(true)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}

	if len(d.doomed) != 2 {
		t.Fatalf("doomed %d entries, want 2", len(d.doomed))
	}

	// addrs[0] was inserted first, so it is the oldest (tail) and must be
	// doomed before addrs[1].
	if d.doomed[0] != addrs[0] || d.doomed[1] != addrs[1] {
		t.Fatalf("doom order = %v, want oldest-first %v", d.doomed, addrs[:2])
	}

	if !reschedule {
		t.Fatal("expected reschedule since size still over cap")
	}
}

func TestTrimStopsWhenUnderCap(t *testing.T) {
	bf, err := blockfile.Init(filepath.Join(t.TempDir()), true)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer bf.Close()

	heads := newMemHeads()
	r := rankings.New(bf, heads)

	addr, err := r.NewNode(address.NewBlock(address.Block256, 1, 0, 0))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	if err := r.Insert(addr, rankings.NoUse, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	d := &fakeDoomer{r: r, list: rankings.NoUse, numBytes: 100}

	ev := New(r, d, d, d, PureLRU)

	if ev.NeedsTrim() {
		t.Fatal("should not need trim when under cap")
	}
}
