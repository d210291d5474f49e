package rankings

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/blockfile"
)

type memHeads struct {
	head, tail [numLists]address.Addr
}

func (m *memHeads) Head(l List) address.Addr { return m.head[l] }
func (m *memHeads) Tail(l List) address.Addr { return m.tail[l] }
func (m *memHeads) SetHead(l List, a address.Addr) { m.head[l] = a }
func (m *memHeads) SetTail(l List, a address.Addr) { m.tail[l] = a }

func newTestRankings(t *testing.T) (*Rankings, *memHeads) {
	t.Helper()

	bf, err := blockfile.Init(filepath.Join(t.TempDir()), true)
	if err != nil {
		t.Fatalf("init blockfile: %v", err)
	}

	t.Cleanup(func() { _ = bf.Close() })

	heads := &memHeads{}

	return New(bf, heads), heads
}

func (r *Rankings) walkForward(l List, heads *memHeads) []address.Addr {
	var out []address.Addr

	cur := heads.Head(l)
	for cur != address.Zero {
		out = append(out, cur)

		_, node, err := r.load(cur)
		if err != nil {
			panic(err)
		}

		if node.Next == cur {
			// The tail's Next self-references: stop here.
			break
		}

		cur = node.Next
	}

	return out
}

func TestInsertSingleNodeIsHeadAndTail(t *testing.T) {
	r, heads := newTestRankings(t)

	addr, err := r.NewNode(address.NewBlock(address.Block256, 1, 0, 0))
	require.NoError(t, err, "new node")

	require.NoError(t, r.Insert(addr, NoUse, time.Now()), "insert")

	assert.Equal(t, addr, heads.Head(NoUse), "head")
	assert.Equal(t, addr, heads.Tail(NoUse), "tail")

	_, node, err := r.load(addr)
	require.NoError(t, err, "load")

	assert.Equal(t, addr, node.Next, "single-element list must have next=self")
	assert.Equal(t, addr, node.Prev, "single-element list must have prev=self")
}

// TestRemoveSoleElementZeroesHeadAndTail exercises the special case the
// original's Rankings::Remove calls out explicitly (head == tail): without
// it, removing a list's only node would derive the new head/tail from the
// node's own self-referencing Next/Prev and leave a dangling self-loop on
// the freed block's address.
func TestRemoveSoleElementZeroesHeadAndTail(t *testing.T) {
	r, heads := newTestRankings(t)

	addr, err := r.NewNode(address.NewBlock(address.Block256, 1, 0, 0))
	require.NoError(t, err, "new node")
	require.NoError(t, r.Insert(addr, NoUse, time.Now()), "insert")

	require.NoError(t, r.Remove(addr, NoUse), "remove")

	assert.Equal(t, address.Zero, heads.Head(NoUse), "head must be zeroed")
	assert.Equal(t, address.Zero, heads.Tail(NoUse), "tail must be zeroed")
}

// TestGetNextGetPrevStopAtListEnds checks the head/tail guards directly:
// without them, a self-referencing head/tail node would make GetPrev/GetNext
// report a self-loop instead of "no predecessor/successor".
func TestGetNextGetPrevStopAtListEnds(t *testing.T) {
	r, _ := newTestRankings(t)

	addr, err := r.NewNode(address.NewBlock(address.Block256, 1, 0, 0))
	require.NoError(t, err, "new node")
	require.NoError(t, r.Insert(addr, NoUse, time.Now()), "insert")

	prevAddr, prevNode, err := r.GetPrev(addr, NoUse)
	require.NoError(t, err, "get prev")
	assert.Equal(t, address.Zero, prevAddr, "sole node has no predecessor")
	assert.Nil(t, prevNode)

	nextAddr, nextNode, err := r.GetNext(addr, NoUse)
	require.NoError(t, err, "get next")
	assert.Equal(t, address.Zero, nextAddr, "sole node has no successor")
	assert.Nil(t, nextNode)
}

func TestInsertOrderIsMostRecentFirst(t *testing.T) {
	r, heads := newTestRankings(t)

	var addrs []address.Addr

	for i := 0; i < 3; i++ {
		addr, err := r.NewNode(address.NewBlock(address.Block256, 1, 0, uint16(i)))
		if err != nil {
			t.Fatalf("new node %d: %v", i, err)
		}

		if err := r.Insert(addr, NoUse, time.Now()); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}

		addrs = append(addrs, addr)
	}

	got := r.walkForward(NoUse, heads)

	want := []address.Addr{addrs[2], addrs[1], addrs[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("walk order mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveHeadInteriorTail(t *testing.T) {
	r, heads := newTestRankings(t)

	var addrs []address.Addr

	for i := 0; i < 3; i++ {
		addr, err := r.NewNode(address.NewBlock(address.Block256, 1, 0, uint16(i)))
		if err != nil {
			t.Fatalf("new node: %v", err)
		}

		if err := r.Insert(addr, NoUse, time.Now()); err != nil {
			t.Fatalf("insert: %v", err)
		}

		addrs = append(addrs, addr)
	}

	// List head-to-tail is addrs[2], addrs[1], addrs[0].
	if err := r.Remove(addrs[1], NoUse); err != nil {
		t.Fatalf("remove interior: %v", err)
	}

	got := r.walkForward(NoUse, heads)
	if len(got) != 2 || got[0] != addrs[2] || got[1] != addrs[0] {
		t.Fatalf("after interior remove, walk = %v", got)
	}

	if err := r.Remove(addrs[2], NoUse); err != nil {
		t.Fatalf("remove head: %v", err)
	}

	if heads.Head(NoUse) != addrs[0] {
		t.Fatalf("new head = %v, want %v", heads.Head(NoUse), addrs[0])
	}

	if err := r.Remove(addrs[0], NoUse); err != nil {
		t.Fatalf("remove last: %v", err)
	}

	if heads.Head(NoUse) != address.Zero || heads.Tail(NoUse) != address.Zero {
		t.Fatal("list should be empty")
	}
}

func TestSanityCheckRejectsZeroContents(t *testing.T) {
	r, _ := newTestRankings(t)

	if err := r.SanityCheck(address.NewBlock(address.Rankings, 1, 0, 0), &Node{}, NoUse); err == nil {
		t.Fatal("expected error for zero contents")
	}
}

func TestIteratorPatchedOnRemoval(t *testing.T) {
	r, _ := newTestRankings(t)

	var addrs []address.Addr

	for i := 0; i < 3; i++ {
		addr, err := r.NewNode(address.NewBlock(address.Block256, 1, 0, uint16(i)))
		if err != nil {
			t.Fatalf("new node: %v", err)
		}

		if err := r.Insert(addr, NoUse, time.Now()); err != nil {
			t.Fatalf("insert: %v", err)
		}

		addrs = append(addrs, addr)
	}

	it := r.NewIterator(NoUse)
	defer it.Close()

	// Cursor is parked at the head (addrs[2]); remove it out from under
	// the iterator.
	if err := r.Remove(addrs[2], NoUse); err != nil {
		t.Fatalf("remove: %v", err)
	}

	addr, _, err := it.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	if addr != addrs[1] {
		t.Fatalf("iterator after removal of current = %v, want %v", addr, addrs[1])
	}
}
