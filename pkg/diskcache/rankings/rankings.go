// Package rankings implements the doubly-linked LRU list(s) over rankings
// nodes, with a transaction log embedded in the rankings block-file header
// that lets an interrupted insert or remove be completed or reverted on the
// next open.
//
// Grounded on original_source/net/disk_cache/rankings.cc and rankings.h.
package rankings

import (
	"errors"
	"fmt"
	"time"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/blockfile"
	"github.com/vaultcache/diskcache/pkg/diskcache/storageblock"
)

// List names one of the LRU lists a node can belong to.
type List int

// The reuse-aware eviction policy trims all four; the pure-LRU policy
// trims only NoUse. Doomed entries pass through Deleted under either
// policy.
const (
	NoUse List = iota
	LowUse
	HighUse
	Deleted
	reservedList
)

const numLists = int(reservedList) + 1

func (l List) String() string {
	switch l {
	case NoUse:
		return "no_use"
	case LowUse:
		return "low_use"
	case HighUse:
		return "high_use"
	case Deleted:
		return "deleted"
	default:
		return "reserved"
	}
}

// Operation codes recorded in the transaction log.
const (
	opNone   uint32 = 0
	opInsert uint32 = 1
	opRemove uint32 = 2
)

// ErrInvalidLinks is returned by SanityCheck when a node's links are
// inconsistent with its claimed list membership.
var ErrInvalidLinks = errors.New("rankings: invalid links")

// ListHeads persists the five lists' head/tail addresses. In the full
// engine this is backed by the index header's embedded LRU control
// record; tests may supply an in-memory implementation.
type ListHeads interface {
	Head(l List) address.Addr
	Tail(l List) address.Addr
	SetHead(l List, addr address.Addr)
	SetTail(l List, addr address.Addr)
}

// fileSourceAdapter lets storageblock.Block resolve addresses through a
// *blockfile.BlockFiles, whose GetFile returns a concrete *storagefile.File
// rather than the storageblock.BlockFileHandle interface.
type fileSourceAdapter struct {
	bf *blockfile.BlockFiles
}

func (a fileSourceAdapter) GetFile(addr address.Addr) (storageblock.BlockFileHandle, int64, error) {
	return a.bf.GetFile(addr)
}

// Rankings owns the LRU lists and their crash-recovery transaction log.
//
// Rankings is not safe for concurrent use; callers serialize access the
// same way the rest of the engine does (see the single-threaded-owning-loop
// resource model).
type Rankings struct {
	bf    *blockfile.BlockFiles
	files storageblock.FileSource
	heads ListHeads

	// liveIterators tracks every outstanding cursor so a splice during
	// Insert/Remove/UpdateRank can patch it in place.
	liveIterators map[*Iterator]struct{}
}

// New wraps a block-file allocator and a list-heads store.
func New(bf *blockfile.BlockFiles, heads ListHeads) *Rankings {
	return &Rankings{
		bf:            bf,
		files:         fileSourceAdapter{bf},
		heads:         heads,
		liveIterators: make(map[*Iterator]struct{}),
	}
}

func (r *Rankings) load(addr address.Addr) (*storageblock.Block[*Node], *Node, error) {
	b := storageblock.New[*Node](r.files, addr)
	b.Prime(&Node{})

	n, err := b.Data()
	if err != nil {
		return nil, nil, err
	}

	return b, n, nil
}

// NewNode allocates a fresh rankings block for contents (the entry-store
// address this node backs) and returns its address with a zeroed,
// not-yet-inserted node stored to disk.
func (r *Rankings) NewNode(contents address.Addr) (address.Addr, error) {
	addr, err := r.bf.CreateBlock(address.Rankings, 1)
	if err != nil {
		return address.Zero, fmt.Errorf("rankings: allocate node: %w", err)
	}

	b := storageblock.New[*Node](r.files, addr)
	b.Set(&Node{Contents: contents})

	if err := b.Store(); err != nil {
		return address.Zero, err
	}

	return addr, nil
}

// Insert splices a node at the head of list l, following the four-step
// transaction protocol:
//  1. record the transaction (addr, INSERT)
//  2. point the old head's prev at the new node
//  3. store the new node with prev=self, next=old_head
//  4. update tail (if the list was empty), then head, then clear the log
func (r *Rankings) Insert(addr address.Addr, l List, now time.Time) error {
	r.bf.SetTransaction(addr, opInsert)
	defer r.bf.SetTransaction(address.Zero, opNone)

	return r.insertAt(addr, l, now, true)
}

func (r *Rankings) insertAt(addr address.Addr, l List, ts time.Time, updateModified bool) error {
	oldHead := r.heads.Head(l)

	nb, node, err := r.load(addr)
	if err != nil {
		return err
	}

	if oldHead != address.Zero {
		hb, headNode, err := r.load(oldHead)
		if err != nil {
			return err
		}

		headNode.Prev = addr
		hb.Set(headNode)

		if err := hb.Store(); err != nil {
			return err
		}
	}

	node.Prev = addr

	if oldHead == address.Zero {
		// Empty list: the new node is simultaneously head and tail, so
		// its Next self-references the same way a head's Prev does.
		node.Next = addr
	} else {
		node.Next = oldHead
	}

	node.LastUsed = ts

	if updateModified {
		node.LastModified = ts
	}

	nb.Set(node)

	if err := nb.Store(); err != nil {
		return err
	}

	if oldHead == address.Zero {
		r.heads.SetTail(l, addr)
	}

	r.heads.SetHead(l, addr)

	return nil
}

// Remove splices addr out of list l, recording the transaction first so a
// crash mid-removal can be completed or reverted.
func (r *Rankings) Remove(addr address.Addr, l List) error {
	r.bf.SetTransaction(addr, opRemove)
	defer r.bf.SetTransaction(address.Zero, opNone)

	_, node, err := r.load(addr)
	if err != nil {
		return err
	}

	return r.unsplice(addr, node, l)
}

// unsplice performs the link surgery shared by Remove and crash recovery:
// point the node's neighbors at each other, then patch head/tail. Removing
// a list's sole element is special-cased, the way the original does,
// rather than derived from the node's own (self-referencing) Next/Prev:
// since head and tail are the same address, deriving new head/tail from
// next/prev would just reinstate the freed node as a dangling self-loop.
func (r *Rankings) unsplice(addr address.Addr, node *Node, l List) error {
	next, prev := node.Next, node.Prev

	head, tail := r.heads.Head(l), r.heads.Tail(l)

	if prev != address.Zero && prev != addr {
		pb, prevNode, err := r.load(prev)
		if err != nil {
			return err
		}

		prevNode.Next = next
		pb.Set(prevNode)

		if err := pb.Store(); err != nil {
			return err
		}
	}

	if next != address.Zero && next != addr {
		nb, nextNode, err := r.load(next)
		if err != nil {
			return err
		}

		nextNode.Prev = prev
		nb.Set(nextNode)

		if err := nb.Store(); err != nil {
			return err
		}
	}

	switch {
	case head == addr && tail == addr:
		r.heads.SetHead(l, address.Zero)
		r.heads.SetTail(l, address.Zero)
	case head == addr:
		r.heads.SetHead(l, next)

		nb, nextNode, err := r.load(next)
		if err != nil {
			return err
		}

		nextNode.Prev = next
		nb.Set(nextNode)

		if err := nb.Store(); err != nil {
			return err
		}
	case tail == addr:
		r.heads.SetTail(l, prev)

		pb, prevNode, err := r.load(prev)
		if err != nil {
			return err
		}

		prevNode.Next = prev
		pb.Set(prevNode)

		if err := pb.Store(); err != nil {
			return err
		}
	}

	r.patchIteratorRemoved(addr, next)

	return nil
}

// CompleteTransaction inspects the transaction log left by a prior run and
// resolves it from the node's current linkage: an interrupted remove is
// completed by re-running the unsplice (completeRemove), and an
// interrupted insert is left as found (completeInsert changes nothing; the
// node is not re-spliced at the head). Call once during backend Init,
// before any other rankings operation.
func (r *Rankings) CompleteTransaction() error {
	addr, op := r.bf.Transaction()
	if op == opNone || addr == address.Zero {
		return nil
	}

	defer r.bf.SetTransaction(address.Zero, opNone)

	_, node, err := r.load(addr)
	if err != nil {
		return fmt.Errorf("rankings: recovery load: %w", err)
	}

	switch op {
	case opInsert:
		return r.completeInsert(addr, node)
	case opRemove:
		return r.completeRemove(addr, node)
	default:
		return fmt.Errorf("rankings: unknown transaction op %d", op)
	}
}

// completeInsert handles a crash between writing the transaction record
// and the final head-pointer store. It makes no change: if no list's head
// or tail names addr, the node stays off every list; its block is not
// freed here, and an old head whose Prev already points at addr is not
// restored.
func (r *Rankings) completeInsert(addr address.Addr, node *Node) error {
	for l := List(0); int(l) < numLists; l++ {
		if r.heads.Head(l) == addr || r.heads.Tail(l) == addr {
			return nil
		}
	}

	_ = node

	return nil
}

// completeRemove finishes an interrupted removal: if some list's head or
// tail still names the node, the unsplice is re-run idempotently against
// that list. Otherwise nothing is changed; an interior node whose
// neighbors were only partly relinked is not repaired.
func (r *Rankings) completeRemove(addr address.Addr, node *Node) error {
	for l := List(0); int(l) < numLists; l++ {
		head, tail := r.heads.Head(l), r.heads.Tail(l)
		if head != addr && tail != addr {
			continue
		}

		return r.unsplice(addr, node, l)
	}

	return nil
}

// UpdateRank removes addr from list `from` and reinserts it at the head of
// list `to`, logically one transaction. A crash in the middle leaves an
// insert record for the next open; CompleteTransaction does not re-splice,
// so the node is list-resident only if the insert had already reached its
// head-pointer store. updateModified controls whether the node's
// LastModified timestamp advances along with LastUsed (a read only bumps
// LastUsed; a write bumps both).
func (r *Rankings) UpdateRank(addr address.Addr, from, to List, now time.Time, updateModified bool) error {
	if err := r.Remove(addr, from); err != nil {
		return err
	}

	r.bf.SetTransaction(addr, opInsert)
	defer r.bf.SetTransaction(address.Zero, opNone)

	return r.insertAt(addr, to, now, updateModified)
}

// Load returns the node stored at addr.
func (r *Rankings) Load(addr address.Addr) (*Node, error) {
	_, node, err := r.load(addr)

	return node, err
}

// TailOf returns the current tail address of list l (zero if empty).
func (r *Rankings) TailOf(l List) address.Addr {
	return r.heads.Tail(l)
}

// HeadOf returns the current head address of list l (zero if empty).
func (r *Rankings) HeadOf(l List) address.Addr {
	return r.heads.Head(l)
}

// GetNext returns the node following addr in list l, or (Zero, nil, nil)
// if addr is l's tail. addr's own Next self-references when it is the
// tail, so the tail check must come before following it.
func (r *Rankings) GetNext(addr address.Addr, l List) (address.Addr, *Node, error) {
	if r.heads.Tail(l) == addr {
		return address.Zero, nil, nil
	}

	_, node, err := r.load(addr)
	if err != nil {
		return address.Zero, nil, err
	}

	if node.Next == address.Zero {
		return address.Zero, nil, nil
	}

	_, next, err := r.load(node.Next)
	if err != nil {
		return address.Zero, nil, err
	}

	return node.Next, next, nil
}

// GetPrev returns the node preceding addr in list l, or (Zero, nil, nil)
// if addr is l's head. addr's own Prev self-references when it is the
// head, so the head check must come before following it.
func (r *Rankings) GetPrev(addr address.Addr, l List) (address.Addr, *Node, error) {
	if r.heads.Head(l) == addr {
		return address.Zero, nil, nil
	}

	_, node, err := r.load(addr)
	if err != nil {
		return address.Zero, nil, err
	}

	if node.Prev == address.Zero {
		return address.Zero, nil, nil
	}

	_, prev, err := r.load(node.Prev)
	if err != nil {
		return address.Zero, nil, err
	}

	return node.Prev, prev, nil
}

// SanityCheck rejects structurally invalid nodes: no contents, claimed
// list membership with a zero timestamp, mixed zero/non-zero next/prev,
// or a self-reference that isn't the sole element.
func (r *Rankings) SanityCheck(addr address.Addr, node *Node, l List) error {
	if node.Contents == address.Zero {
		return fmt.Errorf("%w: zero contents", ErrInvalidLinks)
	}

	head, tail := r.heads.Head(l), r.heads.Tail(l)
	inList := head == addr || tail == addr || node.Next != address.Zero || node.Prev != address.Zero

	if inList && node.LastUsed.IsZero() {
		return fmt.Errorf("%w: zero timestamp on listed node", ErrInvalidLinks)
	}

	if (node.Next == address.Zero) != (node.Prev == address.Zero) && head != addr && tail != addr {
		return fmt.Errorf("%w: mixed zero/non-zero next/prev", ErrInvalidLinks)
	}

	if node.Prev == addr && head != addr {
		return fmt.Errorf("%w: self-referential prev on non-head node", ErrInvalidLinks)
	}

	if node.Next == addr && tail != addr {
		return fmt.Errorf("%w: self-referential next on non-tail node", ErrInvalidLinks)
	}

	return nil
}

// Iterator is a stable cursor into a list: a Remove that splices the node
// it is currently parked on advances it to that node's old successor, so
// an enumeration in progress never reads a stale link.
type Iterator struct {
	r       *Rankings
	current address.Addr
}

// NewIterator starts a cursor at the head of l.
func (r *Rankings) NewIterator(l List) *Iterator {
	it := &Iterator{r: r, current: r.heads.Head(l)}
	r.liveIterators[it] = struct{}{}

	return it
}

// Close releases the iterator; it no longer receives splice patches.
func (it *Iterator) Close() {
	delete(it.r.liveIterators, it)
}

// Next advances and returns the next node, or (Zero, nil, nil) at the end.
func (it *Iterator) Next() (address.Addr, *Node, error) {
	if it.current == address.Zero {
		return address.Zero, nil, nil
	}

	_, node, err := it.r.load(it.current)
	if err != nil {
		return address.Zero, nil, err
	}

	addr := it.current

	if node.Next == addr {
		// The tail's Next self-references: the list ends here.
		it.current = address.Zero
	} else {
		it.current = node.Next
	}

	return addr, node, nil
}

func (r *Rankings) patchIteratorRemoved(removed, next address.Addr) {
	if next == removed {
		// A removed tail's Next is itself: it has no successor.
		next = address.Zero
	}

	for it := range r.liveIterators {
		if it.current == removed {
			it.current = next
		}
	}
}
