package diskcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/entry"
	"github.com/vaultcache/diskcache/pkg/diskcache/rankings"
)

// walkResult is what a bucket-chain walk found.
type walkResult struct {
	found     *entry.Entry
	foundAddr address.Addr
	tailAddr  address.Addr
}

// walkBucket follows hash's bucket chain looking for key, pruning any node
// that the dirty protocol marks as garbage from an interrupted prior
// session as it goes. It stops at the first match, or after following
// maxBucketChainWalk links, whichever comes first.
//
// Grounded on BackendImpl::OpenEntry's MatchEntry loop in
// original_source/net/disk_cache/backend_impl.cc: a node survives the walk
// only if it is cleanly closed (Dirty == 0) or currently open in this very
// session (Dirty == thisID and tracked in b.open); anything else is
// unlinked and its storage released before the walk continues past it.
func (b *Backend) walkBucket(hash uint32, key string) (walkResult, error) {
	var (
		prev     *entry.Entry
		prevAddr address.Addr
	)

	addr := b.idx.Bucket(hash)
	steps := 0

	for addr != address.Zero {
		steps++
		if steps > maxBucketChainWalk {
			return walkResult{}, fmt.Errorf("%w: bucket chain exceeds %d links", ErrCorrupt, maxBucketChainWalk)
		}

		e, valid, err := b.loadValidEntry(addr)
		if err != nil {
			return walkResult{}, err
		}

		if !valid {
			next := e.Next()

			if err := b.unlinkCorrupt(hash, prev, e); err != nil {
				return walkResult{}, err
			}

			addr = next

			continue
		}

		if e.Hash() == hash {
			if k, kerr := e.Key(); kerr == nil && k == key {
				return walkResult{found: e, foundAddr: addr, tailAddr: addr}, nil
			}
		}

		prev = e
		prevAddr = addr
		addr = e.Next()
	}

	return walkResult{tailAddr: prevAddr}, nil
}

// loadValidEntry loads the entry-store record at addr and reports whether
// it passes the dirty protocol: cleanly closed, or open under the current
// session's thisID and still tracked in b.open.
func (b *Backend) loadValidEntry(addr address.Addr) (*entry.Entry, bool, error) {
	e, err := entry.Load(b.entryDeps(), addr)
	if err != nil {
		return nil, false, err
	}

	node, err := b.r.Load(e.RankingsAddr())
	if err != nil {
		return nil, false, err
	}

	if node.Dirty == 0 {
		return e, true, nil
	}

	if node.Dirty == b.thisID {
		if _, open := b.open[addr]; open {
			return e, true, nil
		}
	}

	return e, false, nil
}

// unlinkCorrupt removes a stale node from its bucket chain and releases
// its storage, relinking prev (or the bucket head) around it.
func (b *Backend) unlinkCorrupt(hash uint32, prev *entry.Entry, e *entry.Entry) error {
	b.stats.OnEvent(CounterInvalidEntry)
	b.stats.RecordError(codeInvalidEntry)

	next := e.Next()

	if prev == nil {
		b.idx.SetBucket(hash, next)
	} else {
		prev.SetNext(next)

		if err := prev.StoreRecord(); err != nil {
			return err
		}
	}

	return e.Release()
}

// openEntryRaw looks key up without going through the public façade,
// bumping its refcount if already open and loading+tracking it otherwise.
// Shared by the public OpenEntry and the sparse.Opener adapter.
func (b *Backend) openEntryRaw(key string) (*entry.Entry, error) {
	hash := hashKey(key)

	for _, st := range b.open {
		if k, _ := st.ent.Key(); k == key && st.ent.Hash() == hash {
			st.refs++

			return st.ent, nil
		}
	}

	res, err := b.walkBucket(hash, key)
	if err != nil {
		return nil, err
	}

	if res.found == nil {
		b.stats.OnEvent(CounterOpenMiss)

		return nil, ErrNotFound
	}

	b.stats.OnEvent(CounterOpenHit)

	b.nextPointer++
	ptr := b.nextPointer

	if err := markOpen(res.found, b.thisID, ptr); err != nil {
		return nil, err
	}

	b.open[res.foundAddr] = &openEntryState{ent: res.found, refs: 1, pointer: ptr}

	return res.found, nil
}

// createEntryRaw creates a fresh entry for key, failing with ErrExists if
// a live entry with that key is already reachable through its bucket
// chain. extraFlags is ORed into the new record's Flags (used to mark
// sparse child entries so top-level enumeration can filter them out).
func (b *Backend) createEntryRaw(key string, extraFlags uint8) (*entry.Entry, error) {
	hash := hashKey(key)

	res, err := b.walkBucket(hash, key)
	if err != nil {
		return nil, err
	}

	if res.found != nil {
		b.stats.OnEvent(CounterCreateHit)

		return nil, ErrExists
	}

	b.nextPointer++
	ptr := b.nextPointer

	e, err := entry.Create(b.entryDeps(), key, hash, b.thisID, ptr)
	if err != nil {
		b.stats.OnEvent(CounterCreateError)

		return nil, err
	}

	if extraFlags != 0 {
		if err := e.SetFlags(extraFlags); err != nil {
			return nil, err
		}
	}

	if res.tailAddr == address.Zero {
		b.idx.SetBucket(hash, e.Addr())
	} else {
		tail, terr := entry.Load(b.entryDeps(), res.tailAddr)
		if terr != nil {
			return nil, terr
		}

		tail.SetNext(e.Addr())

		if err := tail.StoreRecord(); err != nil {
			return nil, err
		}
	}

	if err := b.r.Insert(e.RankingsAddr(), rankings.NoUse, time.Now()); err != nil {
		return nil, err
	}

	b.idx.AddEntryCount(1)
	b.stats.OnEvent(CounterCreateMiss)
	b.stats.SetCounter(CounterOpenEntries, int64(len(b.open)+1))

	b.open[e.Addr()] = &openEntryState{ent: e, refs: 1, pointer: ptr}

	if b.ev.NeedsTrim() {
		_, _ = b.ev.Trim(false)
	}

	return e, nil
}

// markOpen stamps the dirty protocol (thisID, pointer) on an entry loaded
// from disk rather than freshly created, through Entry.MarkOpen, the
// exported alias of Entry's unexported markDirty.
func markOpen(e *entry.Entry, thisID, pointer uint32) error {
	return e.MarkOpen(thisID, pointer)
}

// closeRaw decrements an open entry's refcount, flushing and releasing
// bookkeeping once it drops to zero. A doomed entry has its storage freed
// at that point instead of merely closed.
func (b *Backend) closeRaw(addr address.Addr) error {
	st, ok := b.open[addr]
	if !ok {
		return fmt.Errorf("%w: entry %v not open", ErrInvalidInput, addr)
	}

	st.refs--
	if st.refs > 0 {
		return nil
	}

	delete(b.open, addr)
	b.stats.SetCounter(CounterOpenEntries, int64(len(b.open)))

	if st.doomed {
		return b.releaseDoomed(st.ent)
	}

	return st.ent.Close()
}

// rankingsLists is every list a live (non-deleted) node can currently
// belong to, in the order findNodeList checks them.
var rankingsLists = [...]rankings.List{rankings.NoUse, rankings.LowUse, rankings.HighUse}

// findNodeList reports which LRU list rankingsAddr currently belongs to.
// Nodes don't carry their own list identity on disk, so this checks the
// O(1) head/tail fast path first - which covers a node eviction.Trim
// passes to Doom whenever it is its list's current tail (trimListByAge
// walks from the tail and skips open entries, so a node it dooms past a
// skipped one is not the tail) - and falls back to walking each list from
// its head for every other node, including those DoomEntry and friends
// reach through the index.
func (b *Backend) findNodeList(rankingsAddr address.Addr) (rankings.List, error) {
	for _, l := range rankingsLists {
		if b.r.HeadOf(l) == rankingsAddr || b.r.TailOf(l) == rankingsAddr {
			return l, nil
		}
	}

	for _, l := range rankingsLists {
		cur := b.r.HeadOf(l)
		steps := 0

		for cur != address.Zero {
			steps++
			if steps > maxBucketChainWalk {
				return 0, fmt.Errorf("%w: list %s exceeds %d links", ErrCorrupt, l, maxBucketChainWalk)
			}

			if cur == rankingsAddr {
				return l, nil
			}

			next, _, err := b.r.GetNext(cur, l)
			if err != nil {
				return 0, err
			}

			cur = next
		}
	}

	b.stats.RecordError(codeInvalidLinks)

	return 0, fmt.Errorf("%w: rankings node %v not linked into any list", ErrCorrupt, rankingsAddr)
}

// doomLoadedEntry marks e doomed, unlinks it from its bucket chain, and -
// if it has no open handle - releases its storage immediately. An entry
// with an open handle is released instead when its last handle closes.
func (b *Backend) doomLoadedEntry(e *entry.Entry, addr address.Addr) error {
	if err := b.unlinkFromBucket(e, addr); err != nil {
		return err
	}

	from, err := b.findNodeList(e.RankingsAddr())
	if err != nil {
		return err
	}

	if err := e.Doom(b.thisID, from, rankings.Deleted, time.Now()); err != nil {
		return err
	}

	b.idx.AddEntryCount(-1)
	b.stats.OnEvent(CounterDoomEntry)

	if st, open := b.open[addr]; open {
		st.doomed = true

		return nil
	}

	return b.releaseDoomed(e)
}

// releaseDoomed unsplices a doomed entry's rankings node from Deleted
// before freeing its storage, mirroring the original's separate
// OnDestroyEntry hook: OnDoomEntry only inserts into Deleted, and a later,
// distinct step removes it right before the node's block is freed. Doing
// both in one Release call without this step would leave Deleted's
// head/tail pointing at a freed, reusable block address. The entry's
// stream sizes are also taken off the running total and the size
// histogram, so CurrentSize only counts live entries.
func (b *Backend) releaseDoomed(e *entry.Entry) error {
	if err := b.r.Remove(e.RankingsAddr(), rankings.Deleted); err != nil {
		return err
	}

	for i := 0; i < entry.NumStreams; i++ {
		if size := e.GetDataSize(i); size > 0 {
			b.idx.AddTotalBytes(-int64(size))
			b.stats.ModifyStorageStats(size, 0)
		}
	}

	return e.Release()
}

// unlinkFromBucket removes addr from its bucket chain by hash, walking
// from the bucket head since entries do not carry a back-pointer to their
// predecessor.
func (b *Backend) unlinkFromBucket(e *entry.Entry, addr address.Addr) error {
	hash := e.Hash()

	head := b.idx.Bucket(hash)
	if head == addr {
		b.idx.SetBucket(hash, e.Next())

		return nil
	}

	cur := head
	steps := 0

	for cur != address.Zero {
		steps++
		if steps > maxBucketChainWalk {
			return fmt.Errorf("%w: bucket chain exceeds %d links while unlinking", ErrCorrupt, maxBucketChainWalk)
		}

		curEntry, err := entry.Load(b.entryDeps(), cur)
		if err != nil {
			return err
		}

		if curEntry.Next() == addr {
			curEntry.SetNext(e.Next())

			return curEntry.StoreRecord()
		}

		cur = curEntry.Next()
	}

	return fmt.Errorf("%w: entry not reachable from its own bucket", ErrCorrupt)
}

// OpenEntry opens an existing entry by key, sharing the same underlying
// handle (and bumping a refcount) if it is already open elsewhere in this
// process - a deliberate simplification of the original's fully
// independent per-handle model (see DESIGN.md).
func (b *Backend) OpenEntry(key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDisabled(); err != nil {
		return nil, err
	}

	e, err := b.openEntryRaw(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}

		return nil, b.criticalError(err)
	}

	return &Entry{b: b, addr: e.Addr()}, nil
}

// CreateEntry creates a new entry, failing with ErrExists if key is
// already present.
func (b *Backend) CreateEntry(key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDisabled(); err != nil {
		return nil, err
	}

	e, err := b.createEntryRaw(key, 0)
	if err != nil {
		if errors.Is(err, ErrExists) {
			return nil, err
		}

		return nil, b.criticalError(err)
	}

	return &Entry{b: b, addr: e.Addr()}, nil
}

// DoomEntry marks key's entry doomed whether or not it is currently open.
func (b *Backend) DoomEntry(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDisabled(); err != nil {
		return err
	}

	hash := hashKey(key)

	res, err := b.walkBucket(hash, key)
	if err != nil {
		return b.criticalError(err)
	}

	if res.found == nil {
		return ErrNotFound
	}

	if err := b.doomLoadedEntry(res.found, res.foundAddr); err != nil {
		return b.criticalError(err)
	}

	return nil
}

// DoomAllEntries dooms every non-child entry in the cache.
func (b *Backend) DoomAllEntries() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDisabled(); err != nil {
		return err
	}

	b.stats.OnEvent(CounterDoomCache)

	return b.doomRange(func(time.Time) bool { return true })
}

// DoomEntriesBetween dooms every non-child entry last used in [from, to).
func (b *Backend) DoomEntriesBetween(from, to time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDisabled(); err != nil {
		return err
	}

	return b.doomRange(func(t time.Time) bool {
		return !t.Before(from) && t.Before(to)
	})
}

// DoomEntriesSince dooms every non-child entry last used at or after
// since.
func (b *Backend) DoomEntriesSince(since time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDisabled(); err != nil {
		return err
	}

	return b.doomRange(func(t time.Time) bool { return !t.Before(since) })
}

// doomRange walks every bucket chain once, dooming entries match selects.
// Walking by bucket rather than by LRU list means an entry mid-Doom is
// still visited exactly once regardless of list membership changes.
func (b *Backend) doomRange(match func(time.Time) bool) error {
	for i := uint32(0); i < b.idx.TableLen(); i++ {
		addr := b.idx.Bucket(i)

		for addr != address.Zero {
			e, err := entry.Load(b.entryDeps(), addr)
			if err != nil {
				return b.criticalError(err)
			}

			next := e.Next()

			if !e.IsChild() {
				used, uerr := e.GetLastUsed()
				if uerr != nil {
					return b.criticalError(uerr)
				}

				if match(used) {
					if err := b.doomLoadedEntry(e, addr); err != nil {
						return b.criticalError(err)
					}
				}
			}

			addr = next
		}
	}

	return nil
}

// Iterator tracks OpenNextEntry's position across calls. The zero value
// starts an enumeration from the beginning of the NoUse list.
type Iterator struct {
	list    rankings.List
	next    address.Addr
	started bool
}

// OpenNextEntry advances it and returns the next non-child entry in
// rankings order (NoUse, then LowUse, then HighUse), or (nil, false, nil)
// once every list is exhausted. Each list is walked from its head (most
// recently used) toward its tail.
func (b *Backend) OpenNextEntry(it *Iterator) (*Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDisabled(); err != nil {
		return nil, false, err
	}

	if !it.started {
		it.started = true
		it.list = rankings.NoUse
		it.next = b.idx.Head(it.list)
	}

	for {
		for it.next == address.Zero {
			if it.list >= rankings.HighUse {
				return nil, false, nil
			}

			it.list++
			it.next = b.idx.Head(it.list)
		}

		node, err := b.r.Load(it.next)
		if err != nil {
			return nil, false, b.criticalError(err)
		}

		addr := node.Contents

		if node.Next == it.next {
			// The tail's Next self-references: this list is exhausted.
			it.next = address.Zero
		} else {
			it.next = node.Next
		}

		e, err := entry.Load(b.entryDeps(), addr)
		if err != nil {
			return nil, false, b.criticalError(err)
		}

		if e.IsChild() {
			continue
		}

		if st, open := b.open[addr]; open {
			st.refs++

			return &Entry{b: b, addr: addr}, true, nil
		}

		b.nextPointer++
		ptr := b.nextPointer

		if err := markOpen(e, b.thisID, ptr); err != nil {
			return nil, false, b.criticalError(err)
		}

		b.open[addr] = &openEntryState{ent: e, refs: 1, pointer: ptr}

		return &Entry{b: b, addr: addr}, true, nil
	}
}

// EndEnumeration releases resources an in-progress Iterator holds. The Go
// port keeps no extra state beyond it itself, so this only exists to mark
// the call site the way the original's iterator handle does.
func (b *Backend) EndEnumeration(it *Iterator) {
	*it = Iterator{}
}
