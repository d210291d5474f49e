package entry

import (
	"fmt"
	"time"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/rankings"
	"github.com/vaultcache/diskcache/pkg/diskcache/storageblock"
)

// fileSourceAdapter lets storageblock.Block resolve addresses through a
// BlockAllocator, whose GetFile returns a concrete *storagefile.File
// rather than the storageblock.BlockFileHandle interface.
type fileSourceAdapter struct {
	bf BlockAllocator
}

func (a fileSourceAdapter) GetFile(addr address.Addr) (storageblock.BlockFileHandle, int64, error) {
	return a.bf.GetFile(addr)
}

// Entry is one cache entry: its entry-store record, its rankings node, and
// the in-memory state of its four data streams.
//
// Entry is not safe for concurrent use; the owning backend serializes all
// access to a given entry, matching the single-threaded-owning-loop
// resource model.
type Entry struct {
	bf  BlockAllocator
	r   *rankings.Rankings
	ext ExternalFiles

	recordBlock *storageblock.Block[*Record]
	addr        address.Addr

	maxStreamSize int

	streams [NumStreams]stream
}

// Deps bundles the collaborators every Entry needs, so Create/Load don't
// each take a long untyped parameter list.
type Deps struct {
	Files         BlockAllocator
	Rankings      *rankings.Rankings
	External      ExternalFiles
	MaxStreamSize int
}

func (d Deps) source() storageblock.FileSource {
	return fileSourceAdapter{d.Files}
}

// Create allocates a fresh entry-store record (and, if needed, a long-key
// block) plus a rankings node, stamps the dirty protocol for thisID/
// pointer, and returns the open entry. The caller is responsible for
// publishing addr into the index/bucket chain.
func Create(d Deps, key string, hash uint32, thisID uint32, pointer uint32) (*Entry, error) {
	blocks := BlocksForKeyLen(len(key))

	rec := NewRecord(maxInt(blocks, 1))
	rec.Hash = hash
	rec.CreationTime = time.Now()

	var addr address.Addr

	var err error

	if blocks == 0 {
		// Key too long to inline: store it as a long-key block/external
		// file and keep the entry-store record at its minimum width.
		addr, err = d.Files.CreateBlock(address.Block256, 1)
		if err != nil {
			return nil, fmt.Errorf("entry: allocate entry store: %w", err)
		}

		longKeyAddr, werr := writeLongKey(d.Files, d.External, key)
		if werr != nil {
			return nil, werr
		}

		rec.LongKey = longKeyAddr
		rec.KeyLen = len(key)
	} else {
		addr, err = d.Files.CreateBlock(address.Block256, blocks)
		if err != nil {
			return nil, fmt.Errorf("entry: allocate entry store: %w", err)
		}

		rec.KeyLen = len(key)
		rec.InlineKey = []byte(key)
	}

	rankingsAddr, err := d.Rankings.NewNode(addr)
	if err != nil {
		return nil, fmt.Errorf("entry: allocate rankings node: %w", err)
	}

	rec.RankingsNode = rankingsAddr

	e := &Entry{
		bf:            d.Files,
		r:             d.Rankings,
		ext:           d.External,
		recordBlock:   storageblock.New[*Record](d.source(), addr),
		addr:          addr,
		maxStreamSize: d.MaxStreamSize,
	}
	e.recordBlock.Set(rec)

	if err := e.markDirty(thisID, pointer); err != nil {
		return nil, err
	}

	if err := e.recordBlock.Store(); err != nil {
		return nil, err
	}

	return e, nil
}

// Load reads an existing entry-store record (and rankings node) at addr.
func Load(d Deps, addr address.Addr) (*Entry, error) {
	blocks := addr.NumBlocks()

	b := storageblock.New[*Record](d.source(), addr)
	b.Prime(NewRecord(blocks))

	if _, err := b.Data(); err != nil {
		return nil, fmt.Errorf("entry: load record: %w", err)
	}

	e := &Entry{
		bf:            d.Files,
		r:             d.Rankings,
		ext:           d.External,
		recordBlock:   b,
		addr:          addr,
		maxStreamSize: d.MaxStreamSize,
	}

	rec, _ := b.Data()

	for i := 0; i < NumStreams; i++ {
		e.streams[i] = streamFromRecord(rec, i)
	}

	return e, nil
}

func streamFromRecord(rec *Record, i int) stream {
	addr := rec.DataAddr[i]
	size := int(rec.DataSize[i])

	if addr == address.Zero {
		return stream{kind: reprBuffer, size: size, buffer: make([]byte, size)}
	}

	if addr.IsSeparateFile() {
		return stream{kind: reprExternal, size: size, extNumber: addr.FileNumber()}
	}

	return stream{kind: reprBlock, size: size, blockAddr: addr}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

// record returns the in-memory record, reloading it lazily if needed.
func (e *Entry) record() *Record {
	rec, _ := e.recordBlock.Data()

	return rec
}

// Addr returns this entry's entry-store address.
func (e *Entry) Addr() address.Addr { return e.addr }

// Hash returns the entry's full 32-bit key hash.
func (e *Entry) Hash() uint32 { return e.record().Hash }

// RankingsAddr returns this entry's rankings-node address.
func (e *Entry) RankingsAddr() address.Addr { return e.record().RankingsNode }

// State returns the entry's lifecycle state.
func (e *Entry) State() State { return e.record().State }

// Next returns the bucket-chain successor address.
func (e *Entry) Next() address.Addr { return e.record().Next }

// SetNext updates the bucket-chain successor and marks the record dirty.
func (e *Entry) SetNext(addr address.Addr) {
	rec := e.record()
	rec.Next = addr
	e.recordBlock.Set(rec)
}

// Flags returns the entry's parent/child classification bits.
func (e *Entry) Flags() uint8 { return e.record().Flags }

// SetFlags ORs f into the entry's flags and persists the record
// immediately, independent of any pending stream writes.
func (e *Entry) SetFlags(f uint8) error {
	rec := e.record()
	rec.Flags |= f
	e.recordBlock.Set(rec)

	return e.recordBlock.Store()
}

// IsChild reports whether this entry is a sparse child entry, created
// internally by the sparse package rather than by a caller's CreateEntry.
func (e *Entry) IsChild() bool { return e.record().IsChild() }

// StoreRecord persists the entry-store record as-is, for callers (the
// backend's bucket-chain linking) that mutate fields like Next without
// going through a stream write or Close.
func (e *Entry) StoreRecord() error {
	return e.recordBlock.Store()
}

// Key returns the entry's key, reading it from a long-key allocation if
// the key was too long to store inline.
func (e *Entry) Key() (string, error) {
	rec := e.record()
	if rec.LongKey == address.Zero {
		return string(rec.InlineKey), nil
	}

	data, err := readLongKey(e.bf, e.ext, rec.LongKey, rec.KeyLen)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// GetDataSize returns the current size of stream i.
func (e *Entry) GetDataSize(streamIdx int) int {
	return e.streams[streamIdx].size
}

// GetLastUsed returns the rankings node's last-used timestamp.
func (e *Entry) GetLastUsed() (time.Time, error) {
	node, err := e.r.Load(e.record().RankingsNode)
	if err != nil {
		return time.Time{}, err
	}

	return node.LastUsed, nil
}

// GetLastModified returns the rankings node's last-modified timestamp.
func (e *Entry) GetLastModified() (time.Time, error) {
	node, err := e.r.Load(e.record().RankingsNode)
	if err != nil {
		return time.Time{}, err
	}

	return node.LastModified, nil
}

// ReadData reads up to len(buf) bytes of stream streamIdx starting at
// offset. Reading at or past the stream's end returns (0, nil).
func (e *Entry) ReadData(streamIdx, offset int, buf []byte) (int, error) {
	if streamIdx < 0 || streamIdx >= NumStreams {
		return 0, fmt.Errorf("entry: invalid stream index %d", streamIdx)
	}

	return e.streams[streamIdx].read(e.bf, e.ext, offset, buf)
}

// WriteData writes data to stream streamIdx at offset. If the resulting
// size would exceed one eighth of the cache's configured max size, the
// write is rejected (the engine does not automatically trim for it).
func (e *Entry) WriteData(streamIdx, offset int, data []byte, truncate bool) (int, error) {
	if streamIdx < 0 || streamIdx >= NumStreams {
		return 0, fmt.Errorf("entry: invalid stream index %d", streamIdx)
	}

	finalSize := offset + len(data)
	if !truncate && e.streams[streamIdx].size > finalSize {
		finalSize = e.streams[streamIdx].size
	}

	if e.maxStreamSize > 0 && finalSize > e.maxStreamSize {
		return 0, fmt.Errorf("entry: stream %d size %d exceeds per-stream cap %d", streamIdx, finalSize, e.maxStreamSize)
	}

	if err := e.streams[streamIdx].write(e.bf, e.ext, offset, data, truncate); err != nil {
		return 0, err
	}

	rec := e.record()
	rec.DataSize[streamIdx] = uint32(e.streams[streamIdx].size)
	rec.DataAddr[streamIdx] = e.streamAddr(streamIdx)
	e.recordBlock.Set(rec)

	if err := e.recordBlock.Store(); err != nil {
		return 0, err
	}

	return len(data), nil
}

func (e *Entry) streamAddr(streamIdx int) address.Addr {
	s := &e.streams[streamIdx]

	switch s.kind {
	case reprBlock:
		return s.blockAddr
	case reprExternal:
		return address.NewExternal(s.extNumber)
	default:
		return address.Zero
	}
}

// markDirty stamps the rankings node as open: dirty=thisID,
// pointer=pointer. Never places a process address in the disk record;
// pointer is an opaque backend-assigned identity for "currently open".
func (e *Entry) markDirty(thisID, pointer uint32) error {
	node, err := e.r.Load(e.record().RankingsNode)
	if err != nil {
		return err
	}

	node.Dirty = thisID
	node.Pointer = pointer

	return e.storeNode(node)
}

// MarkOpen stamps the dirty protocol for an entry the backend is
// (re)opening after a Load, rather than a Create - the same effect as
// markDirty, exposed for callers outside this package that track their own
// open-handle bookkeeping.
func (e *Entry) MarkOpen(thisID, pointer uint32) error {
	return e.markDirty(thisID, pointer)
}

func (e *Entry) storeNode(node *rankings.Node) error {
	b := storageblock.New[*rankings.Node](fileSourceAdapter{e.bf}, e.record().RankingsNode)
	b.Set(node)

	return b.Store()
}

// Doom marks the entry doomed and dirty and moves its rankings node from
// list from to the head of list to (UpdateRank; passing the same list for
// both re-inserts the node at that list's head rather than removing it).
// Storage
// is freed only when Close is called with refcount zero, which this
// package leaves to the backend's bookkeeping.
func (e *Entry) Doom(thisID uint32, from, to rankings.List, now time.Time) error {
	rec := e.record()
	rec.State = StateDoomed
	e.recordBlock.Set(rec)

	if err := e.recordBlock.Store(); err != nil {
		return err
	}

	node, err := e.r.Load(rec.RankingsNode)
	if err != nil {
		return err
	}

	node.Dirty = thisID

	if err := e.storeNode(node); err != nil {
		return err
	}

	return e.r.UpdateRank(rec.RankingsNode, from, to, now, false)
}

// Close flushes any stream still held only in its user buffer out to a
// block-file allocation, clears the dirty protocol (dirty=0, pointer=0),
// and stores the record. On successful close, the on-disk invariant
// "dirty == 0 and pointer == 0" holds and every non-empty stream has a
// durable address.
func (e *Entry) Close() error {
	rec := e.record()

	for i := range e.streams {
		if err := e.streams[i].flush(e.bf); err != nil {
			return err
		}

		rec.DataAddr[i] = e.streamAddr(i)
	}

	e.recordBlock.Set(rec)

	node, err := e.r.Load(rec.RankingsNode)
	if err != nil {
		return err
	}

	node.Dirty = 0
	node.Pointer = 0

	if err := e.storeNode(node); err != nil {
		return err
	}

	return e.recordBlock.Store()
}

// CloseAfterFailure stores the rankings node with dirty = thisID-1 (the
// wrap value at thisID==0 is ^uint32(0)), so the next run recognizes this
// node as dirty-from-a-previous-run and discards it on lookup, per the
// dirty protocol's failed-write case.
func (e *Entry) CloseAfterFailure(thisID uint32) error {
	node, err := e.r.Load(e.record().RankingsNode)
	if err != nil {
		return err
	}

	node.Dirty = thisID - 1
	node.Pointer = 0

	return e.storeNode(node)
}

// Release frees this entry's storage: all four streams, the rankings
// node, the entry-store record, and the long-key allocation if any.
// External files backing any stream are unlinked. Call only once the
// entry's refcount has dropped to zero.
func (e *Entry) Release() error {
	rec := e.record()

	for i := range e.streams {
		if err := e.streams[i].releaseStorage(e.bf, e.ext); err != nil {
			return err
		}
	}

	if rec.LongKey != address.Zero {
		if err := releaseLongKey(e.bf, e.ext, rec.LongKey); err != nil {
			return err
		}
	}

	if err := e.bf.DeleteBlock(rec.RankingsNode, true); err != nil {
		return err
	}

	return e.bf.DeleteBlock(e.addr, true)
}
