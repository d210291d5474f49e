package diskcache

import (
	"fmt"
	"time"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/rankings"
	"github.com/vaultcache/diskcache/pkg/diskcache/storagefile"
)

// baseTableLen matches the original's kBaseTableLen: the smallest index
// hash table the engine will create for a production-sized cache.
//
// Tests that want a cache with only a handful of entries may ask Open for
// a smaller power-of-two table via Options.indexTableLen; this is a
// deliberate deviation from the original, which always rounds up to at
// least baseTableLen, made so property and crash-consistency tests don't
// each need to populate 64 Ki buckets (see DESIGN.md).
const baseTableLen = 64 * 1024

// desiredIndexTableLen picks a hash table size for a cache capped at
// maxBytes, scaled the way the original's DesiredIndexTableLen scales with
// k64kEntriesStore: every doubling of capacity above the base tier doubles
// the table, capped at 16x.
func desiredIndexTableLen(maxBytes int64) uint32 {
	const baseTier = 20 * 1024 * 1024 // 20 MB, matching k64kEntriesStore's tier

	mul := uint32(1)

	for tier := int64(baseTier) * 4; maxBytes > tier && mul < 16; tier *= 2 {
		mul *= 2
	}

	return baseTableLen * mul
}

// indexFile owns the memory-mapped index: the fixed header (entry count,
// total bytes, external file counter, generation id, stats address, the
// embedded LRU control record) and the power-of-two bucket table that
// follows it, all in one mapped view.
//
// indexFile is the first real (non-test-double) implementation of
// rankings.ListHeads: the LRU head/tail pointers it exposes live directly
// in the mapped header, so a splice recorded by rankings.Rankings is
// durable the instant the mapped write lands, exactly like a block-file
// bitmap mutation.
type indexFile struct {
	mf       *storagefile.MappedFile
	tableLen uint32
	mask     uint32
}

func indexFileSize(tableLen uint32) int {
	return indexFixedHdrBytes + int(tableLen)*4
}

// createIndex creates a fresh index file sized for tableLen buckets.
func createIndex(path string, tableLen uint32) (*indexFile, error) {
	if tableLen == 0 || tableLen&(tableLen-1) != 0 {
		return nil, fmt.Errorf("diskcache: index table length %d is not a power of two", tableLen)
	}

	mf, err := storagefile.CreateMapped(path, indexFileSize(tableLen))
	if err != nil {
		return nil, fmt.Errorf("diskcache: create index: %w", err)
	}

	view := mf.View()
	writeIndexMagicAndVersion(view)
	writeIndexHeader(view, indexHeader{
		TableLen:     tableLen,
		CreationTime: uint64(time.Now().UnixMicro()),
	})

	return &indexFile{mf: mf, tableLen: tableLen, mask: tableLen - 1}, nil
}

// openIndex opens an existing index file, validating its magic, version,
// and declared table length against the file's actual size.
func openIndex(path string) (*indexFile, error) {
	mf, err := storagefile.OpenMapped(path, indexFixedHdrBytes)
	if err != nil {
		return nil, fmt.Errorf("diskcache: open index: %w", err)
	}

	view := mf.View()

	if readIndexMagic(view) != indexMagic {
		_ = mf.Close()

		return nil, fmt.Errorf("%w: index bad magic", ErrCorrupt)
	}

	if readIndexVersionMajor(view) != indexVersionMajor {
		_ = mf.Close()

		return nil, fmt.Errorf("%w: index version mismatch", ErrIncompatible)
	}

	tableLen := readIndexHeader(view).TableLen
	if tableLen == 0 || tableLen&(tableLen-1) != 0 {
		_ = mf.Close()

		return nil, fmt.Errorf("%w: invalid index table length %d", ErrCorrupt, tableLen)
	}

	if err := mf.Close(); err != nil {
		return nil, err
	}

	// Re-map with the full bucket table now that the declared length is
	// known to be sane.
	mf, err = storagefile.OpenMapped(path, indexFileSize(tableLen))
	if err != nil {
		return nil, fmt.Errorf("diskcache: remap index: %w", err)
	}

	return &indexFile{mf: mf, tableLen: tableLen, mask: tableLen - 1}, nil
}

func (ix *indexFile) Close() error { return ix.mf.Close() }

func (ix *indexFile) Sync() error { return ix.mf.Msync() }

func (ix *indexFile) header() indexHeader { return readIndexHeader(ix.mf.View()) }

func (ix *indexFile) setHeader(h indexHeader) { writeIndexHeader(ix.mf.View(), h) }

func (ix *indexFile) TableLen() uint32 { return ix.tableLen }

func (ix *indexFile) EntryCount() int { return int(ix.header().EntryCount) }

func (ix *indexFile) AddEntryCount(delta int) {
	h := ix.header()
	h.EntryCount = uint32(int64(h.EntryCount) + int64(delta))
	ix.setHeader(h)
}

func (ix *indexFile) TotalBytes() int64 { return int64(ix.header().TotalBytes) }

func (ix *indexFile) AddTotalBytes(delta int64) {
	h := ix.header()
	h.TotalBytes = uint64(int64(h.TotalBytes) + delta)
	ix.setHeader(h)
}

func (ix *indexFile) LastFile() uint32 { return ix.header().LastFile }

func (ix *indexFile) SetLastFile(n uint32) error {
	h := ix.header()
	h.LastFile = n
	ix.setHeader(h)

	return nil
}

// BumpThisID advances and returns the generation counter, called once per
// successful Open so every entry opened this session stamps a dirty value
// distinguishable from any previous, interrupted session's.
func (ix *indexFile) BumpThisID() uint32 {
	h := ix.header()
	h.ThisID++
	ix.setHeader(h)

	return h.ThisID
}

func (ix *indexFile) ThisID() uint32 { return ix.header().ThisID }

func (ix *indexFile) StatsAddr() address.Addr { return address.Addr(ix.header().StatsAddr) }

func (ix *indexFile) SetStatsAddr(addr address.Addr) {
	h := ix.header()
	h.StatsAddr = uint32(addr)
	ix.setHeader(h)
}

func (ix *indexFile) ExperimentID() uint32 { return ix.header().ExperimentID }

func (ix *indexFile) SetExperimentID(id uint32) {
	h := ix.header()
	h.ExperimentID = id
	ix.setHeader(h)
}

// CrashFlag reports whether the index was left open (nonzero) the last
// time it was mapped: a clean Close always clears it back to zero, so a
// nonzero flag on Open means the previous session ended without one, and
// the backend's recovery scan must run.
func (ix *indexFile) CrashFlag() bool { return ix.header().CrashFlag != 0 }

func (ix *indexFile) SetCrashFlag(dirty bool) {
	h := ix.header()
	if dirty {
		h.CrashFlag = 1
	} else {
		h.CrashFlag = 0
	}
	ix.setHeader(h)
}

func (ix *indexFile) CreationTime() time.Time {
	micros := int64(ix.header().CreationTime)
	if micros == 0 {
		return time.Time{}
	}

	return time.UnixMicro(micros).UTC()
}

// Bucket returns the entry-store address chained from hash's slot, or
// address.Zero if the slot is empty.
func (ix *indexFile) Bucket(hash uint32) address.Addr {
	return address.Addr(readBucket(ix.mf.View(), hash&ix.mask))
}

// SetBucket installs addr into hash's slot: a single 32-bit mapped-memory
// store, the linearization point for publishing a newly created entry (or
// unlinking a doomed one) into the bucket chain.
func (ix *indexFile) SetBucket(hash uint32, addr address.Addr) {
	writeBucket(ix.mf.View(), hash&ix.mask, uint32(addr))
}

// rankings.ListHeads implementation. l is validated by the caller
// (rankings.Rankings only ever passes its own List constants); an
// out-of-range l would index outside the LRU control record, which can't
// happen given the package's closed set of List values.

func (ix *indexFile) Head(l rankings.List) address.Addr {
	return address.Addr(readLRUHead(ix.mf.View(), int(l)))
}

func (ix *indexFile) Tail(l rankings.List) address.Addr {
	return address.Addr(readLRUTail(ix.mf.View(), int(l)))
}

func (ix *indexFile) SetHead(l rankings.List, addr address.Addr) {
	writeLRUHead(ix.mf.View(), int(l), uint32(addr))
}

func (ix *indexFile) SetTail(l rankings.List, addr address.Addr) {
	writeLRUTail(ix.mf.View(), int(l), uint32(addr))
}
