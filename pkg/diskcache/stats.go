package diskcache

import (
	"encoding/binary"
	"fmt"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/storageblock"
	"github.com/vaultcache/diskcache/pkg/diskcache/storagefile"
)

// BlockAllocator is the subset of *blockfile.BlockFiles the Stats record
// needs, mirroring entry.BlockAllocator's narrowing so this package never
// has to import blockfile directly for it.
type BlockAllocator interface {
	CreateBlock(kind address.FileType, count int) (address.Addr, error)
	GetFile(addr address.Addr) (*storagefile.File, int64, error)
}

// dataSizesLength is the number of entry-size histogram buckets, matching
// the original's Stats::kDataSizesLength.
//
// Grounded on original_source/net/disk_cache/stats.{h,cc}: bucket 0 covers
// anything under 1 KB, buckets 1-10 step 2 KB up to 20 KB, buckets 11-15
// step 4 KB up to 40 KB, and everything above that falls into a
// log2-scaled bucket, clamped to the last slot.
const dataSizesLength = 28

// Counter names events.OnEvent tallies. Order matches the original's
// Counters enum (MIN_COUNTER..MAX_COUNTER) so a StatEntry dump lines up
// with it for anyone cross-referencing the original implementation.
const (
	CounterOpenMiss = iota
	CounterOpenHit
	CounterCreateMiss
	CounterCreateHit
	CounterCreateError
	CounterTrimEntry
	CounterDoomEntry
	CounterDoomCache
	CounterInvalidEntry
	CounterOpenEntries
	CounterMaxEntries
	CounterReadData
	CounterWriteData
	CounterFatalError
	counterMax
)

var counterNames = [counterMax]string{
	CounterOpenMiss:     "open_miss",
	CounterOpenHit:      "open_hit",
	CounterCreateMiss:   "create_miss",
	CounterCreateHit:    "create_hit",
	CounterCreateError:  "create_error",
	CounterTrimEntry:    "trim_entry",
	CounterDoomEntry:    "doom_entry",
	CounterDoomCache:    "doom_cache",
	CounterInvalidEntry: "invalid_entry",
	CounterOpenEntries:  "open_entries",
	CounterMaxEntries:   "max_entries",
	CounterReadData:     "read_data",
	CounterWriteData:    "write_data",
	CounterFatalError:   "fatal_error",
}

// statsRecordSize is the fixed on-disk width of a StatsRecord: the
// histogram array, the counters array, and the last-error code, each an
// int64.
const statsRecordSize = 8*dataSizesLength + 8*counterMax + 8

// StatsRecord is the persisted form of the Stats module: size-class
// histogram counts, named event counters, and the most recent
// error-taxonomy code (see codes.go), addressed by the index header's
// StatsAddr field.
type StatsRecord struct {
	DataSizes     [dataSizesLength]int64
	Counters      [counterMax]int64
	LastErrorCode int64
}

func (r *StatsRecord) Size() int { return statsRecordSize }

func (r *StatsRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, statsRecordSize)

	for i, v := range r.DataSizes {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}

	base := 8 * dataSizesLength

	for i, v := range r.Counters {
		binary.LittleEndian.PutUint64(buf[base+8*i:], uint64(v))
	}

	binary.LittleEndian.PutUint64(buf[base+8*counterMax:], uint64(r.LastErrorCode))

	return buf, nil
}

func (r *StatsRecord) UnmarshalBinary(data []byte) error {
	if len(data) < statsRecordSize {
		return fmt.Errorf("diskcache: short stats record (%d < %d)", len(data), statsRecordSize)
	}

	for i := range r.DataSizes {
		r.DataSizes[i] = int64(binary.LittleEndian.Uint64(data[8*i:]))
	}

	base := 8 * dataSizesLength

	for i := range r.Counters {
		r.Counters[i] = int64(binary.LittleEndian.Uint64(data[base+8*i:]))
	}

	r.LastErrorCode = int64(binary.LittleEndian.Uint64(data[base+8*counterMax:]))

	return nil
}

// statsFileSource adapts a BlockAllocator to storageblock.FileSource, the
// same narrow bridge entry.fileSourceAdapter and rankings.fileSourceAdapter
// provide for their own packages.
type statsFileSource struct {
	bf BlockAllocator
}

func (a statsFileSource) GetFile(addr address.Addr) (storageblock.BlockFileHandle, int64, error) {
	return a.bf.GetFile(addr)
}

// Stats accumulates entry-size histogram counts and named event counters
// in memory, periodically persisted through a single storageblock.Block.
type Stats struct {
	block *storageblock.Block[*StatsRecord]
	rec   *StatsRecord
}

// newStats allocates a fresh Stats record.
func newStats(bf BlockAllocator) (*Stats, address.Addr, error) {
	addr, err := bf.CreateBlock(address.Block1K, 1)
	if err != nil {
		return nil, address.Zero, fmt.Errorf("diskcache: allocate stats record: %w", err)
	}

	b := storageblock.New[*StatsRecord](statsFileSource{bf}, addr)
	rec := &StatsRecord{}
	b.Set(rec)

	if err := b.Store(); err != nil {
		return nil, address.Zero, err
	}

	return &Stats{block: b, rec: rec}, addr, nil
}

// loadStats reads an existing Stats record at addr.
func loadStats(bf BlockAllocator, addr address.Addr) (*Stats, error) {
	b := storageblock.New[*StatsRecord](statsFileSource{bf}, addr)
	b.Prime(&StatsRecord{})

	rec, err := b.Data()
	if err != nil {
		return nil, fmt.Errorf("diskcache: load stats record: %w", err)
	}

	return &Stats{block: b, rec: rec}, nil
}

// OnEvent increments a named counter.
func (s *Stats) OnEvent(c int) {
	s.rec.Counters[c]++
	s.block.Set(s.rec)
}

// SetCounter overwrites a named counter (used for gauges like
// CounterOpenEntries/CounterMaxEntries rather than monotonic events).
func (s *Stats) SetCounter(c int, v int64) {
	s.rec.Counters[c] = v
	s.block.Set(s.rec)
}

// ModifyStorageStats moves a size from one histogram bucket to another when
// an entry grows or shrinks, mirroring Stats::ModifyStorageStats: the old
// size's bucket is decremented and the new size's bucket incremented,
// leaving the histogram describing only currently-live entries.
func (s *Stats) ModifyStorageStats(oldSize, newSize int) {
	if oldSize > 0 {
		s.rec.DataSizes[statsBucket(oldSize)]--
	}

	if newSize > 0 {
		s.rec.DataSizes[statsBucket(newSize)]++
	}

	s.block.Set(s.rec)
}

// RecordError stamps code (one of the codeXxx constants in codes.go) as
// the most recent error-taxonomy entry, for later post-mortem inspection
// via LastErrorCode/CodeName. Informational codes (codePreviousCrash) and
// real faults are recorded the same way; callers distinguish them by name.
func (s *Stats) RecordError(code int64) {
	s.rec.LastErrorCode = code
	s.block.Set(s.rec)
}

// LastErrorCode returns the most recently recorded error-taxonomy code, or
// 0 if none has been recorded yet this cache's lifetime.
func (s *Stats) LastErrorCode() int64 { return s.rec.LastErrorCode }

// Flush persists any pending counter/histogram changes.
func (s *Stats) Flush() error {
	return s.block.Store()
}

// StatEntry is one (name, value) pair returned by GetStats, matching the
// original's StatsItems shape.
type StatEntry struct {
	Name  string
	Value int64
}

// Snapshot returns every named counter as a StatEntry list, in Counters
// enum order.
func (s *Stats) Snapshot() []StatEntry {
	out := make([]StatEntry, 0, counterMax)

	for i, name := range counterNames {
		out = append(out, StatEntry{Name: name, Value: s.rec.Counters[i]})
	}

	return out
}

// statsBucket maps a byte size to its histogram slot, following
// Stats::GetStatsBucket exactly: linear below 20 KB, coarser-linear to
// 40 KB, logarithmic above that and clamped to the last slot.
func statsBucket(size int) int {
	switch {
	case size < 1024:
		return 0
	case size < 20*1024:
		return size/2048 + 1
	case size < 40*1024:
		return (size-20*1024)/4096 + 11
	default:
		result := log2Floor(size) + 1
		if result >= dataSizesLength {
			result = dataSizesLength - 1
		}

		return result
	}
}

// log2Floor returns floor(log2(n)) for n > 0.
func log2Floor(n int) int {
	result := 0

	for n > 1 {
		n >>= 1
		result++
	}

	return result
}
