package diskcache

import "encoding/binary"

// On-disk index-file layout: a fixed header region followed immediately by
// the power-of-two hash table of bucket addresses. The whole file is kept
// memory-mapped for its entire lifetime, the same way blockfile maps its
// header+bitmap region, because installing a bucket entry is specified as
// a single 32-bit store that is the linearization point for a create: a
// direct mmap'd-view write gives that for free, with no separate read/
// decode/encode/write round trip.
//
// Grounded on the Chromium disk_cache index file
// (original_source/net/disk_cache/disk_format.h IndexHeader), adapted to
// the field-offset-table style of blockfile/format.go rather than a packed
// C struct.
const (
	indexMagic        uint32 = 0xC103CAC3
	indexVersionMajor uint16 = 1
	indexVersionMinor uint16 = 0

	indexFixedHdrBytes = 96 // 8-byte aligned; the bucket table starts here
)

// Field offsets within the fixed header region.
const (
	ixOffMagic        = 0x00 // uint32
	ixOffVersionMajor = 0x04 // uint16
	ixOffVersionMinor = 0x06 // uint16
	ixOffEntryCount   = 0x08 // uint32 live entries
	ixOffTotalBytes   = 0x0C // uint64 total bytes stored across all streams
	ixOffLastFile     = 0x14 // uint32 next external file number to hand out
	ixOffThisID       = 0x18 // uint32 generation counter, bumped every Open
	ixOffStatsAddr    = 0x1C // uint32 address of the Stats record
	ixOffTableLen     = 0x20 // uint32 bucket table length (power of two)
	ixOffCrashFlag    = 0x24 // uint32 nonzero while the cache is open/dirty
	ixOffExperimentID = 0x28 // uint32 experiment multiplier table index
	ixOffCreationTime = 0x2C // uint64 microseconds since Unix epoch
	ixOffLRU          = 0x34 // 5 lists x (head uint32, tail uint32) = 40 bytes
	ixOffBucketTable  = indexFixedHdrBytes
)

// indexHeader is the decoded form of the fixed fields of an index file
// header.
type indexHeader struct {
	EntryCount   uint32
	TotalBytes   uint64
	LastFile     uint32
	ThisID       uint32
	StatsAddr    uint32
	TableLen     uint32
	CrashFlag    uint32
	ExperimentID uint32
	CreationTime uint64
}

func readIndexHeader(view []byte) indexHeader {
	var h indexHeader

	h.EntryCount = binary.LittleEndian.Uint32(view[ixOffEntryCount:])
	h.TotalBytes = binary.LittleEndian.Uint64(view[ixOffTotalBytes:])
	h.LastFile = binary.LittleEndian.Uint32(view[ixOffLastFile:])
	h.ThisID = binary.LittleEndian.Uint32(view[ixOffThisID:])
	h.StatsAddr = binary.LittleEndian.Uint32(view[ixOffStatsAddr:])
	h.TableLen = binary.LittleEndian.Uint32(view[ixOffTableLen:])
	h.CrashFlag = binary.LittleEndian.Uint32(view[ixOffCrashFlag:])
	h.ExperimentID = binary.LittleEndian.Uint32(view[ixOffExperimentID:])
	h.CreationTime = binary.LittleEndian.Uint64(view[ixOffCreationTime:])

	return h
}

func writeIndexHeader(view []byte, h indexHeader) {
	binary.LittleEndian.PutUint32(view[ixOffEntryCount:], h.EntryCount)
	binary.LittleEndian.PutUint64(view[ixOffTotalBytes:], h.TotalBytes)
	binary.LittleEndian.PutUint32(view[ixOffLastFile:], h.LastFile)
	binary.LittleEndian.PutUint32(view[ixOffThisID:], h.ThisID)
	binary.LittleEndian.PutUint32(view[ixOffStatsAddr:], h.StatsAddr)
	binary.LittleEndian.PutUint32(view[ixOffTableLen:], h.TableLen)
	binary.LittleEndian.PutUint32(view[ixOffCrashFlag:], h.CrashFlag)
	binary.LittleEndian.PutUint32(view[ixOffExperimentID:], h.ExperimentID)
	binary.LittleEndian.PutUint64(view[ixOffCreationTime:], h.CreationTime)
}

func writeIndexMagicAndVersion(view []byte) {
	binary.LittleEndian.PutUint32(view[ixOffMagic:], indexMagic)
	binary.LittleEndian.PutUint16(view[ixOffVersionMajor:], indexVersionMajor)
	binary.LittleEndian.PutUint16(view[ixOffVersionMinor:], indexVersionMinor)
}

func readIndexMagic(view []byte) uint32 {
	return binary.LittleEndian.Uint32(view[ixOffMagic:])
}

func readIndexVersionMajor(view []byte) uint16 {
	return binary.LittleEndian.Uint16(view[ixOffVersionMajor:])
}

// lruOffset returns the byte offset of list l's (head, tail) pair within
// the header's embedded LRU control record.
func lruOffset(l int) int {
	return ixOffLRU + 8*l
}

func readLRUHead(view []byte, l int) uint32 {
	return binary.LittleEndian.Uint32(view[lruOffset(l):])
}

func readLRUTail(view []byte, l int) uint32 {
	return binary.LittleEndian.Uint32(view[lruOffset(l)+4:])
}

func writeLRUHead(view []byte, l int, addr uint32) {
	binary.LittleEndian.PutUint32(view[lruOffset(l):], addr)
}

func writeLRUTail(view []byte, l int, addr uint32) {
	binary.LittleEndian.PutUint32(view[lruOffset(l)+4:], addr)
}

// bucketOffset returns the byte offset of slot i in the hash table.
func bucketOffset(i uint32) int {
	return ixOffBucketTable + int(i)*4
}

func readBucket(view []byte, i uint32) uint32 {
	return binary.LittleEndian.Uint32(view[bucketOffset(i):])
}

// writeBucket installs addr into slot i. This is the single 32-bit store
// that linearizes a create: once it lands, a concurrent-crash recovery scan
// finds the new entry via the bucket chain even if every later step (the
// rankings insert, the dirty-protocol clear) never happened.
func writeBucket(view []byte, i uint32, addr uint32) {
	binary.LittleEndian.PutUint32(view[bucketOffset(i):], addr)
}
