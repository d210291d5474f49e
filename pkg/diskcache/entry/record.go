// Package entry implements EntryImpl: one cache entry's key, four data
// streams, rankings-node linkage, dirty-protocol bookkeeping, and external
// file escalation.
//
// Grounded on original_source/net/disk_cache/entry_impl.cc and
// disk_format.h (EntryStore).
package entry

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
)

// State is the entry's lifecycle state.
type State uint8

const (
	StateNormal State = iota
	StateEvicted
	StateDoomed
)

// Flag bits on Record.Flags.
const (
	FlagParentEntry uint8 = 1 << 0
	FlagChildEntry  uint8 = 1 << 1
)

// NumStreams is the number of independent data streams a normal entry
// carries; sparse entries additionally use stream 2 for control records.
const NumStreams = 4

// recordHeaderSize is the width of Record's fixed fields, before the
// inline key bytes.
const recordHeaderSize = 4 + 4 + 4 + 4 + 4 + 1 + 1 + 2 + 8 + 4 + 4*4 + 4*4

// blockSize is the entry-store block granularity (address.Block256).
const blockSize = 256

// maxInlineKeyLen is the largest key this record layout can store inline,
// spanning the maximum four contiguous 256-byte blocks.
const maxInlineKeyLen = blockSize*address.MaxContiguousBlocks - recordHeaderSize

// Record is the persistent 256-to-1024-byte entry-store record: full hash,
// bucket-chain link, rankings-node address, reuse/refetch counters, state,
// creation time, optional long-key address, four (size, address)
// data-stream descriptors, flags, and the inline key.
type Record struct {
	Hash         uint32
	Next         address.Addr
	RankingsNode address.Addr
	ReuseCount   uint32
	RefetchCount uint32
	State        State
	Flags        uint8
	CreationTime time.Time
	LongKey      address.Addr
	DataSize     [NumStreams]uint32
	DataAddr     [NumStreams]address.Addr
	KeyLen       int
	InlineKey    []byte

	// blocks is the number of contiguous 256-byte blocks this record
	// occupies on disk; set from the owning address before Load/Store so
	// Size() reports the right width without a variable-length encoding.
	blocks int
}

// NewRecord returns a zeroed record sized to blocks contiguous 256-byte
// blocks (1..4, as dictated by the address it will be stored at).
func NewRecord(blocks int) *Record {
	if blocks < 1 || blocks > address.MaxContiguousBlocks {
		blocks = 1
	}

	return &Record{blocks: blocks}
}

// BlocksForKeyLen returns how many contiguous 256-byte blocks are needed
// to store a key of the given length inline, or 0 if the key must use
// LongKey instead.
func BlocksForKeyLen(keyLen int) int {
	if keyLen > maxInlineKeyLen {
		return 0
	}

	needed := recordHeaderSize + keyLen

	blocks := (needed + blockSize - 1) / blockSize
	if blocks < 1 {
		blocks = 1
	}

	return blocks
}

// Size returns the on-disk width of this record in bytes.
func (r *Record) Size() int {
	if r.blocks == 0 {
		r.blocks = 1
	}

	return r.blocks * blockSize
}

func (r *Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, r.Size())

	binary.LittleEndian.PutUint32(buf[0:], r.Hash)
	binary.LittleEndian.PutUint32(buf[4:], uint32(r.Next))
	binary.LittleEndian.PutUint32(buf[8:], uint32(r.RankingsNode))
	binary.LittleEndian.PutUint32(buf[12:], r.ReuseCount)
	binary.LittleEndian.PutUint32(buf[16:], r.RefetchCount)
	buf[20] = byte(r.State)
	buf[21] = r.Flags
	binary.LittleEndian.PutUint16(buf[22:], uint16(r.KeyLen))
	binary.LittleEndian.PutUint64(buf[24:], uint64(timeToMicros(r.CreationTime)))
	binary.LittleEndian.PutUint32(buf[32:], uint32(r.LongKey))

	for i := 0; i < NumStreams; i++ {
		binary.LittleEndian.PutUint32(buf[36+4*i:], r.DataSize[i])
	}

	for i := 0; i < NumStreams; i++ {
		binary.LittleEndian.PutUint32(buf[36+16+4*i:], uint32(r.DataAddr[i]))
	}

	if r.LongKey == address.Zero && r.KeyLen > 0 {
		n := copy(buf[recordHeaderSize:], r.InlineKey)
		_ = n
	}

	return buf, nil
}

func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < recordHeaderSize {
		return fmt.Errorf("entry: short record buffer (%d < %d)", len(data), recordHeaderSize)
	}

	r.Hash = binary.LittleEndian.Uint32(data[0:])
	r.Next = address.Addr(binary.LittleEndian.Uint32(data[4:]))
	r.RankingsNode = address.Addr(binary.LittleEndian.Uint32(data[8:]))
	r.ReuseCount = binary.LittleEndian.Uint32(data[12:])
	r.RefetchCount = binary.LittleEndian.Uint32(data[16:])
	r.State = State(data[20])
	r.Flags = data[21]
	r.KeyLen = int(binary.LittleEndian.Uint16(data[22:]))
	r.CreationTime = microsToTime(int64(binary.LittleEndian.Uint64(data[24:])))
	r.LongKey = address.Addr(binary.LittleEndian.Uint32(data[32:]))

	for i := 0; i < NumStreams; i++ {
		r.DataSize[i] = binary.LittleEndian.Uint32(data[36+4*i:])
	}

	for i := 0; i < NumStreams; i++ {
		r.DataAddr[i] = address.Addr(binary.LittleEndian.Uint32(data[36+16+4*i:]))
	}

	if r.LongKey == address.Zero && r.KeyLen > 0 && len(data) >= recordHeaderSize+r.KeyLen {
		r.InlineKey = append([]byte(nil), data[recordHeaderSize:recordHeaderSize+r.KeyLen]...)
	}

	return nil
}

func (r *Record) IsParent() bool { return r.Flags&FlagParentEntry != 0 }
func (r *Record) IsChild() bool  { return r.Flags&FlagChildEntry != 0 }

func timeToMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMicro()
}

func microsToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.UnixMicro(v).UTC()
}
