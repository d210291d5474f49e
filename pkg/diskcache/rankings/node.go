package rankings

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
)

// nodeSize is the fixed on-disk width of a rankings node: two int64
// timestamps, three Addr words, and two uint32 words.
const nodeSize = 8 + 8 + 4 + 4 + 4 + 4 + 4

// Node is the 36-byte doubly-linked-list element carrying an entry's LRU
// position and open/dirty state.
//
// Grounded on the Chromium disk_cache CacheRankingsBlock on-disk layout
// (original_source/net/disk_cache/rankings.h, disk_format.h RankingsNode).
// Pointer never holds a process address (see design note on back-pointers
// in rankings records): it is an opaque, backend-assigned identity for the
// in-memory entry currently holding this node open, zero when closed.
type Node struct {
	LastUsed     time.Time
	LastModified time.Time
	Next         address.Addr
	Prev         address.Addr
	Contents     address.Addr
	Dirty        uint32
	Pointer      uint32
}

// Size returns the fixed on-disk width of a Node in bytes.
func (n *Node) Size() int { return nodeSize }

// IsOpen reports whether this node's Pointer marks it as currently held by
// an in-memory entry.
func (n *Node) IsOpen() bool { return n.Pointer != 0 }

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

// MarshalBinary encodes the node in the on-disk field order.
func (n *Node) MarshalBinary() ([]byte, error) {
	buf := make([]byte, nodeSize)

	binary.LittleEndian.PutUint64(buf[0:], uint64(timeToMicros(n.LastUsed)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(timeToMicros(n.LastModified)))
	binary.LittleEndian.PutUint32(buf[16:], uint32(n.Next))
	binary.LittleEndian.PutUint32(buf[20:], uint32(n.Prev))
	binary.LittleEndian.PutUint32(buf[24:], uint32(n.Contents))
	binary.LittleEndian.PutUint32(buf[28:], n.Dirty)
	binary.LittleEndian.PutUint32(buf[32:], n.Pointer)

	return buf, nil
}

// UnmarshalBinary decodes a node from its on-disk representation.
func (n *Node) UnmarshalBinary(data []byte) error {
	if len(data) < nodeSize {
		return fmt.Errorf("rankings: short node buffer (%d < %d)", len(data), nodeSize)
	}

	n.LastUsed = microsToTime(int64(binary.LittleEndian.Uint64(data[0:])))
	n.LastModified = microsToTime(int64(binary.LittleEndian.Uint64(data[8:])))
	n.Next = address.Addr(binary.LittleEndian.Uint32(data[16:]))
	n.Prev = address.Addr(binary.LittleEndian.Uint32(data[20:]))
	n.Contents = address.Addr(binary.LittleEndian.Uint32(data[24:]))
	n.Dirty = binary.LittleEndian.Uint32(data[28:])
	n.Pointer = binary.LittleEndian.Uint32(data[32:])

	return nil
}
