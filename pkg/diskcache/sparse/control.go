// Package sparse implements SparseControl: a facade over a primary entry
// that exposes a 64 GB range-addressable byte space, physically split into
// 1 MB child entries tracked by a parent-held child-presence bitmap and a
// fixed 1 KB-granularity residency bitmap per child.
//
// Grounded on original_source/net/disk_cache/sparse_control.{h,cc}. The
// original's StartIO/DoChildrenIO machinery exists to thread one sparse
// operation through possibly-asynchronous child IO and a single user
// callback; EntryImpl here is synchronous, so Control inlines that same
// child-by-child loop directly in ReadSparseData/WriteSparseData/
// GetAvailableRange rather than reconstructing the callback state machine.
package sparse

import (
	"errors"
	"fmt"
	"time"

	"github.com/vaultcache/diskcache/pkg/diskcache/entry"
)

// Streams used within both the parent and child entries: 2 holds the
// control record (header + bitmap), 1 holds the actual sparse bytes.
const (
	streamIndex = 2
	streamData  = 1
)

// maxSparseOffset is the exclusive upper bound of the sparse address space
// (64 GB), matching the original's single 64-bit offset/length check.
const maxSparseOffset = 1 << 36

var (
	// ErrNotSparse is returned by Open when the entry already has ordinary
	// (non-sparse) data in the stream sparse mode needs for itself.
	ErrNotSparse = errors.New("sparse: entry already has non-sparse stream 1 data")
	// ErrCorruptControlRecord is returned when a control record fails its
	// magic, length, or signature checks.
	ErrCorruptControlRecord = errors.New("sparse: corrupt control record")
	// ErrOutOfRange is returned for an offset/length outside [0, 64 GB).
	ErrOutOfRange = errors.New("sparse: offset out of range")
)

// Opener is the subset of the backend Control needs to materialize and
// reopen child entries, kept narrow so this package never imports the
// top-level backend (which in turn depends on this package).
type Opener interface {
	OpenEntry(key string) (*entry.Entry, error)
	CreateEntry(key string) (*entry.Entry, error)
}

// Control is associated with one primary entry once it starts (or resumes)
// acting as a sparse entry. It is not safe for concurrent use.
type Control struct {
	opener    Opener
	parent    *entry.Entry
	parentKey string

	header   sparseHeader
	children *bitset

	child    *entry.Entry
	childKey string
	childHdr sparseHeader
	childMap *bitset
}

// Open initializes sparse mode for parent, creating a fresh control record
// if this is the first sparse access or loading the existing one otherwise.
func Open(opener Opener, parent *entry.Entry, parentKey string) (*Control, error) {
	if parent.GetDataSize(streamData) != 0 {
		return nil, ErrNotSparse
	}

	c := &Control{opener: opener, parent: parent, parentKey: parentKey}

	dataLen := parent.GetDataSize(streamIndex)
	if dataLen == 0 {
		if err := c.createSparseEntry(); err != nil {
			return nil, err
		}
	} else {
		if err := c.openSparseEntry(dataLen); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Control) createSparseEntry() error {
	c.header = sparseHeader{
		Signature:    uint64(time.Now().UnixNano()),
		Magic:        sparseMagic,
		ParentKeyLen: int32(len(c.parentKey)),
	}
	c.children = newBitset(0)

	_, err := c.parent.WriteData(streamIndex, 0, c.header.marshal(), false)

	return err
}

func (c *Control) openSparseEntry(dataLen int) error {
	if dataLen < headerSize {
		return fmt.Errorf("%w: index stream too short", ErrCorruptControlRecord)
	}

	hbuf := make([]byte, headerSize)
	if _, err := c.parent.ReadData(streamIndex, 0, hbuf); err != nil {
		return err
	}

	h, err := unmarshalHeader(hbuf)
	if err != nil {
		return err
	}

	if h.Magic != sparseMagic || int(h.ParentKeyLen) != len(c.parentKey) {
		return fmt.Errorf("%w: header mismatch", ErrCorruptControlRecord)
	}

	mapLen := dataLen - headerSize
	if mapLen > 8192 || mapLen%4 != 0 {
		return fmt.Errorf("%w: implausible children map length %d", ErrCorruptControlRecord, mapLen)
	}

	mbuf := make([]byte, mapLen)
	if mapLen > 0 {
		if _, err := c.parent.ReadData(streamIndex, headerSize, mbuf); err != nil {
			return err
		}
	}

	c.header = h
	c.children = bitsetFromBytes(mbuf)

	return nil
}

// Close writes back the children-presence bitmap (and closes any
// currently-open child, flushing its own residency bitmap first). Callers
// must call Close before dropping a Control that performed any writes.
func (c *Control) Close() error {
	if c.child != nil {
		if err := c.closeChild(); err != nil {
			return err
		}
	}

	buf := append(c.header.marshal(), c.children.Bytes()...)

	// openSparseEntry only accepts a children map whose length is a
	// multiple of 4 bytes; pad with clear bits (no child) to match.
	for (len(buf)-headerSize)%4 != 0 {
		buf = append(buf, 0)
	}

	_, err := c.parent.WriteData(streamIndex, 0, buf, false)

	return err
}

func (c *Control) childKeyFor(offset int64) string {
	return fmt.Sprintf("Range_%s:%x:%x", c.parentKey, c.header.Signature, offset>>20)
}

func (c *Control) childIndex(offset int64) int { return int(offset >> 20) }

func (c *Control) childPresent(offset int64) bool {
	return c.children.Get(c.childIndex(offset))
}

func (c *Control) setChildPresent(offset int64) {
	c.children.Set(c.childIndex(offset), true)
}

// openChild ensures c.child is the entry covering offset, creating it (for
// a write) if it doesn't exist yet. allowCreate is false for reads and
// GetAvailableRange, which must not materialize a child just to find it
// empty.
func (c *Control) openChild(offset int64, allowCreate bool) (bool, error) {
	key := c.childKeyFor(offset)

	if c.child != nil {
		if key == c.childKey {
			return true, nil
		}

		if err := c.closeChild(); err != nil {
			return false, err
		}
	}

	present := c.childPresent(offset)

	if !present && !allowCreate {
		return false, nil
	}

	if present {
		e, err := c.opener.OpenEntry(key)
		if err == nil {
			return true, c.adoptExistingChild(key, e)
		}
		// Fall through to create: the presence bit survived but the child
		// itself is gone (e.g. doomed independently of the parent).
	}

	e, err := c.opener.CreateEntry(key)
	if err != nil {
		return false, fmt.Errorf("sparse: create child %q: %w", key, err)
	}

	c.child = e
	c.childKey = key
	c.childHdr = c.header
	c.childMap = newBitset(childBitmapBits)

	if _, err := e.WriteData(streamIndex, 0, marshalChildRecord(c.childHdr, c.childMap), false); err != nil {
		return false, err
	}

	c.setChildPresent(offset)

	return true, nil
}

func (c *Control) adoptExistingChild(key string, e *entry.Entry) error {
	buf := make([]byte, childRecordSize)
	if _, err := e.ReadData(streamIndex, 0, buf); err != nil {
		return err
	}

	hdr, bits, err := unmarshalChildRecord(buf)
	if err != nil {
		return err
	}

	if hdr.Signature != c.header.Signature {
		return fmt.Errorf("%w: child signature mismatch", ErrCorruptControlRecord)
	}

	c.child = e
	c.childKey = key
	c.childHdr = hdr
	c.childMap = bits

	return nil
}

func (c *Control) closeChild() error {
	_, err := c.child.WriteData(streamIndex, 0, marshalChildRecord(c.childHdr, c.childMap), false)
	if err != nil {
		return err
	}

	if err := c.child.Close(); err != nil {
		return err
	}

	c.child = nil
	c.childKey = ""
	c.childMap = nil

	return nil
}

func checkRange(offset int64, length int) error {
	if offset < 0 || length < 0 {
		return ErrOutOfRange
	}

	if offset+int64(length) > maxSparseOffset {
		return ErrOutOfRange
	}

	return nil
}

// ReadSparseData reads up to len(buf) bytes starting at offset, stopping
// at the first hole (a never-written region) or child boundary it can't
// cross without losing the "is this byte present" distinction; it returns
// the number of contiguous bytes actually read, never an error for a hole.
func (c *Control) ReadSparseData(offset int64, buf []byte) (int, error) {
	if err := checkRange(offset, len(buf)); err != nil {
		return 0, err
	}

	total := 0

	for len(buf) > 0 {
		ok, err := c.openChild(offset, false)
		if err != nil {
			return total, err
		}

		if !ok {
			break
		}

		childOffset := int(offset % childSpan)
		want := len(buf)

		if max := childSpan - childOffset; want > max {
			want = max
		}

		avail := c.childMap.runLength(childOffset/childBlockSize, (childOffset+want+childBlockSize-1)/childBlockSize)
		avail *= childBlockSize

		if avail > want {
			avail = want
		}

		if avail == 0 {
			break
		}

		n, err := c.child.ReadData(streamData, childOffset, buf[:avail])
		if err != nil {
			return total, err
		}

		total += n
		offset += int64(n)
		buf = buf[n:]

		if n < avail {
			break
		}
	}

	return total, nil
}

// WriteSparseData writes data starting at offset, creating child entries
// as needed and marking each written 1 KB slot resident in its child's
// bitmap.
func (c *Control) WriteSparseData(offset int64, data []byte) (int, error) {
	if err := checkRange(offset, len(data)); err != nil {
		return 0, err
	}

	total := 0

	for len(data) > 0 {
		if _, err := c.openChild(offset, true); err != nil {
			return total, err
		}

		childOffset := int(offset % childSpan)
		want := len(data)

		if max := childSpan - childOffset; want > max {
			want = max
		}

		n, err := c.child.WriteData(streamData, childOffset, data[:want], false)
		if err != nil {
			return total, err
		}

		if n > 0 {
			firstBlock := childOffset / childBlockSize
			lastBlock := (childOffset + n + childBlockSize - 1) / childBlockSize
			c.childMap.SetRange(firstBlock, lastBlock, true)
		}

		total += n
		offset += int64(n)
		data = data[n:]

		if n < want {
			break
		}
	}

	return total, nil
}

// GetAvailableRange reports the first contiguous resident byte range
// within [offset, offset+length): it returns the start of that range
// (>= offset) and its length, or a zero length if nothing is resident in
// the queried window.
func (c *Control) GetAvailableRange(offset int64, length int) (int64, int, error) {
	if err := checkRange(offset, length); err != nil {
		return offset, 0, err
	}

	remaining := length
	cursor := offset

	for remaining > 0 {
		ok, err := c.openChild(cursor, false)
		if err != nil {
			return offset, 0, err
		}

		childOffset := int(cursor % childSpan)
		thisChild := childSpan - childOffset

		if thisChild > remaining {
			thisChild = remaining
		}

		if !ok {
			cursor += int64(thisChild)
			remaining -= thisChild

			continue
		}

		firstBlock := childOffset / childBlockSize
		lastBlock := (childOffset + thisChild + childBlockSize - 1) / childBlockSize

		start := c.childMap.firstSet(firstBlock, lastBlock)
		if start < 0 {
			cursor += int64(thisChild)
			remaining -= thisChild

			continue
		}

		run := c.childMap.runLength(start, lastBlock)

		rangeStart := cursor + int64(start*childBlockSize-childOffset)
		rangeLen := run * childBlockSize

		// Cap the reported length to the originally requested window.
		if over := (rangeStart + int64(rangeLen)) - (offset + int64(length)); over > 0 {
			rangeLen -= int(over)
		}

		return rangeStart, rangeLen, nil
	}

	return offset, 0, nil
}
