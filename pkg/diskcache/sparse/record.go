package sparse

import (
	"encoding/binary"
	"fmt"
)

// sparseMagic identifies a valid sparse control record, distinguishing it
// from a stream-2 payload written for some other purpose.
const sparseMagic = 0x94a7c3d1

// headerSize is the width of sparseHeader's fixed fields.
const headerSize = 8 + 4 + 4

// sparseHeader is stored at offset 0 of both the parent's and every child's
// control stream: a signature generated when sparse mode is first enabled
// (so children from a stale, re-created parent are rejected on open), a
// magic constant, and the parent key's length (a cheap extra check).
type sparseHeader struct {
	Signature    uint64
	Magic        uint32
	ParentKeyLen int32
}

func (h sparseHeader) marshal() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:], h.Signature)
	binary.LittleEndian.PutUint32(buf[8:], h.Magic)
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.ParentKeyLen))

	return buf
}

func unmarshalHeader(buf []byte) (sparseHeader, error) {
	if len(buf) < headerSize {
		return sparseHeader{}, fmt.Errorf("sparse: short header (%d < %d)", len(buf), headerSize)
	}

	return sparseHeader{
		Signature:    binary.LittleEndian.Uint64(buf[0:]),
		Magic:        binary.LittleEndian.Uint32(buf[8:]),
		ParentKeyLen: int32(binary.LittleEndian.Uint32(buf[12:])),
	}, nil
}

// childSpan is how many bytes of sparse address space one child entry
// covers: offset>>20 selects the child index.
const childSpan = 1 << 20

// childBlockSize is the residency-bitmap granularity within a child.
const childBlockSize = 1024

// childBitmapBits / childBitmapBytes size a child's fixed residency bitmap:
// one bit per 1 KB slot across its 1 MB span.
const childBitmapBits = childSpan / childBlockSize
const childBitmapBytes = childBitmapBits / 8

// childRecordSize is the width of a child's stream-2 control record:
// header followed by its fixed residency bitmap.
const childRecordSize = headerSize + childBitmapBytes

func marshalChildRecord(h sparseHeader, bits *bitset) []byte {
	buf := make([]byte, childRecordSize)
	copy(buf, h.marshal())
	copy(buf[headerSize:], bits.Bytes())

	return buf
}

func unmarshalChildRecord(buf []byte) (sparseHeader, *bitset, error) {
	if len(buf) < childRecordSize {
		return sparseHeader{}, nil, fmt.Errorf("sparse: short child record (%d < %d)", len(buf), childRecordSize)
	}

	h, err := unmarshalHeader(buf)
	if err != nil {
		return sparseHeader{}, nil, err
	}

	bits := bitsetFromBytes(buf[headerSize : headerSize+childBitmapBytes])

	return h, bits, nil
}
