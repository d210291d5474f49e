package entry

import (
	"fmt"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/storagefile"
)

// userBufferMax is the size below which a stream lives entirely in an
// in-memory buffer rather than committed storage.
const userBufferMax = 16 * 1024

// repr names where a stream's bytes currently live.
type repr int

const (
	reprBuffer repr = iota
	reprBlock
	reprExternal
)

// stream is the in-memory state of one of an entry's four data streams.
type stream struct {
	kind repr
	size int

	buffer []byte

	blockAddr address.Addr

	extNumber uint32
	ext       *storagefile.File
}

func (s *stream) readAll(bf BlockAllocator, ext ExternalFiles) ([]byte, error) {
	switch s.kind {
	case reprBuffer:
		out := make([]byte, s.size)
		copy(out, s.buffer)

		return out, nil
	case reprBlock:
		f, offset, err := bf.GetFile(s.blockAddr)
		if err != nil {
			return nil, err
		}

		out := make([]byte, s.size)
		if _, err := f.Read(offset, out); err != nil {
			return nil, err
		}

		return out, nil
	case reprExternal:
		f := s.ext

		var err error

		if f == nil {
			f, err = ext.Open(s.extNumber)
			if err != nil {
				return nil, err
			}
		}

		out := make([]byte, s.size)
		if _, err := f.Read(0, out); err != nil {
			return nil, err
		}

		return out, nil
	default:
		return nil, fmt.Errorf("entry: unknown stream representation %d", s.kind)
	}
}

// read copies min(len(buf), size-offset) bytes starting at offset into
// buf, returning the number of bytes copied. Reading at or past the
// stream's size returns (0, nil): the boundary behavior is "short or zero
// without error", never io.EOF.
func (s *stream) read(bf BlockAllocator, ext ExternalFiles, offset int, buf []byte) (int, error) {
	if offset >= s.size {
		return 0, nil
	}

	want := len(buf)
	if offset+want > s.size {
		want = s.size - offset
	}

	switch s.kind {
	case reprBuffer:
		return copy(buf[:want], s.buffer[offset:offset+want]), nil
	case reprBlock:
		f, base, err := bf.GetFile(s.blockAddr)
		if err != nil {
			return 0, err
		}

		return f.Read(base+int64(offset), buf[:want])
	case reprExternal:
		f, err := s.externalHandle(ext)
		if err != nil {
			return 0, err
		}

		return f.Read(int64(offset), buf[:want])
	default:
		return 0, fmt.Errorf("entry: unknown stream representation %d", s.kind)
	}
}

func (s *stream) externalHandle(ext ExternalFiles) (*storagefile.File, error) {
	if s.ext != nil {
		return s.ext, nil
	}

	f, err := ext.Open(s.extNumber)
	if err != nil {
		return nil, err
	}

	s.ext = f

	return f, nil
}

// write applies a write of data at offset, growing the stream (zero-filling
// any gap) and migrating representation as needed, per the 16 KB
// buffer -> block-file -> external-file escalation ladder. If truncate is
// set, the stream's final size is exactly offset+len(data); otherwise it is
// max(current size, offset+len(data)).
func (s *stream) write(bf BlockAllocator, ext ExternalFiles, offset int, data []byte, truncate bool) error {
	newSize := offset + len(data)

	finalSize := newSize
	if !truncate && s.size > newSize {
		finalSize = s.size
	}

	target := reprBuffer

	switch {
	case finalSize > userBufferMax:
		target = reprExternal
	case finalSize == userBufferMax:
		target = reprBlock
	}

	if target == s.kind && target == reprBuffer {
		s.growBuffer(finalSize)
		copy(s.buffer[offset:], data)
		s.size = finalSize

		return nil
	}

	// Any other case needs the full current content materialized so a
	// migration (or an in-place write against fixed-granularity storage)
	// can proceed without losing bytes outside the written range.
	content, err := s.readAll(bf, ext)
	if err != nil {
		return fmt.Errorf("entry: read stream for migration: %w", err)
	}

	if len(content) < finalSize {
		grown := make([]byte, finalSize)
		copy(grown, content)
		content = grown
	} else {
		content = content[:finalSize]
	}

	copy(content[offset:offset+len(data)], data)

	if err := s.releaseStorage(bf, ext); err != nil {
		return err
	}

	switch target {
	case reprBuffer:
		s.kind = reprBuffer
		s.buffer = content
		s.size = finalSize
	case reprBlock:
		kind := address.RequiredFileType(finalSize)
		if kind == address.External {
			return s.commitExternal(ext, content)
		}

		count := address.BlocksNeeded(kind, finalSize)

		addr, err := bf.CreateBlock(kind, count)
		if err != nil {
			return fmt.Errorf("entry: allocate stream block: %w", err)
		}

		f, base, err := bf.GetFile(addr)
		if err != nil {
			return err
		}

		if _, err := f.Write(base, content); err != nil {
			return err
		}

		s.kind = reprBlock
		s.blockAddr = addr
		s.buffer = nil
		s.size = finalSize
	case reprExternal:
		return s.commitExternal(ext, content)
	}

	return nil
}

func (s *stream) commitExternal(ext ExternalFiles, content []byte) error {
	number, err := ext.NextNumber()
	if err != nil {
		return err
	}

	f, err := ext.Create(number)
	if err != nil {
		return err
	}

	if _, err := f.Write(0, content); err != nil {
		return err
	}

	s.kind = reprExternal
	s.extNumber = number
	s.ext = f
	s.buffer = nil
	s.size = len(content)

	return nil
}

func (s *stream) growBuffer(size int) {
	if cap(s.buffer) >= size {
		if len(s.buffer) < size {
			old := len(s.buffer)
			s.buffer = s.buffer[:size]

			for i := old; i < size; i++ {
				s.buffer[i] = 0
			}
		}

		return
	}

	grown := make([]byte, size)
	copy(grown, s.buffer)
	s.buffer = grown
}

// flush commits a buffer-resident stream to a block-file allocation sized
// to its current content, the way the original entry destructor writes
// out whatever was still only in the user buffer before the entry closes.
// A stream already on disk, or an empty buffer, is left untouched.
func (s *stream) flush(bf BlockAllocator) error {
	if s.kind != reprBuffer || s.size == 0 {
		return nil
	}

	kind := address.RequiredFileType(s.size)
	count := address.BlocksNeeded(kind, s.size)

	addr, err := bf.CreateBlock(kind, count)
	if err != nil {
		return fmt.Errorf("entry: allocate stream block on flush: %w", err)
	}

	f, offset, err := bf.GetFile(addr)
	if err != nil {
		return err
	}

	if _, err := f.Write(offset, s.buffer[:s.size]); err != nil {
		return err
	}

	s.kind = reprBlock
	s.blockAddr = addr
	s.buffer = nil

	return nil
}

func (s *stream) releaseStorage(bf BlockAllocator, ext ExternalFiles) error {
	switch s.kind {
	case reprBlock:
		if s.blockAddr != address.Zero {
			if err := bf.DeleteBlock(s.blockAddr, false); err != nil {
				return err
			}
		}

		s.blockAddr = address.Zero
	case reprExternal:
		if s.ext != nil {
			_ = s.ext.Close()
			s.ext = nil
		}

		if s.extNumber != 0 {
			if err := ext.Remove(s.extNumber); err != nil {
				return err
			}
		}

		s.extNumber = 0
	}

	return nil
}

// BlockAllocator is the subset of *blockfile.BlockFiles a stream allocates
// and frees storage through.
type BlockAllocator interface {
	CreateBlock(kind address.FileType, count int) (address.Addr, error)
	DeleteBlock(addr address.Addr, deep bool) error
	GetFile(addr address.Addr) (*storagefile.File, int64, error)
}
