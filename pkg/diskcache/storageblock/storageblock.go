// Package storageblock provides a typed, buffered view over a block-file
// region: load the fixed-size record behind an address into memory, mutate
// it, and defer the write-back until the caller asks for it (or shares the
// buffer with another view of the same node).
//
// Grounded on the Chromium disk_cache StorageBlock<T> template
// (original_source/net/disk_cache/storage_block.h), adapted from C++
// template instantiation to a Go generic type parameterized over any
// fixed-layout record that knows its own width and how to (de)serialize
// itself.
package storageblock

import (
	"fmt"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
)

// FileSource is the subset of BlockFiles a Block needs: resolve an address
// to the file and byte offset backing it.
type FileSource interface {
	GetFile(addr address.Addr) (file BlockFileHandle, offset int64, err error)
}

// BlockFileHandle is the minimal positional I/O surface a Block performs
// its load/store against (satisfied by *storagefile.File).
type BlockFileHandle interface {
	Read(offset int64, buf []byte) (int, error)
	Write(offset int64, buf []byte) (int, error)
}

// Record is implemented by fixed-width types storage blocks can hold:
// rankings nodes and entry-store records.
type Record interface {
	// Size returns the on-disk width in bytes of one record (not the
	// width of a multi-block allocation; that is addr.NumBlocks()*BlockSize()).
	Size() int
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Block is a buffered, lazily-loaded view of one record at addr.
//
// Block is not safe for concurrent use; callers serialize access the same
// way the owning EntryImpl/Rankings code does for every other in-memory
// structure.
type Block[T Record] struct {
	files FileSource
	addr  address.Addr

	buf      T
	loaded   bool
	modified bool
}

// New returns a Block bound to addr but not yet loaded.
func New[T Record](files FileSource, addr address.Addr) *Block[T] {
	return &Block[T]{files: files, addr: addr}
}

// Addr returns the address this block views.
func (b *Block[T]) Addr() address.Addr {
	return b.addr
}

// Data returns the in-memory buffer, loading it from disk first if needed.
func (b *Block[T]) Data() (T, error) {
	if !b.loaded {
		if err := b.Load(); err != nil {
			var zero T

			return zero, err
		}
	}

	return b.buf, nil
}

// Load reads the record from disk into the in-memory buffer, discarding
// any unsaved modifications.
func (b *Block[T]) Load() error {
	f, offset, err := b.files.GetFile(b.addr)
	if err != nil {
		return fmt.Errorf("storageblock: resolve addr: %w", err)
	}

	raw := make([]byte, b.buf.Size())
	if _, err := f.Read(offset, raw); err != nil {
		return fmt.Errorf("storageblock: read: %w", err)
	}

	if err := b.buf.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("storageblock: unmarshal: %w", err)
	}

	b.loaded = true
	b.modified = false

	return nil
}

// Set replaces the in-memory buffer and marks it modified.
func (b *Block[T]) Set(v T) {
	b.buf = v
	b.loaded = true
	b.modified = true
}

// Prime installs v as the buffer's template without marking the block
// loaded or modified, so a following Data()/Load() call still reads the
// record from disk (using v only to size the read, e.g. a variable-width
// record whose width depends on its address). Use this instead of Set
// when v is a blank value standing in for "whatever is on disk", not the
// record's intended content.
func (b *Block[T]) Prime(v T) {
	b.buf = v
}

// SetData shares another block's buffer with this one, so both views
// observe the same in-memory record (used when an entry and a live
// iterator must see the same rankings node).
func (b *Block[T]) SetData(v T) {
	b.Set(v)
}

// Modified reports whether Store has unwritten changes pending.
func (b *Block[T]) Modified() bool {
	return b.modified
}

// Store writes the in-memory buffer back to disk if it has been modified
// since the last Load/Store.
func (b *Block[T]) Store() error {
	if !b.modified {
		return nil
	}

	f, offset, err := b.files.GetFile(b.addr)
	if err != nil {
		return fmt.Errorf("storageblock: resolve addr: %w", err)
	}

	raw, err := b.buf.MarshalBinary()
	if err != nil {
		return fmt.Errorf("storageblock: marshal: %w", err)
	}

	if _, err := f.Write(offset, raw); err != nil {
		return fmt.Errorf("storageblock: write: %w", err)
	}

	b.modified = false

	return nil
}

// Close stores any pending modification. Callers that want to discard
// changes instead should simply drop the Block without calling Close.
func (b *Block[T]) Close() error {
	return b.Store()
}
