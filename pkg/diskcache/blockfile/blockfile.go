// Package blockfile implements the block-file allocator: a family of
// growing disk files per block-size class (36, 256, 1024, 4096 bytes) that
// pack variable-sized records into fixed-granularity slots addressed by
// [address.Addr].
//
// Grounded on the Chromium disk_cache block-file allocator
// (original_source/net/disk_cache/block_files.h / file.cc), restructured
// around the teacher's mmap'd-header-plus-bitmap technique
// (pkg/slotcache/open.go maps the whole file; here only the fixed 8 KB
// header+bitmap region is mapped, and block payloads are read/written
// positionally through storagefile.File).
package blockfile

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/storagefile"
)

// ErrCorruptHeader indicates a block-file header failed its magic/version
// or internal-consistency checks.
var ErrCorruptHeader = errors.New("blockfile: corrupt header")

// ErrOutOfSpace indicates a block-file could not grow (disk full, or a new
// chain file could not be created).
var ErrOutOfSpace = errors.New("blockfile: out of space")

// baseKinds are the four fixed block-size classes, each backed by its own
// "data_N" file for N in [0,3]. Additional chain files for any class get
// file numbers starting at 4.
var baseKinds = [4]address.FileType{
	address.Rankings,
	address.Block256,
	address.Block1K,
	address.Block4K,
}

func baseFileNumber(kind address.FileType) uint32 {
	switch kind {
	case address.Rankings:
		return 0
	case address.Block256:
		return 1
	case address.Block1K:
		return 2
	case address.Block4K:
		return 3
	default:
		panic("blockfile: not a block kind")
	}
}

// openFile is one mapped block-file: its 8 KB header+bitmap view plus the
// storagefile handle used for positional block I/O beyond the header.
type openFile struct {
	kind   address.FileType
	number uint32
	mf     *storagefile.MappedFile
}

func (f *openFile) view() []byte { return f.mf.View() }

func (f *openFile) dataOffset(block uint32, entrySize uint32) int64 {
	return int64(headerSize) + int64(block)*int64(entrySize)
}

// BlockFiles owns the family of block-files for all four size classes plus
// their chained overflow files.
//
// BlockFiles is safe for concurrent use; all mutations are serialized by mu
// and performed synchronously against memory-mapped pages, matching the
// spec's single-threaded-owning-loop resource model (there is no lock
// against concurrent mutators, only against process death via the
// updating field).
type BlockFiles struct {
	mu  sync.Mutex
	dir string

	// files indexes every open file by its absolute file number.
	files map[uint32]*openFile

	// chainHead maps a kind to the file number of the first file in its chain.
	chainHead map[address.FileType]uint32

	nextFileNumber uint32
}

// Init opens (create=false) or creates (create=true) the four base
// block-files in dir. On create, fresh headers and zero bitmaps are
// written. On open, every file's header is validated and, if its
// updating flag is set, repaired via FixBlockFileHeader.
func Init(dir string, create bool) (*BlockFiles, error) {
	bf := &BlockFiles{
		dir:            dir,
		files:          make(map[uint32]*openFile),
		chainHead:      make(map[address.FileType]uint32),
		nextFileNumber: 4,
	}

	for _, kind := range baseKinds {
		num := baseFileNumber(kind)

		var (
			f   *openFile
			err error
		)

		if create {
			f, err = bf.createFile(kind, num)
		} else {
			f, err = bf.openFile(kind, num)
		}

		if err != nil {
			bf.closeAll()

			return nil, err
		}

		bf.files[num] = f
		bf.chainHead[kind] = num

		if f.number >= bf.nextFileNumber {
			bf.nextFileNumber = f.number + 1
		}

		// Follow the chain so chained overflow files are recovered too.
		cur := f
		for readHeader(cur.view()).NextFile != 0 {
			nextNum := readHeader(cur.view()).NextFile

			var next *openFile
			if create {
				// A freshly created cache never has a chain yet.
				break
			}

			next, err = bf.openFile(kind, nextNum)
			if err != nil {
				bf.closeAll()

				return nil, err
			}

			bf.files[nextNum] = next

			if next.number >= bf.nextFileNumber {
				bf.nextFileNumber = next.number + 1
			}

			cur = next
		}
	}

	return bf, nil
}

func (bf *BlockFiles) path(number uint32) string {
	return filepath.Join(bf.dir, fmt.Sprintf("data_%d", number))
}

func (bf *BlockFiles) createFile(kind address.FileType, number uint32) (*openFile, error) {
	mf, err := storagefile.CreateMapped(bf.path(number), headerSize)
	if err != nil {
		return nil, fmt.Errorf("blockfile: create data_%d: %w", number, err)
	}

	view := mf.View()
	writeMagicAndVersion(view)
	writeHeader(view, header{
		ThisFile:   number,
		NextFile:   0,
		EntrySize:  uint32(kind.BlockSize()),
		NumEntries: 0,
		MaxEntries: bitmapBits,
	})

	return &openFile{kind: kind, number: number, mf: mf}, nil
}

func (bf *BlockFiles) openFile(kind address.FileType, number uint32) (*openFile, error) {
	mf, err := storagefile.OpenMapped(bf.path(number), headerSize)
	if err != nil {
		return nil, fmt.Errorf("blockfile: open data_%d: %w", number, err)
	}

	view := mf.View()
	if readMagic(view) != magic {
		_ = mf.Close()

		return nil, fmt.Errorf("%w: data_%d bad magic", ErrCorruptHeader, number)
	}

	if readVersionMajor(view) != versionMajor {
		_ = mf.Close()

		return nil, fmt.Errorf("%w: data_%d version mismatch", ErrCorruptHeader, number)
	}

	h := readHeader(view)
	if h.EntrySize != uint32(kind.BlockSize()) {
		_ = mf.Close()

		return nil, fmt.Errorf("%w: data_%d entry size mismatch", ErrCorruptHeader, number)
	}

	of := &openFile{kind: kind, number: number, mf: mf}

	if h.Updating != 0 {
		fixBlockFileHeader(of)
	}

	return of, nil
}

func (bf *BlockFiles) closeAll() {
	for _, f := range bf.files {
		_ = f.mf.Close()
	}

	bf.files = map[uint32]*openFile{}
}

// Close unmaps and closes every open block-file.
func (bf *BlockFiles) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	var firstErr error

	for _, f := range bf.files {
		if err := f.mf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	bf.files = map[uint32]*openFile{}

	return firstErr
}

// CreateBlock allocates a contiguous run of count blocks (1..4) in the
// block-file family for kind and returns the address naming it.
func (bf *BlockFiles) CreateBlock(kind address.FileType, count int) (address.Addr, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if count < 1 || count > address.MaxContiguousBlocks {
		return address.Zero, fmt.Errorf("blockfile: invalid block count %d", count)
	}

	num := bf.chainHead[kind]

	for {
		f, ok := bf.files[num]
		if !ok {
			return address.Zero, fmt.Errorf("%w: missing chain file %d", ErrCorruptHeader, num)
		}

		view := f.view()
		h := readHeader(view)

		start, found := findFreeRun(view, h, uint32(count))
		if found {
			bf.markUpdating(f, true)
			setRun(view, start, uint32(count), true)
			h.Empty[count-1]--
			h.Hint[count-1] = start + uint32(count)
			h.NumEntries += uint32(count)
			writeHeader(view, h)
			bf.markUpdating(f, false)

			return address.NewBlock(kind, count, uint8(num), uint16(start)), nil
		}

		if h.NextFile != 0 {
			num = h.NextFile

			continue
		}

		// Chain is full; create a new file and link it.
		newFile, err := bf.createFile(kind, bf.nextFileNumber)
		if err != nil {
			return address.Zero, fmt.Errorf("%w: %v", ErrOutOfSpace, err)
		}

		bf.files[newFile.number] = newFile

		bf.markUpdating(f, true)
		h.NextFile = newFile.number
		writeHeader(view, h)
		bf.markUpdating(f, false)

		bf.nextFileNumber++
		num = newFile.number
	}
}

// findFreeRun scans the bitmap for count contiguous free blocks, starting
// at the recorded hint for that arity and wrapping around once.
func findFreeRun(view []byte, h header, count uint32) (uint32, bool) {
	max := h.MaxEntries
	hint := h.Hint[count-1]

	for offset := uint32(0); offset < max; offset++ {
		start := (hint + offset) % max
		if start+count > max {
			continue
		}

		if runIsFree(view, start, count, max) {
			return start, true
		}
	}

	return 0, false
}

// markUpdating sets or clears the torn-write detection flag around a
// bitmap mutation.
func (bf *BlockFiles) markUpdating(f *openFile, updating bool) {
	view := f.view()

	var v uint32
	if updating {
		v = 1
	}

	h := readHeader(view)
	h.Updating = v
	writeHeader(view, h)
}

// DeleteBlock frees the blocks named by addr. If deep is true, the
// underlying bytes are zeroed first so the invariant that unused blocks
// read as zero holds even before the next allocation overwrites them.
func (bf *BlockFiles) DeleteBlock(addr address.Addr, deep bool) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if addr.IsSeparateFile() || !addr.IsInitialized() {
		return fmt.Errorf("blockfile: DeleteBlock requires an initialized block address")
	}

	num := uint32(addr.FileSelector())

	f, ok := bf.files[num]
	if !ok {
		return fmt.Errorf("%w: unknown file selector %d", ErrCorruptHeader, num)
	}

	view := f.view()
	h := readHeader(view)
	count := uint32(addr.NumBlocks())
	start := uint32(addr.StartBlock())

	if deep {
		entrySize := int64(h.EntrySize)
		zero := make([]byte, entrySize*int64(count))
		_, _ = f.mf.Write(f.dataOffset(start, h.EntrySize), zero)
	}

	bf.markUpdating(f, true)
	setRun(view, start, count, false)
	h.Empty[count-1]++
	h.NumEntries -= count
	writeHeader(view, h)
	bf.markUpdating(f, false)

	return nil
}

// GetFile returns the storagefile.File backing addr's block-file, along
// with the byte offset within that file where the block run's data
// begins.
func (bf *BlockFiles) GetFile(addr address.Addr) (*storagefile.File, int64, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if addr.IsSeparateFile() {
		return nil, 0, fmt.Errorf("blockfile: GetFile called with an external address")
	}

	num := uint32(addr.FileSelector())

	f, ok := bf.files[num]
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown file selector %d", ErrCorruptHeader, num)
	}

	h := readHeader(f.view())

	return f.mf.File, f.dataOffset(uint32(addr.StartBlock()), h.EntrySize), nil
}

// Transaction returns the rankings block-file's transaction record: the
// address of the node an in-flight Insert/Remove is mutating, and the
// operation code (0 = none). Valid only for the Rankings family; the
// record lives in the chain head file's user[0]/user[1] words.
func (bf *BlockFiles) Transaction() (address.Addr, uint32) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	f := bf.files[bf.chainHead[address.Rankings]]
	h := readHeader(f.view())

	return address.Addr(h.User[0]), h.User[1]
}

// SetTransaction writes the rankings block-file's transaction record.
// Writing addr.Zero with op 0 clears it.
func (bf *BlockFiles) SetTransaction(addr address.Addr, op uint32) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	f := bf.files[bf.chainHead[address.Rankings]]
	view := f.view()
	h := readHeader(view)
	h.User[0] = uint32(addr)
	h.User[1] = op
	writeHeader(view, h)
}

// fixBlockFileHeader recomputes empty[] and num_entries from the bitmap
// after an interrupted update. At most one in-flight allocation/free is
// lost (the affected block is leaked, never double-allocated).
func fixBlockFileHeader(f *openFile) {
	view := f.view()
	h := readHeader(view)

	var empty [4]uint32

	var allocated uint32

	run := uint32(0)

	for i := uint32(0); i < h.MaxEntries; i++ {
		if bitSet(view, i) {
			allocated++
			run = 0

			continue
		}

		run++
		// A free block only "belongs" to arity k if it starts a run of
		// exactly k consecutive free bits followed by an allocated bit
		// or end-of-bitmap; approximate by crediting every free block to
		// the 1-block bucket, which keeps allocation correct (CreateBlock
		// rescans the real bitmap) at the cost of stale empty[] counts
		// for larger arities until the next full recompute.
		empty[0]++
	}

	_ = run

	h.Empty = empty
	h.NumEntries = allocated
	h.Updating = 0
	writeHeader(view, h)
}
