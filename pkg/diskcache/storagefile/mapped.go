package storagefile

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MappedFile extends File with a shared memory-mapped view over the first
// viewSize bytes of the file. BlockFiles maps the 8 KB header+bitmap region
// this way so header fields and bitmap bits can be mutated in place without
// an explicit write call, matching the "no lock because the model is
// single-threaded" resource policy: mutations are visible to every other
// handle on the same file immediately.
type MappedFile struct {
	*File

	view    []byte
	mm      mmapFile
	viewLen int
}

// OpenMapped opens an existing file and maps its first viewSize bytes.
func OpenMapped(path string, viewSize int) (*MappedFile, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}

	return mapView(f, viewSize)
}

// CreateMapped creates (or truncates) a file, grows it to at least
// viewSize bytes, and maps the first viewSize bytes.
func CreateMapped(path string, viewSize int) (*MappedFile, error) {
	f, err := Create(path)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(int64(viewSize)); err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("storagefile: truncate %s: %w", path, err)
	}

	return mapView(f, viewSize)
}

func mapView(f *File, viewSize int) (*MappedFile, error) {
	mm := mmapFile(osMmap{})

	data, err := mm.mmap(f.Fd(), 0, viewSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("storagefile: mmap %s: %w", f.Path(), err)
	}

	return &MappedFile{File: f, view: data, mm: mm, viewLen: viewSize}, nil
}

// View returns the mapped byte slice. Callers read and write fields
// directly through this slice; writes are visible to every other handle
// mapping the same file without an explicit Write call.
func (m *MappedFile) View() []byte {
	return m.view
}

// Msync flushes the mapped view to the page cache's backing store. Only
// needed when the caller wants a durability point (WritebackSync-style
// callers); ordinary operation relies on the OS page cache.
func (m *MappedFile) Msync() error {
	if m.view == nil {
		return nil
	}

	return m.mm.msync(m.view, unix.MS_SYNC)
}

// Close unmaps the view before closing the underlying file.
func (m *MappedFile) Close() error {
	if m.view != nil {
		_ = m.mm.munmap(m.view)
		m.view = nil
	}

	return m.File.Close()
}
