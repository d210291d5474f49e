package diskcache

import (
	"errors"
	"time"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/sparse"
)

// Entry is a handle to one open cache entry. It is not safe for
// concurrent use by multiple goroutines at once; Backend is, but a given
// handle should stay with one caller at a time, matching the original
// EntryImpl's refcounted-but-not-thread-safe-per-handle contract.
//
// Entry looks its underlying state up through Backend's open-entry map on
// every call rather than caching an *entry.Entry directly, so a Doom or a
// critical-error reinit on another handle to the same entry is observed
// immediately instead of operating on a stale pointer.
type Entry struct {
	b    *Backend
	addr address.Addr
}

func (bn *Entry) state() (*openEntryState, error) {
	st, ok := bn.b.open[bn.addr]
	if !ok {
		return nil, ErrClosed
	}

	return st, nil
}

// GetKey returns the entry's key.
func (bn *Entry) GetKey() (string, error) {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return "", err
	}

	return st.ent.Key()
}

// GetLastUsed returns the entry's last-accessed time.
func (bn *Entry) GetLastUsed() (time.Time, error) {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return time.Time{}, err
	}

	return st.ent.GetLastUsed()
}

// GetLastModified returns the entry's last-written time.
func (bn *Entry) GetLastModified() (time.Time, error) {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return time.Time{}, err
	}

	return st.ent.GetLastModified()
}

// GetDataSize returns the current size of stream streamIdx (0-3).
func (bn *Entry) GetDataSize(streamIdx int) (int, error) {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return 0, err
	}

	return st.ent.GetDataSize(streamIdx), nil
}

// ReadData reads up to len(buf) bytes of stream streamIdx at offset.
func (bn *Entry) ReadData(streamIdx, offset int, buf []byte) (int, error) {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return 0, err
	}

	n, err := st.ent.ReadData(streamIdx, offset, buf)
	if err != nil {
		return n, bn.b.criticalError(err)
	}

	bn.b.stats.OnEvent(CounterReadData)
	bn.b.touch(bn.addr, false)

	return n, nil
}

// WriteData writes data to stream streamIdx at offset, truncating the
// stream to offset+len(data) when truncate is true.
func (bn *Entry) WriteData(streamIdx, offset int, data []byte, truncate bool) (int, error) {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return 0, err
	}

	oldSize := st.ent.GetDataSize(streamIdx)

	n, err := st.ent.WriteData(streamIdx, offset, data, truncate)
	if err != nil {
		return n, bn.b.criticalError(err)
	}

	newSize := st.ent.GetDataSize(streamIdx)

	bn.b.idx.AddTotalBytes(int64(newSize - oldSize))
	bn.b.stats.ModifyStorageStats(oldSize, newSize)
	bn.b.stats.OnEvent(CounterWriteData)
	bn.b.touch(bn.addr, true)

	if bn.b.ev.NeedsTrim() {
		_, _ = bn.b.ev.Trim(false)
	}

	return n, nil
}

// sparseCtl returns (creating if needed) the sparse.Control for this
// entry's underlying open handle.
func (bn *Entry) sparseCtl(st *openEntryState) (*sparse.Control, error) {
	if st.sc != nil {
		return st.sc, nil
	}

	key, err := st.ent.Key()
	if err != nil {
		return nil, err
	}

	sc, err := sparse.Open(backendOpener{bn.b}, st.ent, key)
	if err != nil {
		return nil, err
	}

	st.sc = sc

	return sc, nil
}

// ReadSparseData reads from the entry's 64 GB sparse address space.
func (bn *Entry) ReadSparseData(offset int64, buf []byte) (int, error) {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return 0, err
	}

	sc, err := bn.sparseCtl(st)
	if err != nil {
		return 0, err
	}

	n, err := sc.ReadSparseData(offset, buf)
	if err != nil && !errors.Is(err, sparse.ErrOutOfRange) {
		return n, bn.b.criticalError(err)
	}

	return n, err
}

// WriteSparseData writes into the entry's 64 GB sparse address space.
func (bn *Entry) WriteSparseData(offset int64, data []byte) (int, error) {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return 0, err
	}

	sc, err := bn.sparseCtl(st)
	if err != nil {
		return 0, err
	}

	n, err := sc.WriteSparseData(offset, data)
	if err != nil && !errors.Is(err, sparse.ErrOutOfRange) {
		return n, bn.b.criticalError(err)
	}

	return n, err
}

// GetAvailableRange reports the first resident byte range within
// [offset, offset+length) of the entry's sparse address space.
func (bn *Entry) GetAvailableRange(offset int64, length int) (int64, int, error) {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return offset, 0, err
	}

	sc, err := bn.sparseCtl(st)
	if err != nil {
		return offset, 0, err
	}

	start, n, err := sc.GetAvailableRange(offset, length)
	if err != nil && !errors.Is(err, sparse.ErrOutOfRange) {
		return start, n, bn.b.criticalError(err)
	}

	return start, n, err
}

// Doom marks this entry doomed. Its storage is released once every
// handle (including this one) has been Closed.
func (bn *Entry) Doom() error {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, err := bn.state()
	if err != nil {
		return err
	}

	if st.doomed {
		return nil
	}

	if err := bn.b.doomLoadedEntry(st.ent, bn.addr); err != nil {
		return bn.b.criticalError(err)
	}

	return nil
}

// Close releases this handle. Once every handle on the same entry has
// been closed, the entry's streams are flushed (or, if doomed, its
// storage released) and the dirty protocol is cleared.
func (bn *Entry) Close() error {
	bn.b.mu.Lock()
	defer bn.b.mu.Unlock()

	st, ok := bn.b.open[bn.addr]
	if !ok {
		return nil
	}

	if st.refs == 1 && st.sc != nil {
		if err := st.sc.Close(); err != nil {
			return err
		}
	}

	return bn.b.closeRaw(bn.addr)
}

// touch bumps an entry's recency, advancing it to the head of its current
// LRU list. write additionally bumps LastModified.
func (b *Backend) touch(addr address.Addr, write bool) {
	e, ok := b.open[addr]
	if !ok {
		return
	}

	l, err := b.findNodeList(e.ent.RankingsAddr())
	if err != nil {
		return
	}

	_ = b.r.UpdateRank(e.ent.RankingsAddr(), l, l, time.Now(), write)
}
