package diskcache

import "errors"

// Error classification.
//
// Rebuild-class errors mean the cache directory itself cannot be trusted;
// the caller should let [Open] recreate it (ForceReset) rather than retry.
// Operational errors are per-call failures that do not indict the whole
// cache.
//
// Mirrors the teacher's pkg/slotcache errors.go classification scheme:
// callers MUST classify with errors.Is, never string matching.
var (
	// ErrCorrupt indicates the cache directory failed a structural check
	// (bad magic, version, or index invariant) badly enough that it was
	// flagged disabled and renamed aside.
	ErrCorrupt = errors.New("diskcache: corrupt")
	// ErrIncompatible indicates an on-disk major version that this build
	// does not know how to read.
	ErrIncompatible = errors.New("diskcache: incompatible")

	// ErrBusy indicates a conflicting writer already holds the directory
	// lock.
	ErrBusy = errors.New("diskcache: busy")
	// ErrInvalidInput indicates a caller-supplied argument failed
	// validation (empty key, negative size, zero capacity, ...).
	ErrInvalidInput = errors.New("diskcache: invalid input")
	// ErrNotFound indicates OpenEntry found no entry for the given key.
	ErrNotFound = errors.New("diskcache: not found")
	// ErrExists indicates CreateEntry was called for a key that already
	// has a live entry.
	ErrExists = errors.New("diskcache: entry exists")
	// ErrFull indicates a write would exceed a hard per-stream or
	// per-sparse-range limit and was rejected outright.
	ErrFull = errors.New("diskcache: full")
	// ErrClosed indicates an operation was attempted on a closed Backend
	// or a closed Entry.
	ErrClosed = errors.New("diskcache: closed")
	// ErrWriteback indicates a write succeeded in memory but its
	// persisted record could not be stored.
	ErrWriteback = errors.New("diskcache: writeback")
	// ErrDisabled indicates the cache hit a critical error this session
	// and is refusing further operations until the next successful Open.
	ErrDisabled = errors.New("diskcache: disabled after critical error")
)
