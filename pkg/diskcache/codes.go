package diskcache

// Error-taxonomy codes, stored as negative integers in the Stats record for
// post-mortem analysis after the process exits - the one piece of
// information this package can hand a later debugging session that an
// in-process error value cannot, since the Stats record outlives the
// process.
//
// Grounded on original_source/net/disk_cache/stats.h's CacheError enum;
// values are assigned in the same relative order but are otherwise this
// package's own, since the original never documents the integers as a
// stable wire format.
const (
	codeInitFailed = -(iota + 1)
	codeInvalidTail
	codeInvalidHead
	codeInvalidPrev
	codeInvalidNext
	codeInvalidLinks
	codeInvalidEntry
	codeInvalidAddress
	codeInvalidMask
	codeNumEntriesMismatch
	codeReadFailure
	codeStorageError
	codePreviousCrash
)

var codeNames = map[int64]string{
	codeInitFailed:         "init_failed",
	codeInvalidTail:        "invalid_tail",
	codeInvalidHead:        "invalid_head",
	codeInvalidPrev:        "invalid_prev",
	codeInvalidNext:        "invalid_next",
	codeInvalidLinks:       "invalid_links",
	codeInvalidEntry:       "invalid_entry",
	codeInvalidAddress:     "invalid_address",
	codeInvalidMask:        "invalid_mask",
	codeNumEntriesMismatch: "num_entries_mismatch",
	codeReadFailure:        "read_failure",
	codeStorageError:       "storage_error",
	codePreviousCrash:      "previous_crash",
}

// CodeName returns the taxonomy name for a code previously recorded via
// Stats.RecordError, or "" if code is not one of the named codes.
func CodeName(code int64) string { return codeNames[code] }
