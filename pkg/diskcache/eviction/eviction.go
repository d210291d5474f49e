// Package eviction trims the cache to its configured size cap, with two
// selectable policies: pure LRU, and a four-queue reuse-aware variant that
// keeps hot entries resident longer than cold ones.
//
// Grounded on original_source/net/disk_cache/eviction.cc and eviction.h.
package eviction

import (
	"time"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
	"github.com/vaultcache/diskcache/pkg/diskcache/rankings"
)

// Policy selects the eviction algorithm.
type Policy int

const (
	// PureLRU evicts strictly from the tail of the single NoUse list.
	PureLRU Policy = iota
	// ReuseAware trims NoUse/LowUse/HighUse by per-list age targets (then
	// the longest list), and separately trims Deleted. Nothing in this
	// module moves an entry between NoUse, LowUse and HighUse on reuse
	// (the backend re-ranks an entry within its current list), so live
	// entries stay in NoUse.
	ReuseAware
)

// Tunables holds the constants the source hardcodes with no documented
// rationale (see the package's design notes on treating them as
// configurable rather than as discovered invariants).
type Tunables struct {
	// BatchSize caps how many entries a single Trim call dooms before
	// returning, so a large trim doesn't block the owning loop.
	BatchSize int
	// LowUseReuseThreshold is the reuse count for promoting a NoUse entry
	// to LowUse. Eviction does not read it, and no caller performs the
	// promotion.
	LowUseReuseThreshold uint32
	// HighUseReuseThreshold is the reuse count for promoting a LowUse
	// entry to HighUse. Eviction does not read it, and no caller performs
	// the promotion.
	HighUseReuseThreshold uint32
	// TargetAge is the base minimum residency; list i (0-indexed among
	// NoUse/LowUse/HighUse) must hold an entry for at least
	// TargetAge * 2^i before it is eligible for age-based eviction.
	TargetAge time.Duration
	// DeletedFraction is the fraction of total live entries above which
	// the Deleted list is trimmed on its own schedule.
	DeletedFraction float64
}

// DefaultTunables matches the values the source hardcodes: 1 reuse to
// LowUse and 10 reuses to HighUse, 24-hour target age doubling per list,
// batches of 4, and a quarter of total entries for the Deleted list.
var DefaultTunables = Tunables{
	BatchSize:             4,
	LowUseReuseThreshold:  1,
	HighUseReuseThreshold: 10,
	TargetAge:             24 * time.Hour,
	DeletedFraction:       0.25,
}

// Doomer dooms the entry whose rankings node lives at addr. Implemented by
// the backend, which owns entry lifecycle.
type Doomer interface {
	Doom(addr address.Addr) error
}

// Sizer reports the cache's current and maximum total byte usage.
type Sizer interface {
	CurrentSize() int64
	MaxSize() int64
}

// EntryCounter reports how many live entries exist, for the Deleted-list
// trim threshold.
type EntryCounter interface {
	EntryCount() int
}

// Eviction owns the trim decision; it never allocates or frees storage
// itself, delegating actual removal to a Doomer.
type Eviction struct {
	r        *rankings.Rankings
	doomer   Doomer
	sizer    Sizer
	counter  EntryCounter
	policy   Policy
	tunables Tunables
	now      func() time.Time
}

// New builds an Eviction using policy over r, dooming through doomer and
// consulting sizer/counter for trim thresholds.
func New(r *rankings.Rankings, doomer Doomer, sizer Sizer, counter EntryCounter, policy Policy) *Eviction {
	return &Eviction{
		r:        r,
		doomer:   doomer,
		sizer:    sizer,
		counter:  counter,
		policy:   policy,
		tunables: DefaultTunables,
		now:      time.Now,
	}
}

// NeedsTrim reports whether the cache is currently over its size cap.
func (e *Eviction) NeedsTrim() bool {
	return e.sizer.CurrentSize() > e.sizer.MaxSize()
}

// Trim dooms up to one batch of entries. It returns true if the caller
// should reschedule another Trim call (the target size was not yet
// reached and there was still work to do), matching the source's
// re-entrant task-queue posting rather than looping unbounded in one call.
func (e *Eviction) Trim(emptyOnly bool) (reschedule bool, err error) {
	switch e.policy {
	case PureLRU:
		return e.trimPureLRU(emptyOnly)
	default:
		return e.trimReuseAware(emptyOnly)
	}
}

func (e *Eviction) trimPureLRU(emptyOnly bool) (bool, error) {
	n, err := e.trimListByAge(rankings.NoUse, 0, emptyOnly, e.tunables.BatchSize)
	if err != nil {
		return false, err
	}

	return e.NeedsTrim() && n > 0, nil
}

func (e *Eviction) trimReuseAware(emptyOnly bool) (bool, error) {
	doomed := 0

	for listIdx, l := range []rankings.List{rankings.NoUse, rankings.LowUse, rankings.HighUse} {
		if doomed >= e.tunables.BatchSize || !e.NeedsTrim() {
			break
		}

		minAge := e.tunables.TargetAge * time.Duration(1<<uint(listIdx))

		n, err := e.trimListByAge(l, minAge, emptyOnly, e.tunables.BatchSize-doomed)
		if err != nil {
			return false, err
		}

		doomed += n
	}

	if e.NeedsTrim() && doomed < e.tunables.BatchSize {
		// No list met its age target; evict from whichever is longest.
		n, err := e.trimLongestList(emptyOnly, e.tunables.BatchSize-doomed)
		if err != nil {
			return false, err
		}

		doomed += n
	}

	if e.shouldTrimDeleted() {
		if _, err := e.trimListByAge(rankings.Deleted, 0, true, e.tunables.BatchSize); err != nil {
			return false, err
		}
	}

	return e.NeedsTrim() && doomed > 0, nil
}

func (e *Eviction) trimListByAge(l rankings.List, minAge time.Duration, emptyOnly bool, budget int) (int, error) {
	doomed := 0
	cur := e.r.TailOf(l)

	for cur != address.Zero && doomed < budget {
		node, err := e.r.Load(cur)
		if err != nil {
			return doomed, err
		}

		if minAge > 0 && e.now().Sub(node.LastUsed) < minAge {
			break
		}

		// Capture the predecessor before dooming cur: a successful Doom
		// removes cur from the list, which would otherwise strand the
		// walk.
		prevAddr, prevNode, err := e.r.GetPrev(cur, l)
		if err != nil {
			return doomed, err
		}

		if emptyOnly || !node.IsOpen() {
			if err := e.doomer.Doom(cur); err != nil {
				return doomed, err
			}

			doomed++
		}

		if prevNode == nil {
			break
		}

		cur = prevAddr
	}

	return doomed, nil
}

func (e *Eviction) trimLongestList(emptyOnly bool, budget int) (int, error) {
	var longest rankings.List

	var longestLen int

	for _, l := range []rankings.List{rankings.NoUse, rankings.LowUse, rankings.HighUse} {
		n := e.listLength(l)
		if n > longestLen {
			longestLen = n
			longest = l
		}
	}

	if longestLen == 0 {
		return 0, nil
	}

	return e.trimListByAge(longest, 0, emptyOnly, budget)
}

func (e *Eviction) shouldTrimDeleted() bool {
	total := e.counter.EntryCount()
	if total == 0 {
		return false
	}

	deletedLen := e.listLength(rankings.Deleted)

	return float64(deletedLen) > float64(total)*e.tunables.DeletedFraction
}

func (e *Eviction) listLength(l rankings.List) int {
	n := 0

	it := e.r.NewIterator(l)
	defer it.Close()

	for {
		addr, _, err := it.Next()
		if err != nil || addr == address.Zero {
			break
		}

		n++
	}

	return n
}
