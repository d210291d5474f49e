package diskcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/vaultcache/diskcache/pkg/diskcache/eviction"
)

// cacheConfigFileName is the optional per-directory override file. It is
// read once during Open, after Options has already been validated, so it
// can only narrow or tune the session, never substitute for a caller not
// supplying Options at all.
const cacheConfigFileName = "cache.hujson"

// fileOverrides is the JSONC shape of cache.hujson: every field optional,
// present only to let an operator retune an existing cache directory
// without recompiling the embedding program.
type fileOverrides struct {
	MaxBytes           *int64  `json:"max_bytes,omitempty"`
	ReuseAwareEviction *bool   `json:"reuse_aware_eviction,omitempty"`
	ExperimentID       *uint32 `json:"experiment_id,omitempty"`
}

// loadCacheOverrides reads dir/cache.hujson if present, following the
// teacher's two-step hujson.Standardize then json.Unmarshal decode so the
// file may carry comments and trailing commas. A missing file is not an
// error; it simply yields no overrides.
func loadCacheOverrides(dir string) (fileOverrides, error) {
	path := filepath.Join(dir, cacheConfigFileName)

	data, err := os.ReadFile(path) //nolint:gosec // path is the cache's own directory
	if err != nil {
		if os.IsNotExist(err) {
			return fileOverrides{}, nil
		}

		return fileOverrides{}, fmt.Errorf("diskcache: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileOverrides{}, fmt.Errorf("diskcache: %s: invalid JSONC: %w", path, err)
	}

	var ov fileOverrides

	if err := json.Unmarshal(standardized, &ov); err != nil {
		return fileOverrides{}, fmt.Errorf("diskcache: %s: invalid JSON: %w", path, err)
	}

	return ov, nil
}

// applyCacheOverrides layers fileOverrides onto opts, file values winning
// over whatever the caller passed in, matching the teacher's
// defaults-then-global-then-project precedence (here: caller Options is
// the base, the directory's own file is the most specific layer).
func applyCacheOverrides(opts Options, ov fileOverrides) Options {
	if ov.MaxBytes != nil {
		opts.MaxBytes = *ov.MaxBytes
	}

	if ov.ReuseAwareEviction != nil {
		if *ov.ReuseAwareEviction {
			opts.EvictionPolicy = eviction.ReuseAware
		} else {
			opts.EvictionPolicy = eviction.PureLRU
		}
	}

	if ov.ExperimentID != nil {
		opts.ExperimentID = *ov.ExperimentID
	}

	return opts
}
