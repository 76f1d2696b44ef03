package filter

import (
	"path/filepath"

	"github.com/dyluth/syncedstore/pkg/refine"
)

// Criteria defines filtering criteria for storage diffs.
// All filters are ANDed together - a key must match ALL criteria to pass.
type Criteria struct {
	KeyGlob     string // Glob pattern for keys, empty = no filter
	SkipRemoved bool   // Drop removals
}

// Matches returns true if the change of key matches all filter criteria.
func (c *Criteria) Matches(key string, change refine.DiffOne) bool {
	if c.KeyGlob != "" {
		matched, err := filepath.Match(c.KeyGlob, key)
		if err != nil || !matched {
			return false
		}
	}

	if c.SkipRemoved && change.NewValue == nil {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c != nil && (c.KeyGlob != "" || c.SkipRemoved)
}

// Apply returns the part of diff that matches. A nil Criteria keeps
// everything. The result is nil when nothing matches.
func (c *Criteria) Apply(diff refine.Diff) refine.Diff {
	if !c.HasFilters() {
		return diff
	}
	var out refine.Diff
	for k, change := range diff {
		if !c.Matches(k, change) {
			continue
		}
		if out == nil {
			out = make(refine.Diff)
		}
		out[k] = change
	}
	return out
}

// Validate reports a malformed glob pattern.
func (c *Criteria) Validate() error {
	if c.KeyGlob == "" {
		return nil
	}
	_, err := filepath.Match(c.KeyGlob, "")
	return err
}
