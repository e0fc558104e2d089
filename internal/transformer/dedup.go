// Package transformer holds the in-memory batch transforms of the Silver
// stage: business-key deduplication and hash-key derivation.
package transformer

import (
	"sort"

	"github.com/cockroachdb/errors"

	"medallion/internal/records"
)

// DedupStats reports the effect of one Deduplicate call.
type DedupStats struct {
	Input   int
	Output  int
	Removed int
}

// Deduplicate keeps one row per distinct businessKeys tuple.
//
// Rows are stable-sorted by orderBy, descending unless ascending is set, and
// the first row seen per key is kept. The survivor is therefore the maximum
// (or minimum) orderBy tuple of its key; ties keep input order. nil values
// sort last in either direction. The output is in sorted order and b is not
// modified.
func Deduplicate(b *records.Batch, businessKeys, orderBy []string, ascending bool) (*records.Batch, DedupStats, error) {
	if len(businessKeys) == 0 {
		return nil, DedupStats{}, errors.New("dedup: no business keys")
	}
	keyIdx, err := b.Indices(businessKeys)
	if err != nil {
		return nil, DedupStats{}, errors.Wrap(err, "dedup: business keys")
	}
	ordIdx, err := b.Indices(orderBy)
	if err != nil {
		return nil, DedupStats{}, errors.Wrap(err, "dedup: order by")
	}

	sorted := append([][]any(nil), b.Rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return preferred(sorted[i], sorted[j], ordIdx, ascending)
	})

	out := &records.Batch{Columns: append([]string(nil), b.Columns...)}
	seen := make(map[string]struct{}, len(sorted))
	for _, r := range sorted {
		k := records.KeyOf(r, keyIdx)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, r)
	}

	stats := DedupStats{Input: b.Len(), Output: out.Len()}
	stats.Removed = stats.Input - stats.Output
	return out, stats, nil
}

// preferred reports whether row a sorts strictly before row b. nil values go
// last in both directions, so a nil never beats a concrete value.
func preferred(a, b []any, idx []int, ascending bool) bool {
	for _, ix := range idx {
		va, vb := a[ix], b[ix]
		switch {
		case va == nil && vb == nil:
			continue
		case va == nil:
			return false
		case vb == nil:
			return true
		}
		c := records.Compare(va, vb)
		if c == 0 {
			continue
		}
		if ascending {
			return c < 0
		}
		return c > 0
	}
	return false
}
