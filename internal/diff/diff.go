// Package diff computes triple-level operations between consecutive
// snapshots of one page.
package diff

import (
	"sort"
	"time"

	"github.com/starford/raido/internal/models"
)

// Operations returns the ADD/REMOVE operations that transform prev into cur,
// all timestamped at ts (the current revision's timestamp). prev may be nil
// for a page's first decodable revision. Set-equal snapshots yield nothing.
//
// Emission order is deterministic: operations are sorted by predicate, with
// removals before additions within one predicate, then by object identity.
// Removals-first keeps the ADD/REMOVE alternation invariant satisfiable even
// when a value flips within a single same-timestamp transition.
//
// Cost is O(|prev| + |cur|) map work plus the sort of the (typically tiny)
// changed set; snapshots with thousands of statements never trigger
// quadratic comparison.
func Operations(prev, cur *models.Snapshot, ts time.Time, page string) []models.Operation {
	var ops []models.Operation

	prev.Each(func(key string, t models.Triple) {
		if !cur.Has(key) {
			ops = append(ops, models.Operation{
				Kind: models.OpRemove, Triple: t, Timestamp: ts, Page: page,
			})
		}
	})
	cur.Each(func(key string, t models.Triple) {
		if !prev.Has(key) {
			ops = append(ops, models.Operation{
				Kind: models.OpAdd, Triple: t, Timestamp: ts, Page: page,
			})
		}
	})

	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Triple.Predicate != b.Triple.Predicate {
			return a.Triple.Predicate < b.Triple.Predicate
		}
		if a.Kind != b.Kind {
			return a.Kind == models.OpRemove
		}
		return a.Triple.Object.Key() < b.Triple.Object.Key()
	})
	return ops
}
