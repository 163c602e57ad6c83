// Package refine applies the post-merge stream transforms: redirect
// resolution, entity/predicate filter lists, and the alternation-consistency
// guard. Transforms compose as a merge.Stream so the refined output stays a
// lazy, ordered sequence.
package refine

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/starford/raido/internal/merge"
	"github.com/starford/raido/internal/models"
)

// Redirects maps redirected item identifiers to their targets.
type Redirects map[string]string

// resolve rewrites redirected entity objects to their targets. Subjects are
// left alone: a redirected page contributes no operations of its own.
func (r Redirects) resolve(op models.Operation) models.Operation {
	if len(r) == 0 || op.Triple.Object.Kind != models.KindEntity {
		return op
	}
	if target, ok := r[op.Triple.Object.Entity]; ok {
		op.Triple.Object.Entity = target
	}
	return op
}

// Filter restricts the stream to allowed entities and predicates. A nil set
// means no restriction on that axis.
type Filter struct {
	Entities   map[string]struct{}
	Predicates map[string]struct{}
}

// LoadFilterFile reads a tab-separated filter list (index, identifier, label
// per line) and returns the identifier set.
func LoadFilterFile(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("refine: open filter %s: %w", path, err)
	}
	defer f.Close()

	set := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 2 {
			continue
		}
		id := strings.TrimSpace(fields[1])
		if id != "" {
			set[id] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("refine: read filter %s: %w", path, err)
	}
	return set, nil
}

// allow reports whether op survives the filter. Self-loops (subject equal to
// object entity) are always dropped when filtering is active, mirroring the
// compiled-dataset rules.
func (f *Filter) allow(op models.Operation) bool {
	if f == nil {
		return true
	}
	if f.Entities != nil {
		if _, ok := f.Entities[op.Triple.Subject]; !ok {
			return false
		}
		if op.Triple.Object.Kind == models.KindEntity {
			if _, ok := f.Entities[op.Triple.Object.Entity]; !ok {
				return false
			}
		}
	}
	if f.Predicates != nil {
		if _, ok := f.Predicates[op.Triple.Predicate]; !ok {
			return false
		}
	}
	if op.Triple.Object.Kind == models.KindEntity && op.Triple.Object.Entity == op.Triple.Subject {
		return false
	}
	return true
}

// WarnFunc receives refinement anomalies (dropped inconsistent operations).
type WarnFunc func(op models.Operation, reason string)

// Stream filters and rewrites an ordered source stream. With the guard
// enabled it buffers one same-timestamp window of lookahead plus one state
// byte per distinct triple seen.
type Stream struct {
	src       merge.Stream
	redirects Redirects
	filter    *Filter
	warn      WarnFunc

	guard   bool
	state   map[string]models.OpKind
	window  []models.Operation
	pending *models.Operation
	done    bool
}

// New wraps src with the configured transforms. redirects and filter may be
// nil/empty; guard enables duplicate suppression; warn may be nil.
func New(src merge.Stream, redirects Redirects, filter *Filter, guard bool, warn WarnFunc) *Stream {
	if warn == nil {
		warn = func(models.Operation, string) {}
	}
	s := &Stream{src: src, redirects: redirects, filter: filter, guard: guard, warn: warn}
	if guard {
		s.state = make(map[string]models.OpKind)
	}
	return s
}

// nextResolved pulls the next operation that survives redirect resolution and
// filtering.
func (s *Stream) nextResolved() (models.Operation, bool, error) {
	for {
		op, ok, err := s.src.Next()
		if err != nil || !ok {
			return models.Operation{}, false, err
		}
		op = s.redirects.resolve(op)
		if !s.filter.allow(op) {
			continue
		}
		return op, true, nil
	}
}

// Next yields the next refined operation.
func (s *Stream) Next() (models.Operation, bool, error) {
	if !s.guard {
		return s.nextResolved()
	}

	for {
		if len(s.window) == 0 {
			if err := s.fillWindow(); err != nil {
				return models.Operation{}, false, err
			}
			if len(s.window) == 0 {
				return models.Operation{}, false, nil
			}
		}

		cur := s.window[0]
		s.window = s.window[1:]

		key := cur.Triple.Key()
		last, seen := s.state[key]
		if cur.Kind == models.OpRemove && !seen {
			s.warn(cur, "remove before add")
			continue
		}
		if seen && last == cur.Kind {
			s.warn(cur, "duplicate operation")
			continue
		}
		s.state[key] = cur.Kind
		return cur, true, nil
	}
}

// fillWindow buffers the next run of operations sharing one timestamp and
// cancels remove/add pairs of the same triple within it. Such zero-lifetime
// toggles are typically born from redirect resolution collapsing two triples
// into one; a diff orders all removals before additions per predicate, so the
// two halves of a pair need not be adjacent.
func (s *Stream) fillWindow() error {
	var first models.Operation
	switch {
	case s.pending != nil:
		first = *s.pending
		s.pending = nil
	case s.done:
		return nil
	default:
		op, ok, err := s.nextResolved()
		if err != nil {
			return err
		}
		if !ok {
			s.done = true
			return nil
		}
		first = op
	}

	win := []models.Operation{first}
	for !s.done {
		op, ok, err := s.nextResolved()
		if err != nil {
			return err
		}
		if !ok {
			s.done = true
			break
		}
		if !op.Timestamp.Equal(first.Timestamp) {
			s.pending = &op
			break
		}
		win = append(win, op)
	}
	s.window = s.cancelToggles(win)
	return nil
}

// cancelToggles drops matched remove/add pairs per triple, keeping any
// unpaired surplus in stream order.
func (s *Stream) cancelToggles(win []models.Operation) []models.Operation {
	if len(win) < 2 {
		return win
	}
	adds := make(map[string]int)
	removes := make(map[string]int)
	for _, o := range win {
		if o.Kind == models.OpAdd {
			adds[o.Triple.Key()]++
		} else {
			removes[o.Triple.Key()]++
		}
	}
	drop := make(map[string]int)
	for key, a := range adds {
		if r := removes[key]; r > 0 {
			drop[key] = min(a, r)
		}
	}
	if len(drop) == 0 {
		return win
	}
	dropAdd := make(map[string]int, len(drop))
	dropRemove := make(map[string]int, len(drop))
	for key, n := range drop {
		dropAdd[key], dropRemove[key] = n, n
	}
	out := make([]models.Operation, 0, len(win))
	for _, o := range win {
		key := o.Triple.Key()
		switch {
		case o.Kind == models.OpAdd && dropAdd[key] > 0:
			dropAdd[key]--
			s.warn(o, "same-timestamp toggle")
		case o.Kind == models.OpRemove && dropRemove[key] > 0:
			dropRemove[key]--
			s.warn(o, "same-timestamp toggle")
		default:
			out = append(out, o)
		}
	}
	return out
}
