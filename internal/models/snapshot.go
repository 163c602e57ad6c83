package models

// Snapshot is the full set of triples derivable from one page at one
// revision, keyed by canonical triple identity for O(1) membership tests.
// At most two snapshots per page are ever resident: the previous one being
// diffed against and the current one.
type Snapshot struct {
	Subject string
	triples map[string]Triple
}

// NewSnapshot returns an empty snapshot for subject.
func NewSnapshot(subject string) *Snapshot {
	return &Snapshot{Subject: subject, triples: make(map[string]Triple)}
}

// Add inserts t; duplicate facts collapse to one.
func (s *Snapshot) Add(t Triple) {
	s.triples[t.Key()] = t
}

// Len returns the number of distinct triples.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.triples)
}

// Has reports whether the snapshot contains a triple with the given key.
// A nil snapshot (a page's state before its first revision) contains nothing.
func (s *Snapshot) Has(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s.triples[key]
	return ok
}

// Each calls fn for every triple. Iteration order is unspecified; callers
// needing determinism must sort.
func (s *Snapshot) Each(fn func(key string, t Triple)) {
	if s == nil {
		return
	}
	for k, t := range s.triples {
		fn(k, t)
	}
}
