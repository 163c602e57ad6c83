// Package models defines the value objects flowing through the extraction
// pipeline: triples, snapshots, revision records, and triple operations.
package models

// Triple is one subject–predicate–object fact. Triples are immutable value
// objects; equality is structural via Key.
type Triple struct {
	Subject   string `json:"s"` // item identifier, e.g. "Q42"
	Predicate string `json:"p"` // property identifier, e.g. "P31"
	Object    Value  `json:"o"`
}

// Key returns the canonical identity of the triple. Two triples describe the
// same fact iff their keys are equal. The unit separator keeps field
// boundaries unambiguous.
func (t Triple) Key() string {
	return t.Subject + "\x1f" + t.Predicate + "\x1f" + t.Object.Key()
}

func (t Triple) String() string {
	return t.Subject + " " + t.Predicate + " " + t.Object.Token()
}

// IsItemID reports whether id names an item page ("Q" followed by digits).
// Property pages, talk pages, and the like carry no extractable triples.
func IsItemID(id string) bool {
	if len(id) < 2 || id[0] != 'Q' {
		return false
	}
	for _, r := range id[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
