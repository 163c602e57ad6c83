package models

import "time"

// OpKind is the kind of a triple operation. The string forms match the
// compiled output format.
type OpKind string

const (
	OpAdd    OpKind = "+"
	OpRemove OpKind = "-"
)

// Operation is the unit of pipeline output: one triple asserted or retracted
// at one revision timestamp. Shard and Seq pin the operation's place in the
// deterministic global order.
//
// Invariant: within one page's history the operations on any one triple
// strictly alternate ADD, REMOVE, ADD, ... starting with ADD.
type Operation struct {
	Kind      OpKind    `json:"op"`
	Triple    Triple    `json:"t"`
	Timestamp time.Time `json:"ts"`
	Page      string    `json:"page"`
	Shard     string    `json:"shard,omitempty"`
	Seq       uint64    `json:"seq"`
}

// Before reports whether o precedes other in the canonical global order:
// timestamp first, then shard identifier, then intra-shard emission sequence.
// The shard/sequence tie-break is arbitrary but fixed, making output
// reproducible across runs.
func (o Operation) Before(other Operation) bool {
	if !o.Timestamp.Equal(other.Timestamp) {
		return o.Timestamp.Before(other.Timestamp)
	}
	if o.Shard != other.Shard {
		return o.Shard < other.Shard
	}
	return o.Seq < other.Seq
}
