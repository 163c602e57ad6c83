// Package apperr defines the pipeline error taxonomy.
//
// Only archive-level corruption is shard-fatal; everything else is absorbed
// locally and surfaces on the failure report channel.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptArchive marks a decompression integrity failure. It aborts
	// the owning shard's worker, never the whole run.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrOutOfOrderRevision marks a page whose revisions violate the
	// non-decreasing timestamp guarantee of the dump. Data-quality warning:
	// the page continues with best-effort ordering.
	ErrOutOfOrderRevision = errors.New("out of order revision")

	// ErrMalformedContent marks a revision that claims the recognized
	// content format but cannot be parsed. Per-revision skip.
	ErrMalformedContent = errors.New("malformed content")
)

// ShardFailure wraps a shard-fatal error with the shard's identity. The
// coordinator removes the shard from the merge and records the failure;
// partial progress for the shard is discarded.
type ShardFailure struct {
	Shard string
	Err   error
}

func (e *ShardFailure) Error() string {
	return fmt.Sprintf("shard %s failed: %v", e.Shard, e.Err)
}

func (e *ShardFailure) Unwrap() error { return e.Err }
